// Package backup uploads domain database backups to a blob sink.
//
// Two drivers are provided: fs writes under a local root with a temp file
// and rename, s3 writes to an S3 compatible bucket (AWS or MinIO). Keys are
// slash separated relative paths, <domain>/<file> for domain backups.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Driver names a sink implementation.
type Driver string

const (
	DriverFS Driver = "fs"
	DriverS3 Driver = "s3"
)

// Info describes a stored backup object.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store is a write-once blob sink.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (Info, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// ErrExists is returned by Put when the key is already present.
var ErrExists = errors.New("backup object already exists")

// Config selects and configures a driver.
type Config struct {
	Driver Driver
	Dir    string // fs root
	S3     S3Config
}

// Open constructs the sink named by cfg.Driver. An empty driver selects fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFS:
		return NewFS(cfg.Dir)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown backup driver %q", cfg.Driver)
	}
}

// Key joins a domain name and a file name into an object key.
func Key(domain, file string) string {
	return path.Join(domain, filepath.Base(file))
}

// sanitizeKey rejects empty, absolute and escaping keys.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid absolute key %q", key)
	}
	clean := path.Clean(strings.ReplaceAll(key, "\\", "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key traversal %q", key)
	}
	return clean, nil
}
