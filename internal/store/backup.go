package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// backupStamp is the UTC timestamp embedded in backup file names.
const backupStamp = "20060102T150405Z"

// BackupPath returns where a backup taken at t is written:
// <dir>/backups/<base>-<stamp>.sqlite next to the database file.
func (s *Store) BackupPath(t time.Time) string {
	dir := filepath.Dir(s.path)
	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	return filepath.Join(dir, "backups", fmt.Sprintf("%s-%s.sqlite", base, t.UTC().Format(backupStamp)))
}

// MakeBackup writes a consistent copy of the database with VACUUM INTO and
// returns its path. The copy goes to a temporary file that is renamed into
// place, so a failed backup leaves nothing behind. Readers are not blocked
// and the writer lock is not held.
func (s *Store) MakeBackup(ctx context.Context) (string, error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}
	start := time.Now()
	defer s.metrics.observeBackup(start)

	final := s.BackupPath(s.now())
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		s.metrics.observe("backup", err)
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	tmp := final + ".tmp"
	_ = os.Remove(tmp)

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		_ = os.Remove(tmp)
		s.metrics.observe("backup", err)
		return "", fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		s.metrics.observe("backup", err)
		return "", fmt.Errorf("finalize backup: %w", err)
	}

	s.metrics.observe("backup", nil)
	s.log.WithField("path", final).Info("backup written")
	return final, nil
}
