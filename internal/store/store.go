package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/dpm/pkg/types"
)

// timeLayout is the save_time column encoding.
const timeLayout = time.RFC3339Nano

// querier is satisfied by *sql.DB and *sql.Tx so helpers run both inside
// and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the CRUD and integrity engine for one domain database.
type Store struct {
	path string

	mu sync.RWMutex // guards db
	db *sql.DB

	writeMu sync.Mutex // one writer at a time

	log     logrus.FieldLogger
	metrics *metrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*options)

type options struct {
	log        logrus.FieldLogger
	registerer prometheus.Registerer
	now        func() time.Time
}

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithRegisterer registers the store metrics on r. By default metrics go to
// a private registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithClock replaces time.Now for save times and backup names.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open opens or creates the database at path, applies pragmas and runs
// schema migrations. The parent directory is created if needed.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{
		log: logrus.StandardLogger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	m, err := newMetrics(o.registerer)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		path:    path,
		db:      db,
		log:     o.log.WithField("store", filepath.Base(path)),
		metrics: m,
		now:     o.now,
	}
	s.log.WithField("path", path).Debug("store opened")
	return s, nil
}

// dsn builds a modernc.org/sqlite connection string. Pragmas set here apply
// to every pooled connection, which matters for foreign_keys.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database. Close is idempotent; every later operation
// returns types.ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.log.Debug("store closed")
	return err
}

// handle returns the open database or ErrStoreClosed.
func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, types.ErrStoreClosed
	}
	return s.db, nil
}

// update runs fn in a write transaction. Only one update runs at a time.
// A non-nil error from fn rolls everything back.
func (s *Store) update(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.runTx(ctx, db, fn)
	s.metrics.observe(op, err)
	if err != nil {
		s.log.WithError(err).WithField("op", op).Debug("update failed")
	}
	return err
}

func (s *Store) runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Update runs fn in a serialized write transaction on the store database.
// It lets overlay packages keep their own tables alongside the core schema.
func (s *Store) Update(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.update(ctx, op, fn)
}

// View runs fn against the database outside any write transaction.
func (s *Store) View(ctx context.Context, fn func(q *sql.DB) error) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return fn(db)
}

// reader returns the querier for read paths.
func (s *Store) reader() (querier, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// newID returns a UUID v7 string.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func nullable(id *string) any {
	if id == nil {
		return nil
	}
	return *id
}

func scanNullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// exists reports whether a row with id is present in table.
func exists(ctx context.Context, q querier, table, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s %s: %w", table, id, err)
	}
	return true, nil
}
