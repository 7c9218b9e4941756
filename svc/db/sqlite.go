package db

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"sharebox/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 16
	defaultMaxIdleConns = 4
	defaultQueryTimeout = 5 * time.Second
)

// dsnParams makes every transaction take the write lock up front
// (BEGIN IMMEDIATE), so SQLite itself serializes inserts.
const dsnParams = "_busy_timeout=5000&_txlock=immediate"

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	generation    string
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Generation identifies this database file. It is minted when the schema is
// first created, so a purged and recreated database gets a new one even
// though its ids start over.
func (s *SQLite) Generation() string {
	return s.generation
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + dsnParams
	}
	return path + "?" + dsnParams
}

// Purge deletes the database file and its WAL companions. Missing files are
// not an error.
func Purge(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove %s", p)
		}
	}
	return nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}
func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		created_at REAL NOT NULL,
		content BLOB NOT NULL,
		size INTEGER NOT NULL,
		is_text BOOLEAN NOT NULL
	);
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('generation', ?)`,
		uuid.NewString()); err != nil {
		return errors.Wrap(err, "seed generation")
	}
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'generation'`).Scan(&s.generation)
	return errors.Wrap(err, "read generation")
}

// Insert stores p and returns the id SQLite assigned. Failures are reported
// as domain.ErrStoreUnavailable and never yield an id.
func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, errors.Wrap(domain.ErrStoreUnavailable, err.Error())
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	id, err := s.insertTx(queryCtx, p)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(domain.ErrStoreUnavailable, err.Error())
	}
	return id, nil
}

func (s *SQLite) insertTx(ctx context.Context, p *domain.Paste) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin insert")
	}
	defer tx.Rollback()
	content := p.Content
	if content == nil {
		content = []byte{}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO pastes (name, created_at, content, size, is_text) VALUES (?, ?, ?, ?, ?)`,
		p.Name, p.CreatedAt, content, p.Size, p.IsText,
	)
	if err != nil {
		return 0, errors.Wrap(err, "db insert")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "last insert id")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit insert")
	}
	return id, nil
}

func (s *SQLite) Get(ctx context.Context, id int64) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, errors.Wrap(domain.ErrStoreUnavailable, err.Error())
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT id, name, created_at, content, size, is_text FROM pastes WHERE id = ?`
	var p domain.Paste
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&p.ID, &p.Name, &p.CreatedAt, &p.Content, &p.Size, &p.IsText,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(domain.ErrStoreUnavailable, "db get: "+err.Error())
	}
	return &p, nil
}

// List returns every paste, newest first.
func (s *SQLite) List(ctx context.Context) ([]*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, errors.Wrap(domain.ErrStoreUnavailable, err.Error())
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT id, name, created_at, content, size, is_text FROM pastes ORDER BY id DESC`)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(domain.ErrStoreUnavailable, "db list: "+err.Error())
	}
	defer rows.Close()
	var out []*domain.Paste
	for rows.Next() {
		var p domain.Paste
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.Content, &p.Size, &p.IsText); err != nil {
			return nil, errors.Wrap(err, "scan paste")
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate pastes")
	}
	return out, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
