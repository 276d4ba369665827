package diag

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "devicepool/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Sink, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("diag migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendLog(ctx context.Context, r LogRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(at, at_ms, device, job_key, message) VALUES(?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), r.At.UnixMilli(), nullStr(r.Device), nullStr(r.Key), r.Message,
	)
	s.maybePrune(err)
	return err
}

func (s *sqliteStore) AppendJob(ctx context.Context, r JobRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(at, at_ms, job_key, device, progress, cancelled, err, duration_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), r.At.UnixMilli(), r.Key, r.Device, r.Progress, r.Cancelled,
		nullStr(r.Error), r.Duration.Milliseconds(),
	)
	s.maybePrune(err)
	return err
}

// countJobs is used by tests and diagnostics tooling.
func (s *sqliteStore) countJobs(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_key = ?`, key).Scan(&n)
	return n, err
}

func (s *sqliteStore) maybePrune(err error) {
	if err != nil || s.retention <= 0 {
		return
	}
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if perr := s.pruneBefore(ctx, time.Now().Add(-s.retention)); perr != nil {
		s.log.Debug("diag prune failed", logx.Err(perr))
	}
}

func (s *sqliteStore) pruneBefore(ctx context.Context, cutoff time.Time) error {
	ms := cutoff.UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE at_ms < ?`, ms); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE at_ms < ?`, ms)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
