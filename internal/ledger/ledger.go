// Package ledger keeps a local SQLite history of jobs submitted from this
// machine, so the CLI can list them and show their last known status
// without asking the service.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/tonimelisma/vps-go/internal/jobs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by Get for a job the ledger has never seen.
var ErrNotFound = errors.New("ledger: job not found")

// Entry is one job as last seen by this machine.
type Entry struct {
	JobID          string
	ProcessingType string
	Status         jobs.Status
	Percent        *float64
	Message        string
	BaseURL        string
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}

// ListOptions filters List.
type ListOptions struct {
	Limit      int  // 0 means no limit
	ActiveOnly bool // only jobs that have not reached a terminal status
}

// Store is the job history database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open opens (creating if necessary) the ledger at dbPath and applies
// pending migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: creating directory for %s: %w", dbPath, err)
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("job ledger opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// runMigrations applies all pending schema migrations with the goose v3
// Provider API.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("ledger: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("ledger: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Debug("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const (
	sqlInsertJob = `INSERT INTO jobs
		(job_id, processing_type, status, percent, message, base_url, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`

	sqlSelectStatus = `SELECT status FROM jobs WHERE job_id = ?`

	sqlUpdateJob = `UPDATE jobs SET status = ?, percent = ?, message = ?, updated_at = ?
		WHERE job_id = ?`

	sqlSelectJob = `SELECT job_id, processing_type, status, percent, message, base_url,
		submitted_at, updated_at FROM jobs`
)

// Record stores a freshly submitted job. Recording the same job twice keeps
// the first row.
func (s *Store) Record(ctx context.Context, h jobs.Handle, processingType, baseURL string) error {
	now := s.nowFunc().UnixNano()

	if _, err := s.db.ExecContext(ctx, sqlInsertJob,
		h.JobID, processingType, string(h.Status), nullFloat(h.Percent), h.Message, baseURL, now, now,
	); err != nil {
		return fmt.Errorf("ledger: recording job %s: %w", h.JobID, err)
	}

	return nil
}

// Observe applies a progress observation. Jobs the ledger has not seen are
// inserted; a status earlier in the lifecycle than the stored one is
// ignored, so a stale read never overwrites a newer state.
func (s *Store) Observe(ctx context.Context, ev jobs.ProgressEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin observe: %w", err)
	}
	defer tx.Rollback()

	now := s.nowFunc().UnixNano()

	var current string

	err = tx.QueryRowContext(ctx, sqlSelectStatus, ev.JobID).Scan(&current)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, sqlInsertJob,
			ev.JobID, "", string(ev.Status), nullFloat(ev.Percent), ev.Message, "", now, now,
		); err != nil {
			return fmt.Errorf("ledger: inserting job %s: %w", ev.JobID, err)
		}
	case err != nil:
		return fmt.Errorf("ledger: reading job %s: %w", ev.JobID, err)
	case ev.Status.Before(jobs.Status(current)):
		s.logger.Debug("ledger ignoring regressed status",
			slog.String("job_id", ev.JobID),
			slog.String("status", string(ev.Status)),
			slog.String("stored", current),
		)

		return nil
	default:
		if _, err := tx.ExecContext(ctx, sqlUpdateJob,
			string(ev.Status), nullFloat(ev.Percent), ev.Message, now, ev.JobID,
		); err != nil {
			return fmt.Errorf("ledger: updating job %s: %w", ev.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit observe: %w", err)
	}

	return nil
}

// Get returns one job.
func (s *Store) Get(ctx context.Context, jobID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, sqlSelectJob+` WHERE job_id = ?`, jobID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	if err != nil {
		return Entry{}, fmt.Errorf("ledger: reading job %s: %w", jobID, err)
	}

	return e, nil
}

// List returns jobs, newest submission first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	query := sqlSelectJob

	var args []any

	if opts.ActiveOnly {
		query += ` WHERE status NOT IN (?, ?)`
		args = append(args, string(jobs.StatusCompleted), string(jobs.StatusFailed))
	}

	query += ` ORDER BY submitted_at DESC, job_id`

	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing jobs: %w", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scanning job: %w", err)
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: listing jobs: %w", err)
	}

	return out, nil
}

// Prune deletes terminal jobs last updated before cutoff and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		string(jobs.StatusCompleted), string(jobs.StatusFailed), cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: pruning jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: pruning jobs: %w", err)
	}

	if n > 0 {
		s.logger.Info("pruned job ledger", slog.Int64("removed", n))
	}

	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e         Entry
		status    string
		percent   sql.NullFloat64
		submitted int64
		updated   int64
	)

	if err := sc.Scan(&e.JobID, &e.ProcessingType, &status, &percent, &e.Message, &e.BaseURL,
		&submitted, &updated); err != nil {
		return Entry{}, err
	}

	e.Status = jobs.Status(status)
	e.SubmittedAt = time.Unix(0, submitted)
	e.UpdatedAt = time.Unix(0, updated)

	if percent.Valid {
		p := percent.Float64
		e.Percent = &p
	}

	return e, nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}

	return sql.NullFloat64{Float64: *p, Valid: true}
}
