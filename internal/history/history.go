package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver

	"yt-queue/internal/model"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const DefaultListLimit = 50

// Entry is one terminal job outcome.
type Entry struct {
	ID         string          `json:"id"`
	AttemptID  string          `json:"attempt_id,omitempty"`
	URL        string          `json:"url"`
	Title      string          `json:"title,omitempty"`
	Filename   string          `json:"filename,omitempty"`
	OutputDir  string          `json:"output_dir,omitempty"`
	Status     model.JobStatus `json:"status"`
	Message    string          `json:"message,omitempty"`
	FormatSpec string          `json:"format_spec,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	FinishedAt time.Time       `json:"finished_at"`
}

// EntryFromJob snapshots a finished job.
func EntryFromJob(job model.Job) Entry {
	finished := job.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	return Entry{
		AttemptID:  job.AttemptID,
		URL:        job.URL,
		Title:      job.Title,
		Filename:   job.Filename,
		OutputDir:  job.OutputDir,
		Status:     job.Status,
		Message:    job.Message,
		FormatSpec: job.FormatSpec,
		StartedAt:  job.StartedAt,
		FinishedAt: finished,
	}
}

type ListOptions struct {
	Limit  int
	Status model.JobStatus
	URL    string
}

// Store persists download history in SQLite.
type Store struct {
	conn *sql.DB
	path string
	log  zerolog.Logger
}

// Open creates the database file if needed and applies pending migrations.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	s := &Store{conn: conn, path: path, log: logger.With().Str("component", "history").Logger()}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(s.conn, "migrations"); err != nil {
		return fmt.Errorf("failed to run history migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Store) Path() string { return s.path }

// Record inserts e, assigning an ID when it has none.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO download_history
    (id, attempt_id, url, title, filename, output_dir, status, message, format_spec, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AttemptID, e.URL, e.Title, e.Filename, e.OutputDir, string(e.Status),
		e.Message, e.FormatSpec, toMillis(e.StartedAt), toMillis(e.FinishedAt))
	if err != nil {
		return Entry{}, fmt.Errorf("record history for %s: %w", e.URL, err)
	}
	s.log.Debug().Str("url", e.URL).Str("status", string(e.Status)).Msg("history recorded")
	return e, nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT id, attempt_id, url, title, filename, output_dir, status, message, format_spec, started_at, finished_at
FROM download_history WHERE 1=1`
	var args []any
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.URL != "" {
		query += ` AND url = ?`
		args = append(args, opts.URL)
	}
	query += ` ORDER BY finished_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			status            string
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.URL, &e.Title, &e.Filename, &e.OutputDir,
			&status, &e.Message, &e.FormatSpec, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Status = model.JobStatus(status)
		e.StartedAt = fromMillis(started)
		e.FinishedAt = fromMillis(finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries that finished before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM download_history WHERE finished_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
