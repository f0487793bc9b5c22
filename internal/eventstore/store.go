package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job is not in the store.
var ErrNotFound = errors.New("job not found")

// Job is one recorded transcription.
type Job struct {
	ID         string
	Source     string
	ModelDir   string
	SampleRate int
	State      string
	Text       string
	Error      string
	ErrorCode  string
	ElapsedMS  float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Segment is one committed utterance of a job.
type Segment struct {
	ID         int64
	JobID      string
	Seq        int
	Text       string
	Confidence float64
	Payload    []byte
	CreatedAt  time.Time
}

// Store keeps transcription history in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode keeps nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    source TEXT,
    model_dir TEXT,
    sample_rate INTEGER,
    state TEXT NOT NULL,
    text TEXT,
    error TEXT,
    error_code TEXT,
    elapsed_ms REAL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    text TEXT,
    confidence REAL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_job_seq ON segments(job_id, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// BeginJob records a job as streaming.
func (s *Store) BeginJob(ctx context.Context, job Job) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.State == "" {
		job.State = "streaming"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, source, model_dir, sample_rate, state, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		job.ID, job.Source, job.ModelDir, job.SampleRate, job.State, job.CreatedAt.UnixMilli(), now.UnixMilli())
	return err
}

// AppendSegment writes a committed utterance for a job.
func (s *Store) AppendSegment(ctx context.Context, seg Segment) error {
	if s.disabled() {
		return nil
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(job_id, seq, text, confidence, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		seg.JobID, seg.Seq, seg.Text, seg.Confidence, seg.Payload, seg.CreatedAt.UnixMilli())
	return err
}

// FinishJob stores the outcome of a job.
func (s *Store) FinishJob(ctx context.Context, job Job) error {
	if s.disabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, text = ?, error = ?, error_code = ?, elapsed_ms = ?, updated_at = ?
		 WHERE job_id = ?`,
		job.State, job.Text, job.Error, job.ErrorCode, job.ElapsedMS, s.clock().UTC().UnixMilli(), job.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

const jobColumns = `job_id, source, model_dir, sample_rate, state, text, error, error_code, elapsed_ms, created_at, updated_at`

func scanJob(scan func(...any) error) (Job, error) {
	var (
		j                     Job
		text, errMsg, errCode sql.NullString
		elapsed               sql.NullFloat64
		createdAt, updatedAt  int64
	)
	if err := scan(&j.ID, &j.Source, &j.ModelDir, &j.SampleRate, &j.State, &text, &errMsg, &errCode, &elapsed, &createdAt, &updatedAt); err != nil {
		return Job{}, err
	}
	j.Text = text.String
	j.Error = errMsg.String
	j.ErrorCode = errCode.String
	j.ElapsedMS = elapsed.Float64
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	j.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return j, nil
}

// GetJob returns ErrNotFound when id is unknown or the store is ephemeral.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	if s.disabled() {
		return Job{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns up to limit jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListSegments retrieves up to limit segments of a job in utterance order.
func (s *Store) ListSegments(ctx context.Context, jobID string, limit int) ([]Segment, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, seq, text, confidence, payload, created_at
		 FROM segments WHERE job_id = ? ORDER BY seq ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var created int64
		if err := rows.Scan(&seg.ID, &seg.JobID, &seg.Seq, &seg.Text, &seg.Confidence, &seg.Payload, &created); err != nil {
			return nil, err
		}
		seg.CreatedAt = time.UnixMilli(created).UTC()
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
