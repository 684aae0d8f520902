package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vkaroly/sms-dispatch/internal/model"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// SQLJobStore implements JobStore on database/sql. It runs against Postgres
// (pgx stdlib driver) or SQLite (modernc driver); queries are written with ?
// placeholders and rebound for Postgres.
type SQLJobStore struct {
	db     *sql.DB
	driver string
}

func NewSQLJobStore(db *sql.DB, driver string) (*SQLJobStore, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver: %q", driver)
	}
	return &SQLJobStore{db: db, driver: driver}, nil
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS dispatch_jobs (
	job_id           TEXT PRIMARY KEY,
	total_count      INTEGER NOT NULL,
	sent_count       INTEGER NOT NULL DEFAULT 0,
	failed_count     INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	message_template TEXT NOT NULL,
	error_message    TEXT,
	created_at       TIMESTAMP NOT NULL,
	completed_at     TIMESTAMP
);
CREATE TABLE IF NOT EXISTS message_attempts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id        TEXT NOT NULL,
	to_number     TEXT NOT NULL,
	body          TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	status        TEXT NOT NULL,
	provider_id   TEXT,
	cost          REAL,
	error_code    TEXT,
	error_message TEXT,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_job_id ON message_attempts (job_id);
CREATE INDEX IF NOT EXISTS idx_attempts_provider_id ON message_attempts (provider_id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS dispatch_jobs (
	job_id           TEXT PRIMARY KEY,
	total_count      INTEGER NOT NULL,
	sent_count       INTEGER NOT NULL DEFAULT 0,
	failed_count     INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	message_template TEXT NOT NULL,
	error_message    TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS message_attempts (
	id            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	job_id        TEXT NOT NULL,
	to_number     TEXT NOT NULL,
	body          TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	status        TEXT NOT NULL,
	provider_id   TEXT,
	cost          DOUBLE PRECISION,
	error_code    TEXT,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_job_id ON message_attempts (job_id);
CREATE INDEX IF NOT EXISTS idx_attempts_provider_id ON message_attempts (provider_id);
`

func (s *SQLJobStore) EnsureSchema(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $1..$n for Postgres.
func (s *SQLJobStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLJobStore) CreateJob(ctx context.Context, job *model.Job) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO dispatch_jobs
			(job_id, total_count, sent_count, failed_count, status, message_template, error_message, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		job.ID,
		job.TotalCount,
		job.SentCount,
		job.FailedCount,
		string(job.Status),
		job.Template,
		job.Error,
		job.CreatedAt.UTC(),
		job.CompletedAt,
	)
	return err
}

func (s *SQLJobStore) CommitBatch(ctx context.Context, jobID string, attempts []model.MessageAttempt, sentCount, failedCount int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	insert := s.rebind(`
		INSERT INTO message_attempts
			(job_id, to_number, body, outcome, status, provider_id, cost, error_code, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for _, a := range attempts {
		if _, err := tx.ExecContext(ctx, insert,
			jobID,
			a.ToNumber,
			a.Body,
			string(a.Outcome),
			a.Status,
			a.ProviderID,
			a.Cost,
			a.ErrorCode,
			a.ErrorMessage,
			a.CreatedAt.UTC(),
			a.CreatedAt.UTC(),
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE dispatch_jobs
		SET sent_count = ?, failed_count = ?
		WHERE job_id = ?
	`), sentCount, failedCount, jobID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLJobStore) SetJobStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg *string, completedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE dispatch_jobs
		SET status = ?, error_message = ?, completed_at = ?
		WHERE job_id = ?
	`), string(status), errMsg, completedAt, jobID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

const jobColumns = `job_id, total_count, sent_count, failed_count, status, message_template, error_message, created_at, completed_at`

func (s *SQLJobStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+jobColumns+`
		FROM dispatch_jobs
		WHERE job_id = ?
	`), jobID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLJobStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM dispatch_jobs
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

const attemptColumns = `id, job_id, to_number, body, outcome, status, provider_id, cost, error_code, error_message, created_at, updated_at`

func (s *SQLJobStore) ListAttempts(ctx context.Context, jobID string) ([]model.MessageAttempt, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+attemptColumns+`
		FROM message_attempts
		WHERE job_id = ?
		ORDER BY id ASC
	`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func (s *SQLJobStore) ListHistory(ctx context.Context, limit, offset int) ([]model.MessageAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+attemptColumns+`
		FROM message_attempts
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func (s *SQLJobStore) UpdateAttemptStatus(ctx context.Context, providerID, status string, errCode, errMsg *string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE message_attempts
		SET status = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE provider_id = ?
	`), status, errCode, errMsg, time.Now().UTC(), providerID)
	return err
}

func (s *SQLJobStore) Stats(ctx context.Context) (*model.Stats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'duplicate' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(cost), 0)
		FROM message_attempts
	`)

	var st model.Stats
	if err := row.Scan(&st.TotalAttempts, &st.TotalSent, &st.TotalFailed, &st.TotalDuplicate, &st.TotalCost); err != nil {
		return nil, err
	}
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j           model.Job
		status      string
		errMsg      sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&j.ID,
		&j.TotalCount,
		&j.SentCount,
		&j.FailedCount,
		&status,
		&j.Template,
		&errMsg,
		&j.CreatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	j.Status = model.JobStatus(status)
	if errMsg.Valid {
		s := errMsg.String
		j.Error = &s
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanAttempts(rows *sql.Rows) ([]model.MessageAttempt, error) {
	var out []model.MessageAttempt
	for rows.Next() {
		var (
			a          model.MessageAttempt
			outcome    string
			providerID sql.NullString
			cost       sql.NullFloat64
			errCode    sql.NullString
			errMsg     sql.NullString
		)
		if err := rows.Scan(
			&a.ID,
			&a.JobID,
			&a.ToNumber,
			&a.Body,
			&outcome,
			&a.Status,
			&providerID,
			&cost,
			&errCode,
			&errMsg,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, err
		}

		a.Outcome = model.Outcome(outcome)
		if providerID.Valid {
			s := providerID.String
			a.ProviderID = &s
		}
		if cost.Valid {
			v := cost.Float64
			a.Cost = &v
		}
		if errCode.Valid {
			s := errCode.String
			a.ErrorCode = &s
		}
		if errMsg.Valid {
			s := errMsg.String
			a.ErrorMessage = &s
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
