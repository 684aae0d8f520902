package repo

import (
	"context"
	"errors"
	"time"

	"github.com/vkaroly/sms-dispatch/internal/model"
)

var ErrJobNotFound = errors.New("job not found")

// JobStore is the durable record of jobs and per-message outcomes.
// CommitBatch writes a batch's attempt records and the job's whole-valued
// counters in one commit; counters are recomputed on every call, so a lost
// commit only loses that batch's attempt detail.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	CommitBatch(ctx context.Context, jobID string, attempts []model.MessageAttempt, sentCount, failedCount int) error
	SetJobStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg *string, completedAt *time.Time) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context) ([]model.Job, error)
	ListAttempts(ctx context.Context, jobID string) ([]model.MessageAttempt, error)
	ListHistory(ctx context.Context, limit, offset int) ([]model.MessageAttempt, error)
	UpdateAttemptStatus(ctx context.Context, providerID, status string, errCode, errMsg *string) error
	Stats(ctx context.Context) (*model.Stats, error)
}
