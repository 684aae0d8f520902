package model

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
)

// Recipient is one dispatch target parsed from a recipient source.
// Phone holds the canonical E.164 form; RawPhone preserves the source value.
type Recipient struct {
	Row         int
	RawPhone    string
	Phone       string
	Name        string
	CustomField string
}

// InvalidRecipient is a source row that failed validation and is never dispatched.
type InvalidRecipient struct {
	Row      int
	RawPhone string
	Reason   string
}

// Job is one bulk-dispatch run over a fixed recipient set and template.
// Job fields are mutated only by the dispatcher worker that owns the job.
type Job struct {
	ID          string
	TotalCount  int
	SentCount   int
	FailedCount int
	Status      JobStatus
	Template    string
	Error       *string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// MessageAttempt is the append-only record of one delivery attempt.
type MessageAttempt struct {
	ID           int64
	JobID        string
	ToNumber     string
	Body         string
	Outcome      Outcome
	Status       string
	ProviderID   *string
	Cost         *float64
	ErrorCode    *string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Stats struct {
	TotalAttempts  int
	TotalSent      int
	TotalFailed    int
	TotalDuplicate int
	TotalCost      float64
}
