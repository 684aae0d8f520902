package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vkaroly/sms-dispatch/internal/cache"
	"github.com/vkaroly/sms-dispatch/internal/dedupe"
	"github.com/vkaroly/sms-dispatch/internal/gateway"
	"github.com/vkaroly/sms-dispatch/internal/model"
	"github.com/vkaroly/sms-dispatch/internal/personalize"
	"github.com/vkaroly/sms-dispatch/internal/recipient"
	"github.com/vkaroly/sms-dispatch/internal/repo"
)

type Gateway interface {
	Send(ctx context.Context, to, body string) gateway.Result
}

// BatchPolicy sizes batches relative to total volume so that progress
// commits are frequent on small jobs without dominating large ones.
type BatchPolicy struct {
	Divisor int
	Min     int
	Max     int
}

func (p BatchPolicy) Size(total int) int {
	size := total / p.Divisor
	if size < p.Min {
		size = p.Min
	}
	if size > p.Max {
		size = p.Max
	}
	return size
}

type Options struct {
	Batch             BatchPolicy
	MessagesPerSecond float64
	BatchDelay        time.Duration
}

// Dispatcher owns the bulk dispatch state machine: it batches recipients,
// paces sends against the gateway, records attempts, and advances job state.
// All collaborators are passed at construction.
type Dispatcher struct {
	gw             Gateway
	store          repo.JobStore
	requestGuard   *dedupe.Guard
	transportGuard *dedupe.Guard
	attemptCache   cache.AttemptCache
	opts           Options
	limiter        *rate.Limiter
	log            *slog.Logger

	wg     sync.WaitGroup
	active atomic.Int32

	now func() time.Time
}

// New builds a Dispatcher. The gateway may be nil: jobs started without a
// gateway fail at job start rather than at construction, so the caller can
// still observe them through the store.
func New(gw Gateway, store repo.JobStore, requestGuard, transportGuard *dedupe.Guard, opts Options, logger *slog.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if requestGuard == nil || transportGuard == nil {
		return nil, errors.New("dedup guards must not be nil")
	}

	if opts.Batch.Divisor <= 0 {
		opts.Batch.Divisor = 20
	}
	if opts.Batch.Min <= 0 {
		opts.Batch.Min = 10
	}
	if opts.Batch.Max < opts.Batch.Min {
		opts.Batch.Max = 100
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 20
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		gw:             gw,
		store:          store,
		requestGuard:   requestGuard,
		transportGuard: transportGuard,
		opts:           opts,
		limiter:        rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), 1),
		log:            logger,
		now:            time.Now,
	}, nil
}

// WithAttemptCache mirrors provider IDs of successful sends into c.
func (d *Dispatcher) WithAttemptCache(c cache.AttemptCache) *Dispatcher {
	d.attemptCache = c
	return d
}

// Dispatch validates inputs, persists a pending job, and starts its worker.
// The job identifier is returned immediately; all remaining work proceeds
// asynchronously and is observable through the store.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []model.Recipient, template string) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", errors.New("message template must not be empty")
	}
	if len(recipients) == 0 {
		return "", errors.New("recipient list must not be empty")
	}

	job := &model.Job{
		ID:         uuid.NewString(),
		TotalCount: len(recipients),
		Status:     model.JobPending,
		Template:   template,
		CreatedAt:  d.now().UTC(),
	}

	if err := d.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	d.log.Info("dispatch job created", "job", job.ID, "recipients", job.TotalCount)

	// The worker outlives the submitting request.
	workerCtx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	d.active.Add(1)
	go d.run(workerCtx, job, recipients)

	return job.ID, nil
}

// Wait blocks until all started job workers have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Active returns the number of running job workers.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

func (d *Dispatcher) run(ctx context.Context, job *model.Job, recipients []model.Recipient) {
	defer d.wg.Done()
	defer d.active.Add(-1)

	log := d.log.With(slog.String("job", job.ID))
	start := d.now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch worker panic recovered", "panic", r)
			d.finish(ctx, job, model.JobFailed, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	if d.gw == nil {
		log.Error("delivery gateway not configured, failing job")
		d.finish(ctx, job, model.JobFailed, "delivery gateway not available")
		return
	}

	d.setStatus(ctx, job, model.JobProcessing)

	total := len(recipients)
	batchSize := d.opts.Batch.Size(total)
	totalBatches := (total + batchSize - 1) / batchSize

	log.Info("dispatch job started", "recipients", total, "batch_size", batchSize, "batches", totalBatches)

	var sent, failed int

	for batchStart := 0; batchStart < total; batchStart += batchSize {
		batchEnd := min(batchStart+batchSize, total)
		batch := recipients[batchStart:batchEnd]
		batchNumber := batchStart/batchSize + 1

		attempts := make([]model.MessageAttempt, 0, len(batch))
		for _, rec := range batch {
			attempt := d.sendOne(ctx, job, rec)
			switch attempt.Outcome {
			case model.OutcomeFailed:
				failed++
			default:
				// Suppressed duplicates count toward sent so they are
				// not presented as failures.
				sent++
			}
			attempts = append(attempts, attempt)
		}

		// Best-effort durability: a failed commit loses this batch's
		// attempt detail, but the counters are whole values and land
		// with the next commit.
		if err := d.store.CommitBatch(ctx, job.ID, attempts, sent, failed); err != nil {
			log.Error("batch commit failed", "batch", batchNumber, "err", err)
		} else {
			log.Info("batch committed",
				"batch", batchNumber,
				"batches", totalBatches,
				"sent", sent,
				"failed", failed,
			)
		}

		if batchEnd < total {
			d.pause(ctx, d.opts.BatchDelay)
		}
	}

	job.SentCount = sent
	job.FailedCount = failed
	d.finish(ctx, job, model.JobCompleted, "")

	fields := []any{
		slog.Int("sent", sent),
		slog.Int("failed", failed),
		slog.Duration("dur", d.now().Sub(start)),
	}
	if failed > 0 {
		log.Warn("dispatch job finished with failures", fields...)
	} else {
		log.Info("dispatch job finished", fields...)
	}
}

// sendOne performs exactly one delivery attempt for one recipient. Failures
// are isolated: every path returns an attempt record, never an error.
func (d *Dispatcher) sendOne(ctx context.Context, job *model.Job, rec model.Recipient) model.MessageAttempt {
	attempt := model.MessageAttempt{
		JobID:     job.ID,
		ToNumber:  rec.Phone,
		CreatedAt: d.now().UTC(),
	}

	// Idempotent re-check; recipients come in canonical already.
	phone, err := recipient.Canonical(rec.Phone)
	if err != nil {
		reason := "invalid phone number format"
		attempt.Outcome = model.OutcomeFailed
		attempt.Status = "failed"
		attempt.ErrorMessage = &reason
		return attempt
	}
	attempt.ToNumber = phone

	body := personalize.Render(job.Template, rec)
	attempt.Body = body

	if d.requestGuard.IsDuplicate(phone, body, "bulk_request") ||
		d.transportGuard.IsDuplicate(phone, body, "transport") {
		attempt.Outcome = model.OutcomeDuplicate
		attempt.Status = "duplicate"
		return attempt
	}

	// Pace live sends only; duplicates and invalid rows cost no gateway
	// throughput.
	if err := d.limiter.Wait(ctx); err != nil {
		msg := err.Error()
		attempt.Outcome = model.OutcomeFailed
		attempt.Status = "failed"
		attempt.ErrorMessage = &msg
		return attempt
	}

	res := d.gw.Send(ctx, phone, body)

	attempt.Status = res.Status
	if res.ProviderID != "" {
		attempt.ProviderID = &res.ProviderID
	}
	attempt.Cost = res.Cost
	if res.ErrorCode != "" {
		attempt.ErrorCode = &res.ErrorCode
	}
	if res.ErrorMessage != "" {
		attempt.ErrorMessage = &res.ErrorMessage
	}

	if !res.Success {
		attempt.Outcome = model.OutcomeFailed
		return attempt
	}

	attempt.Outcome = model.OutcomeSent

	if d.attemptCache != nil && res.ProviderID != "" {
		if err := d.attemptCache.StoreSent(ctx, res.ProviderID, phone, attempt.CreatedAt); err != nil {
			d.log.Error("failed to cache sent attempt", "job", job.ID, "provider_id", res.ProviderID, "err", err)
		}
	}

	return attempt
}

func (d *Dispatcher) setStatus(ctx context.Context, job *model.Job, status model.JobStatus) {
	job.Status = status
	if err := d.store.SetJobStatus(ctx, job.ID, status, nil, nil); err != nil {
		d.log.Error("failed to update job status", "job", job.ID, "status", status, "err", err)
	}
}

func (d *Dispatcher) finish(ctx context.Context, job *model.Job, status model.JobStatus, errMsg string) {
	now := d.now().UTC()
	job.Status = status
	job.CompletedAt = &now

	var msg *string
	if errMsg != "" {
		msg = &errMsg
		job.Error = msg
	}

	if err := d.store.SetJobStatus(ctx, job.ID, status, msg, &now); err != nil {
		d.log.Error("failed to finalize job", "job", job.ID, "status", status, "err", err)
	}
}

func (d *Dispatcher) pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	tmr := time.NewTimer(delay)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
	case <-tmr.C:
	}
}
