// Package queue runs named work queues backed by a database table, so jobs
// survive process restarts. Each queue has its own concurrency limit and
// retry policy; slowness in one queue never blocks another.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dao-chain-indexer/database"
	"dao-chain-indexer/logger"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const (
	QueueVerification = "verification"
	QueueEvidence     = "evidence"
	QueueWebhooks     = "webhooks"
	QueueCleanup      = "cleanup"
)

const (
	baseBackoff = 2 * time.Second
	maxBackoff  = 5 * time.Minute
)

type Handler func(ctx context.Context, job *Job) error

// Job is the running view of one queue row handed to a handler.
type Job struct {
	ID       string
	Queue    string
	Payload  []byte
	Attempts int

	db *gorm.DB
}

// SetProgress reports fractional progress (0-100) for observability. It is
// best-effort - a failed update never fails the job.
func (j *Job) SetProgress(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if j.db == nil {
		return
	}

	err := j.db.Model(&database.QueueJob{}).
		Where("id = ?", j.ID).
		Update("progress", pct).Error
	if err != nil {
		logger.Debug("job %s: progress update failed: %s", j.ID, err)
	}
}

type Opts struct {
	Delay       time.Duration
	MaxAttempts int
}

type registration struct {
	handler     Handler
	concurrency int
}

type Dispatcher struct {
	db                 *gorm.DB
	pollInterval       time.Duration
	defaultMaxAttempts int

	registrations map[string]registration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(db *gorm.DB, pollInterval time.Duration, defaultMaxAttempts int) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 5
	}

	return &Dispatcher{
		db:                 db,
		pollInterval:       pollInterval,
		defaultMaxAttempts: defaultMaxAttempts,
		registrations:      make(map[string]registration),
	}
}

// Register binds a handler to a named queue. Must be called before Start.
func (d *Dispatcher) Register(queue string, handler Handler, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	d.registrations[queue] = registration{handler: handler, concurrency: concurrency}
}

// Enqueue persists a job. The returned id can be used to track it.
func (d *Dispatcher) Enqueue(ctx context.Context, queue string, payload interface{}, opts Opts) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "Enqueue: Marshal")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.defaultMaxAttempts
	}

	job := &database.QueueJob{
		ID:          uuid.NewString(),
		Queue:       queue,
		Payload:     string(body),
		Status:      database.JobStatusPending,
		MaxAttempts: maxAttempts,
		RunAt:       time.Now().Add(opts.Delay),
	}

	if err := d.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", errors.Wrap(err, "Enqueue: Create")
	}

	return job.ID, nil
}

// Start spawns the workers of every registered queue. Workers exit after
// their current job when ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	var wg sync.WaitGroup
	for queue, reg := range d.registrations {
		for i := 0; i < reg.concurrency; i++ {
			wg.Add(1)
			go func(queue string, handler Handler) {
				defer wg.Done()
				d.work(ctx, queue, handler)
			}(queue, reg.handler)
		}
	}

	d.done = make(chan struct{})
	go func() {
		wg.Wait()
		close(d.done)
	}()

	logger.Info("queue dispatcher started with %d queues", len(d.registrations))
}

func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	logger.Info("queue dispatcher stopped")
}

func (d *Dispatcher) work(ctx context.Context, queue string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := d.claim(queue)
		if err != nil {
			logger.Error("queue %s: claim failed: %s", queue, err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.pollInterval):
			}
			continue
		}

		d.execute(ctx, job, handler)
	}
}

// claim atomically moves the oldest due pending job to RUNNING. Losing the
// conditional update race to another worker is not an error.
func (d *Dispatcher) claim(queue string) (*Job, error) {
	var row database.QueueJob
	err := d.db.Where("queue = ? AND status = ? AND run_at <= ?",
		queue, database.JobStatusPending, time.Now()).
		Order("run_at, created_at").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim: First")
	}

	res := d.db.Model(&database.QueueJob{}).
		Where("id = ? AND status = ?", row.ID, database.JobStatusPending).
		Updates(map[string]interface{}{
			"status":   database.JobStatusRunning,
			"attempts": row.Attempts + 1,
		})
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "claim: Updates")
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	return &Job{
		ID:       row.ID,
		Queue:    row.Queue,
		Payload:  []byte(row.Payload),
		Attempts: row.Attempts + 1,
		db:       d.db,
	}, nil
}

func (d *Dispatcher) execute(ctx context.Context, job *Job, handler Handler) {
	err := handler(ctx, job)
	if err == nil {
		d.finish(job.ID, map[string]interface{}{
			"status":     database.JobStatusCompleted,
			"progress":   100,
			"last_error": "",
		})
		return
	}

	var row database.QueueJob
	if dbErr := d.db.First(&row, "id = ?", job.ID).Error; dbErr != nil {
		logger.Error("job %s: reload failed: %s", job.ID, dbErr)
		return
	}

	if row.Attempts >= row.MaxAttempts {
		logger.Warn("job %s on queue %s failed after %d attempts: %s", job.ID, job.Queue, row.Attempts, err)
		d.finish(job.ID, map[string]interface{}{
			"status":     database.JobStatusFailed,
			"last_error": err.Error(),
		})
		return
	}

	delay := retryDelay(row.Attempts)
	logger.Debug("job %s on queue %s failed (attempt %d), retrying in %v: %s",
		job.ID, job.Queue, row.Attempts, delay, err)
	d.finish(job.ID, map[string]interface{}{
		"status":     database.JobStatusPending,
		"run_at":     time.Now().Add(delay),
		"last_error": err.Error(),
	})
}

func (d *Dispatcher) finish(id string, fields map[string]interface{}) {
	err := d.db.Model(&database.QueueJob{}).Where("id = ?", id).Updates(fields).Error
	if err != nil {
		logger.Error("job %s: status update failed: %s", id, err)
	}
}

func retryDelay(attempts int) time.Duration {
	delay := baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
