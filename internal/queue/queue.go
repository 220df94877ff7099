// Package queue implements an in-process job runner that drains jobs one at a
// time and retries failures with exponential backoff.
//
// Fresh jobs join the back of the queue. A job that failed is put back at the
// front once its backoff delay has elapsed, so it is retried before any job
// that arrived after it. Jobs live in memory only and are lost on restart.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 500 * time.Millisecond
)

// ErrRetriesExhausted is matched by every terminal queue error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Handler processes a single payload. A non-nil error schedules a retry.
type Handler[T any] func(ctx context.Context, payload T) error

// FailureFunc is called exactly once for a job that ran out of retries.
type FailureFunc[T any] func(job Job[T], err error)

// Job is a queued payload and its retry bookkeeping.
type Job[T any] struct {
	ID         string
	Payload    T
	Attempt    int
	EnqueuedAt time.Time
}

// Config tunes retry behaviour.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the first backoff interval and the upper bound of the jitter.
	BaseDelay time.Duration
	// AttemptTimeout bounds a single handler call. Zero disables the deadline.
	AttemptTimeout time.Duration
}

// DefaultConfig returns five retries starting at 500ms.
func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Stats are cumulative counters for a queue.
type Stats struct {
	Enqueued  uint64
	Succeeded uint64
	Retried   uint64
	Failed    uint64
}

// ExhaustedError is handed to the FailureFunc when a job is abandoned.
type ExhaustedError struct {
	JobID    string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("job %s: %s after %d attempts: %v", e.JobID, ErrRetriesExhausted, e.Attempts, e.Err)
}

// Unwrap exposes both ErrRetriesExhausted and the last handler error.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

// RetryQueue runs jobs through a Handler with at most one handler call in
// flight per queue.
type RetryQueue[T any] struct {
	handler   Handler[T]
	onFailure FailureFunc[T]
	cfg       Config
	logger    *zap.Logger

	jitter func(max time.Duration) time.Duration
	sleep  func(d time.Duration)

	mu         sync.Mutex
	jobs       *list.List
	processing bool
	idle       chan struct{}
	stats      Stats
}

// New constructs a queue. onFailure may be nil.
func New[T any](handler Handler[T], onFailure FailureFunc[T], cfg Config, logger *zap.Logger) *RetryQueue[T] {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryQueue[T]{
		handler:   handler,
		onFailure: onFailure,
		cfg:       cfg,
		logger:    logger.Named("retry_queue"),
		jitter:    randomJitter,
		sleep:     time.Sleep,
		jobs:      list.New(),
	}
}

// Enqueue appends payload to the back of the queue and starts draining if no
// drain is running. It returns the new job's id without waiting for it.
func (q *RetryQueue[T]) Enqueue(payload T) string {
	job := &Job[T]{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.jobs.PushBack(job)
	q.stats.Enqueued++
	start := !q.processing
	if start {
		q.processing = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	if start {
		go q.process()
	}
	return job.ID
}

// Len returns the number of jobs waiting, excluding one being handled or backing off.
func (q *RetryQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len()
}

// Stats returns a snapshot of the queue counters.
func (q *RetryQueue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Wait blocks until the queue has drained or ctx is done.
func (q *RetryQueue[T]) Wait(ctx context.Context) error {
	q.mu.Lock()
	if !q.processing {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *RetryQueue[T]) process() {
	for {
		q.mu.Lock()
		front := q.jobs.Front()
		if front == nil {
			q.processing = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		job := q.jobs.Remove(front).(*Job[T])
		q.mu.Unlock()

		q.run(job)
	}
}

func (q *RetryQueue[T]) run(job *Job[T]) {
	log := q.logger.With(zap.String("job_id", job.ID))

	err := q.invoke(job.Payload)
	if err == nil {
		q.mu.Lock()
		q.stats.Succeeded++
		q.mu.Unlock()
		log.Debug("job succeeded", zap.Int("attempt", job.Attempt))
		return
	}

	job.Attempt++
	if job.Attempt > q.cfg.MaxRetries {
		terminal := &ExhaustedError{JobID: job.ID, Attempts: job.Attempt, Err: err}
		q.mu.Lock()
		q.stats.Failed++
		q.mu.Unlock()
		log.Error("job abandoned", zap.Int("attempts", job.Attempt), zap.Error(err))
		if q.onFailure != nil {
			q.onFailure(*job, terminal)
		}
		return
	}

	delay := q.backoff(job.Attempt)
	log.Warn("job failed, retrying", zap.Int("attempt", job.Attempt), zap.Duration("delay", delay), zap.Error(err))
	q.sleep(delay)

	q.mu.Lock()
	q.jobs.PushFront(job)
	q.stats.Retried++
	q.mu.Unlock()
}

func (q *RetryQueue[T]) invoke(payload T) (err error) {
	ctx := context.Background()
	if q.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler(ctx, payload)
}

// backoff returns BaseDelay*2^(attempt-1) plus up to one BaseDelay of jitter.
func (q *RetryQueue[T]) backoff(attempt int) time.Duration {
	base := q.cfg.BaseDelay
	if base <= 0 {
		return 0
	}
	exp := base << (attempt - 1)
	if exp <= 0 {
		exp = base
	}
	return exp + q.jitter(base)
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}
