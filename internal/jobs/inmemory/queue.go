package inmemory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/mispesos/internal/jobs"
	"github.com/dvloznov/mispesos/internal/logger"
)

const (
	DefaultShards     = 4
	DefaultMaxRetries = 3
	defaultBackoff    = time.Second
)

// Queue is an in-memory implementation of job publisher and consumer.
// Jobs are spread over shards by user id and each shard has exactly one
// worker, so jobs of the same user run in publish order. Retries happen
// inside the worker and block the shard until the job settles.
type Queue struct {
	shards    []chan *jobs.CorrectionJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	backoff   time.Duration
	retries   int
	closed    bool
	started   bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithBackoff sets the base retry delay; attempt n waits n times this.
func WithBackoff(d time.Duration) Option {
	return func(q *Queue) { q.backoff = d }
}

// WithMaxRetries sets the retry limit given to jobs published without one.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.retries = n
		}
	}
}

// NewQueue creates a queue with shardCount shards of bufferSize each.
// PublishCorrection blocks when the target shard is full.
func NewQueue(shardCount, bufferSize int, store jobs.JobStore, opts ...Option) *Queue {
	if shardCount <= 0 {
		shardCount = DefaultShards
	}
	q := &Queue{
		shards:    make([]chan *jobs.CorrectionJob, shardCount),
		closeChan: make(chan struct{}),
		store:     store,
		backoff:   defaultBackoff,
		retries:   DefaultMaxRetries,
	}
	for i := range q.shards {
		q.shards[i] = make(chan *jobs.CorrectionJob, bufferSize)
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// shardFor maps a user to a shard index.
func (q *Queue) shardFor(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(q.shards)))
}

// PublishCorrection implements the Publisher interface.
func (q *Queue) PublishCorrection(ctx context.Context, job *jobs.CorrectionJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.UserID == "" {
		job.UserID = job.Event.UserID
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.retries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}

	select {
	case q.shards[q.shardFor(job.UserID)] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return fmt.Errorf("queue is closed")
	}
}

// Start implements the Consumer interface. One worker is started per shard.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	if q.started {
		return fmt.Errorf("queue already started")
	}
	q.started = true

	for i := range q.shards {
		q.wg.Add(1)
		go q.worker(ctx, i, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, shard int, handler jobs.JobHandler) {
	defer q.wg.Done()
	log := logger.FromContext(ctx).With().Int("shard", shard).Logger()
	ctx = logger.WithContext(ctx, log)

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			q.drain(ctx, shard, handler)
			return
		case job := <-q.shards[shard]:
			q.processJob(ctx, job, handler)
		}
	}
}

// drain runs what is already buffered on the shard after Stop.
func (q *Queue) drain(ctx context.Context, shard int, handler jobs.JobHandler) {
	for {
		select {
		case job := <-q.shards[shard]:
			q.processJob(ctx, job, handler)
		default:
			return
		}
	}
}

// processJob executes a single job, retrying in place until it succeeds
// or runs out of retries.
func (q *Queue) processJob(ctx context.Context, job *jobs.CorrectionJob, handler jobs.JobHandler) {
	log := logger.FromContext(ctx).With().
		Str("job_id", job.JobID).
		Str("user_id", job.UserID).
		Logger()

	for {
		job.Status = jobs.JobStatusRunning
		now := time.Now()
		job.StartedAt = &now
		job.CompletedAt = nil
		q.save(ctx, job)

		err := handler(ctx, job)

		completedAt := time.Now()
		job.CompletedAt = &completedAt

		if err == nil {
			job.Status = jobs.JobStatusCompleted
			job.Error = ""
			q.save(ctx, job)
			return
		}

		job.Error = err.Error()
		if job.RetryCount >= job.MaxRetries || ctx.Err() != nil {
			job.Status = jobs.JobStatusFailed
			q.save(ctx, job)
			log.Error().Err(err).Int("retries", job.RetryCount).Msg("Job failed")
			return
		}

		job.RetryCount++
		job.Status = jobs.JobStatusRetrying
		q.save(ctx, job)
		log.Warn().Err(err).Int("retry", job.RetryCount).Msg("Job failed, retrying")

		timer := time.NewTimer(time.Duration(job.RetryCount) * q.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			job.Status = jobs.JobStatusFailed
			q.save(context.Background(), job)
			return
		case <-timer.C:
		}
	}
}

func (q *Queue) save(ctx context.Context, job *jobs.CorrectionJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

// Stop implements the Consumer interface.
// It stops accepting jobs, lets workers finish buffered jobs and waits.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
