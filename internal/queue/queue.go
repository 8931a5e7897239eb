package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"northstar/internal/config"
	"northstar/internal/domain"
	"northstar/internal/repo"
)

// Handler processes one claimed job. A nil return completes the job; an error
// retries it under the queue's policy until attempts run out.
type Handler func(ctx context.Context, job domain.Job) error

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultJobTimeout   = 30 * time.Second
	defaultKeyTTL       = time.Hour
	sweepInterval       = time.Hour

	// claimLeaseGrace pads the claim lease beyond the per-job timeout so a
	// healthy worker always resolves its job before the lease expires.
	claimLeaseGrace = time.Minute
)

// Counters hold monotonically increasing job totals since process start.
type Counters struct {
	Enqueued    atomic.Int64
	Deduped     atomic.Int64
	Completed   atomic.Int64
	Failed      atomic.Int64
	DeadLetters atomic.Int64
}

// Manager owns the durable job queues: it persists enqueued jobs, runs a
// worker pool per queue, and applies each queue's retry policy. One Manager
// serves all queues of a process.
type Manager struct {
	DB     *sql.DB
	Repo   repo.Repo
	Logger *log.Logger
	Now    func() time.Time

	// OnDeadLetter runs after a job is parked, once per job. Optional.
	OnDeadLetter func(job domain.Job)

	Stats Counters

	policies           map[string]config.QueuePolicy
	pollInterval       time.Duration
	completedRetention time.Duration
	processed          *keyCache

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewManager(db *sql.DB, cfg *config.Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	policies := make(map[string]config.QueuePolicy, len(cfg.Queues))
	for name, p := range cfg.Queues {
		policies[name] = p
	}
	return &Manager{
		DB:                 db,
		Repo:               repo.Repo{DB: db},
		Logger:             logger,
		Now:                time.Now,
		policies:           policies,
		pollInterval:       cfg.PollInterval(defaultPollInterval),
		completedRetention: cfg.CompletedRetention(24 * time.Hour),
		processed:          newKeyCache(cfg.IdempotencyTTL(defaultKeyTTL), 0),
		handlers:           make(map[string]Handler),
	}
}

// Register binds a handler to a queue. Registering twice replaces the handler.
func (m *Manager) Register(queue string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[queue] = h
}

func (m *Manager) handler(queue string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[queue]
	return h, ok
}

func (m *Manager) policy(queue string) (config.QueuePolicy, error) {
	p, ok := m.policies[queue]
	if !ok {
		return config.QueuePolicy{}, fmt.Errorf("unknown queue %q", queue)
	}
	return p, nil
}

// Enqueue persists a job on a queue. When key is non-empty and a live job
// already holds it, the existing job is returned and enqueued is false.
// Payload must be JSON-marshalable.
func (m *Manager) Enqueue(ctx context.Context, queue, key string, payload any) (domain.Job, bool, error) {
	p, err := m.policy(queue)
	if err != nil {
		return domain.Job{}, false, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	now := m.Now().UTC()
	job := domain.Job{
		ID:             uuid.New().String(),
		Queue:          queue,
		IdempotencyKey: key,
		PayloadJSON:    string(data),
		State:          domain.JobPending,
		MaxAttempts:    p.MaxAttempts,
		BackoffKind:    domain.BackoffKind(p.Backoff),
		BackoffDelayMS: p.BackoffDelay().Milliseconds(),
		RunAtMS:        now.UnixMilli(),
		CreatedAt:      now.Format(time.RFC3339),
		UpdatedAt:      now.Format(time.RFC3339),
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, false, err
	}
	defer tx.Rollback()

	if key != "" {
		existing, err := m.Repo.FindJobByKey(ctx, tx, queue, key)
		if err == nil {
			m.Stats.Deduped.Add(1)
			return existing, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Job{}, false, err
		}
	}
	if err := m.Repo.InsertJob(ctx, tx, job); err != nil {
		// A concurrent enqueue can win the key between our lookup and
		// insert; the unique index reports it as a conflict.
		if errors.Is(err, repo.ErrConflict) {
			m.Stats.Deduped.Add(1)
			existing, ferr := m.findCommitted(ctx, queue, key)
			if ferr != nil {
				return domain.Job{}, false, fmt.Errorf("lookup job holding key %q: %w", key, ferr)
			}
			return existing, false, nil
		}
		return domain.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, err
	}
	m.Stats.Enqueued.Add(1)
	return job, true, nil
}

func (m *Manager) findCommitted(ctx context.Context, queue, key string) (domain.Job, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	return m.Repo.FindJobByKey(ctx, tx, queue, key)
}

// Run starts the worker pools and blocks until ctx is cancelled. Each queue
// gets its configured number of workers; queues with no registered handler
// are left untouched.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for name, p := range m.policies {
		if _, ok := m.handler(name); !ok {
			m.Logger.Printf("queue %s has no handler, not starting workers", name)
			continue
		}
		for i := 0; i < p.Concurrency; i++ {
			wg.Add(1)
			go func(queue string) {
				defer wg.Done()
				m.work(ctx, queue)
			}(name)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.sweep(ctx)
	}()
	wg.Wait()
}

func (m *Manager) work(ctx context.Context, queue string) {
	lease := m.claimLease(queue)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		// Drain everything due before sleeping.
		for {
			if ctx.Err() != nil {
				return
			}
			now := m.Now().UTC()
			job, err := m.Repo.ClaimJob(ctx, queue, now.UnixMilli(), now.Add(lease).UnixMilli(), now.Format(time.RFC3339))
			if errors.Is(err, repo.ErrNotFound) {
				break
			}
			if err != nil {
				m.Logger.Printf("queue %s: claim: %v", queue, err)
				break
			}
			m.execute(ctx, job)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimLease is how long a claim stays exclusive. A worker that dies holding
// a claim loses the job to another worker once the lease runs out, and the
// interrupted attempt counts toward exhaustion.
func (m *Manager) claimLease(queue string) time.Duration {
	p, err := m.policy(queue)
	if err != nil {
		return defaultJobTimeout + claimLeaseGrace
	}
	return p.Timeout(defaultJobTimeout) + claimLeaseGrace
}

// execute runs one claimed job to a terminal outcome for this attempt. Jobs
// whose idempotency key was already processed complete without invoking the
// handler.
func (m *Manager) execute(ctx context.Context, job domain.Job) {
	now := func() string { return m.Now().UTC().Format(time.RFC3339) }

	if m.processed.Seen(job.IdempotencyKey) {
		if err := m.Repo.CompleteJob(ctx, job.ID, now()); err != nil {
			m.Logger.Printf("queue %s: complete deduped job %s: %v", job.Queue, job.ID, err)
		}
		m.Stats.Deduped.Add(1)
		return
	}

	h, ok := m.handler(job.Queue)
	if !ok {
		m.fail(ctx, job, fmt.Errorf("no handler registered"))
		return
	}

	p, _ := m.policy(job.Queue)
	jobCtx, cancel := context.WithTimeout(ctx, p.Timeout(defaultJobTimeout))
	err := runHandler(jobCtx, h, job)
	cancel()
	if err != nil {
		m.fail(ctx, job, err)
		return
	}

	m.processed.Mark(job.IdempotencyKey)
	if err := m.Repo.CompleteJob(ctx, job.ID, now()); err != nil {
		m.Logger.Printf("queue %s: complete job %s: %v", job.Queue, job.ID, err)
		return
	}
	m.Stats.Completed.Add(1)
}

// runHandler isolates handler panics so a broken handler cannot take down the
// worker pool.
func runHandler(ctx context.Context, h Handler, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// fail applies the retry policy after a failed attempt: reschedule with
// backoff while attempts remain, dead-letter once they run out.
func (m *Manager) fail(ctx context.Context, job domain.Job, cause error) {
	m.Stats.Failed.Add(1)
	now := m.Now().UTC().Format(time.RFC3339)

	if job.Attempts >= job.MaxAttempts {
		m.Logger.Printf("queue %s: job %s dead-lettered after %d attempts: %v", job.Queue, job.ID, job.Attempts, cause)
		if err := m.Repo.DeadLetterJob(ctx, job.ID, cause.Error(), now); err != nil {
			m.Logger.Printf("queue %s: dead-letter job %s: %v", job.Queue, job.ID, err)
			return
		}
		m.Stats.DeadLetters.Add(1)
		if m.OnDeadLetter != nil {
			job.State = domain.JobDeadLetter
			job.LastError = cause.Error()
			m.OnDeadLetter(job)
		}
		return
	}

	delay := backoffDelay(job)
	runAt := m.Now().UTC().Add(delay).UnixMilli()
	m.Logger.Printf("queue %s: job %s attempt %d/%d failed, retrying in %s: %v",
		job.Queue, job.ID, job.Attempts, job.MaxAttempts, delay, cause)
	if err := m.Repo.RescheduleJob(ctx, job.ID, runAt, cause.Error(), now); err != nil {
		m.Logger.Printf("queue %s: reschedule job %s: %v", job.Queue, job.ID, err)
	}
}

// backoffDelay computes the wait before the next attempt. Exponential doubles
// the base delay per completed attempt: base, 2*base, 4*base, ...
func backoffDelay(job domain.Job) time.Duration {
	base := time.Duration(job.BackoffDelayMS) * time.Millisecond
	if job.BackoffKind != domain.BackoffExponential || job.Attempts <= 1 {
		return base
	}
	d := base
	for i := 1; i < job.Attempts; i++ {
		d *= 2
	}
	return d
}

// sweep prunes completed jobs past the retention window.
func (m *Manager) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := m.Now().UTC().Add(-m.completedRetention).Format(time.RFC3339)
			n, err := m.Repo.DeleteCompletedJobsBefore(ctx, cutoff)
			if err != nil {
				m.Logger.Printf("job sweep: %v", err)
				continue
			}
			if n > 0 {
				m.Logger.Printf("job sweep: pruned %d completed jobs", n)
			}
		}
	}
}

// DeadLetters lists parked jobs, newest first.
func (m *Manager) DeadLetters(ctx context.Context, queue string, limit, offset int) ([]domain.Job, int, error) {
	return m.Repo.ListJobs(ctx, repo.JobFilter{
		Queue:  queue,
		State:  domain.JobDeadLetter,
		Limit:  limit,
		Offset: offset,
	})
}

// Retry re-enqueues a dead-lettered job as a fresh PENDING job with its
// attempt counter reset. Only dead-lettered jobs can be retried.
func (m *Manager) Retry(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := m.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.State != domain.JobDeadLetter {
		return domain.Job{}, fmt.Errorf("job %s is %s, only dead-lettered jobs can be retried", jobID, job.State)
	}
	return m.enqueueRetry(ctx, job)
}

func (m *Manager) enqueueRetry(ctx context.Context, job domain.Job) (domain.Job, error) {
	now := m.Now().UTC()
	fresh := job
	fresh.ID = uuid.New().String()
	fresh.State = domain.JobPending
	fresh.Attempts = 0
	fresh.LastError = ""
	fresh.RunAtMS = now.UnixMilli()
	fresh.ClaimedUntilMS = 0
	fresh.CreatedAt = now.Format(time.RFC3339)
	fresh.UpdatedAt = now.Format(time.RFC3339)
	fresh.CompletedAt = nil

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.InsertJob(ctx, tx, fresh); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	m.Stats.Enqueued.Add(1)
	return fresh, nil
}

// QueueStats reports per-state totals for one queue, or all queues when
// queue is empty.
func (m *Manager) QueueStats(ctx context.Context, queue string) (map[domain.JobState]int, error) {
	return m.Repo.CountJobsByState(ctx, queue)
}
