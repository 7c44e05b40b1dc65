// Package worker leases tasks from the Redis queue and runs their handlers with
// bounded retries and a dead-letter queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"document-pipeline/internal/config"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/telemetry"
)

// Handler executes one task. A returned error schedules a retry unless it is
// marked Permanent or the task is out of attempts.
type Handler func(ctx context.Context, task queue.Task) error

// DeadLetterFunc is called after a task was moved to the dead-letter queue.
type DeadLetterFunc func(ctx context.Context, task queue.Task, cause error)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg          config.Config
	queue        *queue.RedisQueue
	handlers     map[string]Handler
	onDeadLetter DeadLetterFunc
	logger       zerolog.Logger
	now          func() time.Time
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, logger zerolog.Logger) *Processor {
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.WorkerID != "" {
		logger = logger.With().Str("worker_id", cfg.WorkerID).Logger()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a task name.
func (p *Processor) RegisterHandler(name string, handler Handler) {
	if name == "" || handler == nil {
		return
	}
	p.handlers[name] = handler
}

// OnDeadLetter installs a hook run for every dead-lettered task.
func (p *Processor) OnDeadLetter(fn DeadLetterFunc) {
	p.onDeadLetter = fn
}

// Run starts WorkerConcurrency loops and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, p.logger.With().Int("slot", slot).Logger())
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.housekeeping(ctx, log)

		worked, err := p.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("process task")
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

func (p *Processor) housekeeping(ctx context.Context, log zerolog.Logger) {
	now := p.now()
	if n, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		log.Debug().Err(err).Msg("promote scheduled tasks")
	} else if n > 0 {
		log.Debug().Int("count", n).Msg("promoted scheduled tasks")
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		log.Debug().Err(err).Msg("requeue expired leases")
	}
	if len(reclaimed) > 0 {
		log.Warn().Strs("task_ids", reclaimed).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// ProcessNext leases and runs at most one task. It reports whether a task was
// leased; the error covers queue bookkeeping only, handler errors are recorded
// on the task.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	id, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if id == "" {
		return false, nil
	}
	log := p.logger.With().Str("task_id", id).Logger()

	task, err := p.queue.Get(ctx, id)
	if errors.Is(err, queue.ErrTaskNotFound) {
		log.Warn().Msg("leased task has no bookkeeping, dropping")
		return true, p.queue.Revoke(ctx, id)
	}
	if err != nil {
		return true, err
	}
	if task.Status.Terminal() {
		log.Info().Str("status", string(task.Status)).Msg("skipping finished task")
		return true, p.queue.Revoke(ctx, id)
	}
	log = log.With().Str("task", task.Name).Logger()

	attempts, err := p.queue.MarkStarted(ctx, id)
	if err != nil {
		return true, fmt.Errorf("mark started: %w", err)
	}
	task.Attempts = attempts
	task.Status = queue.StatusStarted
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := p.now()
	runErr := p.run(ctx, task)
	if runErr != nil && ctx.Err() != nil {
		// Shutting down: the lease expires and another worker picks the task up.
		log.Warn().Err(runErr).Msg("task interrupted by shutdown")
		return true, nil
	}
	if runErr == nil {
		telemetry.WorkerSuccess.WithLabelValues(task.Name).Inc()
		log.Info().Int("attempts", attempts).Dur("duration", p.now().Sub(start)).Msg("task succeeded")
		return true, p.queue.Complete(ctx, id)
	}

	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > p.cfg.MaxAttempts {
		maxAttempts = p.cfg.MaxAttempts
	}
	if IsPermanent(runErr) || attempts >= maxAttempts {
		telemetry.WorkerDeadLetter.WithLabelValues(task.Name).Inc()
		log.Error().Err(runErr).Int("attempts", attempts).Msg("task moved to dead-letter queue")
		if err := p.queue.Fail(ctx, id, runErr); err != nil {
			return true, fmt.Errorf("dead-letter task: %w", err)
		}
		if p.onDeadLetter != nil {
			p.onDeadLetter(ctx, task, runErr)
		}
		return true, nil
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	telemetry.WorkerFailures.WithLabelValues(task.Name).Inc()
	log.Warn().Err(runErr).Int("attempts", attempts).Dur("backoff", backoff).Msg("task failed, retry scheduled")
	return true, p.queue.Retry(ctx, id, p.now().Add(backoff), runErr)
}

// run executes the handler while a heartbeat keeps the lease alive.
func (p *Processor) run(ctx context.Context, task queue.Task) (err error) {
	handler, ok := p.handlers[task.Name]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for task %q", task.Name))
	}

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go p.heartbeat(hbCtx, task.ID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

func (p *Processor) heartbeat(ctx context.Context, id string) {
	ticker := time.NewTicker(p.cfg.VisibilityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, id, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Str("task_id", id).Msg("extend lease")
			}
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(half))
	return wait/2 + jitter
}
