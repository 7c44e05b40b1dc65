package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"document-pipeline/internal/models"
)

// Envelope runs stages under a uniform validation, timeout and retry contract.
// Run never returns an error; every outcome is encoded in the StageResult.
type Envelope struct {
	logger   zerolog.Logger
	defaults Budget
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// NewEnvelope returns an envelope whose zero budget fields fall back to DefaultBudget.
func NewEnvelope(logger zerolog.Logger, defaults Budget) *Envelope {
	return &Envelope{
		logger:   logger,
		defaults: defaults.withDefaults(DefaultBudget()),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BudgetFor resolves the budget applied to s.
func (e *Envelope) BudgetFor(s Stage) Budget {
	if b, ok := s.(Budgeted); ok {
		return b.Budget().withDefaults(e.defaults)
	}
	return e.defaults
}

// Run executes s against input.
func (e *Envelope) Run(ctx context.Context, s Stage, input any) models.StageResult {
	budget := e.BudgetFor(s)
	log := e.logger.With().Str("stage", string(s.Name())).Logger()
	started := e.now()
	result := models.StageResult{Status: models.StatusRunning, StartedAt: started.UTC()}

	finish := func(status models.StageStatus, kind models.ErrorKind, err error) models.StageResult {
		result.Status = status
		result.ErrorKind = kind
		if err != nil {
			msg := err.Error()
			result.Error = &msg
		}
		finished := e.now()
		result.FinishedAt = finished.UTC()
		result.Duration = finished.Sub(started)
		return result
	}

	if err := safeValidate(s, input); err != nil {
		log.Warn().Err(err).Msg("stage input rejected")
		return finish(models.StatusFailed, models.ErrorKindInvalidInput, err)
	}

	var lastErr error
	var lastKind models.ErrorKind
	for attempt := 0; attempt < budget.MaxRetries; attempt++ {
		result.Attempts = attempt + 1
		out, err := e.attempt(ctx, s, input, budget.Timeout)
		if err == nil {
			payload, merr := json.Marshal(out)
			if merr != nil {
				log.Error().Err(merr).Int("attempt", attempt+1).Msg("stage output not serialisable")
				return finish(models.StatusFailed, models.ErrorKindTransient, fmt.Errorf("encode %s output: %w", s.Name(), merr))
			}
			result.Payload = payload
			log.Debug().Int("attempt", attempt+1).Msg("stage attempt succeeded")
			return finish(models.StatusCompleted, models.ErrorKindNone, nil)
		}

		lastErr, lastKind = err, classify(err)
		event := log.Warn().Err(err).Int("attempt", attempt+1).Int("max_attempts", budget.MaxRetries).Str("error_kind", string(lastKind))
		if lastKind == models.ErrorKindInvalidInput {
			event.Msg("stage attempt failed with invalid input")
			break
		}
		if ctx.Err() != nil {
			event.Msg("stage attempt interrupted")
			break
		}
		if attempt == budget.MaxRetries-1 {
			event.Msg("stage attempts exhausted")
			break
		}

		delay := backoff(budget.RetryBaseDelay, attempt)
		event.Dur("backoff", delay).Msg("stage attempt failed, retrying")
		result.Status = models.StatusRetrying
		result.RetryCount++
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	return finish(models.StatusFailed, lastKind, lastErr)
}

// attempt runs one execution under its own deadline. A body that ignores the
// deadline is abandoned; its goroutine finishes in the background.
func (e *Envelope) attempt(ctx context.Context, s Stage, input any, timeout time.Duration) (any, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("stage %s panicked: %v", s.Name(), r)}
			}
		}()
		out, err := s.Execute(actx, input)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, o.err)
		}
		return o.out, o.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

func safeValidate(s Stage, input any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = InvalidInput("%s: validation panicked: %v", s.Name(), r)
		}
	}()
	if err := s.Validate(input); err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

func classify(err error) models.ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return models.ErrorKindInvalidInput
	case errors.Is(err, ErrTimeout):
		return models.ErrorKindTimeout
	default:
		return models.ErrorKindTransient
	}
}

// backoff is base * 2^attempt with attempt counted from zero.
func backoff(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
}
