// Package store is the shared state layer between the api process and workers.
// All values are JSON so they stay readable with redis-cli.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"document-pipeline/internal/models"
)

// Key prefixes.
const (
	DocumentPrefix = "doc:"
	JobPrefix      = "job:"
	ResultPrefix   = "result:"
	WebhookPrefix  = "webhook:"
	WebhookIndex   = "webhooks:index"
	DeliveryPrefix = "delivery:"
)

// ErrStaleTransition is returned when a pipeline state write would move the job
// backwards, leave a terminal state, or was issued by an execution that no longer
// owns the job.
var ErrStaleTransition = errors.New("store: stale pipeline transition")

// Options controls record lifetimes.
type Options struct {
	DocumentTTL time.Duration
	JobStateTTL time.Duration
	ResultTTL   time.Duration
}

// Store provides typed access to the shared KV.
type Store struct {
	kv   KV
	opts Options
	now  func() time.Time
}

// New wraps kv. Zero TTLs fall back to 24h documents, 24h job state and 1h results.
func New(kv KV, opts Options) *Store {
	if opts.DocumentTTL == 0 {
		opts.DocumentTTL = 24 * time.Hour
	}
	if opts.JobStateTTL == 0 {
		opts.JobStateTTL = 24 * time.Hour
	}
	if opts.ResultTTL == 0 {
		opts.ResultTTL = time.Hour
	}
	return &Store{kv: kv, opts: opts, now: time.Now}
}

// KV returns the underlying key-value store.
func (s *Store) KV() KV { return s.kv }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.kv.Ping(ctx) }

func (s *Store) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, raw, ttl)
}

func (s *Store) get(ctx context.Context, key string, dst any) error {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return nil
}

func update[T any](ctx context.Context, kv KV, key string, fn func(*T) error) (T, error) {
	var out T
	err := kv.Update(ctx, key, func(cur []byte) ([]byte, error) {
		var v T
		if err := json.Unmarshal(cur, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		out = v
		return json.Marshal(v)
	})
	return out, err
}

// Documents

func documentKey(id string) string { return DocumentPrefix + id }

// PutDocument writes document metadata with the document TTL.
func (s *Store) PutDocument(ctx context.Context, doc models.DocumentMetadata) error {
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = s.now().UTC()
	}
	return s.put(ctx, documentKey(doc.DocumentID), doc, s.opts.DocumentTTL)
}

// GetDocument reads document metadata.
func (s *Store) GetDocument(ctx context.Context, id string) (models.DocumentMetadata, error) {
	var doc models.DocumentMetadata
	err := s.get(ctx, documentKey(id), &doc)
	return doc, err
}

// UpdateDocument atomically mutates existing metadata and stamps updated_at.
func (s *Store) UpdateDocument(ctx context.Context, id string, fn func(*models.DocumentMetadata) error) (models.DocumentMetadata, error) {
	return update(ctx, s.kv, documentKey(id), func(doc *models.DocumentMetadata) error {
		if err := fn(doc); err != nil {
			return err
		}
		doc.UpdatedAt = s.now().UTC()
		return nil
	})
}

// DocumentIDs lists every live document id.
func (s *Store) DocumentIDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, DocumentPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, DocumentPrefix))
	}
	return ids, nil
}

// Pipeline state

func jobKey(id string) string { return JobPrefix + id }

// CreatePipelineState writes state only if none exists for the job.
func (s *Store) CreatePipelineState(ctx context.Context, state models.PipelineState) (bool, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("marshal pipeline state: %w", err)
	}
	return s.kv.SetNX(ctx, jobKey(state.JobID), raw, s.opts.JobStateTTL)
}

// GetPipelineState reads the state for a job.
func (s *Store) GetPipelineState(ctx context.Context, jobID string) (models.PipelineState, error) {
	var state models.PipelineState
	err := s.get(ctx, jobKey(jobID), &state)
	return state, err
}

// ClaimPipelineState bumps the execution counter so the caller becomes the only
// execution allowed to advance the job. Terminal states are returned untouched
// with claimed=false.
func (s *Store) ClaimPipelineState(ctx context.Context, jobID string) (state models.PipelineState, claimed bool, err error) {
	state, err = update(ctx, s.kv, jobKey(jobID), func(cur *models.PipelineState) error {
		if cur.Stage.Terminal() {
			return errTerminal
		}
		cur.Executions++
		cur.UpdatedAt = s.now().UTC()
		return nil
	})
	if errors.Is(err, errTerminal) {
		state, err = s.GetPipelineState(ctx, jobID)
		return state, false, err
	}
	if err != nil {
		return models.PipelineState{}, false, err
	}
	return state, true, nil
}

var errTerminal = errors.New("pipeline state is terminal")

// AdvancePipelineState replaces the stored state with next, atomically checking
// that the stored state is not terminal, that next does not move backwards, and
// that next carries the current execution token.
func (s *Store) AdvancePipelineState(ctx context.Context, next models.PipelineState) error {
	_, err := update(ctx, s.kv, jobKey(next.JobID), func(cur *models.PipelineState) error {
		switch {
		case cur.Stage.Terminal():
			return fmt.Errorf("%w: job %s already %s", ErrStaleTransition, cur.JobID, cur.Stage)
		case cur.Executions != next.Executions:
			return fmt.Errorf("%w: job %s claimed by execution %d", ErrStaleTransition, cur.JobID, cur.Executions)
		case next.Stage.Rank() < cur.Stage.Rank():
			return fmt.Errorf("%w: job %s cannot move from %s to %s", ErrStaleTransition, cur.JobID, cur.Stage, next.Stage)
		}
		*cur = next
		return nil
	})
	return err
}

// FinalizePipelineState marks a terminal job as finalized. It reports false when
// another execution finalized it first.
func (s *Store) FinalizePipelineState(ctx context.Context, jobID string) (bool, error) {
	_, err := update(ctx, s.kv, jobKey(jobID), func(cur *models.PipelineState) error {
		switch {
		case !cur.Stage.Terminal():
			return fmt.Errorf("%w: job %s is still %s", ErrStaleTransition, cur.JobID, cur.Stage)
		case cur.Finalized:
			return errFinalized
		}
		cur.Finalized = true
		return nil
	})
	if errors.Is(err, errFinalized) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var errFinalized = errors.New("pipeline state is finalized")

// Task results

func resultKey(id string) string { return ResultPrefix + id }

// PutResult stores the final job outcome with the result TTL.
func (s *Store) PutResult(ctx context.Context, result models.TaskResult) error {
	return s.put(ctx, resultKey(result.JobID), result, s.opts.ResultTTL)
}

// GetResult reads a job outcome.
func (s *Store) GetResult(ctx context.Context, jobID string) (models.TaskResult, error) {
	var res models.TaskResult
	err := s.get(ctx, resultKey(jobID), &res)
	return res, err
}

// Webhooks

func webhookKey(id string) string { return WebhookPrefix + id }

// RegisterWebhook writes a registration without TTL and indexes it.
func (s *Store) RegisterWebhook(ctx context.Context, hook models.WebhookRegistration) error {
	if err := s.put(ctx, webhookKey(hook.ID), hook, 0); err != nil {
		return err
	}
	return s.kv.SAdd(ctx, WebhookIndex, hook.ID)
}

// GetWebhook reads one registration.
func (s *Store) GetWebhook(ctx context.Context, id string) (models.WebhookRegistration, error) {
	var hook models.WebhookRegistration
	err := s.get(ctx, webhookKey(id), &hook)
	return hook, err
}

// ListWebhooks returns indexed registrations. Index entries whose record is gone
// or unreadable are skipped.
func (s *Store) ListWebhooks(ctx context.Context, activeOnly bool) ([]models.WebhookRegistration, error) {
	ids, err := s.kv.SMembers(ctx, WebhookIndex)
	if err != nil {
		return nil, err
	}
	hooks := make([]models.WebhookRegistration, 0, len(ids))
	for _, id := range ids {
		hook, err := s.GetWebhook(ctx, id)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if activeOnly && !hook.Active {
			continue
		}
		hooks = append(hooks, hook)
	}
	return hooks, nil
}

// UpdateWebhook atomically mutates a registration.
func (s *Store) UpdateWebhook(ctx context.Context, id string, fn func(*models.WebhookRegistration) error) (models.WebhookRegistration, error) {
	return update(ctx, s.kv, webhookKey(id), func(hook *models.WebhookRegistration) error {
		if err := fn(hook); err != nil {
			return err
		}
		now := s.now().UTC()
		hook.UpdatedAt = &now
		return nil
	})
}

// DeleteWebhook removes a registration and its index entry.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	if _, err := s.kv.Get(ctx, webhookKey(id)); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, webhookKey(id)); err != nil {
		return err
	}
	return s.kv.SRem(ctx, WebhookIndex, id)
}

// Delivery reports

func deliveryKey(jobID, event string) string { return DeliveryPrefix + jobID + ":" + event }

// PutDeliveryReport stores the outcome of a webhook dispatch with the result TTL.
func (s *Store) PutDeliveryReport(ctx context.Context, report models.DeliveryReport) error {
	return s.put(ctx, deliveryKey(report.JobID, report.Event), report, s.opts.ResultTTL)
}

// GetDeliveryReport reads a dispatch outcome.
func (s *Store) GetDeliveryReport(ctx context.Context, jobID, event string) (models.DeliveryReport, error) {
	var report models.DeliveryReport
	err := s.get(ctx, deliveryKey(jobID, event), &report)
	return report, err
}
