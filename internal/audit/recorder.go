// Package audit keeps an append-only trail of pipeline transitions, recoveries
// and webhook deliveries. Records outlive the TTL-bound state in Redis.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"document-pipeline/internal/models"
)

// Audit event names.
const (
	EventPipelineStarted  = "pipeline_started"
	EventPipelineResumed  = "pipeline_resumed"
	EventStageCompleted   = "stage_completed"
	EventStageFailed      = "stage_failed"
	EventPipelineComplete = "pipeline_completed"
	EventPipelineFailed   = "pipeline_failed"
	EventWebhookScheduled = "webhook_scheduled"
	EventWebhookDelivered = "webhook_dispatched"
	EventAutoRecovered    = "auto_recovered"
	EventManualRequeue    = "manual_requeue"
	EventTaskDeadLetter   = "task_dead_letter"
)

// Recorder appends and reads audit events.
type Recorder interface {
	Record(ctx context.Context, event models.AuditEvent) error
	ForDocument(ctx context.Context, documentID string) ([]models.AuditEvent, error)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, models.AuditEvent) error { return nil }

func (Nop) ForDocument(context.Context, string) ([]models.AuditEvent, error) { return nil, nil }

// Memory keeps events in process. Used by tests and single-process development runs.
type Memory struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(_ context.Context, event models.AuditEvent) error {
	if event.Recorded.IsZero() {
		event.Recorded = time.Now().UTC()
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ForDocument(_ context.Context, documentID string) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range m.events {
		if e.DocumentID == documentID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Recorded.Before(out[j].Recorded) })
	return out, nil
}

// Events returns a copy of everything recorded.
func (m *Memory) Events() []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEvent(nil), m.events...)
}
