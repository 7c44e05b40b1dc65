// Package recovery re-enqueues documents whose processing task was recorded but
// never started, for example after a broker lost the message or a worker died
// between enqueue and dequeue.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"document-pipeline/internal/audit"
	"document-pipeline/internal/models"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/store"
	"document-pipeline/internal/telemetry"
)

// ErrJobFinished is returned by Requeue for a document whose job already completed.
var ErrJobFinished = errors.New("recovery: job already completed")

// TaskQueue is the subset of the task queue the monitor needs.
type TaskQueue interface {
	Enqueue(ctx context.Context, name string, payload any, opts queue.EnqueueOptions) (string, error)
	Status(ctx context.Context, id string) (queue.Status, error)
	Revoke(ctx context.Context, id string) error
}

// Options tune the monitor.
type Options struct {
	GracePeriod time.Duration
	Audit       audit.Recorder
	Now         func() time.Time
}

// Monitor scans document metadata for tasks that never started.
type Monitor struct {
	store  *store.Store
	queue  TaskQueue
	opts   Options
	logger zerolog.Logger
}

// ScanError describes one record the scan could not process.
type ScanError struct {
	DocumentID string `json:"document_id"`
	Err        string `json:"error"`
}

// Report summarises one scan.
type Report struct {
	Scanned   int         `json:"scanned"`
	Recovered []string    `json:"recovered"`
	Errors    []ScanError `json:"errors,omitempty"`
}

// StuckDocument is a document whose task has not started within the threshold.
type StuckDocument struct {
	DocumentID string        `json:"document_id"`
	JobID      string        `json:"job_id"`
	TaskID     string        `json:"task_id"`
	TaskStatus queue.Status  `json:"task_status"`
	UploadedAt time.Time     `json:"uploaded_at"`
	Age        time.Duration `json:"age"`
}

// NewMonitor builds a monitor. GracePeriod defaults to five minutes.
func NewMonitor(st *store.Store, q TaskQueue, logger zerolog.Logger, opts Options) *Monitor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Minute
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{store: st, queue: q, opts: opts, logger: logger}
}

// Scan re-enqueues every document whose task is still pending after the grace
// period. Unreadable records are reported and skipped; only a store outage
// aborts the scan.
func (m *Monitor) Scan(ctx context.Context) (Report, error) {
	var report Report
	candidates, err := m.pending(ctx, m.opts.GracePeriod, &report)
	if err != nil {
		return report, err
	}
	for _, c := range candidates {
		newID, err := m.resubmit(ctx, c.doc, true)
		if errors.Is(err, store.ErrStoreUnavailable) {
			return report, err
		}
		if err != nil {
			m.scanError(&report, c.doc.DocumentID, err)
			continue
		}
		report.Recovered = append(report.Recovered, c.doc.DocumentID)
		telemetry.RecoveredDocuments.Inc()
		m.logger.Warn().
			Str("document_id", c.doc.DocumentID).
			Str("old_task_id", c.doc.TaskID).
			Str("task_id", newID).
			Dur("age", c.age).
			Msg("recovered stuck document")
	}
	if len(report.Recovered) > 0 {
		m.logger.Info().Int("recovered", len(report.Recovered)).Int("scanned", report.Scanned).Msg("recovery scan finished")
	} else {
		m.logger.Info().Int("scanned", report.Scanned).Msg("recovery scan found no stuck documents")
	}
	return report, nil
}

// ListStuck returns documents whose task is still pending after threshold, oldest first.
func (m *Monitor) ListStuck(ctx context.Context, threshold time.Duration) ([]StuckDocument, error) {
	var report Report
	candidates, err := m.pending(ctx, threshold, &report)
	if err != nil {
		return nil, err
	}
	out := make([]StuckDocument, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, StuckDocument{
			DocumentID: c.doc.DocumentID,
			JobID:      c.doc.JobID,
			TaskID:     c.doc.TaskID,
			TaskStatus: queue.StatusPending,
			UploadedAt: c.doc.UploadedAt,
			Age:        c.age,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

// Requeue forces a new task for a document, revoking its current one. A failed job
// is restarted under a new job id; a completed job is refused with ErrJobFinished.
func (m *Monitor) Requeue(ctx context.Context, documentID string) (string, error) {
	doc, err := m.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	state, err := m.store.GetPipelineState(ctx, doc.JobID)
	switch {
	case err == nil && state.Stage == models.StageCompleted:
		return "", ErrJobFinished
	case err == nil && state.Stage == models.StageFailed:
		doc.JobID = uuid.New().String()
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", err
	}
	if doc.TaskID != "" {
		if err := m.queue.Revoke(ctx, doc.TaskID); err != nil {
			m.logger.Warn().Err(err).Str("task_id", doc.TaskID).Msg("revoke previous task")
		}
	}
	newID, err := m.resubmit(ctx, doc, false)
	if err != nil {
		return "", err
	}
	m.logger.Info().Str("document_id", documentID).Str("job_id", doc.JobID).Str("task_id", newID).Msg("document requeued")
	return newID, nil
}

type candidate struct {
	doc models.DocumentMetadata
	age time.Duration
}

func (m *Monitor) pending(ctx context.Context, olderThan time.Duration, report *Report) ([]candidate, error) {
	ids, err := m.store.DocumentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	now := m.opts.Now()
	var out []candidate
	for _, id := range ids {
		report.Scanned++
		doc, err := m.store.GetDocument(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case errors.Is(err, store.ErrStoreUnavailable):
			return nil, err
		case err != nil:
			m.scanError(report, id, err)
			continue
		}
		if doc.TaskID == "" {
			continue
		}
		if doc.JobID == "" || doc.UploadedAt.IsZero() {
			m.scanError(report, id, fmt.Errorf("%w: missing job_id or uploaded_at", store.ErrMalformed))
			continue
		}
		age := now.Sub(submittedAt(doc))
		if age <= olderThan {
			continue
		}
		status, err := m.queue.Status(ctx, doc.TaskID)
		if err != nil {
			m.scanError(report, id, fmt.Errorf("task status: %w", err))
			continue
		}
		if status != queue.StatusPending {
			continue
		}
		out = append(out, candidate{doc: doc, age: age})
	}
	return out, nil
}

// resubmit records a new task handle on the document, then enqueues it. The
// update fails if another process replaced the handle first. If the enqueue
// itself fails the recorded handle is unknown to the queue, which reports it as
// pending, so the next scan picks the document up again.
func (m *Monitor) resubmit(ctx context.Context, doc models.DocumentMetadata, auto bool) (string, error) {
	newID := uuid.New().String()
	now := m.opts.Now().UTC()
	updated, err := m.store.UpdateDocument(ctx, doc.DocumentID, func(cur *models.DocumentMetadata) error {
		if cur.TaskID != doc.TaskID {
			return fmt.Errorf("document %s task changed to %s during recovery", doc.DocumentID, cur.TaskID)
		}
		if cur.TaskID != "" {
			cur.PreviousTaskIDs = append(cur.PreviousTaskIDs, cur.TaskID)
		}
		cur.TaskID = newID
		cur.JobID = doc.JobID
		cur.Status = models.DocumentProcessing
		cur.Error = nil
		cur.RecoveredAt = &now
		if auto {
			cur.AutoRecovered = true
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	_, err = m.queue.Enqueue(ctx, queue.TaskProcessDocument, updated.Descriptor(), queue.EnqueueOptions{TaskID: newID})
	if err != nil {
		return "", fmt.Errorf("enqueue recovered document: %w", err)
	}
	telemetry.EnqueueCounter.WithLabelValues(queue.TaskProcessDocument).Inc()

	event, detail := audit.EventManualRequeue, "task "+newID
	if auto {
		event = audit.EventAutoRecovered
		detail = fmt.Sprintf("task %s replaces %s", newID, doc.TaskID)
	}
	if err := m.opts.Audit.Record(ctx, models.AuditEvent{
		JobID:      updated.JobID,
		DocumentID: updated.DocumentID,
		Event:      event,
		Detail:     detail,
		Recorded:   now,
	}); err != nil {
		m.logger.Warn().Err(err).Str("document_id", doc.DocumentID).Msg("audit record failed")
	}
	return newID, nil
}

// submittedAt is when the current task handle was issued: the upload, or the
// latest recovery or requeue.
func submittedAt(doc models.DocumentMetadata) time.Time {
	if doc.RecoveredAt != nil && doc.RecoveredAt.After(doc.UploadedAt) {
		return *doc.RecoveredAt
	}
	return doc.UploadedAt
}

func (m *Monitor) scanError(report *Report, documentID string, err error) {
	telemetry.RecoveryScanErrors.Inc()
	m.logger.Error().Err(err).Str("document_id", documentID).Msg("skipping document during recovery scan")
	report.Errors = append(report.Errors, ScanError{DocumentID: documentID, Err: err.Error()})
}
