package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"document-pipeline/internal/audit"
	"document-pipeline/internal/models"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/store"
)

// Executor runs a document job. *pipeline.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, job models.JobDescriptor) (models.PipelineState, error)
}

// Dispatcher delivers webhook payloads. *webhook.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload models.WebhookPayload) (models.DeliveryReport, error)
}

// DocumentHandler runs process_document tasks. A failed pipeline is a finished
// task; only aborted executions are retried. An execution displaced by a newer
// claim on the same job finishes quietly and leaves the job to its new owner.
func DocumentHandler(exec Executor, logger zerolog.Logger) Handler {
	return func(ctx context.Context, task queue.Task) error {
		var job models.JobDescriptor
		if err := task.Decode(&job); err != nil {
			return Permanent(fmt.Errorf("decode job descriptor: %w", err))
		}
		if job.JobID == "" {
			return Permanent(errors.New("job descriptor has no job_id"))
		}
		_, err := exec.Execute(ctx, job)
		if errors.Is(err, store.ErrStaleTransition) {
			logger.Info().Err(err).Str("task_id", task.ID).Str("job_id", job.JobID).Msg("job owned by another execution, stepping aside")
			return nil
		}
		return err
	}
}

// WebhookHandler runs trigger_webhooks tasks. Per-endpoint failures are part of
// the delivery report, so only a failure to list registrations is retried.
func WebhookHandler(d Dispatcher) Handler {
	return func(ctx context.Context, task queue.Task) error {
		var payload models.WebhookPayload
		if err := task.Decode(&payload); err != nil {
			return Permanent(fmt.Errorf("decode webhook payload: %w", err))
		}
		_, err := d.Dispatch(ctx, payload)
		return err
	}
}

// DeadLetterHook marks the document of a dead-lettered process_document task as
// failed and records the loss in the audit trail.
func DeadLetterHook(st *store.Store, rec audit.Recorder, logger zerolog.Logger) DeadLetterFunc {
	if rec == nil {
		rec = audit.Nop{}
	}
	return func(ctx context.Context, task queue.Task, cause error) {
		log := logger.With().Str("task_id", task.ID).Str("task", task.Name).Logger()
		var ref struct {
			JobID      string `json:"job_id"`
			DocumentID string `json:"document_id"`
		}
		if err := task.Decode(&ref); err != nil {
			log.Warn().Err(err).Msg("dead-lettered task payload unreadable")
		}

		if task.Name == queue.TaskProcessDocument && ref.DocumentID != "" {
			msg := "task failed: " + cause.Error()
			_, err := st.UpdateDocument(ctx, ref.DocumentID, func(doc *models.DocumentMetadata) error {
				if doc.TaskID != task.ID || doc.Status == models.DocumentCompleted {
					return errSuperseded
				}
				doc.Status = models.DocumentFailed
				doc.Error = &msg
				return nil
			})
			switch {
			case err == nil:
				log.Warn().Str("document_id", ref.DocumentID).Msg("document marked failed")
			case errors.Is(err, errSuperseded), errors.Is(err, store.ErrNotFound):
			default:
				log.Error().Err(err).Str("document_id", ref.DocumentID).Msg("mark document failed")
			}
		}

		if err := rec.Record(ctx, models.AuditEvent{
			JobID:      ref.JobID,
			DocumentID: ref.DocumentID,
			Event:      audit.EventTaskDeadLetter,
			Detail:     fmt.Sprintf("%s %s: %v", task.Name, task.ID, cause),
			Recorded:   time.Now().UTC(),
		}); err != nil {
			log.Warn().Err(err).Msg("audit record failed")
		}
	}
}

var errSuperseded = errors.New("document handled by another task")
