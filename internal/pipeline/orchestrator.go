package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"document-pipeline/internal/audit"
	"document-pipeline/internal/models"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/store"
	"document-pipeline/internal/telemetry"
)

// Enqueuer schedules follow-up tasks. *queue.RedisQueue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts queue.EnqueueOptions) (string, error)
}

// AcceptFunc decides from the recorded results whether a completed job should be announced.
type AcceptFunc func(results map[models.StageName]models.StageResult) bool

// ValidationAccepted accepts jobs whose validation payload reports is_valid == true.
func ValidationAccepted(results map[models.StageName]models.StageResult) bool {
	verdict := DecodeResult[struct {
		IsValid bool `json:"is_valid"`
	}](results, models.StageValidation)
	return verdict.IsValid
}

// Options configure an Orchestrator.
type Options struct {
	// NotifyFailures schedules a document.failed webhook when a job fails.
	NotifyFailures bool
	// WebhookMaxAttempts bounds queue retries of a scheduled webhook dispatch.
	WebhookMaxAttempts int
	Accept             AcceptFunc
	Audit              audit.Recorder
	Tracer             trace.Tracer
}

// Orchestrator sequences registered stages for one job at a time, persisting
// state after every transition.
type Orchestrator struct {
	store    *store.Store
	registry *Registry
	envelope *Envelope
	enqueuer Enqueuer
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// NewOrchestrator wires an orchestrator. Nil optional collaborators are replaced
// with no-op implementations.
func NewOrchestrator(st *store.Store, registry *Registry, envelope *Envelope, enqueuer Enqueuer, logger zerolog.Logger, opts Options) *Orchestrator {
	if opts.Accept == nil {
		opts.Accept = ValidationAccepted
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	if opts.WebhookMaxAttempts <= 0 {
		opts.WebhookMaxAttempts = 3
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		envelope: envelope,
		enqueuer: enqueuer,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute runs the pipeline for job. A job already completed or failed is returned
// unchanged once its terminal side effects are persisted; until then a redelivery
// re-runs them. A job interrupted part-way resumes after its last completed stage.
// Returned errors mean the attempt was aborted (store outage, lost ownership or
// cancellation) and the task should be retried.
func (o *Orchestrator) Execute(ctx context.Context, job models.JobDescriptor) (models.PipelineState, error) {
	ctx, span := o.opts.Tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("job.id", job.JobID),
		attribute.String("document.id", job.DocumentID),
	))
	defer span.End()
	log := o.logger.With().Str("job_id", job.JobID).Str("document_id", job.DocumentID).Logger()

	state, err := o.load(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}
	if state.Stage.Terminal() {
		if state.Finalized {
			log.Info().Str("stage", string(state.Stage)).Msg("job already finished, nothing to do")
			return state, nil
		}
		log.Info().Str("stage", string(state.Stage)).Msg("finishing terminal side effects")
		return o.finalize(ctx, log, job, state)
	}

	state, claimed, err := o.store.ClaimPipelineState(ctx, job.JobID)
	if err != nil {
		return state, fmt.Errorf("claim pipeline state: %w", err)
	}
	if !claimed {
		// Went terminal between load and claim.
		if !state.Finalized {
			return o.finalize(ctx, log, job, state)
		}
		return state, nil
	}
	if state.Results == nil {
		state.Results = map[models.StageName]models.StageResult{}
	}
	event := audit.EventPipelineStarted
	if state.Executions > 1 {
		event = audit.EventPipelineResumed
		log.Info().Int("execution", state.Executions).Str("stage", string(state.Stage)).Msg("resuming job")
	}
	o.record(ctx, job, event, fmt.Sprintf("execution %d", state.Executions))

	if err := o.syncDocument(ctx, job, func(doc *models.DocumentMetadata) {
		doc.Status = models.DocumentProcessing
		doc.Stage = state.Stage
	}); err != nil {
		return state, err
	}

	for _, name := range models.StageOrder {
		reg, ok := o.registry.Lookup(name)
		if !ok {
			log.Debug().Str("stage", string(name)).Msg("stage not registered, skipping")
			continue
		}
		if prior, ok := state.Result(name); ok && prior.Status == models.StatusCompleted {
			continue
		}
		state, err = o.runStage(ctx, log, job, state, reg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return state, err
		}
		if state.Stage == models.StageFailed {
			span.SetStatus(codes.Error, deref(state.Error))
			return o.fail(ctx, log, job, state)
		}
	}
	return o.complete(ctx, log, job, state)
}

func (o *Orchestrator) load(ctx context.Context, job models.JobDescriptor) (models.PipelineState, error) {
	state, err := o.store.GetPipelineState(ctx, job.JobID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return state, fmt.Errorf("load pipeline state: %w", err)
	}
	now := o.now().UTC()
	initial := models.PipelineState{
		JobID:      job.JobID,
		DocumentID: job.DocumentID,
		Stage:      models.StageReceived,
		StartedAt:  now,
		UpdatedAt:  now,
		Results:    map[models.StageName]models.StageResult{},
	}
	if _, err := o.store.CreatePipelineState(ctx, initial); err != nil {
		return initial, fmt.Errorf("create pipeline state: %w", err)
	}
	// Another execution may have created it first; read back whatever won.
	state, err = o.store.GetPipelineState(ctx, job.JobID)
	if err != nil {
		return initial, fmt.Errorf("load pipeline state: %w", err)
	}
	return state, nil
}

func (o *Orchestrator) runStage(ctx context.Context, log zerolog.Logger, job models.JobDescriptor, state models.PipelineState, reg Registration) (models.PipelineState, error) {
	name := reg.Stage.Name()
	input := reg.Input(job, state.Results)

	entering := cloneState(state)
	entering.Stage = models.AtStage(name)
	entering.UpdatedAt = o.now().UTC()
	entering.Results[name] = models.StageResult{Status: models.StatusRunning, StartedAt: entering.UpdatedAt}
	if err := o.advance(ctx, entering); err != nil {
		return state, err
	}
	if err := o.syncDocument(ctx, job, func(doc *models.DocumentMetadata) { doc.Stage = entering.Stage }); err != nil {
		return entering, err
	}

	sctx, span := o.opts.Tracer.Start(ctx, "stage."+string(name))
	result := o.envelope.Run(WithJob(sctx, job), reg.Stage, input)
	span.SetAttributes(
		attribute.String("stage.status", string(result.Status)),
		attribute.Int("stage.attempts", result.Attempts),
		attribute.Int("stage.retry_count", result.RetryCount),
	)
	if result.Status == models.StatusFailed {
		span.SetStatus(codes.Error, deref(result.Error))
	}
	span.End()

	telemetry.StageDuration.WithLabelValues(string(name), string(result.Status)).Observe(result.Duration.Seconds())
	telemetry.StageRetries.WithLabelValues(string(name)).Add(float64(result.RetryCount))

	// A cancelled worker must not record a failure it did not observe.
	if err := ctx.Err(); err != nil {
		return entering, fmt.Errorf("stage %s interrupted: %w", name, err)
	}

	next := cloneState(entering)
	next.UpdatedAt = o.now().UTC()
	next.Results[name] = result
	if result.Status == models.StatusFailed {
		msg := fmt.Sprintf("%s failed: %s", name, deref(result.Error))
		next.Stage = models.StageFailed
		next.Error = &msg
	}
	if err := o.advance(ctx, next); err != nil {
		return entering, err
	}

	level, auditEvent := zerolog.InfoLevel, audit.EventStageCompleted
	if result.Status == models.StatusFailed {
		level, auditEvent = zerolog.WarnLevel, audit.EventStageFailed
	}
	log.WithLevel(level).Str("stage", string(name)).Str("error", deref(result.Error)).Str("error_kind", string(result.ErrorKind)).Int("attempts", result.Attempts).Dur("duration", result.Duration).Msg("stage finished")
	o.record(ctx, job, auditEvent, fmt.Sprintf("%s attempts=%d retries=%d", name, result.Attempts, result.RetryCount))
	return next, nil
}

func (o *Orchestrator) fail(ctx context.Context, log zerolog.Logger, job models.JobDescriptor, state models.PipelineState) (models.PipelineState, error) {
	telemetry.PipelineOutcomes.WithLabelValues(string(models.StageFailed)).Inc()
	log.Warn().Str("error", deref(state.Error)).Msg("pipeline failed")
	o.record(ctx, job, audit.EventPipelineFailed, deref(state.Error))
	return o.finalize(ctx, log, job, state)
}

func (o *Orchestrator) complete(ctx context.Context, log zerolog.Logger, job models.JobDescriptor, state models.PipelineState) (models.PipelineState, error) {
	now := o.now().UTC()
	next := cloneState(state)
	next.Stage = models.StageCompleted
	next.UpdatedAt = now
	next.CompletedAt = &now
	if err := o.advance(ctx, next); err != nil {
		return state, err
	}
	telemetry.PipelineOutcomes.WithLabelValues(string(models.StageCompleted)).Inc()
	log.Info().Msg("pipeline completed")
	o.record(ctx, job, audit.EventPipelineComplete, "")
	return o.finalize(ctx, log, job, next)
}

// finalize persists the side effects of a terminal state: the task result, the
// document record and the webhook dispatch. Only when all of them succeed is the
// state marked finalized, so a failed attempt is repeated by the redelivered task.
func (o *Orchestrator) finalize(ctx context.Context, log zerolog.Logger, job models.JobDescriptor, state models.PipelineState) (models.PipelineState, error) {
	finished := state.UpdatedAt
	if state.CompletedAt != nil {
		finished = *state.CompletedAt
	}
	status := models.DocumentCompleted
	if state.Stage == models.StageFailed {
		status = models.DocumentFailed
	}

	if err := o.store.PutResult(ctx, o.taskResult(state, status, finished)); err != nil {
		return state, fmt.Errorf("store %s result: %w", status, err)
	}
	if err := o.syncDocument(ctx, job, func(doc *models.DocumentMetadata) {
		doc.Status = status
		doc.Stage = state.Stage
		doc.Error = state.Error
		if status == models.DocumentCompleted {
			doc.CompletedAt = &finished
		}
	}); err != nil {
		return state, err
	}

	var payload *models.WebhookPayload
	switch {
	case status == models.DocumentFailed && o.opts.NotifyFailures:
		payload = &models.WebhookPayload{
			Event:      models.EventDocumentFailed,
			Timestamp:  finished,
			DocumentID: job.DocumentID,
			JobID:      job.JobID,
			Result:     json.RawMessage(`{}`),
			Error:      state.Error,
		}
	case status == models.DocumentCompleted && o.opts.Accept(state.Results):
		payload = &models.WebhookPayload{
			Event:      models.EventDocumentProcessed,
			Timestamp:  finished,
			DocumentID: job.DocumentID,
			JobID:      job.JobID,
			Result:     announcement(state.Results),
		}
	case status == models.DocumentCompleted:
		log.Info().Msg("validation did not accept document, no webhook scheduled")
	}
	if payload != nil {
		if err := o.schedule(ctx, log, job, *payload); err != nil {
			return state, err
		}
	}

	first, err := o.store.FinalizePipelineState(ctx, job.JobID)
	if err != nil {
		return state, fmt.Errorf("finalize pipeline state: %w", err)
	}
	if !first {
		log.Debug().Msg("job finalized by another execution")
	}
	state.Finalized = true
	return state, nil
}

// schedule enqueues a webhook dispatch.
func (o *Orchestrator) schedule(ctx context.Context, log zerolog.Logger, job models.JobDescriptor, payload models.WebhookPayload) error {
	if o.enqueuer == nil {
		return nil
	}
	id, err := o.enqueuer.Enqueue(ctx, queue.TaskTriggerWebhooks, payload, queue.EnqueueOptions{MaxAttempts: o.opts.WebhookMaxAttempts})
	if err != nil {
		return fmt.Errorf("schedule %s webhook: %w", payload.Event, err)
	}
	telemetry.EnqueueCounter.WithLabelValues(queue.TaskTriggerWebhooks).Inc()
	log.Info().Str("event", payload.Event).Str("task_id", id).Msg("webhook dispatch scheduled")
	o.record(ctx, job, audit.EventWebhookScheduled, payload.Event)
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, next models.PipelineState) error {
	if err := o.store.AdvancePipelineState(ctx, next); err != nil {
		return fmt.Errorf("persist pipeline state %s: %w", next.Stage, err)
	}
	return nil
}

// syncDocument mirrors progress onto the document record. Jobs whose document
// record has expired still run.
func (o *Orchestrator) syncDocument(ctx context.Context, job models.JobDescriptor, fn func(*models.DocumentMetadata)) error {
	if job.DocumentID == "" {
		return nil
	}
	_, err := o.store.UpdateDocument(ctx, job.DocumentID, func(doc *models.DocumentMetadata) error {
		fn(doc)
		return nil
	})
	if err == nil || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrMalformed) {
		return nil
	}
	return fmt.Errorf("update document %s: %w", job.DocumentID, err)
}

func (o *Orchestrator) record(ctx context.Context, job models.JobDescriptor, event, detail string) {
	err := o.opts.Audit.Record(ctx, models.AuditEvent{
		JobID:      job.JobID,
		DocumentID: job.DocumentID,
		Event:      event,
		Detail:     detail,
		Recorded:   o.now().UTC(),
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.JobID).Str("event", event).Msg("audit record failed")
	}
}

func (o *Orchestrator) taskResult(state models.PipelineState, status string, finished time.Time) models.TaskResult {
	return models.TaskResult{
		JobID:       state.JobID,
		DocumentID:  state.DocumentID,
		Status:      status,
		Stage:       state.Stage,
		StartedAt:   state.StartedAt,
		CompletedAt: finished,
		Results:     state.Results,
		Error:       state.Error,
	}
}

// announcement is the result object sent with document.processed: the schema and
// validation payloads.
func announcement(results map[models.StageName]models.StageResult) json.RawMessage {
	body := map[models.StageName]json.RawMessage{}
	for _, name := range []models.StageName{models.StageSchema, models.StageValidation} {
		if res, ok := results[name]; ok && len(res.Payload) > 0 {
			body[name] = res.Payload
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func cloneState(s models.PipelineState) models.PipelineState {
	out := s
	out.Results = make(map[models.StageName]models.StageResult, len(s.Results)+1)
	for k, v := range s.Results {
		out.Results[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
