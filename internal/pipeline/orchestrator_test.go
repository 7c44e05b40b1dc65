package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"document-pipeline/internal/audit"
	"document-pipeline/internal/models"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/store"
)

type enqueued struct {
	name    string
	payload models.WebhookPayload
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []enqueued
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, name string, payload any, _ queue.EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _ := payload.(models.WebhookPayload)
	f.tasks = append(f.tasks, enqueued{name: name, payload: p})
	return "task-" + name, nil
}

func (f *fakeEnqueuer) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, t := range f.tasks {
		out = append(out, t.payload.Event)
	}
	return out
}

// stageLog records every pipeline stage value written to the store.
type stageLog struct {
	*store.MemoryKV
	mu     sync.Mutex
	stages []models.Stage
	// before, when set, may fail an update before it reaches the store.
	before func(ctx context.Context, key string) error
}

func (s *stageLog) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	if s.before != nil {
		if err := s.before(ctx, key); err != nil {
			return err
		}
	}
	return s.MemoryKV.Update(ctx, key, func(cur []byte) ([]byte, error) {
		next, err := fn(cur)
		if err == nil && strings.HasPrefix(key, store.JobPrefix) {
			var st models.PipelineState
			if json.Unmarshal(next, &st) == nil {
				s.mu.Lock()
				s.stages = append(s.stages, st.Stage)
				s.mu.Unlock()
			}
		}
		return next, err
	})
}

type harness struct {
	orch  *Orchestrator
	store *store.Store
	kv    *stageLog
	queue *fakeEnqueuer
	audit *audit.Memory
}

func newHarness(t *testing.T, regs ...Registration) *harness {
	t.Helper()
	registry, err := NewRegistry(regs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	kv := &stageLog{MemoryKV: store.NewMemoryKV()}
	st := store.New(kv, store.Options{})
	env := NewEnvelope(zerolog.Nop(), Budget{MaxRetries: 3, RetryBaseDelay: time.Millisecond, Timeout: time.Second})
	q := &fakeEnqueuer{}
	rec := audit.NewMemory()
	orch := NewOrchestrator(st, registry, env, q, zerolog.Nop(), Options{NotifyFailures: true, Audit: rec})
	return &harness{orch: orch, store: st, kv: kv, queue: q, audit: rec}
}

func (h *harness) seedDocument(t *testing.T, job models.JobDescriptor) {
	t.Helper()
	err := h.store.PutDocument(context.Background(), models.DocumentMetadata{
		DocumentID: job.DocumentID,
		JobID:      job.JobID,
		Status:     models.DocumentProcessing,
		UploadedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
}

func passJob(job models.JobDescriptor, _ map[models.StageName]models.StageResult) any {
	return job.Input.FileRef
}

func stub(name models.StageName, calls *int32, body func(n int32) (payload, error)) Registration {
	return Registration{Stage: countingStage(name, calls, body), Input: passJob}
}

func ok(text string) func(int32) (payload, error) {
	return func(int32) (payload, error) { return payload{Text: text}, nil }
}

func testJob() models.JobDescriptor {
	return models.JobDescriptor{
		JobID:      "job-1",
		DocumentID: "doc-1",
		Input:      models.DocumentInput{FileRef: "uploads/doc-1.pdf", FileName: "invoice.pdf"},
		CreatedAt:  time.Now().UTC(),
	}
}

func TestPipelineMiddleStageRecoversAfterTransientFailures(t *testing.T) {
	var c1, c2, c3 int32
	h := newHarness(t,
		stub(models.StageClassification, &c1, ok("invoice")),
		stub(models.StageOCR, &c2, func(n int32) (payload, error) {
			if n <= 2 {
				return payload{}, errors.New("ocr provider 503")
			}
			return payload{Text: "total 12.00"}, nil
		}),
		stub(models.StageAnalysis, &c3, ok("fields")),
	)
	job := testJob()
	h.seedDocument(t, job)

	state, err := h.orch.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Stage != models.StageCompleted || state.CompletedAt == nil {
		t.Fatalf("expected completed state, got %s", state.Stage)
	}
	ocr := state.Results[models.StageOCR]
	if ocr.RetryCount != 2 || c2 != 3 {
		t.Fatalf("expected ocr retry_count 2 and 3 calls, got %d and %d", ocr.RetryCount, c2)
	}
	if c1 != 1 || c3 != 1 {
		t.Fatalf("other stages should run once, got classification=%d analysis=%d", c1, c3)
	}

	stored, err := h.store.GetPipelineState(context.Background(), job.JobID)
	if err != nil || stored.Stage != models.StageCompleted {
		t.Fatalf("completed state not persisted: %s %v", stored.Stage, err)
	}
	doc, _ := h.store.GetDocument(context.Background(), job.DocumentID)
	if doc.Status != models.DocumentCompleted || doc.CompletedAt == nil {
		t.Fatalf("document not marked completed: %+v", doc)
	}
	result, err := h.store.GetResult(context.Background(), job.JobID)
	if err != nil || result.Status != models.DocumentCompleted {
		t.Fatalf("task result not stored: %+v %v", result, err)
	}
	if events := h.queue.events(); len(events) != 0 {
		t.Fatalf("no validation stage means no acceptance, got webhooks %v", events)
	}
}

func TestPipelineHaltsOnFailedStage(t *testing.T) {
	var c1, c2, c3 int32
	h := newHarness(t,
		stub(models.StageClassification, &c1, ok("invoice")),
		stub(models.StageOCR, &c2, func(int32) (payload, error) { return payload{}, errors.New("corrupt pdf") }),
		stub(models.StageAnalysis, &c3, ok("fields")),
	)
	job := testJob()
	h.seedDocument(t, job)

	state, err := h.orch.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("a failed stage is a job outcome, not an execution error: %v", err)
	}
	if state.Stage != models.StageFailed {
		t.Fatalf("expected failed, got %s", state.Stage)
	}
	if c3 != 0 {
		t.Fatalf("analysis must not run after ocr failed, ran %d times", c3)
	}
	if state.Error == nil || *state.Error != "ocr failed: corrupt pdf" {
		t.Fatalf("unexpected pipeline error %v", state.Error)
	}
	if _, ran := state.Results[models.StageAnalysis]; ran {
		t.Fatalf("analysis should have no result")
	}
	doc, _ := h.store.GetDocument(context.Background(), job.DocumentID)
	if doc.Status != models.DocumentFailed || doc.Error == nil {
		t.Fatalf("document not marked failed: %+v", doc)
	}
	events := h.queue.events()
	if len(events) != 1 || events[0] != models.EventDocumentFailed {
		t.Fatalf("expected one document.failed notification, got %v", events)
	}
}

func TestPipelineSchedulesExactlyOneWebhookWhenAccepted(t *testing.T) {
	var c1, c2 int32
	h := newHarness(t,
		stub(models.StageSchema, &c1, ok("schema")),
		Registration{
			Stage: Func(models.StageValidation, nil, func(ctx context.Context, in string) (map[string]any, error) {
				atomic.AddInt32(&c2, 1)
				return map[string]any{"is_valid": true, "score": 0.9}, nil
			}),
			Input: passJob,
		},
	)
	job := testJob()

	for i := 0; i < 3; i++ {
		if _, err := h.orch.Execute(context.Background(), job); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	h.queue.mu.Lock()
	tasks := append([]enqueued(nil), h.queue.tasks...)
	h.queue.mu.Unlock()
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one webhook task, got %d", len(tasks))
	}
	if tasks[0].name != queue.TaskTriggerWebhooks || tasks[0].payload.Event != models.EventDocumentProcessed {
		t.Fatalf("unexpected task %+v", tasks[0])
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(tasks[0].payload.Result, &result); err != nil || result["validation"] == nil {
		t.Fatalf("webhook result should carry the validation payload: %s", tasks[0].payload.Result)
	}
	if c2 != 1 {
		t.Fatalf("validation should run once across redeliveries, ran %d", c2)
	}
}

func TestPipelineRejectedValidationSchedulesNothing(t *testing.T) {
	h := newHarness(t, Registration{
		Stage: Func(models.StageValidation, nil, func(ctx context.Context, in string) (map[string]any, error) {
			return map[string]any{"is_valid": false}, nil
		}),
		Input: passJob,
	})
	state, err := h.orch.Execute(context.Background(), testJob())
	if err != nil || state.Stage != models.StageCompleted {
		t.Fatalf("expected completion, got %s %v", state.Stage, err)
	}
	if events := h.queue.events(); len(events) != 0 {
		t.Fatalf("expected no webhook, got %v", events)
	}
}

func TestTerminalStateIsIdempotent(t *testing.T) {
	var c1, c2 int32
	h := newHarness(t,
		stub(models.StageClassification, &c1, ok("invoice")),
		stub(models.StageOCR, &c2, func(int32) (payload, error) { return payload{}, errors.New("boom") }),
	)
	job := testJob()
	first, err := h.orch.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	second, err := h.orch.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("re-execution changed state:\n%s\n%s", a, b)
	}
	if c1 != 1 || c2 != 3 {
		t.Fatalf("re-execution must not run stages again, classification=%d ocr=%d", c1, c2)
	}
}

func TestStageIsMonotonic(t *testing.T) {
	var c1, c2, c3 int32
	h := newHarness(t,
		stub(models.StageClassification, &c1, ok("a")),
		stub(models.StageOCR, &c2, ok("b")),
		stub(models.StageAnalysis, &c3, ok("c")),
	)
	if _, err := h.orch.Execute(context.Background(), testJob()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	h.kv.mu.Lock()
	defer h.kv.mu.Unlock()
	if len(h.kv.stages) == 0 {
		t.Fatalf("no state writes recorded")
	}
	for i := 1; i < len(h.kv.stages); i++ {
		if h.kv.stages[i].Rank() < h.kv.stages[i-1].Rank() {
			t.Fatalf("stage moved backwards: %v", h.kv.stages)
		}
	}
	if last := h.kv.stages[len(h.kv.stages)-1]; last != models.StageCompleted {
		t.Fatalf("expected final write to be completed, got %s", last)
	}
}

func TestRedeliveredJobResumesAfterCompletedStages(t *testing.T) {
	var c1, c2 int32
	h := newHarness(t,
		stub(models.StageClassification, &c1, ok("invoice")),
		stub(models.StageOCR, &c2, ok("text")),
	)
	job := testJob()
	now := time.Now().UTC()
	crashed := models.PipelineState{
		JobID:      job.JobID,
		DocumentID: job.DocumentID,
		Stage:      models.AtStage(models.StageOCR),
		StartedAt:  now,
		UpdatedAt:  now,
		Executions: 1,
		Results: map[models.StageName]models.StageResult{
			models.StageClassification: {Status: models.StatusCompleted, Payload: json.RawMessage(`{"text":"invoice"}`)},
			models.StageOCR:            {Status: models.StatusRunning},
		},
	}
	if _, err := h.store.CreatePipelineState(context.Background(), crashed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	state, err := h.orch.Execute(context.Background(), job)
	if err != nil || state.Stage != models.StageCompleted {
		t.Fatalf("expected resumed job to complete, got %s %v", state.Stage, err)
	}
	if c1 != 0 || c2 != 1 {
		t.Fatalf("expected only ocr to run, classification=%d ocr=%d", c1, c2)
	}
	if state.Executions != 2 {
		t.Fatalf("expected execution token 2, got %d", state.Executions)
	}
	var resumed bool
	for _, e := range h.audit.Events() {
		if e.Event == audit.EventPipelineResumed {
			resumed = true
		}
	}
	if !resumed {
		t.Fatalf("expected a resume audit event")
	}
}

func TestDownstreamStageSeesZeroValueForMissingInput(t *testing.T) {
	var seen payload
	h := newHarness(t, Registration{
		Stage: Func(models.StageAnalysis, nil, func(ctx context.Context, in payload) (payload, error) {
			seen = in
			return in, nil
		}),
		Input: func(job models.JobDescriptor, results map[models.StageName]models.StageResult) any {
			return DecodeResult[payload](results, models.StageOCR)
		},
	})
	state, err := h.orch.Execute(context.Background(), testJob())
	if err != nil || state.Stage != models.StageCompleted {
		t.Fatalf("expected completion, got %s %v", state.Stage, err)
	}
	if seen != (payload{}) {
		t.Fatalf("expected zero payload for missing ocr output, got %+v", seen)
	}
}

func TestStoreOutageAbortsExecution(t *testing.T) {
	var c1 int32
	h := newHarness(t, stub(models.StageClassification, &c1, ok("x")))
	h.kv.SetUnavailable(true)

	_, err := h.orch.Execute(context.Background(), testJob())
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if c1 != 0 {
		t.Fatalf("no stage should run without the store")
	}
}

// failDocumentOnceWhen makes the first document update after the job reaches
// stage fail with a store outage.
func (h *harness) failDocumentOnceWhen(jobID string, stage models.Stage) {
	var tripped atomic.Bool
	h.kv.before = func(ctx context.Context, key string) error {
		if !strings.HasPrefix(key, store.DocumentPrefix) || tripped.Load() {
			return nil
		}
		raw, err := h.kv.MemoryKV.Get(ctx, store.JobPrefix+jobID)
		if err != nil {
			return nil
		}
		var st models.PipelineState
		if json.Unmarshal(raw, &st) == nil && st.Stage == stage {
			tripped.Store(true)
			return store.ErrStoreUnavailable
		}
		return nil
	}
}

func TestCompletedJobFinishesSideEffectsOnRedelivery(t *testing.T) {
	h := newHarness(t, Registration{
		Stage: Func(models.StageValidation, nil, func(ctx context.Context, in string) (map[string]any, error) {
			return map[string]any{"is_valid": true}, nil
		}),
		Input: passJob,
	})
	job := testJob()
	h.seedDocument(t, job)
	h.failDocumentOnceWhen(job.JobID, models.StageCompleted)

	state, err := h.orch.Execute(context.Background(), job)
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("expected the document sync outage to abort the attempt, got %v", err)
	}
	if state.Stage != models.StageCompleted || state.Finalized {
		t.Fatalf("expected completed but unfinalized state, got %s finalized=%v", state.Stage, state.Finalized)
	}
	if events := h.queue.events(); len(events) != 0 {
		t.Fatalf("nothing should be scheduled yet, got %v", events)
	}

	state, err = h.orch.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !state.Finalized {
		t.Fatalf("redelivery should finalize the job")
	}
	doc, _ := h.store.GetDocument(context.Background(), job.DocumentID)
	if doc.Status != models.DocumentCompleted || doc.CompletedAt == nil {
		t.Fatalf("document not marked completed on redelivery: %+v", doc)
	}
	stored, _ := h.store.GetPipelineState(context.Background(), job.JobID)
	if !stored.Finalized {
		t.Fatalf("finalized flag not persisted")
	}

	if _, err := h.orch.Execute(context.Background(), job); err != nil {
		t.Fatalf("third delivery: %v", err)
	}
	events := h.queue.events()
	if len(events) != 1 || events[0] != models.EventDocumentProcessed {
		t.Fatalf("expected one document.processed webhook across deliveries, got %v", events)
	}
}

func TestFailedJobFinishesSideEffectsOnRedelivery(t *testing.T) {
	var c1 int32
	h := newHarness(t, stub(models.StageOCR, &c1, func(int32) (payload, error) { return payload{}, errors.New("corrupt pdf") }))
	job := testJob()
	h.seedDocument(t, job)
	h.failDocumentOnceWhen(job.JobID, models.StageFailed)

	if _, err := h.orch.Execute(context.Background(), job); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("expected the document sync outage to abort the attempt, got %v", err)
	}
	state, err := h.orch.Execute(context.Background(), job)
	if err != nil || state.Stage != models.StageFailed || !state.Finalized {
		t.Fatalf("redelivery should finalize the failed job, got %s finalized=%v err=%v", state.Stage, state.Finalized, err)
	}
	if c1 != 3 {
		t.Fatalf("redelivery must not rerun the failed stage, ran %d", c1)
	}
	doc, _ := h.store.GetDocument(context.Background(), job.DocumentID)
	if doc.Status != models.DocumentFailed || doc.Error == nil || *doc.Error != "ocr failed: corrupt pdf" {
		t.Fatalf("document not marked failed on redelivery: %+v", doc)
	}
	events := h.queue.events()
	if len(events) != 1 || events[0] != models.EventDocumentFailed {
		t.Fatalf("expected one document.failed notification, got %v", events)
	}
}

func TestRegistryRejectsUnknownAndDuplicateStages(t *testing.T) {
	var c int32
	if _, err := NewRegistry(stub("translation", &c, ok(""))); err == nil {
		t.Fatalf("expected unknown stage to be rejected")
	}
	if _, err := NewRegistry(stub(models.StageOCR, &c, ok("")), stub(models.StageOCR, &c, ok(""))); err == nil {
		t.Fatalf("expected duplicate stage to be rejected")
	}
	reg, err := NewRegistry(stub(models.StageValidation, &c, ok("")), stub(models.StageClassification, &c, ok("")))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != models.StageClassification || names[1] != models.StageValidation {
		t.Fatalf("names should follow pipeline order, got %v", names)
	}
}
