package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"document-pipeline/internal/audit"
	"document-pipeline/internal/config"
	"document-pipeline/internal/models"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/store"
)

type fixture struct {
	monitor *Monitor
	store   *store.Store
	kv      *store.RedisKV
	queue   *queue.RedisQueue
	audit   *audit.Memory
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	kv := store.NewRedisKV(client)
	st := store.New(kv, store.Options{})
	q := queue.NewRedisQueue(client, config.Config{PriorityQueues: []string{"default"}})
	rec := audit.NewMemory()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(st, q, zerolog.Nop(), Options{
		GracePeriod: 5 * time.Minute,
		Audit:       rec,
		Now:         func() time.Time { return now },
	})
	return &fixture{monitor: m, store: st, kv: kv, queue: q, audit: rec, now: now}
}

func (f *fixture) document(t *testing.T, id, taskID string, age time.Duration) {
	t.Helper()
	err := f.store.PutDocument(context.Background(), models.DocumentMetadata{
		DocumentID: id,
		JobID:      "job-" + id,
		FileRef:    id + ".pdf",
		FileName:   id + ".pdf",
		MIMEType:   "application/pdf",
		Status:     models.DocumentProcessing,
		TaskID:     taskID,
		UploadedAt: f.now.Add(-age),
	})
	if err != nil {
		t.Fatalf("put document: %v", err)
	}
}

func TestScanRecoversOldPendingDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.document(t, "old", "lost-task", 10*time.Minute)

	report, err := f.monitor.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Recovered) != 1 || report.Recovered[0] != "old" {
		t.Fatalf("expected old document recovered, got %+v", report)
	}

	doc, err := f.store.GetDocument(ctx, "old")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !doc.AutoRecovered || doc.RecoveredAt == nil {
		t.Fatalf("expected auto_recovered with timestamp, got %+v", doc)
	}
	if doc.TaskID == "" || doc.TaskID == "lost-task" {
		t.Fatalf("expected a new task handle, got %q", doc.TaskID)
	}
	if len(doc.PreviousTaskIDs) != 1 || doc.PreviousTaskIDs[0] != "lost-task" {
		t.Fatalf("old handle should be kept for audit, got %v", doc.PreviousTaskIDs)
	}

	task, err := f.queue.Get(ctx, doc.TaskID)
	if err != nil {
		t.Fatalf("recovered task not enqueued: %v", err)
	}
	var job models.JobDescriptor
	if err := task.Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Name != queue.TaskProcessDocument || job.JobID != "job-old" || job.Input.FileRef != "old.pdf" {
		t.Fatalf("unexpected recovered task %+v / %+v", task, job)
	}
	if events := f.audit.Events(); len(events) != 1 || events[0].Event != audit.EventAutoRecovered {
		t.Fatalf("expected one recovery audit event, got %+v", events)
	}

	// The new task is pending but freshly issued, so a second scan leaves it alone.
	again, err := f.monitor.Scan(ctx)
	if err != nil || len(again.Recovered) != 0 {
		t.Fatalf("second scan should recover nothing, got %+v err=%v", again, err)
	}
}

func TestScanLeavesYoungAndStartedDocumentsAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.document(t, "young", "pending-task", 4*time.Minute)

	started, _ := f.queue.Enqueue(ctx, queue.TaskProcessDocument, nil, queue.EnqueueOptions{})
	_, _ = f.queue.DequeueWithLease(ctx)
	_, _ = f.queue.MarkStarted(ctx, started)
	f.document(t, "running", started, time.Hour)

	f.document(t, "no-task", "", time.Hour)

	report, err := f.monitor.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Recovered) != 0 {
		t.Fatalf("expected nothing recovered, got %v", report.Recovered)
	}
	if report.Scanned != 3 {
		t.Fatalf("expected 3 documents scanned, got %d", report.Scanned)
	}
	doc, _ := f.store.GetDocument(ctx, "young")
	if doc.AutoRecovered || doc.TaskID != "pending-task" {
		t.Fatalf("young document must not be touched: %+v", doc)
	}
}

func TestScanSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.kv.Set(ctx, store.DocumentPrefix+"corrupt", []byte("{not json"), time.Hour); err != nil {
		t.Fatalf("seed corrupt: %v", err)
	}
	f.document(t, "old", "lost-task", 10*time.Minute)

	report, err := f.monitor.Scan(ctx)
	if err != nil {
		t.Fatalf("a malformed record must not abort the scan: %v", err)
	}
	if len(report.Errors) != 1 || report.Errors[0].DocumentID != "corrupt" {
		t.Fatalf("expected corrupt record reported, got %+v", report.Errors)
	}
	if len(report.Recovered) != 1 {
		t.Fatalf("healthy document should still be recovered, got %v", report.Recovered)
	}
}

func TestScanFailsWhenStoreUnavailable(t *testing.T) {
	kv := store.NewMemoryKV()
	st := store.New(kv, store.Options{})
	m := NewMonitor(st, nil, zerolog.Nop(), Options{})
	kv.SetUnavailable(true)

	if _, err := m.Scan(context.Background()); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestListStuckAndRequeue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.document(t, "a", "task-a", 20*time.Minute)
	f.document(t, "b", "task-b", 2*time.Minute)

	stuck, err := f.monitor.ListStuck(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].DocumentID != "a" || stuck[0].Age != 20*time.Minute {
		t.Fatalf("expected only document a, got %+v", stuck)
	}

	newID, err := f.monitor.Requeue(ctx, "b")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	doc, _ := f.store.GetDocument(ctx, "b")
	if doc.TaskID != newID || doc.AutoRecovered {
		t.Fatalf("manual requeue should set the task without auto_recovered: %+v", doc)
	}
	if status, _ := f.queue.Status(ctx, "task-b"); status != queue.StatusRevoked {
		t.Fatalf("manual requeue revokes the previous task, got %s", status)
	}

	if _, err := f.monitor.Requeue(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRequeueRestartsFailedJobAndRefusesCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.document(t, "failed", "task-f", time.Hour)
	f.document(t, "done", "task-d", time.Hour)
	for id, stage := range map[string]models.Stage{"failed": models.StageFailed, "done": models.StageCompleted} {
		_, err := f.store.CreatePipelineState(ctx, models.PipelineState{JobID: "job-" + id, DocumentID: id, Stage: stage})
		if err != nil {
			t.Fatalf("seed state: %v", err)
		}
	}

	if _, err := f.monitor.Requeue(ctx, "done"); !errors.Is(err, ErrJobFinished) {
		t.Fatalf("expected ErrJobFinished, got %v", err)
	}
	if _, err := f.monitor.Requeue(ctx, "failed"); err != nil {
		t.Fatalf("requeue failed job: %v", err)
	}
	doc, _ := f.store.GetDocument(ctx, "failed")
	if doc.JobID == "job-failed" {
		t.Fatalf("a failed job should restart under a new job id")
	}
	if doc.Status != models.DocumentProcessing {
		t.Fatalf("expected processing, got %s", doc.Status)
	}
}
