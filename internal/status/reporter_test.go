package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/domain"
	"github.com/you/ocrflow/internal/queue"
)

func newTestStore(t *testing.T) *queue.Queue {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.New(rdb, zap.NewNop())
}

func createTask(t *testing.T, q *queue.Queue) string {
	t.Helper()
	id, err := q.CreateTask(context.Background(), queue.CreateParams{
		Priority: domain.Normal, Language: "eng", FilePath: "/data/doc.pdf", Filename: "doc.pdf",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

func TestReporterLifecycle(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	id := createTask(t, q)
	rep := NewReporter(id, q, zap.NewNop())

	if err := rep.StartProcessing(ctx); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	task, _ := q.GetTask(ctx, id)
	if task.Status != domain.Processing || task.Progress != 0 {
		t.Fatalf("want processing/0, got %s/%d", task.Status, task.Progress)
	}

	if err := rep.UpdateProgress(ctx, 40, "Extracting text"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	task, _ = q.GetTask(ctx, id)
	if task.Progress != 40 || task.Message != "Extracting text" {
		t.Fatalf("progress not persisted: %+v", task)
	}

	view, err := rep.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.Status != domain.Processing || view.Progress != 40 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.EstimatedCompletionTime == "" {
		t.Fatal("processing with nonzero progress must carry an estimate")
	}

	res := &domain.Result{Text: "done", Confidence: 95, PageCount: 1}
	if err := rep.Complete(ctx, res); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	task, _ = q.GetTask(ctx, id)
	if task.Status != domain.Completed || task.Progress != 100 {
		t.Fatalf("want completed/100, got %s/%d", task.Status, task.Progress)
	}
	stored, err := q.GetResult(ctx, id)
	if err != nil || stored == nil || stored.Text != "done" {
		t.Fatalf("result not stored: %+v err=%v", stored, err)
	}

	view, _ = rep.GetStatus(ctx)
	if view.EstimatedCompletionTime != "" {
		t.Fatal("completed task must not carry an estimate")
	}
}

func TestUpdateProgressClamps(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	id := createTask(t, q)
	rep := NewReporter(id, q, zap.NewNop())
	if err := rep.StartProcessing(ctx); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}

	if err := rep.UpdateProgress(ctx, 150, "overshoot"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	task, _ := q.GetTask(ctx, id)
	if task.Progress != 100 {
		t.Fatalf("want clamp to 100, got %d", task.Progress)
	}

	if err := rep.UpdateProgress(ctx, -5, "undershoot"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	task, _ = q.GetTask(ctx, id)
	if task.Progress != 0 {
		t.Fatalf("want clamp to 0, got %d", task.Progress)
	}
}

func TestFailSetsRetryable(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	id := createTask(t, q)
	rep := NewReporter(id, q, zap.NewNop())
	if err := rep.StartProcessing(ctx); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	if err := rep.Fail(ctx, "Failed: corrupt pdf", true); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	task, _ := q.GetTask(ctx, id)
	if task.Status != domain.Failed {
		t.Fatalf("want failed, got %s", task.Status)
	}
	if task.Message != "Failed: corrupt pdf" {
		t.Fatalf("unexpected message %q", task.Message)
	}
	if task.CompletedAt == nil {
		t.Fatal("terminal failure must stamp completed_at")
	}

	view, err := rep.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.Retryable == nil || !*view.Retryable {
		t.Fatalf("want retryable view, got %+v", view)
	}
}

func TestGetStatusFromStoreOnly(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	id := createTask(t, q)
	if _, err := q.Dequeue(ctx, domain.Normal); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	worker := NewReporter(id, q, zap.NewNop())
	if err := worker.StartProcessing(ctx); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	if err := worker.UpdateProgress(ctx, 50, "Processed page 1/2"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	// A fresh reporter in another process has no in-memory start time; the
	// view must still carry the estimate from the stored started_at.
	view, err := NewReporter(id, q, zap.NewNop()).GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.Status != domain.Processing || view.Progress != 50 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Priority != domain.Normal {
		t.Fatalf("want priority in view, got %+v", view)
	}
	if view.EstimatedCompletionTime == "" {
		t.Fatal("want estimate derived from stored started_at")
	}

	missing, err := NewReporter("no-such-task", q, zap.NewNop()).GetStatus(ctx)
	if err != nil || missing != nil {
		t.Fatalf("want (nil, nil) for missing task, got %+v err=%v", missing, err)
	}
}

func TestGetStatusDeadLetterReason(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	id := createTask(t, q)
	rep := NewReporter(id, q, zap.NewNop())
	if err := rep.Fail(ctx, "Processing failed permanently: corrupt pdf", false); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if _, err := q.MoveToDeadLetter(ctx, id, "corrupt pdf"); err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}

	view, err := NewReporter(id, q, zap.NewNop()).GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.DeadLetterReason != "corrupt pdf" {
		t.Fatalf("want dead letter reason in view, got %+v", view)
	}
}

func TestHistoryRecordsTransitionsOnly(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	id := createTask(t, q)
	rep := NewReporter(id, q, zap.NewNop())
	if err := rep.StartProcessing(ctx); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	for _, p := range []int{10, 25, 50, 75} {
		if err := rep.UpdateProgress(ctx, p, "working"); err != nil {
			t.Fatalf("UpdateProgress: %v", err)
		}
	}
	if err := rep.Complete(ctx, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	h := rep.History()
	if len(h) != 3 {
		t.Fatalf("want 3 coarse transitions, got %d: %+v", len(h), h)
	}
	want := []domain.Status{domain.Queued, domain.Processing, domain.Completed}
	for i, s := range want {
		if h[i].Status != s {
			t.Fatalf("transition %d: want %s got %s", i, s, h[i].Status)
		}
	}
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	id := createTask(t, q)
	rep := NewReporter(id, q, zap.NewNop())

	calls := 0
	rep.SetNotifier(func(ctx context.Context, status domain.Status, progress int, message string) error {
		calls++
		return errors.New("backend down")
	})

	if err := rep.StartProcessing(ctx); err != nil {
		t.Fatalf("StartProcessing must not propagate notifier errors: %v", err)
	}
	if err := rep.Complete(ctx, nil); err != nil {
		t.Fatalf("Complete must not propagate notifier errors: %v", err)
	}
	if calls != 2 {
		t.Fatalf("want 2 notifications, got %d", calls)
	}

	task, _ := q.GetTask(ctx, id)
	if task.Status != domain.Completed {
		t.Fatalf("state must persist despite notifier failures, got %s", task.Status)
	}
}

func TestReporterMetrics(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	id := createTask(t, q)
	rep := NewReporter(id, q, zap.NewNop())
	if err := rep.StartProcessing(ctx); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := rep.Complete(ctx, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	m := rep.Metrics()
	if m["task_id"] != id || m["status"] != domain.Completed {
		t.Fatalf("unexpected metrics: %v", m)
	}
	pt, ok := m["processing_time"].(float64)
	if !ok || pt <= 0 {
		t.Fatalf("want positive processing_time, got %v", m["processing_time"])
	}
}

func TestBatchReporter(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	a := createTask(t, q)
	b := createTask(t, q)
	if err := q.StoreResult(ctx, a, &domain.Result{Text: "x"}); err != nil {
		t.Fatalf("StoreResult: %v", err)
	}

	batchID, err := q.CreateBatch(ctx, []string{a, b})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	status, err := NewBatchReporter(batchID, q).GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Total != 2 || status.Completed != 1 || status.Queued != 1 {
		t.Fatalf("unexpected batch status: %+v", status)
	}
}
