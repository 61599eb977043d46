package queue

import (
	"context"
	"testing"

	"github.com/you/ocrflow/internal/domain"
)

func TestDeadLetterRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := mustCreate(t, q, domain.Normal)

	ok, err := q.MoveToDeadLetter(ctx, id, "Max retries exceeded (3/3)")
	if err != nil || !ok {
		t.Fatalf("MoveToDeadLetter: ok=%v err=%v", ok, err)
	}

	task, err := q.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !task.InDeadLetter {
		t.Fatal("task record not flagged as dead-lettered")
	}
	if task.DeadLetterReason != "Max retries exceeded (3/3)" {
		t.Fatalf("unexpected reason %q", task.DeadLetterReason)
	}
	if task.MovedToDLQAt == nil {
		t.Fatal("moved_to_dlq_at must be set")
	}

	ids, err := q.ListDeadLetter(ctx, 0)
	if err != nil {
		t.Fatalf("ListDeadLetter: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("unexpected dlq contents %v", ids)
	}
	if n, _ := q.CountDeadLetter(ctx); n != 1 {
		t.Fatalf("want dlq count 1, got %d", n)
	}

	ok, err = q.RemoveFromDeadLetter(ctx, id)
	if err != nil || !ok {
		t.Fatalf("RemoveFromDeadLetter: ok=%v err=%v", ok, err)
	}

	task, _ = q.GetTask(ctx, id)
	if task.InDeadLetter || task.DeadLetterReason != "" || task.MovedToDLQAt != nil {
		t.Fatalf("dead-letter flags not cleared: %+v", task)
	}
	if n, _ := q.CountDeadLetter(ctx); n != 0 {
		t.Fatalf("want empty dlq, got %d", n)
	}
}

func TestMoveToDeadLetterMissingTask(t *testing.T) {
	q, _ := newTestQueue(t)

	ok, err := q.MoveToDeadLetter(context.Background(), "no-such-task", "whatever")
	if err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}
	if ok {
		t.Fatal("want false for missing task")
	}
}

func TestRemoveFromDeadLetterNotListed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := mustCreate(t, q, domain.Normal)
	ok, err := q.RemoveFromDeadLetter(ctx, id)
	if err != nil {
		t.Fatalf("RemoveFromDeadLetter: %v", err)
	}
	if ok {
		t.Fatal("want false for task not in the dead-letter list")
	}
}
