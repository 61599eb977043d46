// Package recovery decides what happens to tasks that failed or stalled:
// bounded re-enqueue at the original priority, or the dead-letter queue.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/domain"
	"github.com/you/ocrflow/internal/queue"
)

// Engine applies the retry policy. It never touches task fields directly;
// all mutation goes through the queue manager.
type Engine struct {
	q          *queue.Queue
	log        *zap.Logger
	maxRetries int
}

func NewEngine(q *queue.Queue, log *zap.Logger, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = queue.MaxRetries
	}
	return &Engine{q: q, log: log, maxRetries: maxRetries}
}

// Retry re-enqueues a failed task at its original priority. Returns false
// when the task is unknown, already dead-lettered, or has exhausted its
// retry budget. In the last case the task is moved to the DLQ first.
func (e *Engine) Retry(ctx context.Context, taskID string) (bool, error) {
	t, err := e.q.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}

	if t.InDeadLetter {
		e.log.Warn("task is dead-lettered and cannot be retried", zap.String("task_id", taskID))
		return false, nil
	}

	if t.RetryCount >= e.maxRetries {
		e.log.Warn("task exceeded max retries",
			zap.String("task_id", taskID), zap.Int("max_retries", e.maxRetries))
		reason := fmt.Sprintf("Max retries exceeded (%d/%d)", t.RetryCount, e.maxRetries)
		if _, err := e.q.MoveToDeadLetter(ctx, taskID, reason); err != nil {
			return false, err
		}
		return false, nil
	}

	attempt := t.RetryCount + 1
	if err := e.q.SetRetryCount(ctx, taskID, attempt); err != nil {
		return false, err
	}

	zero := 0
	msg := fmt.Sprintf("Retrying (attempt %d)", attempt)
	if _, err := e.q.UpdateStatus(ctx, taskID, domain.Queued, &zero, msg); err != nil {
		return false, err
	}

	// Retries never change priority.
	if err := e.q.Requeue(ctx, taskID, t.Priority); err != nil {
		return false, err
	}

	e.log.Info("retrying task", zap.String("task_id", taskID), zap.Int("attempt", attempt))
	return true, nil
}

// MaxRetries reports the configured retry budget.
func (e *Engine) MaxRetries() int { return e.maxRetries }
