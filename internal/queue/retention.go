package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/domain"
)

// FindOldCompleted returns IDs of completed tasks whose completed_at is
// before cutoff. Tasks without the timestamp are skipped.
func (q *Queue) FindOldCompleted(ctx context.Context, cutoff time.Time) ([]string, error) {
	var old []string
	err := q.scanTasks(ctx, func(t *domain.Task) error {
		if t.Status != domain.Completed || t.CompletedAt == nil {
			return nil
		}
		if t.CompletedAt.Before(cutoff) {
			old = append(old, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.log.Info("found old completed tasks", zap.Int("count", len(old)), zap.Time("cutoff", cutoff))
	return old, nil
}

// CleanupOldCompleted deletes completed tasks older than cutoff, together
// with their results and histories. With dryRun it only reports the count.
func (q *Queue) CleanupOldCompleted(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	old, err := q.FindOldCompleted(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if dryRun {
		q.log.Info("dry run: would delete old completed tasks", zap.Int("count", len(old)))
		return len(old), nil
	}

	deleted := 0
	for _, taskID := range old {
		ok, err := q.DeleteTask(ctx, taskID)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}

	q.log.Info("cleaned up old completed tasks", zap.Int("deleted", deleted))
	return deleted, nil
}
