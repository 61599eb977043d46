package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MoveToDeadLetter pushes the task onto the dead-letter list and flags the
// record with the reason. Returns false when the task does not exist.
func (q *Queue) MoveToDeadLetter(ctx context.Context, taskID, reason string) (bool, error) {
	key := taskKey(taskID)
	n, err := q.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Wrapf(err, "exists %s", taskID)
	}
	if n == 0 {
		q.log.Warn("cannot dead-letter non-existent task", zap.String("task_id", taskID))
		return false, nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, deadLetterQueue, taskID)
	pipe.HSet(ctx, key, map[string]any{
		"in_dead_letter_queue": "true",
		"dead_letter_reason":   reason,
		"moved_to_dlq_at":      time.Now().UTC().Format(timeLayout),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrapf(err, "dead-letter %s", taskID)
	}

	q.log.Warn("moved task to dead letter queue",
		zap.String("task_id", taskID), zap.String("reason", reason))
	return true, nil
}

// RemoveFromDeadLetter takes the task out of the dead-letter list and
// clears the flags, restoring retry eligibility. Returns false when the
// task was not in the list.
func (q *Queue) RemoveFromDeadLetter(ctx context.Context, taskID string) (bool, error) {
	removed, err := q.rdb.LRem(ctx, deadLetterQueue, 0, taskID).Result()
	if err != nil {
		return false, errors.Wrapf(err, "dlq remove %s", taskID)
	}
	if removed == 0 {
		q.log.Warn("task not found in dead letter queue", zap.String("task_id", taskID))
		return false, nil
	}

	err = q.rdb.HDel(ctx, taskKey(taskID),
		"in_dead_letter_queue", "dead_letter_reason", "moved_to_dlq_at").Err()
	if err != nil {
		return false, errors.Wrapf(err, "dlq unflag %s", taskID)
	}

	q.log.Info("removed task from dead letter queue", zap.String("task_id", taskID))
	return true, nil
}

// ListDeadLetter returns up to limit task IDs from the dead-letter list.
func (q *Queue) ListDeadLetter(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.rdb.LRange(ctx, deadLetterQueue, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "dlq list")
	}
	return ids, nil
}

// CountDeadLetter returns the dead-letter list length.
func (q *Queue) CountDeadLetter(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, deadLetterQueue).Result()
	return n, errors.Wrap(err, "dlq count")
}
