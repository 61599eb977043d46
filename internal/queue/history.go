package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/domain"
)

// historyCap bounds the per-task progress history ring.
const historyCap = 10

// RecordProgress appends a diagnostic history entry for the task and trims
// the list to the newest historyCap entries. The history is never
// authoritative for task state.
func (q *Queue) RecordProgress(ctx context.Context, taskID string, progress int, operation string, status domain.Status) error {
	entry := domain.ProgressEntry{
		Timestamp: time.Now().UTC().Format(timeLayout),
		Progress:  progress,
		Operation: operation,
		Status:    string(status),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "encode history %s", taskID)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, historyKey(taskID), raw)
	pipe.LTrim(ctx, historyKey(taskID), 0, historyCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "record history %s", taskID)
	}

	q.log.Debug("recorded progress",
		zap.String("task_id", taskID), zap.Int("progress", progress), zap.String("operation", operation))
	return nil
}

// ProgressHistory returns up to limit entries, newest first.
func (q *Queue) ProgressHistory(ctx context.Context, taskID string, limit int64) ([]domain.ProgressEntry, error) {
	if limit <= 0 || limit > historyCap {
		limit = historyCap
	}
	raws, err := q.rdb.LRange(ctx, historyKey(taskID), 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "history %s", taskID)
	}

	entries := make([]domain.ProgressEntry, 0, len(raws))
	for _, raw := range raws {
		var e domain.ProgressEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			q.log.Warn("skipping malformed history entry", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
