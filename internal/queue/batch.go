package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/domain"
)

// CreateBatch groups existing task IDs under a new batch record. The
// member set is immutable once created.
func (q *Queue) CreateBatch(ctx context.Context, taskIDs []string) (string, error) {
	batchID := uuid.NewString()

	ids, err := json.Marshal(taskIDs)
	if err != nil {
		return "", errors.Wrap(err, "encode batch members")
	}

	err = q.rdb.HSet(ctx, batchKey(batchID), map[string]any{
		"batch_id":   batchID,
		"task_ids":   ids,
		"total":      strconv.Itoa(len(taskIDs)),
		"created_at": time.Now().UTC().Format(timeLayout),
	}).Err()
	if err != nil {
		return "", errors.Wrapf(err, "create batch %s", batchID)
	}

	q.log.Info("created batch", zap.String("batch_id", batchID), zap.Int("tasks", len(taskIDs)))
	return batchID, nil
}

// BatchExists reports whether the batch record is present.
func (q *Queue) BatchExists(ctx context.Context, batchID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, batchKey(batchID)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "batch exists %s", batchID)
	}
	return n > 0, nil
}

// GetBatchStatus aggregates the live statuses of the batch members. Batch
// status is always derived, never stored. Absent batches return (nil, nil).
func (q *Queue) GetBatchStatus(ctx context.Context, batchID string) (*domain.BatchStatus, error) {
	data, err := q.rdb.HGetAll(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get batch %s", batchID)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var taskIDs []string
	if err := json.Unmarshal([]byte(data["task_ids"]), &taskIDs); err != nil {
		return nil, errors.Wrapf(err, "decode batch members %s", batchID)
	}

	status := &domain.BatchStatus{BatchID: batchID}
	status.Total, _ = strconv.Atoi(data["total"])

	for _, taskID := range taskIDs {
		t, err := q.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		switch t.Status {
		case domain.Completed:
			status.Completed++
		case domain.Failed:
			status.Failed++
		case domain.Processing:
			status.Processing++
		case domain.Queued:
			status.Queued++
		}
	}

	if status.Total > 0 {
		status.ProgressPercentage = float64(status.Completed) / float64(status.Total) * 100
	}
	return status, nil
}
