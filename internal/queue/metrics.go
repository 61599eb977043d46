package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/domain"
)

// RecordCompletion bumps the global counters for a finished attempt.
// Counter failures are logged, not returned: metrics never block the
// task outcome.
func (q *Queue) RecordCompletion(ctx context.Context, taskID string, success bool, duration time.Duration) {
	pipe := q.rdb.TxPipeline()
	pipe.Incr(ctx, metricsTotal)
	if success {
		pipe.Incr(ctx, metricsCompleted)
	} else {
		pipe.Incr(ctx, metricsFailed)
	}
	if duration > 0 {
		pipe.IncrByFloat(ctx, metricsTotalDuration, duration.Seconds())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("failed to record task metrics", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	retryCount, err := q.rdb.HGet(ctx, taskKey(taskID), "retry_count").Result()
	if err == nil {
		if n, convErr := strconv.Atoi(retryCount); convErr == nil {
			if err := q.rdb.Incr(ctx, metricsRetryPrefix+strconv.Itoa(n)).Err(); err != nil {
				q.log.Error("failed to record retry distribution", zap.String("task_id", taskID), zap.Error(err))
			}
		}
	}
}

// TaskMetrics reports timing for one task from its record: queue wait,
// processing time, and total turnaround, each present only when the
// relevant timestamps exist. Absent tasks return (nil, nil).
func (q *Queue) TaskMetrics(ctx context.Context, taskID string) (map[string]any, error) {
	t, err := q.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	m := map[string]any{
		"task_id":     t.ID,
		"status":      string(t.Status),
		"retry_count": t.RetryCount,
	}
	if t.StartedAt != nil {
		m["queue_time"] = t.StartedAt.Sub(t.CreatedAt).Seconds()
		if t.CompletedAt != nil {
			m["processing_time"] = t.CompletedAt.Sub(*t.StartedAt).Seconds()
		}
	}
	if t.CompletedAt != nil {
		m["total_time"] = t.CompletedAt.Sub(t.CreatedAt).Seconds()
	}
	return m, nil
}

// AggregateMetrics computes the global success rate, retry rate, average
// duration, retry distribution, and DLQ depth from the counters.
func (q *Queue) AggregateMetrics(ctx context.Context) (*domain.AggregateMetrics, error) {
	m := &domain.AggregateMetrics{RetryDistribution: map[string]int64{}}

	var err error
	if m.TotalTasks, err = q.counter(ctx, metricsTotal); err != nil {
		return nil, err
	}
	if m.CompletedTasks, err = q.counter(ctx, metricsCompleted); err != nil {
		return nil, err
	}
	if m.FailedTasks, err = q.counter(ctx, metricsFailed); err != nil {
		return nil, err
	}

	totalDuration, err := q.rdb.Get(ctx, metricsTotalDuration).Float64()
	if err != nil && err != r.Nil {
		return nil, errors.Wrap(err, "metrics duration")
	}

	for i := 0; i <= MaxRetries; i++ {
		n, err := q.counter(ctx, metricsRetryPrefix+strconv.Itoa(i))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			m.RetryDistribution["retry_"+strconv.Itoa(i)] = n
		}
		if i > 0 {
			m.TasksRetried += n
		}
	}

	if m.TotalTasks > 0 {
		m.SuccessRate = float64(m.CompletedTasks) / float64(m.TotalTasks) * 100
		m.RetryRate = float64(m.TasksRetried) / float64(m.TotalTasks) * 100
	}
	if m.CompletedTasks > 0 {
		m.AverageDuration = totalDuration / float64(m.CompletedTasks)
	}

	if m.DeadLetterCount, err = q.CountDeadLetter(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// ResetMetrics deletes every metrics counter.
func (q *Queue) ResetMetrics(ctx context.Context) error {
	iter := q.rdb.Scan(ctx, 0, "metrics:*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "scan metrics")
	}
	if len(keys) == 0 {
		return nil
	}
	if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "reset metrics")
	}
	q.log.Info("reset metrics counters")
	return nil
}

func (q *Queue) counter(ctx context.Context, key string) (int64, error) {
	n, err := q.rdb.Get(ctx, key).Int64()
	if err == r.Nil {
		return 0, nil
	}
	return n, errors.Wrapf(err, "counter %s", key)
}
