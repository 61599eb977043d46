package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/domain"
)

const (
	// DefaultResultTTL bounds how long stored results stay retrievable.
	DefaultResultTTL = 24 * time.Hour

	// MaxRetries is the default retry budget before a task is dead-lettered.
	MaxRetries = 3
)

const timeLayout = time.RFC3339Nano

// Queue is the durable task store and queue manager backed by Redis.
// All task mutation in the system goes through this type.
type Queue struct {
	rdb       *r.Client
	log       *zap.Logger
	resultTTL time.Duration
}

func New(rdb *r.Client, log *zap.Logger) *Queue {
	return &Queue{rdb: rdb, log: log, resultTTL: DefaultResultTTL}
}

// SetResultTTL overrides the result expiry. Zero or negative is ignored.
func (q *Queue) SetResultTTL(d time.Duration) {
	if d > 0 {
		q.resultTTL = d
	}
}

// Ping verifies the store is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return errors.Wrap(q.rdb.Ping(ctx).Err(), "redis ping")
}

// Close releases the underlying connection pool.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

// CreateParams carries the already-validated payload for a new task.
type CreateParams struct {
	Priority   domain.Priority
	Language   string
	FilePath   string
	Filename   string
	DocumentID string
}

// CreateTask persists a new queued task and pushes it onto its priority
// tier. The hash write and list push run in one transaction so the task is
// never discoverable without being enqueued.
func (q *Queue) CreateTask(ctx context.Context, p CreateParams) (string, error) {
	taskID := uuid.NewString()
	now := time.Now().UTC().Format(timeLayout)

	if p.Priority == "" {
		p.Priority = domain.Normal
	}
	language := p.Language
	if language == "" {
		language = "eng"
	}

	fields := map[string]any{
		"task_id":     taskID,
		"status":      string(domain.Queued),
		"progress":    "0",
		"message":     "Task queued for processing",
		"language":    language,
		"priority":    string(p.Priority),
		"retry_count": "0",
		"created_at":  now,
		"updated_at":  now,
	}
	if p.FilePath != "" {
		fields["file_path"] = p.FilePath
	}
	if p.Filename != "" {
		fields["filename"] = p.Filename
	}
	if p.DocumentID != "" {
		fields["document_id"] = p.DocumentID
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(taskID), fields)
	pipe.LPush(ctx, queueName(p.Priority), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.Wrapf(err, "create task %s", taskID)
	}

	q.log.Info("created task", zap.String("task_id", taskID), zap.String("priority", string(p.Priority)))
	return taskID, nil
}

// Dequeue pops the next task ID. With an empty priority it tries the tiers
// in order high, normal, low. RPOP is atomic, so no two callers can receive
// the same ID. The started-at timestamp is set before the ID is returned.
func (q *Queue) Dequeue(ctx context.Context, p domain.Priority) (string, error) {
	var tiers []string
	if p != "" {
		tiers = []string{queueName(p)}
	} else {
		tiers = []string{queueHigh, queueNormal, queueLow}
	}

	var taskID string
	for _, tier := range tiers {
		id, err := q.rdb.RPop(ctx, tier).Result()
		if err == r.Nil {
			continue
		}
		if err != nil {
			return "", errors.Wrapf(err, "pop %s", tier)
		}
		taskID = id
		break
	}
	if taskID == "" {
		return "", nil
	}

	now := time.Now().UTC().Format(timeLayout)
	if err := q.rdb.HSet(ctx, taskKey(taskID), "task_started_at", now).Err(); err != nil {
		return "", errors.Wrapf(err, "mark started %s", taskID)
	}

	q.log.Info("dequeued task", zap.String("task_id", taskID))
	return taskID, nil
}

// GetTask loads a task record. Absent tasks return (nil, nil).
func (q *Queue) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	data, err := q.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get task %s", taskID)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return taskFromHash(data), nil
}

// TaskExists reports whether the task record is present.
func (q *Queue) TaskExists(ctx context.Context, taskID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, taskKey(taskID)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "exists %s", taskID)
	}
	return n > 0, nil
}

// FilePath returns the stored file reference, empty if unset.
func (q *Queue) FilePath(ctx context.Context, taskID string) (string, error) {
	v, err := q.rdb.HGet(ctx, taskKey(taskID), "file_path").Result()
	if err == r.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "file path %s", taskID)
	}
	return v, nil
}

// UpdateStatus sets status and optionally progress and message. Returns
// false without error when the task does not exist.
func (q *Queue) UpdateStatus(ctx context.Context, taskID string, status domain.Status, progress *int, message string) (bool, error) {
	key := taskKey(taskID)
	n, err := q.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Wrapf(err, "exists %s", taskID)
	}
	if n == 0 {
		return false, nil
	}

	now := time.Now().UTC().Format(timeLayout)
	fields := map[string]any{
		"status":     string(status),
		"updated_at": now,
	}
	if progress != nil {
		fields["progress"] = strconv.Itoa(*progress)
	}
	if message != "" {
		fields["message"] = message
	}
	// Failed is terminal, so it closes the timing window just like a
	// completion does. A later requeue reopens it.
	if status == domain.Failed {
		fields["completed_at"] = now
	}
	if err := q.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return false, errors.Wrapf(err, "update task %s", taskID)
	}
	if status == domain.Queued {
		if err := q.rdb.HDel(ctx, key, "completed_at").Err(); err != nil {
			return false, errors.Wrapf(err, "update task %s", taskID)
		}
	}

	q.log.Info("updated task", zap.String("task_id", taskID), zap.String("status", string(status)))
	return true, nil
}

// StoreResult persists the result with TTL and marks the task completed in
// one transaction. The result value, not the task hash, carries the expiry.
func (q *Queue) StoreResult(ctx context.Context, taskID string, result *domain.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return errors.Wrapf(err, "encode result %s", taskID)
	}

	now := time.Now().UTC().Format(timeLayout)
	pipe := q.rdb.TxPipeline()
	pipe.SetEx(ctx, resultKey(taskID), raw, q.resultTTL)
	pipe.HSet(ctx, taskKey(taskID), map[string]any{
		"status":       string(domain.Completed),
		"progress":     "100",
		"message":      "Processing completed",
		"completed_at": now,
		"updated_at":   now,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "store result %s", taskID)
	}

	q.log.Info("stored result", zap.String("task_id", taskID))
	return nil
}

// GetResult returns the stored result, or (nil, nil) if absent or expired.
func (q *Queue) GetResult(ctx context.Context, taskID string) (*domain.Result, error) {
	raw, err := q.rdb.Get(ctx, resultKey(taskID)).Result()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get result %s", taskID)
	}
	var res domain.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, errors.Wrapf(err, "decode result %s", taskID)
	}
	return &res, nil
}

// ResultTTL reports the remaining result lifetime in seconds: -1 means no
// expiry, -2 means the key is gone.
func (q *Queue) ResultTTL(ctx context.Context, taskID string) (int64, error) {
	d, err := q.rdb.TTL(ctx, resultKey(taskID)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "result ttl %s", taskID)
	}
	if d < 0 {
		return int64(d), nil
	}
	return int64(d / time.Second), nil
}

// DeleteTask removes the task record, its result, and its progress history
// together. Returns false when the task did not exist.
func (q *Queue) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, taskKey(taskID)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "exists %s", taskID)
	}
	if n == 0 {
		q.log.Warn("cannot delete non-existent task", zap.String("task_id", taskID))
		return false, nil
	}

	if err := q.rdb.Del(ctx, taskKey(taskID), resultKey(taskID), historyKey(taskID)).Err(); err != nil {
		return false, errors.Wrapf(err, "delete task %s", taskID)
	}

	q.log.Info("deleted task", zap.String("task_id", taskID))
	return true, nil
}

// QueueLen returns the length of one tier, or all tiers when p is empty.
func (q *Queue) QueueLen(ctx context.Context, p domain.Priority) (int64, error) {
	if p != "" {
		n, err := q.rdb.LLen(ctx, queueName(p)).Result()
		return n, errors.Wrap(err, "queue len")
	}
	var total int64
	for _, tier := range []string{queueHigh, queueNormal, queueLow} {
		n, err := q.rdb.LLen(ctx, tier).Result()
		if err != nil {
			return 0, errors.Wrapf(err, "queue len %s", tier)
		}
		total += n
	}
	return total, nil
}

// Stats reports per-tier queue lengths.
func (q *Queue) Stats(ctx context.Context) (*domain.QueueStats, error) {
	var s domain.QueueStats
	var err error
	if s.High, err = q.rdb.LLen(ctx, queueHigh).Result(); err != nil {
		return nil, errors.Wrap(err, "queue stats")
	}
	if s.Normal, err = q.rdb.LLen(ctx, queueNormal).Result(); err != nil {
		return nil, errors.Wrap(err, "queue stats")
	}
	if s.Low, err = q.rdb.LLen(ctx, queueLow).Result(); err != nil {
		return nil, errors.Wrap(err, "queue stats")
	}
	s.Total = s.High + s.Normal + s.Low
	return &s, nil
}

// SetRetryCount overwrites the retry counter on the task record.
func (q *Queue) SetRetryCount(ctx context.Context, taskID string, n int) error {
	err := q.rdb.HSet(ctx, taskKey(taskID), "retry_count", strconv.Itoa(n)).Err()
	return errors.Wrapf(err, "set retry count %s", taskID)
}

// Requeue pushes a task ID back onto a tier. Used by the retry engine; it
// never creates task records.
func (q *Queue) Requeue(ctx context.Context, taskID string, p domain.Priority) error {
	return errors.Wrapf(q.rdb.LPush(ctx, queueName(p), taskID).Err(), "requeue %s", taskID)
}

// ScanProcessing visits every task currently in processing status. Used by
// the stuck-task detector, which must not bypass the store interface.
func (q *Queue) ScanProcessing(ctx context.Context, visit func(t *domain.Task)) error {
	return q.scanTasks(ctx, func(t *domain.Task) error {
		if t.Status == domain.Processing {
			visit(t)
		}
		return nil
	})
}

// scanTasks walks all task hashes, skipping progress-history lists.
func (q *Queue) scanTasks(ctx context.Context, visit func(t *domain.Task) error) error {
	iter := q.rdb.Scan(ctx, 0, taskPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, historySuffix) {
			continue
		}
		data, err := q.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return errors.Wrapf(err, "scan %s", key)
		}
		if len(data) == 0 {
			continue
		}
		if err := visit(taskFromHash(data)); err != nil {
			return err
		}
	}
	return errors.Wrap(iter.Err(), "scan tasks")
}

func taskFromHash(data map[string]string) *domain.Task {
	t := &domain.Task{
		ID:               data["task_id"],
		Status:           domain.Status(data["status"]),
		Message:          data["message"],
		Priority:         domain.ParsePriority(data["priority"]),
		Language:         data["language"],
		FilePath:         data["file_path"],
		Filename:         data["filename"],
		DocumentID:       data["document_id"],
		DeadLetterReason: data["dead_letter_reason"],
		InDeadLetter:     data["in_dead_letter_queue"] == "true",
	}
	t.Progress, _ = strconv.Atoi(data["progress"])
	t.RetryCount, _ = strconv.Atoi(data["retry_count"])
	t.CreatedAt = parseTime(data["created_at"])
	t.UpdatedAt = parseTime(data["updated_at"])
	t.StartedAt = parseTimePtr(data["task_started_at"])
	t.CompletedAt = parseTimePtr(data["completed_at"])
	t.MovedToDLQAt = parseTimePtr(data["moved_to_dlq_at"])
	return t
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return nil
	}
	return &t
}
