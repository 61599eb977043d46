// Package status tracks the per-task state machine and progress view:
// queued -> processing -> completed|failed, with queued re-entry on retry.
package status

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/domain"
	"github.com/you/ocrflow/internal/queue"
)

// Notifier is the optional webhook hook invoked on status transitions.
// Failures are logged and swallowed; notification is never load-bearing.
type Notifier func(ctx context.Context, status domain.Status, progress int, message string) error

// View is the externally visible task status.
type View struct {
	TaskID                  string          `json:"task_id"`
	Status                  domain.Status   `json:"status"`
	Progress                int             `json:"progress"`
	Message                 string          `json:"message"`
	Priority                domain.Priority `json:"priority"`
	RetryCount              int             `json:"retry_count"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
	EstimatedCompletionTime string          `json:"estimated_completion_time,omitempty"`
	Retryable               *bool           `json:"retryable,omitempty"`
	DeadLetterReason        string          `json:"dead_letter_reason,omitempty"`
}

// HistoryEntry is one coarse status transition.
type HistoryEntry struct {
	Status    domain.Status `json:"status"`
	Message   string        `json:"message"`
	Timestamp string        `json:"timestamp"`
	Progress  int           `json:"progress"`
}

// Reporter drives one task's state machine. Each task is owned by a single
// worker for the duration of an attempt, so a Reporter has one writer.
type Reporter struct {
	taskID string
	q      *queue.Queue
	log    *zap.Logger
	notify Notifier

	progress  int
	status    domain.Status
	startedAt time.Time
	retryable *bool
	history   []HistoryEntry
}

func NewReporter(taskID string, q *queue.Queue, log *zap.Logger) *Reporter {
	r := &Reporter{taskID: taskID, q: q, log: log, status: domain.Queued}
	r.addHistory(domain.Queued, "Task created")
	return r
}

// SetNotifier installs the transition webhook hook.
func (r *Reporter) SetNotifier(n Notifier) { r.notify = n }

func (r *Reporter) addHistory(status domain.Status, message string) {
	r.history = append(r.history, HistoryEntry{
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Progress:  r.progress,
	})
}

// StartProcessing transitions the task to processing with progress 0.
func (r *Reporter) StartProcessing(ctx context.Context) error {
	r.status = domain.Processing
	r.progress = 0
	r.startedAt = time.Now().UTC()
	r.addHistory(domain.Processing, "Processing started")

	zero := 0
	if _, err := r.q.UpdateStatus(ctx, r.taskID, domain.Processing, &zero, "Processing started"); err != nil {
		return err
	}

	r.sendNotification(ctx, "Processing started")
	r.log.Info("task started processing", zap.String("task_id", r.taskID))
	return nil
}

// UpdateProgress clamps progress to [0,100] and persists it. Fine-grained
// updates do not append to the coarse history.
func (r *Reporter) UpdateProgress(ctx context.Context, progress int, message string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	r.progress = progress

	if _, err := r.q.UpdateStatus(ctx, r.taskID, r.status, &progress, message); err != nil {
		return err
	}

	r.log.Info("task progress",
		zap.String("task_id", r.taskID), zap.Int("progress", progress), zap.String("message", message))
	return nil
}

// Complete marks the task completed. When a result is given it is stored
// with TTL and the completed transition rides on the same store write.
func (r *Reporter) Complete(ctx context.Context, result *domain.Result) error {
	r.status = domain.Completed
	r.progress = 100
	r.addHistory(domain.Completed, "Processing completed")

	if result != nil {
		if err := r.q.StoreResult(ctx, r.taskID, result); err != nil {
			return err
		}
	} else {
		hundred := 100
		if _, err := r.q.UpdateStatus(ctx, r.taskID, domain.Completed, &hundred, "Processing completed"); err != nil {
			return err
		}
	}

	r.sendNotification(ctx, "Processing completed")
	r.log.Info("task completed", zap.String("task_id", r.taskID))
	return nil
}

// Fail marks the task failed. The message is persisted as given; callers
// compose it.
func (r *Reporter) Fail(ctx context.Context, errMsg string, retryable bool) error {
	r.status = domain.Failed
	r.retryable = &retryable
	r.addHistory(domain.Failed, errMsg)

	if _, err := r.q.UpdateStatus(ctx, r.taskID, domain.Failed, nil, errMsg); err != nil {
		return err
	}

	r.sendNotification(ctx, errMsg)
	r.log.Error("task failed", zap.String("task_id", r.taskID), zap.String("error", errMsg))
	return nil
}

// GetStatus returns the live view from the store, so any process holding a
// Reporter for the task ID can serve it, not just the owning worker. Missing
// tasks return (nil, nil). The estimate is only computed while processing
// with nonzero progress, so elapsed/progress never divides by zero.
func (r *Reporter) GetStatus(ctx context.Context) (*View, error) {
	t, err := r.q.GetTask(ctx, r.taskID)
	if err != nil || t == nil {
		return nil, err
	}

	v := &View{
		TaskID:     t.ID,
		Status:     t.Status,
		Progress:   t.Progress,
		Message:    t.Message,
		Priority:   t.Priority,
		RetryCount: t.RetryCount,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}

	started := t.StartedAt
	if started == nil && !r.startedAt.IsZero() {
		started = &r.startedAt
	}
	if t.Status == domain.Processing && t.Progress > 0 && started != nil {
		elapsed := time.Since(*started).Seconds()
		estimatedTotal := elapsed / float64(t.Progress) * 100
		remaining := estimatedTotal - elapsed
		eta := time.Now().UTC().Add(time.Duration(remaining * float64(time.Second)))
		v.EstimatedCompletionTime = eta.Format(time.RFC3339Nano)
	}

	if t.Status == domain.Failed && r.retryable != nil {
		v.Retryable = r.retryable
	}
	if t.InDeadLetter {
		v.DeadLetterReason = t.DeadLetterReason
	}
	return v, nil
}

// History returns the coarse transition log for this attempt.
func (r *Reporter) History() []HistoryEntry {
	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}

// Metrics reports timing for this attempt.
func (r *Reporter) Metrics() map[string]any {
	m := map[string]any{
		"task_id": r.taskID,
		"status":  r.status,
	}
	if !r.startedAt.IsZero() {
		m["started_at"] = r.startedAt.Format(time.RFC3339Nano)
		if r.status == domain.Completed || r.status == domain.Failed {
			m["processing_time"] = time.Since(r.startedAt).Seconds()
		}
	}
	return m
}

func (r *Reporter) sendNotification(ctx context.Context, message string) {
	if r.notify == nil {
		return
	}
	if err := r.notify(ctx, r.status, r.progress, message); err != nil {
		r.log.Warn("status notification failed",
			zap.String("task_id", r.taskID), zap.Error(err))
	}
}

// BatchReporter aggregates the live member statuses of one batch. There is
// no independent batch state machine.
type BatchReporter struct {
	batchID string
	q       *queue.Queue
}

func NewBatchReporter(batchID string, q *queue.Queue) *BatchReporter {
	return &BatchReporter{batchID: batchID, q: q}
}

func (b *BatchReporter) GetStatus(ctx context.Context) (*domain.BatchStatus, error) {
	return b.q.GetBatchStatus(ctx, b.batchID)
}
