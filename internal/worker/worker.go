// Package worker runs the orchestration loop: dequeue, drive the pipeline
// stages, report progress, notify the backend, and route failures to the
// retry engine.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/audit"
	"github.com/you/ocrflow/internal/domain"
	"github.com/you/ocrflow/internal/queue"
	"github.com/you/ocrflow/internal/recovery"
	"github.com/you/ocrflow/internal/status"
	"github.com/you/ocrflow/internal/webhook"
)

// Worker is one sequential processing loop. Multiple workers may share a
// store; the atomic list pop is the only mutual exclusion between them.
type Worker struct {
	q        *queue.Queue
	engine   *recovery.Engine
	wh       *webhook.Client // nil when webhooks are not configured
	trail    *audit.Trail    // nil when auditing is not configured
	pipeline Pipeline
	log      *zap.Logger
	poll     time.Duration
}

func New(q *queue.Queue, engine *recovery.Engine, wh *webhook.Client, p Pipeline, log *zap.Logger, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{q: q, engine: engine, wh: wh, pipeline: p, log: log, poll: poll}
}

// SetAudit installs the optional terminal-transition audit trail.
func (w *Worker) SetAudit(trail *audit.Trail) { w.trail = trail }

// Run polls until ctx is cancelled. An in-flight task is always finished
// before returning; only new dequeues stop on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.Duration("poll_interval", w.poll))

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down")
			return ctx.Err()
		default:
		}

		taskID, err := w.q.Dequeue(ctx, "")
		if err != nil {
			w.log.Error("dequeue failed", zap.Error(err))
			if sleepErr := sleep(ctx, w.poll); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		if taskID == "" {
			if sleepErr := sleep(ctx, w.poll); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		// The task runs under a detached context so shutdown lets it
		// finish rather than aborting it mid-pipeline.
		taskCtx := context.WithoutCancel(ctx)
		if err := w.ProcessTask(taskCtx, taskID); err != nil {
			w.log.Error("task processing failed",
				zap.String("task_id", taskID), zap.Error(err))
			w.handleFailure(taskCtx, taskID, err)
		}
	}
}

// ProcessTask drives one task through the pipeline, reporting every state
// transition through a status.Reporter. Any returned error is routed to the
// failure path by the caller.
func (w *Worker) ProcessTask(ctx context.Context, taskID string) error {
	start := time.Now()

	t, err := w.q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	rep := status.NewReporter(taskID, w.q, w.log)
	rep.SetNotifier(w.notifier(t))
	if err := rep.StartProcessing(ctx); err != nil {
		return err
	}

	if t.FilePath == "" {
		return Permanent(fmt.Errorf("file path not found in task metadata"))
	}

	if err := rep.UpdateProgress(ctx, 10, "Converting document to images"); err != nil {
		return err
	}
	pages, err := w.pipeline.Converter.ConvertToImages(ctx, t.FilePath)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return Permanent(fmt.Errorf("document produced no pages"))
	}

	if err := rep.UpdateProgress(ctx, 25, fmt.Sprintf("Performing OCR on %d pages", len(pages))); err != nil {
		return err
	}
	w.sendProgressWebhook(ctx, t, 25, "converting")

	var fullText string
	var totalConfidence float64
	pageResults := make([]map[string]any, 0, len(pages))
	midSent := false

	for i, page := range pages {
		pageNum := i + 1
		text, confidence, err := w.pipeline.OCR.ExtractText(ctx, page, t.Language)
		if err != nil {
			return err
		}
		if fullText != "" {
			fullText += "\n\n"
		}
		fullText += text
		totalConfidence += confidence
		pageResults = append(pageResults, map[string]any{
			"page":       pageNum,
			"text":       text,
			"confidence": confidence,
		})

		progress := 25 + int(float64(pageNum)/float64(len(pages))*50)
		if err := rep.UpdateProgress(ctx, progress,
			fmt.Sprintf("Processed page %d/%d", pageNum, len(pages))); err != nil {
			return err
		}
		if !midSent && progress >= 48 && progress <= 52 {
			w.sendProgressWebhook(ctx, t, progress, "extracting")
			midSent = true
		}
	}
	avgConfidence := totalConfidence / float64(len(pages))

	metadata := map[string]any{}
	if w.pipeline.Metadata != nil {
		if err := rep.UpdateProgress(ctx, 75, "Extracting metadata"); err != nil {
			return err
		}
		w.sendProgressWebhook(ctx, t, 75, "extracting metadata")
		if m, err := w.pipeline.Metadata.Extract(ctx, fullText); err != nil {
			// Metadata is best-effort; the document text still counts.
			w.log.Warn("metadata extraction failed", zap.String("task_id", taskID), zap.Error(err))
		} else if m != nil {
			metadata = m
		}
	}

	if w.pipeline.Category != nil {
		if err := rep.UpdateProgress(ctx, 85, "Categorizing document"); err != nil {
			return err
		}
		if category, err := w.pipeline.Category.Categorize(ctx, fullText, metadata); err != nil {
			w.log.Warn("document categorization failed", zap.String("task_id", taskID), zap.Error(err))
		} else if category != "" {
			metadata["category"] = category
		}
	}

	if err := rep.UpdateProgress(ctx, 95, "Storing results"); err != nil {
		return err
	}
	w.sendProgressWebhook(ctx, t, 95, "storing")

	processingTime := time.Since(start)
	result := &domain.Result{
		TaskID:         taskID,
		Text:           fullText,
		Confidence:     avgConfidence,
		Language:       t.Language,
		PageCount:      len(pages),
		ProcessingTime: processingTime.Seconds(),
		Pages:          pageResults,
		Metadata:       metadata,
	}

	// The terminal outcome is persisted before any webhook is attempted.
	if err := rep.Complete(ctx, result); err != nil {
		return err
	}
	w.q.RecordCompletion(ctx, taskID, true, processingTime)
	w.trail.Record(ctx, taskID, string(domain.Completed), "", t.RetryCount, processingTime)

	w.log.Info("task completed",
		zap.String("task_id", taskID), zap.Duration("processing_time", processingTime))

	w.sendCompletionWebhook(ctx, t, result)
	return nil
}

// handleFailure persists the failure webhook and decides retry versus
// terminal failure. Permanent errors skip the retry budget entirely.
func (w *Worker) handleFailure(ctx context.Context, taskID string, taskErr error) {
	t, err := w.q.GetTask(ctx, taskID)
	if err != nil || t == nil {
		w.log.Error("cannot load task for failure handling", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	w.sendFailureWebhook(ctx, t, taskErr.Error())

	rep := status.NewReporter(taskID, w.q, w.log)
	rep.SetNotifier(w.notifier(t))

	if isPermanent(taskErr) {
		if err := rep.Fail(ctx,
			"Processing failed permanently: "+taskErr.Error(), false); err != nil {
			w.log.Error("failed to mark task failed", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		if _, err := w.q.MoveToDeadLetter(ctx, taskID, taskErr.Error()); err != nil {
			w.log.Error("failed to dead-letter task", zap.String("task_id", taskID), zap.Error(err))
		}
		w.q.RecordCompletion(ctx, taskID, false, 0)
		w.trail.Record(ctx, taskID, string(domain.Failed), taskErr.Error(), t.RetryCount, 0)
		return
	}

	requeued, err := w.engine.Retry(ctx, taskID)
	if err != nil {
		w.log.Error("retry decision failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if requeued {
		w.log.Info("task requeued for retry", zap.String("task_id", taskID))
		return
	}

	if err := rep.Fail(ctx,
		fmt.Sprintf("Failed after %d retries: %s", w.engine.MaxRetries(), taskErr.Error()), false); err != nil {
		w.log.Error("failed to mark task failed", zap.String("task_id", taskID), zap.Error(err))
	}
	w.q.RecordCompletion(ctx, taskID, false, 0)
	w.trail.Record(ctx, taskID, string(domain.Failed), taskErr.Error(), t.RetryCount, 0)
}

// notifier bridges reporter transitions to progress history and the backend
// webhook. Terminal transitions skip the webhook here because the worker
// sends those explicitly with the result or error payload attached.
func (w *Worker) notifier(t *domain.Task) status.Notifier {
	return func(ctx context.Context, st domain.Status, progress int, message string) error {
		if err := w.q.RecordProgress(ctx, t.ID, progress, message, st); err != nil {
			w.log.Warn("failed to record progress history", zap.String("task_id", t.ID), zap.Error(err))
		}
		if w.wh == nil || t.DocumentID == "" || st != domain.Processing {
			return nil
		}
		p := progress
		_, err := w.wh.Send(ctx, webhook.Notification{
			TaskID:           t.ID,
			DocumentID:       t.DocumentID,
			Status:           st,
			Progress:         &p,
			CurrentOperation: message,
		})
		return err
	}
}

// sendProgressWebhook records the milestone in history and notifies the
// backend. Webhook failures never affect the task outcome.
func (w *Worker) sendProgressWebhook(ctx context.Context, t *domain.Task, progress int, operation string) {
	if err := w.q.RecordProgress(ctx, t.ID, progress, operation, domain.Processing); err != nil {
		w.log.Warn("failed to record progress history", zap.String("task_id", t.ID), zap.Error(err))
	}
	if w.wh == nil || t.DocumentID == "" {
		return
	}
	p := progress
	_, err := w.wh.Send(ctx, webhook.Notification{
		TaskID:           t.ID,
		DocumentID:       t.DocumentID,
		Status:           domain.Processing,
		Progress:         &p,
		CurrentOperation: operation,
	})
	if err != nil {
		w.log.Warn("progress webhook failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (w *Worker) sendCompletionWebhook(ctx context.Context, t *domain.Task, result *domain.Result) {
	if w.wh == nil || t.DocumentID == "" {
		return
	}
	// Per-page detail stays out of the webhook body.
	_, err := w.wh.Send(ctx, webhook.Notification{
		TaskID:     t.ID,
		DocumentID: t.DocumentID,
		Status:     domain.Completed,
		Result: &domain.Result{
			Text:           result.Text,
			Confidence:     result.Confidence,
			Language:       result.Language,
			PageCount:      result.PageCount,
			ProcessingTime: result.ProcessingTime,
			Metadata:       result.Metadata,
		},
	})
	if err != nil {
		w.log.Error("completion webhook failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (w *Worker) sendFailureWebhook(ctx context.Context, t *domain.Task, errMsg string) {
	if w.wh == nil || t.DocumentID == "" {
		return
	}
	_, err := w.wh.Send(ctx, webhook.Notification{
		TaskID:     t.ID,
		DocumentID: t.DocumentID,
		Status:     domain.Failed,
		Error:      errMsg,
	})
	if err != nil {
		w.log.Error("failure webhook failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
