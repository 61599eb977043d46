package domain

import "time"

type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

type Priority string

const (
	High   Priority = "high"
	Normal Priority = "normal"
	Low    Priority = "low"
)

// ParsePriority maps unknown values to Normal, matching queue routing.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case High, Low:
		return Priority(s)
	default:
		return Normal
	}
}

// Task is the persisted record of one unit of OCR work.
type Task struct {
	ID         string
	Status     Status
	Progress   int
	Message    string
	Priority   Priority
	Language   string
	FilePath   string
	Filename   string
	DocumentID string

	RetryCount int

	InDeadLetter     bool
	DeadLetterReason string
	MovedToDLQAt     *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Result holds the pipeline output for a completed task. Pages and
// Metadata are opaque to the orchestrator and carried through unexamined.
type Result struct {
	TaskID         string           `json:"task_id,omitempty"`
	Text           string           `json:"text"`
	Confidence     float64          `json:"confidence"`
	Language       string           `json:"language"`
	PageCount      int              `json:"page_count"`
	ProcessingTime float64          `json:"processing_time"`
	Pages          []map[string]any `json:"pages,omitempty"`
	Metadata       map[string]any   `json:"metadata"`
}

// ProgressEntry is one diagnostic progress-history record, newest first.
type ProgressEntry struct {
	Timestamp string `json:"timestamp"`
	Progress  int    `json:"progress"`
	Operation string `json:"operation"`
	Status    string `json:"status"`
}

type BatchStatus struct {
	BatchID            string  `json:"batch_id"`
	Total              int     `json:"total"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	Processing         int     `json:"processing"`
	Queued             int     `json:"queued"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

type QueueStats struct {
	High   int64 `json:"high_priority"`
	Normal int64 `json:"normal_queue"`
	Low    int64 `json:"low_priority"`
	Total  int64 `json:"total"`
}

// AggregateMetrics summarizes the global task counters.
type AggregateMetrics struct {
	TotalTasks        int64            `json:"total_tasks"`
	CompletedTasks    int64            `json:"completed_tasks"`
	FailedTasks       int64            `json:"failed_tasks"`
	SuccessRate       float64          `json:"success_rate"`
	RetryRate         float64          `json:"retry_rate"`
	TasksRetried      int64            `json:"tasks_retried"`
	AverageDuration   float64          `json:"average_duration_seconds"`
	DeadLetterCount   int64            `json:"dead_letter_queue_count"`
	RetryDistribution map[string]int64 `json:"retry_distribution"`
}
