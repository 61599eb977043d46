package queue

import "github.com/you/ocrflow/internal/domain"

// Redis key layout. Task records are hashes, the three priority tiers and
// the dead-letter queue are lists of task IDs, results are plain strings
// with a TTL, and progress history is a capped list per task.
const (
	taskPrefix   = "task:"
	resultPrefix = "result:"
	batchPrefix  = "batch:"

	queueHigh   = "queue:high"
	queueNormal = "queue:normal"
	queueLow    = "queue:low"

	deadLetterQueue = "queue:dead_letter"

	historySuffix = ":progress_history"

	metricsTotal         = "metrics:tasks:total"
	metricsCompleted     = "metrics:tasks:completed"
	metricsFailed        = "metrics:tasks:failed"
	metricsTotalDuration = "metrics:tasks:total_duration"
	metricsRetryPrefix   = "metrics:tasks:retry_"
)

func taskKey(id string) string    { return taskPrefix + id }
func resultKey(id string) string  { return resultPrefix + id }
func batchKey(id string) string   { return batchPrefix + id }
func historyKey(id string) string { return taskPrefix + id + historySuffix }

func queueName(p domain.Priority) string {
	switch p {
	case domain.High:
		return queueHigh
	case domain.Low:
		return queueLow
	default:
		return queueNormal
	}
}
