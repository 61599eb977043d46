package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/domain"
	"github.com/you/ocrflow/internal/queue"
)

// DefaultAlertThreshold is the stuck-task count above which the detector
// raises an operational warning.
const DefaultAlertThreshold = 10

// Detector finds tasks stuck in processing beyond a timeout. It only reads
// and reports; remediation is an explicit caller action via Engine.Retry.
type Detector struct {
	q   *queue.Queue
	log *zap.Logger
}

func NewDetector(q *queue.Queue, log *zap.Logger) *Detector {
	return &Detector{q: q, log: log}
}

// FindStuck scans all tasks and returns the IDs of those in processing
// whose started-at timestamp is older than timeout. Tasks without a
// started-at timestamp are silently skipped. A negative alertThreshold
// disables alerting.
func (d *Detector) FindStuck(ctx context.Context, timeout time.Duration, alertThreshold int) ([]string, error) {
	cutoff := time.Now().UTC().Add(-timeout)

	var stuck []string
	err := d.q.ScanProcessing(ctx, func(t *domain.Task) {
		if t.StartedAt == nil {
			// Predates started-at tracking; never flagged.
			return
		}
		if t.StartedAt.Before(cutoff) {
			stuck = append(stuck, t.ID)
			d.log.Warn("found stuck task",
				zap.String("task_id", t.ID),
				zap.Time("started_at", *t.StartedAt),
				zap.Duration("timeout", timeout))
		}
	})
	if err != nil {
		return nil, err
	}

	d.log.Info("stuck task sweep finished",
		zap.Int("stuck", len(stuck)), zap.Duration("timeout", timeout))

	if alertThreshold >= 0 && len(stuck) > alertThreshold {
		d.log.Warn("ALERT: high stuck task count detected",
			zap.Int("stuck", len(stuck)),
			zap.Int("threshold", alertThreshold),
			zap.String("hint", "investigate worker health, store connectivity, or task complexity"))
	}
	return stuck, nil
}
