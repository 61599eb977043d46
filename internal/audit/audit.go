// Package audit keeps an append-only Postgres record of terminal task
// transitions for operators. The Redis store stays authoritative; a nil
// *Trail disables auditing entirely.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_audit (
    id          BIGSERIAL PRIMARY KEY,
    task_id     TEXT        NOT NULL,
    status      TEXT        NOT NULL,
    error_msg   TEXT        NULL,
    retry_count INT         NOT NULL DEFAULT 0,
    duration_s  DOUBLE PRECISION NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS task_audit_task_id_idx ON task_audit (task_id);
`

type Trail struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

// Open connects and ensures the audit table exists.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Trail, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "audit connect")
	}
	if _, err := db.Exec(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "audit schema")
	}
	return &Trail{db: db, log: log}, nil
}

func (t *Trail) Close() {
	if t != nil && t.db != nil {
		t.db.Close()
	}
}

// Record appends one terminal transition. Failures are logged, never
// returned: the audit trail must not affect task outcomes.
func (t *Trail) Record(ctx context.Context, taskID, status, errMsg string, retryCount int, duration time.Duration) {
	if t == nil || t.db == nil {
		return
	}
	var durationSec *float64
	if duration > 0 {
		s := duration.Seconds()
		durationSec = &s
	}
	var errText *string
	if errMsg != "" {
		errText = &errMsg
	}
	_, err := t.db.Exec(ctx, `insert into task_audit(
task_id, status, error_msg, retry_count, duration_s, recorded_at
) values ($1,$2,$3,$4,$5,$6)`,
		taskID, status, errText, retryCount, durationSec, time.Now().UTC())
	if err != nil {
		t.log.Error("failed to record audit entry", zap.String("task_id", taskID), zap.Error(err))
	}
}
