package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hrygo/nikabridge/internal/model"
)

// EnqueueTask inserts a new pending task. When dedupKey collides with an
// existing row, the insert is a no-op and inserted=false is returned (the
// queue's own idempotency guard, spec.md §4.7).
func (d *DB) EnqueueTask(ctx context.Context, kind model.TaskKind, payload []byte, priority int, dedupKey *string) (int64, bool, error) {
	var id int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO tasks (kind, status, priority, payload, dedup_key)
		VALUES ($1, 'pending', $2, $3, $4)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING id`,
		string(kind), priority, payload, dedupKey,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("enqueue task: %w", err)
	}
	return id, true, nil
}

const taskColumns = `id, kind, status, priority, payload, attempts, dedup_key,
	created_at, started_at, finished_at, lease_expires_at, heartbeat_at, last_error`

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var kind, status string
	if err := row.Scan(
		&t.ID, &kind, &status, &t.Priority, &t.Payload, &t.Attempts, &t.DedupKey,
		&t.CreatedAt, &t.StartedAt, &t.FinishedAt, &t.LeaseExpiresAt, &t.HeartbeatAt, &t.LastError,
	); err != nil {
		return nil, err
	}
	t.Kind = model.TaskKind(kind)
	t.Status = model.TaskStatus(status)
	return &t, nil
}

// LeaseTasks claims up to limit pending tasks (lowest priority value and
// oldest created_at first) using SELECT ... FOR UPDATE SKIP LOCKED so that
// concurrent workers never double-lease a row.
func (d *DB) LeaseTasks(ctx context.Context, limit int, leaseSeconds int) ([]*model.Task, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("select leaseable tasks: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan leaseable task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	leaseExpiry := time.Now().UTC().Add(time.Duration(leaseSeconds) * time.Second)
	var leased []*model.Task
	for _, id := range ids {
		row := tx.QueryRowContext(ctx, `
			UPDATE tasks SET
				status = 'processing',
				attempts = attempts + 1,
				started_at = COALESCE(started_at, now()),
				lease_expires_at = $2,
				heartbeat_at = now()
			WHERE id = $1
			RETURNING `+taskColumns,
			id, leaseExpiry)
		t, err := scanTask(row)
		if err != nil {
			return nil, fmt.Errorf("lease task %d: %w", id, err)
		}
		leased = append(leased, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return leased, nil
}

// HeartbeatTask extends a processing task's lease; long-running handlers
// call this periodically so the watchdog does not reclaim work in flight.
func (d *DB) HeartbeatTask(ctx context.Context, id int64, leaseSeconds int) error {
	leaseExpiry := time.Now().UTC().Add(time.Duration(leaseSeconds) * time.Second)
	_, err := d.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = $2, heartbeat_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, leaseExpiry)
	if err != nil {
		return fmt.Errorf("heartbeat task %d: %w", id, err)
	}
	return nil
}

// CompleteTask moves a leased task to a terminal status.
func (d *DB) CompleteTask(ctx context.Context, id int64, status model.TaskStatus, lastErr *string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, finished_at = now(), last_error = $3
		WHERE id = $1`,
		id, string(status), lastErr)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	return nil
}

// ReturnTasksToPending resets leased tasks back to pending without bumping
// attempts, used when a worker shuts down mid-batch.
func (d *DB) ReturnTasksToPending(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := d.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', lease_expires_at = NULL, heartbeat_at = NULL
		WHERE id = ANY($1) AND status = 'processing'`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("return tasks to pending: %w", err)
	}
	return nil
}

// WatchdogSweep reclaims tasks whose lease has expired: tasks under
// maxAttempts go back to pending for another lease cycle, tasks at or past
// maxAttempts are marked failed (spec.md §4.7's MAX_ATTEMPTS=5 rule).
func (d *DB) WatchdogSweep(ctx context.Context, maxAttempts int) (int, int, error) {
	var returned int
	row := d.db.QueryRowContext(ctx, `
		WITH reclaimed AS (
			UPDATE tasks SET status = 'pending', lease_expires_at = NULL, heartbeat_at = NULL
			WHERE status = 'processing' AND lease_expires_at < now() AND attempts < $1
			RETURNING id
		)
		SELECT count(*) FROM reclaimed`, maxAttempts)
	if err := row.Scan(&returned); err != nil {
		return 0, 0, fmt.Errorf("watchdog reclaim: %w", err)
	}

	var failed int
	row = d.db.QueryRowContext(ctx, `
		WITH expired AS (
			UPDATE tasks SET status = 'failed', finished_at = now(), last_error = 'max attempts exceeded'
			WHERE status = 'processing' AND lease_expires_at < now() AND attempts >= $1
			RETURNING id
		)
		SELECT count(*) FROM expired`, maxAttempts)
	if err := row.Scan(&failed); err != nil {
		return returned, 0, fmt.Errorf("watchdog fail: %w", err)
	}

	return returned, failed, nil
}
