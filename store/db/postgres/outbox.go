package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hrygo/nikabridge/internal/model"
)

// AppendOutbox records a proactive message awaiting delivery via a
// send-capable adapter (used when the chat's proactive sender is the
// userbot rather than the webhook bot).
func (d *DB) AppendOutbox(ctx context.Context, e *model.ProactiveOutboxEntry) error {
	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode outbox meta: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO proactive_outbox (chat_id, intent, text, meta_json, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ChatID, e.Intent, e.Text, metaJSON, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

// ListPendingOutbox returns the oldest unsent rows first, FIFO, capped at
// limit per poll (spec.md §4.9: batches of at most 20).
func (d *DB) ListPendingOutbox(ctx context.Context, limit int) ([]*model.ProactiveOutboxEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, chat_id, intent, text, meta_json, created_at, sent_at, attempts
		FROM proactive_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox: %w", err)
	}
	defer rows.Close()

	var out []*model.ProactiveOutboxEntry
	for rows.Next() {
		var e model.ProactiveOutboxEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.ChatID, &e.Intent, &e.Text, &metaJSON, &e.CreatedAt, &e.SentAt, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode outbox meta: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkOutboxSent stamps sent_at once delivery succeeds.
func (d *DB) MarkOutboxSent(ctx context.Context, id int64, sentAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE proactive_outbox SET sent_at = $2 WHERE id = $1`, id, sentAt)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

// IncrementOutboxAttempts records one failed delivery attempt.
func (d *DB) IncrementOutboxAttempts(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE proactive_outbox SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment outbox attempts: %w", err)
	}
	return nil
}
