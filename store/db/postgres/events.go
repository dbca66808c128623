package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hrygo/nikabridge/internal/model"
)

// InsertEvent appends one audit row. Payload is stored as JSONB; a nil map
// is written as an empty object.
func (d *DB) InsertEvent(ctx context.Context, e *model.Event) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO events (kind, chat_id, user_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(e.Kind), e.ChatID, e.UserID, payloadJSON, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// CountEventsSince backs the abuse-window counter: events of a given kind
// for a chat within the last ABUSE_WINDOW_MINUTES.
func (d *DB) CountEventsSince(ctx context.Context, chatID int64, kind model.EventKind, since time.Time) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT count(*) FROM events
		WHERE chat_id = $1 AND kind = $2 AND created_at >= $3`,
		chatID, string(kind), since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// LatestEventKind backs /status's sleep reason: the kind of the most recent
// event among kinds for the chat (e.g. abuse_auto_block vs abuse_detected).
func (d *DB) LatestEventKind(ctx context.Context, chatID int64, kinds []model.EventKind) (model.EventKind, bool, error) {
	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}
	var kind string
	err := d.db.QueryRowContext(ctx, `
		SELECT kind FROM events
		WHERE chat_id = $1 AND kind = ANY($2)
		ORDER BY id DESC LIMIT 1`,
		chatID, pq.Array(kindStrs),
	).Scan(&kind)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("latest event kind: %w", err)
	}
	return model.EventKind(kind), true, nil
}
