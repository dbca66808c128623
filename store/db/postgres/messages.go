package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/store"
)

// InsertUserMessage appends one inbound message row.
func (d *DB) InsertUserMessage(ctx context.Context, m *model.UserMessage) (int64, error) {
	var id int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO messages (chat_id, user_id, text, tg_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		m.ChatID, m.UserID, m.Text, m.PlatformMsgID, m.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// InsertAssistantMessage appends one outbound message row, serializing the
// AssistantMeta blob alongside it.
func (d *DB) InsertAssistantMessage(ctx context.Context, m *model.AssistantMessage) (int64, error) {
	metaJSON, err := json.Marshal(m.Meta)
	if err != nil {
		return 0, fmt.Errorf("encode assistant meta: %w", err)
	}

	var id int64
	err = d.db.QueryRowContext(ctx, `
		INSERT INTO assistant_messages (chat_id, text, meta_json, tg_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		m.ChatID, m.Text, metaJSON, m.PlatformMsgID, m.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert assistant message: %w", err)
	}
	return id, nil
}

// FetchRecentHistory implements the merge-and-trim algorithm of §4.3:
// pull up to limit_pairs*4 user rows and limit_pairs*8 assistant rows
// (optionally persona-filtered), merge by created_at, drop consecutive
// duplicate (role, text) pairs, keep the most recent 2*limit_pairs, and
// finally trim to soft_char_limit by keeping a head slice of at most
// soft_head characters from the front and a tail slice of at most
// soft_tail characters from the back.
func (d *DB) FetchRecentHistory(ctx context.Context, chatID int64, opts store.HistoryOptions) ([]store.HistoryItem, error) {
	userRows, err := d.db.QueryContext(ctx, `
		SELECT text, created_at FROM messages
		WHERE chat_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, chatID, opts.LimitPairs*4)
	if err != nil {
		return nil, fmt.Errorf("fetch user history: %w", err)
	}
	var merged []store.HistoryItem
	for userRows.Next() {
		var it store.HistoryItem
		if err := userRows.Scan(&it.Text, &it.CreatedAt); err != nil {
			userRows.Close()
			return nil, fmt.Errorf("scan user history row: %w", err)
		}
		it.Role = "user"
		merged = append(merged, it)
	}
	if err := userRows.Err(); err != nil {
		userRows.Close()
		return nil, err
	}
	userRows.Close()

	assistantQuery := `SELECT text, created_at, meta_json FROM assistant_messages WHERE chat_id = $1`
	args := []any{chatID}
	if opts.Persona != "" {
		assistantQuery += ` AND meta_json->>'persona' = $2`
		args = append(args, opts.Persona)
	}
	assistantQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, opts.LimitPairs*8)

	assistantRows, err := d.db.QueryContext(ctx, assistantQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch assistant history: %w", err)
	}
	for assistantRows.Next() {
		var it store.HistoryItem
		var metaJSON []byte
		if err := assistantRows.Scan(&it.Text, &it.CreatedAt, &metaJSON); err != nil {
			assistantRows.Close()
			return nil, fmt.Errorf("scan assistant history row: %w", err)
		}
		it.Role = "assistant"
		merged = append(merged, it)
	}
	if err := assistantRows.Err(); err != nil {
		assistantRows.Close()
		return nil, err
	}
	assistantRows.Close()

	sort.Slice(merged, func(i, j int) bool { return merged[i].CreatedAt.Before(merged[j].CreatedAt) })

	deduped := merged[:0:0]
	for _, it := range merged {
		if n := len(deduped); n > 0 && deduped[n-1].Role == it.Role && deduped[n-1].Text == it.Text {
			continue
		}
		deduped = append(deduped, it)
	}

	limit := 2 * opts.LimitPairs
	if len(deduped) > limit {
		deduped = deduped[len(deduped)-limit:]
	}

	if opts.SoftCharLimit <= 0 {
		return deduped, nil
	}
	total := 0
	for _, it := range deduped {
		total += len(it.Text)
	}
	if total <= opts.SoftCharLimit {
		return deduped, nil
	}

	headEnd := 0
	headChars := 0
	for headEnd < len(deduped) && headChars+len(deduped[headEnd].Text) <= opts.SoftHead {
		headChars += len(deduped[headEnd].Text)
		headEnd++
	}
	tailStart := len(deduped)
	tailChars := 0
	for tailStart > 0 && tailChars+len(deduped[tailStart-1].Text) <= opts.SoftTail {
		tailChars += len(deduped[tailStart-1].Text)
		tailStart--
	}
	if tailStart <= headEnd {
		// head and tail slices overlap: keep the set unchanged.
		return deduped, nil
	}
	trimmed := make([]store.HistoryItem, 0, headEnd+(len(deduped)-tailStart))
	trimmed = append(trimmed, deduped[:headEnd]...)
	trimmed = append(trimmed, deduped[tailStart:]...)
	return trimmed, nil
}

// CountAssistantMessagesSince is used by the proactive scheduler's morning
// anti-spam guard.
func (d *DB) CountAssistantMessagesSince(ctx context.Context, chatID int64, since time.Time) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT count(*) FROM assistant_messages WHERE chat_id = $1 AND created_at >= $2`,
		chatID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count assistant messages: %w", err)
	}
	return n, nil
}

// MaxUserPlatformMsgID supports adapter-startup recovery (replay gap
// detection against the platform's own message id sequence).
func (d *DB) MaxUserPlatformMsgID(ctx context.Context, chatID int64) (int64, error) {
	var id sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT max(tg_message_id) FROM messages WHERE chat_id = $1`, chatID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("max user platform msg id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// MaxAssistantPlatformMsgID mirrors MaxUserPlatformMsgID for outbound rows.
func (d *DB) MaxAssistantPlatformMsgID(ctx context.Context, chatID int64) (int64, error) {
	var id sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT max(tg_message_id) FROM assistant_messages WHERE chat_id = $1`, chatID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("max assistant platform msg id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}
