package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/store"
)

// EnsureEntities upserts Chat, User and ChatState in one transaction and
// refreshes username/lang on the User row, matching §4.2's ensure_entities.
func (d *DB) EnsureEntities(ctx context.Context, in store.EnsureEntitiesInput) (*model.ChatState, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, type) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		in.ChatID, string(in.ChatType)); err != nil {
		return nil, fmt.Errorf("upsert chat: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, username, lang) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, lang = EXCLUDED.lang, updated_at = now()`,
		in.UserID, in.Username, in.Lang); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_state (chat_id, persona_key, auto_enabled, timezone_offset_minutes, memory_rev)
		 VALUES ($1, $2, $3, $4, 1)
		 ON CONFLICT (chat_id) DO NOTHING`,
		in.ChatID, in.DefaultPersona, in.DefaultAuto, in.DefaultTimezoneOffsetMinutes); err != nil {
		return nil, fmt.Errorf("upsert chat_state: %w", err)
	}

	state, err := scanChatStateTx(ctx, tx, in.ChatID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return state, nil
}

const chatStateColumns = `chat_id, persona_key, last_user_msg_at, last_assistant_at,
	last_morning_sent_at, last_goodnight_sent_at, last_goodnight_followup_sent_at,
	last_reengage_sent_at, next_proactive_at, last_long_pause_reply_at, last_proactive_sent_at,
	auto_enabled, proactive_via_userbot, sleep_until, timezone_offset_minutes, memory_rev,
	pending_input_json, pending_started_at, pending_updated_at, proactive_user_msg_count_since_last`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChatStateRow(row rowScanner) (*model.ChatState, error) {
	var s model.ChatState
	var pendingJSON []byte
	if err := row.Scan(
		&s.ChatID, &s.Persona, &s.LastUserMsgAt, &s.LastAssistantAt,
		&s.LastMorningSentAt, &s.LastGoodnightSentAt, &s.LastGoodnightFollowupSentAt,
		&s.LastReengageSentAt, &s.NextProactiveAt, &s.LastLongPauseReplyAt, &s.LastProactiveSentAt,
		&s.AutoEnabled, &s.ProactiveViaUserbot, &s.SleepUntil, &s.TimezoneOffsetMinutes, &s.MemoryRev,
		&pendingJSON, &s.PendingStartedAt, &s.PendingUpdatedAt, &s.ProactiveUserMsgCountSinceLast,
	); err != nil {
		return nil, err
	}
	if len(pendingJSON) > 0 {
		var p model.PendingInput
		if err := json.Unmarshal(pendingJSON, &p); err != nil {
			return nil, fmt.Errorf("decode pending_input_json: %w", err)
		}
		s.PendingInput = &p
	}
	return &s, nil
}

func scanChatStateTx(ctx context.Context, tx *sql.Tx, chatID int64) (*model.ChatState, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+chatStateColumns+` FROM chat_state WHERE chat_id = $1`, chatID)
	return scanChatStateRow(row)
}

// GetChatState loads one ChatState by chat id.
func (d *DB) GetChatState(ctx context.Context, chatID int64) (*model.ChatState, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+chatStateColumns+` FROM chat_state WHERE chat_id = $1`, chatID)
	s, err := scanChatStateRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat_state: %w", err)
	}
	return s, nil
}

// UpdateChatState writes back the full ChatState row. Callers are expected
// to load-mutate-save within the serialization guarantees described in
// spec.md §5 (per-chat queue serialization for turns, advisory lock for the
// scheduler).
func (d *DB) UpdateChatState(ctx context.Context, s *model.ChatState) error {
	var pendingJSON []byte
	if s.PendingInput != nil {
		b, err := json.Marshal(s.PendingInput)
		if err != nil {
			return fmt.Errorf("encode pending_input_json: %w", err)
		}
		pendingJSON = b
	}

	_, err := d.db.ExecContext(ctx, `
		UPDATE chat_state SET
			persona_key = $2,
			last_user_msg_at = $3,
			last_assistant_at = $4,
			last_morning_sent_at = $5,
			last_goodnight_sent_at = $6,
			last_goodnight_followup_sent_at = $7,
			last_reengage_sent_at = $8,
			next_proactive_at = $9,
			last_long_pause_reply_at = $10,
			last_proactive_sent_at = $11,
			auto_enabled = $12,
			proactive_via_userbot = $13,
			sleep_until = $14,
			timezone_offset_minutes = $15,
			memory_rev = $16,
			pending_input_json = $17,
			pending_started_at = $18,
			pending_updated_at = $19,
			proactive_user_msg_count_since_last = $20
		WHERE chat_id = $1`,
		s.ChatID, s.Persona, s.LastUserMsgAt, s.LastAssistantAt,
		s.LastMorningSentAt, s.LastGoodnightSentAt, s.LastGoodnightFollowupSentAt,
		s.LastReengageSentAt, s.NextProactiveAt, s.LastLongPauseReplyAt, s.LastProactiveSentAt,
		s.AutoEnabled, s.ProactiveViaUserbot, s.SleepUntil, s.TimezoneOffsetMinutes, s.MemoryRev,
		pendingJSON, s.PendingStartedAt, s.PendingUpdatedAt, s.ProactiveUserMsgCountSinceLast,
	)
	if err != nil {
		return fmt.Errorf("update chat_state: %w", err)
	}
	return nil
}

// TryAdvisoryLock runs fn inside a transaction holding
// pg_try_advisory_xact_lock(chatID). If the lock is not immediately
// available, fn is skipped and locked=false is returned (spec.md §4.8 step
// 6: "if unavailable, skip").
func (d *DB) TryAdvisoryLock(ctx context.Context, chatID int64, fn func(ctx context.Context) error) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var acquired bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, chatID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	if err := fn(ctx); err != nil {
		return true, err
	}

	if err := tx.Commit(); err != nil {
		return true, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// ListAutoEnabledChatStates returns every ChatState with auto_enabled=true,
// the scheduler's sweep source (spec.md §4.8).
func (d *DB) ListAutoEnabledChatStates(ctx context.Context) ([]*model.ChatState, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+chatStateColumns+` FROM chat_state WHERE auto_enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("list auto-enabled chat_state: %w", err)
	}
	defer rows.Close()

	var out []*model.ChatState
	for rows.Next() {
		s, err := scanChatStateRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat_state: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
