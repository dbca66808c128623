// Package postgres is the Postgres implementation of store.Driver, built on
// database/sql + lib/pq following the teacher's own store/db/postgres
// conventions (positional placeholders, dynamic field/arg slices,
// RETURNING clauses).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"

	"github.com/hrygo/nikabridge/store"
)

// DB wraps a *sql.DB and implements store.Driver.
type DB struct {
	db *sql.DB
}

var _ store.Driver = (*DB)(nil)

// New opens a Postgres connection pool for the given DSN.
func New(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{db: sqlDB}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// placeholder renders the nth ($1-based) positional placeholder.
func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// placeholders renders n comma-joined placeholders starting at $1.
func placeholders(n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

// Migrate creates the schema if it does not already exist. Versioned
// migration tooling is explicitly out of scope (spec.md §1); this is a
// single idempotent DDL pass, safe to run on every startup.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	slog.Info("store: schema migrated")
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS chats (
	id          BIGINT PRIMARY KEY,
	type        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
	id          BIGINT PRIMARY KEY,
	username    TEXT NOT NULL DEFAULT '',
	lang        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chat_state (
	chat_id                            BIGINT PRIMARY KEY REFERENCES chats(id),
	persona_key                        TEXT NOT NULL DEFAULT 'nika',
	last_user_msg_at                   TIMESTAMPTZ,
	last_assistant_at                  TIMESTAMPTZ,
	last_morning_sent_at               TIMESTAMPTZ,
	last_goodnight_sent_at             TIMESTAMPTZ,
	last_goodnight_followup_sent_at    TIMESTAMPTZ,
	last_reengage_sent_at              TIMESTAMPTZ,
	next_proactive_at                  TIMESTAMPTZ,
	last_long_pause_reply_at           TIMESTAMPTZ,
	last_proactive_sent_at             TIMESTAMPTZ,
	auto_enabled                       BOOLEAN NOT NULL DEFAULT true,
	proactive_via_userbot              BOOLEAN NOT NULL DEFAULT false,
	sleep_until                        TIMESTAMPTZ,
	timezone_offset_minutes            INT,
	memory_rev                         INT NOT NULL DEFAULT 1,
	pending_input_json                 JSONB,
	pending_started_at                 TIMESTAMPTZ,
	pending_updated_at                 TIMESTAMPTZ,
	proactive_user_msg_count_since_last INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_chat_state_next_proactive_at ON chat_state(next_proactive_at);

CREATE TABLE IF NOT EXISTS messages (
	id              BIGSERIAL PRIMARY KEY,
	chat_id         BIGINT NOT NULL REFERENCES chats(id),
	user_id         BIGINT,
	text            TEXT NOT NULL,
	tg_message_id   BIGINT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);
CREATE INDEX IF NOT EXISTS idx_messages_tg_message_id ON messages(tg_message_id);

CREATE TABLE IF NOT EXISTS assistant_messages (
	id              BIGSERIAL PRIMARY KEY,
	chat_id         BIGINT NOT NULL REFERENCES chats(id),
	text            TEXT NOT NULL,
	meta_json       JSONB NOT NULL DEFAULT '{}',
	tg_message_id   BIGINT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_assistant_messages_chat_id ON assistant_messages(chat_id);
CREATE INDEX IF NOT EXISTS idx_assistant_messages_tg_message_id ON assistant_messages(tg_message_id);

CREATE TABLE IF NOT EXISTS events (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	chat_id     BIGINT,
	user_id     BIGINT,
	payload     JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_chat_id_kind_created_at ON events(chat_id, kind, created_at);

CREATE TABLE IF NOT EXISTS tasks (
	id              BIGSERIAL PRIMARY KEY,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending'
	                  CHECK (status IN ('pending','processing','done','failed','cancelled')),
	priority        INT NOT NULL DEFAULT 100,
	payload         JSONB NOT NULL DEFAULT '{}',
	attempts        INT NOT NULL DEFAULT 0,
	dedup_key       TEXT UNIQUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	lease_expires_at TIMESTAMPTZ,
	heartbeat_at    TIMESTAMPTZ,
	last_error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_priority_created_at ON tasks(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_lease_expires_at ON tasks(lease_expires_at);

CREATE TABLE IF NOT EXISTS proactive_outbox (
	id          BIGSERIAL PRIMARY KEY,
	chat_id     BIGINT NOT NULL REFERENCES chats(id),
	intent      TEXT NOT NULL,
	text        TEXT NOT NULL,
	meta_json   JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at     TIMESTAMPTZ,
	attempts    INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_proactive_outbox_chat_id ON proactive_outbox(chat_id);
`
