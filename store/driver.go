package store

import (
	"context"
	"time"

	"github.com/hrygo/nikabridge/internal/model"
)

// EnsureEntitiesInput is the argument to Driver.EnsureEntities.
type EnsureEntitiesInput struct {
	ChatID   int64
	ChatType model.ChatType
	UserID   int64
	Username string
	Lang     string

	DefaultAuto                 bool
	DefaultPersona               string
	DefaultTimezoneOffsetMinutes int
}

// HistoryOptions parametrizes Driver.FetchRecentHistory per spec.md §4.3.
type HistoryOptions struct {
	LimitPairs    int
	Persona       string
	SoftCharLimit int
	SoftHead      int
	SoftTail      int
}

// HistoryItem is one row of the merged user/assistant history.
type HistoryItem struct {
	Role      string // "user" | "assistant"
	Text      string
	CreatedAt time.Time
}

// Driver is implemented by a concrete database backend (Postgres). Store is
// a thin facade over it; all SQL lives behind this interface.
type Driver interface {
	Close() error
	Migrate(ctx context.Context) error

	EnsureEntities(ctx context.Context, in EnsureEntitiesInput) (*model.ChatState, error)
	GetChatState(ctx context.Context, chatID int64) (*model.ChatState, error)
	UpdateChatState(ctx context.Context, state *model.ChatState) error

	// TryAdvisoryLock runs fn inside a transaction holding
	// pg_try_advisory_xact_lock(chatID); fn only runs if the lock was
	// acquired. The lock is released automatically at transaction end.
	TryAdvisoryLock(ctx context.Context, chatID int64, fn func(ctx context.Context) error) (locked bool, err error)

	InsertUserMessage(ctx context.Context, m *model.UserMessage) (int64, error)
	InsertAssistantMessage(ctx context.Context, m *model.AssistantMessage) (int64, error)
	FetchRecentHistory(ctx context.Context, chatID int64, opts HistoryOptions) ([]HistoryItem, error)
	CountAssistantMessagesSince(ctx context.Context, chatID int64, since time.Time) (int, error)
	MaxUserPlatformMsgID(ctx context.Context, chatID int64) (int64, error)
	MaxAssistantPlatformMsgID(ctx context.Context, chatID int64) (int64, error)

	InsertEvent(ctx context.Context, e *model.Event) error
	CountEventsSince(ctx context.Context, chatID int64, kind model.EventKind, since time.Time) (int, error)
	// LatestEventKind returns the kind of the most recent event for chatID
	// whose kind is in kinds, used by /status to report why a chat is
	// sleeping. ok is false when no matching event exists.
	LatestEventKind(ctx context.Context, chatID int64, kinds []model.EventKind) (kind model.EventKind, ok bool, err error)

	EnqueueTask(ctx context.Context, kind model.TaskKind, payload []byte, priority int, dedupKey *string) (id int64, inserted bool, err error)
	LeaseTasks(ctx context.Context, limit int, leaseSeconds int) ([]*model.Task, error)
	HeartbeatTask(ctx context.Context, id int64, leaseSeconds int) error
	CompleteTask(ctx context.Context, id int64, status model.TaskStatus, lastErr *string) error
	ReturnTasksToPending(ctx context.Context, ids []int64) error
	WatchdogSweep(ctx context.Context, maxAttempts int) (returned int, failed int, err error)

	AppendOutbox(ctx context.Context, e *model.ProactiveOutboxEntry) error
	ListPendingOutbox(ctx context.Context, limit int) ([]*model.ProactiveOutboxEntry, error)
	MarkOutboxSent(ctx context.Context, id int64, sentAt time.Time) error
	IncrementOutboxAttempts(ctx context.Context, id int64) error

	ListAutoEnabledChatStates(ctx context.Context) ([]*model.ChatState, error)
}
