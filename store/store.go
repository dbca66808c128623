// Package store provides the facade through which the rest of the engine
// talks to persistent state, following the teacher's Store-wraps-Driver
// shape (store/store.go in the teacher tree).
package store

import (
	"context"
	"time"

	"github.com/hrygo/nikabridge/internal/model"
)

// Store delegates every call to a Driver implementation. It exists so
// callers depend on one stable type while the concrete backend (Postgres)
// stays swappable and testable behind the Driver interface.
type Store struct {
	driver Driver
}

// New creates a Store over the given Driver.
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

func (s *Store) GetDriver() Driver { return s.driver }

func (s *Store) Close() error { return s.driver.Close() }

func (s *Store) Migrate(ctx context.Context) error { return s.driver.Migrate(ctx) }

func (s *Store) EnsureEntities(ctx context.Context, in EnsureEntitiesInput) (*model.ChatState, error) {
	return s.driver.EnsureEntities(ctx, in)
}

func (s *Store) GetChatState(ctx context.Context, chatID int64) (*model.ChatState, error) {
	return s.driver.GetChatState(ctx, chatID)
}

func (s *Store) UpdateChatState(ctx context.Context, state *model.ChatState) error {
	return s.driver.UpdateChatState(ctx, state)
}

func (s *Store) TryAdvisoryLock(ctx context.Context, chatID int64, fn func(ctx context.Context) error) (bool, error) {
	return s.driver.TryAdvisoryLock(ctx, chatID, fn)
}

func (s *Store) InsertUserMessage(ctx context.Context, m *model.UserMessage) (int64, error) {
	return s.driver.InsertUserMessage(ctx, m)
}

func (s *Store) InsertAssistantMessage(ctx context.Context, m *model.AssistantMessage) (int64, error) {
	return s.driver.InsertAssistantMessage(ctx, m)
}

func (s *Store) FetchRecentHistory(ctx context.Context, chatID int64, opts HistoryOptions) ([]HistoryItem, error) {
	return s.driver.FetchRecentHistory(ctx, chatID, opts)
}

func (s *Store) CountAssistantMessagesSince(ctx context.Context, chatID int64, since time.Time) (int, error) {
	return s.driver.CountAssistantMessagesSince(ctx, chatID, since)
}

func (s *Store) MaxUserPlatformMsgID(ctx context.Context, chatID int64) (int64, error) {
	return s.driver.MaxUserPlatformMsgID(ctx, chatID)
}

func (s *Store) MaxAssistantPlatformMsgID(ctx context.Context, chatID int64) (int64, error) {
	return s.driver.MaxAssistantPlatformMsgID(ctx, chatID)
}

func (s *Store) InsertEvent(ctx context.Context, e *model.Event) error {
	return s.driver.InsertEvent(ctx, e)
}

func (s *Store) CountEventsSince(ctx context.Context, chatID int64, kind model.EventKind, since time.Time) (int, error) {
	return s.driver.CountEventsSince(ctx, chatID, kind, since)
}

func (s *Store) LatestEventKind(ctx context.Context, chatID int64, kinds []model.EventKind) (model.EventKind, bool, error) {
	return s.driver.LatestEventKind(ctx, chatID, kinds)
}

func (s *Store) EnqueueTask(ctx context.Context, kind model.TaskKind, payload []byte, priority int, dedupKey *string) (int64, bool, error) {
	return s.driver.EnqueueTask(ctx, kind, payload, priority, dedupKey)
}

func (s *Store) LeaseTasks(ctx context.Context, limit int, leaseSeconds int) ([]*model.Task, error) {
	return s.driver.LeaseTasks(ctx, limit, leaseSeconds)
}

func (s *Store) HeartbeatTask(ctx context.Context, id int64, leaseSeconds int) error {
	return s.driver.HeartbeatTask(ctx, id, leaseSeconds)
}

func (s *Store) CompleteTask(ctx context.Context, id int64, status model.TaskStatus, lastErr *string) error {
	return s.driver.CompleteTask(ctx, id, status, lastErr)
}

func (s *Store) ReturnTasksToPending(ctx context.Context, ids []int64) error {
	return s.driver.ReturnTasksToPending(ctx, ids)
}

func (s *Store) WatchdogSweep(ctx context.Context, maxAttempts int) (int, int, error) {
	return s.driver.WatchdogSweep(ctx, maxAttempts)
}

func (s *Store) AppendOutbox(ctx context.Context, e *model.ProactiveOutboxEntry) error {
	return s.driver.AppendOutbox(ctx, e)
}

func (s *Store) ListPendingOutbox(ctx context.Context, limit int) ([]*model.ProactiveOutboxEntry, error) {
	return s.driver.ListPendingOutbox(ctx, limit)
}

func (s *Store) MarkOutboxSent(ctx context.Context, id int64, sentAt time.Time) error {
	return s.driver.MarkOutboxSent(ctx, id, sentAt)
}

func (s *Store) IncrementOutboxAttempts(ctx context.Context, id int64) error {
	return s.driver.IncrementOutboxAttempts(ctx, id)
}

func (s *Store) ListAutoEnabledChatStates(ctx context.Context) ([]*model.ChatState, error) {
	return s.driver.ListAutoEnabledChatStates(ctx)
}
