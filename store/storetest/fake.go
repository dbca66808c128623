// Package storetest provides an in-memory store.Driver for exercising the
// engine's components (debounce, turn, taskqueue, proactive, outbox)
// without a live Postgres instance, following the teacher's own
// mockAIBlockStore pattern (store/db/postgres/ai_block_test.go): a plain
// map-backed struct behind the same interface as the real driver.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/store"
)

// FakeDriver implements store.Driver entirely in memory.
type FakeDriver struct {
	mu sync.Mutex

	states map[int64]*model.ChatState
	locks  map[int64]bool

	userMessages      []*model.UserMessage
	assistantMessages []*model.AssistantMessage
	events            []*model.Event

	tasks      map[int64]*model.Task
	nextTaskID int64

	outbox      map[int64]*model.ProactiveOutboxEntry
	nextOutboxID int64
}

// New builds an empty FakeDriver.
func New() *FakeDriver {
	return &FakeDriver{
		states:     make(map[int64]*model.ChatState),
		locks:      make(map[int64]bool),
		tasks:      make(map[int64]*model.Task),
		outbox:     make(map[int64]*model.ProactiveOutboxEntry),
		nextTaskID: 1,
		nextOutboxID: 1,
	}
}

func (f *FakeDriver) Close() error                          { return nil }
func (f *FakeDriver) Migrate(ctx context.Context) error      { return nil }

func (f *FakeDriver) EnsureEntities(ctx context.Context, in store.EnsureEntitiesInput) (*model.ChatState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[in.ChatID]; ok {
		return s, nil
	}
	s := &model.ChatState{
		ChatID:      in.ChatID,
		Persona:     in.DefaultPersona,
		AutoEnabled: in.DefaultAuto,
	}
	offset := in.DefaultTimezoneOffsetMinutes
	s.TimezoneOffsetMinutes = &offset
	f.states[in.ChatID] = s
	return s, nil
}

func (f *FakeDriver) GetChatState(ctx context.Context, chatID int64) (*model.ChatState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[chatID]
	if !ok {
		s = &model.ChatState{ChatID: chatID}
		f.states[chatID] = s
	}
	copy := *s
	return &copy, nil
}

func (f *FakeDriver) UpdateChatState(ctx context.Context, state *model.ChatState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *state
	f.states[state.ChatID] = &copy
	return nil
}

func (f *FakeDriver) TryAdvisoryLock(ctx context.Context, chatID int64, fn func(ctx context.Context) error) (bool, error) {
	f.mu.Lock()
	if f.locks[chatID] {
		f.mu.Unlock()
		return false, nil
	}
	f.locks[chatID] = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.locks, chatID)
		f.mu.Unlock()
	}()
	return true, fn(ctx)
}

func (f *FakeDriver) InsertUserMessage(ctx context.Context, m *model.UserMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = int64(len(f.userMessages) + 1)
	f.userMessages = append(f.userMessages, m)
	return m.ID, nil
}

func (f *FakeDriver) InsertAssistantMessage(ctx context.Context, m *model.AssistantMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = int64(len(f.assistantMessages) + 1)
	f.assistantMessages = append(f.assistantMessages, m)
	return m.ID, nil
}

func (f *FakeDriver) FetchRecentHistory(ctx context.Context, chatID int64, opts store.HistoryOptions) ([]store.HistoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.HistoryItem
	for _, m := range f.userMessages {
		if m.ChatID == chatID {
			items = append(items, store.HistoryItem{Role: "user", Text: m.Text, CreatedAt: m.CreatedAt})
		}
	}
	for _, m := range f.assistantMessages {
		if m.ChatID == chatID {
			items = append(items, store.HistoryItem{Role: "assistant", Text: m.Text, CreatedAt: m.CreatedAt})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (f *FakeDriver) CountAssistantMessagesSince(ctx context.Context, chatID int64, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.assistantMessages {
		if m.ChatID == chatID && m.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (f *FakeDriver) MaxUserPlatformMsgID(ctx context.Context, chatID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for _, m := range f.userMessages {
		if m.ChatID == chatID && m.PlatformMsgID != nil && *m.PlatformMsgID > max {
			max = *m.PlatformMsgID
		}
	}
	return max, nil
}

func (f *FakeDriver) MaxAssistantPlatformMsgID(ctx context.Context, chatID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for _, m := range f.assistantMessages {
		if m.ChatID == chatID && m.PlatformMsgID != nil && *m.PlatformMsgID > max {
			max = *m.PlatformMsgID
		}
	}
	return max, nil
}

func (f *FakeDriver) InsertEvent(ctx context.Context, e *model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = int64(len(f.events) + 1)
	f.events = append(f.events, e)
	return nil
}

func (f *FakeDriver) CountEventsSince(ctx context.Context, chatID int64, kind model.EventKind, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Kind == kind && e.ChatID != nil && *e.ChatID == chatID && e.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (f *FakeDriver) LatestEventKind(ctx context.Context, chatID int64, kinds []model.EventKind) (model.EventKind, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[model.EventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var latest *model.Event
	for _, e := range f.events {
		if e.ChatID == nil || *e.ChatID != chatID || !want[e.Kind] {
			continue
		}
		if latest == nil || e.ID > latest.ID {
			latest = e
		}
	}
	if latest == nil {
		return "", false, nil
	}
	return latest.Kind, true, nil
}

func (f *FakeDriver) EnqueueTask(ctx context.Context, kind model.TaskKind, payload []byte, priority int, dedupKey *string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dedupKey != nil {
		for _, t := range f.tasks {
			if t.DedupKey != nil && *t.DedupKey == *dedupKey && t.Status == model.TaskPending {
				return t.ID, false, nil
			}
		}
	}
	id := f.nextTaskID
	f.nextTaskID++
	f.tasks[id] = &model.Task{
		ID: id, Kind: kind, Payload: payload, Priority: priority, DedupKey: dedupKey,
		Status: model.TaskPending, CreatedAt: time.Now().UTC(),
	}
	return id, true, nil
}

func (f *FakeDriver) LeaseTasks(ctx context.Context, limit int, leaseSeconds int) ([]*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, t := range f.tasks {
		if t.Status == model.TaskPending {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var leased []*model.Task
	now := time.Now().UTC()
	deadline := now.Add(time.Duration(leaseSeconds) * time.Second)
	for _, id := range ids {
		if len(leased) >= limit {
			break
		}
		t := f.tasks[id]
		t.Status = model.TaskProcessing
		t.LeaseExpiresAt = &deadline
		t.HeartbeatAt = &now
		t.StartedAt = &now
		t.Attempts++
		leased = append(leased, t)
	}
	return leased, nil
}

func (f *FakeDriver) HeartbeatTask(ctx context.Context, id int64, leaseSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	deadline := now.Add(time.Duration(leaseSeconds) * time.Second)
	t.LeaseExpiresAt = &deadline
	t.HeartbeatAt = &now
	return nil
}

func (f *FakeDriver) CompleteTask(ctx context.Context, id int64, status model.TaskStatus, lastErr *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	t.Status = status
	t.LastError = lastErr
	t.FinishedAt = &now
	return nil
}

func (f *FakeDriver) ReturnTasksToPending(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if t, ok := f.tasks[id]; ok {
			t.Status = model.TaskPending
			t.LeaseExpiresAt = nil
		}
	}
	return nil
}

func (f *FakeDriver) WatchdogSweep(ctx context.Context, maxAttempts int) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	returned, failed := 0, 0
	for _, t := range f.tasks {
		if t.Status != model.TaskProcessing || t.LeaseExpiresAt == nil || t.LeaseExpiresAt.After(now) {
			continue
		}
		if t.Attempts >= maxAttempts {
			t.Status = model.TaskFailed
			failed++
		} else {
			t.Status = model.TaskPending
			t.LeaseExpiresAt = nil
			returned++
		}
	}
	return returned, failed, nil
}

func (f *FakeDriver) AppendOutbox(ctx context.Context, e *model.ProactiveOutboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = f.nextOutboxID
	f.nextOutboxID++
	f.outbox[e.ID] = e
	return nil
}

func (f *FakeDriver) ListPendingOutbox(ctx context.Context, limit int) ([]*model.ProactiveOutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, e := range f.outbox {
		if e.SentAt == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []*model.ProactiveOutboxEntry
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		out = append(out, f.outbox[id])
	}
	return out, nil
}

func (f *FakeDriver) MarkOutboxSent(ctx context.Context, id int64, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.outbox[id]; ok {
		e.SentAt = &sentAt
	}
	return nil
}

func (f *FakeDriver) IncrementOutboxAttempts(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.outbox[id]; ok {
		e.Attempts++
	}
	return nil
}

func (f *FakeDriver) ListAutoEnabledChatStates(ctx context.Context) ([]*model.ChatState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.ChatState
	for _, s := range f.states {
		if s.AutoEnabled {
			copy := *s
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

var _ store.Driver = (*FakeDriver)(nil)
