package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/nikabridge/internal/clock"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/store"
	"github.com/hrygo/nikabridge/store/storetest"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []int64
	failFor  map[int64]bool
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[chatID] {
		return 0, errors.New("send failed")
	}
	f.sent = append(f.sent, chatID)
	return 1, nil
}

func (f *fakeSender) sentChats() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.sent))
	copy(out, f.sent)
	return out
}

func newPoller(t *testing.T) (*Poller, *store.Store, *fakeSender) {
	t.Helper()
	st := store.New(storetest.New())
	sender := &fakeSender{failFor: map[int64]bool{}}
	fc := &clock.Fake{T: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}
	return &Poller{Store: st, Sender: sender, Clock: fc}, st, sender
}

func TestDrainOnce_DeliversPendingEntriesInOrder(t *testing.T) {
	poller, st, sender := newPoller(t)
	ctx := context.Background()

	require.NoError(t, st.AppendOutbox(ctx, &model.ProactiveOutboxEntry{ChatID: 1, Intent: "reengage", Text: "hi 1"}))
	require.NoError(t, st.AppendOutbox(ctx, &model.ProactiveOutboxEntry{ChatID: 2, Intent: "reengage", Text: "hi 2"}))

	poller.drainOnce(ctx)

	assert.Equal(t, []int64{1, 2}, sender.sentChats())

	pending, err := st.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "delivered entries must no longer be pending")
}

func TestDrainOnce_DeliveredEntryPersistsAssistantMessage(t *testing.T) {
	poller, st, _ := newPoller(t)
	ctx := context.Background()

	require.NoError(t, st.AppendOutbox(ctx, &model.ProactiveOutboxEntry{ChatID: 7, Intent: "morning", Text: "доброе утро"}))
	poller.drainOnce(ctx)

	history, err := st.FetchRecentHistory(ctx, 7, store.HistoryOptions{LimitPairs: 10})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "assistant", history[0].Role)
	assert.Equal(t, "доброе утро", history[0].Text)
}

func TestDrainOnce_FailedSendIncrementsAttemptsAndStaysPending(t *testing.T) {
	poller, st, sender := newPoller(t)
	ctx := context.Background()
	sender.failFor[1] = true

	require.NoError(t, st.AppendOutbox(ctx, &model.ProactiveOutboxEntry{ChatID: 1, Intent: "reengage", Text: "hi"}))
	poller.drainOnce(ctx)

	pending, err := st.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Nil(t, pending[0].SentAt)
}

func TestDrainOnce_RespectsBatchSize(t *testing.T) {
	poller, st, sender := newPoller(t)
	poller.BatchSize = 1
	ctx := context.Background()

	require.NoError(t, st.AppendOutbox(ctx, &model.ProactiveOutboxEntry{ChatID: 1, Intent: "reengage", Text: "hi 1"}))
	require.NoError(t, st.AppendOutbox(ctx, &model.ProactiveOutboxEntry{ChatID: 2, Intent: "reengage", Text: "hi 2"}))

	poller.drainOnce(ctx)
	assert.Equal(t, []int64{1}, sender.sentChats())

	pending, err := st.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRun_DrainsUntilCancelled(t *testing.T) {
	poller, st, sender := newPoller(t)
	poller.Interval = 10 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, st.AppendOutbox(ctx, &model.ProactiveOutboxEntry{ChatID: 1, Intent: "reengage", Text: "hi"}))

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := poller.Run(runCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []int64{1}, sender.sentChats())
}
