package debounce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/nikabridge/internal/cancelguard"
	"github.com/hrygo/nikabridge/internal/clock"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/store"
	"github.com/hrygo/nikabridge/store/storetest"
)

func newTestBuffer(t *testing.T, fc *clock.Fake, flush FlushFunc) (*Buffer, *store.Store) {
	t.Helper()
	st := store.New(storetest.New())
	if flush == nil {
		flush = func(context.Context, int64, model.PendingInput) {}
	}
	return New(st, fc, flush), st
}

func TestAppend_StartsNewBuffer(t *testing.T) {
	fc := &clock.Fake{T: time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)}
	buf, st := newTestBuffer(t, fc, nil)
	ctx := context.Background()

	require.NoError(t, buf.Append(ctx, Event{ChatID: 1, Text: "hello", UserID: 5}))

	state, err := st.GetChatState(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, state.PendingInput)
	assert.Equal(t, "hello", state.PendingInput.Text)
	assert.Equal(t, fc.T.Add(Initial), state.PendingInput.DeadlineAt)
	assert.Equal(t, fc.T.Add(AbsoluteMax), state.PendingInput.AbsoluteDeadlineAt)
}

func TestAppend_ExtendsExistingBuffer(t *testing.T) {
	fc := &clock.Fake{T: time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)}
	buf, st := newTestBuffer(t, fc, nil)
	ctx := context.Background()

	require.NoError(t, buf.Append(ctx, Event{ChatID: 1, Text: "hello"}))
	fc.Advance(2 * time.Second)
	require.NoError(t, buf.Append(ctx, Event{ChatID: 1, Text: "world"}))

	state, err := st.GetChatState(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, state.PendingInput)
	assert.Equal(t, "hello world", state.PendingInput.Text)
	assert.Equal(t, fc.T.Add(Extension), state.PendingInput.DeadlineAt)
}

func TestAppend_ExtensionCappedByAbsoluteDeadline(t *testing.T) {
	fc := &clock.Fake{T: time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)}
	buf, st := newTestBuffer(t, fc, nil)
	ctx := context.Background()

	require.NoError(t, buf.Append(ctx, Event{ChatID: 1, Text: "hello"}))
	fc.Advance(AbsoluteMax - 2*time.Second)
	require.NoError(t, buf.Append(ctx, Event{ChatID: 1, Text: "world"}))

	state, err := st.GetChatState(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, state.PendingInput)
	assert.True(t, state.PendingInput.DeadlineAt.Equal(state.PendingInput.AbsoluteDeadlineAt),
		"deadline should be capped at the absolute deadline")
}

func TestAppend_SecondPhotoFlushesThenRestarts(t *testing.T) {
	fc := &clock.Fake{T: time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)}
	var flushedChat int64
	var flushedText string
	var mu sync.Mutex
	done := make(chan struct{})
	buf, st := newTestBuffer(t, fc, func(_ context.Context, chatID int64, in model.PendingInput) {
		mu.Lock()
		flushedChat = chatID
		flushedText = in.Text
		mu.Unlock()
		close(done)
	})
	ctx := context.Background()

	photo1 := &model.MediaRef{Origin: model.MediaOriginPhoto, FileID: "p1"}
	photo2 := &model.MediaRef{Origin: model.MediaOriginPhoto, FileID: "p2"}

	require.NoError(t, buf.Append(ctx, Event{ChatID: 1, Text: "first", Media: photo1}))
	require.NoError(t, buf.Append(ctx, Event{ChatID: 1, Text: "second", Media: photo2}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the first buffer to flush on its own detached goroutine")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(1), flushedChat)
	assert.Equal(t, "first", flushedText, "the first buffer should have flushed before the second photo started a new one")

	state, err := st.GetChatState(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, state.PendingInput)
	assert.Equal(t, "second", state.PendingInput.Text)
	assert.Equal(t, photo2, state.PendingInput.Media)
}

func TestAppend_ExpiredDeadlineFlushesThenRestarts(t *testing.T) {
	fc := &clock.Fake{T: time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)}
	done := make(chan struct{})
	buf, st := newTestBuffer(t, fc, func(context.Context, int64, model.PendingInput) {
		close(done)
	})
	ctx := context.Background()

	require.NoError(t, buf.Append(ctx, Event{ChatID: 1, Text: "hello"}))
	fc.Advance(Initial + time.Second)
	require.NoError(t, buf.Append(ctx, Event{ChatID: 1, Text: "world"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the expired buffer to flush on its own detached goroutine")
	}

	state, err := st.GetChatState(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, state.PendingInput)
	assert.Equal(t, "world", state.PendingInput.Text)
}

func TestFlushIfExpired_NotYetExpired(t *testing.T) {
	fc := &clock.Fake{T: time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)}
	buf, _ := newTestBuffer(t, fc, nil)
	ctx := context.Background()

	require.NoError(t, buf.Append(ctx, Event{ChatID: 1, Text: "hello"}))
	flushed, err := buf.FlushIfExpired(ctx, 1)
	require.NoError(t, err)
	assert.False(t, flushed)
}

func TestFlushIfExpired_Expired(t *testing.T) {
	fc := &clock.Fake{T: time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)}
	var gotText string
	done := make(chan struct{})
	buf, st := newTestBuffer(t, fc, func(_ context.Context, _ int64, in model.PendingInput) {
		gotText = in.Text
		close(done)
	})
	ctx := context.Background()

	require.NoError(t, buf.Append(ctx, Event{ChatID: 1, Text: "hello"}))
	fc.Advance(Initial + time.Second)

	flushed, err := buf.FlushIfExpired(ctx, 1)
	require.NoError(t, err)
	assert.True(t, flushed)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected FlushIfExpired to dispatch the flush on its own detached goroutine")
	}
	assert.Equal(t, "hello", gotText)

	state, err := st.GetChatState(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, state.PendingInput)
}

func TestAppend_TriggersCancelGuard(t *testing.T) {
	fc := &clock.Fake{T: time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)}
	buf, _ := newTestBuffer(t, fc, nil)

	guard := cancelguard.New()
	buf.CancelGuard = guard
	ctx := context.Background()
	waitCtx, release := guard.Register(ctx, 9)
	defer release()

	// Sleep past the debounce window so the next Append is eligible to cancel it.
	time.Sleep(cancelguard.Debounce + 10*time.Millisecond)

	require.NoError(t, buf.Append(ctx, Event{ChatID: 9, Text: "hi"}))

	select {
	case <-waitCtx.Done():
	default:
		t.Fatal("expected Append to cancel the in-flight wait via CancelGuard")
	}
}
