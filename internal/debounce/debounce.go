// Package debounce coalesces a burst of inbound messages (e.g. a photo
// followed by caption-like text fragments) into one upstream turn,
// implementing spec.md §4.5.
package debounce

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/nikabridge/internal/cancelguard"
	"github.com/hrygo/nikabridge/internal/clock"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/store"
)

const (
	Initial     = 10 * time.Second
	Extension   = 6 * time.Second
	AbsoluteMax = 30 * time.Second
)

// FlushFunc performs the actual turn processing once a buffer is ready to
// flush. It receives the accumulated text, media, and originating user.
type FlushFunc func(ctx context.Context, chatID int64, in model.PendingInput)

// Buffer schedules and coalesces per-chat pending input, backed by
// ChatState.PendingInput for durability across restarts, plus an in-memory
// timer registry for the auto-flush deadline (mirrors the teacher's own
// per-chat-id goroutine registries, e.g. the userbot's mark-read scheduler).
type Buffer struct {
	store *store.Store
	clock clock.Clock
	flush FlushFunc

	// CancelGuard, if set, lets a fresh inbound event interrupt a turn
	// that is still waiting out its reply-delay for this chat (spec.md
	// §5's cancel-on-new-msg policy). Optional: nil disables the feature.
	CancelGuard *cancelguard.Guard

	mu     sync.Mutex
	timers map[int64]*time.Timer
}

// New builds a Buffer. flush is invoked from the timer goroutine once a
// chat's buffer deadline elapses.
func New(st *store.Store, c clock.Clock, flush FlushFunc) *Buffer {
	return &Buffer{
		store:  st,
		clock:  c,
		flush:  flush,
		timers: make(map[int64]*time.Timer),
	}
}

func (b *Buffer) cancelTimer(chatID int64) {
	if t, ok := b.timers[chatID]; ok {
		t.Stop()
		delete(b.timers, chatID)
	}
}

func (b *Buffer) scheduleTimer(chatID int64, deadline time.Time) {
	b.cancelTimer(chatID)
	wait := deadline.Sub(b.clock.Now())
	if wait < 0 {
		wait = 50 * time.Millisecond
	}
	b.timers[chatID] = time.AfterFunc(wait, func() {
		ctx := context.Background()
		b.FlushIfExpired(ctx, chatID)
	})
}

// Event is one inbound fragment to append to (or start) a chat's buffer.
type Event struct {
	ChatID   int64
	ChatType model.ChatType
	UserID   int64
	Username string
	Lang     string
	Text     string
	Media    *model.MediaRef
}

// Append implements buffer_or_process: start a new buffer, extend an
// existing one, or flush-then-restart when a second photo arrives or a
// deadline has already passed.
func (b *Buffer) Append(ctx context.Context, ev Event) error {
	if b.CancelGuard != nil {
		b.CancelGuard.RequestCancel(ev.ChatID)
	}

	pending, err := b.appendLocked(ctx, ev)
	if err != nil {
		return err
	}
	if pending != nil {
		b.dispatchFlush(ev.ChatID, *pending)
	}
	return nil
}

// appendLocked performs Append's bookkeeping under b.mu and hands back a
// PendingInput that must be flushed once the lock is released — it never
// calls b.flush itself, since that can block on the upstream HTTP round
// trip or the reply-delay sleep for up to ~90s (spec.md §5), and holding
// b.mu that long would stall every other chat's Append/FlushIfExpired.
func (b *Buffer) appendLocked(ctx context.Context, ev Event) (*model.PendingInput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.store.GetChatState(ctx, ev.ChatID)
	if err != nil {
		return nil, err
	}
	now := b.clock.Now()

	if state.PendingInput == nil {
		return nil, b.start(ctx, state, ev, now)
	}

	existing := state.PendingInput
	secondPhoto := ev.Media != nil && ev.Media.Origin == model.MediaOriginPhoto &&
		existing.Media != nil && existing.Media.Origin == model.MediaOriginPhoto
	absoluteExpired := !existing.AbsoluteDeadlineAt.IsZero() && now.After(existing.AbsoluteDeadlineAt)
	deadlineExpired := !existing.DeadlineAt.IsZero() && now.After(existing.DeadlineAt)

	if secondPhoto || absoluteExpired || deadlineExpired {
		pending, err := b.prepareFlushLocked(ctx, ev.ChatID)
		if err != nil {
			return nil, err
		}
		state, err = b.store.GetChatState(ctx, ev.ChatID)
		if err != nil {
			return nil, err
		}
		return pending, b.start(ctx, state, ev, now)
	}

	newDeadline := now.Add(Extension)
	if !existing.AbsoluteDeadlineAt.IsZero() && newDeadline.After(existing.AbsoluteDeadlineAt) {
		newDeadline = existing.AbsoluteDeadlineAt
	}

	text := strings.TrimSpace(ev.Text)
	if text != "" {
		if existing.Text != "" {
			existing.Text = existing.Text + " " + text
		} else {
			existing.Text = text
		}
	}
	if existing.Media == nil && ev.Media != nil && ev.Media.Origin == model.MediaOriginPhoto {
		existing.Media = ev.Media
	}
	existing.DeadlineAt = newDeadline
	state.PendingUpdatedAt = &now
	state.PendingInput = existing
	if err := b.store.UpdateChatState(ctx, state); err != nil {
		return nil, err
	}
	b.scheduleTimer(ev.ChatID, newDeadline)
	return nil, nil
}

func (b *Buffer) start(ctx context.Context, state *model.ChatState, ev Event, now time.Time) error {
	pending := model.PendingInput{
		Text:               strings.TrimSpace(ev.Text),
		Media:              ev.Media,
		StartedAt:          now,
		DeadlineAt:         now.Add(Initial),
		AbsoluteDeadlineAt: now.Add(AbsoluteMax),
		UserID:             ev.UserID,
		Username:           ev.Username,
		Lang:               ev.Lang,
		ChatType:           ev.ChatType,
	}
	state.PendingInput = &pending
	state.PendingStartedAt = &now
	state.PendingUpdatedAt = &now
	if err := b.store.UpdateChatState(ctx, state); err != nil {
		return err
	}
	b.scheduleTimer(ev.ChatID, pending.DeadlineAt)
	return nil
}

// FlushIfExpired flushes the chat's buffer only if its deadline or absolute
// deadline has actually elapsed — guards against a stale timer firing after
// the buffer was already replaced.
func (b *Buffer) FlushIfExpired(ctx context.Context, chatID int64) (bool, error) {
	pending, err := b.checkExpiredLocked(ctx, chatID)
	if err != nil {
		return false, err
	}
	if pending == nil {
		return false, nil
	}
	b.dispatchFlush(chatID, *pending)
	return true, nil
}

func (b *Buffer) checkExpiredLocked(ctx context.Context, chatID int64) (*model.PendingInput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.store.GetChatState(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if state.PendingInput == nil {
		return nil, nil
	}
	now := b.clock.Now()
	pending := state.PendingInput
	expired := (!pending.AbsoluteDeadlineAt.IsZero() && now.After(pending.AbsoluteDeadlineAt)) ||
		(!pending.DeadlineAt.IsZero() && now.After(pending.DeadlineAt))
	if !expired {
		return nil, nil
	}
	return b.prepareFlushLocked(ctx, chatID)
}

// prepareFlushLocked marks the chat's PendingInput as flushing and clears it
// from ChatState, handing back a copy for the caller to flush once b.mu is
// released. Caller must hold b.mu. Returns (nil, nil) when there is nothing
// to flush (already flushing, or no pending input).
func (b *Buffer) prepareFlushLocked(ctx context.Context, chatID int64) (*model.PendingInput, error) {
	b.cancelTimer(chatID)

	state, err := b.store.GetChatState(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if state.PendingInput == nil || state.PendingInput.Flushing {
		return nil, nil
	}

	pending := *state.PendingInput
	pending.Flushing = true
	state.PendingInput = &pending
	if err := b.store.UpdateChatState(ctx, state); err != nil {
		return nil, err
	}

	state.PendingInput = nil
	state.PendingStartedAt = nil
	state.PendingUpdatedAt = nil
	if err := b.store.UpdateChatState(ctx, state); err != nil {
		return nil, err
	}

	return &pending, nil
}

// dispatchFlush hands a flushed PendingInput to FlushFunc on its own
// detached goroutine (mirroring turn.Processor's own deliverLater/
// context.Background() pattern for long-running background sends), so the
// upstream HTTP round trip and reply-delay sleep never run while b.mu is
// held and never block the caller — webhook handler, userbot event loop, or
// timer goroutine alike.
func (b *Buffer) dispatchFlush(chatID int64, pending model.PendingInput) {
	go b.flush(context.Background(), chatID, pending)
}

// Flush forces an immediate flush regardless of deadlines, used by callers
// that already know the buffer must resolve now (e.g. shutdown draining).
func (b *Buffer) Flush(ctx context.Context, chatID int64) error {
	b.mu.Lock()
	pending, err := b.prepareFlushLocked(ctx, chatID)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if pending != nil {
		b.dispatchFlush(chatID, *pending)
	}
	return nil
}
