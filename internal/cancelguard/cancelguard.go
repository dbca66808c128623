// Package cancelguard implements the "cancel-on-new-msg" policy of
// spec.md §5: a new inbound message may cancel an in-flight reply that is
// still waiting out its reply-delay, but only past a short debounce and no
// more than once per cooldown window, so a burst of messages cannot cancel
// the same chat's generation repeatedly.
package cancelguard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// Debounce is the minimum time a wait must have been registered before
	// it becomes cancellable, so the very message that started the wait
	// cannot immediately cancel itself.
	Debounce = 900 * time.Millisecond
	// Cooldown bounds how often a single chat's wait can be cancelled.
	Cooldown = 15 * time.Second
	// Window is the burst window of the cancel policy. RequestCancel's
	// limiter is built from Cooldown alone and does not read Window.
	Window = 10 * time.Second
)

type entry struct {
	cancel       context.CancelFunc
	registeredAt time.Time
}

// Guard tracks, per chat, the cancel func of an in-flight reply-delay wait.
type Guard struct {
	mu       sync.Mutex
	active   map[int64]entry
	limiters map[int64]*rate.Limiter
}

// New builds an empty Guard.
func New() *Guard {
	return &Guard{active: make(map[int64]entry), limiters: make(map[int64]*rate.Limiter)}
}

// Register marks chatID as having a cancellable in-flight wait. The
// returned context is done either when parent ctx is done, or when a
// later RequestCancel succeeds. release must be called once the wait ends
// (naturally or via cancellation) to free the registration.
func (g *Guard) Register(ctx context.Context, chatID int64) (waitCtx context.Context, release context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.active[chatID] = entry{cancel: cancel, registeredAt: time.Now()}
	g.mu.Unlock()
	return cctx, func() {
		cancel()
		g.mu.Lock()
		delete(g.active, chatID)
		g.mu.Unlock()
	}
}

// RequestCancel attempts to cancel chatID's in-flight wait. It is a no-op
// (returns false) if there is no active wait, the wait is younger than
// Debounce, or the per-chat cooldown limiter has not yet refilled.
func (g *Guard) RequestCancel(chatID int64) bool {
	g.mu.Lock()
	e, ok := g.active[chatID]
	if !ok || time.Since(e.registeredAt) < Debounce {
		g.mu.Unlock()
		return false
	}
	limiter, ok := g.limiters[chatID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(Cooldown), 1)
		g.limiters[chatID] = limiter
	}
	g.mu.Unlock()

	if !limiter.Allow() {
		return false
	}
	e.cancel()
	return true
}
