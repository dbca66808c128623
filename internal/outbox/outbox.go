// Package outbox drains the proactive_outbox table (C9) for chats whose
// proactive sender is the userbot transport rather than the webhook bot,
// following spec.md §4.9.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/hrygo/nikabridge/internal/clock"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/store"
)

// Sender is the transport capability the outbox poller needs.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (platformMsgID int64, err error)
}

// Poller scans pending outbox rows FIFO and delivers them through Sender.
type Poller struct {
	Store  *store.Store
	Sender Sender
	Clock  clock.Clock

	BatchSize int
	Interval  time.Duration
}

// Run polls every Interval (default 10s) until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

func (p *Poller) drainOnce(ctx context.Context) {
	batch := p.BatchSize
	if batch <= 0 {
		batch = 20
	}
	entries, err := p.Store.ListPendingOutbox(ctx, batch)
	if err != nil {
		slog.Error("outbox: list pending failed", "err", err)
		return
	}
	for _, e := range entries {
		p.deliverOne(ctx, e)
	}
}

func (p *Poller) deliverOne(ctx context.Context, e *model.ProactiveOutboxEntry) {
	if _, err := p.Sender.SendMessage(ctx, e.ChatID, e.Text); err != nil {
		slog.Warn("outbox: send failed", "chat_id", e.ChatID, "entry_id", e.ID, "attempts", e.Attempts, "err", err)
		if ierr := p.Store.IncrementOutboxAttempts(ctx, e.ID); ierr != nil {
			slog.Error("outbox: increment attempts failed", "entry_id", e.ID, "err", ierr)
		}
		return
	}

	now := p.Clock.Now()
	meta := model.AssistantMeta{Intent: e.Intent}
	if _, err := p.Store.InsertAssistantMessage(ctx, &model.AssistantMessage{
		ChatID: e.ChatID, Text: e.Text, Meta: meta, CreatedAt: now,
	}); err != nil {
		slog.Error("outbox: persist assistant message failed", "entry_id", e.ID, "err", err)
	}
	if err := p.Store.MarkOutboxSent(ctx, e.ID, now); err != nil {
		slog.Error("outbox: mark sent failed", "entry_id", e.ID, "err", err)
	}
}
