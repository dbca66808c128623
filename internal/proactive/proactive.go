// Package proactive implements the scheduler (C8) that sweeps auto-enabled
// chats every tick and sends morning/evening/reengage/generic nudges,
// following spec.md §4.8.
package proactive

import (
	"context"
	"log/slog"
	"time"

	"github.com/hrygo/nikabridge/internal/clock"
	"github.com/hrygo/nikabridge/internal/config"
	"github.com/hrygo/nikabridge/internal/metrics"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/internal/quietwindow"
	"github.com/hrygo/nikabridge/internal/upstream"
	"github.com/hrygo/nikabridge/store"
)

func sameUTCDay(a *time.Time, b time.Time) bool {
	if a == nil {
		return false
	}
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func cooldownPassed(last *time.Time, now time.Time, delta time.Duration) bool {
	if last == nil {
		return true
	}
	return now.Sub(*last) >= delta
}

// Sender is the minimal transport capability the scheduler needs for chats
// that are not routed through the outbox.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (platformMsgID int64, err error)
}

// Scheduler sweeps auto-enabled chats on a fixed tick, following the
// morning -> evening -> reengage -> generic priority of spec.md §4.8.
type Scheduler struct {
	Store    *store.Store
	Upstream *upstream.Client
	Metrics  *metrics.Registry
	Config   *config.Config
	Clock    clock.Clock
	Sender   Sender

	Interval time.Duration
}

// Run sweeps due_chats every Interval (default 60s) until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	states, err := s.Store.ListAutoEnabledChatStates(ctx)
	if err != nil {
		slog.Error("proactive: list chat states failed", "err", err)
		return
	}

	winMorning, okMorning := quietwindow.Parse(s.Config.Proactive.MorningWindow)
	winEvening, okEvening := quietwindow.Parse(s.Config.Proactive.EveningWindow)
	winQuiet, okQuiet := quietwindow.Parse(s.Config.Proactive.QuietWindow)

	for _, state := range states {
		if state.Persona == "" {
			continue
		}
		locked, err := s.Store.TryAdvisoryLock(ctx, state.ChatID, func(ctx context.Context) error {
			s.processOne(ctx, state, winMorning, okMorning, winEvening, okEvening, winQuiet, okQuiet)
			return nil
		})
		if err != nil {
			slog.Error("proactive: advisory lock error", "chat_id", state.ChatID, "err", err)
			continue
		}
		if !locked {
			continue
		}
	}
}

func (s *Scheduler) processOne(ctx context.Context, state *model.ChatState, winMorning quietwindow.Window, okMorning bool, winEvening quietwindow.Window, okEvening bool, winQuiet quietwindow.Window, okQuiet bool) {
	now := s.Clock.Now()

	if state.SleepUntil != nil && state.SleepUntil.After(now) {
		return
	}

	offset := state.EffectiveTimezoneOffset(s.Config.Proactive.DefaultTimezoneOffsetMinutes)
	localNow := now.Add(time.Duration(offset) * time.Minute)
	minuteOfDay := localNow.Hour()*60 + localNow.Minute()

	if okQuiet && winQuiet.In(minuteOfDay) {
		return
	}

	var lastActivity *time.Time
	switch {
	case state.LastUserMsgAt != nil && state.LastAssistantAt != nil:
		if state.LastUserMsgAt.After(*state.LastAssistantAt) {
			lastActivity = state.LastUserMsgAt
		} else {
			lastActivity = state.LastAssistantAt
		}
	case state.LastUserMsgAt != nil:
		lastActivity = state.LastUserMsgAt
	default:
		lastActivity = state.LastAssistantAt
	}

	var intent upstream.Intent
	historyTrim := false

	if okMorning && winMorning.In(minuteOfDay) && !sameUTCDay(state.LastMorningSentAt, now) {
		intent = upstream.IntentProactiveMorning
		historyTrim = true
	}

	if intent == "" && okEvening && winEvening.In(minuteOfDay) &&
		!sameUTCDay(state.LastGoodnightSentAt, now) &&
		cooldownPassed(state.LastGoodnightSentAt, now, 30*time.Minute) {
		intent = upstream.IntentProactiveEvening
		historyTrim = true
	}

	if intent == "" && lastActivity != nil {
		hoursSince := now.Sub(*lastActivity).Hours()
		reengageMin := float64(s.Config.Proactive.ReengageMinHours)
		if hoursSince >= reengageMin {
			cooldown := time.Duration(s.Config.Proactive.ReengageCooldownHours) * time.Hour
			if cooldownPassed(state.LastReengageSentAt, now, cooldown) {
				intent = upstream.IntentProactiveReengage
				historyTrim = true
			}
		}
	}

	if intent == "" && s.Config.Proactive.GenericEnabled && state.NextProactiveAt != nil && !state.NextProactiveAt.After(now) {
		intent = upstream.IntentProactiveGeneric
		historyTrim = false
	}

	if intent == "" {
		return
	}

	var history []upstream.HistoryItem
	if !historyTrim {
		items, err := s.Store.FetchRecentHistory(ctx, state.ChatID, store.HistoryOptions{
			LimitPairs:    10,
			Persona:       state.Persona,
			SoftCharLimit: 0,
		})
		if err != nil {
			slog.Warn("proactive: fetch history failed", "chat_id", state.ChatID, "err", err)
		} else {
			for _, it := range items {
				history = append(history, upstream.HistoryItem{Role: it.Role, Text: it.Text, CreatedAt: it.CreatedAt})
			}
		}
	}

	req := upstream.Request{
		Intent: intent,
		Chat: upstream.ChatInfo{
			ChatID:    state.ChatID,
			Persona:   state.Persona,
			MemoryRev: state.MemoryRev,
		},
		Context: upstream.Context{
			History:         history,
			LastUserMsgAt:   state.LastUserMsgAt,
			LastAssistantAt: state.LastAssistantAt,
		},
	}

	resp, err := s.Upstream.Call(ctx, req, "")
	if err != nil {
		_ = s.Store.InsertEvent(ctx, &model.Event{
			Kind: model.EventUpstreamErrorGeneric, ChatID: &state.ChatID,
			Payload: map[string]any{"intent": string(intent)}, CreatedAt: now,
		})
		s.Metrics.IncUpstreamError("proactive")
		if intent == upstream.IntentProactiveGeneric {
			next := clock.FutureWithJitter(s.Clock, s.Config.Proactive.MinSeconds, s.Config.Proactive.MaxSeconds, &now)
			state.NextProactiveAt = &next
			_ = s.Store.UpdateChatState(ctx, state)
		}
		return
	}

	if intent == upstream.IntentProactiveMorning {
		since := now.Add(-time.Duration(s.Config.Proactive.MorningSpamWindowMinutes) * time.Minute)
		count, err := s.Store.CountAssistantMessagesSince(ctx, state.ChatID, since)
		if err == nil && count >= s.Config.Proactive.MorningSpamMax {
			state.AutoEnabled = false
			slog.Warn("proactive_morning_spam_disabled", "chat_id", state.ChatID, "recent_count", count)
			_ = s.Store.InsertEvent(ctx, &model.Event{
				Kind: model.EventProactiveMorningSpamDisabled, ChatID: &state.ChatID,
				Payload: map[string]any{"recent_count": count}, CreatedAt: now,
			})
			_ = s.Store.UpdateChatState(ctx, state)
			return
		}
	}

	// Stamp-then-send: record the send attempt before delivery so a crash
	// mid-send never causes a duplicate on the next sweep.
	switch intent {
	case upstream.IntentProactiveMorning:
		state.LastMorningSentAt = &now
	case upstream.IntentProactiveEvening:
		state.LastGoodnightSentAt = &now
	case upstream.IntentProactiveReengage:
		state.LastReengageSentAt = &now
	}
	if err := s.Store.UpdateChatState(ctx, state); err != nil {
		slog.Warn("proactive: pre-send stamp failed", "chat_id", state.ChatID, "intent", intent, "err", err)
	}

	meta := model.AssistantMeta{
		Persona: state.Persona, Intent: string(intent),
		Abuse: resp.Meta.IsAbuse(), MuteHours: resp.Meta.EffectiveMuteHours(), Severity: resp.Meta.Severity,
		Model: resp.Meta.Model, Tokens: resp.Meta.Tokens,
	}

	if state.ProactiveViaUserbot {
		if err := s.Store.AppendOutbox(ctx, &model.ProactiveOutboxEntry{
			ChatID: state.ChatID, Intent: string(intent), Text: resp.Reply,
			Meta: map[string]any{"intent": string(intent), "model": resp.Meta.Model}, CreatedAt: now,
		}); err != nil {
			slog.Error("proactive: outbox append failed", "chat_id", state.ChatID, "err", err)
		}
	} else if s.Sender != nil {
		if _, err := s.Sender.SendMessage(ctx, state.ChatID, resp.Reply); err != nil {
			slog.Error("proactive: send failed", "chat_id", state.ChatID, "intent", intent, "err", err)
			// Stamp is not rolled back: retrying would risk a repeat send.
		} else {
			sentAt := s.Clock.Now()
			state.LastAssistantAt = &sentAt
			if _, err := s.Store.InsertAssistantMessage(ctx, &model.AssistantMessage{
				ChatID: state.ChatID, Text: resp.Reply, Meta: meta, CreatedAt: sentAt,
			}); err != nil {
				slog.Error("proactive: persist assistant message failed", "chat_id", state.ChatID, "err", err)
			}
		}
	}

	if intent == upstream.IntentProactiveGeneric {
		base := now
		if state.LastAssistantAt != nil {
			base = *state.LastAssistantAt
		}
		next := clock.FutureWithJitter(s.Clock, s.Config.Proactive.MinSeconds, s.Config.Proactive.MaxSeconds, &base)
		state.NextProactiveAt = &next
	}

	s.Metrics.IncProactiveSent(string(intent))

	if err := s.Store.UpdateChatState(ctx, state); err != nil {
		slog.Error("proactive: final save failed", "chat_id", state.ChatID, "err", err)
	}
}
