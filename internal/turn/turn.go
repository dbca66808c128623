// Package turn implements the Turn Processor (C6): the single place that
// takes one inbound user message and turns it into zero or one outbound
// assistant reply, per spec.md §4.6.
package turn

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/hrygo/nikabridge/internal/cancelguard"
	"github.com/hrygo/nikabridge/internal/clock"
	"github.com/hrygo/nikabridge/internal/config"
	"github.com/hrygo/nikabridge/internal/metrics"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/internal/quietwindow"
	"github.com/hrygo/nikabridge/internal/upstream"
	"github.com/hrygo/nikabridge/store"
)

// Sender is the minimal transport capability the Turn Processor needs.
// Both the webhook bot and the userbot adapters implement it.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (platformMsgID int64, err error)
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// Input is one inbound event to process, matching spec.md §4.6's signature.
type Input struct {
	ChatID          int64
	ChatType        model.ChatType
	UserID          int64
	Username        string
	Lang            string
	Text            string
	Media           *model.MediaRef
	TraceID         string
	PlatformMsgID   *int64
	SkipPersistUser bool
	SuppressErrors  bool
}

// Processor wires the store, upstream client, metrics and transport
// together into the full reply pipeline.
type Processor struct {
	Store    *store.Store
	Upstream *upstream.Client
	Metrics  *metrics.Registry
	Config   *config.Config
	Clock    clock.Clock
	Sender   Sender

	// CancelGuard, if set, allows a fresh inbound message to interrupt the
	// reply-delay wait below (spec.md §5 cancel-on-new-msg). Optional.
	CancelGuard *cancelguard.Guard
}

var goodnightKeywords = []string{
	"споки", "спокойной", "доброй ночи", "споки ноки", "споки-ноки", "на ночь", "пора спать", "иду спать",
}

func hasGoodnight(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, kw := range goodnightKeywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > max {
		return string(r[:max])
	}
	return s
}

// Process runs the full 14-step sequence and returns the reply text (which
// may have been sent already, or scheduled for background delivery).
func (p *Processor) Process(ctx context.Context, in Input) (string, error) {
	// Step 1: normalise.
	text := clip(in.Text, p.Config.MaxUserTextLen)

	// Step 2: upsert Chat/User/ChatState.
	state, err := p.Store.EnsureEntities(ctx, store.EnsureEntitiesInput{
		ChatID:                       in.ChatID,
		ChatType:                     in.ChatType,
		UserID:                       in.UserID,
		Username:                     in.Username,
		Lang:                         in.Lang,
		DefaultAuto:                  p.Config.Proactive.DefaultAuto,
		DefaultPersona:               "nika",
		DefaultTimezoneOffsetMinutes: p.Config.Proactive.DefaultTimezoneOffsetMinutes,
	})
	if err != nil {
		return "", fmt.Errorf("ensure entities: %w", err)
	}

	// Step 3: persist UserMessage.
	if !in.SkipPersistUser {
		if _, err := p.Store.InsertUserMessage(ctx, &model.UserMessage{
			ChatID:        in.ChatID,
			UserID:        in.UserID,
			Text:          text,
			PlatformMsgID: in.PlatformMsgID,
			CreatedAt:     p.Clock.Now(),
		}); err != nil {
			return "", fmt.Errorf("persist user message: %w", err)
		}
	}

	// Step 4: record prev_user_ts, stamp last_user_msg_at.
	now := p.Clock.Now()
	prevUserTS := state.LastUserMsgAt
	state.LastUserMsgAt = &now

	// Step 5: in-band commands.
	lowered := strings.ToLower(text)
	switch {
	case strings.HasPrefix(lowered, "/wake"):
		state.SleepUntil = nil
		reply := "Я проснулась, можем продолжать ☀️"
		if _, err := p.sendAndPersist(ctx, state, reply, "wake", 0, ""); err != nil {
			return "", err
		}
		return reply, p.Store.UpdateChatState(ctx, state)
	case strings.HasPrefix(lowered, "/reset"):
		state.SleepUntil = nil
		state.MemoryRev++
		reply := "Контекст очищен: история сброшена, память перезапущена. Можешь продолжать."
		if _, err := p.sendAndPersist(ctx, state, reply, "reset", 0, ""); err != nil {
			return "", err
		}
		return reply, p.Store.UpdateChatState(ctx, state)
	case strings.HasPrefix(lowered, "/status"):
		reply, err := p.statusReply(ctx, state, now)
		if err != nil {
			return "", err
		}
		_, _ = p.Sender.SendMessage(ctx, in.ChatID, reply)
		state.LastAssistantAt = &now
		return reply, p.Store.UpdateChatState(ctx, state)
	}

	p.Metrics.MessagesReceivedTotal.Inc()

	// Step 6: anti-spam.
	minGap := time.Duration(p.Config.AntiSpam.MinGapSeconds) * time.Second
	if prevUserTS != nil {
		if gap := now.Sub(*prevUserTS); gap < minGap {
			wait := int((minGap - gap).Seconds())
			if wait < 0 {
				wait = 0
			}
			reply := fmt.Sprintf("Слишком часто, подождите ещё %d c", wait)
			_, _ = p.Sender.SendMessage(ctx, in.ChatID, reply)
			return reply, p.Store.UpdateChatState(ctx, state)
		}
	}

	// Step 7: sleep mode.
	if state.SleepUntil != nil && state.SleepUntil.After(now) {
		return "(sleep)", p.Store.UpdateChatState(ctx, state)
	}

	// Step 8: quiet-hour goodnight handling.
	quietWin, quietOK := quietwindow.Parse(p.Config.Proactive.QuietWindow)
	offset := state.EffectiveTimezoneOffset(p.Config.Proactive.DefaultTimezoneOffsetMinutes)
	localNow := now.Add(time.Duration(offset) * time.Minute)
	minuteOfDay := localNow.Hour()*60 + localNow.Minute()

	if quietOK && quietWin.In(minuteOfDay) {
		if hasGoodnight(text) {
			return p.sendGoodnight(ctx, state, in, quietWin, localNow, offset, upstream.IntentUserGoodnight, text)
		}
		if state.LastGoodnightSentAt != nil && state.LastGoodnightFollowupSentAt == nil {
			reply, err := p.sendGoodnight(ctx, state, in, quietWin, localNow, offset, upstream.IntentGoodnightFollowup, text)
			if err == nil {
				state.LastGoodnightFollowupSentAt = &now
				err = p.Store.UpdateChatState(ctx, state)
			}
			return reply, err
		}
	}

	// Step 9: build upstream request.
	history, err := p.Store.FetchRecentHistory(ctx, in.ChatID, store.HistoryOptions{
		LimitPairs:    50,
		Persona:       state.Persona,
		SoftCharLimit: 8000,
		SoftHead:      4000,
		SoftTail:      2000,
	})
	if err != nil {
		return "", fmt.Errorf("fetch history: %w", err)
	}

	req := upstream.Request{
		Intent: upstream.IntentReply,
		Chat: upstream.ChatInfo{
			ChatID:    in.ChatID,
			UserID:    in.UserID,
			Lang:      in.Lang,
			Username:  in.Username,
			Persona:   state.Persona,
			MemoryRev: state.MemoryRev,
		},
		Context: upstream.Context{
			History:         toUpstreamHistory(history),
			LastUserMsgAt:   state.LastUserMsgAt,
			LastAssistantAt: state.LastAssistantAt,
		},
		Message: buildMessage(text, in.Media),
		TraceID: in.TraceID,
	}

	// Step 10: call upstream.
	resp, err := p.Upstream.Call(ctx, req, in.TraceID)
	if err != nil {
		return p.handleUpstreamError(ctx, state, in, err)
	}

	// Step 11: moderation from response.
	if err := p.moderate(ctx, state, in, resp.Meta); err != nil {
		return "", err
	}

	// Step 12: reply-delay policy.
	delaySeconds, delayKind := p.replyDelay(state, in.Media, prevUserTS, now)

	meta := model.AssistantMeta{
		Persona:      state.Persona,
		Intent:       "reply",
		DelayKind:    delayKind,
		DelaySeconds: delaySeconds,
		Model:        resp.Meta.Model,
		Tokens:       resp.Meta.Tokens,
	}

	// Step 13/14: send with typing, persist.
	delay := time.Duration(delaySeconds * float64(time.Second))
	if delay > 30*time.Second {
		go p.deliverLater(context.Background(), in.ChatID, resp.Reply, delay, meta)
		return resp.Reply, p.Store.UpdateChatState(ctx, state)
	}

	if delay > 0 {
		waitCtx := ctx
		var release context.CancelFunc
		if p.CancelGuard != nil {
			waitCtx, release = p.CancelGuard.Register(ctx, in.ChatID)
		}
		typingCtx, cancelTyping := context.WithCancel(waitCtx)
		go p.typingLoop(typingCtx, in.ChatID, delay)
		select {
		case <-time.After(delay):
		case <-waitCtx.Done():
		}
		cancelTyping()
		if release != nil {
			release()
		}
		if ctx.Err() == nil && waitCtx.Err() != nil {
			// A fresh inbound message cancelled this wait before it elapsed;
			// the new message's own turn will produce the reply instead.
			return "", nil
		}
	}

	if _, err := p.sendAndPersist(ctx, state, resp.Reply, "reply", delaySeconds, delayKind); err != nil {
		return "", err
	}
	p.Metrics.IncReplySent(delayKind, delaySeconds)
	if state.AutoEnabled {
		next := clock.FutureWithJitter(p.Clock, p.Config.Proactive.MinSeconds, p.Config.Proactive.MaxSeconds, state.LastAssistantAt)
		state.NextProactiveAt = &next
	}
	return resp.Reply, p.Store.UpdateChatState(ctx, state)
}

func toUpstreamHistory(items []store.HistoryItem) []upstream.HistoryItem {
	out := make([]upstream.HistoryItem, 0, len(items))
	for _, it := range items {
		out = append(out, upstream.HistoryItem{Role: it.Role, Text: it.Text, CreatedAt: it.CreatedAt})
	}
	return out
}

func buildMessage(text string, media *model.MediaRef) *upstream.MessageIn {
	msg := &upstream.MessageIn{Text: text}
	if media == nil {
		return msg
	}
	msg.Origin = string(media.Origin)
	msg.MimeType = media.MimeType
	msg.Width = media.Width
	msg.Height = media.Height
	msg.Duration = media.DurationS
	switch media.Origin {
	case model.MediaOriginPhoto:
		msg.ImageURL = media.URL
	case model.MediaOriginVoice, model.MediaOriginAudio:
		msg.AudioURL = media.URL
		msg.VoiceFileID = media.FileID
	}
	return msg
}

// statusReply composes the /status line, including, while sleeping, the
// reason the chat went quiet: the most recent abuse event on record, or
// "night_mode_or_manual" when no abuse event explains it (quiet-hours
// goodnight, /abuse_auto_block pardon, or a manual sleep).
func (p *Processor) statusReply(ctx context.Context, state *model.ChatState, now time.Time) (string, error) {
	sleeping := state.SleepUntil != nil && state.SleepUntil.After(now)
	auto := "off"
	if state.AutoEnabled {
		auto = "on"
	}
	parts := []string{fmt.Sprintf("persona: %s", state.Persona), fmt.Sprintf("proactive: %s", auto)}
	if sleeping {
		remaining := int(state.SleepUntil.Sub(now).Seconds())
		reason := "night_mode_or_manual"
		if kind, ok, err := p.Store.LatestEventKind(ctx, state.ChatID, []model.EventKind{
			model.EventAbuseAutoBlock, model.EventAbuseDetected,
		}); err != nil {
			return "", err
		} else if ok {
			reason = string(kind)
		}
		parts = append(parts, fmt.Sprintf("sleep: yes (%ds left, reason=%s)", remaining, reason))
	} else {
		parts = append(parts, "sleep: no")
	}
	return strings.Join(parts, "; "), nil
}

func (p *Processor) sendAndPersist(ctx context.Context, state *model.ChatState, text, intentOrKind string, delaySeconds float64, delayKind string) (int64, error) {
	platformID, err := p.Sender.SendMessage(ctx, state.ChatID, text)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	meta := model.AssistantMeta{Persona: state.Persona}
	if delayKind != "" {
		meta.DelayKind = delayKind
		meta.DelaySeconds = delaySeconds
		meta.Intent = "reply"
	} else {
		meta.Intent = intentOrKind
	}
	var pid *int64
	if platformID != 0 {
		pid = &platformID
	}
	now := p.Clock.Now()
	if _, err := p.Store.InsertAssistantMessage(ctx, &model.AssistantMessage{
		ChatID:        state.ChatID,
		Text:          text,
		Meta:          meta,
		PlatformMsgID: pid,
		CreatedAt:     now,
	}); err != nil {
		return platformID, fmt.Errorf("persist assistant message: %w", err)
	}
	state.LastAssistantAt = &now
	return platformID, nil
}

func (p *Processor) sendGoodnight(ctx context.Context, state *model.ChatState, in Input, quietWin quietwindow.Window, localNow time.Time, offset int, intent upstream.Intent, text string) (string, error) {
	wakeLocal := quietwindow.EndOf(quietWin, localNow)
	wakeUTC := wakeLocal.Add(-time.Duration(offset) * time.Minute)

	req := upstream.Request{
		Intent: intent,
		Chat: upstream.ChatInfo{
			ChatID: in.ChatID, UserID: in.UserID, Lang: in.Lang, Username: in.Username,
			Persona: state.Persona, MemoryRev: state.MemoryRev,
		},
		Context: upstream.Context{LastUserMsgAt: state.LastUserMsgAt, LastAssistantAt: state.LastAssistantAt},
		Message: &upstream.MessageIn{Text: text},
		TraceID: in.TraceID,
	}
	reply := "Спокойной ночи!"
	if intent == upstream.IntentGoodnightFollowup {
		reply = "Я ухожу спать до утра."
	}
	if resp, err := p.Upstream.Call(ctx, req, in.TraceID); err == nil {
		reply = resp.Reply
	}

	if _, err := p.Sender.SendMessage(ctx, in.ChatID, reply); err != nil {
		return "", fmt.Errorf("send goodnight: %w", err)
	}
	now := p.Clock.Now()
	if _, err := p.Store.InsertAssistantMessage(ctx, &model.AssistantMessage{
		ChatID:    in.ChatID,
		Text:      reply,
		Meta:      model.AssistantMeta{Persona: state.Persona, Intent: string(intent)},
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("persist goodnight message: %w", err)
	}
	state.SleepUntil = &wakeUTC
	state.LastAssistantAt = &now
	if intent == upstream.IntentUserGoodnight {
		state.LastGoodnightSentAt = &now
	}
	return reply, p.Store.UpdateChatState(ctx, state)
}

func (p *Processor) handleUpstreamError(ctx context.Context, state *model.ChatState, in Input, callErr error) (string, error) {
	cerr, ok := callErr.(*upstream.CallError)
	if !ok {
		return "", callErr
	}

	var kind model.EventKind
	switch cerr.Class {
	case upstream.ClassServerError:
		kind = model.EventUpstreamError5xx
	case upstream.ClassClientError:
		kind = model.EventUpstreamError4xx
	default:
		kind = model.EventUpstreamErrorOther
	}
	p.Metrics.IncUpstreamError(string(cerr.Class))
	_ = p.Store.InsertEvent(ctx, &model.Event{
		Kind: kind, ChatID: &in.ChatID, UserID: &in.UserID,
		Payload: map[string]any{"intent": "reply", "status": cerr.StatusCode}, CreatedAt: p.Clock.Now(),
	})
	if saveErr := p.Store.UpdateChatState(ctx, state); saveErr != nil {
		return "", saveErr
	}

	switch cerr.Class {
	case upstream.ClassClientError:
		if in.SuppressErrors {
			return "(n8n_error_suppressed)", nil
		}
		reply := "Некорректный запрос"
		_, _ = p.Sender.SendMessage(ctx, in.ChatID, reply)
		return reply, nil
	default:
		return "", cerr
	}
}

func (p *Processor) moderate(ctx context.Context, state *model.ChatState, in Input, meta upstream.ResponseMeta) error {
	if !meta.IsAbuse() {
		return nil
	}
	now := p.Clock.Now()
	if err := p.Store.InsertEvent(ctx, &model.Event{
		Kind: model.EventAbuseDetected, ChatID: &in.ChatID, UserID: &in.UserID,
		Payload: map[string]any{"severity": meta.Severity, "suggested_mute_hours": meta.EffectiveMuteHours()},
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("record abuse event: %w", err)
	}

	windowStart := now.Add(-time.Duration(p.Config.Moderation.WindowMinutes) * time.Minute)
	count, err := p.Store.CountEventsSince(ctx, in.ChatID, model.EventAbuseDetected, windowStart)
	if err != nil {
		return fmt.Errorf("count abuse events: %w", err)
	}
	if count < p.Config.Moderation.MaxInWindow {
		return nil
	}
	until := now.Add(time.Duration(p.Config.Moderation.AutoBlockHours) * time.Hour)
	state.SleepUntil = &until
	return p.Store.InsertEvent(ctx, &model.Event{
		Kind: model.EventAbuseAutoBlock, ChatID: &in.ChatID, UserID: &in.UserID,
		Payload: map[string]any{"count": count, "window_min": p.Config.Moderation.WindowMinutes, "block_hours": p.Config.Moderation.AutoBlockHours},
		CreatedAt: now,
	})
}

func (p *Processor) replyDelay(state *model.ChatState, media *model.MediaRef, prevUserTS *time.Time, now time.Time) (float64, string) {
	rd := p.Config.ReplyDelay

	var prevActivity *time.Time
	switch {
	case prevUserTS != nil && state.LastAssistantAt != nil:
		if prevUserTS.After(*state.LastAssistantAt) {
			prevActivity = prevUserTS
		} else {
			prevActivity = state.LastAssistantAt
		}
	case prevUserTS != nil:
		prevActivity = prevUserTS
	default:
		prevActivity = state.LastAssistantAt
	}

	// (a) inactivity-long.
	if prevActivity != nil && rd.InactivityLongThresholdMinutes > 0 {
		gapMinutes := now.Sub(*prevActivity).Minutes()
		if gapMinutes >= float64(rd.InactivityLongThresholdMinutes) {
			if state.LastLongPauseReplyAt == nil || prevActivity.After(*state.LastLongPauseReplyAt) {
				state.LastLongPauseReplyAt = &now
				return uniform(rd.InactivityLongMinSeconds, rd.InactivityLongMaxSeconds), "inactivity_long"
			}
		}
	}

	// (b) rare-long.
	if rd.RareLongProb > 0 && rand.Float64() < rd.RareLongProb {
		return uniform(rd.RareLongMinSeconds, rd.RareLongMaxSeconds), "rare_long"
	}

	// (c) media override.
	if media != nil {
		switch media.Origin {
		case model.MediaOriginPhoto:
			return uniform(rd.PhotoDelayMinSeconds, rd.PhotoDelayMaxSeconds), "photo"
		case model.MediaOriginVoice, model.MediaOriginAudio:
			duration := media.DurationS
			if duration < 1.5 {
				duration = 1.5
			}
			if duration > 120 {
				duration = 120
			}
			return duration + uniform(rd.VoiceExtraMinSeconds, rd.VoiceExtraMaxSeconds), "voice"
		}
	}

	// (d) normal.
	return uniform(rd.MinSeconds, rd.MaxSeconds), "normal"
}

func uniform(lo, hi int) float64 {
	if hi < lo {
		hi = lo
	}
	if hi == lo {
		return float64(lo)
	}
	return float64(lo) + rand.Float64()*float64(hi-lo)
}

func (p *Processor) typingLoop(ctx context.Context, chatID int64, total time.Duration) {
	deadline := p.Clock.Now().Add(total)
	for p.Clock.Now().Before(deadline) {
		if err := p.Sender.SendChatAction(ctx, chatID, "typing"); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(4 * time.Second):
		}
	}
}

// deliverLater sends and persists a long-delayed reply from a detached
// goroutine, outside the caller's original request lifecycle (step 13's
// ">30s" branch).
func (p *Processor) deliverLater(ctx context.Context, chatID int64, text string, delay time.Duration, meta model.AssistantMeta) {
	typingCtx, cancel := context.WithCancel(ctx)
	go p.typingLoop(typingCtx, chatID, delay)
	time.Sleep(delay)
	cancel()

	platformID, err := p.Sender.SendMessage(ctx, chatID, text)
	if err != nil {
		return
	}
	var pid *int64
	if platformID != 0 {
		pid = &platformID
	}
	now := p.Clock.Now()
	if _, err := p.Store.InsertAssistantMessage(ctx, &model.AssistantMessage{
		ChatID: chatID, Text: text, Meta: meta, PlatformMsgID: pid, CreatedAt: now,
	}); err != nil {
		return
	}
	p.Metrics.IncReplySent(meta.DelayKind, meta.DelaySeconds)
	state, err := p.Store.GetChatState(ctx, chatID)
	if err != nil || state == nil {
		return
	}
	state.LastAssistantAt = &now
	if state.AutoEnabled {
		next := clock.FutureWithJitter(p.Clock, p.Config.Proactive.MinSeconds, p.Config.Proactive.MaxSeconds, &now)
		state.NextProactiveAt = &next
	}
	_ = p.Store.UpdateChatState(ctx, state)
}
