package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/nikabridge/internal/clock"
	"github.com/hrygo/nikabridge/internal/config"
	"github.com/hrygo/nikabridge/internal/debounce"
	"github.com/hrygo/nikabridge/internal/metrics"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/internal/turn"
	"github.com/hrygo/nikabridge/internal/upstream"
	"github.com/hrygo/nikabridge/store"
	"github.com/hrygo/nikabridge/store/storetest"
)

// extractMedia never touches the Bot API client for a plain-text message, so
// this exercises it directly without a live token.
func TestExtractMedia_NoMediaReturnsNil(t *testing.T) {
	b := &Bot{}
	msg := &tgbotapi.Message{Text: "hello"}
	assert.Nil(t, b.extractMedia(msg))
}

func newTestProcessor(t *testing.T) *turn.Processor {
	t.Helper()
	srv := httptest.NewServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"ok"}`))
	})
	t.Cleanup(srv.Close)
	reg := metrics.New(metrics.DefaultConfig())
	return &turn.Processor{
		Store:    store.New(storetest.New()),
		Upstream: upstream.New(srv.URL, "", reg),
		Metrics:  reg,
		Config:   &config.Config{MaxUserTextLen: 4000},
		Clock:    &clock.Fake{T: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)},
		Sender:   noopSender{},
	}
}

type noopSender struct{}

func (noopSender) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	return 1, nil
}
func (noopSender) SendChatAction(ctx context.Context, chatID int64, action string) error { return nil }

func TestHandleUpdate_CommandBypassesDebounceAndHitsTurn(t *testing.T) {
	proc := newTestProcessor(t)
	bot := &Bot{Turn: proc} // Debounce left nil: a command must never touch it.

	update := tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "/status",
		From: &tgbotapi.User{ID: 10, UserName: "alice"},
		Chat: &tgbotapi.Chat{ID: 1, Type: "private"},
	}}

	assert.NotPanics(t, func() { bot.HandleUpdate(context.Background(), update) })

	state, err := proc.Store.GetChatState(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, state.LastAssistantAt, "a /status reply should have stamped the chat state")
}

func TestHandleUpdate_PlainTextGoesToDebounce(t *testing.T) {
	st := store.New(storetest.New())
	fc := &clock.Fake{T: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}
	buf := debounce.New(st, fc, func(context.Context, int64, model.PendingInput) {})
	bot := &Bot{Debounce: buf}

	update := tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "hello there",
		From: &tgbotapi.User{ID: 10, UserName: "alice"},
		Chat: &tgbotapi.Chat{ID: 2, Type: "private"},
	}}

	bot.HandleUpdate(context.Background(), update)

	state, err := st.GetChatState(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, state.PendingInput)
	assert.Equal(t, "hello there", state.PendingInput.Text)
}

func TestHandleUpdate_IgnoresUpdateWithoutMessage(t *testing.T) {
	bot := &Bot{}
	assert.NotPanics(t, func() { bot.HandleUpdate(context.Background(), tgbotapi.Update{}) })
}

func TestHandleUpdate_IgnoresMessageWithoutFrom(t *testing.T) {
	bot := &Bot{}
	update := tgbotapi.Update{Message: &tgbotapi.Message{Text: "hi", Chat: &tgbotapi.Chat{ID: 1}}}
	assert.NotPanics(t, func() { bot.HandleUpdate(context.Background(), update) })
}
