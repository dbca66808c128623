// Package telegram implements the webhook bot transport adapter (C10A):
// inbound Updates feed the debounce buffer or the Turn Processor, and
// outbound replies go back through the Bot API, following the teacher's
// own Telegram channel (plugin/chat_apps/channels/telegram).
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/nikabridge/internal/debounce"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/internal/turn"
)

// Bot wraps the Telegram Bot API client into the engine's transport
// adapter. It satisfies turn.Sender and proactive.Sender.
type Bot struct {
	api      *tgbotapi.BotAPI
	Debounce *debounce.Buffer
	Turn     *turn.Processor
}

// New constructs a Bot from a bot token, matching the teacher's
// NewTelegramChannel constructor shape.
func New(token string) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{api: api}, nil
}

// SendMessage implements turn.Sender/proactive.Sender.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := b.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("telegram send: %w", err)
	}
	return int64(sent.MessageID), nil
}

// SendChatAction implements turn.Sender.
func (b *Bot) SendChatAction(ctx context.Context, chatID int64, action string) error {
	_, err := b.api.Request(tgbotapi.NewChatAction(chatID, action))
	return err
}

// SetWebhook registers webhookURL, a full URL, as the bot's webhook target.
func (b *Bot) SetWebhook(webhookURL string, dropPending bool) error {
	cfg, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return fmt.Errorf("build webhook config: %w", err)
	}
	cfg.DropPendingUpdates = dropPending
	_, err = b.api.Request(cfg)
	return err
}

// HandleUpdate routes one inbound Update into either the debounce buffer
// (free text, photo, voice, audio) or directly into the Turn Processor
// (in-band commands, which must not be delayed/coalesced).
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	lang := msg.From.LanguageCode
	username := msg.From.UserName
	chatType := model.ChatTypePrivate
	if msg.Chat != nil && msg.Chat.Type != "private" {
		chatType = model.ChatTypeGroup
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	if strings.HasPrefix(text, "/") {
		if _, err := b.Turn.Process(ctx, turn.Input{
			ChatID:   msg.Chat.ID,
			ChatType: chatType,
			UserID:   msg.From.ID,
			Username: username,
			Lang:     lang,
			Text:     text,
		}); err != nil {
			slog.Error("telegram: command processing failed", "chat_id", msg.Chat.ID, "err", err)
		}
		return
	}

	media := b.extractMedia(msg)
	if err := b.Debounce.Append(ctx, debounce.Event{
		ChatID:   msg.Chat.ID,
		ChatType: chatType,
		UserID:   msg.From.ID,
		Username: username,
		Lang:     lang,
		Text:     text,
		Media:    media,
	}); err != nil {
		slog.Error("telegram: debounce append failed", "chat_id", msg.Chat.ID, "err", err)
	}
}

func (b *Bot) extractMedia(msg *tgbotapi.Message) *model.MediaRef {
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return &model.MediaRef{
			Origin: model.MediaOriginPhoto,
			URL:    b.fileURL(largest.FileID),
			FileID: largest.FileID,
			Width:  largest.Width,
			Height: largest.Height,
		}
	case msg.Voice != nil:
		return &model.MediaRef{
			Origin:    model.MediaOriginVoice,
			URL:       b.fileURL(msg.Voice.FileID),
			FileID:    msg.Voice.FileID,
			MimeType:  msg.Voice.MimeType,
			DurationS: float64(msg.Voice.Duration),
		}
	case msg.Audio != nil:
		return &model.MediaRef{
			Origin:    model.MediaOriginAudio,
			URL:       b.fileURL(msg.Audio.FileID),
			FileID:    msg.Audio.FileID,
			MimeType:  msg.Audio.MimeType,
			DurationS: float64(msg.Audio.Duration),
		}
	default:
		return nil
	}
}

func (b *Bot) fileURL(fileID string) string {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		slog.Warn("telegram: get file failed", "file_id", fileID, "err", err)
		return ""
	}
	return file.Link(b.api.Token)
}

var _ turn.Sender = (*Bot)(nil)
