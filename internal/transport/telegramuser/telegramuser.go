// Package telegramuser implements the userbot transport adapter (C10B): an
// MTProto client (via gotd/td) that watches a real Telegram account's
// private dialogs and feeds "for me" messages into the same debounce
// buffer and Turn Processor as the webhook bot, following spec.md §4.10.
package telegramuser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/updates"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/tg"

	"github.com/hrygo/nikabridge/internal/debounce"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/internal/turn"
)

// recentWindow is how many of a chat's own recently-sent platform message
// ids the adapter remembers, used to recognize its own echoes. The ids are
// kept in memory only, so the list starts empty after a restart.
const recentWindow = 32

// UserBot drives a gotd/td MTProto client as the engine's transport, for
// deployments where the account receiving messages is a personal Telegram
// account rather than a bot.
type UserBot struct {
	client *telegram.Client
	sender *message.Sender
	mgr    *updates.Manager

	Debounce *debounce.Buffer
	Turn     *turn.Processor

	selfID int64

	mu     sync.Mutex
	recent map[int64][]int64 // chatID -> recent outgoing platform msg ids
}

// New builds a UserBot from MTProto API credentials and a session file
// path produced by the gensession CLI subcommand.
func New(apiID int, apiHash, sessionPath string) (*UserBot, error) {
	if apiID == 0 || apiHash == "" {
		return nil, fmt.Errorf("telegram userbot: api id/hash are required")
	}
	ub := &UserBot{recent: make(map[int64][]int64)}

	dispatcher := tg.NewUpdateDispatcher()
	ub.mgr = updates.New(updates.Config{Handler: dispatcher})

	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		ub.handleMessage(ctx, e, u.Message)
		return nil
	})

	client := telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: sessionPath},
		UpdateHandler:  ub.mgr,
		Middlewares: []telegram.Middleware{
			updhook.UpdateHook(ub.mgr.Handle),
		},
	})
	ub.client = client
	ub.sender = message.NewSender(tg.NewClient(client))
	return ub, nil
}

// Run connects, authenticates (session must already be primed by
// gensession), and blocks processing updates until ctx is cancelled.
func (ub *UserBot) Run(ctx context.Context) error {
	return ub.client.Run(ctx, func(ctx context.Context) error {
		self, err := ub.client.Self(ctx)
		if err != nil {
			return fmt.Errorf("resolve self: %w", err)
		}
		ub.selfID = self.ID

		return ub.mgr.Run(ctx, tg.NewClient(ub.client), self.ID, updates.AuthOptions{
			IsBot: false,
			OnStart: func(ctx context.Context) {
				slog.Info("telegram userbot: updates manager started", "self_id", self.ID)
			},
		})
	})
}

// SendMessage implements turn.Sender/proactive.Sender.
func (ub *UserBot) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	target := ub.peerTarget(chatID)
	sent, err := ub.sender.To(target).Text(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("userbot send: %w", err)
	}
	msgID := extractMessageID(sent)
	ub.rememberOutgoing(chatID, msgID)
	return msgID, nil
}

// SendChatAction implements turn.Sender; gotd exposes typing via
// SetTyping on the raw API rather than a string action code.
func (ub *UserBot) SendChatAction(ctx context.Context, chatID int64, action string) error {
	_, err := ub.sender.To(ub.peerTarget(chatID)).TypingAction().Typing(ctx)
	return err
}

func (ub *UserBot) peerTarget(chatID int64) tg.InputPeerClass {
	return &tg.InputPeerUser{UserID: chatID}
}

func extractMessageID(upd tg.UpdatesClass) int64 {
	switch u := upd.(type) {
	case *tg.Updates:
		for _, one := range u.Updates {
			if nm, ok := one.(*tg.UpdateMessageID); ok {
				return int64(nm.ID)
			}
		}
	}
	return 0
}

func (ub *UserBot) rememberOutgoing(chatID, msgID int64) {
	if msgID == 0 {
		return
	}
	ub.mu.Lock()
	defer ub.mu.Unlock()
	ids := append(ub.recent[chatID], msgID)
	if len(ids) > recentWindow {
		ids = ids[len(ids)-recentWindow:]
	}
	ub.recent[chatID] = ids
}

func (ub *UserBot) isOwnEcho(chatID, msgID int64) bool {
	ub.mu.Lock()
	defer ub.mu.Unlock()
	for _, id := range ub.recent[chatID] {
		if id == msgID {
			return true
		}
	}
	return false
}

// handleMessage filters to "for me" messages (private, inbound, not our
// own echo) and feeds free text/voice/photo into the debounce buffer.
func (ub *UserBot) handleMessage(ctx context.Context, entities tg.Entities, m tg.MessageClass) {
	msg, ok := m.(*tg.Message)
	if !ok || msg.Out {
		return
	}
	peerUser, ok := msg.PeerID.(*tg.PeerUser)
	if !ok {
		return // group/channel traffic is out of scope for the userbot adapter
	}
	chatID := peerUser.UserID
	if chatID == ub.selfID {
		return
	}
	if ub.isOwnEcho(chatID, int64(msg.ID)) {
		return
	}

	user, username, lang := resolveUser(entities, chatID)

	text := msg.Message
	var media *model.MediaRef
	if msg.Media != nil {
		media = extractMedia(msg.Media)
	}

	if err := ub.Debounce.Append(ctx, debounce.Event{
		ChatID:   chatID,
		ChatType: model.ChatTypePrivate,
		UserID:   user,
		Username: username,
		Lang:     lang,
		Text:     text,
		Media:    media,
	}); err != nil {
		slog.Error("telegram userbot: debounce append failed", "chat_id", chatID, "err", err)
	}
}

func resolveUser(entities tg.Entities, userID int64) (id int64, username, lang string) {
	if u, ok := entities.Users[userID]; ok {
		return u.ID, u.Username, u.LangCode
	}
	return userID, "", ""
}

func extractMedia(m tg.MessageMediaClass) *model.MediaRef {
	switch mm := m.(type) {
	case *tg.MessageMediaPhoto:
		if photo, ok := mm.Photo.(*tg.Photo); ok {
			return &model.MediaRef{Origin: model.MediaOriginPhoto, FileID: fmt.Sprintf("%d", photo.ID)}
		}
	case *tg.MessageMediaDocument:
		if doc, ok := mm.Document.(*tg.Document); ok {
			for _, attr := range doc.Attributes {
				if voice, ok := attr.(*tg.DocumentAttributeAudio); ok && voice.Voice {
					return &model.MediaRef{
						Origin: model.MediaOriginVoice, FileID: fmt.Sprintf("%d", doc.ID),
						MimeType: doc.MimeType, DurationS: float64(voice.Duration),
					}
				}
			}
			return &model.MediaRef{Origin: model.MediaOriginAudio, FileID: fmt.Sprintf("%d", doc.ID), MimeType: doc.MimeType}
		}
	}
	return nil
}

// SessionExists reports whether a gensession-produced session file is
// already present at path, used by main to decide whether to start the
// interactive login flow.
func SessionExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

var _ turn.Sender = (*UserBot)(nil)
