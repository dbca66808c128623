// Package model defines the persisted entities of the turn-coordination engine.
package model

import "time"

// ChatType mirrors the platform's notion of a conversation: a private 1:1
// chat or a group/supergroup.
type ChatType string

const (
	ChatTypePrivate ChatType = "private"
	ChatTypeGroup   ChatType = "group"
)

// Chat is created on first contact and is immutable thereafter.
type Chat struct {
	ID        int64
	Type      ChatType
	CreatedAt time.Time
}

// User is upserted on every inbound message.
type User struct {
	ID        int64
	Username  string
	Lang      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserMessage is an append-only row recording one inbound message.
type UserMessage struct {
	ID            int64
	ChatID        int64
	UserID        int64
	Text          string
	PlatformMsgID *int64
	CreatedAt     time.Time
}

// AssistantMeta is the open map persisted alongside an AssistantMessage. It
// keeps the upstream's own fields (which may carry unknown extras) plus the
// fields the turn processor itself stamps.
type AssistantMeta struct {
	Persona      string         `json:"persona,omitempty"`
	Intent       string         `json:"intent,omitempty"`
	DelayKind    string         `json:"delay_kind,omitempty"`
	DelaySeconds float64        `json:"delay_seconds,omitempty"`
	Model        string         `json:"model,omitempty"`
	Tokens       int            `json:"tokens,omitempty"`
	Abuse        bool           `json:"abuse,omitempty"`
	MuteHours    float64        `json:"mute_hours,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Recovered    bool           `json:"recovered,omitempty"`
	Extra        map[string]any `json:"-"`
}

// AssistantMessage is an append-only row recording one outbound message.
type AssistantMessage struct {
	ID            int64
	ChatID        int64
	Text          string
	Meta          AssistantMeta
	PlatformMsgID *int64
	CreatedAt     time.Time
}

// EventKind enumerates the audit-stream event kinds the engine writes.
type EventKind string

const (
	EventUpstreamError5xx    EventKind = "n8n_error_5xx"
	EventUpstreamError4xx    EventKind = "n8n_error_4xx"
	EventUpstreamErrorOther  EventKind = "n8n_error_other"
	EventUpstreamErrorGeneric EventKind = "n8n_error"
	EventAbuseDetected       EventKind = "abuse_detected"
	EventAbuseAutoBlock      EventKind = "abuse_auto_block"
	EventProactiveMorningSpamDisabled EventKind = "proactive_morning_spam_disabled"
)

// Event is an append-only audit row.
type Event struct {
	ID        int64
	Kind      EventKind
	ChatID    *int64
	UserID    *int64
	Payload   map[string]any
	CreatedAt time.Time
}

// PendingInput is the debounce buffer payload kept inside
// ChatState.PendingInputJSON (see §4.5).
type PendingInput struct {
	Text               string         `json:"text"`
	Media              *MediaRef      `json:"media,omitempty"`
	StartedAt          time.Time      `json:"started_at"`
	DeadlineAt         time.Time      `json:"deadline_at"`
	AbsoluteDeadlineAt time.Time      `json:"absolute_deadline_at"`
	UserID             int64          `json:"user_id"`
	Username           string         `json:"username"`
	Lang               string         `json:"lang"`
	ChatType           ChatType       `json:"chat_type"`
	Flushing           bool           `json:"flushing,omitempty"`
	PlatformMsgID      *int64         `json:"platform_msg_id,omitempty"`
	TraceID            string         `json:"trace_id,omitempty"`
}

// MediaOrigin classifies the kind of media attached to a message or buffer.
type MediaOrigin string

const (
	MediaOriginPhoto MediaOrigin = "photo"
	MediaOriginVoice MediaOrigin = "voice"
	MediaOriginAudio MediaOrigin = "audio"
)

// MediaRef describes a single piece of media carried through the buffer and
// into the upstream request.
type MediaRef struct {
	Origin    MediaOrigin `json:"origin"`
	URL       string      `json:"url,omitempty"`
	FileID    string      `json:"file_id,omitempty"`
	MimeType  string      `json:"mime_type,omitempty"`
	Width     int         `json:"width,omitempty"`
	Height    int         `json:"height,omitempty"`
	DurationS float64     `json:"duration,omitempty"`
}

// ChatState is the single per-chat coordination record.
type ChatState struct {
	ChatID   int64
	Persona  string

	LastUserMsgAt   *time.Time
	LastAssistantAt *time.Time

	LastMorningSentAt          *time.Time
	LastGoodnightSentAt        *time.Time
	LastGoodnightFollowupSentAt *time.Time
	LastReengageSentAt         *time.Time
	NextProactiveAt            *time.Time
	LastLongPauseReplyAt       *time.Time
	LastProactiveSentAt        *time.Time // diagnostic only, see SPEC_FULL.md §12

	AutoEnabled              bool
	ProactiveViaUserbot      bool
	SleepUntil               *time.Time
	TimezoneOffsetMinutes    *int
	MemoryRev                int

	PendingInput        *PendingInput
	PendingStartedAt    *time.Time
	PendingUpdatedAt    *time.Time

	ProactiveUserMsgCountSinceLast int // diagnostic only, see SPEC_FULL.md §12
}

// EffectiveTimezoneOffset returns the stored offset, or the default when the
// column is nil — resolved at read time, matching original_source semantics.
func (s *ChatState) EffectiveTimezoneOffset(defaultMinutes int) int {
	if s.TimezoneOffsetMinutes == nil {
		return defaultMinutes
	}
	return *s.TimezoneOffsetMinutes
}

// TaskStatus enumerates the lifecycle of a queued Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskKind enumerates the kinds of work the queue carries. The core only
// consumes IncomingUserMessage; other kinds are left open for extension.
type TaskKind string

const (
	TaskKindIncomingUserMessage TaskKind = "incoming_user_message"
)

// IncomingUserMessagePayload is the payload carried by an
// incoming_user_message task.
type IncomingUserMessagePayload struct {
	PlatformMessageID int64       `json:"telegram_message_id"`
	ChatID            int64       `json:"chat_id"`
	ChatType          ChatType    `json:"chat_type"`
	UserID            int64       `json:"user_id,omitempty"`
	Username          string      `json:"username,omitempty"`
	Lang              string      `json:"lang,omitempty"`
	Text              string      `json:"text"`
	Media             *MediaRef   `json:"media,omitempty"`
	TraceID           string      `json:"trace_id,omitempty"`
	Source            string      `json:"source"`
}

// Task is a durable unit of work.
type Task struct {
	ID            int64
	Kind          TaskKind
	Status        TaskStatus
	Priority      int
	Payload       []byte
	Attempts      int
	DedupKey      *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	LeaseExpiresAt *time.Time
	HeartbeatAt   *time.Time
	LastError     *string
}

// ProactiveOutboxEntry is a proactive message awaiting delivery by a
// send-capable adapter (used when ChatState.ProactiveViaUserbot is set).
type ProactiveOutboxEntry struct {
	ID        int64
	ChatID    int64
	Intent    string
	Text      string
	Meta      map[string]any
	CreatedAt time.Time
	SentAt    *time.Time
	Attempts  int
}
