// Package config loads and validates the process configuration, following
// the teacher's profile.Profile pattern: a flat struct populated from
// viper-bound flags/env, then validated once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReplyDelay holds §4.6 step 12 reply-delay policy parameters.
type ReplyDelay struct {
	MinSeconds                int
	MaxSeconds                int
	RareLongProb              float64
	RareLongMinSeconds        int
	RareLongMaxSeconds        int
	InactivityLongThresholdMinutes int
	InactivityLongMinSeconds  int
	InactivityLongMaxSeconds  int
	PhotoDelayMinSeconds      int
	PhotoDelayMaxSeconds      int
	VoiceExtraMinSeconds      int
	VoiceExtraMaxSeconds      int
}

// Proactive holds §4.8 scheduler parameters.
type Proactive struct {
	DefaultAuto             bool
	MinSeconds              int
	MaxSeconds              int
	MorningWindow           string
	EveningWindow           string
	QuietWindow             string
	ReengageMinHours        int
	ReengageCooldownHours   int
	DefaultTimezoneOffsetMinutes int
	GenericEnabled          bool
	MorningSpamWindowMinutes int
	MorningSpamMax          int
}

// Moderation holds §4.6 step 11 abuse auto-block parameters.
type Moderation struct {
	WindowMinutes  int
	MaxInWindow    int
	AutoBlockHours int
}

// Queue holds §4.7 task queue parameters.
type Queue struct {
	LeaseSeconds        int
	HeartbeatSeconds     int
	WatchdogIntervalSeconds int
	MaxAttempts          int
	RecoveryHistoryLimit int
}

// AntiSpam holds §4.6 step 6 parameters.
type AntiSpam struct {
	MinGapSeconds int
}

// Config is the fully assembled process configuration.
type Config struct {
	Mode       string // dev | prod
	Addr       string
	Port       int

	TelegramBotToken string
	WebhookSecret    string
	PublicBaseURL    string

	UserbotAPIID      int
	UserbotAPIHash    string
	UserbotSession    string

	UpstreamURL   string
	UploadDir     string

	DSN string

	LogLevel string

	MaxUserTextLen int

	ReplyDelay ReplyDelay
	Proactive  Proactive
	Moderation Moderation
	Queue      Queue
	AntiSpam   AntiSpam
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// FromEnv populates c from environment variables, following the env names
// in spec.md §6 (carried over verbatim from the Python original's settings).
func (c *Config) FromEnv() {
	c.TelegramBotToken = envOr("TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	c.WebhookSecret = envOr("WEBHOOK_SECRET", c.WebhookSecret)
	c.PublicBaseURL = envOr("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.UpstreamURL = envOr("N8N_WEBHOOK_URL", c.UpstreamURL)
	c.DSN = envOr("DB_DSN", c.DSN)
	c.Addr = envOr("APP_HOST", envOr("APP_HOST", "0.0.0.0"))
	c.Port = envOrInt("APP_PORT", 8080)
	c.LogLevel = envOr("LOG_LEVEL", "INFO")
	c.UploadDir = envOr("UPLOAD_DIR", "./data/uploads")

	c.UserbotAPIID = envOrInt("TELEGRAM_USERBOT_API_ID", 0)
	c.UserbotAPIHash = envOr("TELEGRAM_USERBOT_API_HASH", "")
	c.UserbotSession = envOr("TELEGRAM_USERBOT_SESSION", "")

	c.MaxUserTextLen = envOrInt("MAX_USER_TEXT_LEN", 4000)

	c.AntiSpam.MinGapSeconds = envOrInt("USER_MIN_SECONDS_BETWEEN_MSG", 5)

	c.ReplyDelay = ReplyDelay{
		MinSeconds:                     envOrInt("REPLY_DELAY_MIN_SECONDS", 5),
		MaxSeconds:                     envOrInt("REPLY_DELAY_MAX_SECONDS", 10),
		RareLongProb:                   envOrFloat("REPLY_RARE_LONG_PROB", 0),
		RareLongMinSeconds:             envOrInt("REPLY_RARE_LONG_MIN_SECONDS", 180),
		RareLongMaxSeconds:             envOrInt("REPLY_RARE_LONG_MAX_SECONDS", 360),
		InactivityLongThresholdMinutes: envOrInt("REPLY_INACTIVITY_LONG_THRESHOLD_MINUTES", 120),
		InactivityLongMinSeconds:       envOrInt("REPLY_INACTIVITY_LONG_MIN_SECONDS", 180),
		InactivityLongMaxSeconds:       envOrInt("REPLY_INACTIVITY_LONG_MAX_SECONDS", 300),
		PhotoDelayMinSeconds:           envOrInt("PHOTO_REPLY_DELAY_MIN", 5),
		PhotoDelayMaxSeconds:           envOrInt("PHOTO_REPLY_DELAY_MAX", 6),
		VoiceExtraMinSeconds:           envOrInt("VOICE_DELAY_EXTRA_MIN", 2),
		VoiceExtraMaxSeconds:           envOrInt("VOICE_DELAY_EXTRA_MAX", 4),
	}

	c.Proactive = Proactive{
		DefaultAuto:                  envOrBool("AUTO_MESSAGES_DEFAULT", true),
		MinSeconds:                   envOrInt("PROACTIVE_MIN_SECONDS", 3600),
		MaxSeconds:                   envOrInt("PROACTIVE_MAX_SECONDS", 7200),
		MorningWindow:                envOr("PROACTIVE_MORNING_WINDOW", "07:00-09:30"),
		EveningWindow:                envOr("PROACTIVE_EVENING_WINDOW", "21:00-23:30"),
		QuietWindow:                  envOr("PROACTIVE_QUIET_WINDOW", "00:30-07:00"),
		ReengageMinHours:             envOrInt("REENGAGE_MIN_HOURS", 6),
		ReengageCooldownHours:        envOrInt("REENGAGE_COOLDOWN_HOURS", 12),
		DefaultTimezoneOffsetMinutes: envOrInt("DEFAULT_TIMEZONE_OFFSET_MINUTES", 180),
		GenericEnabled:               envOrBool("PROACTIVE_GENERIC_ENABLED", true),
		MorningSpamWindowMinutes:     30,
		MorningSpamMax:               1,
	}

	c.Moderation = Moderation{
		WindowMinutes:  envOrInt("ABUSE_WINDOW_MINUTES", 30),
		MaxInWindow:    envOrInt("ABUSE_MAX_IN_WINDOW", 10),
		AutoBlockHours: envOrInt("ABUSE_AUTO_BLOCK_HOURS", 24),
	}

	c.Queue = Queue{
		LeaseSeconds:            envOrInt("TASK_LEASE_SECONDS", 60),
		HeartbeatSeconds:        envOrInt("TASK_HEARTBEAT_SECONDS", 30),
		WatchdogIntervalSeconds: envOrInt("TASK_WATCHDOG_INTERVAL", 10),
		MaxAttempts:             5,
		RecoveryHistoryLimit:    envOrInt("RECOVERY_HISTORY_LIMIT", 500),
	}
}

// Validate fails fast on missing required configuration (§7 ConfigError).
func (c *Config) Validate() error {
	if c.Mode != "dev" && c.Mode != "prod" {
		c.Mode = "dev"
	}
	if c.DSN == "" {
		return errors.New("DB_DSN is required")
	}
	if c.UpstreamURL == "" {
		return errors.New("N8N_WEBHOOK_URL is required")
	}
	if c.TelegramBotToken == "" && c.UserbotSession == "" {
		return errors.New("one of TELEGRAM_BOT_TOKEN or TELEGRAM_USERBOT_SESSION is required")
	}
	if c.WebhookSecret == "" && c.TelegramBotToken != "" {
		return errors.New("WEBHOOK_SECRET is required when running the webhook bot transport")
	}
	if !strings.Contains(c.UpstreamURL, "://") {
		return errors.Errorf("N8N_WEBHOOK_URL must be an absolute URL: %q", c.UpstreamURL)
	}
	return nil
}

func (c *Config) IsDev() bool { return c.Mode != "prod" }

// String renders a safe summary (no secrets) for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("mode=%s addr=%s:%d upstream=%s upload_dir=%s", c.Mode, c.Addr, c.Port, c.UpstreamURL, c.UploadDir)
}
