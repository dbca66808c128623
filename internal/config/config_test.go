package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestFromEnv_DefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "TELEGRAM_BOT_TOKEN", "WEBHOOK_SECRET", "PUBLIC_BASE_URL", "N8N_WEBHOOK_URL",
		"DB_DSN", "APP_HOST", "APP_PORT", "LOG_LEVEL", "UPLOAD_DIR", "MAX_USER_TEXT_LEN",
		"USER_MIN_SECONDS_BETWEEN_MSG", "PROACTIVE_MIN_SECONDS")

	c := &Config{}
	c.FromEnv()

	assert.Equal(t, "0.0.0.0", c.Addr)
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "INFO", c.LogLevel)
	assert.Equal(t, "./data/uploads", c.UploadDir)
	assert.Equal(t, 4000, c.MaxUserTextLen)
	assert.Equal(t, 5, c.AntiSpam.MinGapSeconds)
	assert.Equal(t, 3600, c.Proactive.MinSeconds)
	assert.True(t, c.Proactive.DefaultAuto)
	assert.Equal(t, 5, c.Queue.MaxAttempts)
}

func TestFromEnv_OverridesFromEnvironment(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("MAX_USER_TEXT_LEN", "1000")
	t.Setenv("AUTO_MESSAGES_DEFAULT", "false")
	t.Setenv("REPLY_RARE_LONG_PROB", "0.25")

	c := &Config{}
	c.FromEnv()

	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, 1000, c.MaxUserTextLen)
	assert.False(t, c.Proactive.DefaultAuto)
	assert.Equal(t, 0.25, c.ReplyDelay.RareLongProb)
}

func TestFromEnv_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("APP_PORT", "not-a-number")
	c := &Config{}
	c.FromEnv()
	assert.Equal(t, 8080, c.Port)
}

func validConfig() *Config {
	return &Config{
		Mode:             "prod",
		DSN:              "postgres://localhost/nikabridge",
		UpstreamURL:      "https://n8n.example.com/webhook/x",
		TelegramBotToken: "tok",
		WebhookSecret:    "secret",
	}
}

func TestValidate_AcceptsCompleteWebhookConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_AcceptsUserbotConfigWithoutToken(t *testing.T) {
	c := validConfig()
	c.TelegramBotToken = ""
	c.WebhookSecret = ""
	c.UserbotSession = "/path/to/session"
	assert.NoError(t, c.Validate())
}

func TestValidate_RequiresDSN(t *testing.T) {
	c := validConfig()
	c.DSN = ""
	require.Error(t, c.Validate())
	assert.Contains(t, c.Validate().Error(), "DB_DSN")
}

func TestValidate_RequiresUpstreamURL(t *testing.T) {
	c := validConfig()
	c.UpstreamURL = ""
	require.Error(t, c.Validate())
}

func TestValidate_RequiresAbsoluteUpstreamURL(t *testing.T) {
	c := validConfig()
	c.UpstreamURL = "n8n.example.com/webhook"
	require.Error(t, c.Validate())
	assert.Contains(t, c.Validate().Error(), "absolute URL")
}

func TestValidate_RequiresOneTelegramTransport(t *testing.T) {
	c := validConfig()
	c.TelegramBotToken = ""
	c.WebhookSecret = ""
	c.UserbotSession = ""
	require.Error(t, c.Validate())
}

func TestValidate_RequiresWebhookSecretWhenBotTokenSet(t *testing.T) {
	c := validConfig()
	c.WebhookSecret = ""
	require.Error(t, c.Validate())
	assert.Contains(t, c.Validate().Error(), "WEBHOOK_SECRET")
}

func TestValidate_NormalizesUnknownModeToDev(t *testing.T) {
	c := validConfig()
	c.Mode = "staging"
	require.NoError(t, c.Validate())
	assert.Equal(t, "dev", c.Mode)
}

func TestIsDev(t *testing.T) {
	assert.True(t, (&Config{Mode: "dev"}).IsDev())
	assert.True(t, (&Config{Mode: ""}).IsDev())
	assert.False(t, (&Config{Mode: "prod"}).IsDev())
}

func TestString_OmitsSecrets(t *testing.T) {
	c := &Config{Mode: "prod", Addr: "0.0.0.0", Port: 8080, UpstreamURL: "https://x", UploadDir: "./data", WebhookSecret: "top-secret"}
	s := c.String()
	assert.NotContains(t, s, "top-secret")
	assert.Contains(t, s, "mode=prod")
}
