package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/gotd/td/session"
	gotdtg "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/nikabridge/internal/cancelguard"
	"github.com/hrygo/nikabridge/internal/clock"
	"github.com/hrygo/nikabridge/internal/config"
	"github.com/hrygo/nikabridge/internal/debounce"
	"github.com/hrygo/nikabridge/internal/metrics"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/internal/outbox"
	"github.com/hrygo/nikabridge/internal/proactive"
	"github.com/hrygo/nikabridge/internal/taskqueue"
	"github.com/hrygo/nikabridge/internal/transport/telegram"
	"github.com/hrygo/nikabridge/internal/transport/telegramuser"
	"github.com/hrygo/nikabridge/internal/turn"
	"github.com/hrygo/nikabridge/internal/upstream"
	"github.com/hrygo/nikabridge/internal/version"
	"github.com/hrygo/nikabridge/server"
	"github.com/hrygo/nikabridge/store"
	"github.com/hrygo/nikabridge/store/db/postgres"
)

var rootCmd = &cobra.Command{
	Use:   "nikabridge",
	Short: "Mediates between Telegram and an upstream workflow endpoint, coordinating turns, debouncing bursts, and scheduling proactive nudges.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: runServe,
}

func init() {
	viper.SetDefault("mode", "dev")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of the process, "prod" or "dev"`)
	if err := viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode")); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("nikabridge")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	forceProactiveCmd.Flags().Int64Var(&forceProactiveChatID, "chat", 0, "chat ID")
	forceProactiveCmd.Flags().StringVar(&forceProactiveIntent, "intent", "proactive_generic", "intent label stored on the outbox entry")
	forceProactiveCmd.Flags().StringVar(&forceProactiveText, "text", "", "text to send")
	forceProactiveCmd.Flags().BoolVar(&forceProactiveSendNow, "send-now", false, "mark as already sent (debug only, skips the outbox poller)")

	rootCmd.AddCommand(migrateCmd, gensessionCmd, setwebhookCmd, forceProactiveCmd)
}

func loadConfig() *config.Config {
	cfg := &config.Config{Mode: viper.GetString("mode")}
	cfg.FromEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "err", err)
		os.Exit(1)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
		slog.SetLogLoggerLevel(level)
	}
	return cfg
}

func openStore(ctx context.Context, cfg *config.Config) *store.Store {
	driver, err := postgres.New(cfg.DSN)
	if err != nil {
		slog.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	st := store.New(driver)
	if err := st.Migrate(ctx); err != nil {
		slog.Error("migrate failed", "err", err)
		os.Exit(1)
	}
	return st
}

// runServe is the default command: build every long-running component
// (webhook/userbot transport, debounce buffer, task queue worker and
// watchdog, proactive scheduler, outbox poller, HTTP server) and run them
// until a termination signal arrives, following the teacher's own
// build-driver/migrate/serve/wait-for-signal shape in cmd/divinesense.
func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	fmt.Printf("nikabridge %s starting (mode=%s)\n", version.String(), cfg.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := openStore(ctx, cfg)
	defer st.Close()

	reg := metrics.New(metrics.DefaultConfig())
	upstreamClient := upstream.New(cfg.UpstreamURL, cfg.PublicBaseURL, reg)
	guard := cancelguard.New()

	processor := &turn.Processor{
		Store: st, Upstream: upstreamClient, Metrics: reg, Config: cfg,
		Clock: clock.Real{}, CancelGuard: guard,
	}

	var sender turn.Sender
	var tgBot *telegram.Bot
	var userBot *telegramuser.UserBot
	var err error

	if cfg.TelegramBotToken != "" {
		tgBot, err = telegram.New(cfg.TelegramBotToken)
		if err != nil {
			slog.Error("telegram bot init failed", "err", err)
			os.Exit(1)
		}
		sender = tgBot
	} else {
		userBot, err = telegramuser.New(cfg.UserbotAPIID, cfg.UserbotAPIHash, cfg.UserbotSession)
		if err != nil {
			slog.Error("telegram userbot init failed", "err", err)
			os.Exit(1)
		}
		sender = userBot
	}
	processor.Sender = sender

	buf := debounce.New(st, clock.Real{}, func(ctx context.Context, chatID int64, in model.PendingInput) {
		_, _ = processor.Process(ctx, turn.Input{
			ChatID: chatID, ChatType: in.ChatType, UserID: in.UserID,
			Username: in.Username, Lang: in.Lang, Text: in.Text, Media: in.Media,
			TraceID: in.TraceID, PlatformMsgID: in.PlatformMsgID,
		})
	})
	buf.CancelGuard = guard

	var handlers []func(context.Context) error

	if tgBot != nil {
		tgBot.Debounce = buf
		tgBot.Turn = processor
	} else {
		userBot.Debounce = buf
		userBot.Turn = processor
		handlers = append(handlers, userBot.Run)
	}

	worker := &taskqueue.Worker{Store: st, Processor: processor, Metrics: reg, Config: cfg, Clock: clock.Real{}}
	watchdog := &taskqueue.Watchdog{Store: st, Config: cfg}
	scheduler := &proactive.Scheduler{Store: st, Upstream: upstreamClient, Metrics: reg, Config: cfg, Clock: clock.Real{}, Sender: sender}
	outboxPoller := &outbox.Poller{Store: st, Sender: sender, Clock: clock.Real{}}

	handlers = append(handlers, worker.Run, watchdog.Run, scheduler.Run, outboxPoller.Run)
	for _, h := range handlers {
		go func(run func(context.Context) error) {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("background component stopped", "err", err)
			}
		}(h)
	}

	var tgHandler server.UpdateHandler
	if tgBot != nil {
		tgHandler = tgBot
	}
	srv := server.New(cfg, reg, tgHandler)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, terminationSignals...)
	go func() {
		<-sig
		slog.Info("shutting down")
		_ = srv.Shutdown(context.Background())
		cancel()
	}()

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "err", err)
	}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		st := openStore(context.Background(), cfg)
		defer st.Close()
		fmt.Println("migrations applied")
	},
}

var setwebhookCmd = &cobra.Command{
	Use:   "setwebhook <url>",
	Short: "Register the bot's webhook URL with Telegram",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		bot, err := telegram.New(cfg.TelegramBotToken)
		if err != nil {
			slog.Error("telegram bot init failed", "err", err)
			os.Exit(1)
		}
		if err := bot.SetWebhook(args[0], false); err != nil {
			slog.Error("set webhook failed", "err", err)
			os.Exit(1)
		}
		fmt.Println("webhook set:", args[0])
	},
}

var (
	forceProactiveChatID  int64
	forceProactiveIntent  string
	forceProactiveText    string
	forceProactiveSendNow bool
)

// forceProactiveCmd enqueues a literal outbox entry for a chat, bypassing
// windows/cooldowns entirely, matching the original force_proactive.py
// ops script rather than exercising the scheduler's upstream call.
var forceProactiveCmd = &cobra.Command{
	Use:   "force-proactive",
	Short: "Enqueue one proactive outbox entry for a chat, bypassing windows and cooldowns",
	Run: func(cmd *cobra.Command, args []string) {
		if forceProactiveChatID == 0 || forceProactiveText == "" {
			slog.Error("force-proactive: --chat and --text are required")
			os.Exit(1)
		}
		cfg := loadConfig()
		ctx := context.Background()
		st := openStore(ctx, cfg)
		defer st.Close()

		state, err := st.GetChatState(ctx, forceProactiveChatID)
		if err != nil {
			slog.Error("chat state not found; send at least one message first", "chat_id", forceProactiveChatID, "err", err)
			os.Exit(1)
		}
		if !state.ProactiveViaUserbot {
			state.ProactiveViaUserbot = true
			if err := st.UpdateChatState(ctx, state); err != nil {
				slog.Error("update chat state failed", "err", err)
				os.Exit(1)
			}
		}

		entry := &model.ProactiveOutboxEntry{
			ChatID: forceProactiveChatID, Intent: forceProactiveIntent, Text: forceProactiveText,
			Meta: map[string]any{}, CreatedAt: clock.Real{}.Now(),
		}
		if forceProactiveSendNow {
			now := clock.Real{}.Now()
			entry.SentAt = &now
		}
		if err := st.AppendOutbox(ctx, entry); err != nil {
			slog.Error("enqueue failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("enqueued proactive: chat=%d intent=%s send_now=%v\n", forceProactiveChatID, forceProactiveIntent, forceProactiveSendNow)
	},
}

// gensessionCmd drives gotd's interactive terminal login flow and writes a
// session file that the userbot transport reads on startup.
var gensessionCmd = &cobra.Command{
	Use:   "gensession <path>",
	Short: "Interactively authenticate a personal Telegram account and save its session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if telegramuser.SessionExists(args[0]) {
			fmt.Println("session already exists at", args[0])
			return
		}

		client := gotdtg.NewClient(cfg.UserbotAPIID, cfg.UserbotAPIHash, gotdtg.Options{
			SessionStorage: &session.FileStorage{Path: args[0]},
		})

		ctx := context.Background()
		if err := client.Run(ctx, func(ctx context.Context) error {
			flow := auth.NewFlow(termAuth{}, auth.SendCodeOptions{})
			return client.Auth().IfNecessary(ctx, flow)
		}); err != nil {
			slog.Error("gensession failed", "err", err)
			os.Exit(1)
		}
		fmt.Println("session saved to", args[0])
	},
}

// termAuth prompts for phone/code/password on stdin, the minimal
// auth.UserAuthenticator gotd needs to drive an interactive login.
type termAuth struct{}

func (termAuth) Phone(_ context.Context) (string, error) {
	return prompt("Phone number: ")
}

func (termAuth) Password(_ context.Context) (string, error) {
	return prompt("2FA password: ")
}

func (termAuth) Code(_ context.Context, _ *auth.SentCode) (string, error) {
	return prompt("Login code: ")
}

func (termAuth) AcceptTermsOfService(_ context.Context, _ auth.TermsOfService) error {
	return nil
}

func (termAuth) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, fmt.Errorf("gensession: account has no Telegram registration, sign-up not supported")
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	return strings.TrimSpace(line), err
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
