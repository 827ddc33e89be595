package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chatloop/chatloop/internal/api"
	"github.com/chatloop/chatloop/internal/flow"
	"github.com/chatloop/chatloop/internal/genai"
	"github.com/chatloop/chatloop/internal/lockfile"
	"github.com/chatloop/chatloop/internal/messaging"
	"github.com/chatloop/chatloop/internal/recovery"
	"github.com/chatloop/chatloop/internal/scheduler"
	"github.com/chatloop/chatloop/internal/store"
	"github.com/chatloop/chatloop/internal/twiliowhatsapp"
	"github.com/chatloop/chatloop/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatLoop state data
	DefaultStateDir = "/var/lib/chatloop"
	// DefaultAppDBFileName is the default SQLite database filename for the application store
	DefaultAppDBFileName = "chatloop.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the whatsmeow session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultOutboxPollInterval is how often the outbox sender polls for due messages
	DefaultOutboxPollInterval = 5 * time.Second

	// TransportWhatsmeow selects the live whatsmeow WhatsApp transport
	TransportWhatsmeow = "whatsmeow"
	// TransportTwilio selects the Twilio WhatsApp API transport
	TransportTwilio = "twilio"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping ChatLoop", "transport", *flags.transport, "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	if err := run(flags); err != nil {
		slog.Error("ChatLoop failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatLoop exited successfully")
}

// Config holds environment configuration
type Config struct {
	Transport     string
	WhatsAppDBDSN string
	AppDBDSN      string
	StateDir      string
	OpenAIKey     string
	APIAddr       string
	SweepCron     string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	transport     *string
	whatsappDBDSN *string
	appDBDSN      *string
	openaiKey     *string
	apiAddr       *string
	sweepCron     *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		Transport:     os.Getenv("CHATLOOP_TRANSPORT"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),
		AppDBDSN:      os.Getenv("DATABASE_DSN"),
		StateDir:      os.Getenv("CHATLOOP_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		SweepCron:     os.Getenv("SWEEP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHATLOOP_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Transport == "" {
		config.Transport = TransportWhatsmeow
	}

	// DATABASE_URL is the shared fallback for both DSNs.
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		if config.AppDBDSN == "" {
			config.AppDBDSN = databaseURL
			slog.Debug("Using DATABASE_URL as application store DSN")
		}
		if config.WhatsAppDBDSN == "" {
			config.WhatsAppDBDSN = databaseURL
			slog.Debug("Using DATABASE_URL as whatsmeow session DSN")
		}
	}

	// Default to SQLite files in the state directory.
	if config.AppDBDSN == "" {
		config.AppDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application DSN provided, defaulting to SQLite", "sqlite_path", config.AppDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
		slog.Debug("No whatsmeow DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDBDSN)
	}

	slog.Debug("environment variables loaded",
		"CHATLOOP_TRANSPORT", config.Transport,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.AppDBDSN != "",
		"CHATLOOP_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"SWEEP_SCHEDULE", config.SweepCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for ChatLoop data (overrides $CHATLOOP_STATE_DIR)"),
		transport:     flag.String("transport", config.Transport, "WhatsApp transport: whatsmeow or twilio (overrides $CHATLOOP_TRANSPORT)"),
		whatsappDBDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      flag.String("db-dsn", config.AppDBDSN, "database DSN for the application store (overrides $DATABASE_DSN or $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for ai bindings (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		sweepCron:     flag.String("sweep-cron", config.SweepCron, "cron schedule for the session expiry sweep (overrides $SWEEP_SCHEDULE)"),
	}

	flag.Parse()

	// Follow a changed state directory for DSNs still pointing at the default.
	if *flags.stateDir != config.StateDir {
		if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
			slog.Debug("Updated application DSN for new state directory", "dsn", *flags.appDBDSN)
		}
		if *flags.whatsappDBDSN == filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) {
			*flags.whatsappDBDSN = filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName)
			slog.Debug("Updated whatsmeow DSN for new state directory", "dsn", *flags.whatsappDBDSN)
		}
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.appDBDSN, *flags.whatsappDBDSN} {
		if store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return os.MkdirAll(*flags.stateDir, 0755)
}

// buildWhatsAppOptions constructs whatsmeow client configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildStoreOptions constructs application store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDBDSN != "" {
		if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.appDBDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// appStore is the combined persistence surface the application wires together.
type appStore interface {
	store.Store
	store.DedupRepo
	store.OutboxRepo
}

// openStore opens the application store backend for the configured DSN.
func openStore(flags Flags) (appStore, error) {
	storeOpts := buildStoreOptions(flags)
	if len(storeOpts) == 0 {
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}

// newMessagingService creates the configured WhatsApp transport.
func newMessagingService(flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	switch *flags.transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("creating Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	case TransportWhatsmeow:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("creating whatsmeow client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", *flags.transport)
	}
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Only one instance may own the state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		return fmt.Errorf("opening application store: %w", err)
	}
	defer st.Close()

	logger := slog.Default()

	// The AI text generator is optional; ai bindings fail at runtime when no
	// key is configured.
	var gen flow.TextGenerator
	if *flags.openaiKey != "" {
		client, err := genai.NewClient(*flags.openaiKey)
		if err != nil {
			return fmt.Errorf("creating GenAI client: %w", err)
		}
		gen = client
	} else {
		slog.Warn("No OpenAI API key configured, ai bindings are disabled")
	}

	renderer := flow.NewRenderer(gen, logger)
	composer := flow.NewFallbackComposer(st, flow.DefaultFallbackTexts(), logger)
	engine := flow.NewEngine(st, st, renderer, composer, logger)
	sweeper := flow.NewSweeper(engine)

	msgService, twilioService, err := newMessagingService(flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("starting messaging service: %w", err)
	}
	defer msgService.Stop()

	sender := store.NewOutboxSender(st, messaging.NewOutboxSendFunc(msgService), DefaultOutboxPollInterval)

	// Startup recovery: requeue outbox messages stranded by a crash and expire
	// sessions that idled out while the process was down.
	recoveryManager := recovery.NewManager(logger)
	recoveryManager.Register(recovery.OutboxRecovery(sender))
	recoveryManager.Register(recovery.SweepRecovery(sweeper, logger))
	if err := recoveryManager.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery reported errors", "error", err)
	}

	router := messaging.NewInboundRouter(msgService, engine, st, logger)
	router.Start(ctx)
	go sender.Run(ctx)

	sched := scheduler.NewScheduler(logger)
	defer sched.Stop()
	if err := sched.ScheduleSweep(*flags.sweepCron, sweeper); err != nil {
		return fmt.Errorf("scheduling expiry sweep: %w", err)
	}

	apiOpts := []api.Option{}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if twilioService != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioService.WebhookHandler))
	}
	server := api.NewServer(msgService, st, engine, apiOpts...)
	return server.Run(ctx)
}
