package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/analytics"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/api"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/chatbot"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/conversation"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/dispatch"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/lockfile"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/media"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/pipeline"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/realtime"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/storage"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/store"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for state data
	DefaultStateDir = "/var/lib/vidacrm"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "vidacrm.db"
	// DefaultAPIAddr is the default HTTP listen address
	DefaultAPIAddr = ":8080"
)

// crmStore is the full persistence surface the service wires together: the
// domain store plus the durable job queue and the outbox.
type crmStore interface {
	store.Store
	store.JobRepo
	store.OutboxRepo
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	// SQLite has a single writer; guard the state directory against a second
	// instance before opening the database.
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		lock, err := lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
		if err != nil {
			slog.Error("Failed to acquire state directory lock", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := buildNotifier(ctx, flags)
	emitter := buildEmitter(flags)
	retriever := buildRetrieverUploader(flags)

	wa, err := whatsapp.NewClient(
		whatsapp.WithAccessToken(*flags.waAccessToken),
		whatsapp.WithPhoneNumberID(*flags.waPhoneNumberID),
	)
	if err != nil {
		slog.Error("Failed to create WhatsApp client", "error", err)
		os.Exit(1)
	}

	var mediaRetriever *media.Retriever
	if retriever != nil {
		mediaRetriever = media.NewRetriever(wa, retriever)
	} else {
		slog.Warn("No object storage configured; inbound media will persist with fallback content")
	}

	resolver := conversation.NewResolver(st, emitter)
	ingestor := conversation.NewIngestor(st, notifier)
	orchestrator := chatbot.NewOrchestrator(st, st, emitter, notifier)
	dispatcher := dispatch.NewDispatcher(wa, st, notifier)
	processor := pipeline.NewProcessor(resolver, ingestor, mediaRetriever, orchestrator)

	runner := store.NewJobRunner(st, 0)
	processor.Register(runner)
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Warn("Failed to recover stale jobs", "error", err)
	}

	sender := store.NewOutboxSender(st, dispatcher.SendOutbox, 0)
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Warn("Failed to recover stale outbox messages", "error", err)
	}

	server := api.NewServer(st, st, dispatcher,
		api.WithAddr(*flags.apiAddr),
		api.WithVerifyToken(*flags.waVerifyToken),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sender.Run(ctx)
	}()

	slog.Info("Bootstrapping vidacrm", "api_addr", *flags.apiAddr, "dsn_type", store.DetectDSNType(*flags.dbDSN))
	if err := server.Run(ctx); err != nil {
		slog.Error("API server failed", "error", err)
		stop()
		wg.Wait()
		os.Exit(1)
	}

	wg.Wait()
	slog.Info("vidacrm exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	APIAddr         string
	WAAccessToken   string
	WAPhoneNumberID string
	WAVerifyToken   string
	StorageURL      string
	StorageBucket   string
	StorageKey      string
	AMQPURL         string
	CAPIEndpoint    string
	CAPIAccessToken string
}

// Flags holds command line flag values
type Flags struct {
	dbDSN           *string
	apiAddr         *string
	waAccessToken   *string
	waPhoneNumberID *string
	waVerifyToken   *string
	storageURL      *string
	storageBucket   *string
	storageKey      *string
	amqpURL         *string
	capiEndpoint    *string
	capiAccessToken *string
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
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("VIDACRM_STATE_DIR"),
		APIAddr:         os.Getenv("API_ADDR"),
		WAAccessToken:   os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		WAPhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		WAVerifyToken:   os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		StorageURL:      os.Getenv("STORAGE_URL"),
		StorageBucket:   os.Getenv("STORAGE_BUCKET"),
		StorageKey:      os.Getenv("STORAGE_SERVICE_KEY"),
		AMQPURL:         os.Getenv("AMQP_URL"),
		CAPIEndpoint:    os.Getenv("CAPI_ENDPOINT"),
		CAPIAccessToken: os.Getenv("CAPI_ACCESS_TOKEN"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"WHATSAPP_ACCESS_TOKEN_SET", config.WAAccessToken != "",
		"WHATSAPP_VERIFY_TOKEN_SET", config.WAVerifyToken != "",
		"STORAGE_URL_SET", config.StorageURL != "",
		"AMQP_URL_SET", config.AMQPURL != "",
		"CAPI_ENDPOINT_SET", config.CAPIEndpoint != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		waAccessToken:   flag.String("wa-access-token", config.WAAccessToken, "WhatsApp Cloud API access token (overrides $WHATSAPP_ACCESS_TOKEN)"),
		waPhoneNumberID: flag.String("wa-phone-number-id", config.WAPhoneNumberID, "WhatsApp Cloud API phone number id (overrides $WHATSAPP_PHONE_NUMBER_ID)"),
		waVerifyToken:   flag.String("wa-verify-token", config.WAVerifyToken, "webhook verification token (overrides $WHATSAPP_VERIFY_TOKEN)"),
		storageURL:      flag.String("storage-url", config.StorageURL, "object storage base URL (overrides $STORAGE_URL)"),
		storageBucket:   flag.String("storage-bucket", config.StorageBucket, "object storage bucket (overrides $STORAGE_BUCKET)"),
		storageKey:      flag.String("storage-key", config.StorageKey, "object storage service key (overrides $STORAGE_SERVICE_KEY)"),
		amqpURL:         flag.String("amqp-url", config.AMQPURL, "AMQP broker URL for realtime events (overrides $AMQP_URL)"),
		capiEndpoint:    flag.String("capi-endpoint", config.CAPIEndpoint, "Conversions API endpoint (overrides $CAPI_ENDPOINT)"),
		capiAccessToken: flag.String("capi-access-token", config.CAPIAccessToken, "Conversions API access token (overrides $CAPI_ACCESS_TOKEN)"),
	}

	flag.Parse()
	return flags
}

// openStore picks the backend from the DSN shape.
func openStore(dsn string) (crmStore, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildNotifier connects the AMQP notifier, falling back to a no-op when no
// broker is configured or the dial fails. Realtime fan-out is best effort.
func buildNotifier(ctx context.Context, flags Flags) realtime.Notifier {
	if *flags.amqpURL == "" {
		slog.Info("No AMQP_URL configured; realtime events disabled")
		return realtime.NoopNotifier{}
	}
	notifier, err := realtime.NewAMQPNotifier(ctx, realtime.WithURL(*flags.amqpURL))
	if err != nil {
		slog.Error("Failed to connect AMQP notifier, continuing without realtime events", "error", err)
		return realtime.NoopNotifier{}
	}
	return notifier
}

// buildEmitter configures the Conversions API emitter, or a no-op when unset.
func buildEmitter(flags Flags) analytics.Emitter {
	if *flags.capiEndpoint == "" {
		slog.Info("No CAPI_ENDPOINT configured; analytics events disabled")
		return analytics.NoopEmitter{}
	}
	emitter, err := analytics.NewCAPIEmitter(
		analytics.WithEndpoint(*flags.capiEndpoint),
		analytics.WithAccessToken(*flags.capiAccessToken),
	)
	if err != nil {
		slog.Error("Failed to create analytics emitter, continuing without analytics", "error", err)
		return analytics.NoopEmitter{}
	}
	return emitter
}

// buildRetrieverUploader configures the object storage client, or nil when
// storage is not configured.
func buildRetrieverUploader(flags Flags) storage.Uploader {
	if *flags.storageURL == "" || *flags.storageBucket == "" {
		return nil
	}
	client, err := storage.NewClient(
		storage.WithBaseURL(*flags.storageURL),
		storage.WithBucket(*flags.storageBucket),
		storage.WithServiceKey(*flags.storageKey),
	)
	if err != nil {
		slog.Error("Failed to create storage client, continuing without media relay", "error", err)
		return nil
	}
	return client
}
