package main

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/IndicatorPipe/internal/api"
	"github.com/BTreeMap/IndicatorPipe/internal/backend"
	"github.com/BTreeMap/IndicatorPipe/internal/flow"
	"github.com/BTreeMap/IndicatorPipe/internal/genai"
	"github.com/BTreeMap/IndicatorPipe/internal/lockfile"
	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/metrics"
	"github.com/BTreeMap/IndicatorPipe/internal/recovery"
	"github.com/BTreeMap/IndicatorPipe/internal/resolve"
	"github.com/BTreeMap/IndicatorPipe/internal/scheduler"
	"github.com/BTreeMap/IndicatorPipe/internal/session"
	"github.com/BTreeMap/IndicatorPipe/internal/store"
	"github.com/BTreeMap/IndicatorPipe/internal/timerange"
	"github.com/BTreeMap/IndicatorPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/IndicatorPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for IndicatorPipe state data
	DefaultStateDir = "/var/lib/indicatorpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "indicatorpipe.db"
	// MetricsNamespace prefixes every exported metric.
	MetricsNamespace = "indicatorpipe"
	// DefaultDedupRetention is how long inbound message ids are remembered.
	DefaultDedupRetention = 72 * time.Hour
)

// Config holds the merged .env, environment and flag configuration.
type Config struct {
	StateDir        string
	DatabaseURL     string
	GenAIProvider   string
	GenAIModel      string
	GenAIKey        string
	APIAddr         string
	PublicURL       string
	SearchURL       string
	ReportingURL    string
	CatalogFile     string
	MirrorDir       string
	LogLevel        string
	Threshold       float64
	TopN            int
	HistoryLimit    int
	SessionTTL      time.Duration
	FlushInterval   time.Duration
	DedupRetention  time.Duration
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	VerifySignature bool
}

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping IndicatorPipe", "state_dir", config.StateDir, "dsn_set", config.DatabaseURL != "", "api_addr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		slog.Error("IndicatorPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("IndicatorPipe exited successfully")
}

// initializeLogger installs a text slog handler at the given level (default debug).
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:        os.Getenv("INDICATORPIPE_STATE_DIR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		GenAIProvider:   os.Getenv("GENAI_PROVIDER"),
		GenAIModel:      os.Getenv("GENAI_MODEL"),
		APIAddr:         os.Getenv("API_ADDR"),
		PublicURL:       os.Getenv("PUBLIC_URL"),
		SearchURL:       os.Getenv("FORMULA_SEARCH_URL"),
		ReportingURL:    os.Getenv("REPORTING_URL"),
		CatalogFile:     os.Getenv("FORMULA_CATALOG_FILE"),
		MirrorDir:       os.Getenv("MIRROR_DIR"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		Threshold:       util.ParseFloatEnv("HIGH_CONFIDENCE_THRESHOLD", resolve.DefaultHighConfidenceThreshold),
		TopN:            util.ParseIntEnv("CANDIDATE_TOP_N", resolve.DefaultCandidateTopN),
		HistoryLimit:    util.ParseIntEnv("HISTORY_LIMIT", memory.DefaultHistoryLimit),
		SessionTTL:      util.ParseDurationEnv("SESSION_TTL", 30*time.Minute),
		FlushInterval:   util.ParseDurationEnv("FLUSH_INTERVAL", 5*time.Minute),
		DedupRetention:  util.ParseDurationEnv("DEDUP_RETENTION", DefaultDedupRetention),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:      os.Getenv("TWILIO_FROM_NUMBER"),
		VerifySignature: util.ParseBoolEnv("TWILIO_VERIFY_SIGNATURE", true),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No INDICATORPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.GenAIProvider == "" {
		config.GenAIProvider = genai.ProviderOpenAI
	}
	switch config.GenAIProvider {
	case genai.ProviderAnthropic:
		config.GenAIKey = os.Getenv("ANTHROPIC_API_KEY")
	default:
		config.GenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	slog.Debug("environment variables loaded",
		"INDICATORPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"GENAI_PROVIDER", config.GenAIProvider,
		"GENAI_KEY_SET", config.GenAIKey != "",
		"API_ADDR", config.APIAddr,
		"FORMULA_SEARCH_URL", config.SearchURL,
		"FORMULA_CATALOG_FILE", config.CatalogFile,
		"REPORTING_URL", config.ReportingURL,
		"TWILIO_SET", config.TwilioSID != "")

	return config
}

// parseCommandLineFlags applies flag overrides on top of config.
func parseCommandLineFlags(args []string, config Config) (Config, error) {
	fs := flag.NewFlagSet("IndicatorPipe", flag.ContinueOnError)
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for IndicatorPipe data (overrides $INDICATORPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "Postgres DSN or SQLite path for graph storage (overrides $DATABASE_URL)")
	fs.StringVar(&config.GenAIProvider, "genai-provider", config.GenAIProvider, "language model provider, openai or anthropic (overrides $GENAI_PROVIDER)")
	fs.StringVar(&config.GenAIModel, "genai-model", config.GenAIModel, "language model name (overrides $GENAI_MODEL)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.SearchURL, "search-url", config.SearchURL, "formula search service URL (overrides $FORMULA_SEARCH_URL)")
	fs.StringVar(&config.CatalogFile, "catalog", config.CatalogFile, "offline formula catalog JSON file (overrides $FORMULA_CATALOG_FILE)")
	fs.StringVar(&config.ReportingURL, "reporting-url", config.ReportingURL, "indicator reporting service URL (overrides $REPORTING_URL)")
	fs.StringVar(&config.MirrorDir, "mirror-dir", config.MirrorDir, "directory for human-readable YAML graph mirrors (overrides $MIRROR_DIR)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")
	fs.DurationVar(&config.SessionTTL, "session-ttl", config.SessionTTL, "idle time before a session is evicted (overrides $SESSION_TTL)")
	fs.DurationVar(&config.FlushInterval, "flush-interval", config.FlushInterval, "interval of the graph flush sweep (overrides $FLUSH_INTERVAL)")
	if err := fs.Parse(args); err != nil {
		return config, err
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.SearchURL == "" && config.CatalogFile == "" {
		return config, errors.New("one of FORMULA_SEARCH_URL or FORMULA_CATALOG_FILE is required")
	}
	if config.ReportingURL == "" {
		return config, errors.New("REPORTING_URL is required")
	}
	return config, nil
}

// backingStore is a database store that also keeps the webhook dedup table and the reply outbox.
type backingStore interface {
	store.Store
	store.DedupRepo
	store.OutboxRepo
}

// openStore opens Postgres or SQLite depending on the DSN.
func openStore(dsn string) (backingStore, error) {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildSearcher prefers the offline catalog when one is configured.
func buildSearcher(config Config) (resolve.FormulaSearcher, error) {
	if config.CatalogFile != "" {
		return backend.LoadCatalog(config.CatalogFile)
	}
	return backend.NewSearchClient(config.SearchURL)
}

func run(ctx context.Context, config Config) error {
	if store.DetectDSNType(config.DatabaseURL) == store.DSNTypeSQLite {
		lock, err := lockfile.AcquireLock(filepath.Dir(config.DatabaseURL))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	db, err := openStore(config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	var graphs store.Store = db
	if config.MirrorDir != "" {
		mirror, err := store.NewMirrorStore(db, config.MirrorDir)
		if err != nil {
			return fmt.Errorf("failed to open mirror: %w", err)
		}
		graphs = mirror
	}

	collector := metrics.NewCollector(MetricsNamespace)

	gen, err := genai.NewClient(
		genai.WithProvider(config.GenAIProvider),
		genai.WithAPIKey(config.GenAIKey),
		genai.WithModel(config.GenAIModel),
	)
	if err != nil {
		return fmt.Errorf("failed to create genai client: %w", err)
	}

	searcher, err := buildSearcher(config)
	if err != nil {
		return fmt.Errorf("failed to create formula search: %w", err)
	}
	reporting, err := backend.NewReportingClient(config.ReportingURL)
	if err != nil {
		return fmt.Errorf("failed to create reporting client: %w", err)
	}

	registry := session.NewRegistry(graphs,
		session.WithGraphOptions(memory.WithHistoryLimit(config.HistoryLimit)),
		session.WithMetrics(collector),
	)

	engine := resolve.NewEngine(searcher, reporting,
		resolve.WithThreshold(config.Threshold),
		resolve.WithTopN(config.TopN),
		resolve.WithPersister(registry),
		resolve.WithMetrics(collector),
	)
	orchestrator := flow.NewOrchestrator(engine, genai.NewUnderstander(gen),
		flow.WithCandidateExpander(genai.NewCandidateExpander(gen)),
		flow.WithSummarizer(genai.NewSummarizer(gen)),
		flow.WithNormalizer(timerange.NewNormalizer(timerange.WithExpander(genai.NewRangeExpander(gen)))),
		flow.WithMetrics(collector),
	)

	apiOpts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithPublicURL(config.PublicURL),
		api.WithMetrics(collector),
		api.WithDedup(db),
	}

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.PendingSessions{Store: graphs, Sessions: registry})

	var outbox *store.OutboxSender
	if config.TwilioSID != "" {
		tw, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioSID),
			twiliowhatsapp.WithAuthToken(config.TwilioToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
		)
		if err != nil {
			return fmt.Errorf("failed to create twilio client: %w", err)
		}
		outbox = store.NewOutboxSender(db, replySender(tw), time.Second)
		rm.RegisterRecoverable(recovery.Func("outbox", func(ctx context.Context) error {
			return outbox.RecoverStaleMessages()
		}))
		apiOpts = append(apiOpts, api.WithOutbox(db))
		if config.VerifySignature {
			apiOpts = append(apiOpts, api.WithSignatureValidator(tw))
		}
	} else {
		slog.Warn("Twilio not configured, webhook replies are dropped")
	}

	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Recovery incomplete", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := session.ScheduleSweeps(ctx, sched, registry, config.FlushInterval, config.SessionTTL); err != nil {
		return err
	}
	if err := sched.AddJob("dedup-purge", "@hourly", func() {
		n, err := db.PurgeInboundBefore(time.Now().Add(-config.DedupRetention))
		if err != nil {
			slog.Error("Dedup purge failed", "error", err)
			return
		}
		slog.Debug("Dedup purge done", "removed", n)
	}); err != nil {
		return err
	}

	server := api.NewServer(orchestrator, registry, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if outbox != nil {
		g.Go(func() error {
			outbox.Run(gctx)
			return nil
		})
	}
	runErr := g.Wait()
	sched.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := registry.Close(closeCtx); err != nil {
		slog.Error("Final flush failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// replySender delivers queued outbox replies through Twilio.
func replySender(sender twiliowhatsapp.Sender) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != store.OutboxKindReply {
			return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
		}
		payload, err := msg.DecodeReply()
		if err != nil {
			return err
		}
		return sender.SendMessage(ctx, payload.To, payload.Body)
	}
}
