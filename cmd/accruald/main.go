package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/accrual/internal/events"
	"github.com/MarkoPoloResearchLab/accrual/internal/events/kafka"
	"github.com/MarkoPoloResearchLab/accrual/internal/httpapi"
	"github.com/MarkoPoloResearchLab/accrual/internal/observability"
	"github.com/MarkoPoloResearchLab/accrual/internal/pricefeed"
	"github.com/MarkoPoloResearchLab/accrual/internal/session"
	"github.com/MarkoPoloResearchLab/accrual/internal/store/filestore"
	"github.com/MarkoPoloResearchLab/accrual/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/accrual/internal/syncer"
	"github.com/MarkoPoloResearchLab/accrual/pkg/accrual"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagDataDir        = "data-dir"
	flagAllowedOrigins = "allowed-origins"
	flagSigningKey     = "jwt-signing-key"
	flagTokenIssuer    = "token-issuer"
	flagKafkaBrokers   = "kafka-brokers"
	flagKafkaTopic     = "kafka-topic"
	flagTickInterval   = "tick-interval"
	flagSyncInterval   = "sync-interval"
	flagScheduleFile   = "schedule-file"
	flagPriceFeedURL   = "price-feed-url"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyDataDir        = "data_dir"
	configKeyAllowedOrigins = "allowed_origins"
	configKeySigningKey     = "jwt_signing_key"
	configKeyTokenIssuer    = "token_issuer"
	configKeyKafkaBrokers   = "kafka_brokers"
	configKeyKafkaTopic     = "kafka_topic"
	configKeyTickInterval   = "tick_interval"
	configKeySyncInterval   = "sync_interval"
	configKeyScheduleFile   = "schedule_file"
	configKeyPriceFeedURL   = "price_feed_url"

	defaultDatabaseURL = "sqlite:///tmp/accrual.db"
	defaultListenAddr  = ":9090"
	defaultDataDir     = "/tmp/accrual-snapshots"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	DataDir        string
	AllowedOrigins string
	SigningKey     string
	TokenIssuer    string
	KafkaBrokers   string
	KafkaTopic     string
	TickInterval   time.Duration
	SyncInterval   time.Duration
	ScheduleFile   string
	PriceFeedURL   string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "accruald: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "accruald",
		Short:         "Continuous accrual ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagDataDir, defaultDataDir, "directory for local ledger snapshots")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagSigningKey, "", "HS256 signing key for bearer tokens")
	cmd.Flags().String(flagTokenIssuer, "", "expected bearer token issuer")
	cmd.Flags().String(flagKafkaBrokers, "", "comma-separated Kafka brokers (empty disables publishing)")
	cmd.Flags().String(flagKafkaTopic, "", "Kafka topic for ledger events")
	cmd.Flags().Duration(flagTickInterval, 0, "accrual tick cadence (default 1s)")
	cmd.Flags().Duration(flagSyncInterval, 0, "remote sync cadence (default 60s)")
	cmd.Flags().String(flagScheduleFile, "", "JSON tier schedule file (empty uses the built-in schedule)")
	cmd.Flags().String(flagPriceFeedURL, "", "price feed endpoint (empty disables fiat valuation)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyDataDir:        "DATA_DIR",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeySigningKey:     "JWT_SIGNING_KEY",
		configKeyTokenIssuer:    "TOKEN_ISSUER",
		configKeyKafkaBrokers:   "KAFKA_BROKERS",
		configKeyKafkaTopic:     "KAFKA_TOPIC",
		configKeyTickInterval:   "TICK_INTERVAL",
		configKeySyncInterval:   "SYNC_INTERVAL",
		configKeyScheduleFile:   "SCHEDULE_FILE",
		configKeyPriceFeedURL:   "PRICE_FEED_URL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyDataDir:        flagDataDir,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeySigningKey:     flagSigningKey,
		configKeyTokenIssuer:    flagTokenIssuer,
		configKeyKafkaBrokers:   flagKafkaBrokers,
		configKeyKafkaTopic:     flagKafkaTopic,
		configKeyTickInterval:   flagTickInterval,
		configKeySyncInterval:   flagSyncInterval,
		configKeyScheduleFile:   flagScheduleFile,
		configKeyPriceFeedURL:   flagPriceFeedURL,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.DataDir = viper.GetString(configKeyDataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.TokenIssuer = viper.GetString(configKeyTokenIssuer)
	cfg.KafkaBrokers = viper.GetString(configKeyKafkaBrokers)
	cfg.KafkaTopic = viper.GetString(configKeyKafkaTopic)
	cfg.TickInterval = viper.GetDuration(configKeyTickInterval)
	cfg.SyncInterval = viper.GetDuration(configKeySyncInterval)
	cfg.ScheduleFile = viper.GetString(configKeyScheduleFile)
	cfg.PriceFeedURL = viper.GetString(configKeyPriceFeedURL)

	if cfg.SigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			return err
		}
	}

	schedule, err := loadSchedule(cfg.ScheduleFile)
	if err != nil {
		return fmt.Errorf("tier schedule: %w", err)
	}

	local, err := filestore.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.KafkaBrokers != "" {
		publisher = kafka.NewPublisher(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
	}
	defer func() { _ = publisher.Close() }()

	manager := session.NewManager(session.Deps{
		Local:     local,
		Syncer:    syncer.New(gormstore.New(gormDB), logger),
		Publisher: publisher,
		Logger:    logger,
		Metrics:   observability.Metrics(),
	}, session.Config{
		TickInterval: cfg.TickInterval,
		SyncInterval: cfg.SyncInterval,
	}, schedule)
	defer manager.Close()

	var prices pricefeed.Source
	if cfg.PriceFeedURL != "" {
		prices = pricefeed.NewHTTP(cfg.PriceFeedURL)
	}

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SigningKey:     cfg.SigningKey,
		TokenIssuer:    cfg.TokenIssuer,
	}
	return httpapi.Run(ctx, apiConfig, httpapi.Deps{
		Hub:    manager,
		Prices: prices,
		Logger: logger,
	})
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "accrual.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// scheduleEntry is the on-disk shape of one tier.
type scheduleEntry struct {
	DaysSinceStart int             `json:"daysSinceStart"`
	DailyRate      decimal.Decimal `json:"dailyRate"`
}

// loadSchedule reads a tier schedule file, falling back to the built-in
// schedule (1% daily, doubling after the first week) when none is given.
func loadSchedule(path string) (accrual.TierSchedule, error) {
	if path == "" {
		return accrual.NewTierSchedule([]accrual.Tier{
			{DaysSinceStart: 0, DailyRate: decimal.RequireFromString("0.01")},
			{DaysSinceStart: 7, DailyRate: decimal.RequireFromString("0.02")},
		})
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return accrual.TierSchedule{}, err
	}
	var entries []scheduleEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return accrual.TierSchedule{}, err
	}
	tiers := make([]accrual.Tier, 0, len(entries))
	for _, entry := range entries {
		tiers = append(tiers, accrual.Tier{
			DaysSinceStart: entry.DaysSinceStart,
			DailyRate:      entry.DailyRate,
		})
	}
	return accrual.NewTierSchedule(tiers)
}
