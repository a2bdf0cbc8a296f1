package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/RepScopeLabs/creditengine/internal/httpserver"
	"github.com/RepScopeLabs/creditengine/internal/store/gormstore"
	"github.com/RepScopeLabs/creditengine/pkg/credits"
	"github.com/RepScopeLabs/creditengine/pkg/plans"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagAuthSigningKey     = "auth-signing-key"
	flagAuthIssuer         = "auth-issuer"
	flagAllowedOrigins     = "allowed-origins"
	flagLowCreditThreshold = "low-credit-threshold"
	flagWelcomeCredits     = "welcome-credits"
	flagDefaultPlan        = "default-plan"
	flagPlansFile          = "plans-file"

	configKeyDatabaseURL        = "database_url"
	configKeyListenAddr         = "listen_addr"
	configKeyAuthSigningKey     = "auth_signing_key"
	configKeyAuthIssuer         = "auth_issuer"
	configKeyAllowedOrigins     = "allowed_origins"
	configKeyLowCreditThreshold = "low_credit_threshold"
	configKeyWelcomeCredits     = "welcome_credits"
	configKeyDefaultPlan        = "default_plan"
	configKeyPlansFile          = "plans_file"

	defaultDatabaseURL    = "sqlite:///tmp/creditengine.db"
	defaultHTTPListenAddr = ":8080"
	defaultWelcomeCredits = 50
	defaultLowThreshold   = 10
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	AuthSigningKey     string
	AuthIssuer         string
	AllowedOrigins     string
	LowCreditThreshold int64
	WelcomeCredits     int64
	DefaultPlanID      string
	PlansFile          string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and entitlement HTTP server",
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
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAuthSigningKey, "", "HMAC signing key for bearer tokens")
	cmd.Flags().String(flagAuthIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().Int64(flagLowCreditThreshold, defaultLowThreshold, "balance at or below which the low-credit flag raises, 0 disables")
	cmd.Flags().Int64(flagWelcomeCredits, defaultWelcomeCredits, "credits granted once on bootstrap")
	cmd.Flags().String(flagDefaultPlan, string(plans.PlanFree), "plan assigned to new accounts")
	cmd.Flags().String(flagPlansFile, "", "YAML file defining the plan catalog")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:        "DATABASE_URL",
		configKeyListenAddr:         "LISTEN_ADDR",
		configKeyAuthSigningKey:     "AUTH_SIGNING_KEY",
		configKeyAuthIssuer:         "AUTH_ISSUER",
		configKeyAllowedOrigins:     "ALLOWED_ORIGINS",
		configKeyLowCreditThreshold: "LOW_CREDIT_THRESHOLD",
		configKeyWelcomeCredits:     "WELCOME_CREDITS",
		configKeyDefaultPlan:        "DEFAULT_PLAN",
		configKeyPlansFile:          "PLANS_FILE",
	}
	for key, envName := range bindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:        flagDatabaseURL,
		configKeyListenAddr:         flagListenAddr,
		configKeyAuthSigningKey:     flagAuthSigningKey,
		configKeyAuthIssuer:         flagAuthIssuer,
		configKeyAllowedOrigins:     flagAllowedOrigins,
		configKeyLowCreditThreshold: flagLowCreditThreshold,
		configKeyWelcomeCredits:     flagWelcomeCredits,
		configKeyDefaultPlan:        flagDefaultPlan,
		configKeyPlansFile:          flagPlansFile,
	}
	for key, flagName := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AuthSigningKey = viper.GetString(configKeyAuthSigningKey)
	cfg.AuthIssuer = viper.GetString(configKeyAuthIssuer)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.LowCreditThreshold = viper.GetInt64(configKeyLowCreditThreshold)
	cfg.WelcomeCredits = viper.GetInt64(configKeyWelcomeCredits)
	cfg.DefaultPlanID = viper.GetString(configKeyDefaultPlan)
	cfg.PlansFile = viper.GetString(configKeyPlansFile)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.AuthSigningKey == "" {
		return fmt.Errorf("auth signing key is required")
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

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	definitions, err := loadPlanDefinitions(cfg.PlansFile)
	if err != nil {
		return fmt.Errorf("plan catalog load: %w", err)
	}
	catalog := gormstore.NewPlanCatalog(gormDB)
	if err := catalog.Seed(ctx, definitions); err != nil {
		return fmt.Errorf("plan catalog seed: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := credits.NewService(store, clock,
		credits.WithOperationLogger(&zapOperationLogger{logger: logger}),
		credits.WithDefaultPlan(cfg.DefaultPlanID),
		credits.WithLowBalanceNotifier(&lowBalanceLogger{logger: logger}, cfg.LowCreditThreshold),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	server, err := httpserver.NewServer(logger, creditService, catalog, httpserver.Config{
		ListenAddr:         cfg.ListenAddr,
		AllowedOrigins:     httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		AuthSigningKey:     cfg.AuthSigningKey,
		AuthIssuer:         cfg.AuthIssuer,
		WelcomeCredits:     cfg.WelcomeCredits,
		LowCreditThreshold: cfg.LowCreditThreshold,
		DefaultPlanID:      cfg.DefaultPlanID,
	})
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

// planFileEntry mirrors one plan definition in the YAML catalog file.
type planFileEntry struct {
	ID              string                      `mapstructure:"id"`
	Name            string                      `mapstructure:"name"`
	PriceCents      int64                       `mapstructure:"price_cents"`
	CreditsPerCycle int64                       `mapstructure:"credits_per_cycle"`
	DisplayRank     int                         `mapstructure:"display_rank"`
	Features        map[string]featureFileEntry `mapstructure:"features"`
}

type featureFileEntry struct {
	Limit     int64  `mapstructure:"limit"`
	Unlimited bool   `mapstructure:"unlimited"`
	Resets    string `mapstructure:"resets"`
}

func loadPlanDefinitions(plansFile string) ([]plans.Plan, error) {
	if plansFile == "" {
		return plans.DefaultPlans(), nil
	}
	loader := viper.New()
	loader.SetConfigFile(plansFile)
	if err := loader.ReadInConfig(); err != nil {
		return nil, err
	}
	var entries []planFileEntry
	if err := loader.UnmarshalKey("plans", &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s defines no plans", plansFile)
	}
	definitions := make([]plans.Plan, 0, len(entries))
	for _, entry := range entries {
		features := make(map[plans.FeatureID]plans.FeatureLimit, len(entry.Features))
		for featureID, feature := range entry.Features {
			resets := plans.ResetPerCycle
			if feature.Resets != "" {
				parsed, err := plans.ParseResetPolicy(feature.Resets)
				if err != nil {
					return nil, fmt.Errorf("plan %s feature %s: %w", entry.ID, featureID, err)
				}
				resets = parsed
			}
			features[plans.FeatureID(featureID)] = plans.FeatureLimit{
				Limit:     feature.Limit,
				Unlimited: feature.Unlimited,
				Resets:    resets,
			}
		}
		definitions = append(definitions, plans.Plan{
			ID:              plans.PlanID(entry.ID),
			Name:            entry.Name,
			PriceCents:      entry.PriceCents,
			CreditsPerCycle: entry.CreditsPerCycle,
			DisplayRank:     entry.DisplayRank,
			Features:        features,
		})
	}
	return definitions, nil
}

// zapOperationLogger forwards ledger operation outcomes to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.Channel != "" {
		fields = append(fields, zap.String("channel", entry.Channel))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("ledger operation failed", fields...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}

// lowBalanceLogger records the low-balance signal; the dashboard polls the
// flag from consumption responses, so the server side only logs it.
type lowBalanceLogger struct {
	logger *zap.Logger
}

func (adapter *lowBalanceLogger) LowBalance(_ context.Context, accountID credits.AccountID, balanceAfter int64) {
	adapter.logger.Warn("account balance is low",
		zap.String("account_id", accountID.String()),
		zap.Int64("balance_after", balanceAfter),
	)
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
			path = "creditengine.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
