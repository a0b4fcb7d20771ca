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

	"github.com/HarborMintLab/opwallet/internal/checkout"
	"github.com/HarborMintLab/opwallet/internal/httpapi"
	"github.com/HarborMintLab/opwallet/internal/reconcile"
	"github.com/HarborMintLab/opwallet/internal/store/gormstore"
	"github.com/HarborMintLab/opwallet/pkg/wallet"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie"
	flagWebhookSecret     = "webhook-secret"
	flagMerchantID        = "merchant-id"
	flagCheckoutURL       = "checkout-url"
	flagAuditSchedule     = "audit-schedule"
	flagExchangeRates     = "exchange-rates"
	flagRateVersion       = "rate-version"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookie     = "session_cookie"
	configKeyWebhookSecret     = "webhook_secret"
	configKeyMerchantID        = "merchant_id"
	configKeyCheckoutURL       = "checkout_url"
	configKeyAuditSchedule     = "audit_schedule"
	configKeyExchangeRates     = "exchange_rates"
	configKeyRateVersion       = "rate_version"

	defaultDatabaseURL = "sqlite:///tmp/opwallet.db"
	defaultListenAddr  = ":9090"
	defaultCheckoutURL = "https://pay.example.com/checkout"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	AllowedOrigins    string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookie     string
	WebhookSecret     string
	MerchantID        string
	CheckoutURL       string
	AuditSchedule     string
	ExchangeRates     string
	RateVersion       string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "opwalletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "opwalletd",
		Short:         "OP wallet HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "JWT signing key shared with the auth service")
	cmd.Flags().String(flagSessionIssuer, "", "JWT issuer")
	cmd.Flags().String(flagSessionCookie, "", "Session cookie name")
	cmd.Flags().String(flagWebhookSecret, "", "Checkout webhook signing secret")
	cmd.Flags().String(flagMerchantID, "", "Checkout merchant identifier")
	cmd.Flags().String(flagCheckoutURL, defaultCheckoutURL, "Checkout hosted page URL")
	cmd.Flags().String(flagAuditSchedule, "", "Cron schedule for the balance audit")
	cmd.Flags().String(flagExchangeRates, "", "Comma-delimited CODE=RATE exchange rate pairs")
	cmd.Flags().String(flagRateVersion, "", "Version stamp for the exchange rate table")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeySessionSigningKey: "SESSION_SIGNING_KEY",
		configKeySessionIssuer:     "SESSION_ISSUER",
		configKeySessionCookie:     "SESSION_COOKIE",
		configKeyWebhookSecret:     "CHECKOUT_WEBHOOK_SECRET",
		configKeyMerchantID:        "CHECKOUT_MERCHANT_ID",
		configKeyCheckoutURL:       "CHECKOUT_URL",
		configKeyAuditSchedule:     "AUDIT_SCHEDULE",
		configKeyExchangeRates:     "EXCHANGE_RATES",
		configKeyRateVersion:       "EXCHANGE_RATE_VERSION",
	}
	for configKey, envName := range envBindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeySessionSigningKey: flagSessionSigningKey,
		configKeySessionIssuer:     flagSessionIssuer,
		configKeySessionCookie:     flagSessionCookie,
		configKeyWebhookSecret:     flagWebhookSecret,
		configKeyMerchantID:        flagMerchantID,
		configKeyCheckoutURL:       flagCheckoutURL,
		configKeyAuditSchedule:     flagAuditSchedule,
		configKeyExchangeRates:     flagExchangeRates,
		configKeyRateVersion:       flagRateVersion,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookie = viper.GetString(configKeySessionCookie)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.MerchantID = viper.GetString(configKeyMerchantID)
	cfg.CheckoutURL = viper.GetString(configKeyCheckoutURL)
	cfg.AuditSchedule = viper.GetString(configKeyAuditSchedule)
	cfg.ExchangeRates = viper.GetString(configKeyExchangeRates)
	cfg.RateVersion = viper.GetString(configKeyRateVersion)

	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.MerchantID == "" {
		return fmt.Errorf("merchant id is required")
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

	checkoutClient, err := checkout.NewClient(checkout.Config{
		MerchantID:    cfg.MerchantID,
		SigningSecret: cfg.WebhookSecret,
		HostedPageURL: cfg.CheckoutURL,
	})
	if err != nil {
		return fmt.Errorf("checkout client init: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	serviceOptions := []wallet.ServiceOption{
		wallet.WithCheckoutClient(checkoutClient),
		wallet.WithOperationLogger(httpapi.NewOperationLogger(logger)),
	}
	if cfg.ExchangeRates != "" {
		rateTable, err := parseRateTable(cfg.RateVersion, cfg.ExchangeRates)
		if err != nil {
			return fmt.Errorf("exchange rates: %w", err)
		}
		serviceOptions = append(serviceOptions, wallet.WithRateTable(rateTable))
	}
	walletService, err := wallet.NewService(store, clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}

	auditor, err := reconcile.New(gormDB, logger, cfg.AuditSchedule)
	if err != nil {
		return fmt.Errorf("auditor init: %w", err)
	}
	auditor.Start()
	defer auditor.Stop()

	apiConfig := httpapi.Config{
		ListenAddr:           cfg.ListenAddr,
		AllowedOrigins:       httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey:    cfg.SessionSigningKey,
		SessionIssuer:        cfg.SessionIssuer,
		SessionCookieName:    cfg.SessionCookie,
		WebhookSigningSecret: cfg.WebhookSecret,
	}
	if err := apiConfig.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}

	return httpapi.Run(ctx, apiConfig, walletService)
}

// parseRateTable reads CODE=RATE pairs, e.g. "USDT=0.0067,JPYC=1".
func parseRateTable(version string, raw string) (wallet.RateTable, error) {
	if version == "" {
		version = "configured"
	}
	rates := make(map[wallet.Currency]decimal.Decimal)
	for _, pair := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(pair)
		if trimmed == "" {
			continue
		}
		code, value, found := strings.Cut(trimmed, "=")
		if !found {
			return wallet.RateTable{}, fmt.Errorf("malformed pair %q", trimmed)
		}
		currency, err := wallet.NewCurrency(code)
		if err != nil {
			return wallet.RateTable{}, err
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return wallet.RateTable{}, fmt.Errorf("rate for %s: %w", currency, err)
		}
		rates[currency] = rate
	}
	return wallet.NewRateTable(version, rates)
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
			path = "opwallet.db"
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
