package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr          = ":9090"
	defaultAllowedOrigin       = "http://localhost:8000"
	defaultSessionIssuer       = "tauth"
	defaultSessionCookie       = "app_session"
	welcomeBonusOP       int64 = 100
	walletHistoryLimit         = 10
	transactionListLimit       = 50
)

// Config aggregates runtime settings for the wallet API.
type Config struct {
	ListenAddr           string
	AllowedOrigins       []string
	SessionSigningKey    string
	SessionIssuer        string
	SessionCookieName    string
	WebhookSigningSecret string
	RequestTimeout       time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.WebhookSigningSecret) == "" {
		return fmt.Errorf("webhook signing secret is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// WelcomeBonusOP returns the one-time signup credit.
func WelcomeBonusOP() int64 {
	return welcomeBonusOP
}

// WalletHistoryLimit returns how many entries are fetched for the UI.
func WalletHistoryLimit() int {
	return walletHistoryLimit
}
