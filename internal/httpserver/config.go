package httpserver

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultAllowedOrigin = "http://localhost:8000"
	defaultAuthIssuer    = "creditengine"
	walletHistoryLimit   = 10
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	AuthSigningKey string
	AuthIssuer     string
	RequestTimeout time.Duration
	WelcomeCredits int64
	// LowCreditThreshold is the balance at or below which consume responses
	// flag low_balance. Zero disables the flag entirely.
	LowCreditThreshold int64
	DefaultPlanID      string
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
	cfg.AuthIssuer = defaultIfEmpty(cfg.AuthIssuer, defaultAuthIssuer)
	if len(cfg.AuthSigningKey) == 0 {
		return fmt.Errorf("auth signing key is required")
	}
	if cfg.WelcomeCredits < 0 {
		return fmt.Errorf("welcome credits must not be negative")
	}
	if cfg.LowCreditThreshold < 0 {
		return fmt.Errorf("low credit threshold must not be negative")
	}
	if strings.TrimSpace(cfg.DefaultPlanID) == "" {
		return fmt.Errorf("default plan id is required")
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
