// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/valuation-engine/internal/engine"
	"github.com/atmx/valuation-engine/internal/money"
	"github.com/atmx/valuation-engine/internal/settlement"
)

// Config is the complete service configuration.
type Config struct {
	Port            string
	LogLevel        slog.Level
	DatabaseURL     string
	RedisURL        string
	CacheTTL        time.Duration
	ShutdownTimeout time.Duration

	KafkaBrokers    []string
	KafkaMatchTopic string
	KafkaGroupID    string

	Engine engine.Config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("CACHE_TTL", "30s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "5s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_MATCH_TOPIC", "match-results")
	v.SetDefault("KAFKA_GROUP_ID", "valuation-engine")

	v.SetDefault("TRANSFER_RATE", "0.10")
	v.SetDefault("TRANSFER_BASIS", string(settlement.BasisLoserCap))
	v.SetDefault("MIN_MARKET_CAP_CENTS", 100)
	v.SetDefault("DEFAULT_SHARE_PRICE_CENTS", 2000)
	v.SetDefault("MAX_ORDER_SIZE", 1000)
	v.SetDefault("MAX_RETRIES", 5)
	v.SetDefault("RETRY_BASE_DELAY", "10ms")
	v.SetDefault("CURRENCY", "USD")
}

// Load reads the configuration from environment variables, falling back to
// defaults, and validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:            v.GetString("PORT"),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		RedisURL:        v.GetString("REDIS_URL"),
		CacheTTL:        v.GetDuration("CACHE_TTL"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		KafkaBrokers:    splitList(v.GetString("KAFKA_BROKERS")),
		KafkaMatchTopic: v.GetString("KAFKA_MATCH_TOPIC"),
		KafkaGroupID:    v.GetString("KAFKA_GROUP_ID"),
		Engine: engine.Config{
			TransferBasis:     settlement.Basis(strings.ToLower(v.GetString("TRANSFER_BASIS"))),
			MinMarketCap:      money.Cents(v.GetInt64("MIN_MARKET_CAP_CENTS")),
			DefaultSharePrice: money.Cents(v.GetInt64("DEFAULT_SHARE_PRICE_CENTS")),
			MaxOrderSize:      v.GetInt64("MAX_ORDER_SIZE"),
			MaxRetries:        v.GetInt("MAX_RETRIES"),
			RetryBaseDelay:    v.GetDuration("RETRY_BASE_DELAY"),
			Currency:          strings.ToUpper(v.GetString("CURRENCY")),
		},
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	rate, err := decimal.NewFromString(v.GetString("TRANSFER_RATE"))
	if err != nil {
		return nil, fmt.Errorf("TRANSFER_RATE: %w", err)
	}
	cfg.Engine.TransferRate = rate

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case c.Port == "":
		return fmt.Errorf("PORT must be set")
	case e.TransferRate.IsNegative() || e.TransferRate.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("TRANSFER_RATE must be within [0, 1], got %s", e.TransferRate)
	case e.TransferBasis != settlement.BasisLoserCap && e.TransferBasis != settlement.BasisWinnerCap:
		return fmt.Errorf("TRANSFER_BASIS must be %q or %q, got %q", settlement.BasisLoserCap, settlement.BasisWinnerCap, e.TransferBasis)
	case e.MinMarketCap.IsNegative():
		return fmt.Errorf("MIN_MARKET_CAP_CENTS must not be negative")
	case !e.DefaultSharePrice.IsPositive():
		return fmt.Errorf("DEFAULT_SHARE_PRICE_CENTS must be positive")
	case e.MaxOrderSize < 1:
		return fmt.Errorf("MAX_ORDER_SIZE must be at least 1")
	case e.MaxRetries < 0:
		return fmt.Errorf("MAX_RETRIES must not be negative")
	case e.RetryBaseDelay < 0:
		return fmt.Errorf("RETRY_BASE_DELAY must not be negative")
	case len(e.Currency) != 3:
		return fmt.Errorf("CURRENCY must be an ISO 4217 code, got %q", e.Currency)
	case c.CacheTTL <= 0:
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
