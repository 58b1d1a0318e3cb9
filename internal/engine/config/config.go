// Package config holds the engine configuration. Values load from an
// optional yaml file plus ENGINE_* environment overrides via viper;
// DefaultConfig is the baseline every deployment starts from.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// RiskConfig tunes the precheck validator's score deductions.
type RiskConfig struct {
	PenaltyDuplicate     int `mapstructure:"penalty_duplicate"`
	PenaltyCircular      int `mapstructure:"penalty_circular"`
	PenaltyPartyLink     int `mapstructure:"penalty_party_link"`
	PenaltyPartyLinkWarn int `mapstructure:"penalty_party_link_warn"`
	PenaltyRoleViolation int `mapstructure:"penalty_role_violation"`
	PenaltyReversal      int `mapstructure:"penalty_reversal"`
}

// ScorerConfig tunes the match scorer weights and thresholds. Weights must
// sum to 1.
type ScorerConfig struct {
	WeightQuality  decimal.Decimal `mapstructure:"weight_quality"`
	WeightPrice    decimal.Decimal `mapstructure:"weight_price"`
	WeightDelivery decimal.Decimal `mapstructure:"weight_delivery"`
	WeightRisk     decimal.Decimal `mapstructure:"weight_risk"`

	// MinScore is the surfacing threshold; pairs below it never produce a
	// token.
	MinScore decimal.Decimal `mapstructure:"min_score"`

	// Delivery distance scoring: full sub-score within FullScoreRadiusKM,
	// zero (disqualified) beyond CutoffRadiusKM, linear in between.
	FullScoreRadiusKM float64 `mapstructure:"full_score_radius_km"`
	CutoffRadiusKM    float64 `mapstructure:"cutoff_radius_km"`

	// SoftWindowScore is the quality credit granted for a missed soft
	// (negotiable) tolerance window.
	SoftWindowScore decimal.Decimal `mapstructure:"soft_window_score"`
}

// WarnPolicy makes the risk-WARN handling explicit rather than inferred:
// how much a WARN verdict penalizes the composite score, and whether
// WARN-flagged matches need manual approval before allocation.
type WarnPolicy struct {
	ScoreMultiplier       decimal.Decimal `mapstructure:"score_multiplier"`
	RequireManualApproval bool            `mapstructure:"require_manual_approval"`
}

// AllocationConfig bounds the optimistic-concurrency retry loop.
type AllocationConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// TokenConfig governs match-token issuance and expiry.
type TokenConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

// NegotiationConfig governs bargaining sessions.
type NegotiationConfig struct {
	MaxRounds     int           `mapstructure:"max_rounds"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

// KafkaConfig configures the event sink. Disabled by default; the
// in-memory bus always runs.
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

// RedisConfig configures the reference-data cache.
type RedisConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Addr    string        `mapstructure:"addr"`
	DB      int           `mapstructure:"db"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig configures the GORM repository.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Config is the full engine configuration.
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Scorer      ScorerConfig      `mapstructure:"scorer"`
	Warn        WarnPolicy        `mapstructure:"warn"`
	Allocation  AllocationConfig  `mapstructure:"allocation"`
	Token       TokenConfig       `mapstructure:"token"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
}

// DefaultConfig returns the baseline engine configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Risk: RiskConfig{
			PenaltyDuplicate:     40,
			PenaltyCircular:      35,
			PenaltyPartyLink:     50,
			PenaltyPartyLinkWarn: 15,
			PenaltyRoleViolation: 45,
			PenaltyReversal:      35,
		},
		Scorer: ScorerConfig{
			WeightQuality:     decimal.NewFromFloat(0.25),
			WeightPrice:       decimal.NewFromFloat(0.25),
			WeightDelivery:    decimal.NewFromFloat(0.25),
			WeightRisk:        decimal.NewFromFloat(0.25),
			MinScore:          decimal.NewFromFloat(0.4),
			FullScoreRadiusKM: 50,
			CutoffRadiusKM:    500,
			SoftWindowScore:   decimal.NewFromFloat(0.5),
		},
		Warn: WarnPolicy{
			ScoreMultiplier:       decimal.NewFromFloat(0.85),
			RequireManualApproval: false,
		},
		Allocation: AllocationConfig{MaxAttempts: 3},
		Token: TokenConfig{
			TTL:           30 * 24 * time.Hour,
			SweepInterval: time.Hour,
			SweepBatch:    500,
		},
		Negotiation: NegotiationConfig{
			MaxRounds:     10,
			SessionTTL:    72 * time.Hour,
			SweepInterval: 10 * time.Minute,
			SweepBatch:    500,
		},
		Kafka: KafkaConfig{
			Enabled:     false,
			Brokers:     []string{"localhost:9092"},
			TopicPrefix: "engine",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     15 * time.Minute,
		},
	}
}

// Load reads configuration from the given yaml file (optional, empty path
// skips it) and ENGINE_* environment variables on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(decimalDecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	weightSum := c.Scorer.WeightQuality.
		Add(c.Scorer.WeightPrice).
		Add(c.Scorer.WeightDelivery).
		Add(c.Scorer.WeightRisk)
	if !weightSum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("scorer weights must sum to 1, got %s", weightSum)
	}
	if c.Scorer.MinScore.IsNegative() || c.Scorer.MinScore.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("scorer min_score must be in [0,1]")
	}
	if c.Scorer.CutoffRadiusKM < c.Scorer.FullScoreRadiusKM {
		return fmt.Errorf("scorer cutoff_radius_km must be >= full_score_radius_km")
	}
	if c.Allocation.MaxAttempts < 1 {
		return fmt.Errorf("allocation max_attempts must be >= 1")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}
	if c.Negotiation.MaxRounds < 1 {
		return fmt.Errorf("negotiation max_rounds must be >= 1")
	}
	if c.Negotiation.SessionTTL <= 0 {
		return fmt.Errorf("negotiation session_ttl must be positive")
	}
	if c.Warn.ScoreMultiplier.LessThanOrEqual(decimal.Zero) ||
		c.Warn.ScoreMultiplier.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("warn score_multiplier must be in (0,1]")
	}
	return nil
}
