package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Negotiation.MaxRounds)
	assert.Equal(t, 72*time.Hour, cfg.Negotiation.SessionTTL)
	assert.Equal(t, 3, cfg.Allocation.MaxAttempts)
	assert.True(t, cfg.Scorer.MinScore.Equal(decimal.NewFromFloat(0.4)))
	assert.True(t, cfg.Warn.ScoreMultiplier.Equal(decimal.NewFromFloat(0.85)))
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scorer.WeightPrice = decimal.NewFromFloat(0.5)
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadRadii(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scorer.CutoffRadiusKM = 10
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadWarnMultiplier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Warn.ScoreMultiplier = decimal.NewFromFloat(1.5)
	assert.Error(t, cfg.Validate())

	cfg.Warn.ScoreMultiplier = decimal.Zero
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroRounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Negotiation.MaxRounds = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Negotiation.MaxRounds)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	body := []byte(`
log_level: debug
scorer:
  min_score: "0.55"
negotiation:
  max_rounds: 6
allocation:
  max_attempts: 5
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Scorer.MinScore.Equal(decimal.NewFromFloat(0.55)))
	assert.Equal(t, 6, cfg.Negotiation.MaxRounds)
	assert.Equal(t, 5, cfg.Allocation.MaxAttempts)
	// Untouched sections keep their defaults.
	assert.Equal(t, 40, cfg.Risk.PenaltyDuplicate)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scorer:\n  min_score: \"7\"\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
