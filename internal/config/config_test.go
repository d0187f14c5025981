package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.hcl"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "localhost:8090", cfg.GetServerAddress())
	assert.Equal(t, "memory", cfg.Journal.Backend)
	assert.Equal(t, "none", cfg.Alerts.Backend)
	require.Len(t, cfg.Modes, 1)
	assert.Equal(t, "classic", cfg.Modes[0].Name)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.hcl"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9100", cfg.GetServerAddress())
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, int64(5000), cfg.Wallet.OpeningBalance)

	assert.Equal(t, "redis", cfg.Journal.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Journal.RedisAddress)
	assert.Equal(t, 2, cfg.Journal.RedisDB)

	assert.Equal(t, "kafka", cfg.Alerts.Backend)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Alerts.KafkaBrokers)
	assert.Equal(t, "strike-fraud", cfg.Alerts.KafkaTopic)

	require.Len(t, cfg.Modes, 2)
}

func TestModeDefaultsFillIn(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.hcl"))
	require.NoError(t, err)

	modes := cfg.ModeRules()
	classic, ok := modes["classic"]
	require.True(t, ok)
	// Only the stake range was configured; everything else comes from
	// the base ruleset.
	assert.Equal(t, 2, classic.Capacity)
	assert.Equal(t, int64(10), classic.FeePercent)
	assert.Equal(t, 15, classic.WinScore)
	assert.Equal(t, 30*time.Second, classic.TurnBudget)
	assert.Equal(t, 250*time.Millisecond, classic.MinMoveInterval)

	high, ok := modes["high_roller"]
	require.True(t, ok)
	assert.Equal(t, int64(500), high.StakeMin)
	assert.Equal(t, int64(50000), high.StakeMax)
	assert.Equal(t, int64(5), high.FeePercent)
	assert.Equal(t, int64(95), high.WinnerSharePercent)
	assert.Equal(t, 21, high.WinScore)
	assert.Equal(t, 20*time.Second, high.TurnBudget)
}

func TestFraudConfigConversion(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.hcl"))
	require.NoError(t, err)

	fc := cfg.FraudConfig()
	assert.Equal(t, 80, fc.ForfeitScore)
	assert.Equal(t, 55, fc.ReviewScore)
	// Unset thresholds keep the scorer defaults.
	assert.Equal(t, 20, fc.TimingWindow)
	assert.InEpsilon(t, 0.95, fc.HighSuccessRate, 1e-9)
	// Plausibility bounds follow the strictest mode.
	assert.Equal(t, float64(80), fc.MaxForce)
	assert.Equal(t, float64(360), fc.MaxAngle)
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config { return Default() }

	cfg := base()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Journal.Backend = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Alerts.Backend = "kafka"
	cfg.Alerts.KafkaBrokers = nil
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Modes = nil
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Modes = append(cfg.Modes, cfg.Modes[0])
	assert.Error(t, cfg.Validate(), "duplicate mode names are refused")

	cfg = base()
	cfg.Modes[0].StakeMin = 100
	cfg.Modes[0].StakeMax = 10
	assert.Error(t, cfg.Validate())
}
