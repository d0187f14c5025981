// Package config loads the HCL configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"strikeclash/internal/engine"
	"strikeclash/internal/fraud"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerSettings  `hcl:"server,block"`
	Wallet  WalletSettings  `hcl:"wallet,block"`
	Journal JournalSettings `hcl:"journal,block"`
	Alerts  AlertSettings   `hcl:"alerts,block"`
	Fraud   FraudSettings   `hcl:"fraud,block"`
	Modes   []ModeConfig    `hcl:"mode,block"`
}

// ServerSettings contains the websocket gateway configuration
type ServerSettings struct {
	Address  string `hcl:"address,optional"`
	Port     int    `hcl:"port,optional"`
	LogLevel string `hcl:"log_level,optional"`
	LogFile  string `hcl:"log_file,optional"`
}

// WalletSettings controls the ledger's opening behavior
type WalletSettings struct {
	// OpeningBalance is credited to wallets created on first connect.
	// Production deployments set this to zero and fund wallets through
	// deposits instead.
	OpeningBalance int64 `hcl:"opening_balance,optional"`
}

// JournalSettings selects and configures the durable journal
type JournalSettings struct {
	Backend       string `hcl:"backend,optional"` // "memory" or "redis"
	RedisAddress  string `hcl:"redis_address,optional"`
	RedisPassword string `hcl:"redis_password,optional"`
	RedisDB       int    `hcl:"redis_db,optional"`
}

// AlertSettings configures fraud alert delivery
type AlertSettings struct {
	Backend      string   `hcl:"backend,optional"` // "none" or "kafka"
	KafkaBrokers []string `hcl:"kafka_brokers,optional"`
	KafkaTopic   string   `hcl:"kafka_topic,optional"`
}

// FraudSettings holds the scoring thresholds
type FraudSettings struct {
	TimingWindow      int     `hcl:"timing_window,optional"`
	MinTimingSamples  int     `hcl:"min_timing_samples,optional"`
	VarianceThreshold float64 `hcl:"variance_threshold,optional"`
	FastMeanMs        float64 `hcl:"fast_mean_ms,optional"`
	VeryFastMeanMs    float64 `hcl:"very_fast_mean_ms,optional"`
	AccuracyWindow    int     `hcl:"accuracy_window,optional"`
	HighSuccessRate   float64 `hcl:"high_success_rate,optional"`
	ElevatedRate      float64 `hcl:"elevated_success_rate,optional"`
	ForfeitScore      int     `hcl:"forfeit_score,optional"`
	ReviewScore       int     `hcl:"review_score,optional"`
}

// ModeConfig defines one playable match ruleset
type ModeConfig struct {
	Name               string  `hcl:"name,label"`
	Capacity           int     `hcl:"capacity,optional"`
	StakeMin           int64   `hcl:"stake_min"`
	StakeMax           int64   `hcl:"stake_max"`
	FeePercent         int64   `hcl:"fee_percent,optional"`
	WinnerSharePercent int64   `hcl:"winner_share_percent,optional"`
	WinScore           int     `hcl:"win_score,optional"`
	CoinsPerPlayer     int     `hcl:"coins_per_player,optional"`
	TurnBudgetSeconds  int     `hcl:"turn_budget_seconds,optional"`
	FillTimeoutSeconds int     `hcl:"fill_timeout_seconds,optional"`
	CountdownSeconds   int     `hcl:"countdown_seconds,optional"`
	MaxTimeouts        int     `hcl:"max_timeouts,optional"`
	MinMoveIntervalMs  int     `hcl:"min_move_interval_ms,optional"`
	MaxForce           float64 `hcl:"max_force,optional"`
	MaxAngle           float64 `hcl:"max_angle,optional"`
}

// Default returns the default configuration
func Default() *Config {
	rules := engine.DefaultRules()
	return &Config{
		Server: ServerSettings{
			Address:  "localhost",
			Port:     8090,
			LogLevel: "info",
			LogFile:  "strikeclash.log",
		},
		Wallet: WalletSettings{
			OpeningBalance: 1000,
		},
		Journal: JournalSettings{
			Backend: "memory",
		},
		Alerts: AlertSettings{
			Backend:    "none",
			KafkaTopic: "fraud-alerts",
		},
		Modes: []ModeConfig{
			{
				Name:               rules.Mode,
				Capacity:           rules.Capacity,
				StakeMin:           rules.StakeMin,
				StakeMax:           rules.StakeMax,
				FeePercent:         rules.FeePercent,
				WinnerSharePercent: rules.WinnerSharePercent,
				WinScore:           rules.WinScore,
				CoinsPerPlayer:     rules.CoinsPerPlayer,
				TurnBudgetSeconds:  int(rules.TurnBudget / time.Second),
				FillTimeoutSeconds: int(rules.FillTimeout / time.Second),
				CountdownSeconds:   int(rules.Countdown / time.Second),
				MaxTimeouts:        rules.MaxTimeouts,
				MinMoveIntervalMs:  int(rules.MinMoveInterval / time.Millisecond),
				MaxForce:           rules.MaxForce,
				MaxAngle:           rules.MaxAngle,
			},
		},
	}
}

// Load loads configuration from an HCL file, falling back to defaults
// when the file does not exist.
func Load(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return Default(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var config Config
	diags = gohcl.DecodeBody(file.Body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	// Apply defaults for missing values
	def := Default()
	if config.Server.Address == "" {
		config.Server.Address = def.Server.Address
	}
	if config.Server.Port == 0 {
		config.Server.Port = def.Server.Port
	}
	if config.Server.LogLevel == "" {
		config.Server.LogLevel = def.Server.LogLevel
	}
	if config.Server.LogFile == "" {
		config.Server.LogFile = def.Server.LogFile
	}
	if config.Journal.Backend == "" {
		config.Journal.Backend = "memory"
	}
	if config.Journal.Backend == "redis" && config.Journal.RedisAddress == "" {
		config.Journal.RedisAddress = "localhost:6379"
	}
	if config.Alerts.Backend == "" {
		config.Alerts.Backend = "none"
	}
	if config.Alerts.KafkaTopic == "" {
		config.Alerts.KafkaTopic = "fraud-alerts"
	}
	if len(config.Modes) == 0 {
		config.Modes = def.Modes
	}

	base := engine.DefaultRules()
	for i := range config.Modes {
		m := &config.Modes[i]
		if m.Capacity == 0 {
			m.Capacity = base.Capacity
		}
		if m.FeePercent == 0 {
			m.FeePercent = base.FeePercent
		}
		if m.WinnerSharePercent == 0 {
			m.WinnerSharePercent = base.WinnerSharePercent
		}
		if m.WinScore == 0 {
			m.WinScore = base.WinScore
		}
		if m.CoinsPerPlayer == 0 {
			m.CoinsPerPlayer = base.CoinsPerPlayer
		}
		if m.TurnBudgetSeconds == 0 {
			m.TurnBudgetSeconds = int(base.TurnBudget / time.Second)
		}
		if m.FillTimeoutSeconds == 0 {
			m.FillTimeoutSeconds = int(base.FillTimeout / time.Second)
		}
		if m.CountdownSeconds == 0 {
			m.CountdownSeconds = int(base.Countdown / time.Second)
		}
		if m.MaxTimeouts == 0 {
			m.MaxTimeouts = base.MaxTimeouts
		}
		if m.MinMoveIntervalMs == 0 {
			m.MinMoveIntervalMs = int(base.MinMoveInterval / time.Millisecond)
		}
		if m.MaxForce == 0 {
			m.MaxForce = base.MaxForce
		}
		if m.MaxAngle == 0 {
			m.MaxAngle = base.MaxAngle
		}
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Wallet.OpeningBalance < 0 {
		return fmt.Errorf("opening balance must not be negative")
	}

	switch c.Journal.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown journal backend %q", c.Journal.Backend)
	}

	switch c.Alerts.Backend {
	case "none", "kafka":
	default:
		return fmt.Errorf("unknown alerts backend %q", c.Alerts.Backend)
	}
	if c.Alerts.Backend == "kafka" && len(c.Alerts.KafkaBrokers) == 0 {
		return fmt.Errorf("kafka alerts require at least one broker")
	}

	if len(c.Modes) == 0 {
		return fmt.Errorf("at least one mode must be configured")
	}
	seen := make(map[string]bool)
	for _, m := range c.Modes {
		if seen[m.Name] {
			return fmt.Errorf("mode %s: configured twice", m.Name)
		}
		seen[m.Name] = true
		if err := m.Rules().Validate(); err != nil {
			return fmt.Errorf("mode %s: %w", m.Name, err)
		}
	}
	return nil
}

// GetServerAddress returns the full listen address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// Rules converts a mode block into the engine's ruleset
func (m ModeConfig) Rules() engine.Rules {
	return engine.Rules{
		Mode:               m.Name,
		Capacity:           m.Capacity,
		StakeMin:           m.StakeMin,
		StakeMax:           m.StakeMax,
		FeePercent:         m.FeePercent,
		WinnerSharePercent: m.WinnerSharePercent,
		WinScore:           m.WinScore,
		CoinsPerPlayer:     m.CoinsPerPlayer,
		TurnBudget:         time.Duration(m.TurnBudgetSeconds) * time.Second,
		FillTimeout:        time.Duration(m.FillTimeoutSeconds) * time.Second,
		Countdown:          time.Duration(m.CountdownSeconds) * time.Second,
		MaxTimeouts:        m.MaxTimeouts,
		MinMoveInterval:    time.Duration(m.MinMoveIntervalMs) * time.Millisecond,
		MaxForce:           m.MaxForce,
		MaxAngle:           m.MaxAngle,
	}
}

// ModeRules converts every configured mode for the engine
func (c *Config) ModeRules() map[string]engine.Rules {
	modes := make(map[string]engine.Rules, len(c.Modes))
	for _, m := range c.Modes {
		modes[m.Name] = m.Rules()
	}
	return modes
}

// FraudConfig converts the fraud block into scorer thresholds. Zero
// values fall back to the scorer's defaults; the physical bounds come
// from the strictest configured mode so plausibility matches what the
// validator enforces.
func (c *Config) FraudConfig() fraud.Config {
	cfg := fraud.DefaultConfig()
	f := c.Fraud
	if f.TimingWindow > 0 {
		cfg.TimingWindow = f.TimingWindow
	}
	if f.MinTimingSamples > 0 {
		cfg.MinTimingSamples = f.MinTimingSamples
	}
	if f.VarianceThreshold > 0 {
		cfg.VarianceThreshold = f.VarianceThreshold
	}
	if f.FastMeanMs > 0 {
		cfg.FastMean = f.FastMeanMs
	}
	if f.VeryFastMeanMs > 0 {
		cfg.VeryFastMean = f.VeryFastMeanMs
	}
	if f.AccuracyWindow > 0 {
		cfg.AccuracyWindow = f.AccuracyWindow
	}
	if f.HighSuccessRate > 0 {
		cfg.HighSuccessRate = f.HighSuccessRate
	}
	if f.ElevatedRate > 0 {
		cfg.ElevatedSuccessRate = f.ElevatedRate
	}
	if f.ForfeitScore > 0 {
		cfg.ForfeitScore = f.ForfeitScore
	}
	if f.ReviewScore > 0 {
		cfg.ReviewScore = f.ReviewScore
	}
	for _, m := range c.Modes {
		if cfg.MaxForce == 0 || (m.MaxForce > 0 && m.MaxForce < cfg.MaxForce) {
			cfg.MaxForce = m.MaxForce
		}
		if cfg.MaxAngle == 0 || (m.MaxAngle > 0 && m.MaxAngle < cfg.MaxAngle) {
			cfg.MaxAngle = m.MaxAngle
		}
	}
	return cfg
}
