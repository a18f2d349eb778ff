// Package config loads engine configuration from YAML with
// SCALPEX_-prefixed environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration tree.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	Broker BrokerConfig `mapstructure:"broker"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Guard  GuardConfig  `mapstructure:"guard"`
	Risk   RiskConfig   `mapstructure:"risk"`
	Exits  ExitConfig   `mapstructure:"exits"`
	Ops    OpsConfig    `mapstructure:"ops"`

	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Lanes     []LaneConfig    `mapstructure:"lanes"`
}

type BrokerConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	FeedURL     string `mapstructure:"feed_url"`
	AccessToken string `mapstructure:"access_token"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type GuardConfig struct {
	MinIntervalMs    int      `mapstructure:"min_interval_ms"`
	BucketCapacity   int      `mapstructure:"bucket_capacity"`
	RefillPerSecond  float64  `mapstructure:"refill_per_second"`
	BackoffFloorMs   int      `mapstructure:"backoff_floor_ms"`
	BackoffCeilingMs int      `mapstructure:"backoff_ceiling_ms"`
	AuthErrorCodes   []string `mapstructure:"auth_error_codes"`
}

type RiskConfig struct {
	DayLossCap           float64 `mapstructure:"day_loss_cap"`
	MaxLosers            int     `mapstructure:"max_losers"`
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses"`
	CooldownMinutes      int     `mapstructure:"cooldown_minutes"`
	SessionStart         string  `mapstructure:"session_start"`
	SessionEnd           string  `mapstructure:"session_end"`
	Timezone             string  `mapstructure:"timezone"`
}

type ExitConfig struct {
	StopPct            float64 `mapstructure:"stop_pct"`
	TargetPct          float64 `mapstructure:"target_pct"`
	BreakevenAtPct     float64 `mapstructure:"breakeven_at_pct"`
	TrailJumpPct       float64 `mapstructure:"trail_jump_pct"`
	LockStepPct        float64 `mapstructure:"lock_step_pct"`
	StaleWinMinGainPct float64 `mapstructure:"stale_win_min_gain_pct"`
	StaleWinAfterSec   int     `mapstructure:"stale_win_after_sec"`
	BracketSyncMs      int     `mapstructure:"bracket_sync_ms"`
}

type OpsConfig struct {
	Address string `mapstructure:"address"`
}

type ReconcileConfig struct {
	IntervalSec     int      `mapstructure:"interval_sec"`
	ManagedSegments []string `mapstructure:"managed_segments"`
	ManagedProducts []string `mapstructure:"managed_products"`
}

type LaneConfig struct {
	Name           string            `mapstructure:"name"`
	Strategy       string            `mapstructure:"strategy"`
	PollIntervalMs int               `mapstructure:"poll_interval_ms"`
	DedupTTLSec    int               `mapstructure:"dedup_ttl_sec"`
	Watchlist      []WatchItemConfig `mapstructure:"watchlist"`
}

type WatchItemConfig struct {
	Segment        string `mapstructure:"segment"`
	SecurityID     string `mapstructure:"security_id"`
	Symbol         string `mapstructure:"symbol"`
	LotSize        int    `mapstructure:"lot_size"`
	Kind           string `mapstructure:"kind"`
	ShortInterval  string `mapstructure:"short_interval"`
	MediumInterval string `mapstructure:"medium_interval"`
}

// Load reads configPath (or the default search paths when empty),
// applies environment overrides, and validates.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("SCALPEX")

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/scalpex")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file is fine: defaults + environment carry a minimal run.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("guard.min_interval_ms", 200)
	v.SetDefault("guard.bucket_capacity", 10)
	v.SetDefault("guard.refill_per_second", 5)
	v.SetDefault("guard.backoff_floor_ms", 500)
	v.SetDefault("guard.backoff_ceiling_ms", 30000)

	v.SetDefault("risk.cooldown_minutes", 15)
	v.SetDefault("risk.timezone", "Asia/Kolkata")
	v.SetDefault("risk.session_start", "09:20")
	v.SetDefault("risk.session_end", "15:10")

	v.SetDefault("exits.stop_pct", 0.10)
	v.SetDefault("exits.target_pct", 0.20)
	v.SetDefault("exits.breakeven_at_pct", 0.05)
	v.SetDefault("exits.trail_jump_pct", 0.03)
	v.SetDefault("exits.lock_step_pct", 0.02)
	v.SetDefault("exits.stale_win_min_gain_pct", 0.04)
	v.SetDefault("exits.stale_win_after_sec", 180)
	v.SetDefault("exits.bracket_sync_ms", 2000)

	v.SetDefault("ops.address", "127.0.0.1:8710")
	v.SetDefault("reconcile.interval_sec", 60)
}

func (c *Config) validate() error {
	if c.Risk.DayLossCap < 0 {
		return fmt.Errorf("risk.day_loss_cap must not be negative")
	}
	for _, hhmm := range []string{c.Risk.SessionStart, c.Risk.SessionEnd} {
		if hhmm == "" {
			continue
		}
		if _, err := time.Parse("15:04", hhmm); err != nil {
			return fmt.Errorf("bad session time %q: %w", hhmm, err)
		}
	}
	for _, pct := range []float64{
		c.Exits.StopPct, c.Exits.TargetPct, c.Exits.BreakevenAtPct,
		c.Exits.TrailJumpPct, c.Exits.LockStepPct, c.Exits.StaleWinMinGainPct,
	} {
		if pct < 0 || pct >= 1 {
			return fmt.Errorf("exit percentages must be fractions in [0,1), got %v", pct)
		}
	}
	seen := make(map[string]bool, len(c.Lanes))
	for _, lane := range c.Lanes {
		if lane.Name == "" {
			return fmt.Errorf("lane without a name")
		}
		if seen[lane.Name] {
			return fmt.Errorf("duplicate lane name %q", lane.Name)
		}
		seen[lane.Name] = true
		if lane.Strategy == "" {
			return fmt.Errorf("lane %q has no strategy", lane.Name)
		}
	}
	return nil
}
