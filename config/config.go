package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the engine configuration loaded from file and DDRE_* env vars.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Dispute  DisputeConfig  `mapstructure:"dispute"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DisputeConfig carries the fee schedule and window policy parameters.
type DisputeConfig struct {
	FeeBase        int64         `mapstructure:"fee_base"`
	FeePerResolver int64         `mapstructure:"fee_per_resolver"`
	ResponseWindow time.Duration `mapstructure:"response_window"`
	AcceptWindow   time.Duration `mapstructure:"accept_window"`
	JudgmentWindow time.Duration `mapstructure:"judgment_window"`
	SinkAccount    string        `mapstructure:"sink_account"`
	// Entropy is the host-supplied value mixed into every committee seed.
	Entropy string `mapstructure:"entropy"`
}

type ResolverConfig struct {
	MinSelfStake       int64         `mapstructure:"min_self_stake"`
	ActivationStake    int64         `mapstructure:"activation_stake"`
	UndelegateLock     time.Duration `mapstructure:"undelegate_lock"`
	InitialCredibility int           `mapstructure:"initial_credibility"`
	CredibilityCeiling int           `mapstructure:"credibility_ceiling"`
	CredibilityFloor   int           `mapstructure:"credibility_floor"`
}

type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file at path (optional) with DDRE_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("dispute.fee_base", int64(10))
	v.SetDefault("dispute.fee_per_resolver", int64(5))
	v.SetDefault("dispute.response_window", 24*time.Hour)
	v.SetDefault("dispute.accept_window", 24*time.Hour)
	v.SetDefault("dispute.judgment_window", 72*time.Hour)
	v.SetDefault("dispute.sink_account", "treasury")
	v.SetDefault("dispute.entropy", "")
	v.SetDefault("resolver.min_self_stake", int64(100))
	v.SetDefault("resolver.activation_stake", int64(1000))
	v.SetDefault("resolver.undelegate_lock", 7*24*time.Hour)
	v.SetDefault("resolver.initial_credibility", 60)
	v.SetDefault("resolver.credibility_ceiling", 100)
	v.SetDefault("resolver.credibility_floor", 30)
	v.SetDefault("sweep.interval", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix("DDRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
