package config

import (
	"fmt"
	"maps"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nemanja-m/gobatch/pkg/core"
)

// Config is the effective configuration of one gobatch run.
type Config struct {
	core.Options `mapstructure:",squash" yaml:",inline"`

	// Input and Output name files; empty means stdin and stdout.
	Input  string `mapstructure:"input" yaml:"input"`
	Output string `mapstructure:"output" yaml:"output"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Health  HealthConfig  `mapstructure:"health" yaml:"health"`

	// explicit holds the job options set by a file, the environment or a
	// flag, as opposed to defaults.
	explicit map[string]any
}

// JobOptions returns the explicitly configured job options as a patch for
// core.Definition.WithOptions, so job defaults survive unless overridden.
func (c *Config) JobOptions() map[string]any {
	return maps.Clone(c.explicit)
}

// LoggingConfig contains logging-related configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// HealthConfig enables the gRPC health service when Addr is set.
type HealthConfig struct {
	Addr             string        `mapstructure:"addr" yaml:"addr"`
	EnableReflection bool          `mapstructure:"enable_reflection" yaml:"enable_reflection"`
	KeepaliveMinTime time.Duration `mapstructure:"keepalive_min_time" yaml:"keepalive_min_time"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"input":          "input",
	"output":         "output",
	"max":            "max",
	"take":           "take",
	"retries":        "retries",
	"timeout":        "timeout",
	"global-timeout": "global_timeout",
	"fork":           "fork",
	"limit":          "limit",
	"wait":           "wait",
	"recurse":        "recurse",
	"benchmark":      "benchmark",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
	"metrics-addr":   "metrics.addr",
	"health-addr":    "health.addr",
}

// Load reads the configuration from defaults, an optional YAML file, the
// environment and flags, in increasing order of precedence.
// If configPath is empty, it looks for gobatch.yaml in the config/ directory
// and the working directory. Environment variables with the GOBATCH_ prefix
// override file values. Flags override everything but only when set.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	defaults, err := core.DefaultOptions().Map()
	if err != nil {
		return nil, err
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetDefault("input", "")
	v.SetDefault("output", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("health.addr", "")
	v.SetDefault("health.enable_reflection", false)
	v.SetDefault("health.keepalive_min_time", 5*time.Second)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("gobatch")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GOBATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	// A negative fork count asks for one worker per CPU.
	if cfg.Fork < 0 {
		cfg.Fork = runtime.NumCPU()
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}

	explicitKeys := make(map[string]bool)
	for key := range defaults {
		if v.InConfig(key) {
			explicitKeys[key] = true
		}
		if _, ok := os.LookupEnv("GOBATCH_" + strings.ToUpper(key)); ok {
			explicitKeys[key] = true
		}
	}
	if flags != nil {
		flags.Visit(func(f *pflag.Flag) {
			if key, ok := flagKeys[f.Name]; ok {
				explicitKeys[key] = true
			}
		})
	}

	all, err := cfg.Options.Map()
	if err != nil {
		return nil, err
	}
	cfg.explicit = make(map[string]any)
	for key := range explicitKeys {
		if value, ok := all[key]; ok {
			cfg.explicit[key] = value
		}
	}

	return &cfg, nil
}
