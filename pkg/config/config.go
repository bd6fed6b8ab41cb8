// Package config loads elfwalk's settings from the environment and an
// optional config file, the environment taking precedence. Command-line
// flags are not read here; the cmd package applies them afterwards.
package config

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/elfwalk/elfwalk/pkg/logsink"
)

// Config carries the knobs the core components accept.
type Config struct {
	// DebugPrefix is the configured search root for .gnu_debuglink
	// companions. It is not passed on to the ELF objects, which always
	// search under elf.DebugPrefix.
	DebugPrefix string `mapstructure:"debug-prefix"`

	// Patterns are the default vtable symbol globs.
	Patterns []string `mapstructure:"patterns"`

	// MaxFrames is the configured unwinder frame bound. The unwinder
	// does not read it; it always stops at unwind.MaxFrames.
	MaxFrames int `mapstructure:"max-frames"`

	// Verbose routes the debug sink to stderr.
	Verbose bool `mapstructure:"verbose"`

	// Sink is the debug-logging destination; never global, always
	// carried here.
	Sink logsink.Sink `mapstructure:"-"`
}

// Load reads $HOME/.config/elfwalk.yaml (if present) and the ELFWALK_*
// environment, returning the effective configuration.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("debug-prefix", "/usr/lib/debug")
	v.SetDefault("patterns", []string{"_ZTV*"})
	v.SetDefault("max-frames", 4096)
	v.SetDefault("verbose", false)

	home, err := homedir.Dir()
	if err == nil {
		v.AddConfigPath(filepath.Join(home, ".config"))
	}
	v.SetConfigName("elfwalk")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ELFWALK")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// ~ in a configured prefix
	if expanded, err := homedir.Expand(cfg.DebugPrefix); err == nil {
		cfg.DebugPrefix = expanded
	}

	cfg.Sink = logsink.Null()
	if cfg.Verbose {
		cfg.Sink = logsink.NewWriter(os.Stderr)
	}
	return cfg, nil
}
