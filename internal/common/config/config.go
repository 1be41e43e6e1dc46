// Package config provides configuration management for Substrate.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/substratehq/substrate/internal/common/logger"
)

// Config holds all configuration sections for Substrate.
type Config struct {
	Database   DatabaseConfig      `mapstructure:"database"`
	Worktree   WorktreeConfig      `mapstructure:"worktree"`
	Dispatcher DispatcherConfig    `mapstructure:"dispatcher"`
	Routing    RoutingConfig       `mapstructure:"routing"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
}

// DatabaseConfig holds the embedded SQLite store configuration.
type DatabaseConfig struct {
	// Path is the single-file store location, relative to the project root
	// unless absolute.
	Path string `mapstructure:"path"`
}

// WorktreeConfig holds Git worktree configuration for isolated task execution.
type WorktreeConfig struct {
	// Dir is the directory under the project root that holds per-task worktrees.
	Dir string `mapstructure:"dir"`
	// BaseBranch is the branch worktrees are created from.
	BaseBranch string `mapstructure:"baseBranch"`
	// BranchPrefix is prepended to per-task branch names.
	BranchPrefix string `mapstructure:"branchPrefix"`
}

// DispatcherConfig holds worker pool configuration.
type DispatcherConfig struct {
	// MaxConcurrency bounds the number of in-flight agent subprocesses.
	MaxConcurrency int `mapstructure:"maxConcurrency"`
	// DefaultTimeouts maps a task type to its dispatch timeout in seconds,
	// used when neither the request nor the adapter supplies one.
	DefaultTimeouts map[string]int `mapstructure:"defaultTimeouts"`
	// ShutdownGrace is the pool-wide terminate-to-kill grace in seconds.
	ShutdownGrace int `mapstructure:"shutdownGrace"`
	// DispatcherGrace is the per-dispatcher shutdown grace in seconds.
	DispatcherGrace int `mapstructure:"dispatcherGrace"`
}

// RoutingConfig holds routing policy configuration.
type RoutingConfig struct {
	// PolicyPath is the routing policy file (YAML or JSON).
	PolicyPath string `mapstructure:"policyPath"`
}

// ShutdownGraceDuration returns the pool-wide grace as a time.Duration.
func (d *DispatcherConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(d.ShutdownGrace) * time.Second
}

// DispatcherGraceDuration returns the dispatcher shutdown grace as a time.Duration.
func (d *DispatcherConfig) DispatcherGraceDuration() time.Duration {
	return time.Duration(d.DispatcherGrace) * time.Second
}

// DefaultTimeout returns the configured timeout for a task type, or zero
// when none is configured.
func (d *DispatcherConfig) DefaultTimeout(taskType string) time.Duration {
	if secs, ok := d.DefaultTimeouts[taskType]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if secs, ok := d.DefaultTimeouts["default"]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", ".substrate/state.db")

	v.SetDefault("worktree.dir", ".substrate-worktrees")
	v.SetDefault("worktree.baseBranch", "main")
	v.SetDefault("worktree.branchPrefix", "substrate/task-")

	v.SetDefault("dispatcher.maxConcurrency", 3)
	v.SetDefault("dispatcher.defaultTimeouts", map[string]int{"default": 600})
	v.SetDefault("dispatcher.shutdownGrace", 5)
	v.SetDefault("dispatcher.dispatcherGrace", 10)

	v.SetDefault("routing.policyPath", "routing.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SUBSTRATE_ with underscore naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SUBSTRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("substrate")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	// Config file is optional; env vars and defaults cover everything.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Worktree.Dir == "" {
		errs = append(errs, "worktree.dir is required")
	}
	if strings.ContainsAny(cfg.Worktree.Dir, "/\\") {
		errs = append(errs, "worktree.dir must be a single directory name")
	}
	if cfg.Dispatcher.MaxConcurrency <= 0 {
		errs = append(errs, "dispatcher.maxConcurrency must be positive")
	}
	if cfg.Dispatcher.ShutdownGrace <= 0 {
		errs = append(errs, "dispatcher.shutdownGrace must be positive")
	}
	if cfg.Dispatcher.DispatcherGrace <= 0 {
		errs = append(errs, "dispatcher.dispatcherGrace must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
