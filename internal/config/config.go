// Package config provides Viper-based configuration loading for the Lightning host.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RuntimeConfig holds executable state settings.
type RuntimeConfig struct {
	// TimeoutSeconds is the wall-clock budget of an outermost call. Zero or
	// negative disables the timeout.
	TimeoutSeconds float64 `mapstructure:"timeout_seconds"`
	// MaxCallDepth bounds the call stack before a stack overflow is raised.
	MaxCallDepth int `mapstructure:"max_call_depth"`
	// HeapCapacity is the initial number of heap arena slots.
	HeapCapacity int `mapstructure:"heap_capacity"`
}

// Timeout returns the call budget as a duration; zero means no timeout.
//
// Postcondition: Returns a duration >= 0.
func (r RuntimeConfig) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

// DispatchConfig holds cross-goroutine event queue settings.
type DispatchConfig struct {
	// TickInterval is how often the queue is drained.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// QueueCapacity is the initial capacity of the queue.
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// ScriptConfig holds scripted library settings.
type ScriptConfig struct {
	// InstructionLimit aborts a script call after this many VM instructions.
	// Zero means unlimited.
	InstructionLimit int `mapstructure:"instruction_limit"`
	// Manifest is the path of the script library manifest. It may be empty.
	Manifest string `mapstructure:"manifest"`
	// Entry is the function run by the host, written "Type.Function".
	Entry string `mapstructure:"entry"`
}

// EntryParts splits Entry into its type and function names.
//
// Postcondition: ok is false unless Entry has exactly one '.' separating two non-empty names.
func (s ScriptConfig) EntryParts() (typeName, funcName string, ok bool) {
	typeName, funcName, found := strings.Cut(s.Entry, ".")
	if !found || typeName == "" || funcName == "" || strings.Contains(funcName, ".") {
		return "", "", false
	}
	return typeName, funcName, true
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Script   ScriptConfig   `mapstructure:"script"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateRuntime(c.Runtime); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDispatch(c.Dispatch); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateScript(c.Script); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRuntime(r RuntimeConfig) error {
	var errs []string
	if r.MaxCallDepth < 1 {
		errs = append(errs, fmt.Sprintf("runtime.max_call_depth must be >= 1, got %d", r.MaxCallDepth))
	}
	if r.HeapCapacity < 0 {
		errs = append(errs, fmt.Sprintf("runtime.heap_capacity must be >= 0, got %d", r.HeapCapacity))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDispatch(d DispatchConfig) error {
	var errs []string
	if d.TickInterval <= 0 {
		errs = append(errs, fmt.Sprintf("dispatch.tick_interval must be > 0, got %s", d.TickInterval))
	}
	if d.QueueCapacity < 0 {
		errs = append(errs, fmt.Sprintf("dispatch.queue_capacity must be >= 0, got %d", d.QueueCapacity))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateScript(s ScriptConfig) error {
	var errs []string
	if s.InstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("script.instruction_limit must be >= 0, got %d", s.InstructionLimit))
	}
	if _, _, ok := s.EntryParts(); !ok {
		errs = append(errs, fmt.Sprintf("script.entry must have the form Type.Function, got %q", s.Entry))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and the
// environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with LIGHTNING_ prefix
	v.SetEnvPrefix("LIGHTNING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance holding only the default values.
//
// Postcondition: LoadFromViper(Defaults()) succeeds.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.timeout_seconds", 5.0)
	v.SetDefault("runtime.max_call_depth", 512)
	v.SetDefault("runtime.heap_capacity", 64)

	v.SetDefault("dispatch.tick_interval", "16ms")
	v.SetDefault("dispatch.queue_capacity", 256)

	v.SetDefault("script.instruction_limit", 0)
	v.SetDefault("script.manifest", "")
	v.SetDefault("script.entry", "Program.Main")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
