package config

import (
	"errors"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and an optional config file to produce
// a Config. Flags explicitly set on the command line override file values.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}

	cfg := Defaults()
	cfg.ConfigFile = configPath

	if configPath != "" {
		cfgViper := viper.New()
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
		if err := cfgViper.Unmarshal(cfg); err != nil {
			return nil, err
		}
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	for i := range cfg.RequestParameters {
		cfg.RequestParameters[i].Method = strings.ToUpper(cfg.RequestParameters[i].Method)
		if cfg.RequestParameters[i].Scope == "" {
			cfg.RequestParameters[i].Scope = ScopeSession
		}
	}

	// Keep the pool's concurrency ceiling consistent with the instance cap.
	if cfg.Pool.ResourceLimits.MaxConcurrentInstances == 0 {
		cfg.Pool.ResourceLimits.MaxConcurrentInstances = cfg.Pool.MaxInstances
	}

	return cfg, nil
}

// applyFlagOverrides copies explicitly-set flag values over the config.
func applyFlagOverrides(cfg *Config, flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "target":
			cfg.TargetURL, err = flags.GetString(f.Name)
		case "users":
			cfg.ConcurrentUsers, err = flags.GetInt(f.Name)
		case "duration":
			cfg.TestDuration, err = flags.GetDuration(f.Name)
		case "ramp-up":
			cfg.RampUpTime, err = flags.GetDuration(f.Name)
		case "navigation-timeout":
			cfg.NavigationTimeout, err = flags.GetDuration(f.Name)
		case "streaming-only":
			cfg.StreamingOnly, err = flags.GetBool(f.Name)
		case "allow-url":
			cfg.AllowedURLs, err = flags.GetStringSlice(f.Name)
		case "block-url":
			cfg.BlockedURLs, err = flags.GetStringSlice(f.Name)
		case "max-instances":
			cfg.Pool.MaxInstances, err = flags.GetInt(f.Name)
		case "min-instances":
			cfg.Pool.MinInstances, err = flags.GetInt(f.Name)
		case "max-memory-mb":
			cfg.Pool.ResourceLimits.MaxMemoryPerInstanceMB, err = flags.GetFloat64(f.Name)
		case "max-cpu":
			cfg.Pool.ResourceLimits.MaxCPUPercentage, err = flags.GetFloat64(f.Name)
		case "headless":
			cfg.Pool.Driver.Headless, err = flags.GetBool(f.Name)
		case "chrome-path":
			cfg.Pool.Driver.ChromePath, err = flags.GetString(f.Name)
		case "results-file":
			cfg.ResultsFile, err = flags.GetString(f.Name)
		}
	})
	return err
}
