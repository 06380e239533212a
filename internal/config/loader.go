package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".offload"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for offload settings.
const envPrefix = "OFFLOAD"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

// LoadWith is LoadConfig on a caller-owned viper instance, so command-line
// flags bound to it take precedence over file and environment values.
func LoadWith(viperCfg *viper.Viper, configPath string) (*Config, error) {
	return load(viperCfg, configPath)
}

func load(viperCfg *viper.Viper, configPath string) (*Config, error) {
	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("executor.mode", DefaultExecutorMode)

	viperCfg.SetDefault("cancellation.transport", DefaultCancellationTransport)
	viperCfg.SetDefault("cancellation.root", "")

	viperCfg.SetDefault("analysis.slice", DefaultAnalysisSlice)
	viperCfg.SetDefault("analysis.max_file_size", DefaultAnalysisMaxFileSize)
	viperCfg.SetDefault("analysis.respect_gitignore", true)

	viperCfg.SetDefault("observability.otlp_endpoint", "")
	viperCfg.SetDefault("observability.otlp_headers", "")
	viperCfg.SetDefault("observability.otlp_insecure", false)
	viperCfg.SetDefault("observability.metrics_addr", "")
	viperCfg.SetDefault("observability.log_level", DefaultLogLevel)
	viperCfg.SetDefault("observability.log_json", false)
	viperCfg.SetDefault("observability.sample_ratio", DefaultSampleRatio)
	viperCfg.SetDefault("observability.trace_verbose", false)
	viperCfg.SetDefault("observability.environment", "")
}
