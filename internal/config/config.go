package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/thushan/porter/internal/core/constants"
)

const (
	DefaultPort = 8080
	DefaultHost = "0.0.0.0"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute, // streamed completions run long
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeouts: TimeoutsConfig{
				Min:         constants.DefaultMinRequestTimeout,
				Max:         constants.DefaultMaxRequestTimeout,
				Chat:        constants.DefaultChatTimeout,
				Completions: constants.DefaultChatTimeout,
				Models:      constants.DefaultModelsTimeout,
				Admin:       constants.DefaultAdminTimeout,
				Health:      constants.DefaultHealthTimeout,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "./logs",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Router: RouterConfig{
			ProviderTimeoutMultiplier:   constants.DefaultProviderTimeoutMultiplier,
			MinProviderTimeout:          constants.DefaultMinProviderTimeout,
			MaxProviderTimeout:          constants.DefaultMaxProviderTimeout,
			MaxConcurrentRequests:       constants.DefaultMaxConcurrentRequests,
			CredentialResolutionTimeout: constants.DefaultCredentialResolutionTimeout,
		},
	}
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("PORTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("PORTER_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg, decodeWithYAMLTags); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// topology is immutable at runtime; a changed file takes effect on restart
	viper.OnConfigChange(func(e fsnotify.Event) {
		slog.Warn("Configuration file changed; restart to apply", "file", e.Name)
	})
	viper.WatchConfig()

	return cfg, nil
}

// decodeWithYAMLTags keys mapstructure off the yaml tags so the document and
// the structs stay in one vocabulary.
func decodeWithYAMLTags(dc *mapstructure.DecoderConfig) {
	dc.TagName = "yaml"
	dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
