package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/merchantdesk/teamchat/internal/observability"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.teamchat/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Identity ConfigIdentity `toml:"identity"`
	Postgres ConfigPostgres `toml:"postgres"`
	Kafka    ConfigKafka    `toml:"kafka"`
	Redis    ConfigRedis    `toml:"redis"`
}

// ConfigDefault holds the REST store and realtime endpoint settings.
type ConfigDefault struct {
	APIKey      string `toml:"api_key"`
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
	Table       string `toml:"table"`
	LogLevel    string `toml:"log_level"`
}

// ConfigIdentity is the participant the CLI acts as.
type ConfigIdentity struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// ConfigPostgres enables the "postgres" send target.
type ConfigPostgres struct {
	DSN string `toml:"dsn"`
}

// ConfigKafka enables the "kafka" send target.
type ConfigKafka struct {
	Brokers string `toml:"brokers"`
	Topic   string `toml:"topic"`
}

// ConfigRedis enables the redis transport and fan-out of sent messages.
type ConfigRedis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
}

// envOverrides maps environment variables to config keys.
var envOverrides = map[string]string{
	"TEAMCHAT_API_KEY":        "default.api_key",
	"TEAMCHAT_URL":            "default.base_url",
	"TEAMCHAT_REALTIME_URL":   "default.realtime_url",
	"TEAMCHAT_TABLE":          "default.table",
	"TEAMCHAT_LOG_LEVEL":      "default.log_level",
	"TEAMCHAT_USER_ID":        "identity.user_id",
	"TEAMCHAT_DISPLAY_NAME":   "identity.display_name",
	"TEAMCHAT_PG_DSN":         "postgres.dsn",
	"TEAMCHAT_KAFKA_BROKERS":  "kafka.brokers",
	"TEAMCHAT_KAFKA_TOPIC":    "kafka.topic",
	"TEAMCHAT_REDIS_ADDR":     "redis.addr",
	"TEAMCHAT_REDIS_PASSWORD": "redis.password",
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.teamchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".teamchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with TEAMCHAT_* overrides applied. It is
// what commands run with; saveConfig is only ever given the file contents.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from set environment variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for env, key := range envOverrides {
		if v, ok := lookup(env); ok && v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}
	section, field := parts[0], parts[1]

	var target *string
	switch section {
	case "default":
		switch field {
		case "api_key":
			target = &cfg.Default.APIKey
		case "base_url":
			target = &cfg.Default.BaseURL
		case "realtime_url":
			target = &cfg.Default.RealtimeURL
		case "table":
			target = &cfg.Default.Table
		case "log_level":
			target = &cfg.Default.LogLevel
		}
	case "identity":
		switch field {
		case "user_id":
			target = &cfg.Identity.UserID
		case "display_name":
			target = &cfg.Identity.DisplayName
		}
	case "postgres":
		if field == "dsn" {
			target = &cfg.Postgres.DSN
		}
	case "kafka":
		switch field {
		case "brokers":
			target = &cfg.Kafka.Brokers
		case "topic":
			target = &cfg.Kafka.Topic
		}
	case "redis":
		switch field {
		case "addr":
			target = &cfg.Redis.Addr
		case "password":
			target = &cfg.Redis.Password
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, identity, postgres, kafka, redis)", section)
	}
	if target == nil {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	*target = value
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevel string

var rootCmd = &cobra.Command{
	Use:          "teamchat",
	Short:        "Support chat delivery CLI",
	Long:         "Command-line interface for the teamchat delivery layer.\nSend messages, follow conversations, and manage configuration.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		level := logLevel
		if level == "" {
			if cfg, err := loadEffectiveConfig(); err == nil {
				level = cfg.Default.LogLevel
			}
		}
		observability.InitLogger(valueOrDefault(level, "warn"))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
