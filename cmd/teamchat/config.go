package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// secretKeys are never printed in full.
var secretKeys = map[string]bool{
	"default.api_key": true,
	"postgres.dsn":    true,
	"redis.password":  true,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage teamchat configuration",
	Long:  "View or modify the teamchat CLI configuration stored in ~/.teamchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Long: "Print the configuration commands run with: ~/.teamchat/config.toml with TEAMCHAT_*\n" +
		"environment overrides applied. API keys, the Postgres DSN password and the redis password are masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		return showConfig(os.Stdout, path, cfg, overriddenKeys(os.LookupEnv))
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: teamchat config set identity.user_id agent-42",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if secretKeys[key] {
			value = maskSecret(key, value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// showConfig writes cfg as TOML with secrets masked, preceded by its source.
func showConfig(w io.Writer, path string, cfg *Config, overridden []string) error {
	data, err := toml.Marshal(redactConfig(*cfg))
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	fmt.Fprintf(w, "# %s\n", path)
	for _, key := range overridden {
		fmt.Fprintf(w, "# %s is set from the environment\n", key)
	}
	_, err = w.Write(data)
	return err
}

// redactConfig returns a copy of cfg safe to print.
func redactConfig(cfg Config) Config {
	cfg.Default.APIKey = maskSecret("default.api_key", cfg.Default.APIKey)
	cfg.Postgres.DSN = maskSecret("postgres.dsn", cfg.Postgres.DSN)
	cfg.Redis.Password = maskSecret("redis.password", cfg.Redis.Password)
	return cfg
}

// maskSecret masks value for display. A DSN keeps everything but its
// password, in both URL and keyword/value form.
func maskSecret(key, value string) string {
	if value == "" {
		return ""
	}
	if key != "postgres.dsn" {
		return maskKey(value)
	}
	if u, err := url.Parse(value); err == nil && u.Scheme != "" {
		return u.Redacted()
	}
	fields := strings.Fields(value)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}

// overriddenKeys lists the config keys currently set from the environment.
func overriddenKeys(lookup func(string) (string, bool)) []string {
	var keys []string
	for env, key := range envOverrides {
		if v, ok := lookup(env); ok && v != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
