package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initUserID  string
	initName    string
)

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "url", "", "Base URL of the message store")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Participant id to send as")
	initCmd.Flags().StringVar(&initName, "display-name", "", "Display name shown to other participants")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <api-key>",
	Short: "Store API key in ~/.teamchat/config.toml",
	Long:  "Initialize the teamchat CLI by storing your API key and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.APIKey = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initUserID != "" {
			cfg.Identity.UserID = initUserID
		}
		if initName != "" {
			cfg.Identity.DisplayName = initName
		}
		if cfg.Default.LogLevel == "" {
			cfg.Default.LogLevel = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("API key saved to %s\n", path)
		return nil
	},
}
