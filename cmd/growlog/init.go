package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("refresh-token", "", "refresh token for automatic renewal")
}

var initCmd = &cobra.Command{
	Use:   "init <access-token>",
	Short: "Store access token in ~/.growlog/config.toml",
	Long:  "Initialize the growlog CLI by storing your access token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.AccessToken = token
		if refresh, _ := cmd.Flags().GetString("refresh-token"); refresh != "" {
			cfg.Auth.RefreshToken = refresh
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Access token saved to %s\n", path)
		return nil
	},
}
