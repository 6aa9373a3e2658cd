package main

import (
	"fmt"

	"github.com/spf13/cobra"
	wishwell "github.com/wishwell/wishwell-go"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store session token in ~/.wishwell/config.toml",
	Long:  "Initialize the Wishwell CLI by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)

		if claims, err := wishwell.ParseSessionToken(token); err == nil {
			if claims.Username != "" {
				fmt.Printf("Authenticated as %s\n", claims.Username)
			}
			if !claims.ExpiresAt.IsZero() {
				fmt.Printf("Token expires %s\n", claims.ExpiresAt.Format("2006-01-02 15:04"))
			}
		}
		return nil
	},
}
