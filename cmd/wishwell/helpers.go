package main

import (
	"fmt"
	"os"

	wishwell "github.com/wishwell/wishwell-go"
)

// getClient creates a Wishwell client authenticated with the stored token.
func getClient() *wishwell.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'wishwell init <token>' first.")
		os.Exit(1)
	}

	var opts []wishwell.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, wishwell.WithBaseURL(cfg.Default.BaseURL))
	}
	return wishwell.NewClient(cfg.Auth.Token, opts...)
}

// getStore opens the durable state database under ~/.wishwell.
func getStore() *wishwell.SQLiteStore {
	path, err := statePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate state database: %v\n", err)
		os.Exit(1)
	}
	store, err := wishwell.NewSQLiteStore(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		os.Exit(1)
	}
	return store
}
