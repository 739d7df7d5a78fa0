// Package cli implements the creditledger command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/creditledger/internal/daemon"
)

var (
	flagHome   string
	flagServer string
)

var rootCmd = &cobra.Command{
	Use:   "creditledger",
	Short: "Confidential pay-per-use credit ledger",
	Long: `creditledger meters AI research requests with encrypted credit balances.
Users earn credits with a daily check-in or buy them at a fixed price, and
spend them per request. Balances are ciphertexts: only the account owner,
holding a viewing key, can read one.

Run 'creditledger init' once, then 'creditledger serve'. The other commands
talk to a running server.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "Data and config directory (default $CREDITLEDGER_HOME or ~/.creditledger)")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Server URL (default from [api] host/port)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func homeDir() string {
	if flagHome != "" {
		return flagHome
	}
	return daemon.Home()
}

func loadConfig() (daemon.Config, error) {
	cfg, err := daemon.Load(homeDir())
	if err != nil {
		return cfg, err
	}
	if err := daemon.SetupLogging(cfg.Log); err != nil {
		return cfg, fmt.Errorf("log.level: %w", err)
	}
	return cfg, nil
}

func serverURL(cfg daemon.Config) string {
	if flagServer != "" {
		return flagServer
	}
	return "http://" + cfg.Addr()
}

// newClient loads config and returns a client for the configured server.
func newClient() (*client, daemon.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	return newHTTPClient(serverURL(cfg)), cfg, nil
}
