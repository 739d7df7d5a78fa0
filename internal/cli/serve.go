package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tutu-network/creditledger/internal/daemon"
	"github.com/tutu-network/creditledger/internal/domain"
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)

	initCmd.Flags().String("owner", "", "Ledger owner account (receives treasury withdrawals)")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config.toml")
	initCmd.MarkFlagRequired("owner")
}

// ─── init ───────────────────────────────────────────────────────────────────

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config.toml with a fresh FHE master seed",
	Long: `Write a default config.toml into the home directory, recording the ledger
owner and a newly generated FHE master seed. The seed derives every viewing
key; keep the file private.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	force, _ := cmd.Flags().GetBool("force")

	addr := domain.NormalizeAddress(owner)
	if !addr.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidAccount, owner)
	}

	path := filepath.Join(homeDir(), daemon.ConfigFile)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	seed, err := daemon.NewMasterSeed()
	if err != nil {
		return fmt.Errorf("generate seed: %w", err)
	}
	cfg := daemon.DefaultConfig()
	cfg.Ledger.Owner = string(addr)
	cfg.FHE.MasterSeed = seed
	if err := daemon.Save(path, cfg); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ Wrote %s\n", path)
	fmt.Fprintf(out, "   Owner: %s\n", addr)
	fmt.Fprintln(out, "   Start the ledger with: creditledger serve")
	return nil
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger HTTP server",
	Long: `Open the ledger in the home directory and serve the HTTP API. Refunds and
withdrawals are paid out by a background job; ledger snapshots are taken on
the configured schedule.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.Open(ctx, homeDir(), cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	err = d.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── config ─────────────────────────────────────────────────────────────────

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after applying config.toml, .env and CREDITLEDGER_* variables. The master seed is redacted.`,
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.FHE.MasterSeed != "" {
		cfg.FHE.MasterSeed = "<redacted>"
	}
	return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
}
