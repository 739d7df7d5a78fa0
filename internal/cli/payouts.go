package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(payoutsCmd)
	rootCmd.AddCommand(snapshotCmd)

	payoutsCmd.Flags().Int("limit", 50, "Maximum payouts to show")
}

// ─── payouts ────────────────────────────────────────────────────────────────

var payoutsCmd = &cobra.Command{
	Use:   "payouts [ADDRESS]",
	Short: "List refunds and withdrawals in the payout outbox",
	Long:  `Read the payout outbox directly from the ledger database in the home directory.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPayouts,
}

func runPayouts(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	db, err := sqlite.Open(homeDir())
	if err != nil {
		return fmt.Errorf("open ledger db: %w", err)
	}
	defer db.Close()

	var to domain.Address
	if len(args) == 1 {
		to = domain.NormalizeAddress(args[0])
	}
	ps, err := db.ListPayouts(cmd.Context(), to, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(ps) == 0 {
		fmt.Fprintln(out, "No payouts.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTO\tAMOUNT\tREASON\tSTATUS\tATTEMPTS")
	for _, p := range ps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", shortID(p.ID), p.To, p.Amount, p.Reason, p.Status, p.Attempts)
	}
	return w.Flush()
}

// ─── snapshot ───────────────────────────────────────────────────────────────

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show the latest ledger snapshot",
	Args:  cobra.NoArgs,
	RunE:  runSnapshot,
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	db, err := sqlite.Open(homeDir())
	if err != nil {
		return fmt.Errorf("open ledger db: %w", err)
	}
	defer db.Close()

	snap, err := db.LatestSnapshot(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if snap == nil {
		fmt.Fprintln(out, "No snapshots yet.")
		return nil
	}
	fmt.Fprintf(out, "Taken:           %s\n", snap.TakenAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(out, "Accounts:        %d\n", snap.Accounts)
	fmt.Fprintf(out, "Treasury:        %s\n", snap.Treasury)
	fmt.Fprintf(out, "Events:          %d\n", snap.Events)
	fmt.Fprintf(out, "Pending payouts: %d\n", snap.PendingPayouts)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
