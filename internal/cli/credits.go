package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tutu-network/creditledger/internal/daemon"
	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/fhe"
)

func init() {
	rootCmd.AddCommand(checkinCmd)
	rootCmd.AddCommand(buyCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(treasuryCmd)
	rootCmd.AddCommand(withdrawCmd)

	checkinCmd.Flags().Bool("status", false, "Only report whether a check-in is possible")
	buyCmd.Flags().String("paid", "", "Amount paid in gwei (default: exact cost)")
	consumeCmd.Flags().String("nonce", "", "Request nonce (default: random UUID)")
	consumeCmd.Flags().Bool("decrypt", false, "Decrypt the result with the local viewing key")
	balanceCmd.Flags().Bool("decrypt", false, "Decrypt the balance with the local viewing key")
	eventsCmd.Flags().Int("limit", 20, "Maximum events to show")
}

func accountPath(owner, suffix string) string {
	return "/v1/accounts/" + url.PathEscape(owner) + suffix
}

// viewingKey derives owner's viewing key from the local master seed.
func viewingKey(cfg daemon.Config, owner string) (domain.ViewingKey, error) {
	seed, err := cfg.Seed()
	if err != nil {
		return domain.ViewingKey{}, err
	}
	b, err := fhe.NewLocalBackend(fhe.NewMemoryStore(), seed)
	if err != nil {
		return domain.ViewingKey{}, err
	}
	return b.IssueViewingKey(domain.NormalizeAddress(owner)), nil
}

func decryptRemote(cmd *cobra.Command, c *client, cfg daemon.Config, owner string, ct domain.Ciphertext) (domain.Plaintext, error) {
	key, err := viewingKey(cfg, owner)
	if err != nil {
		return domain.Plaintext{}, err
	}
	var pt domain.Plaintext
	err = c.post(cmd.Context(), "/v1/fhe/decrypt", map[string]interface{}{
		"ciphertext":  ct,
		"viewing_key": key,
	}, &pt)
	return pt, err
}

// ─── checkin ────────────────────────────────────────────────────────────────

var checkinCmd = &cobra.Command{
	Use:   "checkin OWNER",
	Short: "Claim the daily check-in reward",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckin,
}

func runCheckin(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	owner := args[0]

	if status, _ := cmd.Flags().GetBool("status"); status {
		var st struct {
			CanCheckIn       bool  `json:"can_check_in"`
			SecondsUntilNext int64 `json:"seconds_until_next"`
		}
		if err := c.get(cmd.Context(), accountPath(owner, "/checkin"), &st); err != nil {
			return err
		}
		if st.CanCheckIn {
			fmt.Fprintln(out, "Check-in available now.")
		} else {
			fmt.Fprintf(out, "Next check-in in %s.\n", time.Duration(st.SecondsUntilNext)*time.Second)
		}
		return nil
	}

	var res domain.CheckInResult
	if err := c.post(cmd.Context(), accountPath(owner, "/checkin"), nil, &res); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ Checked in: +%d credits\n", res.Reward)
	return nil
}

// ─── buy ────────────────────────────────────────────────────────────────────

var buyCmd = &cobra.Command{
	Use:   "buy OWNER AMOUNT",
	Short: "Buy credits at the fixed price",
	Long:  `Buy AMOUNT credits. Any overpayment is refunded through the payout outbox.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runBuy,
}

func runBuy(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}
	c, _, err := newClient()
	if err != nil {
		return err
	}

	var paid uint64
	if s, _ := cmd.Flags().GetString("paid"); s != "" {
		if paid, err = strconv.ParseUint(s, 10, 64); err != nil {
			return fmt.Errorf("invalid --paid %q: %w", s, err)
		}
	} else {
		var st domain.GlobalState
		if err := c.get(cmd.Context(), "/v1/state", &st); err != nil {
			return err
		}
		paid = uint64(st.CreditPrice) * amount
		if amount != 0 && paid/amount != uint64(st.CreditPrice) {
			return domain.ErrArithmeticOverflow
		}
	}

	var res domain.PurchaseResult
	err = c.post(cmd.Context(), accountPath(args[0], "/purchases"), map[string]interface{}{
		"amount": amount,
		"paid":   paid,
	}, &res)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ Bought %d credits for %s\n", res.Granted, res.Cost)
	if res.Refund > 0 {
		fmt.Fprintf(out, "   Refund queued: %s\n", res.Refund)
	}
	return nil
}

// ─── consume ────────────────────────────────────────────────────────────────

var consumeCmd = &cobra.Command{
	Use:   "consume OWNER AMOUNT",
	Short: "Spend credits for one request",
	Long: `Encrypt AMOUNT for OWNER and submit it as a consumption request. The
outcome is confidential: without --decrypt the command cannot tell whether the
balance covered the request.`,
	Args: cobra.ExactArgs(2),
	RunE: runConsume,
}

func runConsume(cmd *cobra.Command, args []string) error {
	owner := args[0]
	amount, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}
	c, cfg, err := newClient()
	if err != nil {
		return err
	}
	nonce, _ := cmd.Flags().GetString("nonce")
	if nonce == "" {
		nonce = uuid.NewString()
	}

	var input domain.Ciphertext
	if err := c.post(cmd.Context(), "/v1/fhe/encrypt", map[string]interface{}{"owner": owner, "value": amount}, &input); err != nil {
		return err
	}
	var result domain.Ciphertext
	err = c.post(cmd.Context(), accountPath(owner, "/consume"), map[string]interface{}{
		"encrypted_amount": input,
		"nonce":            nonce,
	}, &result)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Request %s submitted (result %s)\n", nonce, result.Short())
	if dec, _ := cmd.Flags().GetBool("decrypt"); dec {
		pt, err := decryptRemote(cmd, c, cfg, owner, result)
		if err != nil {
			return err
		}
		if pt.Flag {
			fmt.Fprintf(out, "✅ Consumed %d credits\n", amount)
		} else {
			fmt.Fprintln(out, "❌ Insufficient credits; balance unchanged")
		}
	}
	return nil
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance OWNER",
	Short: "Show an account's encrypted balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	c, cfg, err := newClient()
	if err != nil {
		return err
	}
	var ct domain.Ciphertext
	if err := c.get(cmd.Context(), accountPath(args[0], "/balance"), &ct); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if dec, _ := cmd.Flags().GetBool("decrypt"); dec {
		pt, err := decryptRemote(cmd, c, cfg, args[0], ct)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Balance: %d credits\n", pt.Value)
		return nil
	}
	fmt.Fprintf(out, "Handle: %s\nType:   %s\nScheme: %s\n", ct.Handle, ct.Type, ct.Scheme)
	return nil
}

// ─── events ─────────────────────────────────────────────────────────────────

var eventsCmd = &cobra.Command{
	Use:   "events OWNER",
	Short: "List an account's ledger events",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	c, _, err := newClient()
	if err != nil {
		return err
	}
	var resp struct {
		Events []domain.Event `json:"events"`
	}
	if err := c.get(cmd.Context(), accountPath(args[0], fmt.Sprintf("/events?limit=%d", limit)), &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Events) == 0 {
		fmt.Fprintln(out, "No events.")
		return nil
	}
	for _, ev := range resp.Events {
		ts := time.Unix(ev.Timestamp, 0).UTC().Format(time.RFC3339)
		switch ev.Kind {
		case domain.EventCreditsPurchased:
			fmt.Fprintf(out, "%s  %-16s amount=%d paid=%s\n", ts, ev.Kind, ev.Amount, ev.Paid)
		case domain.EventCreditsUsed:
			fmt.Fprintf(out, "%s  %-16s nonce=%s\n", ts, ev.Kind, ev.Nonce)
		case domain.EventWithdrawn:
			fmt.Fprintf(out, "%s  %-16s amount=%s\n", ts, ev.Kind, ev.Paid)
		default:
			fmt.Fprintf(out, "%s  %s\n", ts, ev.Kind)
		}
	}
	return nil
}

// ─── treasury / withdraw ────────────────────────────────────────────────────

var treasuryCmd = &cobra.Command{
	Use:   "treasury",
	Short: "Show the collected purchase funds",
	Args:  cobra.NoArgs,
	RunE:  runTreasury,
}

func runTreasury(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	var resp struct {
		Balance domain.Gwei `json:"balance"`
	}
	if err := c.get(cmd.Context(), "/v1/treasury", &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Treasury: %s (%d gwei)\n", resp.Balance, uint64(resp.Balance))
	return nil
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Withdraw the treasury to the ledger owner",
	Long:  `Withdraw the whole treasury. The request is made as the owner named in config.toml.`,
	Args:  cobra.NoArgs,
	RunE:  runWithdraw,
}

func runWithdraw(cmd *cobra.Command, args []string) error {
	c, cfg, err := newClient()
	if err != nil {
		return err
	}
	var res domain.WithdrawResult
	err = c.do(cmd.Context(), http.MethodPost, "/v1/treasury/withdraw", nil,
		map[string]string{"X-Caller": cfg.Ledger.Owner}, &res)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if res.Amount == 0 {
		fmt.Fprintln(out, "Treasury is empty; nothing withdrawn.")
		return nil
	}
	fmt.Fprintf(out, "✅ Withdrawal of %s queued to %s\n", res.Amount, cfg.Ledger.Owner)
	return nil
}
