package domain

import "time"

// ─── Ledger Constants ───────────────────────────────────────────────────────

const (
	// DefaultCreditPrice is 0.01 ether per credit.
	DefaultCreditPrice Gwei = 10_000_000
	// DefaultDailyReward is the credit amount granted per check-in.
	DefaultDailyReward uint64 = 10
	// DefaultCooldownSeconds is the check-in cooldown window (24h).
	DefaultCooldownSeconds int64 = 86400
	// DefaultMaxPurchase bounds a single purchase so the encrypted domain cannot wrap.
	DefaultMaxPurchase uint64 = 1_000_000
)

// ─── Account ────────────────────────────────────────────────────────────────

// Account is the per-owner ledger record. Only EncryptedBalance is
// confidential; the remaining fields are plaintext audit data.
type Account struct {
	Owner             Address    `json:"owner"`
	EncryptedBalance  Ciphertext `json:"encrypted_balance"`
	LastCheckIn       int64      `json:"last_check_in"` // unix seconds, 0 = never
	CheckInCount      int64      `json:"check_in_count"`
	LifetimePurchased uint64     `json:"lifetime_purchased"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CheckInState is the per-account check-in state machine position.
type CheckInState string

const (
	CheckInNever    CheckInState = "NEVER"
	CheckInCooldown CheckInState = "IN_COOLDOWN"
	CheckInEligible CheckInState = "ELIGIBLE"
)

// CheckInStateAt returns the account's state at now for the given cooldown.
func (a *Account) CheckInStateAt(now, cooldown int64) CheckInState {
	switch {
	case a == nil || a.LastCheckIn == 0:
		return CheckInNever
	case now < a.LastCheckIn+cooldown:
		return CheckInCooldown
	default:
		return CheckInEligible
	}
}

// SecondsUntilCheckIn returns max(0, last + cooldown - now).
func (a *Account) SecondsUntilCheckIn(now, cooldown int64) int64 {
	if a == nil || a.LastCheckIn == 0 {
		return 0
	}
	if left := a.LastCheckIn + cooldown - now; left > 0 {
		return left
	}
	return 0
}

// ─── Global State ───────────────────────────────────────────────────────────

// GlobalState holds the ledger-wide parameters and the treasury. It is built
// once at ledger construction and passed explicitly.
type GlobalState struct {
	Owner           Address `json:"owner"`
	Treasury        Gwei    `json:"treasury"`
	CreditPrice     Gwei    `json:"credit_price"`
	DailyReward     uint64  `json:"daily_reward"`
	CooldownSeconds int64   `json:"cooldown_seconds"`
	MaxPurchase     uint64  `json:"max_purchase"`
}

// ─── Results ────────────────────────────────────────────────────────────────

// CheckInResult is returned by a successful check-in.
type CheckInResult struct {
	Rewarded  bool   `json:"rewarded"`
	Timestamp int64  `json:"timestamp"`
	Reward    uint64 `json:"reward"`
}

// PurchaseResult is returned by a successful purchase.
type PurchaseResult struct {
	Granted uint64 `json:"granted"`
	Cost    Gwei   `json:"cost"`
	Refund  Gwei   `json:"refund"`
}

// WithdrawResult is returned by a successful treasury withdrawal.
type WithdrawResult struct {
	Amount Gwei `json:"amount"`
}

// ─── Events ─────────────────────────────────────────────────────────────────

// EventKind names a ledger event for external observers.
type EventKind string

const (
	EventCheckedIn        EventKind = "CheckedIn"
	EventCreditsPurchased EventKind = "CreditsPurchased"
	EventCreditsUsed      EventKind = "CreditsUsed"
	EventWithdrawn        EventKind = "Withdrawn"
)

// Event is an append-only log record committed with the state change it describes.
type Event struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq,omitempty"`
	Kind      EventKind `json:"kind"`
	Owner     Address   `json:"owner"`
	Amount    uint64    `json:"amount,omitempty"`
	Paid      Gwei      `json:"paid,omitempty"`
	Nonce     string    `json:"nonce,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// ─── Payouts ────────────────────────────────────────────────────────────────

// PayoutReason is the business reason for a native-currency transfer.
type PayoutReason string

const (
	PayoutRefund     PayoutReason = "refund"
	PayoutWithdrawal PayoutReason = "withdrawal"
)

// PayoutStatus tracks a payout through the outbox.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutSent    PayoutStatus = "sent"
	PayoutFailed  PayoutStatus = "failed"
)

// Payout is an outbox row: a transfer obligation committed atomically with
// the ledger change that created it.
type Payout struct {
	ID        string       `json:"id"`
	To        Address      `json:"to"`
	Amount    Gwei         `json:"amount"`
	Reason    PayoutReason `json:"reason"`
	Status    PayoutStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Snapshot is a periodic aggregate of ledger state.
type Snapshot struct {
	Accounts       int64     `json:"accounts"`
	Treasury       Gwei      `json:"treasury"`
	Events         int64     `json:"events"`
	PendingPayouts int64     `json:"pending_payouts"`
	TakenAt        time.Time `json:"taken_at"`
}
