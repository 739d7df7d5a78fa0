package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the ledger depends on them.

// HomomorphicBackend abstracts the FHE coprocessor. Every method works on
// opaque handles; only Decrypt yields plaintext, and only to a viewing key
// listed on the handle's ACL.
type HomomorphicBackend interface {
	// Scheme names the encryption scheme carried on every handle.
	Scheme() string

	// Encrypt produces a fresh euint64 ciphertext of v.
	Encrypt(ctx context.Context, v uint64) (Ciphertext, error)

	// Add and Sub operate modulo 2^64.
	Add(ctx context.Context, a, b Ciphertext) (Ciphertext, error)
	Sub(ctx context.Context, a, b Ciphertext) (Ciphertext, error)

	// Ge returns an ebool of a >= b.
	Ge(ctx context.Context, a, b Ciphertext) (Ciphertext, error)

	// Select returns ifTrue when cond decrypts to true, else ifFalse, without revealing which.
	Select(ctx context.Context, cond, ifTrue, ifFalse Ciphertext) (Ciphertext, error)

	// Pack binds an ebool and a euint64 into one result ciphertext.
	Pack(ctx context.Context, flag, value Ciphertext) (Ciphertext, error)

	// Allow adds viewer to the handle's ACL.
	Allow(ctx context.Context, c Ciphertext, viewer Address) error

	// Verify checks that c is a euint64 input the caller may use.
	Verify(ctx context.Context, c Ciphertext, caller Address) error

	// Decrypt performs an authorized decryption (RequestDecryption).
	Decrypt(ctx context.Context, c Ciphertext, key ViewingKey) (Plaintext, error)
}

// Clock supplies the ledger's notion of "now".
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// LedgerStore persists accounts, global state, nonces, events and payouts.
// InTx runs fn inside one atomic transaction; any error from fn rolls back
// every write made through tx.
type LedgerStore interface {
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
	GetAccount(ctx context.Context, owner Address) (*Account, error)
	LoadState(ctx context.Context) (owner Address, treasury Gwei, err error)
	InitState(ctx context.Context, owner Address) error
	ListEvents(ctx context.Context, owner Address, limit int) ([]Event, error)
	ForEachNonce(ctx context.Context, fn func(owner Address, nonce string)) error
}

// LedgerTx is the write surface available inside a ledger transaction.
type LedgerTx interface {
	GetAccount(owner Address) (*Account, error)
	PutAccount(a *Account) error
	HasNonce(owner Address, nonce string) (bool, error)
	RecordNonce(owner Address, nonce string, at int64) error
	Treasury() (Gwei, error)
	SetTreasury(w Gwei) error
	AppendEvent(ev *Event) error
	EnqueuePayout(p *Payout) error
}

// PaymentRail moves native currency out of the ledger.
type PaymentRail interface {
	Send(ctx context.Context, p Payout) error
}

// EventSink receives committed events (e.g. the live SSE hub).
type EventSink interface {
	Publish(ev Event)
}
