// Package fhe provides a local homomorphic coprocessor for development and
// tests. It keeps plaintexts behind opaque MiMC-derived handles, enforces a
// per-handle ACL and authorizes decryption with seed-bound viewing keys.
// Production deployments plug a real FHE coprocessor behind the same
// domain.HomomorphicBackend interface.
package fhe

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/observability"
)

// Scheme is the scheme tag carried on every handle this backend issues.
const Scheme = "local-mimc"

// Backend op names, also used as metric labels.
const (
	OpEncrypt = "encrypt"
	OpAdd     = "add"
	OpSub     = "sub"
	OpGe      = "ge"
	OpSelect  = "select"
	OpPack    = "pack"
	OpAllow   = "allow"
	OpVerify  = "verify"
	OpDecrypt = "decrypt"
)

// LocalBackend implements domain.HomomorphicBackend over a Store.
type LocalBackend struct {
	store Store
	seed  []byte
	log   *logrus.Entry

	seq atomic.Uint64
	mu  sync.Mutex
	ops map[string]uint64
}

// NewLocalBackend creates a backend. seed must be non-empty; it keys both
// handle derivation and viewing keys, so it has to stay stable across
// restarts for persisted handles to remain decryptable.
func NewLocalBackend(store Store, seed []byte) (*LocalBackend, error) {
	if store == nil {
		return nil, errors.New("fhe: nil store")
	}
	if len(seed) == 0 {
		return nil, errors.New("fhe: empty master seed")
	}
	return &LocalBackend{
		store: store,
		seed:  append([]byte(nil), seed...),
		log:   logrus.WithField("component", "fhe"),
		ops:   make(map[string]uint64),
	}, nil
}

var _ domain.HomomorphicBackend = (*LocalBackend)(nil)

// Scheme returns the scheme tag.
func (b *LocalBackend) Scheme() string { return Scheme }

// ─── Viewing Keys ───────────────────────────────────────────────────────────

// IssueViewingKey returns the viewing key for owner.
func (b *LocalBackend) IssueViewingKey(owner domain.Address) domain.ViewingKey {
	return domain.ViewingKey{Owner: owner, Secret: deriveViewingSecret(b.seed, string(owner))}
}

func (b *LocalBackend) validKey(key domain.ViewingKey) bool {
	want := deriveViewingSecret(b.seed, string(key.Owner))
	return key.Owner != "" && subtle.ConstantTimeCompare([]byte(want), []byte(key.Secret)) == 1
}

// ─── Operations ─────────────────────────────────────────────────────────────

// Encrypt stores v under a fresh handle.
func (b *LocalBackend) Encrypt(ctx context.Context, v uint64) (domain.Ciphertext, error) {
	if err := b.begin(ctx, OpEncrypt); err != nil {
		return domain.Ciphertext{}, err
	}
	return b.emit(ctx, Record{Type: domain.CipherUint64, Value: v})
}

// Add returns a + b mod 2^64.
func (b *LocalBackend) Add(ctx context.Context, x, y domain.Ciphertext) (domain.Ciphertext, error) {
	return b.binary(ctx, OpAdd, x, y, func(a, c uint64) Record {
		return Record{Type: domain.CipherUint64, Value: a + c}
	})
}

// Sub returns a - b mod 2^64.
func (b *LocalBackend) Sub(ctx context.Context, x, y domain.Ciphertext) (domain.Ciphertext, error) {
	return b.binary(ctx, OpSub, x, y, func(a, c uint64) Record {
		return Record{Type: domain.CipherUint64, Value: a - c}
	})
}

// Ge returns an ebool of a >= b.
func (b *LocalBackend) Ge(ctx context.Context, x, y domain.Ciphertext) (domain.Ciphertext, error) {
	return b.binary(ctx, OpGe, x, y, func(a, c uint64) Record {
		return Record{Type: domain.CipherBool, Flag: a >= c}
	})
}

// Select returns a fresh handle holding ifTrue or ifFalse. A new handle is
// always issued so the output cannot be linked to either input.
func (b *LocalBackend) Select(ctx context.Context, cond, ifTrue, ifFalse domain.Ciphertext) (domain.Ciphertext, error) {
	if err := b.begin(ctx, OpSelect); err != nil {
		return domain.Ciphertext{}, err
	}
	c, err := b.load(ctx, cond, domain.CipherBool)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	t, err := b.load(ctx, ifTrue, domain.CipherUint64)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	f, err := b.load(ctx, ifFalse, domain.CipherUint64)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	out := f.Value
	if c.Flag {
		out = t.Value
	}
	return b.emit(ctx, Record{Type: domain.CipherUint64, Value: out})
}

// Pack binds a success flag and a value into one result ciphertext.
func (b *LocalBackend) Pack(ctx context.Context, flag, value domain.Ciphertext) (domain.Ciphertext, error) {
	if err := b.begin(ctx, OpPack); err != nil {
		return domain.Ciphertext{}, err
	}
	f, err := b.load(ctx, flag, domain.CipherBool)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	v, err := b.load(ctx, value, domain.CipherUint64)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	return b.emit(ctx, Record{Type: domain.CipherResult, Flag: f.Flag, Value: v.Value})
}

// Allow adds viewer to the handle's ACL.
func (b *LocalBackend) Allow(ctx context.Context, c domain.Ciphertext, viewer domain.Address) error {
	if err := b.begin(ctx, OpAllow); err != nil {
		return err
	}
	if _, err := b.load(ctx, c, 0); err != nil {
		return err
	}
	if err := b.store.Grant(ctx, c.Handle, viewer); err != nil {
		return fmt.Errorf("%w: grant: %w", domain.ErrBackend, err)
	}
	return nil
}

// Verify checks that c is a euint64 issued by this backend and that caller
// is on its ACL.
func (b *LocalBackend) Verify(ctx context.Context, c domain.Ciphertext, caller domain.Address) error {
	if err := b.begin(ctx, OpVerify); err != nil {
		return err
	}
	if c.IsZero() || c.Type != domain.CipherUint64 || (c.Scheme != "" && c.Scheme != Scheme) {
		return fmt.Errorf("%w: expected %s handle", domain.ErrInvalidCiphertext, domain.CipherUint64)
	}
	if _, err := b.load(ctx, c, domain.CipherUint64); err != nil {
		return err
	}
	ok, err := b.store.Allowed(ctx, c.Handle, caller)
	if err != nil {
		return fmt.Errorf("%w: acl: %w", domain.ErrBackend, err)
	}
	if !ok {
		return fmt.Errorf("%w: caller %s not allowed on handle %s", domain.ErrInvalidCiphertext, caller, c.Short())
	}
	return nil
}

// Decrypt reveals the plaintext to a valid viewing key on the handle's ACL.
func (b *LocalBackend) Decrypt(ctx context.Context, c domain.Ciphertext, key domain.ViewingKey) (domain.Plaintext, error) {
	if err := b.begin(ctx, OpDecrypt); err != nil {
		return domain.Plaintext{}, err
	}
	if !b.validKey(key) {
		return domain.Plaintext{}, fmt.Errorf("%w: invalid viewing key", domain.ErrUnauthorizedViewer)
	}
	r, err := b.load(ctx, c, 0)
	if err != nil {
		return domain.Plaintext{}, err
	}
	ok, err := b.store.Allowed(ctx, c.Handle, key.Owner)
	if err != nil {
		return domain.Plaintext{}, fmt.Errorf("%w: acl: %w", domain.ErrBackend, err)
	}
	if !ok {
		return domain.Plaintext{}, fmt.Errorf("%w: %s on %s", domain.ErrUnauthorizedViewer, key.Owner, c.Short())
	}
	b.log.WithFields(logrus.Fields{"handle": c.Short(), "viewer": key.Owner}).Debug("authorized decryption")
	return domain.Plaintext{Type: r.Type, Value: r.Value, Flag: r.Flag}, nil
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats returns a copy of the per-op call counters.
func (b *LocalBackend) Stats() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]uint64, len(b.ops))
	for k, v := range b.ops {
		out[k] = v
	}
	return out
}

// TotalOps returns the sum of all op counters.
func (b *LocalBackend) TotalOps() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n uint64
	for _, v := range b.ops {
		n += v
	}
	return n
}

// ─── Internals ──────────────────────────────────────────────────────────────

func (b *LocalBackend) begin(ctx context.Context, op string) error {
	b.mu.Lock()
	b.ops[op]++
	b.mu.Unlock()
	observability.BackendOps.WithLabelValues(op).Inc()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrBackend, op, err)
	}
	return nil
}

func (b *LocalBackend) binary(ctx context.Context, op string, x, y domain.Ciphertext, fn func(a, c uint64) Record) (domain.Ciphertext, error) {
	if err := b.begin(ctx, op); err != nil {
		return domain.Ciphertext{}, err
	}
	rx, err := b.load(ctx, x, domain.CipherUint64)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	ry, err := b.load(ctx, y, domain.CipherUint64)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	return b.emit(ctx, fn(rx.Value, ry.Value))
}

// load fetches a record and checks its type (0 accepts any type).
func (b *LocalBackend) load(ctx context.Context, c domain.Ciphertext, want domain.CipherType) (Record, error) {
	if c.IsZero() {
		return Record{}, fmt.Errorf("%w: empty handle", domain.ErrInvalidCiphertext)
	}
	r, err := b.store.Get(ctx, c.Handle)
	if errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("%w: unknown handle %s", domain.ErrInvalidCiphertext, c.Short())
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: load: %w", domain.ErrBackend, err)
	}
	if want != 0 && r.Type != want {
		return Record{}, fmt.Errorf("%w: handle %s is %s, want %s", domain.ErrInvalidCiphertext, c.Short(), r.Type, want)
	}
	return r, nil
}

func (b *LocalBackend) emit(ctx context.Context, r Record) (domain.Ciphertext, error) {
	nonce := uuid.New()
	seq := b.seq.Add(1)
	r.Handle = deriveHandle(b.seed, append(nonce[:], byte(seq), byte(seq>>8), byte(seq>>16), byte(seq>>24)))
	if err := b.store.Put(ctx, r); err != nil {
		return domain.Ciphertext{}, fmt.Errorf("%w: store: %w", domain.ErrBackend, err)
	}
	return domain.Ciphertext{Handle: r.Handle, Type: r.Type, Scheme: Scheme}, nil
}
