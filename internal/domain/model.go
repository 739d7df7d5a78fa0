// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of the ledger; it depends on nothing.
package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ─── Identity ───────────────────────────────────────────────────────────────

// Address identifies an account (address-equivalent, compared case-insensitively).
type Address string

// NormalizeAddress trims and lower-cases an account identifier.
func NormalizeAddress(s string) Address {
	return Address(strings.ToLower(strings.TrimSpace(s)))
}

// Valid reports whether the address is usable as an account identifier.
func (a Address) Valid() bool {
	return a != "" && !strings.ContainsAny(string(a), " \t\n/")
}

func (a Address) String() string { return string(a) }

// ─── Ciphertexts ────────────────────────────────────────────────────────────

// CipherType tags the plaintext domain behind a ciphertext handle.
type CipherType uint8

const (
	CipherBool   CipherType = 1 // encrypted boolean (comparison output)
	CipherUint64 CipherType = 2 // encrypted unsigned credit count
	CipherResult CipherType = 3 // packed (flag, value) consumption result
)

func (t CipherType) String() string {
	switch t {
	case CipherBool:
		return "ebool"
	case CipherUint64:
		return "euint64"
	case CipherResult:
		return "eresult"
	default:
		return fmt.Sprintf("ctype(%d)", uint8(t))
	}
}

// ParseCipherType is the inverse of CipherType.String.
func ParseCipherType(s string) (CipherType, error) {
	switch s {
	case "ebool":
		return CipherBool, nil
	case "euint64":
		return CipherUint64, nil
	case "eresult":
		return CipherResult, nil
	}
	return 0, fmt.Errorf("%w: unknown ciphertext type %q", ErrInvalidCiphertext, s)
}

// MarshalText encodes the type by name so JSON payloads stay readable.
func (t CipherType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText decodes a type name.
func (t *CipherType) UnmarshalText(b []byte) error {
	v, err := ParseCipherType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Ciphertext is an opaque reference to an encrypted value held by a
// HomomorphicBackend. The ledger never sees or assumes a plaintext behind it.
type Ciphertext struct {
	Handle string     `json:"handle"`
	Type   CipherType `json:"type"`
	Scheme string     `json:"scheme"`
}

// IsZero reports whether c is the uninitialized handle.
func (c Ciphertext) IsZero() bool { return c.Handle == "" }

// Short returns an abbreviated handle for log lines.
func (c Ciphertext) Short() string {
	if len(c.Handle) <= 12 {
		return c.Handle
	}
	return c.Handle[:12]
}

// Plaintext is the output of an authorized decryption. Flag carries an ebool
// or the success bit of a packed result; Value carries a euint64 or the
// balance commitment of a packed result.
type Plaintext struct {
	Type  CipherType `json:"type"`
	Value uint64     `json:"value"`
	Flag  bool       `json:"flag"`
}

// ViewingKey authorizes decryption of ciphertexts whose ACL names Owner.
type ViewingKey struct {
	Owner  Address `json:"owner"`
	Secret string  `json:"secret"`
}

// ─── Currency ───────────────────────────────────────────────────────────────

// Gwei is an amount of native currency (1e-9 ether). The ledger settles in
// gwei so a uint64 treasury holds up to ~1.8e10 ether.
type Gwei uint64

// GweiPerEther is 1e9.
const GweiPerEther Gwei = 1_000_000_000

// String formats the amount as decimal ether.
func (w Gwei) String() string {
	r := new(big.Rat).SetFrac(new(big.Int).SetUint64(uint64(w)), new(big.Int).SetUint64(uint64(GweiPerEther)))
	s := strings.TrimRight(r.FloatString(9), "0")
	return strings.TrimSuffix(s, ".") + " ETH"
}

// ─── Utilities ──────────────────────────────────────────────────────────────

// Unix converts a time to ledger seconds; the zero time maps to 0 ("never").
func Unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
