// Package dsa holds the in-memory indexes the ledger keeps beside its store.
package dsa

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// BloomConfig sizes a NonceFilter.
type BloomConfig struct {
	ExpectedItems int     // nonces the filter should hold at FPRate
	FPRate        float64 // target false positive rate, e.g. 0.001
}

// DefaultBloomConfig holds 100k nonces at 0.1% (about 180 KB of bits).
func DefaultBloomConfig() BloomConfig {
	return BloomConfig{ExpectedItems: 100_000, FPRate: 0.001}
}

// NonceFilter is a Bloom filter over (owner, nonce) pairs and the replay fast
// path of consumption. MaybeSeen never returns false for a recorded pair, so
// a miss proves the request is new; a hit must be confirmed by the nonce table.
type NonceFilter struct {
	mu     sync.RWMutex
	bits   *bitset.BitSet
	size   uint // m
	probes uint // k
	count  int
}

// NewNonceFilter sizes an empty filter with m = -n·ln(p)/ln²2 bits and
// k = m/n·ln2 probes.
func NewNonceFilter(cfg BloomConfig) *NonceFilter {
	def := DefaultBloomConfig()
	if cfg.ExpectedItems <= 0 {
		cfg.ExpectedItems = def.ExpectedItems
	}
	if cfg.FPRate <= 0 || cfg.FPRate >= 1 {
		cfg.FPRate = def.FPRate
	}
	n := float64(cfg.ExpectedItems)
	m := uint(math.Ceil(-n * math.Log(cfg.FPRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &NonceFilter{bits: bitset.New(m), size: m, probes: k}
}

// Add records a processed nonce.
func (f *NonceFilter) Add(owner, nonce string) {
	h1, h2 := pairHash(owner, nonce)
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint(0); i < f.probes; i++ {
		f.bits.Set(f.index(h1, h2, i))
	}
	f.count++
}

// MaybeSeen reports whether the nonce might have been processed for owner.
func (f *NonceFilter) MaybeSeen(owner, nonce string) bool {
	h1, h2 := pairHash(owner, nonce)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint(0); i < f.probes; i++ {
		if !f.bits.Test(f.index(h1, h2, i)) {
			return false
		}
	}
	return true
}

// Count returns the number of recorded nonces.
func (f *NonceFilter) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// EstimatedFPRate estimates the current false positive rate from the share
// of set bits: (set/m)^k.
func (f *NonceFilter) EstimatedFPRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fill := float64(f.bits.Count()) / float64(f.size)
	return math.Pow(fill, float64(f.probes))
}

func (f *NonceFilter) index(h1, h2 uint64, i uint) uint {
	return uint((h1 + uint64(i)*h2) % uint64(f.size))
}

// pairHash splits one SHA-256 of the pair into the two double-hashing seeds.
// Owner addresses never contain NUL.
func pairHash(owner, nonce string) (uint64, uint64) {
	sum := sha256.Sum256([]byte(owner + "\x00" + nonce))
	return binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:16]) | 1
}
