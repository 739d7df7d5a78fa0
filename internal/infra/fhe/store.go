package fhe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/sqlite"
)

// ErrNotFound is returned by a Store for unknown handles.
var ErrNotFound = errors.New("fhe: handle not found")

// Record is the coprocessor's private view of one ciphertext.
type Record struct {
	Handle string
	Type   domain.CipherType
	Value  uint64
	Flag   bool
}

// Store persists ciphertext records and their ACL.
type Store interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, handle string) (Record, error)
	Grant(ctx context.Context, handle string, viewer domain.Address) error
	Allowed(ctx context.Context, handle string, viewer domain.Address) (bool, error)
}

// ─── In-Memory Store ────────────────────────────────────────────────────────

// MemoryStore is a process-local Store for tests and ephemeral ledgers.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	acl     map[string]map[domain.Address]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		acl:     make(map[string]map[domain.Address]struct{}),
	}
}

func (m *MemoryStore) Put(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.Handle]; ok {
		return fmt.Errorf("fhe: duplicate handle %s", r.Handle)
	}
	m.records[r.Handle] = r
	return nil
}

func (m *MemoryStore) Get(_ context.Context, handle string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[handle]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Grant(_ context.Context, handle string, viewer domain.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[handle]; !ok {
		return ErrNotFound
	}
	set, ok := m.acl[handle]
	if !ok {
		set = make(map[domain.Address]struct{})
		m.acl[handle] = set
	}
	set[viewer] = struct{}{}
	return nil
}

func (m *MemoryStore) Allowed(_ context.Context, handle string, viewer domain.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.acl[handle][viewer]
	return ok, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// ─── SQLite Store ───────────────────────────────────────────────────────────

// SQLStore adapts the sqlite ciphertext table to Store.
type SQLStore struct {
	db *sqlite.CiphertextDB
}

// NewSQLStore wraps an open ciphertext database.
func NewSQLStore(db *sqlite.CiphertextDB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) Put(ctx context.Context, r Record) error {
	return s.db.PutCiphertext(ctx, sqlite.CiphertextRow{
		Handle: r.Handle,
		Type:   uint8(r.Type),
		Value:  r.Value,
		Flag:   r.Flag,
	})
}

func (s *SQLStore) Get(ctx context.Context, handle string) (Record, error) {
	row, err := s.db.GetCiphertext(ctx, handle)
	if errors.Is(err, sqlite.ErrCiphertextNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return Record{Handle: row.Handle, Type: domain.CipherType(row.Type), Value: row.Value, Flag: row.Flag}, nil
}

func (s *SQLStore) Grant(ctx context.Context, handle string, viewer domain.Address) error {
	return s.db.Grant(ctx, handle, string(viewer))
}

func (s *SQLStore) Allowed(ctx context.Context, handle string, viewer domain.Address) (bool, error) {
	return s.db.Allowed(ctx, handle, string(viewer))
}
