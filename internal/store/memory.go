package store

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"sync"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]Record
	balances map[string]uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]Record),
		balances: make(map[string]uint64),
	}
}

func (s *MemoryStore) Load(_ context.Context, addr string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	rec = rec.clone()
	return &rec, nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, rec := range s.records {
		if rec.Kind == kind {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *MemoryStore) Balance(_ context.Context, addr string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[addr], nil
}

func (s *MemoryStore) Credit(_ context.Context, addr string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, carry := bits.Add64(s.balances[addr], amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, addr)
	}
	s.balances[addr] = sum
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, err := stageTransfers(b.Transfers, func(addr string) (uint64, error) {
		return s.balances[addr], nil
	})
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(b.Creates))
	for _, rec := range b.Creates {
		if _, ok := s.records[rec.Address]; ok || seen[rec.Address] {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.Address)
		}
		seen[rec.Address] = true
	}

	// Validation done; nothing below can fail.
	for addr, bal := range staged {
		s.balances[addr] = bal
	}
	for _, rec := range b.Creates {
		s.records[rec.Address] = rec.clone()
	}
	for _, rec := range b.Puts {
		s.records[rec.Address] = rec.clone()
	}
	for _, addr := range b.Deletes {
		delete(s.records, addr)
		if s.balances[addr] == 0 {
			delete(s.balances, addr)
		}
	}
	return nil
}

// stageTransfers replays transfers against current balances and returns the
// resulting balance of every touched address, or the first failure.
func stageTransfers(transfers []Transfer, balance func(string) (uint64, error)) (map[string]uint64, error) {
	staged := make(map[string]uint64)
	get := func(addr string) (uint64, error) {
		if v, ok := staged[addr]; ok {
			return v, nil
		}
		return balance(addr)
	}

	for _, t := range transfers {
		from, err := get(t.From)
		if err != nil {
			return nil, err
		}
		if from < t.Amount {
			return nil, fmt.Errorf("%w: %s holds %d, transfer needs %d", ErrInsufficientBalance, t.From, from, t.Amount)
		}
		staged[t.From] = from - t.Amount

		to, err := get(t.To)
		if err != nil {
			return nil, err
		}
		sum, carry := bits.Add64(to, t.Amount, 0)
		if carry != 0 {
			return nil, fmt.Errorf("%w: %s", ErrBalanceOverflow, t.To)
		}
		staged[t.To] = sum
	}
	return staged, nil
}
