// Package store defines the ledger record store: keyed records plus a
// lamport balance per address, mutated only through atomic batches.
// Implementations include PostgreSQL (source of truth), LevelDB (embedded),
// Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists at an address.
	ErrNotFound = errors.New("store: record not found")

	// ErrAlreadyExists is returned when a batch creates a record at an
	// address that is already initialized.
	ErrAlreadyExists = errors.New("store: record already exists")

	// ErrInsufficientBalance is returned when a transfer would take an
	// address below zero lamports.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrBalanceOverflow is returned when a credit would exceed the
	// lamport range.
	ErrBalanceOverflow = errors.New("store: balance overflow")
)

// Kind tags the type of a record.
type Kind string

const (
	KindStats   Kind = "stats"
	KindAccount Kind = "account"
	KindGame    Kind = "game"
	KindBet     Kind = "bet"
)

// Record is a stored ledger record. Owner names the program the record
// belongs to; Data is the JSON encoding of the record body.
type Record struct {
	Address string          `json:"address"`
	Kind    Kind            `json:"kind"`
	Owner   string          `json:"owner"`
	Data    json.RawMessage `json:"data"`
}

func (r Record) clone() Record {
	r.Data = append(json.RawMessage(nil), r.Data...)
	return r
}

// Transfer moves lamports between two addresses.
type Transfer struct {
	From   string
	To     string
	Amount uint64
}

// Batch is a set of mutations applied all-or-nothing. Transfers are applied
// first, then creates, puts and deletes.
type Batch struct {
	Creates   []Record
	Puts      []Record
	Deletes   []string
	Transfers []Transfer
}

// Create adds a record that must not exist yet.
func (b *Batch) Create(rec Record) { b.Creates = append(b.Creates, rec) }

// Put adds an overwrite of an existing record.
func (b *Batch) Put(rec Record) { b.Puts = append(b.Puts, rec) }

// Delete destroys the record at addr. The address keeps whatever lamports
// it still holds.
func (b *Batch) Delete(addr string) { b.Deletes = append(b.Deletes, addr) }

// Transfer queues a lamport movement. Zero amounts are dropped.
func (b *Batch) Transfer(from, to string, amount uint64) {
	if amount == 0 {
		return
	}
	b.Transfers = append(b.Transfers, Transfer{From: from, To: to, Amount: amount})
}

// Empty reports whether the batch carries no mutations.
func (b *Batch) Empty() bool {
	return len(b.Creates)+len(b.Puts)+len(b.Deletes)+len(b.Transfers) == 0
}

// RecordAddresses returns every record address the batch writes.
func (b *Batch) RecordAddresses() []string {
	out := make([]string, 0, len(b.Creates)+len(b.Puts)+len(b.Deletes))
	for _, r := range b.Creates {
		out = append(out, r.Address)
	}
	for _, r := range b.Puts {
		out = append(out, r.Address)
	}
	return append(out, b.Deletes...)
}

// BalanceAddresses returns every address whose balance the batch changes.
func (b *Batch) BalanceAddresses() []string {
	out := make([]string, 0, 2*len(b.Transfers))
	for _, t := range b.Transfers {
		out = append(out, t.From, t.To)
	}
	return out
}

// Store is the persistence interface of the ledger.
type Store interface {
	// Load returns the record at addr or ErrNotFound.
	Load(ctx context.Context, addr string) (*Record, error)

	// List returns every record of a kind ordered by address.
	List(ctx context.Context, kind Kind) ([]Record, error)

	// Balance returns the lamports held at addr; unfunded addresses hold 0.
	Balance(ctx context.Context, addr string) (uint64, error)

	// Credit adds lamports that enter the ledger from outside, such as a
	// wallet funded by an external payment rail.
	Credit(ctx context.Context, addr string, amount uint64) error

	// Commit applies a batch atomically.
	Commit(ctx context.Context, b *Batch) error
}

// Consistent returns a view of st whose reads never come from a cache.
// Writes still go through st so caches see them. Stores without a cache are
// returned unchanged.
func Consistent(st Store) Store {
	if c, ok := st.(interface{ Consistent() Store }); ok {
		return c.Consistent()
	}
	return st
}
