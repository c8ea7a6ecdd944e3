package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	r/<addr>        JSON record
//	k/<kind>/<addr> kind index, empty value
//	b/<addr>        big-endian uint64 lamports
const (
	recordPrefix  = "r/"
	indexPrefix   = "k/"
	balancePrefix = "b/"
)

// LevelStore implements Store on an embedded LevelDB. Each Commit is a
// single synced write batch; the mutex keeps the read-validate-write cycle
// of concurrent commits from interleaving.
type LevelStore struct {
	db *leveldb.DB
	mu sync.Mutex
}

// OpenLevelStore opens (or creates) the database at path, recovering it if
// the manifest is corrupted.
func OpenLevelStore(path string) (*LevelStore, error) {
	o := &opt.Options{
		OpenFilesCacheCapacity: 128,
		BlockCacheCapacity:     64 * opt.MiB,
		WriteBuffer:            32 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(path, o)
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, o)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

// Close releases the database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

func recordKey(addr string) []byte  { return []byte(recordPrefix + addr) }
func balanceKey(addr string) []byte { return []byte(balancePrefix + addr) }
func indexKey(kind Kind, addr string) []byte {
	return []byte(indexPrefix + string(kind) + "/" + addr)
}

func (s *LevelStore) Load(_ context.Context, addr string) (*Record, error) {
	raw, err := s.db.Get(recordKey(addr), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", addr, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", addr, err)
	}
	return &rec, nil
}

func (s *LevelStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	prefix := []byte(indexPrefix + string(kind) + "/")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var addrs []string
	for iter.Next() {
		addrs = append(addrs, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate %s records: %w", kind, err)
	}

	out := make([]Record, 0, len(addrs))
	for _, addr := range addrs {
		rec, err := s.Load(ctx, addr)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *LevelStore) Balance(_ context.Context, addr string) (uint64, error) {
	return s.balance(addr)
}

func (s *LevelStore) balance(addr string) (uint64, error) {
	raw, err := s.db.Get(balanceKey(addr), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", addr, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt balance entry for %s", addr)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func encodeBalance(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func (s *LevelStore) Credit(_ context.Context, addr string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, err := s.balance(addr)
	if err != nil {
		return err
	}
	sum, carry := bits.Add64(bal, amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, addr)
	}
	return s.db.Put(balanceKey(addr), encodeBalance(sum), &opt.WriteOptions{Sync: true})
}

func (s *LevelStore) Commit(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, err := stageTransfers(b.Transfers, s.balance)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for addr, bal := range staged {
		batch.Put(balanceKey(addr), encodeBalance(bal))
	}

	seen := make(map[string]bool, len(b.Creates))
	for _, rec := range b.Creates {
		exists, err := s.db.Has(recordKey(rec.Address), nil)
		if err != nil {
			return fmt.Errorf("check record %s: %w", rec.Address, err)
		}
		if exists || seen[rec.Address] {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.Address)
		}
		seen[rec.Address] = true
		if err := putRecord(batch, rec); err != nil {
			return err
		}
	}
	for _, rec := range b.Puts {
		if err := putRecord(batch, rec); err != nil {
			return err
		}
	}
	for _, addr := range b.Deletes {
		rec, err := s.Load(context.Background(), addr)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		batch.Delete(recordKey(addr))
		batch.Delete(indexKey(rec.Kind, addr))
		if bal, ok := staged[addr]; ok && bal == 0 {
			batch.Delete(balanceKey(addr))
		}
	}

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

func putRecord(batch *leveldb.Batch, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Address, err)
	}
	batch.Put(recordKey(rec.Address), raw)
	batch.Put(indexKey(rec.Kind, rec.Address), nil)
	return nil
}
