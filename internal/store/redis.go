package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// records and balances. Writes go to the primary store and invalidate every
// key the write touched, both before and after the primary write.
//
// Every address has a generation counter that invalidation increments. A
// read fills the cache only if the generation did not move while it was
// reading the primary, so a read that raced a write cannot put the old value
// back. Callers that act on what they read must use Consistent.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Consistent returns a view that reads the primary store directly and
// writes through the cache.
func (s *CachedStore) Consistent() Store { return consistentStore{s} }

// --- Write-through (invalidate, write to primary, invalidate) ---

func (s *CachedStore) Credit(ctx context.Context, addr string, amount uint64) error {
	return s.write(ctx, []string{addr}, func() error {
		return s.primary.Credit(ctx, addr, amount)
	})
}

func (s *CachedStore) Commit(ctx context.Context, b *Batch) error {
	addrs := append(b.RecordAddresses(), b.BalanceAddresses()...)
	return s.write(ctx, addrs, func() error {
		return s.primary.Commit(ctx, b)
	})
}

// write runs apply between two invalidations of addrs. The primary is not
// touched unless the first invalidation succeeds.
func (s *CachedStore) write(ctx context.Context, addrs []string, apply func() error) error {
	if err := s.invalidate(ctx, addrs); err != nil {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	if err := apply(); err != nil {
		return err
	}
	if err := s.invalidate(ctx, addrs); err != nil {
		log.WithError(err).WithField("addresses", len(addrs)).Error("cache invalidation after write failed")
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Load(ctx context.Context, addr string) (*Record, error) {
	data, err := s.rdb.Get(ctx, recordCacheKey(addr)).Bytes()
	if err == nil {
		var rec Record
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	var (
		rec     *Record
		loadErr error
	)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		if rec, loadErr = s.primary.Load(ctx, addr); loadErr != nil {
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil
		}
		return s.fill(ctx, tx, recordCacheKey(addr), data)
	}, generationKey(addr))
	if loadErr != nil {
		return nil, loadErr
	}
	if rec == nil {
		// Redis unreachable; the primary alone answers.
		return s.primary.Load(ctx, addr)
	}
	s.logFill(err, addr)
	return rec, nil
}

func (s *CachedStore) Balance(ctx context.Context, addr string) (uint64, error) {
	if v, err := s.rdb.Get(ctx, balanceCacheKey(addr)).Result(); err == nil {
		if bal, err := strconv.ParseUint(v, 10, 64); err == nil {
			return bal, nil
		}
	}

	var (
		bal     uint64
		read    bool
		loadErr error
	)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		if bal, loadErr = s.primary.Balance(ctx, addr); loadErr != nil {
			return nil
		}
		read = true
		return s.fill(ctx, tx, balanceCacheKey(addr), strconv.FormatUint(bal, 10))
	}, generationKey(addr))
	if loadErr != nil {
		return 0, loadErr
	}
	if !read {
		return s.primary.Balance(ctx, addr)
	}
	s.logFill(err, addr)
	return bal, nil
}

// List always reads the primary; kind scans are not cached.
func (s *CachedStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	return s.primary.List(ctx, kind)
}

// fill sets key inside the watching transaction. EXEC fails with
// redis.TxFailedErr when the address generation moved.
func (s *CachedStore) fill(ctx context.Context, tx *redis.Tx, key string, value any) error {
	_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, value, s.ttl)
		return nil
	})
	return err
}

func (s *CachedStore) logFill(err error, addr string) {
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		log.WithField("address", addr).Debug("cache fill skipped after concurrent write")
	default:
		log.WithError(err).WithField("address", addr).Warn("cache fill failed")
	}
}

// invalidate bumps the generation of every address and drops its cached
// record and balance in one MULTI.
func (s *CachedStore) invalidate(ctx context.Context, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, addr := range addrs {
			p.Incr(ctx, generationKey(addr))
			if s.ttl > 0 {
				p.Expire(ctx, generationKey(addr), s.ttl)
			}
			p.Del(ctx, recordCacheKey(addr), balanceCacheKey(addr))
		}
		return nil
	})
	return err
}

func recordCacheKey(addr string) string  { return fmt.Sprintf("record:%s", addr) }
func balanceCacheKey(addr string) string { return fmt.Sprintf("balance:%s", addr) }
func generationKey(addr string) string   { return fmt.Sprintf("gen:%s", addr) }

// consistentStore reads the primary of a CachedStore and writes through it.
type consistentStore struct{ c *CachedStore }

func (s consistentStore) Load(ctx context.Context, addr string) (*Record, error) {
	return s.c.primary.Load(ctx, addr)
}

func (s consistentStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	return s.c.primary.List(ctx, kind)
}

func (s consistentStore) Balance(ctx context.Context, addr string) (uint64, error) {
	return s.c.primary.Balance(ctx, addr)
}

func (s consistentStore) Credit(ctx context.Context, addr string, amount uint64) error {
	return s.c.Credit(ctx, addr, amount)
}

func (s consistentStore) Commit(ctx context.Context, b *Batch) error {
	return s.c.Commit(ctx, b)
}
