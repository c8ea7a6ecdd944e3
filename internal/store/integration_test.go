package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atmx/wager-engine/internal/store"
)

// setupPostgres starts a PostgreSQL container, migrates it and returns its
// connection string.
func setupPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("wager_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.MigrateUp(connStr))
	return connStr
}

// newPostgresStore returns a store over a freshly truncated schema.
func newPostgresStore(t *testing.T, pool *pgxpool.Pool) store.Store {
	t.Helper()
	_, err := pool.Exec(context.Background(), `TRUNCATE ledger_records, ledger_balances`)
	require.NoError(t, err)
	return store.NewPostgresStore(pool)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	connStr := setupPostgres(t)

	pool, err := pgxpool.New(context.Background(), connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	runStoreSuite(t, func(t *testing.T) store.Store { return newPostgresStore(t, pool) })

	t.Run("balance range constraint", func(t *testing.T) {
		s := newPostgresStore(t, pool)
		ctx := context.Background()
		require.NoError(t, s.Credit(ctx, "w", ^uint64(0)))
		assert.ErrorIs(t, s.Credit(ctx, "w", 1), store.ErrBalanceOverflow)
	})

	t.Run("migration version", func(t *testing.T) {
		version, dirty, err := store.MigrationVersion(connStr)
		require.NoError(t, err)
		assert.Equal(t, uint(1), version)
		assert.False(t, dirty)
	})
}

func TestCachedStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { testcontainers.TerminateContainer(redisC) })

	endpoint, err := redisC.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { rdb.Close() })

	runStoreSuite(t, func(t *testing.T) store.Store {
		require.NoError(t, rdb.FlushAll(ctx).Err())
		return store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	})

	t.Run("commit invalidates cached reads", func(t *testing.T) {
		require.NoError(t, rdb.FlushAll(ctx).Err())
		s := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)

		require.NoError(t, s.Credit(ctx, "w", 10))
		b := &store.Batch{}
		b.Create(rec("a", store.KindAccount, `{"v":1}`))
		require.NoError(t, s.Commit(ctx, b))

		// Prime the cache.
		_, err := s.Load(ctx, "a")
		require.NoError(t, err)
		bal, err := s.Balance(ctx, "w")
		require.NoError(t, err)
		require.Equal(t, uint64(10), bal)

		upd := &store.Batch{}
		upd.Put(rec("a", store.KindAccount, `{"v":2}`))
		upd.Transfer("w", "a", 4)
		require.NoError(t, s.Commit(ctx, upd))

		got, err := s.Load(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got.Data))
		bal, err = s.Balance(ctx, "w")
		require.NoError(t, err)
		assert.Equal(t, uint64(6), bal)
	})
	t.Run("write racing a fill is not cached", func(t *testing.T) {
		require.NoError(t, rdb.FlushAll(ctx).Err())
		primary := &hookedStore{Store: store.NewMemoryStore()}
		s := store.NewCachedStore(primary, rdb, time.Minute)

		b := &store.Batch{}
		b.Create(rec("a", store.KindAccount, `{"v":1}`))
		require.NoError(t, s.Commit(ctx, b))

		// The write lands after the read hit the primary and before the
		// read fills the cache.
		primary.afterLoad = func() {
			upd := &store.Batch{}
			upd.Put(rec("a", store.KindAccount, `{"v":2}`))
			require.NoError(t, s.Commit(ctx, upd))
		}
		got, err := s.Load(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(got.Data))

		got, err = s.Load(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got.Data))
	})

	t.Run("consistent view skips the cache", func(t *testing.T) {
		require.NoError(t, rdb.FlushAll(ctx).Err())
		primary := store.NewMemoryStore()
		s := store.NewCachedStore(primary, rdb, time.Minute)

		b := &store.Batch{}
		b.Create(rec("a", store.KindAccount, `{"v":1}`))
		require.NoError(t, s.Commit(ctx, b))
		_, err := s.Load(ctx, "a")
		require.NoError(t, err)

		upd := &store.Batch{}
		upd.Put(rec("a", store.KindAccount, `{"v":2}`))
		require.NoError(t, primary.Commit(ctx, upd))

		cached, err := s.Load(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(cached.Data))

		fresh, err := store.Consistent(s).Load(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(fresh.Data))
	})
}

// hookedStore runs afterLoad once, between the wrapped store's read and the
// return of Load.
type hookedStore struct {
	store.Store
	afterLoad func()
}

func (h *hookedStore) Load(ctx context.Context, addr string) (*store.Record, error) {
	rec, err := h.Store.Load(ctx, addr)
	if fn := h.afterLoad; fn != nil {
		h.afterLoad = nil
		fn()
	}
	return rec, err
}
