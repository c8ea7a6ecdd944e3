package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Lamports are stored as NUMERIC(20,0) so the full uint64 range fits, and a
// check constraint rejects any balance outside it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Load(ctx context.Context, addr string) (*Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx,
		`SELECT address, kind, owner, data FROM ledger_records WHERE address = $1`, addr).
		Scan(&rec.Address, &rec.Kind, &rec.Owner, &rec.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", addr, err)
	}
	return &rec, nil
}

func (s *PostgresStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, kind, owner, data FROM ledger_records WHERE kind = $1 ORDER BY address`, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", kind, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Address, &rec.Kind, &rec.Owner, &rec.Data); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Balance(ctx context.Context, addr string) (uint64, error) {
	var lamports string
	err := s.pool.QueryRow(ctx,
		`SELECT lamports::TEXT FROM ledger_balances WHERE address = $1`, addr).Scan(&lamports)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", addr, err)
	}
	return strconv.ParseUint(lamports, 10, 64)
}

func (s *PostgresStore) Credit(ctx context.Context, addr string, amount uint64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return credit(ctx, tx, addr, amount)
	})
}

func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, t := range b.Transfers {
			tag, err := tx.Exec(ctx,
				`UPDATE ledger_balances SET lamports = lamports - $2::NUMERIC
				 WHERE address = $1 AND lamports >= $2::NUMERIC`,
				t.From, strconv.FormatUint(t.Amount, 10))
			if err != nil {
				return fmt.Errorf("debit %s: %w", t.From, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: %s cannot cover %d", ErrInsufficientBalance, t.From, t.Amount)
			}
			if err := credit(ctx, tx, t.To, t.Amount); err != nil {
				return err
			}
		}

		for _, rec := range b.Creates {
			_, err := tx.Exec(ctx,
				`INSERT INTO ledger_records (address, kind, owner, data) VALUES ($1, $2, $3, $4)`,
				rec.Address, rec.Kind, rec.Owner, []byte(rec.Data))
			if isPgError(err, pgUniqueViolation) {
				return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.Address)
			}
			if err != nil {
				return fmt.Errorf("create record %s: %w", rec.Address, err)
			}
		}

		for _, rec := range b.Puts {
			_, err := tx.Exec(ctx,
				`INSERT INTO ledger_records (address, kind, owner, data) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (address) DO UPDATE
				 SET kind = EXCLUDED.kind, owner = EXCLUDED.owner, data = EXCLUDED.data, updated_at = now()`,
				rec.Address, rec.Kind, rec.Owner, []byte(rec.Data))
			if err != nil {
				return fmt.Errorf("store record %s: %w", rec.Address, err)
			}
		}

		for _, addr := range b.Deletes {
			if _, err := tx.Exec(ctx, `DELETE FROM ledger_records WHERE address = $1`, addr); err != nil {
				return fmt.Errorf("delete record %s: %w", addr, err)
			}
			if _, err := tx.Exec(ctx,
				`DELETE FROM ledger_balances WHERE address = $1 AND lamports = 0`, addr); err != nil {
				return fmt.Errorf("delete balance %s: %w", addr, err)
			}
		}
		return nil
	})
}

func credit(ctx context.Context, tx pgx.Tx, addr string, amount uint64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_balances (address, lamports) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (address) DO UPDATE SET lamports = ledger_balances.lamports + EXCLUDED.lamports`,
		addr, strconv.FormatUint(amount, 10))
	if isPgError(err, pgCheckViolation) {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, addr)
	}
	if err != nil {
		return fmt.Errorf("credit %s: %w", addr, err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
