package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/store"
)

// Queries read committed state without taking the request lock and may be
// served from the store cache; each record is read once so a response never
// mixes two versions of it. Operations never use these reads.

// Stats returns the global stats record together with the vault balance.
func (e *Engine) Stats(ctx context.Context) (*model.Stats, uint64, error) {
	s, err := e.reads.loadStats(ctx)
	if err != nil {
		return nil, 0, err
	}
	vault, err := e.reads.st.Balance(ctx, s.Address)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read vault balance: %w", err)
	}
	return s, vault, nil
}

// Account returns the account at addr.
func (e *Engine) Account(ctx context.Context, addr string) (*model.Account, error) {
	return e.reads.loadAccount(ctx, addr)
}

// AccountOf returns the account registered to principal.
func (e *Engine) AccountOf(ctx context.Context, principal string) (*model.Account, error) {
	return e.reads.loadAccountOf(ctx, principal)
}

// Game returns the game at addr.
func (e *Engine) Game(ctx context.Context, addr string) (*model.Game, error) {
	return e.reads.loadGame(ctx, addr)
}

// Bet returns the bet at addr.
func (e *Engine) Bet(ctx context.Context, addr string) (*model.Bet, error) {
	return e.reads.loadBet(ctx, addr)
}

// GameFilter narrows Games. Empty fields match everything.
type GameFilter struct {
	Host       string
	ActiveOnly bool
}

// Games lists open games ordered by address.
func (e *Engine) Games(ctx context.Context, f GameFilter) ([]model.Game, error) {
	games, err := listKind[model.Game](ctx, e, store.KindGame)
	if err != nil {
		return nil, err
	}
	out := games[:0]
	for _, g := range games {
		if f.Host != "" && g.Host != f.Host {
			continue
		}
		if f.ActiveOnly && !g.IsActive {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// BetsOf lists the live bets owned by principal.
func (e *Engine) BetsOf(ctx context.Context, principal string) ([]model.Bet, error) {
	bets, err := listKind[model.Bet](ctx, e, store.KindBet)
	if err != nil {
		return nil, err
	}
	out := bets[:0]
	for _, b := range bets {
		if b.Owner == principal {
			out = append(out, b)
		}
	}
	return out, nil
}

// PendingSettlements returns the addresses of bets that are fulfilled but
// not yet settled.
func (e *Engine) PendingSettlements(ctx context.Context) ([]string, error) {
	bets, err := listKind[model.Bet](ctx, e, store.KindBet)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, b := range bets {
		if b.IsFulfilled && !b.IsUsed {
			out = append(out, b.Address)
		}
	}
	return out, nil
}

// WalletBalance returns the lamports held at addr, which may be a wallet
// or any record address.
func (e *Engine) WalletBalance(ctx context.Context, addr string) (uint64, error) {
	return e.reads.st.Balance(ctx, addr)
}

// Fund credits an external wallet. It models lamports arriving from outside
// the ledger and is reserved to the operator.
func (e *Engine) Fund(ctx context.Context, caller, wallet string, amount uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bal, err := e.fund(ctx, caller, wallet, amount)
	if err != nil {
		return 0, e.reject("fund", err)
	}
	return bal, nil
}

func listKind[T any](ctx context.Context, e *Engine, kind store.Kind) ([]T, error) {
	recs, err := e.reads.st.List(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", kind, err)
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		if rec.Owner != e.policy.ProgramID {
			continue
		}
		var v T
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s %s: %w", kind, rec.Address, err)
		}
		out = append(out, v)
	}
	return out, nil
}
