package ledger

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/atmx/wager-engine/internal/address"
	"github.com/atmx/wager-engine/internal/errs"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/rules"
	"github.com/atmx/wager-engine/internal/store"
)

// OpenGame creates an active game hosted by the caller, who must already
// hold an account.
func (e *Engine) OpenGame(ctx context.Context, caller string, minWager, maxWager uint64, cfg model.GameTypeConfig) (*model.Game, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, err := e.openGame(ctx, caller, minWager, maxWager, cfg)
	if err != nil {
		return nil, e.reject("open_game", err)
	}
	return g, nil
}

func (e *Engine) openGame(ctx context.Context, caller string, minWager, maxWager uint64, cfg model.GameTypeConfig) (*model.Game, error) {
	if err := requirePrincipal(caller); err != nil {
		return nil, err
	}
	if minWager == 0 || minWager > maxWager {
		return nil, fmt.Errorf("%w: wager bounds [%d, %d]", errs.ErrInvalidArgument, minWager, maxWager)
	}
	if err := rules.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	host, err := e.recs.loadAccountOf(ctx, caller)
	if err != nil {
		return nil, err
	}
	stats, err := e.recs.loadStats(ctx)
	if err != nil {
		return nil, err
	}

	nonce := e.nonce()
	addr := address.Game(e.policy.ProgramID, caller, nonce)
	found, err := e.recs.exists(ctx, addr)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%w: game %s", errs.ErrAlreadyInitialized, addr)
	}
	if err := e.requireFunds(ctx, caller, e.policy.RecordRent); err != nil {
		return nil, err
	}

	var c checked
	host.GamesHosted = c.add(host.GamesHosted, 1)
	stats.TotalGames = c.add(stats.TotalGames, 1)
	if c.err != nil {
		return nil, c.err
	}

	game := &model.Game{
		Address:  addr,
		Host:     caller,
		Nonce:    nonce,
		IsActive: true,
		MinWager: minWager,
		MaxWager: maxWager,
		Config:   cfg,
	}

	req := e.begin("open_game")
	req.create(addr, store.KindGame, game)
	req.put(host.Address, store.KindAccount, host)
	req.put(stats.Address, store.KindStats, stats)
	req.batch.Transfer(caller, addr, e.policy.RecordRent)
	req.tx.Publish(events.GameEvent{Kind: events.EventTypeGameOpened, Game: *game})
	if err := req.commit(ctx); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"game":      addr,
		"host":      caller,
		"type":      cfg.Type,
		"min_wager": minWager,
		"max_wager": maxWager,
	}).Info("game opened")
	return game, nil
}

// SetGameActive pauses or resumes bet intake. Only the host may toggle it.
func (e *Engine) SetGameActive(ctx context.Context, caller, addr string, active bool) (*model.Game, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, err := e.setGameActive(ctx, caller, addr, active)
	if err != nil {
		return nil, e.reject("set_game_active", err)
	}
	return g, nil
}

func (e *Engine) setGameActive(ctx context.Context, caller, addr string, active bool) (*model.Game, error) {
	game, err := e.recs.loadGame(ctx, addr)
	if err != nil {
		return nil, err
	}
	if caller != game.Host {
		return nil, fmt.Errorf("%w: %s does not host game %s", errs.ErrNoAuthority, caller, addr)
	}
	game.IsActive = active

	req := e.begin("set_game_active")
	req.put(addr, store.KindGame, game)
	req.tx.Publish(events.GameEvent{Kind: events.EventTypeGameStatusChanged, Game: *game})
	if err := req.commit(ctx); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"game": addr, "active": active}).Info("game status changed")
	return game, nil
}

// CloseGame destroys a game with no unresolved bets and refunds its rent
// to the host.
func (e *Engine) CloseGame(ctx context.Context, caller, addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.closeGame(ctx, caller, addr); err != nil {
		return e.reject("close_game", err)
	}
	return nil
}

func (e *Engine) closeGame(ctx context.Context, caller, addr string) error {
	game, err := e.recs.loadGame(ctx, addr)
	if err != nil {
		return err
	}
	if caller != game.Host {
		return fmt.Errorf("%w: %s does not host game %s", errs.ErrNoAuthority, caller, addr)
	}
	if game.UnresolvedBets > 0 {
		return fmt.Errorf("%w: %d unresolved bets", errs.ErrGameNotSettled, game.UnresolvedBets)
	}
	host, err := e.recs.loadAccountOf(ctx, game.Host)
	if err != nil {
		return err
	}
	stats, err := e.recs.loadStats(ctx)
	if err != nil {
		return err
	}
	rent, err := e.store.Balance(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to read balance of %s: %w", addr, err)
	}

	var c checked
	host.GamesHosted = c.sub(host.GamesHosted, 1)
	stats.TotalGames = c.sub(stats.TotalGames, 1)
	if c.err != nil {
		return c.err
	}

	req := e.begin("close_game")
	req.put(host.Address, store.KindAccount, host)
	req.put(stats.Address, store.KindStats, stats)
	req.batch.Transfer(addr, game.Host, rent)
	req.batch.Delete(addr)
	req.tx.Publish(events.GameEvent{Kind: events.EventTypeGameClosed, Game: *game})
	if err := req.commit(ctx); err != nil {
		return err
	}

	log.WithFields(log.Fields{"game": addr, "host": game.Host, "refund": rent}).Info("game closed")
	return nil
}
