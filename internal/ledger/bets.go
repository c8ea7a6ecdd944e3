package ledger

import (
	"context"
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/atmx/wager-engine/internal/address"
	"github.com/atmx/wager-engine/internal/errs"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/rules"
	"github.com/atmx/wager-engine/internal/store"
)

const (
	// RandomValueSize and RandomProofSize are the exact lengths accepted
	// from the randomness producer.
	RandomValueSize = 64
	RandomProofSize = 80

	// SeedMaterialSize is timestamp(8) + owner digest(32) + entropy(32).
	SeedMaterialSize = 72
)

// Settlement is the outcome of settling a bet.
type Settlement struct {
	Bet        model.Bet     `json:"bet"`
	BettorWins bool          `json:"bettor_wins"`
	Winner     string        `json:"winner"`
	Payout     uint64        `json:"payout"`
	Outcome    rules.Outcome `json:"-"`
}

// PlaceBet escrows a wager from the caller and the matching liquidity from
// the game's host.
func (e *Engine) PlaceBet(ctx context.Context, caller, gameAddr string, in model.BetInput) (*model.Bet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.placeBet(ctx, caller, gameAddr, in)
	if err != nil {
		return nil, e.reject("place_bet", err)
	}
	return b, nil
}

func (e *Engine) placeBet(ctx context.Context, caller, gameAddr string, in model.BetInput) (*model.Bet, error) {
	if err := requirePrincipal(caller); err != nil {
		return nil, err
	}
	game, err := e.recs.loadGame(ctx, gameAddr)
	if err != nil {
		return nil, err
	}
	if !game.IsActive {
		return nil, fmt.Errorf("%w: %s", errs.ErrGameInactive, gameAddr)
	}
	bettor, err := e.recs.loadAccountOf(ctx, caller)
	if err != nil {
		return nil, err
	}
	host := bettor
	if game.Host != caller {
		if host, err = e.recs.loadAccountOf(ctx, game.Host); err != nil {
			return nil, err
		}
	}
	locks, err := rules.Prepare(in, game, bettor, host)
	if err != nil {
		return nil, err
	}
	stats, err := e.recs.loadStats(ctx)
	if err != nil {
		return nil, err
	}

	betID := bettor.TotalBets
	addr := address.Bet(e.policy.ProgramID, gameAddr, caller, betID)
	found, err := e.recs.exists(ctx, addr)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%w: bet %s", errs.ErrAlreadyInitialized, addr)
	}
	if err := e.requireFunds(ctx, caller, e.policy.RecordRent); err != nil {
		return nil, err
	}
	seed, err := e.seedMaterial(caller)
	if err != nil {
		return nil, err
	}

	var c checked
	bettor.TotalBets = c.add(bettor.TotalBets, 1)
	bettor.ActiveBets = c.add(bettor.ActiveBets, 1)
	bettor.CurrentBalance = c.sub(bettor.CurrentBalance, locks.Bettor)
	host.CurrentBalance = c.sub(host.CurrentBalance, locks.Host)
	game.UnresolvedBets = c.add(game.UnresolvedBets, 1)
	game.TotalIn = c.add(game.TotalIn, locks.Bettor)
	stats.TotalBets = c.add(stats.TotalBets, 1)
	stats.TotalWager = c.add(stats.TotalWager, locks.Bettor)
	if c.err != nil {
		return nil, c.err
	}

	bet := &model.Bet{
		Address:            addr,
		Owner:              caller,
		Game:               gameAddr,
		BetID:              betID,
		SeedMaterial:       seed,
		LockedBettorAmount: locks.Bettor,
		LockedHostAmount:   locks.Host,
		Input:              in,
	}

	req := e.begin("place_bet")
	req.create(addr, store.KindBet, bet)
	req.put(bettor.Address, store.KindAccount, bettor)
	if host != bettor {
		req.put(host.Address, store.KindAccount, host)
	}
	req.put(gameAddr, store.KindGame, game)
	req.put(stats.Address, store.KindStats, stats)
	req.batch.Transfer(caller, addr, e.policy.RecordRent)
	req.tx.Publish(events.BetEvent{Kind: events.EventTypeBetPlaced, Bet: *bet})
	if err := req.commit(ctx); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"bet":         addr,
		"game":        gameAddr,
		"bettor":      caller,
		"bet_id":      betID,
		"bettor_lock": locks.Bettor,
		"host_lock":   locks.Host,
	}).Info("bet placed")
	return bet, nil
}

// seedMaterial is the input handed to the randomness producer:
// le64(unix time) || blake3(owner) || 32 bytes of fresh entropy.
func (e *Engine) seedMaterial(owner string) ([]byte, error) {
	entropy, err := e.entropy()
	if err != nil {
		return nil, fmt.Errorf("failed to draw entropy: %w", err)
	}
	seed := make([]byte, 0, SeedMaterialSize)
	seed = binary.LittleEndian.AppendUint64(seed, uint64(e.now().Unix()))
	digest := blake3.Sum256([]byte(owner))
	seed = append(seed, digest[:]...)
	return append(seed, entropy[:]...), nil
}

// FulfillRandomness records the random value for a pending bet. Only the
// operator acts as randomness producer; the proof is stored unverified.
func (e *Engine) FulfillRandomness(ctx context.Context, caller, addr string, value, proof []byte) (*model.Bet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.fulfillRandomness(ctx, caller, addr, value, proof)
	if err != nil {
		return nil, e.reject("fulfill_randomness", err)
	}
	return b, nil
}

func (e *Engine) fulfillRandomness(ctx context.Context, caller, addr string, value, proof []byte) (*model.Bet, error) {
	if caller != e.policy.Operator {
		return nil, fmt.Errorf("%w: only the operator may fulfill randomness", errs.ErrNoAuthority)
	}
	bet, err := e.recs.loadBet(ctx, addr)
	if err != nil {
		return nil, err
	}
	if bet.IsFulfilled {
		return nil, fmt.Errorf("%w: %s", errs.ErrAlreadyFulfilled, addr)
	}
	if bet.IsUsed {
		return nil, fmt.Errorf("%w: %s", errs.ErrAlreadyUsed, addr)
	}
	if len(value) != RandomValueSize || len(proof) != RandomProofSize {
		return nil, fmt.Errorf("%w: random value and proof must be %d and %d bytes",
			errs.ErrInvalidArgument, RandomValueSize, RandomProofSize)
	}

	bet.IsFulfilled = true
	bet.RandomValue = append(model.HexBytes(nil), value...)
	bet.RandomProof = append(model.HexBytes(nil), proof...)

	req := e.begin("fulfill_randomness")
	req.put(addr, store.KindBet, bet)
	req.tx.Publish(events.BetEvent{Kind: events.EventTypeBetFulfilled, Bet: *bet})
	if err := req.commit(ctx); err != nil {
		return nil, err
	}

	log.WithField("bet", addr).Info("bet fulfilled")
	return bet, nil
}

// SettleBet resolves a fulfilled bet and pays the whole escrow to the
// winner. Anyone may trigger settlement.
func (e *Engine) SettleBet(ctx context.Context, addr string) (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.settleBet(ctx, addr)
	if err != nil {
		return nil, e.reject("settle_bet", err)
	}
	return s, nil
}

func (e *Engine) settleBet(ctx context.Context, addr string) (*Settlement, error) {
	bet, err := e.recs.loadBet(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !bet.IsFulfilled {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotFulfilled, addr)
	}
	if bet.IsUsed {
		return nil, fmt.Errorf("%w: %s", errs.ErrAlreadyUsed, addr)
	}
	game, err := e.recs.loadGame(ctx, bet.Game)
	if err != nil {
		return nil, err
	}
	outcome, err := rules.Resolve(bet, game.Config)
	if err != nil {
		return nil, err
	}
	bettor, err := e.recs.loadAccountOf(ctx, bet.Owner)
	if err != nil {
		return nil, err
	}
	host := bettor
	if game.Host != bet.Owner {
		if host, err = e.recs.loadAccountOf(ctx, game.Host); err != nil {
			return nil, err
		}
	}
	stats, err := e.recs.loadStats(ctx)
	if err != nil {
		return nil, err
	}

	var c checked
	payout := c.add(bet.LockedBettorAmount, bet.LockedHostAmount)
	winner := game.Host
	if outcome.BettorWins {
		winner = bet.Owner
		bettor.CurrentBalance = c.add(bettor.CurrentBalance, payout)
		game.TotalOut = c.add(game.TotalOut, bet.LockedHostAmount)
		stats.TotalLamportsWonByBettors = c.add(stats.TotalLamportsWonByBettors, bet.LockedHostAmount)
	} else {
		host.CurrentBalance = c.add(host.CurrentBalance, payout)
	}
	game.UnresolvedBets = c.sub(game.UnresolvedBets, 1)
	if c.err != nil {
		return nil, c.err
	}
	bet.IsUsed = true

	settlement := &Settlement{
		Bet:        *bet,
		BettorWins: outcome.BettorWins,
		Winner:     winner,
		Payout:     payout,
		Outcome:    outcome,
	}

	req := e.begin("settle_bet")
	req.put(addr, store.KindBet, bet)
	req.put(game.Address, store.KindGame, game)
	req.put(bettor.Address, store.KindAccount, bettor)
	if host != bettor {
		req.put(host.Address, store.KindAccount, host)
	}
	req.put(stats.Address, store.KindStats, stats)
	req.tx.Publish(settlementEvent(settlement, game.Config.Type))
	if err := req.commit(ctx); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"bet":         addr,
		"game":        game.Address,
		"bettor_wins": outcome.BettorWins,
		"winner":      winner,
		"payout":      payout,
	}).Info("bet settled")
	return settlement, nil
}

func settlementEvent(s *Settlement, gameType model.GameType) events.SettlementEvent {
	ev := events.SettlementEvent{
		Bet:        s.Bet,
		GameType:   gameType,
		BettorWins: s.BettorWins,
		Winner:     s.Winner,
		Payout:     s.Payout,
	}
	switch gameType {
	case model.GameTypeCoinFlip:
		roll := s.Outcome.Roll
		ev.Roll = &roll
	case model.GameTypeCrash:
		if s.Outcome.Unbounded {
			ev.Multiplier = "inf"
		} else {
			ev.Multiplier = s.Outcome.Multiplier.StringFixed(2)
		}
	}
	return ev
}

// MarkBetForClose flags the caller's bet for closing. It may be set at any
// point in the bet's life.
func (e *Engine) MarkBetForClose(ctx context.Context, caller, addr string) (*model.Bet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.markBetForClose(ctx, caller, addr)
	if err != nil {
		return nil, e.reject("mark_bet_for_close", err)
	}
	return b, nil
}

func (e *Engine) markBetForClose(ctx context.Context, caller, addr string) (*model.Bet, error) {
	bet, err := e.recs.loadBet(ctx, addr)
	if err != nil {
		return nil, err
	}
	if caller != bet.Owner {
		return nil, fmt.Errorf("%w: %s does not own bet %s", errs.ErrNoAuthority, caller, addr)
	}
	bet.MarkedForClose = true

	req := e.begin("mark_bet_for_close")
	req.put(addr, store.KindBet, bet)
	req.tx.Publish(events.BetEvent{Kind: events.EventTypeBetMarkedForClose, Bet: *bet})
	if err := req.commit(ctx); err != nil {
		return nil, err
	}
	return bet, nil
}

// CloseBet destroys a settled, marked bet and refunds its rent to the
// bettor.
func (e *Engine) CloseBet(ctx context.Context, caller, addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.closeBet(ctx, caller, addr); err != nil {
		return e.reject("close_bet", err)
	}
	return nil
}

func (e *Engine) closeBet(ctx context.Context, caller, addr string) error {
	bet, err := e.recs.loadBet(ctx, addr)
	if err != nil {
		return err
	}
	if caller != bet.Owner {
		return fmt.Errorf("%w: %s does not own bet %s", errs.ErrNoAuthority, caller, addr)
	}
	if !bet.MarkedForClose {
		return fmt.Errorf("%w: %s", errs.ErrNotMarkedForClose, addr)
	}
	if !bet.IsFulfilled {
		return fmt.Errorf("%w: %s", errs.ErrNotFulfilled, addr)
	}
	if !bet.IsUsed {
		return fmt.Errorf("%w: %s", errs.ErrNotUsed, addr)
	}
	bettor, err := e.recs.loadAccountOf(ctx, bet.Owner)
	if err != nil {
		return err
	}
	rent, err := e.store.Balance(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to read balance of %s: %w", addr, err)
	}

	var c checked
	bettor.ActiveBets = c.sub(bettor.ActiveBets, 1)
	if c.err != nil {
		return c.err
	}

	req := e.begin("close_bet")
	req.put(bettor.Address, store.KindAccount, bettor)
	req.batch.Transfer(addr, bet.Owner, rent)
	req.batch.Delete(addr)
	req.tx.Publish(events.BetEvent{Kind: events.EventTypeBetClosed, Bet: *bet})
	if err := req.commit(ctx); err != nil {
		return err
	}

	log.WithFields(log.Fields{"bet": addr, "owner": bet.Owner, "refund": rent}).Info("bet closed")
	return nil
}
