// Package model defines the ledger records shared across the wager engine.
// All amounts are lamports held as uint64; arithmetic on them is checked by
// the callers that mutate them.
package model

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Stats is the process-wide aggregate. Its address also holds the custody
// vault that receives every deposit.
type Stats struct {
	Address                   string `json:"address"`
	TotalGames                uint64 `json:"total_games"`
	TotalUsers                int64  `json:"total_users"`
	TotalBets                 uint64 `json:"total_bets"`
	TotalWager                uint64 `json:"total_wager"`
	TotalLamportsWonByBettors uint64 `json:"total_lamports_won_by_bettors"`
	TotalLamportsDeposited    uint64 `json:"total_lamports_deposited"`
	TotalLamportsWithdrew     uint64 `json:"total_lamports_withdrew"`
}

// Account is the per-principal balance sheet.
type Account struct {
	Address           string  `json:"address"`
	Authority         string  `json:"authority"`
	TotalBets         uint64  `json:"total_bets"` // also the next bet sequence number
	CurrentBalance    uint64  `json:"current_balance"`
	LifetimeDeposited uint64  `json:"lifetime_deposited"`
	LifetimeWithdrawn uint64  `json:"lifetime_withdrawn"`
	ActiveBets        uint64  `json:"active_bets"`
	GamesHosted       uint64  `json:"games_hosted"`
	Referral          *string `json:"referral,omitempty"`
	Username          *string `json:"username,omitempty"`
}

// Settled reports whether the account has no outstanding obligations and
// may be closed.
func (a *Account) Settled() bool {
	return a.CurrentBalance == 0 && a.GamesHosted == 0 && a.ActiveBets == 0
}

// Game is a host's open offer to take bets of one game type.
type Game struct {
	Address        string         `json:"address"`
	Host           string         `json:"host"`
	Nonce          string         `json:"nonce"`
	IsActive       bool           `json:"is_active"`
	UnresolvedBets uint64         `json:"unresolved_bets"`
	TotalIn        uint64         `json:"total_in"`
	TotalOut       uint64         `json:"total_out"`
	MinWager       uint64         `json:"min_wager"`
	MaxWager       uint64         `json:"max_wager"`
	Config         GameTypeConfig `json:"config"`
}

// BetState is derived from the bet's flags; it is never stored.
type BetState string

const (
	BetPending      BetState = "pending"
	BetFulfilled    BetState = "fulfilled"
	BetSettled      BetState = "settled"
	BetReadyToClose BetState = "ready_to_close"
)

// Bet is the escrow record for one wager. Both locks stay inside the record
// until settlement moves them to the winner.
type Bet struct {
	Address            string   `json:"address"`
	IsFulfilled        bool     `json:"is_fulfilled"`
	IsUsed             bool     `json:"is_used"`
	MarkedForClose     bool     `json:"marked_for_close"`
	Owner              string   `json:"owner"`
	Game               string   `json:"game"`
	BetID              uint64   `json:"bet_id"`
	SeedMaterial       HexBytes `json:"seed_material"`
	RandomValue        HexBytes `json:"random_value,omitempty"`
	RandomProof        HexBytes `json:"random_proof,omitempty"`
	LockedBettorAmount uint64   `json:"locked_bettor_amount"`
	LockedHostAmount   uint64   `json:"locked_host_amount"`
	Input              BetInput `json:"input"`
}

// State returns the lifecycle position of the bet. A bet marked for close
// before it was settled still reports its settlement progress.
func (b *Bet) State() BetState {
	switch {
	case b.IsUsed && b.MarkedForClose:
		return BetReadyToClose
	case b.IsUsed:
		return BetSettled
	case b.IsFulfilled:
		return BetFulfilled
	default:
		return BetPending
	}
}

// Escrowed is the total held for the bet, paid in full to the winner.
func (b *Bet) Escrowed() uint64 {
	return b.LockedBettorAmount + b.LockedHostAmount
}

// GameType names a payout rule.
type GameType string

const (
	GameTypeCoinFlip GameType = "coinflip"
	GameTypeCrash    GameType = "crash"
)

// CoinFlipConfig parameterizes the coin flip rule. Both fields are basis
// points of 10000.
type CoinFlipConfig struct {
	Advantage  uint64 `json:"advantage"`
	PayoutRate uint64 `json:"payout_rate"`
}

// CrashConfig parameterizes the crash rule. P1 is the basis-point
// probability of an instant 1.00x crash.
type CrashConfig struct {
	P1 uint64 `json:"p1"`
}

// GameTypeConfig is a tagged variant: exactly the field named by Type is set.
type GameTypeConfig struct {
	Type     GameType        `json:"type"`
	CoinFlip *CoinFlipConfig `json:"coinflip,omitempty"`
	Crash    *CrashConfig    `json:"crash,omitempty"`
}

// CoinSide is the side a coin flip bettor backs.
type CoinSide string

const (
	Head CoinSide = "head"
	Tail CoinSide = "tail"
)

type CoinFlipInput struct {
	Wager uint64   `json:"wager"`
	Side  CoinSide `json:"side"`
}

// CrashInput carries the cash-out target in hundredths (120 = 1.20x).
type CrashInput struct {
	Wager            uint64 `json:"wager"`
	TargetMultiplier uint64 `json:"target_multiplier"`
}

// BetInput is a tagged variant matching GameTypeConfig.
type BetInput struct {
	Type     GameType       `json:"type"`
	CoinFlip *CoinFlipInput `json:"coinflip,omitempty"`
	Crash    *CrashInput    `json:"crash,omitempty"`
}

// Wager returns the stake of whichever variant is set, or 0.
func (in BetInput) Wager() uint64 {
	switch in.Type {
	case GameTypeCoinFlip:
		if in.CoinFlip != nil {
			return in.CoinFlip.Wager
		}
	case GameTypeCrash:
		if in.Crash != nil {
			return in.Crash.Wager
		}
	}
	return 0
}

// HexBytes is a byte string that travels as lowercase hex in JSON.
type HexBytes []byte

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex string: %w", err)
	}
	*b = raw
	return nil
}
