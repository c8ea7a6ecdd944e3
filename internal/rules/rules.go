// Package rules implements the payout rule set: per game type input
// validation, escrow lock amounts and outcome resolution from a random value.
//
// The set of game types is closed. Every entry point switches over
// model.GameType and rejects unknown variants, so adding a type without
// teaching each function about it fails loudly instead of settling funds
// under the wrong rule.
//
// All arithmetic runs on shopspring/decimal over big integers, so products
// such as wager * payout_rate cannot wrap before they are floored.
package rules

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/errs"
	"github.com/atmx/wager-engine/internal/model"
)

const (
	// BasisPoints is the denominator of every rate parameter.
	BasisPoints = 10000

	// MaxAdvantage keeps the coin flip dead zone inside [0, 10000).
	MaxAdvantage = BasisPoints / 2

	// MinRandomValue is the number of random bytes consumed by resolution.
	MinRandomValue = 16
)

var (
	bps     = decimal.NewFromInt(BasisPoints)
	hundred = decimal.NewFromInt(100)
	maxv    = dec(math.MaxUint64)
	maxU64  = new(big.Int).SetUint64(math.MaxUint64)
)

// Locks are the amounts escrowed from each side of a bet.
type Locks struct {
	Bettor uint64
	Host   uint64
}

// Outcome is the result of resolving a bet.
type Outcome struct {
	BettorWins bool

	// Roll is the coin flip draw in [0, 10000).
	Roll uint64

	// Multiplier is the realized crash multiplier, truncated to hundredths.
	// Unbounded is set when the draw sits at the top of the range and the
	// multiplier has no finite value.
	Multiplier decimal.Decimal
	Unbounded  bool
}

// ValidateConfig checks the parameters a host supplies when opening a game.
func ValidateConfig(cfg model.GameTypeConfig) error {
	switch cfg.Type {
	case model.GameTypeCoinFlip:
		c := cfg.CoinFlip
		if c == nil || cfg.Crash != nil {
			return fmt.Errorf("%w: coinflip game requires coinflip parameters only", errs.ErrInvalidArgument)
		}
		if c.Advantage > MaxAdvantage {
			return fmt.Errorf("%w: advantage %d exceeds %d", errs.ErrInvalidArgument, c.Advantage, MaxAdvantage)
		}
		if c.PayoutRate == 0 {
			return fmt.Errorf("%w: payout_rate must be positive", errs.ErrInvalidArgument)
		}
		return nil
	case model.GameTypeCrash:
		c := cfg.Crash
		if c == nil || cfg.CoinFlip != nil {
			return fmt.Errorf("%w: crash game requires crash parameters only", errs.ErrInvalidArgument)
		}
		if c.P1 == 0 || c.P1 > BasisPoints {
			return fmt.Errorf("%w: p1 must be in [1, %d]", errs.ErrInvalidArgument, BasisPoints)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown game type %q", errs.ErrInvalidArgument, cfg.Type)
	}
}

// Validate checks that the input matches the game's type and that the wager
// lies within the game's bounds.
func Validate(in model.BetInput, game *model.Game) error {
	if in.Type != game.Config.Type {
		return fmt.Errorf("%w: %s input for %s game", errs.ErrInvalidArgument, in.Type, game.Config.Type)
	}

	switch in.Type {
	case model.GameTypeCoinFlip:
		if in.CoinFlip == nil || in.Crash != nil {
			return fmt.Errorf("%w: coinflip bet requires coinflip input only", errs.ErrInvalidArgument)
		}
		if in.CoinFlip.Side != model.Head && in.CoinFlip.Side != model.Tail {
			return fmt.Errorf("%w: side must be head or tail", errs.ErrInvalidArgument)
		}
	case model.GameTypeCrash:
		if in.Crash == nil || in.CoinFlip != nil {
			return fmt.Errorf("%w: crash bet requires crash input only", errs.ErrInvalidArgument)
		}
		// Every realized multiplier is at least 1.00x.
		if in.Crash.TargetMultiplier <= 100 {
			return fmt.Errorf("%w: target_multiplier must exceed 100", errs.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown game type %q", errs.ErrInvalidArgument, in.Type)
	}

	wager := in.Wager()
	if wager < game.MinWager || wager > game.MaxWager {
		return fmt.Errorf("%w: wager %d outside [%d, %d]",
			errs.ErrInvalidArgument, wager, game.MinWager, game.MaxWager)
	}
	return nil
}

// LockAmounts computes the escrow each side contributes for an input that
// has already passed Validate.
func LockAmounts(in model.BetInput, cfg model.GameTypeConfig) (Locks, error) {
	wager := dec(in.Wager())

	var host decimal.Decimal
	switch cfg.Type {
	case model.GameTypeCoinFlip:
		if cfg.CoinFlip == nil {
			return Locks{}, fmt.Errorf("%w: missing coinflip parameters", errs.ErrInvalidArgument)
		}
		host = wager.Mul(dec(cfg.CoinFlip.PayoutRate)).Div(bps).Floor()
	case model.GameTypeCrash:
		if in.Crash == nil {
			return Locks{}, fmt.Errorf("%w: missing crash input", errs.ErrInvalidArgument)
		}
		host = wager.Mul(dec(in.Crash.TargetMultiplier)).Div(hundred).Floor()
	default:
		return Locks{}, fmt.Errorf("%w: unknown game type %q", errs.ErrInvalidArgument, cfg.Type)
	}

	h, ok := toUint64(host)
	if !ok {
		return Locks{}, fmt.Errorf("%w: host lock %s", errs.ErrOverflow, host)
	}
	if _, ok := toUint64(wager.Add(host)); !ok {
		return Locks{}, fmt.Errorf("%w: escrow total", errs.ErrOverflow)
	}
	return Locks{Bettor: in.Wager(), Host: h}, nil
}

// Prepare validates the input, computes its locks and verifies that the
// bettor and host balances cover them. When one principal is both bettor
// and host the two locks are drawn from the same balance.
func Prepare(in model.BetInput, game *model.Game, bettor, host *model.Account) (Locks, error) {
	if err := Validate(in, game); err != nil {
		return Locks{}, err
	}
	locks, err := LockAmounts(in, game.Config)
	if err != nil {
		return Locks{}, err
	}

	if bettor.Authority == host.Authority {
		if bettor.CurrentBalance < locks.Bettor+locks.Host {
			return Locks{}, fmt.Errorf("%w: balance %d cannot cover both locks %d+%d",
				errs.ErrInsufficientFunds, bettor.CurrentBalance, locks.Bettor, locks.Host)
		}
		return locks, nil
	}
	if bettor.CurrentBalance < locks.Bettor {
		return Locks{}, fmt.Errorf("%w: bettor balance %d below lock %d",
			errs.ErrInsufficientFunds, bettor.CurrentBalance, locks.Bettor)
	}
	if host.CurrentBalance < locks.Host {
		return Locks{}, fmt.Errorf("%w: host balance %d below lock %d",
			errs.ErrInsufficientFunds, host.CurrentBalance, locks.Host)
	}
	return locks, nil
}

// Resolve decides the winner of a fulfilled bet.
func Resolve(bet *model.Bet, cfg model.GameTypeConfig) (Outcome, error) {
	if len(bet.RandomValue) < MinRandomValue {
		return Outcome{}, fmt.Errorf("%w: random value has %d bytes, need %d",
			errs.ErrInvalidArgument, len(bet.RandomValue), MinRandomValue)
	}
	if bet.Input.Type != cfg.Type {
		return Outcome{}, fmt.Errorf("%w: %s bet in %s game", errs.ErrInvalidArgument, bet.Input.Type, cfg.Type)
	}
	n := low128(bet.RandomValue)

	switch cfg.Type {
	case model.GameTypeCoinFlip:
		if cfg.CoinFlip == nil || bet.Input.CoinFlip == nil {
			return Outcome{}, fmt.Errorf("%w: missing coinflip parameters", errs.ErrInvalidArgument)
		}
		return resolveCoinFlip(n, cfg.CoinFlip, bet.Input.CoinFlip)
	case model.GameTypeCrash:
		if cfg.Crash == nil || bet.Input.Crash == nil {
			return Outcome{}, fmt.Errorf("%w: missing crash parameters", errs.ErrInvalidArgument)
		}
		return resolveCrash(n, bet.RandomValue, cfg.Crash, bet.Input.Crash), nil
	default:
		return Outcome{}, fmt.Errorf("%w: unknown game type %q", errs.ErrInvalidArgument, cfg.Type)
	}
}

func resolveCoinFlip(n *big.Int, cfg *model.CoinFlipConfig, in *model.CoinFlipInput) (Outcome, error) {
	r := new(big.Int).Mod(n, big.NewInt(BasisPoints)).Uint64()
	half := uint64(BasisPoints / 2)

	var wins bool
	switch in.Side {
	case model.Head:
		wins = r < half-cfg.Advantage
	case model.Tail:
		wins = r > half+cfg.Advantage
	default:
		return Outcome{}, fmt.Errorf("%w: side %q", errs.ErrInvalidArgument, in.Side)
	}
	return Outcome{BettorWins: wins, Roll: r}, nil
}

// resolveCrash draws the instant crash from the full 128-bit value and the
// curve from its low 64 bits, the range the curve is defined over.
func resolveCrash(n *big.Int, value []byte, cfg *model.CrashConfig, in *model.CrashInput) Outcome {
	target := dec(in.TargetMultiplier)

	divisor := bps.DivRound(dec(cfg.P1), 0).BigInt()
	if new(big.Int).Mod(n, divisor).Sign() == 0 {
		return Outcome{BettorWins: target.LessThanOrEqual(hundred), Multiplier: decimal.NewFromInt(1)}
	}

	n64 := binary.LittleEndian.Uint64(value[:8])
	if n64 == math.MaxUint64 {
		return Outcome{BettorWins: true, Unbounded: true}
	}

	x := dec(n64)
	num := hundred.Mul(maxv).Sub(x)
	den := maxv.Sub(x)

	// target/100 <= (num/den)/100  <=>  target*den <= num
	return Outcome{
		BettorWins: target.Mul(den).LessThanOrEqual(num),
		Multiplier: num.Div(den).Div(hundred).Truncate(2),
	}
}

// low128 reads the first 16 bytes as a little-endian unsigned integer.
func low128(value []byte) *big.Int {
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[15-i] = value[i]
	}
	return new(big.Int).SetBytes(be)
}

func dec(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func toUint64(d decimal.Decimal) (uint64, bool) {
	b := d.BigInt()
	if b.Sign() < 0 || b.Cmp(maxU64) > 0 {
		return 0, false
	}
	return b.Uint64(), true
}
