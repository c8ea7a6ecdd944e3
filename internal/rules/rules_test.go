package rules

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/errs"
	"github.com/atmx/wager-engine/internal/model"
)

// value builds a 64-byte random value whose low 16 bytes encode lo + hi<<64.
func value(lo, hi uint64) []byte {
	v := make([]byte, 64)
	binary.LittleEndian.PutUint64(v[:8], lo)
	binary.LittleEndian.PutUint64(v[8:16], hi)
	for i := 16; i < 64; i++ {
		v[i] = 0xAB
	}
	return v
}

func coinFlipGame(adv, payout uint64) *model.Game {
	return &model.Game{
		MinWager: 1,
		MaxWager: math.MaxUint64,
		Config: model.GameTypeConfig{
			Type:     model.GameTypeCoinFlip,
			CoinFlip: &model.CoinFlipConfig{Advantage: adv, PayoutRate: payout},
		},
	}
}

func crashGame(p1 uint64) *model.Game {
	return &model.Game{
		MinWager: 1,
		MaxWager: math.MaxUint64,
		Config: model.GameTypeConfig{
			Type:  model.GameTypeCrash,
			Crash: &model.CrashConfig{P1: p1},
		},
	}
}

func flip(wager uint64, side model.CoinSide) model.BetInput {
	return model.BetInput{Type: model.GameTypeCoinFlip, CoinFlip: &model.CoinFlipInput{Wager: wager, Side: side}}
}

func crash(wager, target uint64) model.BetInput {
	return model.BetInput{Type: model.GameTypeCrash, Crash: &model.CrashInput{Wager: wager, TargetMultiplier: target}}
}

func resolve(t *testing.T, g *model.Game, in model.BetInput, v []byte) Outcome {
	t.Helper()
	out, err := Resolve(&model.Bet{Input: in, RandomValue: v}, g.Config)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return out
}

// --- Config validation ---

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  model.GameTypeConfig
		ok   bool
	}{
		{"coinflip", coinFlipGame(100, 9900).Config, true},
		{"coinflip max advantage", coinFlipGame(5000, 1).Config, true},
		{"coinflip advantage too large", coinFlipGame(5001, 9900).Config, false},
		{"coinflip zero payout", coinFlipGame(100, 0).Config, false},
		{"coinflip missing params", model.GameTypeConfig{Type: model.GameTypeCoinFlip}, false},
		{"crash", crashGame(100).Config, true},
		{"crash certain", crashGame(10000).Config, true},
		{"crash zero p1", crashGame(0).Config, false},
		{"crash p1 too large", crashGame(10001).Config, false},
		{"both variants", model.GameTypeConfig{
			Type:     model.GameTypeCrash,
			Crash:    &model.CrashConfig{P1: 100},
			CoinFlip: &model.CoinFlipConfig{PayoutRate: 1},
		}, false},
		{"unknown type", model.GameTypeConfig{Type: "dice"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, errs.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

// --- Input validation ---

func TestValidate(t *testing.T) {
	g := coinFlipGame(100, 9900)
	g.MinWager, g.MaxWager = 100, 5000

	tests := []struct {
		name string
		in   model.BetInput
		ok   bool
	}{
		{"min wager", flip(100, model.Head), true},
		{"max wager", flip(5000, model.Tail), true},
		{"below min", flip(99, model.Head), false},
		{"above max", flip(5001, model.Head), false},
		{"bad side", flip(1000, "edge"), false},
		{"wrong type", crash(1000, 200), false},
		{"missing variant", model.BetInput{Type: model.GameTypeCoinFlip}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.in, g)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, errs.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestValidate_CrashTarget(t *testing.T) {
	g := crashGame(100)
	if err := Validate(crash(1000, 100), g); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("target 100 should be rejected, got %v", err)
	}
	if err := Validate(crash(1000, 101), g); err != nil {
		t.Errorf("target 101 should pass, got %v", err)
	}
}

// --- Lock amounts ---

func TestLockAmounts_CoinFlip(t *testing.T) {
	locks, err := LockAmounts(flip(2000, model.Head), coinFlipGame(100, 9900).Config)
	if err != nil {
		t.Fatal(err)
	}
	if locks.Bettor != 2000 || locks.Host != 1980 {
		t.Errorf("expected 2000/1980, got %d/%d", locks.Bettor, locks.Host)
	}
}

func TestLockAmounts_FloorsHostLock(t *testing.T) {
	locks, err := LockAmounts(flip(3, model.Head), coinFlipGame(0, 9999).Config)
	if err != nil {
		t.Fatal(err)
	}
	// 3 * 9999 / 10000 = 2.9997
	if locks.Host != 2 {
		t.Errorf("expected floored host lock 2, got %d", locks.Host)
	}

	locks, err = LockAmounts(crash(999, 150), crashGame(100).Config)
	if err != nil {
		t.Fatal(err)
	}
	// 999 * 150 / 100 = 1498.5
	if locks.Host != 1498 {
		t.Errorf("expected floored host lock 1498, got %d", locks.Host)
	}
}

func TestLockAmounts_Crash(t *testing.T) {
	locks, err := LockAmounts(crash(1000, 120), crashGame(100).Config)
	if err != nil {
		t.Fatal(err)
	}
	if locks.Bettor != 1000 || locks.Host != 1200 {
		t.Errorf("expected 1000/1200, got %d/%d", locks.Bettor, locks.Host)
	}
}

func TestLockAmounts_Overflow(t *testing.T) {
	_, err := LockAmounts(flip(math.MaxUint64, model.Head), coinFlipGame(0, 10000).Config)
	if !errors.Is(err, errs.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestPrepare_Coverage(t *testing.T) {
	g := coinFlipGame(100, 9900)
	in := flip(2000, model.Head)

	rich := func(who string) *model.Account {
		return &model.Account{Authority: who, CurrentBalance: 10000}
	}

	if _, err := Prepare(in, g, rich("bettor"), rich("host")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	poorBettor := &model.Account{Authority: "bettor", CurrentBalance: 1999}
	if _, err := Prepare(in, g, poorBettor, rich("host")); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds for bettor, got %v", err)
	}

	poorHost := &model.Account{Authority: "host", CurrentBalance: 1979}
	if _, err := Prepare(in, g, rich("bettor"), poorHost); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds for host, got %v", err)
	}

	// One principal on both sides must cover the sum.
	self := &model.Account{Authority: "self", CurrentBalance: 3979}
	if _, err := Prepare(in, g, self, self); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds for self-hosted bet, got %v", err)
	}
	self.CurrentBalance = 3980
	if _, err := Prepare(in, g, self, self); err != nil {
		t.Errorf("unexpected error for covered self-hosted bet: %v", err)
	}
}

// --- Coin flip resolution ---

func TestResolve_CoinFlip(t *testing.T) {
	g := coinFlipGame(100, 9900)
	tests := []struct {
		name string
		side model.CoinSide
		lo   uint64
		hi   uint64
		roll uint64
		wins bool
	}{
		{"head low roll", model.Head, 2000, 0, 2000, true},
		{"head edge inside", model.Head, 4899, 0, 4899, true},
		{"head edge dead zone", model.Head, 4900, 0, 4900, false},
		{"head dead zone", model.Head, 4901, 0, 4901, false},
		{"tail dead zone", model.Tail, 5100, 0, 5100, false},
		{"tail edge inside", model.Tail, 5101, 0, 5101, true},
		{"tail low roll", model.Tail, 2000, 0, 2000, false},
		{"reduced modulo", model.Head, 12000, 0, 2000, true},
		{"uses all 128 bits", model.Head, 0, 1, 1616, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := resolve(t, g, flip(2000, tt.side), value(tt.lo, tt.hi))
			if out.Roll != tt.roll {
				t.Errorf("roll = %d, want %d", out.Roll, tt.roll)
			}
			if out.BettorWins != tt.wins {
				t.Errorf("wins = %v, want %v", out.BettorWins, tt.wins)
			}
		})
	}
}

func TestResolve_CoinFlipZeroAdvantage(t *testing.T) {
	g := coinFlipGame(0, 10000)
	if out := resolve(t, g, flip(1, model.Head), value(4999, 0)); !out.BettorWins {
		t.Error("head should win at 4999")
	}
	if out := resolve(t, g, flip(1, model.Head), value(5000, 0)); out.BettorWins {
		t.Error("head should lose at 5000")
	}
	if out := resolve(t, g, flip(1, model.Tail), value(5000, 0)); out.BettorWins {
		t.Error("tail should lose at 5000")
	}
}

// --- Crash resolution ---

func TestResolve_CrashWin(t *testing.T) {
	out := resolve(t, crashGame(100), crash(1000, 120), value(1<<63, 0))
	if !out.BettorWins {
		t.Fatal("expected bettor to win")
	}
	if !out.Multiplier.Equal(decimal.RequireFromString("1.99")) {
		t.Errorf("multiplier = %s, want 1.99", out.Multiplier)
	}
}

func TestResolve_CrashLose(t *testing.T) {
	out := resolve(t, crashGame(100), crash(1000, 120), value(1, 0))
	if out.BettorWins {
		t.Fatal("expected host to win")
	}
	if !out.Multiplier.Equal(decimal.NewFromInt(1)) {
		t.Errorf("multiplier = %s, want 1.00", out.Multiplier)
	}
}

func TestResolve_CrashInstant(t *testing.T) {
	out := resolve(t, crashGame(100), crash(1000, 101), value(200, 0))
	if out.BettorWins {
		t.Fatal("instant crash must lose")
	}
	if !out.Multiplier.Equal(decimal.NewFromInt(1)) {
		t.Errorf("multiplier = %s, want 1", out.Multiplier)
	}
}

func TestResolve_CrashDivisorRounds(t *testing.T) {
	// 10000/6 = 1666.67 rounds to 1667.
	if out := resolve(t, crashGame(6), crash(1, 101), value(1667, 0)); !out.Multiplier.Equal(decimal.NewFromInt(1)) || out.BettorWins {
		t.Errorf("1667 should crash instantly, got %+v", out)
	}
	// 10000/3 = 3333.33 rounds to 3333.
	if out := resolve(t, crashGame(3), crash(1, 101), value(3333, 0)); out.BettorWins {
		t.Errorf("3333 should crash instantly, got %+v", out)
	}
}

func TestResolve_CrashUnbounded(t *testing.T) {
	out := resolve(t, crashGame(100), crash(1, math.MaxUint64), value(math.MaxUint64, 0))
	if !out.BettorWins || !out.Unbounded {
		t.Errorf("top of range should win unbounded, got %+v", out)
	}
}

func TestResolve_CrashExactBoundary(t *testing.T) {
	// n = M/2 realizes just above 1.99x: a 1.99x target wins, 2.00x loses.
	g := crashGame(1)
	v := value(1<<63, 0)
	if out := resolve(t, g, crash(1, 199), v); !out.BettorWins {
		t.Error("1.99x target should win")
	}
	if out := resolve(t, g, crash(1, 200), v); out.BettorWins {
		t.Error("2.00x target should lose")
	}
}

func TestResolve_Guards(t *testing.T) {
	g := coinFlipGame(100, 9900)
	if _, err := Resolve(&model.Bet{Input: flip(1, model.Head), RandomValue: make([]byte, 15)}, g.Config); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("short random value should be rejected, got %v", err)
	}
	if _, err := Resolve(&model.Bet{Input: crash(1, 200), RandomValue: value(0, 0)}, g.Config); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("mismatched input should be rejected, got %v", err)
	}
}
