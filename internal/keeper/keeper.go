// Package keeper runs the permissionless settlement crank: on a fixed
// interval it settles every bet whose randomness has been fulfilled.
package keeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	log "github.com/sirupsen/logrus"

	"github.com/atmx/wager-engine/internal/errs"
	"github.com/atmx/wager-engine/internal/ledger"
	"github.com/atmx/wager-engine/internal/metrics"
)

// Settler is the part of the ledger the keeper drives.
type Settler interface {
	PendingSettlements(ctx context.Context) ([]string, error)
	SettleBet(ctx context.Context, addr string) (*ledger.Settlement, error)
}

// Keeper periodically settles fulfilled bets.
type Keeper struct {
	settler  Settler
	interval time.Duration
	timeout  time.Duration
	sched    gocron.Scheduler
}

// New creates a keeper that sweeps every interval. Each sweep is bounded by
// timeout.
func New(settler Settler, interval, timeout time.Duration) (*Keeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("keeper: interval must be positive, got %s", interval)
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	k := &Keeper{settler: settler, interval: interval, timeout: timeout, sched: sched}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(k.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule settlement sweep: %w", err)
	}
	return k, nil
}

// Start begins the schedule.
func (k *Keeper) Start() {
	k.sched.Start()
	log.WithField("interval", k.interval).Info("settlement keeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (k *Keeper) Stop() error {
	return k.sched.Shutdown()
}

func (k *Keeper) sweep() {
	ctx := context.Background()
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	if _, err := k.RunOnce(ctx); err != nil {
		log.WithError(err).Warn("settlement sweep failed")
	}
}

// raced reports whether err means another caller settled or closed the bet
// after it was listed.
func raced(err error) bool {
	kind, ok := errs.KindOf(err)
	return ok && (kind == errs.KindStateConflict || kind == errs.KindUninitializedRecord)
}

// RunOnce settles every pending bet and returns how many it settled. A bet
// that fails to settle is logged and skipped.
func (k *Keeper) RunOnce(ctx context.Context) (int, error) {
	pending, err := k.settler.PendingSettlements(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending settlements: %w", err)
	}
	metrics.PendingSettlements.Set(float64(len(pending)))

	settled := 0
	for _, addr := range pending {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		s, err := k.settler.SettleBet(ctx, addr)
		if err != nil {
			if raced(err) {
				log.WithError(err).WithField("bet", addr).Debug("bet moved on since the listing")
			} else {
				log.WithError(err).WithField("bet", addr).Warn("failed to settle bet")
			}
			continue
		}
		settled++
		log.WithFields(log.Fields{"bet": addr, "winner": s.Winner}).Debug("keeper settled bet")
	}
	metrics.PendingSettlements.Set(float64(len(pending) - settled))
	return settled, nil
}
