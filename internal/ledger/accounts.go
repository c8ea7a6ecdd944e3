package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/atmx/wager-engine/internal/address"
	"github.com/atmx/wager-engine/internal/errs"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/store"
)

// MaxUsernameLen bounds the optional account label, in bytes.
const MaxUsernameLen = 32

var bps = decimal.NewFromInt(10000)

// Withdrawal is the outcome of a withdrawal. UserAmount, ReferralAmount and
// OperatorAmount always sum to Amount.
type Withdrawal struct {
	Account        model.Account `json:"account"`
	Amount         uint64        `json:"amount"`
	ProfitShare    uint64        `json:"profit_share"`
	UserAmount     uint64        `json:"user_amount"`
	ReferralAmount uint64        `json:"referral_amount"`
	OperatorAmount uint64        `json:"operator_amount"`
}

// ProfitShare returns the fee owed on withdrawing amount from an account
// that has deposited d and withdrawn w so far. Only the part of the
// withdrawal beyond the principal still inside the account counts as
// profit.
func ProfitShare(d, w, amount, rateBps uint64) uint64 {
	var profit uint64
	switch {
	case w <= d && amount <= d-w:
		profit = 0
	case w <= d:
		profit = amount - (d - w)
	default:
		profit = amount
	}
	return mulBps(profit, rateBps)
}

// SplitShare divides a fee between referrer and operator. Without a
// referrer the operator keeps the whole fee.
func SplitShare(share, referralBps uint64, hasReferral bool) (referral, operator uint64) {
	referral = mulBps(share, referralBps)
	operator = share - referral
	if !hasReferral {
		operator += referral
		referral = 0
	}
	return referral, operator
}

// mulBps returns floor(v * rate / 10000) for rate <= 10000.
func mulBps(v, rate uint64) uint64 {
	x := decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
	y := decimal.NewFromBigInt(new(big.Int).SetUint64(rate), 0)
	return x.Mul(y).Div(bps).Floor().BigInt().Uint64()
}

// InitStats creates the global stats record. Only the operator may
// bootstrap the ledger, and only once.
func (e *Engine) InitStats(ctx context.Context, caller string) (*model.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.initStats(ctx, caller)
	if err != nil {
		return nil, e.reject("init_stats", err)
	}
	return s, nil
}

func (e *Engine) initStats(ctx context.Context, caller string) (*model.Stats, error) {
	if caller != e.policy.Operator {
		return nil, fmt.Errorf("%w: only the operator may initialize stats", errs.ErrNoAuthority)
	}
	addr := address.Stats(e.policy.ProgramID)
	found, err := e.recs.exists(ctx, addr)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%w: stats %s", errs.ErrAlreadyInitialized, addr)
	}
	if err := e.requireFunds(ctx, caller, e.policy.RecordRent); err != nil {
		return nil, err
	}

	stats := &model.Stats{Address: addr}
	req := e.begin("init_stats")
	req.create(addr, store.KindStats, stats)
	req.batch.Transfer(caller, addr, e.policy.RecordRent)
	req.tx.Publish(events.StatsInitializedEvent{Stats: *stats})
	if err := req.commit(ctx); err != nil {
		return nil, err
	}

	log.WithField("address", addr).Info("stats initialized")
	return stats, nil
}

// RegisterAccount creates the caller's account.
func (e *Engine) RegisterAccount(ctx context.Context, caller string, referral, username *string) (*model.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.registerAccount(ctx, caller, referral, username)
	if err != nil {
		return nil, e.reject("register_account", err)
	}
	return a, nil
}

func (e *Engine) registerAccount(ctx context.Context, caller string, referral, username *string) (*model.Account, error) {
	if err := requirePrincipal(caller); err != nil {
		return nil, err
	}
	if referral != nil && (*referral == "" || *referral == caller) {
		return nil, fmt.Errorf("%w: referral must name another principal", errs.ErrInvalidArgument)
	}
	if username != nil && len(*username) > MaxUsernameLen {
		return nil, fmt.Errorf("%w: username longer than %d bytes", errs.ErrInvalidArgument, MaxUsernameLen)
	}

	addr := address.Account(e.policy.ProgramID, caller)
	found, err := e.recs.exists(ctx, addr)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%w: account for %s", errs.ErrAlreadyInitialized, caller)
	}
	stats, err := e.recs.loadStats(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.requireFunds(ctx, caller, e.policy.RecordRent); err != nil {
		return nil, err
	}

	acct := &model.Account{
		Address:   addr,
		Authority: caller,
		Referral:  referral,
		Username:  username,
	}
	stats.TotalUsers++

	req := e.begin("register_account")
	req.create(addr, store.KindAccount, acct)
	req.put(stats.Address, store.KindStats, stats)
	req.batch.Transfer(caller, addr, e.policy.RecordRent)
	req.tx.Publish(events.AccountEvent{Kind: events.EventTypeAccountRegistered, Account: *acct})
	if err := req.commit(ctx); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"authority": caller, "address": addr}).Info("account registered")
	return acct, nil
}

// Deposit moves amount from the caller's wallet into custody and credits
// the account at addr. Anyone may fund any account.
func (e *Engine) Deposit(ctx context.Context, caller, addr string, amount uint64) (*model.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.deposit(ctx, caller, addr, amount)
	if err != nil {
		return nil, e.reject("deposit", err)
	}
	return a, nil
}

func (e *Engine) deposit(ctx context.Context, caller, addr string, amount uint64) (*model.Account, error) {
	if err := requirePrincipal(caller); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: deposit amount must be positive", errs.ErrInvalidArgument)
	}
	acct, err := e.recs.loadAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	stats, err := e.recs.loadStats(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.requireFunds(ctx, caller, amount); err != nil {
		return nil, err
	}

	var c checked
	acct.CurrentBalance = c.add(acct.CurrentBalance, amount)
	acct.LifetimeDeposited = c.add(acct.LifetimeDeposited, amount)
	stats.TotalLamportsDeposited = c.add(stats.TotalLamportsDeposited, amount)
	if c.err != nil {
		return nil, c.err
	}

	req := e.begin("deposit")
	req.put(addr, store.KindAccount, acct)
	req.put(stats.Address, store.KindStats, stats)
	req.batch.Transfer(caller, stats.Address, amount)
	req.tx.Publish(events.AccountEvent{Kind: events.EventTypeDeposited, Account: *acct, Amount: amount})
	if err := req.commit(ctx); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"account": addr,
		"from":    caller,
		"amount":  amount,
		"balance": acct.CurrentBalance,
	}).Info("deposit")
	return acct, nil
}

// Withdraw pays amount out of custody, diverting the profit share to the
// operator and the account's referrer.
func (e *Engine) Withdraw(ctx context.Context, caller, addr string, amount uint64) (*Withdrawal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, err := e.withdraw(ctx, caller, addr, amount)
	if err != nil {
		return nil, e.reject("withdraw", err)
	}
	return w, nil
}

func (e *Engine) withdraw(ctx context.Context, caller, addr string, amount uint64) (*Withdrawal, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: withdrawal amount must be positive", errs.ErrInvalidArgument)
	}
	acct, err := e.recs.loadAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	if caller != acct.Authority {
		return nil, fmt.Errorf("%w: %s does not own account %s", errs.ErrNoAuthority, caller, addr)
	}
	if amount > acct.CurrentBalance {
		return nil, fmt.Errorf("%w: balance %d, requested %d", errs.ErrInsufficientFunds, acct.CurrentBalance, amount)
	}
	stats, err := e.recs.loadStats(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.requireFunds(ctx, stats.Address, amount); err != nil {
		return nil, err
	}

	share := ProfitShare(acct.LifetimeDeposited, acct.LifetimeWithdrawn, amount, e.policy.ProfitShareBps)
	referralAmount, operatorAmount := SplitShare(share, e.policy.ReferralShareBps, acct.Referral != nil)
	w := &Withdrawal{
		Amount:         amount,
		ProfitShare:    share,
		UserAmount:     amount - share,
		ReferralAmount: referralAmount,
		OperatorAmount: operatorAmount,
	}

	var c checked
	acct.CurrentBalance = c.sub(acct.CurrentBalance, amount)
	acct.LifetimeWithdrawn = c.add(acct.LifetimeWithdrawn, amount)
	stats.TotalLamportsWithdrew = c.add(stats.TotalLamportsWithdrew, amount)
	if c.err != nil {
		return nil, c.err
	}
	w.Account = *acct

	req := e.begin("withdraw")
	req.put(addr, store.KindAccount, acct)
	req.put(stats.Address, store.KindStats, stats)
	req.batch.Transfer(stats.Address, acct.Authority, w.UserAmount)
	req.batch.Transfer(stats.Address, e.policy.Operator, w.OperatorAmount)
	if acct.Referral != nil {
		req.batch.Transfer(stats.Address, *acct.Referral, w.ReferralAmount)
	}
	req.tx.Publish(events.WithdrawalEvent{
		Account:        *acct,
		Amount:         amount,
		ProfitShare:    share,
		UserAmount:     w.UserAmount,
		ReferralAmount: w.ReferralAmount,
		OperatorAmount: w.OperatorAmount,
	})
	if err := req.commit(ctx); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"account":  addr,
		"amount":   amount,
		"share":    share,
		"referral": referralAmount,
		"operator": operatorAmount,
	}).Info("withdrawal")
	return w, nil
}

// CloseAccount destroys a settled account and refunds its rent.
func (e *Engine) CloseAccount(ctx context.Context, caller, addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.closeAccount(ctx, caller, addr); err != nil {
		return e.reject("close_account", err)
	}
	return nil
}

func (e *Engine) closeAccount(ctx context.Context, caller, addr string) error {
	acct, err := e.recs.loadAccount(ctx, addr)
	if err != nil {
		return err
	}
	if caller != acct.Authority {
		return fmt.Errorf("%w: %s does not own account %s", errs.ErrNoAuthority, caller, addr)
	}
	if !acct.Settled() {
		return fmt.Errorf("%w: balance=%d games=%d bets=%d",
			errs.ErrAccountNotSettled, acct.CurrentBalance, acct.GamesHosted, acct.ActiveBets)
	}
	stats, err := e.recs.loadStats(ctx)
	if err != nil {
		return err
	}
	if stats.TotalUsers <= 0 {
		return fmt.Errorf("%w: user count already zero", errs.ErrOverflow)
	}
	rent, err := e.store.Balance(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to read balance of %s: %w", addr, err)
	}
	stats.TotalUsers--

	req := e.begin("close_account")
	req.put(stats.Address, store.KindStats, stats)
	req.batch.Transfer(addr, acct.Authority, rent)
	req.batch.Delete(addr)
	req.tx.Publish(events.AccountEvent{Kind: events.EventTypeAccountClosed, Account: *acct})
	if err := req.commit(ctx); err != nil {
		return err
	}

	log.WithFields(log.Fields{"authority": acct.Authority, "address": addr, "refund": rent}).Info("account closed")
	return nil
}

func (e *Engine) fund(ctx context.Context, caller, wallet string, amount uint64) (uint64, error) {
	if caller != e.policy.Operator {
		return 0, fmt.Errorf("%w: only the operator may fund wallets", errs.ErrNoAuthority)
	}
	if wallet == "" || amount == 0 {
		return 0, fmt.Errorf("%w: wallet and positive amount required", errs.ErrInvalidArgument)
	}
	if err := e.store.Credit(ctx, wallet, amount); err != nil {
		if errors.Is(err, store.ErrBalanceOverflow) {
			return 0, fmt.Errorf("%w: %v", errs.ErrOverflow, err)
		}
		return 0, fmt.Errorf("failed to credit %s: %w", wallet, err)
	}
	bal, err := e.store.Balance(ctx, wallet)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance of %s: %w", wallet, err)
	}
	log.WithFields(log.Fields{"wallet": wallet, "amount": amount, "balance": bal}).Info("wallet funded")
	return bal, nil
}
