// Package ledger implements the wagering escrow and settlement engine: the
// account and game registries, the bet record state machine, settlement and
// the global stats aggregate, plus their HTTP and WebSocket surfaces.
//
// Every operation follows the same shape. It loads the records it needs,
// checks every precondition against copies, computes the new record values
// and submits a single store.Batch. Nothing is written until every check has
// passed, and the batch is applied atomically by the store, so a rejected
// request leaves no trace. Events raised by an operation are released only
// after its batch commits.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/atmx/wager-engine/internal/address"
	"github.com/atmx/wager-engine/internal/config"
	"github.com/atmx/wager-engine/internal/errs"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/store"
)

// Engine executes ledger operations. Requests are serialized by a mutex
// (single instance). For horizontal scaling, replace with a distributed
// lock or optimistic concurrency on record versions.
type Engine struct {
	store   store.Store
	recs    records
	reads   records
	policy  config.Policy
	bus     *events.Bus
	now     func() time.Time
	entropy func() ([32]byte, error)
	nonce   func() string
	mu      sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventBus publishes committed events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithClock overrides the time source used for bet seed material.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEntropy overrides the entropy mixed into bet seed material.
func WithEntropy(fn func() ([32]byte, error)) Option {
	return func(e *Engine) { e.entropy = fn }
}

// WithNonceSource overrides the generator of game nonces.
func WithNonceSource(fn func() string) Option {
	return func(e *Engine) { e.nonce = fn }
}

// NewEngine creates an engine over st enforcing policy. Operations read
// st through store.Consistent; only queries may be answered from a cache.
func NewEngine(st store.Store, policy config.Policy, opts ...Option) *Engine {
	primary := store.Consistent(st)
	e := &Engine{
		store:   primary,
		recs:    records{st: primary, program: policy.ProgramID},
		reads:   records{st: st, program: policy.ProgramID},
		policy:  policy,
		now:     time.Now,
		entropy: randomEntropy,
		nonce:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the policy the engine enforces.
func (e *Engine) Policy() config.Policy { return e.policy }

func randomEntropy() ([32]byte, error) {
	var b [32]byte
	_, err := rand.Read(b[:])
	return b, err
}

// --- Record access ---

// records loads and checks ledger records from one store view.
type records struct {
	st      store.Store
	program string
}

// load fetches the record at addr and checks it belongs to this program and
// is of the expected kind before decoding it into v.
func (r records) load(ctx context.Context, addr string, kind store.Kind, v any) error {
	rec, err := r.st.Load(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", errs.ErrUninitializedRecord, kind, addr)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", addr, err)
	}
	if rec.Owner != r.program {
		return fmt.Errorf("%w: %s is owned by %q", errs.ErrWrongRecordOwner, addr, rec.Owner)
	}
	if rec.Kind != kind {
		return fmt.Errorf("%w: %s is a %s, want %s", errs.ErrWrongRecordType, addr, rec.Kind, kind)
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("%w: %s does not decode as %s: %v", errs.ErrWrongRecordType, addr, kind, err)
	}
	return nil
}

// exists reports whether any record is stored at addr.
func (r records) exists(ctx context.Context, addr string) (bool, error) {
	_, err := r.st.Load(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", addr, err)
	}
	return true, nil
}

func (r records) loadStats(ctx context.Context) (*model.Stats, error) {
	addr := address.Stats(r.program)
	var s model.Stats
	if err := r.load(ctx, addr, store.KindStats, &s); err != nil {
		return nil, err
	}
	s.Address = addr
	return &s, nil
}

func (r records) loadAccount(ctx context.Context, addr string) (*model.Account, error) {
	var a model.Account
	if err := r.load(ctx, addr, store.KindAccount, &a); err != nil {
		return nil, err
	}
	if want := address.Account(r.program, a.Authority); want != addr {
		return nil, fmt.Errorf("%w: account of %s lives at %s, not %s", errs.ErrAddressMismatch, a.Authority, want, addr)
	}
	a.Address = addr
	return &a, nil
}

// loadAccountOf loads the account registered to principal.
func (r records) loadAccountOf(ctx context.Context, principal string) (*model.Account, error) {
	return r.loadAccount(ctx, address.Account(r.program, principal))
}

func (r records) loadGame(ctx context.Context, addr string) (*model.Game, error) {
	var g model.Game
	if err := r.load(ctx, addr, store.KindGame, &g); err != nil {
		return nil, err
	}
	if want := address.Game(r.program, g.Host, g.Nonce); want != addr {
		return nil, fmt.Errorf("%w: game derives to %s, not %s", errs.ErrAddressMismatch, want, addr)
	}
	g.Address = addr
	return &g, nil
}

func (r records) loadBet(ctx context.Context, addr string) (*model.Bet, error) {
	var b model.Bet
	if err := r.load(ctx, addr, store.KindBet, &b); err != nil {
		return nil, err
	}
	if want := address.Bet(r.program, b.Game, b.Owner, b.BetID); want != addr {
		return nil, fmt.Errorf("%w: bet derives to %s, not %s", errs.ErrAddressMismatch, want, addr)
	}
	b.Address = addr
	return &b, nil
}

func (e *Engine) record(addr string, kind store.Kind, v any) (store.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to encode %s %s: %w", kind, addr, err)
	}
	return store.Record{Address: addr, Kind: kind, Owner: e.policy.ProgramID, Data: data}, nil
}

// --- Request plumbing ---

// request accumulates the writes and events of one operation.
type request struct {
	e     *Engine
	op    string
	batch store.Batch
	tx    *events.TransactionalBus
	err   error
}

func (e *Engine) begin(op string) *request {
	return &request{e: e, op: op, tx: events.NewTransactionalBus(e.bus)}
}

func (r *request) encode(addr string, kind store.Kind, v any) (store.Record, bool) {
	if r.err != nil {
		return store.Record{}, false
	}
	rec, err := r.e.record(addr, kind, v)
	if err != nil {
		r.err = err
		return store.Record{}, false
	}
	return rec, true
}

func (r *request) create(addr string, kind store.Kind, v any) {
	if rec, ok := r.encode(addr, kind, v); ok {
		r.batch.Create(rec)
	}
}

func (r *request) put(addr string, kind store.Kind, v any) {
	if rec, ok := r.encode(addr, kind, v); ok {
		r.batch.Put(rec)
	}
}

// commit applies the batch and releases the request's events. A store
// refusal caused by a balance that moved since validation surfaces as
// InsufficientFunds; a lost create race surfaces as AlreadyInitialized.
func (r *request) commit(ctx context.Context) error {
	if r.err != nil {
		r.tx.Discard()
		return r.err
	}
	if err := r.e.store.Commit(ctx, &r.batch); err != nil {
		r.tx.Discard()
		switch {
		case errors.Is(err, store.ErrInsufficientBalance):
			return fmt.Errorf("%w: %v", errs.ErrInsufficientFunds, err)
		case errors.Is(err, store.ErrAlreadyExists):
			return fmt.Errorf("%w: %v", errs.ErrAlreadyInitialized, err)
		case errors.Is(err, store.ErrBalanceOverflow):
			return fmt.Errorf("%w: %v", errs.ErrOverflow, err)
		}
		return fmt.Errorf("failed to commit %s: %w", r.op, err)
	}
	r.tx.Flush()
	return nil
}

// reject records a refused request.
func (e *Engine) reject(op string, err error) error {
	code := "Internal"
	if le, ok := errs.As(err); ok {
		code = le.Code
	}
	metrics.OperationRejections.WithLabelValues(op, code).Inc()
	log.WithFields(log.Fields{"op": op, "code": code}).WithError(err).Debug("request rejected")
	return err
}

// requireFunds checks that a wallet can pay amount.
func (e *Engine) requireFunds(ctx context.Context, wallet string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	bal, err := e.store.Balance(ctx, wallet)
	if err != nil {
		return fmt.Errorf("failed to read balance of %s: %w", wallet, err)
	}
	if bal < amount {
		return fmt.Errorf("%w: wallet %s holds %d, needs %d", errs.ErrInsufficientFunds, wallet, bal, amount)
	}
	return nil
}

// --- Checked arithmetic ---

// checked accumulates the first overflow or underflow of a sequence of
// counter updates.
type checked struct{ err error }

func (c *checked) add(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 && c.err == nil {
		c.err = fmt.Errorf("%w: %d + %d", errs.ErrOverflow, a, b)
	}
	return sum
}

func (c *checked) sub(a, b uint64) uint64 {
	if b > a {
		if c.err == nil {
			c.err = fmt.Errorf("%w: %d - %d underflows", errs.ErrOverflow, a, b)
		}
		return 0
	}
	return a - b
}

func requirePrincipal(caller string) error {
	if caller == "" {
		return fmt.Errorf("%w: no verified caller", errs.ErrNoAuthority)
	}
	return nil
}
