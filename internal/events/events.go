// Package events carries ledger notifications from committed operations to
// subscribers such as the WebSocket hub, metrics, NATS and the archive.
package events

import (
	"github.com/atmx/wager-engine/internal/model"
)

// EventType names a ledger event.
type EventType string

const (
	EventTypeStatsInitialized  EventType = "stats_initialized"
	EventTypeAccountRegistered EventType = "account_registered"
	EventTypeDeposited         EventType = "deposited"
	EventTypeWithdrawn         EventType = "withdrawn"
	EventTypeAccountClosed     EventType = "account_closed"
	EventTypeGameOpened        EventType = "game_opened"
	EventTypeGameStatusChanged EventType = "game_status_changed"
	EventTypeGameClosed        EventType = "game_closed"
	EventTypeBetPlaced         EventType = "bet_placed"
	EventTypeBetFulfilled      EventType = "bet_fulfilled"
	EventTypeBetSettled        EventType = "bet_settled"
	EventTypeBetMarkedForClose EventType = "bet_marked_for_close"
	EventTypeBetClosed         EventType = "bet_closed"
)

// AllTypes lists every event type.
var AllTypes = []EventType{
	EventTypeStatsInitialized,
	EventTypeAccountRegistered,
	EventTypeDeposited,
	EventTypeWithdrawn,
	EventTypeAccountClosed,
	EventTypeGameOpened,
	EventTypeGameStatusChanged,
	EventTypeGameClosed,
	EventTypeBetPlaced,
	EventTypeBetFulfilled,
	EventTypeBetSettled,
	EventTypeBetMarkedForClose,
	EventTypeBetClosed,
}

// Event is the base interface for all events.
type Event interface {
	Type() EventType
}

// StatsInitializedEvent is emitted once when the ledger is bootstrapped.
type StatsInitializedEvent struct {
	Stats model.Stats `json:"stats"`
}

func (e StatsInitializedEvent) Type() EventType { return EventTypeStatsInitialized }

// AccountEvent reports a registration, deposit or closure. Amount is the
// deposited amount and zero otherwise.
type AccountEvent struct {
	Kind    EventType     `json:"-"`
	Account model.Account `json:"account"`
	Amount  uint64        `json:"amount,omitempty"`
}

func (e AccountEvent) Type() EventType { return e.Kind }

// WithdrawalEvent reports a withdrawal and its profit-share split.
type WithdrawalEvent struct {
	Account        model.Account `json:"account"`
	Amount         uint64        `json:"amount"`
	ProfitShare    uint64        `json:"profit_share"`
	UserAmount     uint64        `json:"user_amount"`
	ReferralAmount uint64        `json:"referral_amount"`
	OperatorAmount uint64        `json:"operator_amount"`
}

func (e WithdrawalEvent) Type() EventType { return EventTypeWithdrawn }

// GameEvent reports a game opening, status change or closure.
type GameEvent struct {
	Kind EventType  `json:"-"`
	Game model.Game `json:"game"`
}

func (e GameEvent) Type() EventType { return e.Kind }

// BetEvent reports a bet placement, fulfillment, close mark or closure.
type BetEvent struct {
	Kind EventType `json:"-"`
	Bet  model.Bet `json:"bet"`
}

func (e BetEvent) Type() EventType { return e.Kind }

// SettlementEvent reports a resolved bet.
type SettlementEvent struct {
	Bet        model.Bet      `json:"bet"`
	GameType   model.GameType `json:"game_type"`
	BettorWins bool           `json:"bettor_wins"`
	Winner     string         `json:"winner"`
	Payout     uint64         `json:"payout"`
	Roll       *uint64        `json:"roll,omitempty"`
	Multiplier string         `json:"multiplier,omitempty"`
}

func (e SettlementEvent) Type() EventType { return EventTypeBetSettled }
