package events_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/model"
)

func TestBus_SynchronousDelivery(t *testing.T) {
	bus := events.NewBus(events.WithSynchronousDelivery())

	var got []events.EventType
	bus.Subscribe(events.EventTypeBetPlaced, func(_ context.Context, e events.Event) {
		got = append(got, e.Type())
	})
	bus.Subscribe(events.EventTypeBetPlaced, func(context.Context, events.Event) {
		panic("boom")
	})
	bus.Subscribe(events.EventTypeBetPlaced, func(_ context.Context, e events.Event) {
		got = append(got, e.Type())
	})

	bus.Emit(context.Background(), events.BetEvent{Kind: events.EventTypeBetPlaced})
	bus.Emit(context.Background(), events.BetEvent{Kind: events.EventTypeBetClosed})

	assert.Equal(t, []events.EventType{events.EventTypeBetPlaced, events.EventTypeBetPlaced}, got)
}

func TestBus_AsyncDelivery(t *testing.T) {
	bus := events.NewBus()
	done := make(chan events.Event, 1)
	bus.Subscribe(events.EventTypeDeposited, func(_ context.Context, e events.Event) {
		done <- e
	})

	bus.Emit(context.Background(), events.AccountEvent{Kind: events.EventTypeDeposited, Amount: 7})

	select {
	case e := <-done:
		assert.Equal(t, uint64(7), e.(events.AccountEvent).Amount)
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}
}

func TestTransactionalBus(t *testing.T) {
	bus := events.NewBus(events.WithSynchronousDelivery())
	var count int
	bus.SubscribeAll(func(context.Context, events.Event) { count++ })

	tx := events.NewTransactionalBus(bus)
	tx.Publish(events.GameEvent{Kind: events.EventTypeGameOpened})
	tx.Publish(events.GameEvent{Kind: events.EventTypeGameClosed})
	assert.Zero(t, count, "events must wait for flush")

	tx.Discard()
	tx.Flush()
	assert.Zero(t, count, "discarded events must not be delivered")

	tx.Publish(events.GameEvent{Kind: events.EventTypeGameOpened})
	tx.Flush()
	assert.Equal(t, 1, count)

	// A nil bus swallows everything.
	nilTx := events.NewTransactionalBus(nil)
	nilTx.Publish(events.GameEvent{Kind: events.EventTypeGameOpened})
	nilTx.Flush()
}

type fakeConn struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs == nil {
		c.msgs = make(map[string][][]byte)
	}
	c.msgs[subject] = append(c.msgs[subject], data)
	return nil
}

func TestNATSPublisher(t *testing.T) {
	bus := events.NewBus(events.WithSynchronousDelivery())
	conn := &fakeConn{}
	pub := events.NewNATSPublisher(conn, "wager")
	pub.Attach(bus)

	bus.Emit(context.Background(), events.WithdrawalEvent{
		Account:        model.Account{Authority: "alice"},
		Amount:         10000,
		ProfitShare:    100,
		UserAmount:     9900,
		ReferralAmount: 50,
		OperatorAmount: 50,
	})

	msgs := conn.msgs["wager.withdrawn"]
	require.Len(t, msgs, 1)

	var env struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "withdrawn", env.Type)

	var w events.WithdrawalEvent
	require.NoError(t, json.Unmarshal(env.Data, &w))
	assert.Equal(t, uint64(9900), w.UserAmount)
	assert.Equal(t, "alice", w.Account.Authority)
}
