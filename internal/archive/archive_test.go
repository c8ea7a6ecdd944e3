package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/model"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func TestKey(t *testing.T) {
	a := New(&fakePutter{}, "bucket", "ledger")

	key, err := a.Key(events.BetEvent{Kind: events.EventTypeBetClosed, Bet: model.Bet{Address: "B1"}})
	require.NoError(t, err)
	assert.Equal(t, "ledger/bets/B1.json", key)

	key, err = a.Key(events.GameEvent{Kind: events.EventTypeGameClosed, Game: model.Game{Address: "G1"}})
	require.NoError(t, err)
	assert.Equal(t, "ledger/games/G1.json", key)

	key, err = a.Key(events.AccountEvent{Kind: events.EventTypeAccountClosed, Account: model.Account{Address: "A1"}})
	require.NoError(t, err)
	assert.Equal(t, "ledger/accounts/A1.json", key)

	_, err = a.Key(events.StatsInitializedEvent{})
	require.Error(t, err)
}

func TestAttachUploadsClosedRecords(t *testing.T) {
	fp := &fakePutter{}
	a := New(fp, "bucket", "ledger")
	bus := events.NewBus(events.WithSynchronousDelivery())
	a.Attach(bus)

	ctx := context.Background()
	bus.Emit(ctx, events.BetEvent{Kind: events.EventTypeBetClosed, Bet: model.Bet{Address: "B1", Owner: "alice"}})
	bus.Emit(ctx, events.BetEvent{Kind: events.EventTypeBetPlaced, Bet: model.Bet{Address: "B2"}})

	require.Len(t, fp.objects, 1)
	raw, ok := fp.objects["bucket/ledger/bets/B1.json"]
	require.True(t, ok)

	var env struct {
		Type events.EventType `json:"type"`
		Data struct {
			Bet model.Bet `json:"bet"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, events.EventTypeBetClosed, env.Type)
	assert.Equal(t, "alice", env.Data.Bet.Owner)
}

func TestPutError(t *testing.T) {
	a := New(&fakePutter{err: errors.New("denied")}, "bucket", "ledger")
	err := a.Put(context.Background(), events.GameEvent{Kind: events.EventTypeGameClosed, Game: model.Game{Address: "G"}})
	require.ErrorContains(t, err, "denied")
}
