package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Envelope is the wire form of an event.
type Envelope struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       Event     `json:"data"`
}

// Marshal encodes an event in a fresh envelope.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Type:       e.Type(),
		OccurredAt: time.Now().UTC(),
		Data:       e,
	})
}

// Publisher is the subset of *nats.Conn the publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials the NATS server with reconnect logging.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("wager-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSPublisher forwards every ledger event to NATS under
// <prefix>.<event type>.
type NATSPublisher struct {
	conn   Publisher
	prefix string
}

func NewNATSPublisher(conn Publisher, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Attach subscribes the publisher to every event type on bus.
func (p *NATSPublisher) Attach(bus *Bus) {
	bus.SubscribeAll(p.handle)
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t EventType) string {
	return p.prefix + "." + string(t)
}

func (p *NATSPublisher) handle(_ context.Context, e Event) {
	data, err := Marshal(e)
	if err != nil {
		log.WithError(err).WithField("eventType", e.Type()).Error("failed to encode event")
		return
	}
	if err := p.conn.Publish(p.Subject(e.Type()), data); err != nil {
		log.WithError(err).WithField("eventType", e.Type()).Error("failed to publish event to NATS")
	}
}
