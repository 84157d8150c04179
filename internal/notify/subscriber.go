package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Subscriber consumes gateway status events from a Redis pub/sub channel,
// forwards ready events to the handler and mirrors them onto the in-process
// bus for bounded waits.
type Subscriber struct {
	rdb     *redis.Client
	channel string
	bus     *Bus
	onReady func(context.Context, ReadyEvent)
	logger  *slog.Logger
}

// NewSubscriber creates a subscriber. onReady is invoked synchronously for
// every ready event, in arrival order.
func NewSubscriber(rdb *redis.Client, channel string, bus *Bus, onReady func(context.Context, ReadyEvent), logger *slog.Logger) *Subscriber {
	return &Subscriber{
		rdb:     rdb,
		channel: channel,
		bus:     bus,
		onReady: onReady,
		logger:  logger.With("component", "notify"),
	}
}

// statusEvent is the wire shape of gateway notifications.
type statusEvent struct {
	Type               string `json:"type"`
	Status             string `json:"status"`
	CredentialKey      string `json:"credentialKey"`
	OriginatingAddress string `json:"originatingAddress"`
}

// Run consumes events until the context is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.logger.Info("subscribed to gateway events", "channel", s.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("event subscription closed")
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, payload string) {
	var ev statusEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.logger.Warn("dropping malformed event", "error", err)
		return
	}
	if ev.Type != "status" || ev.Status != "ready" {
		return
	}

	ready := ReadyEvent{
		CredentialKey:      ev.CredentialKey,
		OriginatingAddress: ev.OriginatingAddress,
	}
	s.logger.Info("channel ready event received", "anonymous", ready.Anonymous())

	if s.onReady != nil {
		s.onReady(ctx, ready)
	}
	s.bus.Publish(ready)
}
