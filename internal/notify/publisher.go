package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel carrying inbox events.
const Channel = "pe:notifications"

// Publisher fans inbox events out over Redis so every API instance can push
// them to its connected sockets.
type Publisher struct {
	client *redis.Client
	logger *slog.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(client *redis.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, logger: logger}
}

// Publish sends ev on Channel.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p == nil || p.client == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, Channel, data).Err()
}

// Subscribe streams events until ctx is cancelled. Malformed payloads are
// logged and skipped.
func (p *Publisher) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, 64)
	sub := p.client.Subscribe(ctx, Channel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					p.logger.Warn("notify: drop malformed event", slog.Any("error", err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
