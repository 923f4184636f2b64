package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"leakrelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BusMessage carries relay traffic between relay instances.
type BusMessage struct {
	Type       string        `json:"type"` // ready or signal
	InstanceID string        `json:"instance_id"`
	Timestamp  time.Time     `json:"timestamp"`
	From       domain.PeerID `json:"from"`
	Target     domain.PeerID `json:"target,omitempty"`
	Message    []byte        `json:"message,omitempty"`
}

// Bus fans relay traffic out to other relay instances.
type Bus interface {
	Publish(ctx context.Context, msg *BusMessage) error
	// Subscribe blocks, calling handler for messages from other instances.
	Subscribe(ctx context.Context, handler func(*BusMessage)) error
	Close() error
}

// RedisBus is a Bus over Redis pub/sub.
type RedisBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewRedisBus(client redis.UniversalClient, channel, instanceID string, logger *zap.SugaredLogger) *RedisBus {
	return &RedisBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

// Publish publishes msg stamped with this instance's id.
func (b *RedisBus) Publish(ctx context.Context, msg *BusMessage) error {
	msg.InstanceID = b.instanceID
	msg.Timestamp = time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish bus message: %w", err)
	}

	b.logger.Debugw("published bus message", "type", msg.Type, "from", msg.From, "target", msg.Target)
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func(*BusMessage)) error {
	if b.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	b.pubsub = b.client.Subscribe(ctx, b.channel)
	defer b.pubsub.Close()

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			var msg BusMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warnw("failed to unmarshal bus message", "error", err)
				continue
			}
			if msg.InstanceID == b.instanceID {
				continue
			}
			handler(&msg)
		}
	}
}

func (b *RedisBus) Close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
