package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "meeting:"
	channelSuffix  = ":reactions"
	publishTimeout = 5 * time.Second
)

// redisFrame is the message published to Redis for cross-process fan-out.
type redisFrame struct {
	Sender Participant     `json:"sender"`
	Data   json.RawMessage `json:"data"`
	At     int64           `json:"at"`
}

// RedisBridge implements DataChannel over Redis pub/sub. Used when the agent
// runs co-located with the meeting backend, and in integration tests.
type RedisBridge struct {
	client    *redis.Client
	identity  Participant
	meetingID string
	logger    *zap.Logger

	mu      sync.RWMutex
	handler MessageHandler
	closed  bool
	cancel  context.CancelFunc
}

// NewRedisBridge subscribes to the meeting's reaction channel and returns the
// bridge once the subscription is confirmed.
func NewRedisBridge(client *redis.Client, meetingID string, identity Participant, logger *zap.Logger) (*RedisBridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	channel := channelPrefix + meetingID + channelSuffix

	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b := &RedisBridge{
		client:    client,
		identity:  identity,
		meetingID: meetingID,
		logger:    logger,
		cancel:    cancel,
	}

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var f redisFrame
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					continue
				}
				// The bridge also receives its own publishes; the reaction
				// manager's self-echo filter handles those.
				b.mu.RLock()
				handler := b.handler
				b.mu.RUnlock()
				if handler != nil {
					handler(f.Data, f.Sender)
				}
			}
		}
	}()

	return b, nil
}

// Publish sends payload to the meeting's Redis channel.
func (b *RedisBridge) Publish(ctx context.Context, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}

	body, err := json.Marshal(redisFrame{Sender: b.identity, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, channelPrefix+b.meetingID+channelSuffix, body).Err()
}

// SetHandler registers the inbound message callback.
func (b *RedisBridge) SetHandler(h MessageHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Close cancels the subscription.
func (b *RedisBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()
	return nil
}
