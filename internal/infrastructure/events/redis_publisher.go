package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
)

// Envelope is the JSON document published on the events channel.
type Envelope struct {
	InstanceID string              `json:"instance_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Event      domain.SessionEvent `json:"event"`
}

// RedisPublisher fans session lifecycle events out over Redis pub/sub and
// keeps a directory hash mapping each live session to the instance hosting it.
type RedisPublisher struct {
	client     *redis.Client
	channel    string
	directory  string
	instanceID string
	logger     *zap.SugaredLogger
}

func NewRedisPublisher(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *RedisPublisher {
	return &RedisPublisher{
		client:     client,
		channel:    channel,
		directory:  channel + ":sessions",
		instanceID: instanceID,
		logger:     logger,
	}
}

// Publish publishes an event on the channel and updates the session directory
func (p *RedisPublisher) Publish(ctx context.Context, event domain.SessionEvent) error {
	data, err := encodeEnvelope(p.instanceID, time.Now().UTC(), event)
	if err != nil {
		return err
	}

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, data)
	switch event.Type {
	case domain.SessionCreated:
		pipe.HSet(ctx, p.directory, string(event.SessionID), p.instanceID)
	case domain.SessionClosed:
		pipe.HDel(ctx, p.directory, string(event.SessionID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debugw("published event",
		"type", event.Type,
		"session_id", event.SessionID,
		"channel", p.channel,
	)
	return nil
}

// Subscribe delivers events published by other instances until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, handler func(Envelope)) error {
	pubsub := p.client.Subscribe(ctx, p.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				p.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if env.InstanceID == p.instanceID {
				continue
			}
			handler(env)
		}
	}
}

// Directory returns the session to instance mapping of all live sessions.
func (p *RedisPublisher) Directory(ctx context.Context) (map[domain.SessionID]string, error) {
	raw, err := p.client.HGetAll(ctx, p.directory).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}
	out := make(map[domain.SessionID]string, len(raw))
	for id, instance := range raw {
		out[domain.SessionID(id)] = instance
	}
	return out, nil
}

// Close drops this instance's entries from the session directory. The Redis
// client itself belongs to the repository factory.
func (p *RedisPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	dir, err := p.Directory(ctx)
	if err != nil {
		return err
	}
	var mine []string
	for id, instance := range dir {
		if instance == p.instanceID {
			mine = append(mine, string(id))
		}
	}
	if len(mine) == 0 {
		return nil
	}
	return p.client.HDel(ctx, p.directory, mine...).Err()
}

func encodeEnvelope(instanceID string, at time.Time, event domain.SessionEvent) ([]byte, error) {
	data, err := json.Marshal(Envelope{InstanceID: instanceID, Timestamp: at, Event: event})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event.Type == "" {
		return Envelope{}, fmt.Errorf("event type missing")
	}
	return env, nil
}
