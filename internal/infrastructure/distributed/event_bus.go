package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/pkg/circuitbreaker"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel membership events are published on.
const DefaultChannel = "peermesh:events"

// Event is a membership event tagged with the publishing node instance.
type Event struct {
	InstanceID string `json:"instance_id"`
	domain.MembershipEvent
}

// RedisClient is the subset of *redis.Client the bus uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// EventBus publishes membership events to redis from its own goroutine so
// the mesh loop never waits on the network. Events that do not fit in the
// queue, or arrive while the publish breaker is open, are dropped.
type EventBus struct {
	client     RedisClient
	channel    string
	instanceID string
	timeout    time.Duration
	breaker    *circuitbreaker.CircuitBreaker

	queue   chan domain.MembershipEvent
	dropped atomic.Int64

	logger *zap.SugaredLogger
}

var _ ports.EventPublisher = (*EventBus)(nil)

func NewEventBus(client RedisClient, channel string, queueSize int, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	eb := &EventBus{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		timeout:    2 * time.Second,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		queue:      make(chan domain.MembershipEvent, queueSize),
		logger:     logger.With("component", "event_bus"),
	}
	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		eb.logger.Warnw("Publish breaker changed state", "from", from.String(), "to", to.String())
	})
	return eb
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

// Dropped reports how many events were discarded unpublished.
func (eb *EventBus) Dropped() int64 { return eb.dropped.Load() }

// PublishMembership enqueues event without blocking.
func (eb *EventBus) PublishMembership(event domain.MembershipEvent) {
	select {
	case eb.queue <- event:
	default:
		eb.dropped.Add(1)
		eb.logger.Warnw("Event queue full, dropping event", "type", event.Type, "peer_id", event.PeerID.String())
	}
}

// Run publishes queued events until ctx is cancelled.
func (eb *EventBus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-eb.queue:
			err := eb.breaker.Execute(func() error { return eb.publish(ctx, event) })
			switch {
			case errors.Is(err, circuitbreaker.ErrOpen):
				eb.dropped.Add(1)
				eb.logger.Debugw("Redis unavailable, dropping event", "type", event.Type)
			case err != nil:
				eb.logger.Warnw("Failed to publish event", "type", event.Type, "error", err)
			}
		}
	}
}

func (eb *EventBus) publish(ctx context.Context, event domain.MembershipEvent) error {
	data, err := json.Marshal(Event{InstanceID: eb.instanceID, MembershipEvent: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, eb.timeout)
	defer cancel()
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("Published event", "type", event.Type, "peer_id", event.PeerID.String())
	return nil
}

// Subscribe calls handler for every event published by other instances
// until ctx is cancelled.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", eb.channel)
			}
			event, err := DecodeEvent(msg.Payload)
			if err != nil {
				eb.logger.Warnw("Failed to unmarshal event", "error", err, "payload", msg.Payload)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(event); err != nil {
				eb.logger.Warnw("Error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

func DecodeEvent(payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, err
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("event without type")
	}
	return event, nil
}
