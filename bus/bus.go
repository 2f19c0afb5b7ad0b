// Package bus is the publish-subscribe channel carrying typed, versioned
// event envelopes between agents and the orchestrator.
//
// Delivery is at-least-once per subscriber; subscribers must treat
// handling as idempotent. Duplicate detection keyed on (correlation_id,
// event_type, agent_id) is the subscriber's responsibility. For a fixed
// correlation id, each subscriber observes events in publish order.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/services"
)

// StatusSink receives backpressure signals for subscribers. The agent
// registry implements it.
type StatusSink interface {
	MarkDegraded(agentID string)
	ClearDegraded(agentID string)
}

// DeliveryReceipt confirms a publish.
type DeliveryReceipt struct {
	EventID     uuid.UUID
	Subscribers int
	Timestamp   time.Time
}

// Config holds bus tuning parameters.
type Config struct {
	// QueueDepth is the per-subscriber inbound depth past which the
	// subscriber is marked degraded.
	QueueDepth int
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{QueueDepth: 256}
}

// Bus fans published envelopes out to matching subscribers, each behind
// its own ordered queue so a slow consumer never blocks publishers or
// other consumers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	status StatusSink
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time
	closed bool
	wg     sync.WaitGroup
}

// New creates a Bus. status may be nil when no health tracking is wired.
func New(status StatusSink, cfg Config, logger *zap.Logger) *Bus {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		status: status,
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}
}

// Publish validates the envelope, stamps its timestamp, and enqueues it
// for every matching subscriber. It never waits on subscribers.
func (b *Bus) Publish(ctx context.Context, env *models.EventEnvelope) (*DeliveryReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, services.WrapError(services.ErrorTypeInvalidEnvelope, err.Error(), nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, services.WrapUnavailable("bus is shut down", nil)
	}

	// The bus owns the timestamp; producer-supplied values are ignored.
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	env.Timestamp = b.clock()

	delivered := 0
	for _, sub := range b.subs {
		if !sub.wants(env.Type) {
			continue
		}
		if degraded := sub.enqueue(env.Clone()); degraded {
			b.logger.Warn("subscriber queue over threshold, marking degraded",
				zap.String("agent_id", sub.AgentID),
				zap.Int("depth", sub.Depth()))
			if b.status != nil {
				b.status.MarkDegraded(sub.AgentID)
			}
		}
		delivered++
	}

	b.logger.Debug("event published",
		zap.String("event_id", env.ID.String()),
		zap.String("event_type", string(env.Type)),
		zap.String("correlation_id", env.CorrelationID),
		zap.Int("subscribers", delivered))

	return &DeliveryReceipt{
		EventID:     env.ID,
		Subscribers: delivered,
		Timestamp:   env.Timestamp,
	}, nil
}

// Subscribe registers an agent's interest in the given event types. One
// subscription per agent id; a second call replaces the first.
func (b *Bus) Subscribe(agentID string, types ...models.EventType) (*Subscription, error) {
	if agentID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "agent id is required", nil)
	}
	if len(types) == 0 {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "at least one event type", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, services.WrapUnavailable("bus is shut down", nil)
	}

	if old, ok := b.subs[agentID]; ok {
		old.close()
	}
	sub := newSubscription(agentID, types, b.cfg.QueueDepth)
	b.subs[agentID] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.pump(func() {
			b.logger.Info("subscriber backlog drained",
				zap.String("agent_id", sub.AgentID))
			if b.status != nil {
				b.status.ClearDegraded(sub.AgentID)
			}
		})
	}()

	b.logger.Info("subscriber registered",
		zap.String("agent_id", agentID),
		zap.Int("event_types", len(types)))
	return sub, nil
}

// Unsubscribe cancels an agent's subscription.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[agentID]; ok {
		sub.close()
		delete(b.subs, agentID)
	}
}

// Consume drains a subscription with the given handler in a background
// goroutine. A handler error or panic is caught and reported as the
// failed variant of the event's domain under the original correlation id;
// it never crashes the bus.
func (b *Bus) Consume(sub *Subscription, handler func(context.Context, *models.EventEnvelope) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for env := range sub.C {
			b.handleOne(sub, env, handler)
		}
	}()
}

func (b *Bus) handleOne(sub *Subscription, env *models.EventEnvelope, handler func(context.Context, *models.EventEnvelope) error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		err = handler(context.Background(), env)
	}()
	if err == nil {
		return
	}

	b.logger.Error("subscriber handler failed",
		zap.String("agent_id", sub.AgentID),
		zap.String("event_type", string(env.Type)),
		zap.String("correlation_id", env.CorrelationID),
		zap.Error(err))

	// Reporting a failure for a failure event would loop.
	if env.Type.IsFailure() {
		return
	}
	failed := models.NewEnvelope(env.Type.Failed(), env.TenantID, sub.AgentID, map[string]any{
		models.PayloadKeyStatus: string(models.StatusFailed),
		models.PayloadKeyError:  err.Error(),
	}).WithCorrelation(env.CorrelationID)
	if _, pubErr := b.Publish(context.Background(), failed); pubErr != nil {
		b.logger.Error("failed to publish handler failure event", zap.Error(pubErr))
	}
}

// Close cancels every subscription and waits for the pumps to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.close()
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()
	b.wg.Wait()
}
