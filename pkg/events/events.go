// Package events implements the pub/sub broker that carries lifecycle
// notifications (connects, disconnects, config acceptance/rejection,
// reconciliation outcomes) from the reconciler and its subordinate
// endpoints out to anything watching the module from the host
// application's side.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/dbcore/pkg/log"
	"github.com/cuemby/dbcore/pkg/metrics"
)

// EventType represents the type of event
type EventType string

const (
	EventBucketOpened                 EventType = "bucket.opened"
	EventBucketClosed                 EventType = "bucket.closed"
	EventShutdownCompleted            EventType = "shutdown.completed"
	EventReconfigurationCompleted     EventType = "reconfiguration.completed"
	EventReconfigurationIgnored       EventType = "reconfiguration.ignored"
	EventReconfigurationErrorDetected EventType = "reconfiguration.error_detected"
	EventServiceReconfigurationFailed EventType = "service.reconfiguration_failed"
	EventServiceReplaced              EventType = "service.replaced"
	EventConfigIgnored                EventType = "config.ignored"
	EventConfigUpdated                EventType = "config.updated"
	EventEndpointConnected            EventType = "endpoint.connected"
	EventEndpointConnecting           EventType = "endpoint.connecting"
	EventEndpointConnectionFailed     EventType = "endpoint.connection_failed"
	EventEndpointConnectionAborted    EventType = "endpoint.connection_aborted"
	EventEndpointConnectionIgnored    EventType = "endpoint.connection_ignored"
	EventEndpointDisconnected         EventType = "endpoint.disconnected"
	EventEndpointDisconnectionFailed  EventType = "endpoint.disconnection_failed"
	EventCollectionMapDecodingFailed  EventType = "collection_map.decoding_failed"
)

// ConfigIgnoredReason is the reason a proposed config was not applied.
type ConfigIgnoredReason string

const (
	ReasonParseFailure      ConfigIgnoredReason = "parse_failure"
	ReasonOldOrSameRevision ConfigIgnoredReason = "old_or_same_revision"
)

// Event represents a cluster event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// BrokerConfig tunes the broker's buffering. A reconciler driving a large
// cluster through a mass reconnect storm can produce bursts of thousands
// of endpoint events in a few milliseconds; a host that only cares about
// config-level events doesn't need the same headroom as one logging every
// connection attempt, so both buffer sizes are caller-tunable rather than
// fixed.
type BrokerConfig struct {
	// QueueSize bounds the broker's internal intake queue, between
	// Publish and the distribution goroutine.
	QueueSize int
	// SubscriberBufferSize bounds each individual subscriber's channel.
	// A subscriber that falls behind has its excess events dropped rather
	// than backpressuring the broker; drops are counted in
	// metrics.EventsDroppedTotal by event type.
	SubscriberBufferSize int
}

// DefaultBrokerConfig matches the buffering used by this module's own
// reconciler and CLI: generous enough to absorb a full-cluster reconnect
// storm without dropping config-level events.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{QueueSize: 256, SubscriberBufferSize: 64}
}

// Broker manages event subscriptions and distribution
type Broker struct {
	cfg BrokerConfig

	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	logger zerolog.Logger
}

// NewBroker creates a new event broker using DefaultBrokerConfig.
func NewBroker() *Broker {
	return NewBrokerWithConfig(DefaultBrokerConfig())
}

// NewBrokerWithConfig creates an event broker with caller-supplied
// buffering.
func NewBrokerWithConfig(cfg BrokerConfig) *Broker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultBrokerConfig().QueueSize
	}
	if cfg.SubscriberBufferSize <= 0 {
		cfg.SubscriberBufferSize = DefaultBrokerConfig().SubscriberBufferSize
	}
	return &Broker{
		cfg:         cfg,
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, cfg.QueueSize),
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("events"),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, b.cfg.SubscriberBufferSize)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Intake queue is full: the distribution goroutine is behind on a
		// burst. Count it against the same event type a stalled
		// subscriber would drop, rather than blocking the publisher.
		metrics.EventsDroppedTotal.WithLabelValues(string(event.Type)).Inc()
		b.logger.Warn().Str("event_type", string(event.Type)).Msg("broker intake queue full, dropping event")
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			metrics.EventsDroppedTotal.WithLabelValues(string(event.Type)).Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
