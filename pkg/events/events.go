package events

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened in the cluster
type EventType string

const (
	EventServiceRegistered  EventType = "service.registered"
	EventServiceRemoved     EventType = "service.removed"
	EventServiceStateChange EventType = "service.state_changed"
	EventInstanceAdded      EventType = "instance.added"
	EventInstanceRemoved    EventType = "instance.removed"
	EventInstanceRebooted   EventType = "instance.rebooted"
	EventInstanceTerminated EventType = "instance.terminated"
	EventClusterStatus      EventType = "cluster.status"
	EventClusterShared      EventType = "cluster.shared"
	EventFilesystemExpanded EventType = "filesystem.expanded"
	EventConfigPersisted    EventType = "config.persisted"
)

const (
	queueSize      = 100
	subscriberSize = 50
)

// Event is one cluster event. Metadata keys are "service", "instance",
// "status" and the like depending on the type.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber receives events. It is closed by Unsubscribe.
type Subscriber chan *Event

// Broker fans events out to subscribers on its own goroutine. Publishing
// never blocks; a full queue or a slow subscriber loses events.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber][]EventType

	eventCh  chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBroker creates a broker; call Start to begin delivery
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber][]EventType),
		eventCh:     make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

func (b *Broker) Start() {
	go b.run()
}

// Stop ends delivery; later calls are no-ops
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, subscriberSize)
	b.subscribers[sub] = types
	return sub
}

// Unsubscribe removes and closes sub. Unknown subscribers are ignored.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues event, filling in its id and timestamp
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

// Emit publishes an event built from its parts. It is safe on a nil broker.
func (b *Broker) Emit(typ EventType, message string, metadata map[string]string) {
	if b == nil {
		return
	}
	b.Publish(&Event{Type: typ, Message: message, Metadata: metadata})
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
	for sub, types := range b.subscribers {
		if len(types) > 0 && !slices.Contains(types, event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
