package pubsub

import (
	"log"
	"sync"
	"sync/atomic"
)

// EventType is the type of event subscribers are listening for. raftcore
// defines the concrete EventShutdown/EventElectionTimeoutExpired/
// EventRoleChanged values this bus carries.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// IsBlocking: if true, the broker blocks to deliver to this subscriber
	// when its channel is full. Guarantees delivery but can stall the
	// whole bus behind one slow subscriber; leave false unless the
	// subscriber is known to drain promptly (e.g. a metrics observer).
	IsBlocking bool
}

// SubscriberID is a unique identifier for a single subscription instance,
// returned by Subscribe and required to Unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a generic event with compile-time type safety for payloads.
// Each instantiation is a distinct type: Event[RoleChangedPayload] !=
// Event[struct{}].
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber is the type-erased registry entry for one subscription. The
// registry can't hold chan *Event[T] for varying T directly, so each
// subscriber stores closures over its own typed channel instead; the
// closures share one signature but each captures a different T.
type subscriber struct {
	sendFunc   func(eventType EventType, payload any) bool
	closeFunc  func()
	Options    SubscriptionOptions
	NumDropped uint64
}

// PubSubClient is a thread-safe in-process event bus. internal/raftcore
// uses one instance per Core to fan out role changes and shutdown to
// whatever's listening (currently just the replication job loop).
type PubSubClient struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	registry map[EventType]map[SubscriberID]*subscriber

	// publishChan decouples Publish (the caller) from run (the broadcast
	// goroutine); unbuffered would make every Publish block on run.
	publishChan chan struct {
		eventType EventType
		payload   any
	}

	shuttingDown atomic.Bool
}

// Subscribe registers a subscriber for eventType with compile-time type
// safety. The caller owns ch, so it controls buffering.
//
// Go doesn't allow a method to declare its own type parameter, so this is
// a free function taking the client explicitly, the same shape as
// slices.Sort[T](s).
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))

	sub := &subscriber{
		Options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typedPayload, ok := payload.(T)
			if !ok {
				log.Printf("[PUBSUB] type mismatch for event %v: expected %T, got %T", evType, *new(T), payload)
				return false
			}

			event := &Event[T]{Type: evType, Payload: typedPayload}

			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() {
			close(ch)
		},
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber for a given event type and closes its
// channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if subscribers, ok := p.registry[eventType]; ok {
		if sub, ok := subscribers[id]; ok {
			delete(subscribers, id)
			sub.closeFunc()
			if len(subscribers) == 0 {
				delete(p.registry, eventType)
			}
		}
	}
}

// Publish broadcasts an event via the PubSubClient. Free function for the
// same reason Subscribe is: PubSubClient itself isn't generic.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Holding RLock here prevents sending on a channel GracefulShutdown/
	// ForceShutdown might close concurrently: closing requires the write
	// Lock, which can't be acquired while this RLock is held.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		return
	}

	p.publishChan <- struct {
		eventType EventType
		payload   any
	}{
		eventType: event.Type,
		payload:   event.Payload,
	}
}

// ForceShutdown stops accepting publishes and closes the channel
// immediately, without waiting for buffered events to drain.
func (p *PubSubClient) ForceShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown.Load() {
		return
	}
	p.shuttingDown.Store(true)
	close(p.publishChan)
}

// GracefulShutdown drains any buffered events, then blocks until the
// broadcast goroutine exits.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Load() {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}

	p.shuttingDown.Store(true)
	close(p.publishChan)
	p.mu.Unlock()

	p.wg.Wait()
}

// run is the sole broadcast goroutine; every Publish funnels through it so
// the registry only needs an RLock during fan-out, never a per-subscriber
// lock.
func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		if subscribers, ok := p.registry[msg.eventType]; ok {
			for _, sub := range subscribers {
				if sent := sub.sendFunc(msg.eventType, msg.payload); !sent && !sub.Options.IsBlocking {
					atomic.AddUint64(&sub.NumDropped, 1)
				}
			}
		}
		p.mu.RUnlock()
	}
}

func NewPubSub() *PubSubClient {
	p := &PubSubClient{
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan struct {
			eventType EventType
			payload   any
		}, 100),
	}

	p.wg.Add(1)
	go p.run()

	return p
}
