package eventbus

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
)

// ErrBusStopped is returned by PublishAsync after Stop.
var ErrBusStopped = errors.New(errors.ErrorTypeInternal, "BUS_STOPPED", "event bus stopped")

// Handler represents an event handler function
type Handler func(event *Event)

// Tap observes traffic without taking part in delivery.
type Tap func(event *Event)

// Bus represents an event bus
type Bus interface {
	// Publish delivers an event to all subscribers in the caller's goroutine
	Publish(event *Event)

	// PublishAsync queues an event on the lane for its event family. It
	// blocks while the lane is full.
	PublishAsync(ctx context.Context, event *Event) error

	// Subscribe subscribes to events of one name
	Subscribe(name domain.EventName, handler Handler) (dispose func())

	// SubscribeAll subscribes to all events
	SubscribeAll(handler Handler) (dispose func())

	// Tap registers an observer for Observe
	Tap(tap Tap) (remove func())

	// Observe passes an event to every tap
	Observe(event *Event)

	// Start ties the bus lifetime to ctx
	Start(ctx context.Context)

	// Stop stops all lanes. Queued events are discarded.
	Stop()
}

// subscription represents a single subscription
type subscription struct {
	id      string
	name    domain.EventName
	handler Handler
	active  atomic.Bool
}

type lane struct {
	events chan *Event
}

// InMemoryBus is an in-memory implementation of the event bus. Each event
// family (see domain.EventName.Family) gets its own lane goroutine, so the
// chunks and the completion of one AI stream, or a typing start and its
// stop, are delivered in the order they were published. A slow handler only
// delays its own family.
type InMemoryBus struct {
	subscribers map[domain.EventName][]*subscription
	allHandlers []*subscription
	taps        []*subscription
	mu          sync.RWMutex

	lanes      map[string]*lane
	lanesMu    sync.Mutex
	bufferSize int

	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInMemoryBus creates a new in-memory event bus. bufferSize is the
// capacity of each lane.
func NewInMemoryBus(bufferSize int, logger *logging.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryBus{
		subscribers: make(map[domain.EventName][]*subscription),
		lanes:       make(map[string]*lane),
		bufferSize:  bufferSize,
		logger:      logger.Component("eventbus"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Publish publishes an event synchronously. Subscribers are snapshotted
// first, so handlers may subscribe or dispose while it runs.
func (b *InMemoryBus) Publish(event *Event) {
	b.mu.RLock()
	subs := b.subscribers[event.Name]
	all := b.allHandlers
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(sub, event)
	}
	for _, sub := range all {
		b.invoke(sub, event)
	}
}

// PublishAsync publishes an event on the lane of its family
func (b *InMemoryBus) PublishAsync(ctx context.Context, event *Event) error {
	l, err := b.lane(event.Name.Family())
	if err != nil {
		return err
	}

	select {
	case l.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrBusStopped
	}
}

// Subscribe subscribes to events of a specific name
func (b *InMemoryBus) Subscribe(name domain.EventName, handler Handler) func() {
	sub := newSubscription(name, handler)

	b.mu.Lock()
	b.subscribers[name] = append(b.subscribers[name], sub)
	b.mu.Unlock()

	return b.disposer(sub, func() {
		b.subscribers[name] = without(b.subscribers[name], sub)
		if len(b.subscribers[name]) == 0 {
			delete(b.subscribers, name)
		}
	})
}

// SubscribeAll subscribes to all events
func (b *InMemoryBus) SubscribeAll(handler Handler) func() {
	sub := newSubscription("", handler)

	b.mu.Lock()
	b.allHandlers = append(b.allHandlers, sub)
	b.mu.Unlock()

	return b.disposer(sub, func() {
		b.allHandlers = without(b.allHandlers, sub)
	})
}

// Tap registers a traffic observer
func (b *InMemoryBus) Tap(tap Tap) func() {
	sub := newSubscription("", Handler(tap))

	b.mu.Lock()
	b.taps = append(b.taps, sub)
	b.mu.Unlock()

	return b.disposer(sub, func() {
		b.taps = without(b.taps, sub)
	})
}

// Observe passes event to every tap
func (b *InMemoryBus) Observe(event *Event) {
	b.mu.RLock()
	taps := b.taps
	b.mu.RUnlock()

	for _, tap := range taps {
		b.invoke(tap, event)
	}
}

// Start stops the bus once ctx is done
func (b *InMemoryBus) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			b.Stop()
		case <-b.ctx.Done():
		}
	}()
}

// Stop stops the event bus. It must not be called from a handler.
func (b *InMemoryBus) Stop() {
	b.lanesMu.Lock()
	b.cancel()
	b.lanesMu.Unlock()

	b.wg.Wait()
}

// Subscribers returns the number of live subscriptions for name
func (b *InMemoryBus) Subscribers(name domain.EventName) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[name])
}

// Lanes returns the number of lanes started so far
func (b *InMemoryBus) Lanes() int {
	b.lanesMu.Lock()
	defer b.lanesMu.Unlock()
	return len(b.lanes)
}

func (b *InMemoryBus) lane(family string) (*lane, error) {
	b.lanesMu.Lock()
	defer b.lanesMu.Unlock()

	if b.ctx.Err() != nil {
		return nil, ErrBusStopped
	}

	l, ok := b.lanes[family]
	if !ok {
		l = &lane{events: make(chan *Event, b.bufferSize)}
		b.lanes[family] = l
		b.wg.Add(1)
		go b.run(l)
	}
	return l, nil
}

// run delivers events of one lane in order
func (b *InMemoryBus) run(l *lane) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-l.events:
			b.Publish(event)
		}
	}
}

func (b *InMemoryBus) invoke(sub *subscription, event *Event) {
	if !sub.active.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", event.Name,
				"subscription", sub.id,
				"panic", r,
			)
		}
	}()

	sub.handler(event)
}

func (b *InMemoryBus) disposer(sub *subscription, remove func()) func() {
	return func() {
		if !sub.active.CompareAndSwap(true, false) {
			return
		}
		b.mu.Lock()
		remove()
		b.mu.Unlock()
	}
}

func newSubscription(name domain.EventName, handler Handler) *subscription {
	sub := &subscription{
		id:      xid.New().String(),
		name:    name,
		handler: handler,
	}
	sub.active.Store(true)
	return sub
}

// without returns a new slice so snapshots held by publishers stay intact
func without(subs []*subscription, target *subscription) []*subscription {
	return slices.DeleteFunc(slices.Clone(subs), func(s *subscription) bool {
		return s == target
	})
}
