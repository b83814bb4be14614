package events

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber queue depth.
	DefaultBufferSize = 100

	// EventTypeRunStarted is published once a provider process is running.
	EventTypeRunStarted = "RunStarted"
	// EventTypeRunSessionID is published when a run reports a new session id.
	EventTypeRunSessionID = "RunSessionID"
	// EventTypeRunSettled is published with the run's final result.
	EventTypeRunSettled = "RunSettled"
)

const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// Event is one run lifecycle notification.
type Event struct {
	Type      string
	Timestamp time.Time
	RunID     string
	Provider  string
	Payload   any
	Severity  string
}

// RunStarted is the payload of EventTypeRunStarted.
type RunStarted struct {
	Transport string
	PID       int
	WorkDir   string
}

// RunSessionID is the payload of EventTypeRunSessionID.
type RunSessionID struct {
	SessionID string
}

// RunSettled is the payload of EventTypeRunSettled.
type RunSettled struct {
	Kind      string
	Reason    string
	ExitCode  int
	SessionID string
	Summary   string
	Duration  time.Duration
}

// Handler consumes a published event.
type Handler func(Event)

// Logger receives dropped-event warnings.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus is the publish side seen by run producers plus subscription.
type Bus interface {
	Subscribe(eventType string, handler Handler) func()
	SubscribeAll(handler Handler) func()
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize sets each subscriber's queue depth.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger sets the sink for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus fans events out to subscribers, each drained by its own
// goroutine. Publish never blocks: a subscriber whose queue is full misses
// the event and a warning is logged.
type InMemoryBus struct {
	bufferSize int
	logger     Logger

	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	closed bool

	drained sync.WaitGroup
}

type subscription struct {
	id        uint64
	eventType string
	queue     chan Event
	once      sync.Once
}

func (s *subscription) matches(eventType string) bool {
	return s.eventType == "" || s.eventType == eventType
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.queue) })
}

// New creates an in-memory event bus.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(bus)
		}
	}
	return bus
}

// Subscribe registers handler for one event type. The returned func removes
// the subscription; events already queued are still delivered.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return func() {}
	}
	return b.add(eventType, handler)
}

// SubscribeAll registers handler for every event type.
func (b *InMemoryBus) SubscribeAll(handler Handler) func() {
	return b.add("", handler)
}

func (b *InMemoryBus) add(eventType string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub := &subscription{
		id:        b.nextID,
		eventType: eventType,
		queue:     make(chan Event, b.bufferSize),
	}
	b.subs = append(b.subs, sub)
	b.drained.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.drained.Done()
		for event := range sub.queue {
			handler(event)
		}
	}()

	return func() { b.remove(sub) }
}

func (b *InMemoryBus) remove(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	target.stop()
}

// Publish stamps missing defaults and queues event for every matching
// subscriber in subscription order. Events published after Close are
// discarded.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	eventType := strings.TrimSpace(event.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.matches(eventType) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.logger.Printf("events: subscriber %d queue full, dropped %s for run %s (%s)",
				sub.id, event.Type, event.RunID, event.Provider)
		}
	}
}

// Close stops accepting events and waits until every subscriber has handled
// what was already queued.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, sub := range b.subs {
			sub.stop()
		}
		b.subs = nil
	}
	b.mu.Unlock()

	b.drained.Wait()
}

var _ Bus = (*InMemoryBus)(nil)
