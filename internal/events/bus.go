// Package events provides the typed publish/subscribe bus for bridge push
// messages and the last-known-value caches they feed.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fxify-trader/internal/logging"
	"fxify-trader/internal/models"
)

// Type enumerates the event channels.
type Type int

const (
	Tick Type = iota
	Position
	Order
	Account
	Connected
	Disconnected
	Error
	RuleViolation
)

var typeNames = map[Type]string{
	Tick:          "tick",
	Position:      "position",
	Order:         "order",
	Account:       "account",
	Connected:     "connected",
	Disconnected:  "disconnected",
	Error:         "error",
	RuleViolation: "fxify:rule_violation",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Types returns every event type in declaration order.
func Types() []Type {
	return []Type{Tick, Position, Order, Account, Connected, Disconnected, Error, RuleViolation}
}

// Action distinguishes an upsert from a removal for position and order events.
type Action string

const (
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
)

// Event is a single message on the bus. Only the fields relevant to Type are set.
type Event struct {
	Type       Type
	Broker     string
	Action     Action
	Quote      *models.Quote
	Position   *models.Position
	Order      *models.Order
	Account    *models.AccountSnapshot
	Request    *models.OrderRequest
	Violations []models.RuleViolation
	Err        error
	// Name is the bridge's own event name, e.g. "POSITION_CLOSE".
	Name      string
	Timestamp time.Time
}

// Handler receives events.
type Handler func(Event)

// Token identifies a subscription for Unsubscribe.
type Token uint64

type subscription struct {
	token   Token
	handler Handler
}

// Bus dispatches events synchronously to subscribers in registration order.
type Bus struct {
	mu   sync.RWMutex
	subs map[Type][]subscription
	next atomic.Uint64
	log  zerolog.Logger

	published atomic.Uint64
	panics    atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[Type][]subscription),
		log:  logging.WithComponent(logger, "events"),
	}
}

// Subscribe registers handler for one event type.
func (b *Bus) Subscribe(t Type, handler Handler) Token {
	token := Token(b.next.Add(1))
	b.mu.Lock()
	b.subs[t] = append(b.subs[t], subscription{token: token, handler: handler})
	b.mu.Unlock()
	return token
}

// Unsubscribe removes a subscription. It reports whether the token was found.
func (b *Bus) Unsubscribe(token Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subs {
		for i, sub := range subs {
			if sub.token != token {
				continue
			}
			// Copy so an in-flight Publish keeps its snapshot intact.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, t)
			} else {
				b.subs[t] = next
			}
			return true
		}
	}
	return false
}

// Publish delivers e to the type's subscribers in registration order. A
// panicking handler is logged and skipped.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subs[e.Type]
	b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range subs {
		b.dispatch(sub, e)
	}
}

func (b *Bus) dispatch(sub subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.log.Error().
				Str("event", e.Type.String()).
				Uint64("token", uint64(sub.token)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	sub.handler(e)
}

// Stats returns published and recovered-panic counters.
func (b *Bus) Stats() (published, panics uint64) {
	return b.published.Load(), b.panics.Load()
}

// Channel adapts a subscription to a buffered channel for consumers on
// another goroutine, such as a UI forwarder. When the buffer is full the
// event is dropped rather than blocking the connection's reader.
func (b *Bus) Channel(t Type, size int) (<-chan Event, Token) {
	if size <= 0 {
		size = 100
	}
	ch := make(chan Event, size)
	var dropped atomic.Uint64
	token := b.Subscribe(t, func(e Event) {
		select {
		case ch <- e:
		default:
			if n := dropped.Add(1); n%100 == 1 {
				b.log.Warn().Str("event", t.String()).Uint64("dropped", n).Msg("Slow consumer, dropping events")
			}
		}
	})
	return ch, token
}
