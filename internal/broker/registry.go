package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "fxify-trader/internal/errors"
)

// Factory constructs a Broker from client options.
type Factory func(opts Options) (Broker, error)

// Registry maps broker types to constructors. Types are resolved at startup;
// an unregistered type is an error, never a silent skip.
type Registry struct {
	mu        sync.RWMutex
	factories map[BrokerType]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[BrokerType]Factory)}
}

// Register adds or replaces the constructor for t.
func (r *Registry) Register(t BrokerType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// New constructs a broker of type t.
func (r *Registry) New(t BrokerType, opts Options) (Broker, error) {
	r.mu.RLock()
	f, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", apperrors.ErrUnknownBroker, t, strings.Join(r.typeNames(), ", "))
	}
	return f(opts)
}

// Types returns the registered broker types in sorted order.
func (r *Registry) Types() []BrokerType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]BrokerType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (r *Registry) typeNames() []string {
	types := r.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

// ParseBrokerType normalizes a configured type name.
func ParseBrokerType(s string) BrokerType {
	return BrokerType(strings.ToLower(strings.TrimSpace(s)))
}

// DefaultRegistry returns a registry with the MT4, MT5, IB and paper brokers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(BrokerMT4, func(opts Options) (Broker, error) {
		return NewClient(NewMT4Codec(), opts), nil
	})
	r.Register(BrokerMT5, func(opts Options) (Broker, error) {
		return NewClient(NewMT5Codec(), opts), nil
	})
	r.Register(BrokerIB, func(opts Options) (Broker, error) {
		return NewClient(NewIBCodec(0), opts), nil
	})
	r.Register(BrokerPaper, func(opts Options) (Broker, error) {
		return NewPaperBroker(PaperBrokerConfig{Name: opts.Name, Logger: opts.Logger}), nil
	})
	return r
}
