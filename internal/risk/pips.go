package risk

import (
	"strings"
	"sync"
)

// PipSpec is the pip size of a symbol and the account-currency value of one
// pip on one lot.
type PipSpec struct {
	Size  float64
	Value float64
}

// Fallback pip specs by instrument class.
var (
	DefaultPip = PipSpec{Size: 0.0001, Value: 10}
	JPYPip     = PipSpec{Size: 0.01, Value: 9}
	GoldPip    = PipSpec{Size: 0.1, Value: 10}
	SilverPip  = PipSpec{Size: 0.01, Value: 50}
)

// PipTable resolves pip specs per symbol. Overrides win over the class
// defaults. The zero value is usable.
type PipTable struct {
	mu        sync.RWMutex
	overrides map[string]PipSpec
	fallback  PipSpec
}

// NewPipTable creates a table with a fallback for unknown symbols.
func NewPipTable(fallback PipSpec) *PipTable {
	if fallback.Size <= 0 || fallback.Value <= 0 {
		fallback = DefaultPip
	}
	return &PipTable{overrides: make(map[string]PipSpec), fallback: fallback}
}

// Set overrides the spec for symbol.
func (t *PipTable) Set(symbol string, spec PipSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.overrides == nil {
		t.overrides = make(map[string]PipSpec)
	}
	t.overrides[strings.ToUpper(symbol)] = spec
}

// Lookup returns the pip spec for symbol.
func (t *PipTable) Lookup(symbol string) PipSpec {
	symbol = strings.ToUpper(symbol)

	t.mu.RLock()
	spec, ok := t.overrides[symbol]
	fallback := t.fallback
	t.mu.RUnlock()
	if ok {
		return spec
	}

	switch {
	case strings.HasPrefix(symbol, "XAU"):
		return GoldPip
	case strings.HasPrefix(symbol, "XAG"):
		return SilverPip
	case strings.Contains(symbol, "JPY"):
		return JPYPip
	}
	if fallback.Size <= 0 {
		return DefaultPip
	}
	return fallback
}
