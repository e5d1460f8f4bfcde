package events

import (
	"sort"
	"sync"

	"fxify-trader/internal/models"
)

// Cache holds the last known quotes, positions, orders and account snapshot
// for one connection.
type Cache struct {
	mu        sync.RWMutex
	quotes    map[string]models.Quote
	positions map[string]models.Position
	orders    map[string]models.Order
	account   *models.AccountSnapshot
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		quotes:    make(map[string]models.Quote),
		positions: make(map[string]models.Position),
		orders:    make(map[string]models.Order),
	}
}

// Apply folds a bus event into the cache.
func (c *Cache) Apply(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case Tick:
		if e.Quote != nil {
			c.quotes[e.Quote.Symbol] = *e.Quote
		}
	case Position:
		if e.Position == nil {
			return
		}
		if e.Action == ActionRemove {
			delete(c.positions, e.Position.Ticket)
		} else {
			c.positions[e.Position.Ticket] = *e.Position
		}
	case Order:
		if e.Order == nil {
			return
		}
		if e.Action == ActionRemove {
			delete(c.orders, e.Order.Ticket)
		} else {
			c.orders[e.Order.Ticket] = *e.Order
		}
	case Account:
		if e.Account != nil {
			snap := *e.Account
			c.account = &snap
		}
	}
}

// SetAccount overwrites the account snapshot.
func (c *Cache) SetAccount(a models.AccountSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = &a
}

// SetPositions replaces every cached position.
func (c *Cache) SetPositions(positions []models.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions = make(map[string]models.Position, len(positions))
	for _, p := range positions {
		c.positions[p.Ticket] = p
	}
}

// SetOrders replaces every cached order.
func (c *Cache) SetOrders(orders []models.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = make(map[string]models.Order, len(orders))
	for _, o := range orders {
		c.orders[o.Ticket] = o
	}
}

// SetPosition upserts one position.
func (c *Cache) SetPosition(p models.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[p.Ticket] = p
}

// SetOrder upserts one order.
func (c *Cache) SetOrder(o models.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[o.Ticket] = o
}

// Order returns a cached order by ticket.
func (c *Cache) Order(ticket string) (models.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[ticket]
	return o, ok
}

// SetQuote stores a quote.
func (c *Cache) SetQuote(q models.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Symbol] = q
}

// RemovePosition drops a position by ticket.
func (c *Cache) RemovePosition(ticket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, ticket)
}

// RemoveOrder drops an order by ticket.
func (c *Cache) RemoveOrder(ticket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, ticket)
}

// Account returns the last known account snapshot.
func (c *Cache) Account() (models.AccountSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.account == nil {
		return models.AccountSnapshot{}, false
	}
	return *c.account, true
}

// Quote returns the last known quote for symbol.
func (c *Cache) Quote(symbol string) (models.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok
}

// Position returns a cached position by ticket.
func (c *Cache) Position(ticket string) (models.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[ticket]
	return p, ok
}

// Positions returns cached positions ordered by ticket.
func (c *Cache) Positions() []models.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Orders returns cached orders ordered by ticket.
func (c *Cache) Orders() []models.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Order, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Reset clears every cached value.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes = make(map[string]models.Quote)
	c.positions = make(map[string]models.Position)
	c.orders = make(map[string]models.Order)
	c.account = nil
}
