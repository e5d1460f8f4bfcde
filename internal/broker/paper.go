package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "fxify-trader/internal/errors"
	"fxify-trader/internal/events"
	"fxify-trader/internal/models"
)

// DefaultContractSize is the number of base units per standard FX lot.
const DefaultContractSize = 100000

// PaperBroker implements the Broker interface for paper trading simulation.
// Market orders fill at the last quote; pending orders fill when a quote
// crosses their price.
type PaperBroker struct {
	name string
	// Optional real bridge for market and historical data
	dataSource Broker

	bus   *events.Bus
	cache *events.Cache
	log   zerolog.Logger

	contractSize float64
	leverage     int
	currency     string

	mu        sync.RWMutex
	connected bool
	balance   float64
	positions map[string]*models.Position
	orders    map[string]*models.Order
	quotes    map[string]models.Quote
	counter   int
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	Name           string
	DataSource     Broker
	InitialBalance float64
	ContractSize   float64
	Leverage       int
	Currency       string
	Logger         zerolog.Logger
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	if cfg.InitialBalance == 0 {
		cfg.InitialBalance = 100000
	}
	if cfg.ContractSize <= 0 {
		cfg.ContractSize = DefaultContractSize
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 100
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Name == "" {
		cfg.Name = string(BrokerPaper)
	}

	return &PaperBroker{
		name:         cfg.Name,
		dataSource:   cfg.DataSource,
		bus:          events.NewBus(cfg.Logger),
		cache:        events.NewCache(),
		log:          cfg.Logger.With().Str("broker", cfg.Name).Logger(),
		contractSize: cfg.ContractSize,
		leverage:     cfg.Leverage,
		currency:     cfg.Currency,
		balance:      cfg.InitialBalance,
		positions:    make(map[string]*models.Position),
		orders:       make(map[string]*models.Order),
		quotes:       make(map[string]models.Quote),
	}
}

func (p *PaperBroker) Name() string { return p.name }

func (p *PaperBroker) Type() BrokerType { return BrokerPaper }

func (p *PaperBroker) Events() *events.Bus { return p.bus }

func (p *PaperBroker) Cache() *events.Cache { return p.cache }

// Connect marks the simulator as connected.
func (p *PaperBroker) Connect(ctx context.Context) error {
	p.mu.Lock()
	already := p.connected
	p.connected = true
	p.mu.Unlock()

	if !already {
		p.bus.Publish(events.Event{Type: events.Connected, Broker: p.name, Timestamp: time.Now().UTC()})
	}
	return nil
}

// Disconnect marks the simulator as disconnected. Positions survive.
func (p *PaperBroker) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	was := p.connected
	p.connected = false
	p.mu.Unlock()

	if was {
		p.bus.Publish(events.Event{Type: events.Disconnected, Broker: p.name, Err: apperrors.ErrConnectionClosed, Timestamp: time.Now().UTC()})
	}
	return nil
}

// IsConnected reports whether Connect has been called.
func (p *PaperBroker) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *PaperBroker) requireConnected() error {
	if !p.IsConnected() {
		return apperrors.ErrNotConnected
	}
	return nil
}

// GetAccountInfo returns the simulated account with floating P/L in equity.
func (p *PaperBroker) GetAccountInfo(ctx context.Context) (*models.AccountSnapshot, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	acct := p.accountLocked()
	p.mu.RUnlock()

	p.cache.SetAccount(acct)
	return &acct, nil
}

func (p *PaperBroker) accountLocked() models.AccountSnapshot {
	equity := p.balance
	margin := 0.0
	for _, pos := range p.positions {
		equity += pos.Profit
		margin += pos.Volume * p.contractSize * pos.CurrentPrice / float64(p.leverage)
	}
	return models.AccountSnapshot{
		Login:      p.name,
		Currency:   p.currency,
		Balance:    p.balance,
		Equity:     equity,
		Margin:     margin,
		FreeMargin: equity - margin,
		Leverage:   p.leverage,
		Timestamp:  time.Now().UTC(),
	}
}

// GetPositions returns simulated positions sorted by ticket.
func (p *PaperBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	positions := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		positions = append(positions, *pos)
	}
	p.mu.RUnlock()

	sort.Slice(positions, func(i, j int) bool { return ticketLess(positions[i].Ticket, positions[j].Ticket) })
	p.cache.SetPositions(positions)
	return positions, nil
}

// GetOrders returns resting paper orders sorted by ticket.
func (p *PaperBroker) GetOrders(ctx context.Context) ([]models.Order, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	orders := make([]models.Order, 0, len(p.orders))
	for _, o := range p.orders {
		orders = append(orders, *o)
	}
	p.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool { return ticketLess(orders[i].Ticket, orders[j].Ticket) })
	p.cache.SetOrders(orders)
	return orders, nil
}

func ticketLess(a, b string) bool {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}

// GetMarketData returns the last simulated quotes, or fetches them from the
// data source when one is configured.
func (p *PaperBroker) GetMarketData(ctx context.Context, symbols []string) ([]models.Quote, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}
	if p.dataSource != nil {
		quotes, err := p.dataSource.GetMarketData(ctx, symbols)
		if err != nil {
			return nil, err
		}
		for _, q := range quotes {
			p.UpdateQuote(q)
		}
		return quotes, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	quotes := make([]models.Quote, 0, len(symbols))
	for _, s := range symbols {
		q, ok := p.quotes[s]
		if !ok {
			return quotes, fmt.Errorf("no price for %s", s)
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// SubscribeMarketData forwards to the data source; without one, ticks only
// arrive through UpdateQuote.
func (p *PaperBroker) SubscribeMarketData(ctx context.Context, symbols []string) error {
	if err := p.requireConnected(); err != nil {
		return err
	}
	if p.dataSource != nil {
		return p.dataSource.SubscribeMarketData(ctx, symbols)
	}
	return nil
}

func (p *PaperBroker) UnsubscribeMarketData(ctx context.Context, symbols []string) error {
	if err := p.requireConnected(); err != nil {
		return err
	}
	if p.dataSource != nil {
		return p.dataSource.UnsubscribeMarketData(ctx, symbols)
	}
	return nil
}

// GetHistoricalData fetches historical data from the data source.
func (p *PaperBroker) GetHistoricalData(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	if p.dataSource != nil {
		return p.dataSource.GetHistoricalData(ctx, req)
	}
	return nil, fmt.Errorf("no data source configured")
}

func (p *PaperBroker) nextTicket() string {
	p.counter++
	return strconv.Itoa(p.counter)
}

func fillPrice(q models.Quote, dir models.Direction) float64 {
	if dir == models.DirectionBuy {
		if q.Ask > 0 {
			return q.Ask
		}
	} else if q.Bid > 0 {
		return q.Bid
	}
	return q.Mid()
}

// PlaceMarketOrder simulates an immediate fill at the current quote.
func (p *PaperBroker) PlaceMarketOrder(ctx context.Context, order models.OrderRequest) (*models.OrderResult, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}
	if err := ValidateRequest(order); err != nil {
		return nil, err
	}

	p.mu.Lock()
	price := order.Price
	if q, ok := p.quotes[order.Symbol]; ok {
		price = fillPrice(q, order.Direction)
	}
	if price <= 0 {
		p.mu.Unlock()
		return &models.OrderResult{Success: false, Message: "no price for " + order.Symbol}, nil
	}
	pos := p.openLocked(order.Symbol, order.Direction, order.Volume, price, order.StopLoss, order.TakeProfit, order.Comment)
	acct := p.accountLocked()
	p.mu.Unlock()

	p.publishPosition(pos, events.ActionUpdate)
	p.publishAccount(acct)
	return &models.OrderResult{
		Success: true,
		Ticket:  pos.Ticket,
		Price:   price,
		Volume:  order.Volume,
		Message: "Paper order filled",
	}, nil
}

func (p *PaperBroker) openLocked(symbol string, dir models.Direction, volume, price, sl, tp float64, comment string) models.Position {
	pos := &models.Position{
		Ticket:       p.nextTicket(),
		Symbol:       symbol,
		Direction:    dir,
		Volume:       volume,
		OpenPrice:    price,
		CurrentPrice: price,
		StopLoss:     sl,
		TakeProfit:   tp,
		Status:       "open",
		Comment:      comment,
		OpenedAt:     time.Now().UTC(),
	}
	if q, ok := p.quotes[symbol]; ok {
		p.revalueLocked(pos, q)
	}
	p.positions[pos.Ticket] = pos
	return *pos
}

// PlacePendingOrder rests a limit or stop order until a quote crosses it.
func (p *PaperBroker) PlacePendingOrder(ctx context.Context, order models.OrderRequest) (*models.OrderResult, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}
	if err := ValidateRequest(order); err != nil {
		return nil, err
	}
	if !order.Type.IsPending() || order.Price <= 0 {
		return nil, apperrors.NewValidationError("type", order.Type, "pending orders require a pending type and a price")
	}

	p.mu.Lock()
	o := &models.Order{
		Ticket:     p.nextTicket(),
		Symbol:     order.Symbol,
		Direction:  order.Direction,
		Type:       order.Type,
		Volume:     order.Volume,
		OpenPrice:  order.Price,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
		Status:     "pending",
		Comment:    order.Comment,
		PlacedAt:   time.Now().UTC(),
	}
	p.orders[o.Ticket] = o
	snapshot := *o
	p.mu.Unlock()

	p.publishOrder(snapshot, events.ActionUpdate)
	return &models.OrderResult{Success: true, Ticket: snapshot.Ticket, Price: snapshot.OpenPrice, Volume: snapshot.Volume, Message: "Paper order placed"}, nil
}

// ModifyOrder changes a resting order or the protective levels of a position.
func (p *PaperBroker) ModifyOrder(ctx context.Context, ticket string, mod models.OrderModification) (*models.OrderResult, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if pos, ok := p.positions[ticket]; ok {
		applyModification(&pos.StopLoss, &pos.TakeProfit, nil, mod)
		if mod.Volume != nil && *mod.Volume > pos.Volume {
			pos.Volume = *mod.Volume
		}
		snapshot := *pos
		p.mu.Unlock()
		p.publishPosition(snapshot, events.ActionUpdate)
		return &models.OrderResult{Success: true, Ticket: ticket, Volume: snapshot.Volume, Message: "Paper position modified"}, nil
	}
	if o, ok := p.orders[ticket]; ok {
		applyModification(&o.StopLoss, &o.TakeProfit, &o.OpenPrice, mod)
		if mod.Volume != nil {
			o.Volume = *mod.Volume
		}
		snapshot := *o
		p.mu.Unlock()
		p.publishOrder(snapshot, events.ActionUpdate)
		return &models.OrderResult{Success: true, Ticket: ticket, Price: snapshot.OpenPrice, Volume: snapshot.Volume, Message: "Paper order modified"}, nil
	}
	p.mu.Unlock()
	return nil, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, ticket)
}

// CancelOrder simulates order cancellation.
func (p *PaperBroker) CancelOrder(ctx context.Context, ticket string) (*models.OrderResult, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	o, ok := p.orders[ticket]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("order not found: %s", ticket)
	}
	delete(p.orders, ticket)
	o.Status = "cancelled"
	snapshot := *o
	p.mu.Unlock()

	p.publishOrder(snapshot, events.ActionRemove)
	return &models.OrderResult{Success: true, Ticket: ticket, Message: "Paper order cancelled"}, nil
}

// ClosePosition realizes P/L for volume lots; zero closes the whole position.
func (p *PaperBroker) ClosePosition(ctx context.Context, ticket string, volume float64) (*models.OrderResult, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	pos, ok := p.positions[ticket]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, ticket)
	}
	if volume <= 0 || volume > pos.Volume {
		volume = pos.Volume
	}

	realized := pos.Profit * volume / pos.Volume
	p.balance += realized
	pos.Profit -= realized
	pos.Volume = math.Round((pos.Volume-volume)*100) / 100

	action := events.ActionUpdate
	if pos.Volume <= 0 {
		delete(p.positions, ticket)
		pos.Status = "closed"
		action = events.ActionRemove
	}
	snapshot := *pos
	acct := p.accountLocked()
	p.mu.Unlock()

	p.publishPosition(snapshot, action)
	p.publishAccount(acct)
	return &models.OrderResult{Success: true, Ticket: ticket, Price: snapshot.CurrentPrice, Volume: volume, Message: "Paper position closed"}, nil
}

// UpdateQuote feeds a price into the simulator: positions are revalued and
// crossed pending orders are filled.
func (p *PaperBroker) UpdateQuote(q models.Quote) {
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	p.quotes[q.Symbol] = q
	var changed []models.Position
	for _, pos := range p.positions {
		if pos.Symbol == q.Symbol {
			p.revalueLocked(pos, q)
			changed = append(changed, *pos)
		}
	}
	var filled []models.Order
	for ticket, o := range p.orders {
		if o.Symbol != q.Symbol || !crosses(*o, q) {
			continue
		}
		delete(p.orders, ticket)
		o.Status = "filled"
		filled = append(filled, *o)
		changed = append(changed, p.openLocked(o.Symbol, o.Direction, o.Volume, o.OpenPrice, o.StopLoss, o.TakeProfit, o.Comment))
	}
	acct := p.accountLocked()
	p.mu.Unlock()

	p.cache.SetQuote(q)
	p.bus.Publish(events.Event{Type: events.Tick, Broker: p.name, Quote: &q, Timestamp: q.Timestamp})
	for _, o := range filled {
		p.publishOrder(o, events.ActionRemove)
	}
	for _, pos := range changed {
		p.publishPosition(pos, events.ActionUpdate)
	}
	if len(changed) > 0 {
		p.publishAccount(acct)
	}
}

// crosses reports whether q triggers the resting order o.
func crosses(o models.Order, q models.Quote) bool {
	price := fillPrice(q, o.Direction)
	switch o.Type {
	case models.OrderTypeLimit:
		if o.Direction == models.DirectionBuy {
			return price <= o.OpenPrice
		}
		return price >= o.OpenPrice
	case models.OrderTypeStop, models.OrderTypeStopLimit:
		if o.Direction == models.DirectionBuy {
			return price >= o.OpenPrice
		}
		return price <= o.OpenPrice
	}
	return false
}

func (p *PaperBroker) revalueLocked(pos *models.Position, q models.Quote) {
	// Positions close on the opposite side of the book.
	price := fillPrice(q, pos.Direction.Opposite())
	pos.CurrentPrice = price
	diff := price - pos.OpenPrice
	if pos.Direction == models.DirectionSell {
		diff = -diff
	}
	pos.Profit = diff * pos.Volume * p.contractSize
}

func (p *PaperBroker) publishPosition(pos models.Position, action events.Action) {
	e := events.Event{Type: events.Position, Broker: p.name, Action: action, Position: &pos, Timestamp: time.Now().UTC()}
	p.cache.Apply(e)
	p.bus.Publish(e)
}

func (p *PaperBroker) publishOrder(o models.Order, action events.Action) {
	e := events.Event{Type: events.Order, Broker: p.name, Action: action, Order: &o, Timestamp: time.Now().UTC()}
	p.cache.Apply(e)
	p.bus.Publish(e)
}

func (p *PaperBroker) publishAccount(acct models.AccountSnapshot) {
	e := events.Event{Type: events.Account, Broker: p.name, Account: &acct, Timestamp: acct.Timestamp}
	p.cache.Apply(e)
	p.bus.Publish(e)
}

// Reset resets the paper broker to initial state.
func (p *PaperBroker) Reset(initialBalance float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.balance = initialBalance
	p.positions = make(map[string]*models.Position)
	p.orders = make(map[string]*models.Order)
	p.quotes = make(map[string]models.Quote)
	p.counter = 0
	p.cache.Reset()
}

// Ensure PaperBroker implements Broker interface
var _ Broker = (*PaperBroker)(nil)
