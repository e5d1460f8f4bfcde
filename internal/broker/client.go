package broker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fxify-trader/internal/correlator"
	apperrors "fxify-trader/internal/errors"
	"fxify-trader/internal/events"
	"fxify-trader/internal/logging"
	"fxify-trader/internal/models"
	"fxify-trader/internal/transport"
)

// Options configures a bridge client.
type Options struct {
	Name        string
	Address     string
	Credentials Credentials
	// Transport overrides the connection defaults. Address, Framer and
	// Logger are always set by the client.
	Transport      *transport.Config
	CommandTimeout time.Duration
	Logger         zerolog.Logger
}

// resetter is implemented by codecs that hold per-connection state.
type resetter interface {
	Reset()
}

// Client is the bridge-backed Broker. One Client owns one connection; the
// codec is the only part that differs between bridge variants.
type Client struct {
	name  string
	codec Codec
	creds Credentials
	log   zerolog.Logger

	conn  *transport.Conn
	corr  *correlator.Correlator
	bus   *events.Bus
	cache *events.Cache

	mu            sync.Mutex
	subscriptions map[string]struct{}
	connectedOnce bool
}

// NewClient creates a client for the bridge at opts.Address.
func NewClient(codec Codec, opts Options) *Client {
	name := opts.Name
	if name == "" {
		name = string(codec.Type())
	}
	log := logging.WithBroker(opts.Logger, name, string(codec.Type()))

	tcfg := transport.DefaultConfig(opts.Address)
	if opts.Transport != nil {
		tcfg = *opts.Transport
	}
	tcfg.Address = opts.Address
	tcfg.Framer = codec.Framer()
	tcfg.Logger = log

	c := &Client{
		name:          name,
		codec:         codec,
		creds:         opts.Credentials,
		log:           log,
		bus:           events.NewBus(log),
		cache:         events.NewCache(),
		subscriptions: make(map[string]struct{}),
	}
	c.conn = transport.NewConn(tcfg)
	c.corr = correlator.New(codec, c.conn, correlator.Config{Timeout: opts.CommandTimeout, Logger: log})

	c.conn.OnFrame(c.corr.HandleFrame)
	c.conn.OnStateChange(c.handleStateChange)
	c.conn.OnClose(c.handleClose)
	c.corr.OnPush(c.handlePush)
	return c
}

func (c *Client) Name() string { return c.name }

func (c *Client) Type() BrokerType { return c.codec.Type() }

func (c *Client) Events() *events.Bus { return c.bus }

func (c *Client) Cache() *events.Cache { return c.cache }

// State returns the connection state.
func (c *Client) State() transport.State { return c.conn.State() }

func (c *Client) IsConnected() bool {
	return c.conn.State() == transport.StateConnected
}

// Connect opens the bridge connection, authenticating when the codec asks
// for it. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	var handshake transport.Handshake
	if cmd, params, ok := c.codec.AuthRequest(c.creds); ok {
		handshake = func(ctx context.Context) error {
			_, err := c.corr.Send(ctx, cmd, params)
			return err
		}
	}
	if err := c.conn.Connect(ctx, handshake); err != nil {
		return apperrors.Wrapf(err, "connecting to %s", c.name)
	}
	return nil
}

// Disconnect closes the connection without reconnecting. Pending requests
// fail with ErrConnectionClosed.
func (c *Client) Disconnect(ctx context.Context) error {
	err := c.conn.Disconnect(ctx, c.codec.DisconnectRequest())
	c.corr.RejectAll(apperrors.ErrConnectionClosed)
	return err
}

func (c *Client) handleStateChange(from, to transport.State) {
	c.log.Debug().Str("from", from.String()).Str("state", to.String()).Msg("Connection state changed")
	if to != transport.StateConnected {
		return
	}

	c.mu.Lock()
	reconnected := c.connectedOnce
	c.connectedOnce = true
	c.mu.Unlock()

	c.bus.Publish(events.Event{Type: events.Connected, Broker: c.name, Timestamp: time.Now().UTC()})
	if reconnected {
		go c.restore()
	}
}

func (c *Client) handleClose(err error) {
	c.corr.RejectAll(err)
	if r, ok := c.codec.(resetter); ok {
		r.Reset()
	}
	c.bus.Publish(events.Event{Type: events.Disconnected, Broker: c.name, Err: err, Timestamp: time.Now().UTC()})
}

func (c *Client) handlePush(in correlator.Inbound) {
	evs, err := c.codec.DecodeEvent(in)
	if err != nil {
		c.log.Warn().Err(err).Str("event", in.Event).Msg("Dropping undecodable push")
		return
	}
	for _, e := range evs {
		e.Broker = c.name
		c.cache.Apply(e)
		c.bus.Publish(e)
	}
}

// restore re-establishes tick subscriptions and refreshes caches after a
// reconnect.
func (c *Client) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if symbols := c.Subscriptions(); len(symbols) > 0 {
		if err := c.SubscribeMarketData(ctx, symbols); err != nil {
			c.log.Warn().Err(err).Msg("Failed to restore subscriptions")
		}
	}
	if _, err := c.GetAccountInfo(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to refresh account after reconnect")
	}
	if _, err := c.GetPositions(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to refresh positions after reconnect")
	}
}

// Subscriptions returns the subscribed symbols in sorted order.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for s := range c.subscriptions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Client) call(ctx context.Context, op Operation, args any) (correlator.Inbound, error) {
	if !c.IsConnected() {
		return correlator.Inbound{}, apperrors.ErrNotConnected
	}
	cmd, params, err := c.codec.Request(op, args)
	if err != nil {
		return correlator.Inbound{}, apperrors.Wrap(err, op.String())
	}
	if !c.codec.Acknowledged(op) {
		return correlator.Inbound{}, c.corr.Notify(ctx, cmd, params)
	}
	return c.corr.Send(ctx, cmd, params)
}

func (c *Client) GetAccountInfo(ctx context.Context) (*models.AccountSnapshot, error) {
	resp, err := c.call(ctx, OpAccount, nil)
	if err != nil {
		return nil, err
	}
	acct, err := c.codec.DecodeAccount(resp.Data)
	if err != nil {
		return nil, apperrors.NewProtocolError(nil, err)
	}
	c.cache.SetAccount(acct)
	return &acct, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]models.Position, error) {
	resp, err := c.call(ctx, OpPositions, nil)
	if err != nil {
		return nil, err
	}
	positions, err := c.codec.DecodePositions(resp.Data)
	if err != nil {
		return nil, apperrors.NewProtocolError(nil, err)
	}
	c.cache.SetPositions(positions)
	return positions, nil
}

func (c *Client) GetOrders(ctx context.Context) ([]models.Order, error) {
	resp, err := c.call(ctx, OpOrders, nil)
	if err != nil {
		return nil, err
	}
	orders, err := c.codec.DecodeOrders(resp.Data)
	if err != nil {
		return nil, apperrors.NewProtocolError(nil, err)
	}
	c.cache.SetOrders(orders)
	return orders, nil
}

// GetMarketData fetches a fresh quote per symbol.
func (c *Client) GetMarketData(ctx context.Context, symbols []string) ([]models.Quote, error) {
	quotes := make([]models.Quote, 0, len(symbols))
	for _, symbol := range symbols {
		resp, err := c.call(ctx, OpMarketData, symbol)
		if err != nil {
			return quotes, err
		}
		qs, err := c.codec.DecodeQuotes(resp.Data)
		if err != nil {
			return quotes, apperrors.NewProtocolError(nil, err)
		}
		for _, q := range qs {
			if q.Symbol == "" {
				q.Symbol = symbol
			}
			c.cache.SetQuote(q)
			quotes = append(quotes, q)
		}
	}
	return quotes, nil
}

func (c *Client) SubscribeMarketData(ctx context.Context, symbols []string) error {
	return c.setSubscription(ctx, OpSubscribe, symbols)
}

func (c *Client) UnsubscribeMarketData(ctx context.Context, symbols []string) error {
	return c.setSubscription(ctx, OpUnsubscribe, symbols)
}

// setSubscription sends one request for all symbols, or one per symbol when
// the bridge does not acknowledge subscriptions.
func (c *Client) setSubscription(ctx context.Context, op Operation, symbols []string) error {
	if len(symbols) == 0 {
		return apperrors.NewValidationError("symbols", symbols, "at least one symbol is required")
	}

	batches := [][]string{symbols}
	if !c.codec.Acknowledged(op) {
		batches = batches[:0]
		for _, s := range symbols {
			batches = append(batches, []string{s})
		}
	}

	for _, batch := range batches {
		if _, err := c.call(ctx, op, batch); err != nil {
			return err
		}
		c.mu.Lock()
		for _, s := range batch {
			if op == OpSubscribe {
				c.subscriptions[s] = struct{}{}
			} else {
				delete(c.subscriptions, s)
			}
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) GetHistoricalData(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	if req.Symbol == "" {
		return nil, apperrors.NewValidationError("symbol", req.Symbol, "symbol is required")
	}
	resp, err := c.call(ctx, OpHistory, req)
	if err != nil {
		return nil, err
	}
	candles, err := c.codec.DecodeCandles(resp.Data)
	if err != nil {
		return nil, apperrors.NewProtocolError(nil, err)
	}
	return candles, nil
}

// ValidateRequest checks the fields every bridge requires.
func ValidateRequest(req models.OrderRequest) error {
	if strings.TrimSpace(req.Symbol) == "" {
		return apperrors.NewValidationError("symbol", req.Symbol, "symbol is required")
	}
	if !req.Direction.Valid() {
		return apperrors.NewValidationError("direction", req.Direction, "direction must be BUY or SELL")
	}
	if req.Volume <= 0 {
		return apperrors.NewValidationError("volume", req.Volume, "volume must be positive")
	}
	if req.StopLoss < 0 || req.TakeProfit < 0 || req.Price < 0 {
		return apperrors.NewValidationError("price", req.Price, "prices must not be negative")
	}
	return nil
}

func (c *Client) orderResult(resp correlator.Inbound) (*models.OrderResult, error) {
	res, err := c.codec.DecodeOrderResult(resp.Data)
	if err != nil {
		return nil, apperrors.NewProtocolError(nil, err)
	}
	return &res, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, order models.OrderRequest) (*models.OrderResult, error) {
	if err := ValidateRequest(order); err != nil {
		return nil, err
	}
	order.Type = models.OrderTypeMarket

	resp, err := c.call(ctx, OpMarketOrder, order)
	if err != nil {
		return nil, err
	}
	res, err := c.orderResult(resp)
	if err != nil {
		return nil, err
	}

	if res.Success && res.Ticket != "" {
		volume := res.Volume
		if volume <= 0 {
			volume = order.Volume
		}
		c.cache.Apply(events.Event{Type: events.Position, Action: events.ActionUpdate, Position: &models.Position{
			Ticket:     res.Ticket,
			Symbol:     order.Symbol,
			Direction:  order.Direction,
			Volume:     volume,
			OpenPrice:  res.Price,
			StopLoss:   order.StopLoss,
			TakeProfit: order.TakeProfit,
			Status:     "open",
			Comment:    order.Comment,
			OpenedAt:   time.Now().UTC(),
		}})
	}
	logging.LogOrder(c.log, res.Ticket, order.Symbol, string(order.Direction), order.Volume, resultStatus(res))
	return res, nil
}

func (c *Client) PlacePendingOrder(ctx context.Context, order models.OrderRequest) (*models.OrderResult, error) {
	if err := ValidateRequest(order); err != nil {
		return nil, err
	}
	if !order.Type.IsPending() {
		return nil, apperrors.NewValidationError("type", order.Type, "pending orders must be LIMIT, STOP or STOP_LIMIT")
	}
	if order.Price <= 0 {
		return nil, apperrors.NewValidationError("price", order.Price, "pending orders require a price")
	}

	resp, err := c.call(ctx, OpPendingOrder, order)
	if err != nil {
		return nil, err
	}
	res, err := c.orderResult(resp)
	if err != nil {
		return nil, err
	}

	if res.Success && res.Ticket != "" {
		c.cache.Apply(events.Event{Type: events.Order, Action: events.ActionUpdate, Order: &models.Order{
			Ticket:     res.Ticket,
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
		}})
	}
	logging.LogOrder(c.log, res.Ticket, order.Symbol, string(order.Direction), order.Volume, resultStatus(res))
	return res, nil
}

func (c *Client) ModifyOrder(ctx context.Context, ticket string, mod models.OrderModification) (*models.OrderResult, error) {
	args := ModifyArgs{Ticket: ticket, Mod: mod}
	if p, ok := c.cache.Position(ticket); ok {
		args.Position = &p
	} else if o, ok := c.cache.Order(ticket); ok {
		args.Order = &o
	}

	resp, err := c.call(ctx, OpModifyOrder, args)
	if err != nil {
		return nil, err
	}
	res, err := c.orderResult(resp)
	if err != nil {
		return nil, err
	}
	if res.Ticket == "" {
		res.Ticket = ticket
	}

	if res.Success {
		switch {
		case args.Position != nil:
			p := *args.Position
			applyModification(&p.StopLoss, &p.TakeProfit, nil, mod)
			c.cache.SetPosition(p)
		case args.Order != nil:
			o := *args.Order
			applyModification(&o.StopLoss, &o.TakeProfit, &o.OpenPrice, mod)
			if mod.Volume != nil {
				o.Volume = *mod.Volume
			}
			c.cache.SetOrder(o)
		}
	}
	return res, nil
}

func applyModification(sl, tp, price *float64, mod models.OrderModification) {
	if mod.StopLoss != nil {
		*sl = *mod.StopLoss
	}
	if mod.TakeProfit != nil {
		*tp = *mod.TakeProfit
	}
	if price != nil && mod.Price != nil {
		*price = *mod.Price
	}
}

func (c *Client) CancelOrder(ctx context.Context, ticket string) (*models.OrderResult, error) {
	resp, err := c.call(ctx, OpCancelOrder, ticket)
	if err != nil {
		return nil, err
	}
	res, err := c.orderResult(resp)
	if err != nil {
		return nil, err
	}
	if res.Ticket == "" {
		res.Ticket = ticket
	}
	if res.Success {
		c.cache.RemoveOrder(ticket)
	}
	return res, nil
}

func (c *Client) ClosePosition(ctx context.Context, ticket string, volume float64) (*models.OrderResult, error) {
	if volume < 0 {
		return nil, apperrors.NewValidationError("volume", volume, "volume must not be negative")
	}
	args := CloseArgs{Ticket: ticket, Volume: volume}
	if p, ok := c.cache.Position(ticket); ok {
		args.Position = &p
	}

	resp, err := c.call(ctx, OpClosePosition, args)
	if err != nil {
		return nil, err
	}
	res, err := c.orderResult(resp)
	if err != nil {
		return nil, err
	}
	if res.Ticket == "" {
		res.Ticket = ticket
	}

	if res.Success {
		if args.Position != nil && volume > 0 && volume < args.Position.Volume {
			p := *args.Position
			p.Volume -= volume
			c.cache.SetPosition(p)
		} else {
			c.cache.RemovePosition(ticket)
		}
	}
	symbol := ""
	if args.Position != nil {
		symbol = args.Position.Symbol
	}
	logging.LogOrder(c.log, ticket, symbol, "CLOSE", volume, resultStatus(res))
	return res, nil
}

func resultStatus(res *models.OrderResult) string {
	if res.Success {
		return "accepted"
	}
	return "rejected"
}
