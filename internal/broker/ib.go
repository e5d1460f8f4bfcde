package broker

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"fxify-trader/internal/correlator"
	"fxify-trader/internal/events"
	"fxify-trader/internal/models"
	"fxify-trader/internal/transport"
)

// DefaultIBLotUnits is the number of base-currency units in one lot.
const DefaultIBLotUnits = 100000

// IB tick fields carried by tickPrice.
const (
	ibTickBid  = 1
	ibTickAsk  = 2
	ibTickLast = 4
)

// ibRequest is the positional payload handed to IBCodec.EncodeRequest.
// Ref names an existing object on the bridge: an order id for modify and
// cancel, a symbol for market data cancel.
type ibRequest struct {
	Ref    string
	Fields []string
}

type ibTicker struct {
	symbol   string
	snapshot bool
	quote    models.Quote
}

// IBCodec speaks the positional protocol of IB-style bridges: null-byte
// delimited messages of tab-separated fields, message type first.
//
// The protocol carries no request ids on most replies, so the codec keeps
// FIFO queues of the ids it issued per reply kind and assembles multi-message
// replies (account download, position and order lists, bars) into one
// Inbound addressed to the waiting request.
type IBCodec struct {
	lotUnits float64

	mu        sync.Mutex
	authQ     []int64
	accountQ  []int64
	positionQ []int64
	orderQ    []int64

	account   models.AccountSnapshot
	accounts  []string
	positions []models.Position
	openList  []models.Order
	orders    map[string]models.Order

	tickers  map[int64]*ibTicker
	bySymbol map[string]int64
	// waiters maps a bridge order id to the request awaiting its status.
	waiters    map[string]int64
	cancelling map[string]bool
	bars       map[int64][]models.Candle
}

// NewIBCodec creates an IB codec. lotUnits converts lots to share/unit
// quantities; zero means DefaultIBLotUnits.
func NewIBCodec(lotUnits float64) *IBCodec {
	if lotUnits <= 0 {
		lotUnits = DefaultIBLotUnits
	}
	c := &IBCodec{lotUnits: lotUnits}
	c.Reset()
	return c
}

// Reset forgets every in-flight reply and ticker. The client calls it when
// the socket closes.
func (c *IBCodec) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authQ, c.accountQ, c.positionQ, c.orderQ = nil, nil, nil, nil
	c.positions, c.openList = nil, nil
	c.orders = make(map[string]models.Order)
	c.tickers = make(map[int64]*ibTicker)
	c.bySymbol = make(map[string]int64)
	c.waiters = make(map[string]int64)
	c.cancelling = make(map[string]bool)
	c.bars = make(map[int64][]models.Candle)
}

func (*IBCodec) Type() BrokerType { return BrokerIB }

func (*IBCodec) Framer() transport.Framer { return transport.NullFramer() }

func (*IBCodec) Acknowledged(op Operation) bool {
	return op != OpSubscribe && op != OpUnsubscribe
}

// ManagedAccounts returns the account codes reported by the bridge.
func (c *IBCodec) ManagedAccounts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.accounts...)
}

func (*IBCodec) AuthRequest(creds Credentials) (string, any, bool) {
	return "startApi", ibRequest{Fields: []string{strconv.Itoa(creds.ClientID), creds.Account}}, true
}

func (*IBCodec) DisconnectRequest() []byte {
	return []byte("cancelAccountUpdates")
}

func ibAction(d models.Direction) string {
	if d == models.DirectionSell {
		return "SELL"
	}
	return "BUY"
}

func ibOrderType(t models.OrderType) string {
	switch t {
	case models.OrderTypeLimit:
		return "LMT"
	case models.OrderTypeStop:
		return "STP"
	case models.OrderTypeStopLimit:
		return "STP LMT"
	}
	return "MKT"
}

func parseIBOrderType(s string) models.OrderType {
	switch s {
	case "LMT":
		return models.OrderTypeLimit
	case "STP":
		return models.OrderTypeStop
	case "STP LMT":
		return models.OrderTypeStopLimit
	}
	return models.OrderTypeMarket
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (c *IBCodec) orderFields(symbol string, dir models.Direction, volume float64, typ models.OrderType, price, sl, tp float64, comment string) []string {
	return []string{
		symbol,
		ibAction(dir),
		fmtFloat(math.Round(volume * c.lotUnits)),
		ibOrderType(typ),
		fmtFloat(price),
		fmtFloat(0),
		fmtFloat(sl),
		fmtFloat(tp),
		comment,
	}
}

func (c *IBCodec) Request(op Operation, args any) (string, any, error) {
	switch op {
	case OpAccount:
		return "reqAccountUpdates", ibRequest{Fields: []string{"1"}}, nil
	case OpPositions:
		return "reqPositions", ibRequest{}, nil
	case OpOrders:
		return "reqOpenOrders", ibRequest{}, nil
	case OpMarketData:
		symbol, ok := args.(string)
		if !ok {
			return "", nil, argsError(op, args)
		}
		return "reqMktDataSnapshot", ibRequest{Ref: symbol}, nil
	case OpSubscribe, OpUnsubscribe:
		symbols, ok := args.([]string)
		if !ok || len(symbols) != 1 {
			return "", nil, argsError(op, args)
		}
		if op == OpSubscribe {
			return "reqMktData", ibRequest{Ref: symbols[0]}, nil
		}
		return "cancelMktData", ibRequest{Ref: symbols[0]}, nil
	case OpMarketOrder, OpPendingOrder:
		req, ok := args.(models.OrderRequest)
		if !ok {
			return "", nil, argsError(op, args)
		}
		typ := req.Type
		if op == OpMarketOrder {
			typ = models.OrderTypeMarket
		}
		return "placeOrder", ibRequest{Fields: c.orderFields(req.Symbol, req.Direction, req.Volume, typ, req.Price, req.StopLoss, req.TakeProfit, req.Comment)}, nil
	case OpModifyOrder:
		m, ok := args.(ModifyArgs)
		if !ok {
			return "", nil, argsError(op, args)
		}
		if m.Order == nil {
			// Protective levels of an IB position live on separate child orders.
			return "", nil, ErrUnsupportedOperation
		}
		o := *m.Order
		if m.Mod.Price != nil {
			o.OpenPrice = *m.Mod.Price
		}
		if m.Mod.StopLoss != nil {
			o.StopLoss = *m.Mod.StopLoss
		}
		if m.Mod.TakeProfit != nil {
			o.TakeProfit = *m.Mod.TakeProfit
		}
		if m.Mod.Volume != nil {
			o.Volume = *m.Mod.Volume
		}
		return "modifyOrder", ibRequest{
			Ref:    m.Ticket,
			Fields: c.orderFields(o.Symbol, o.Direction, o.Volume, o.Type, o.OpenPrice, o.StopLoss, o.TakeProfit, o.Comment),
		}, nil
	case OpCancelOrder:
		ticket, ok := args.(string)
		if !ok {
			return "", nil, argsError(op, args)
		}
		return "cancelOrder", ibRequest{Ref: ticket}, nil
	case OpClosePosition:
		ca, ok := args.(CloseArgs)
		if !ok {
			return "", nil, argsError(op, args)
		}
		if ca.Position == nil {
			return "", nil, fmt.Errorf("position %s is not cached", ca.Ticket)
		}
		volume := ca.Volume
		if volume <= 0 || volume > ca.Position.Volume {
			volume = ca.Position.Volume
		}
		return "placeOrder", ibRequest{Fields: c.orderFields(ca.Position.Symbol, ca.Position.Direction.Opposite(), volume, models.OrderTypeMarket, 0, 0, 0, "close")}, nil
	case OpHistory:
		h, ok := args.(HistoricalRequest)
		if !ok {
			return "", nil, argsError(op, args)
		}
		end := h.To
		if end.IsZero() {
			end = time.Now().UTC()
		}
		duration := "1 D"
		if !h.From.IsZero() && end.After(h.From) {
			duration = fmt.Sprintf("%d S", int64(end.Sub(h.From).Seconds()))
		}
		return "reqHistoricalData", ibRequest{Fields: []string{
			h.Symbol,
			end.UTC().Format("20060102 15:04:05"),
			duration,
			ibBarSize(h.Timeframe),
		}}, nil
	}
	return "", nil, ErrUnsupportedOperation
}

func ibBarSize(tf string) string {
	switch m := timeframeMinutes(tf); {
	case m >= 10080:
		return "1 week"
	case m >= 1440:
		return "1 day"
	case m >= 60:
		return fmt.Sprintf("%d hours", m/60)
	case m == 1:
		return "1 min"
	default:
		return fmt.Sprintf("%d mins", m)
	}
}

func (c *IBCodec) EncodeRequest(id int64, command string, params any) ([]byte, error) {
	p, _ := params.(ibRequest)
	idStr := strconv.FormatInt(id, 10)

	c.mu.Lock()
	defer c.mu.Unlock()

	var parts []string
	switch command {
	case "startApi":
		c.authQ = append(c.authQ, id)
		parts = []string{command, idStr}
	case "reqAccountUpdates":
		c.accountQ = append(c.accountQ, id)
		parts = []string{command, idStr}
	case "reqPositions":
		if len(c.positionQ) == 0 {
			c.positions = nil
		}
		c.positionQ = append(c.positionQ, id)
		parts = []string{command, idStr}
	case "reqOpenOrders":
		if len(c.orderQ) == 0 {
			c.openList = nil
		}
		c.orderQ = append(c.orderQ, id)
		parts = []string{command, idStr}
	case "reqMktDataSnapshot":
		c.tickers[id] = &ibTicker{symbol: p.Ref, snapshot: true, quote: models.Quote{Symbol: p.Ref}}
		parts = []string{"reqMktData", idStr, p.Ref, "1"}
	case "reqMktData":
		c.tickers[id] = &ibTicker{symbol: p.Ref, quote: models.Quote{Symbol: p.Ref}}
		c.bySymbol[p.Ref] = id
		parts = []string{command, idStr, p.Ref, "0"}
	case "cancelMktData":
		tid, ok := c.bySymbol[p.Ref]
		if !ok {
			return nil, fmt.Errorf("no market data subscription for %s", p.Ref)
		}
		delete(c.bySymbol, p.Ref)
		delete(c.tickers, tid)
		parts = []string{command, strconv.FormatInt(tid, 10)}
	case "placeOrder":
		c.waiters[idStr] = id
		parts = []string{command, idStr}
	case "modifyOrder":
		c.waiters[p.Ref] = id
		parts = []string{"placeOrder", p.Ref}
	case "cancelOrder":
		c.waiters[p.Ref] = id
		c.cancelling[p.Ref] = true
		parts = []string{command, p.Ref}
	case "reqHistoricalData":
		c.bars[id] = nil
		parts = []string{command, idStr}
	default:
		parts = []string{command, idStr}
	}
	parts = append(parts, p.Fields...)

	for _, part := range parts {
		if strings.ContainsAny(part, "\t\x00") {
			return nil, fmt.Errorf("field %q contains a delimiter", part)
		}
	}
	return []byte(strings.Join(parts, "\t")), nil
}

// Forget drops every reply slot held for a request the caller abandoned.
// Without it the next reply of that kind would be matched to the stale id.
func (c *IBCodec) Forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range []*[]int64{&c.authQ, &c.accountQ, &c.positionQ, &c.orderQ} {
		removeID(q, id)
	}
	if len(c.positionQ) == 0 {
		c.positions = nil
	}
	if len(c.orderQ) == 0 {
		c.openList = nil
	}
	if t, ok := c.tickers[id]; ok && t.snapshot {
		delete(c.tickers, id)
	}
	delete(c.bars, id)
	for ref, waiting := range c.waiters {
		if waiting == id {
			delete(c.waiters, ref)
			delete(c.cancelling, ref)
		}
	}
}

// ibFields is a cursor over one message's fields. The first conversion
// failure is kept and reported once.
type ibFields struct {
	f   []string
	err error
}

func (m *ibFields) str(i int) string {
	if i >= len(m.f) {
		if m.err == nil {
			m.err = fmt.Errorf("missing field %d", i)
		}
		return ""
	}
	return m.f[i]
}

func (m *ibFields) float(i int) float64 {
	s := m.str(i)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && m.err == nil {
		m.err = fmt.Errorf("field %d: %w", i, err)
	}
	return v
}

func (m *ibFields) int(i int) int64 {
	s := m.str(i)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil && m.err == nil {
		m.err = fmt.Errorf("field %d: %w", i, err)
	}
	return v
}

func popFront(q *[]int64) (int64, bool) {
	if len(*q) == 0 {
		return 0, false
	}
	id := (*q)[0]
	*q = (*q)[1:]
	return id, true
}

func removeID(q *[]int64, id int64) {
	for i, v := range *q {
		if v == id {
			*q = append((*q)[:i:i], (*q)[i+1:]...)
			return
		}
	}
}

func reply(id int64, data any) correlator.Inbound {
	return correlator.Inbound{RequestID: id, HasID: true, Data: data}
}

func push(event string, data any) correlator.Inbound {
	return correlator.Inbound{Event: event, Data: data}
}

func (c *IBCodec) DecodeFrame(frame []byte) ([]correlator.Inbound, error) {
	parts := strings.Split(string(frame), "\t")
	kind := parts[0]
	m := &ibFields{f: parts[1:]}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []correlator.Inbound
	switch kind {
	case "connectionAck":
		if id, ok := popFront(&c.authQ); ok {
			out = append(out, reply(id, nil))
		}

	case "managedAccounts":
		c.accounts = strings.Split(m.str(0), ",")
		if c.account.Login == "" && len(c.accounts) > 0 {
			c.account.Login = c.accounts[0]
		}

	case "updateAccountValue":
		c.applyAccountValue(m.str(0), m.float(1), m.str(2), m.str(3))

	case "updateAccountTime":
		c.account.Timestamp = time.Now().UTC()
		out = append(out, push(kind, c.account))

	case "accountDownloadEnd":
		if c.account.Timestamp.IsZero() {
			c.account.Timestamp = time.Now().UTC()
		}
		if id, ok := popFront(&c.accountQ); ok {
			out = append(out, reply(id, c.account))
		}

	case "position":
		qty := m.float(2)
		p := models.Position{
			Ticket:    m.str(1),
			Symbol:    m.str(1),
			Direction: models.DirectionBuy,
			Volume:    math.Abs(qty) / c.lotUnits,
			OpenPrice: m.float(3),
			Status:    "open",
		}
		if qty < 0 {
			p.Direction = models.DirectionSell
		}
		if qty == 0 {
			p.Status = "closed"
		}
		if len(c.positionQ) > 0 {
			if qty != 0 {
				c.positions = append(c.positions, p)
			}
		} else {
			out = append(out, push(kind, p))
		}

	case "positionEnd":
		if id, ok := popFront(&c.positionQ); ok {
			out = append(out, reply(id, c.positions))
			c.positions = nil
		}

	case "openOrder":
		o := models.Order{
			Ticket:    m.str(0),
			Symbol:    m.str(1),
			Direction: models.DirectionBuy,
			Volume:    m.float(3) / c.lotUnits,
			Type:      parseIBOrderType(m.str(4)),
			OpenPrice: m.float(5),
			Status:    "pending",
			PlacedAt:  time.Now().UTC(),
		}
		if m.str(2) == "SELL" {
			o.Direction = models.DirectionSell
		}
		if len(m.f) > 6 {
			o.Status = strings.ToLower(m.f[6])
		}
		c.orders[o.Ticket] = o
		if len(c.orderQ) > 0 {
			c.openList = append(c.openList, o)
		} else {
			out = append(out, push(kind, o))
		}

	case "openOrderEnd":
		if id, ok := popFront(&c.orderQ); ok {
			out = append(out, reply(id, c.openList))
			c.openList = nil
		}

	case "orderStatus":
		out = append(out, c.orderStatus(m)...)

	case "tickPrice", "tickSnapshotEnd":
		out = append(out, c.tick(kind, m)...)

	case "historicalData":
		id := m.int(0)
		if _, ok := c.bars[id]; ok {
			c.bars[id] = append(c.bars[id], models.Candle{
				Timestamp: parseTimeString(m.str(1)),
				Open:      m.float(2),
				High:      m.float(3),
				Low:       m.float(4),
				Close:     m.float(5),
				Volume:    m.float(6),
			})
		}

	case "historicalDataEnd":
		id := m.int(0)
		if bars, ok := c.bars[id]; ok {
			delete(c.bars, id)
			out = append(out, reply(id, bars))
		}

	case "error":
		out = append(out, c.errorMessage(m)...)

	case "":
		return nil, errors.New("empty message type")

	default:
		return nil, fmt.Errorf("unknown message type %q", kind)
	}

	if m.err != nil {
		return nil, fmt.Errorf("%s: %w", kind, m.err)
	}
	return out, nil
}

func (c *IBCodec) applyAccountValue(key string, value float64, currency, account string) {
	if account != "" {
		c.account.Login = account
	}
	if currency != "" && currency != "BASE" {
		c.account.Currency = currency
	}
	switch key {
	case "TotalCashValue", "CashBalance":
		c.account.Balance = value
	case "NetLiquidation":
		c.account.Equity = value
	case "MaintMarginReq", "InitMarginReq":
		c.account.Margin = value
	case "AvailableFunds", "ExcessLiquidity":
		c.account.FreeMargin = value
	case "Leverage-S", "Leverage":
		c.account.Leverage = int(value)
	}
}

func (c *IBCodec) orderStatus(m *ibFields) []correlator.Inbound {
	orderID := m.str(0)
	status := m.str(1)
	filled := m.float(2)
	avgPrice := m.float(4)
	if m.err != nil {
		return nil
	}

	var out []correlator.Inbound
	o, known := c.orders[orderID]
	if known {
		o.Status = strings.ToLower(status)
		c.orders[orderID] = o
	}

	terminal := status == "Filled" || status == "Cancelled" || status == "ApiCancelled" || status == "Inactive"
	if id, waiting := c.waiters[orderID]; waiting {
		cancelling := c.cancelling[orderID]
		switch {
		case cancelling && status != "Cancelled" && status != "ApiCancelled":
			// Keep waiting for the cancel to land.
		case !cancelling && (status == "Cancelled" || status == "Inactive"):
			delete(c.waiters, orderID)
			out = append(out, correlator.Inbound{RequestID: id, HasID: true, Err: "order " + orderID + " " + strings.ToLower(status)})
		default:
			delete(c.waiters, orderID)
			delete(c.cancelling, orderID)
			out = append(out, reply(id, models.OrderResult{
				Success: true,
				Ticket:  orderID,
				Price:   avgPrice,
				Volume:  filled / c.lotUnits,
				Message: status,
			}))
		}
	}

	if known {
		out = append(out, push("orderStatus", o))
		if terminal {
			delete(c.orders, orderID)
		}
	}
	return out
}

func (c *IBCodec) tick(kind string, m *ibFields) []correlator.Inbound {
	id := m.int(0)
	t, ok := c.tickers[id]
	if !ok || m.err != nil {
		return nil
	}

	if kind == "tickPrice" {
		price := m.float(2)
		switch m.int(1) {
		case ibTickBid:
			t.quote.Bid = price
		case ibTickAsk:
			t.quote.Ask = price
		case ibTickLast:
			t.quote.Last = price
		default:
			return nil
		}
		t.quote.Timestamp = time.Now().UTC()
	}

	if t.snapshot {
		if kind == "tickSnapshotEnd" || (t.quote.Bid > 0 && t.quote.Ask > 0) {
			delete(c.tickers, id)
			return []correlator.Inbound{reply(id, []models.Quote{t.quote})}
		}
		return nil
	}
	if kind == "tickPrice" {
		return []correlator.Inbound{push("tickPrice", t.quote)}
	}
	return nil
}

// isInformational reports IB notice codes (farm connectivity and the like)
// that are not failures.
func isInformational(code int64) bool {
	return code >= 2100 && code < 2200
}

func (c *IBCodec) errorMessage(m *ibFields) []correlator.Inbound {
	id := m.int(0)
	code := m.int(1)
	msg := m.str(2)
	if m.err != nil {
		return nil
	}
	text := fmt.Sprintf("%s (code %d)", msg, code)

	if isInformational(code) {
		return nil
	}

	idStr := strconv.FormatInt(id, 10)
	if reqID, ok := c.waiters[idStr]; ok {
		delete(c.waiters, idStr)
		delete(c.cancelling, idStr)
		return []correlator.Inbound{{RequestID: reqID, HasID: true, Err: text, Event: "error", Data: text}}
	}
	delete(c.tickers, id)
	delete(c.bars, id)
	for _, q := range []*[]int64{&c.authQ, &c.accountQ, &c.positionQ, &c.orderQ} {
		removeID(q, id)
	}
	if id > 0 {
		return []correlator.Inbound{{RequestID: id, HasID: true, Err: text, Event: "error", Data: text}}
	}
	return []correlator.Inbound{{Event: "error", Err: text, Data: text}}
}

func (*IBCodec) DecodeAccount(data any) (models.AccountSnapshot, error) {
	acct, ok := data.(models.AccountSnapshot)
	if !ok {
		return models.AccountSnapshot{}, fmt.Errorf("unexpected account payload %T", data)
	}
	if acct.Equity == 0 {
		acct.Equity = acct.Balance
	}
	return acct, nil
}

func (*IBCodec) DecodePositions(data any) ([]models.Position, error) {
	if data == nil {
		return nil, nil
	}
	positions, ok := data.([]models.Position)
	if !ok {
		return nil, fmt.Errorf("unexpected positions payload %T", data)
	}
	return positions, nil
}

func (*IBCodec) DecodeOrders(data any) ([]models.Order, error) {
	if data == nil {
		return nil, nil
	}
	orders, ok := data.([]models.Order)
	if !ok {
		return nil, fmt.Errorf("unexpected orders payload %T", data)
	}
	return orders, nil
}

func (*IBCodec) DecodeQuotes(data any) ([]models.Quote, error) {
	quotes, ok := data.([]models.Quote)
	if !ok {
		return nil, fmt.Errorf("unexpected quote payload %T", data)
	}
	return quotes, nil
}

func (*IBCodec) DecodeOrderResult(data any) (models.OrderResult, error) {
	res, ok := data.(models.OrderResult)
	if !ok {
		return models.OrderResult{}, fmt.Errorf("unexpected order payload %T", data)
	}
	return res, nil
}

func (*IBCodec) DecodeCandles(data any) ([]models.Candle, error) {
	if data == nil {
		return nil, nil
	}
	bars, ok := data.([]models.Candle)
	if !ok {
		return nil, fmt.Errorf("unexpected bars payload %T", data)
	}
	return bars, nil
}

func (*IBCodec) DecodeEvent(in correlator.Inbound) ([]events.Event, error) {
	e := events.Event{Name: in.Event, Timestamp: time.Now().UTC()}
	switch in.Event {
	case "tickPrice":
		q, ok := in.Data.(models.Quote)
		if !ok {
			return nil, fmt.Errorf("unexpected tick payload %T", in.Data)
		}
		e.Type = events.Tick
		e.Quote = &q
	case "position":
		p, ok := in.Data.(models.Position)
		if !ok {
			return nil, fmt.Errorf("unexpected position payload %T", in.Data)
		}
		e.Type = events.Position
		e.Action = events.ActionUpdate
		if p.Status == "closed" {
			e.Action = events.ActionRemove
		}
		e.Position = &p
	case "openOrder", "orderStatus":
		o, ok := in.Data.(models.Order)
		if !ok {
			return nil, fmt.Errorf("unexpected order payload %T", in.Data)
		}
		e.Type = events.Order
		e.Action = events.ActionUpdate
		switch o.Status {
		case "filled", "cancelled", "apicancelled", "inactive":
			e.Action = events.ActionRemove
		}
		e.Order = &o
	case "updateAccountTime":
		a, ok := in.Data.(models.AccountSnapshot)
		if !ok {
			return nil, fmt.Errorf("unexpected account payload %T", in.Data)
		}
		e.Type = events.Account
		e.Account = &a
	case "error":
		e.Type = events.Error
		e.Err = fmt.Errorf("bridge error: %s", in.Err)
	default:
		return nil, nil
	}
	return []events.Event{e}, nil
}
