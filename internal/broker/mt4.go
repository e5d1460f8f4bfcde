package broker

import (
	"fxify-trader/internal/models"
)

// MT4 bridge defaults.
const (
	mt4Slippage = 3
)

// MT4Codec speaks the line-JSON protocol of the MetaTrader 4 bridge EA.
// MT4 has no position/order split on the terminal side; the bridge reports
// open market tickets as positions and resting tickets as orders.
type MT4Codec struct {
	jsonCodec
}

// NewMT4Codec creates the MT4 codec.
func NewMT4Codec() *MT4Codec {
	return &MT4Codec{}
}

func (*MT4Codec) Type() BrokerType { return BrokerMT4 }

func (*MT4Codec) AuthRequest(creds Credentials) (string, any, bool) {
	if !creds.HasLogin() {
		return "", nil, false
	}
	return "AUTH", map[string]any{
		"login":    creds.Login,
		"password": creds.Password,
		"server":   creds.Server,
	}, true
}

func (c *MT4Codec) DisconnectRequest() []byte {
	payload, _ := c.EncodeRequest(0, "DISCONNECT", nil)
	return payload
}

func (*MT4Codec) Request(op Operation, args any) (string, any, error) {
	switch op {
	case OpAccount:
		return "GET_ACCOUNT_INFO", nil, nil
	case OpPositions:
		return "GET_POSITIONS", nil, nil
	case OpOrders:
		return "GET_ORDERS", nil, nil
	case OpMarketData:
		symbol, ok := args.(string)
		if !ok {
			return "", nil, argsError(op, args)
		}
		return "GET_MARKET_DATA", map[string]any{"symbol": symbol}, nil
	case OpSubscribe, OpUnsubscribe:
		symbols, ok := args.([]string)
		if !ok {
			return "", nil, argsError(op, args)
		}
		cmd := "SUBSCRIBE"
		if op == OpUnsubscribe {
			cmd = "UNSUBSCRIBE"
		}
		return cmd, map[string]any{"symbols": symbols}, nil
	case OpMarketOrder, OpPendingOrder:
		req, ok := args.(models.OrderRequest)
		if !ok {
			return "", nil, argsError(op, args)
		}
		typ := req.Type
		if op == OpMarketOrder {
			typ = models.OrderTypeMarket
		}
		if typ == models.OrderTypeStopLimit {
			return "", nil, ErrUnsupportedOperation
		}
		return "ORDER_SEND", map[string]any{
			"symbol":   req.Symbol,
			"cmd":      typeCode(req.Direction, typ),
			"lots":     req.Volume,
			"price":    req.Price,
			"slippage": mt4Slippage,
			"sl":       req.StopLoss,
			"tp":       req.TakeProfit,
			"comment":  req.Comment,
			"magic":    req.Magic,
		}, nil
	case OpModifyOrder:
		m, ok := args.(ModifyArgs)
		if !ok {
			return "", nil, argsError(op, args)
		}
		// OrderModify replaces all three levels, so unchanged ones are
		// filled from the cached ticket.
		var price, sl, tp float64
		switch {
		case m.Position != nil:
			price, sl, tp = m.Position.OpenPrice, m.Position.StopLoss, m.Position.TakeProfit
		case m.Order != nil:
			price, sl, tp = m.Order.OpenPrice, m.Order.StopLoss, m.Order.TakeProfit
		}
		if m.Mod.Price != nil {
			price = *m.Mod.Price
		}
		if m.Mod.StopLoss != nil {
			sl = *m.Mod.StopLoss
		}
		if m.Mod.TakeProfit != nil {
			tp = *m.Mod.TakeProfit
		}
		return "ORDER_MODIFY", map[string]any{
			"ticket": m.Ticket,
			"price":  price,
			"sl":     sl,
			"tp":     tp,
		}, nil
	case OpCancelOrder:
		ticket, ok := args.(string)
		if !ok {
			return "", nil, argsError(op, args)
		}
		return "ORDER_DELETE", map[string]any{"ticket": ticket}, nil
	case OpClosePosition:
		c, ok := args.(CloseArgs)
		if !ok {
			return "", nil, argsError(op, args)
		}
		lots := c.Volume
		if lots <= 0 && c.Position != nil {
			lots = c.Position.Volume
		}
		return "ORDER_CLOSE", map[string]any{
			"ticket":   c.Ticket,
			"lots":     lots,
			"slippage": mt4Slippage,
		}, nil
	case OpHistory:
		h, ok := args.(HistoricalRequest)
		if !ok {
			return "", nil, argsError(op, args)
		}
		return "GET_HISTORY", map[string]any{
			"symbol":    h.Symbol,
			"timeframe": timeframeMinutes(h.Timeframe),
			"from":      unixOrZero(h.From),
			"to":        unixOrZero(h.To),
		}, nil
	}
	return "", nil, ErrUnsupportedOperation
}
