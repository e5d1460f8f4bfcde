package broker

import (
	"fxify-trader/internal/models"
)

const mt5Deviation = 10

var mt5OrderTypes = [...]string{
	"ORDER_TYPE_BUY",
	"ORDER_TYPE_SELL",
	"ORDER_TYPE_BUY_LIMIT",
	"ORDER_TYPE_SELL_LIMIT",
	"ORDER_TYPE_BUY_STOP",
	"ORDER_TYPE_SELL_STOP",
	"ORDER_TYPE_BUY_STOP_LIMIT",
	"ORDER_TYPE_SELL_STOP_LIMIT",
}

// MT5Codec speaks the line-JSON protocol of the MetaTrader 5 bridge. Unlike
// MT4 it separates positions from orders and names trade actions explicitly.
type MT5Codec struct {
	jsonCodec
}

// NewMT5Codec creates the MT5 codec.
func NewMT5Codec() *MT5Codec {
	return &MT5Codec{}
}

func (*MT5Codec) Type() BrokerType { return BrokerMT5 }

func (*MT5Codec) AuthRequest(creds Credentials) (string, any, bool) {
	if !creds.HasLogin() {
		return "", nil, false
	}
	return "AUTHORIZE", map[string]any{
		"login":    creds.Login,
		"password": creds.Password,
		"server":   creds.Server,
	}, true
}

func (c *MT5Codec) DisconnectRequest() []byte {
	payload, _ := c.EncodeRequest(0, "SHUTDOWN", nil)
	return payload
}

func (*MT5Codec) Request(op Operation, args any) (string, any, error) {
	switch op {
	case OpAccount:
		return "ACCOUNT_INFO", nil, nil
	case OpPositions:
		return "POSITIONS_GET", nil, nil
	case OpOrders:
		return "ORDERS_GET", nil, nil
	case OpMarketData:
		symbol, ok := args.(string)
		if !ok {
			return "", nil, argsError(op, args)
		}
		return "SYMBOL_INFO_TICK", map[string]any{"symbol": symbol}, nil
	case OpSubscribe, OpUnsubscribe:
		symbols, ok := args.([]string)
		if !ok {
			return "", nil, argsError(op, args)
		}
		cmd := "SUBSCRIBE_TICKS"
		if op == OpUnsubscribe {
			cmd = "UNSUBSCRIBE_TICKS"
		}
		return cmd, map[string]any{"symbols": symbols}, nil
	case OpMarketOrder, OpPendingOrder:
		req, ok := args.(models.OrderRequest)
		if !ok {
			return "", nil, argsError(op, args)
		}
		action := "TRADE_ACTION_PENDING"
		typ := req.Type
		if op == OpMarketOrder {
			action = "TRADE_ACTION_DEAL"
			typ = models.OrderTypeMarket
		}
		return "ORDER_SEND", map[string]any{
			"action":    action,
			"symbol":    req.Symbol,
			"volume":    req.Volume,
			"type":      mt5OrderTypes[typeCode(req.Direction, typ)],
			"price":     req.Price,
			"sl":        req.StopLoss,
			"tp":        req.TakeProfit,
			"deviation": mt5Deviation,
			"magic":     req.Magic,
			"comment":   req.Comment,
		}, nil
	case OpModifyOrder:
		m, ok := args.(ModifyArgs)
		if !ok {
			return "", nil, argsError(op, args)
		}
		params := map[string]any{}
		cmd := "ORDER_MODIFY"
		if m.Position != nil {
			// Open positions only carry protective levels.
			cmd = "POSITION_MODIFY"
			params["position"] = m.Ticket
			params["sl"], params["tp"] = m.Position.StopLoss, m.Position.TakeProfit
		} else {
			params["order"] = m.Ticket
			if m.Order != nil {
				params["price"] = m.Order.OpenPrice
				params["sl"], params["tp"] = m.Order.StopLoss, m.Order.TakeProfit
			}
			if m.Mod.Price != nil {
				params["price"] = *m.Mod.Price
			}
		}
		if m.Mod.StopLoss != nil {
			params["sl"] = *m.Mod.StopLoss
		}
		if m.Mod.TakeProfit != nil {
			params["tp"] = *m.Mod.TakeProfit
		}
		if m.Mod.Volume != nil {
			params["volume"] = *m.Mod.Volume
		}
		return cmd, params, nil
	case OpCancelOrder:
		ticket, ok := args.(string)
		if !ok {
			return "", nil, argsError(op, args)
		}
		return "ORDER_CANCEL", map[string]any{"order": ticket}, nil
	case OpClosePosition:
		c, ok := args.(CloseArgs)
		if !ok {
			return "", nil, argsError(op, args)
		}
		params := map[string]any{
			"position":  c.Ticket,
			"deviation": mt5Deviation,
		}
		if c.Volume > 0 {
			params["volume"] = c.Volume
		}
		return "POSITION_CLOSE", params, nil
	case OpHistory:
		h, ok := args.(HistoricalRequest)
		if !ok {
			return "", nil, argsError(op, args)
		}
		return "COPY_RATES_RANGE", map[string]any{
			"symbol":    h.Symbol,
			"timeframe": metaTraderTimeframe(h.Timeframe),
			"from":      unixOrZero(h.From),
			"to":        unixOrZero(h.To),
		}, nil
	}
	return "", nil, ErrUnsupportedOperation
}
