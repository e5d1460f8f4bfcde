package broker

import (
	"errors"

	"fxify-trader/internal/correlator"
	"fxify-trader/internal/events"
	"fxify-trader/internal/models"
	"fxify-trader/internal/transport"
)

// ErrUnsupportedOperation is returned by a codec for an operation its
// bridge does not implement.
var ErrUnsupportedOperation = errors.New("operation not supported by bridge")

// Operation names a broker capability independent of wire command names.
type Operation int

const (
	OpAccount Operation = iota
	OpPositions
	OpOrders
	OpMarketData
	OpSubscribe
	OpUnsubscribe
	OpMarketOrder
	OpPendingOrder
	OpModifyOrder
	OpCancelOrder
	OpClosePosition
	OpHistory
)

var opNames = [...]string{
	OpAccount:       "account",
	OpPositions:     "positions",
	OpOrders:        "orders",
	OpMarketData:    "market_data",
	OpSubscribe:     "subscribe",
	OpUnsubscribe:   "unsubscribe",
	OpMarketOrder:   "market_order",
	OpPendingOrder:  "pending_order",
	OpModifyOrder:   "modify_order",
	OpCancelOrder:   "cancel_order",
	OpClosePosition: "close_position",
	OpHistory:       "history",
}

func (o Operation) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// ModifyArgs are the arguments for OpModifyOrder.
type ModifyArgs struct {
	Ticket string
	Mod    models.OrderModification
	// Position and Order are the cached entries for Ticket, when known.
	Position *models.Position
	Order    *models.Order
}

// CloseArgs are the arguments for OpClosePosition.
type CloseArgs struct {
	Ticket   string
	Volume   float64
	Position *models.Position
}

// Codec is the per-bridge protocol: framing, command names, parameter
// shapes and payload decoding. Everything else about a connection is shared.
type Codec interface {
	correlator.Codec

	Type() BrokerType
	Framer() transport.Framer

	// AuthRequest returns the handshake command, or ok=false when the
	// bridge needs none for these credentials.
	AuthRequest(creds Credentials) (command string, params any, ok bool)
	// DisconnectRequest returns a best-effort farewell payload, or nil.
	DisconnectRequest() []byte

	// Request maps an operation and its arguments to a wire command.
	Request(op Operation, args any) (command string, params any, err error)
	// Acknowledged reports whether the bridge replies to op. Unacknowledged
	// operations are written without awaiting a response.
	Acknowledged(op Operation) bool

	DecodeAccount(data any) (models.AccountSnapshot, error)
	DecodePositions(data any) ([]models.Position, error)
	DecodeOrders(data any) ([]models.Order, error)
	DecodeQuotes(data any) ([]models.Quote, error)
	DecodeOrderResult(data any) (models.OrderResult, error)
	DecodeCandles(data any) ([]models.Candle, error)
	// DecodeEvent converts a push frame into bus events. Unknown events
	// yield no events and no error.
	DecodeEvent(in correlator.Inbound) ([]events.Event, error)
}
