// Package broker provides the uniform broker capability surface and its
// bridge-backed implementations.
package broker

import (
	"context"
	"time"

	"fxify-trader/internal/events"
	"fxify-trader/internal/models"
)

// Broker defines the capability surface shared by every bridge variant.
type Broker interface {
	// Identity
	Name() string
	Type() BrokerType

	// Connection
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// Push events and last known values
	Events() *events.Bus
	Cache() *events.Cache

	// Account
	GetAccountInfo(ctx context.Context) (*models.AccountSnapshot, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetOrders(ctx context.Context) ([]models.Order, error)

	// Market Data
	GetMarketData(ctx context.Context, symbols []string) ([]models.Quote, error)
	SubscribeMarketData(ctx context.Context, symbols []string) error
	UnsubscribeMarketData(ctx context.Context, symbols []string) error
	GetHistoricalData(ctx context.Context, req HistoricalRequest) ([]models.Candle, error)

	// Orders
	PlaceMarketOrder(ctx context.Context, order models.OrderRequest) (*models.OrderResult, error)
	PlacePendingOrder(ctx context.Context, order models.OrderRequest) (*models.OrderResult, error)
	ModifyOrder(ctx context.Context, ticket string, mod models.OrderModification) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, ticket string) (*models.OrderResult, error)
	// ClosePosition closes volume lots of the position; zero closes it fully.
	ClosePosition(ctx context.Context, ticket string, volume float64) (*models.OrderResult, error)
}

// BrokerType identifies a bridge protocol variant.
type BrokerType string

const (
	BrokerMT4   BrokerType = "mt4"
	BrokerMT5   BrokerType = "mt5"
	BrokerIB    BrokerType = "ib"
	BrokerPaper BrokerType = "paper"
)

// HistoricalRequest represents a request for historical data.
type HistoricalRequest struct {
	Symbol    string
	Timeframe string
	From      time.Time
	To        time.Time
}

// Credentials are the bridge login details. An empty Login skips
// authentication for bridges that allow it.
type Credentials struct {
	Login    string
	Password string
	Server   string
	Account  string
	ClientID int
}

// HasLogin reports whether credentials were supplied.
func (c Credentials) HasLogin() bool {
	return c.Login != ""
}
