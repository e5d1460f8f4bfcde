// Package models provides domain models for the trading terminal.
package models

import (
	"time"
)

// Direction represents the side of an order or position.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the direction that closes a position opened in d.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// OrderType represents the execution type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// IsPending reports whether the order type rests on the book until triggered.
func (t OrderType) IsPending() bool {
	return t == OrderTypeLimit || t == OrderTypeStop || t == OrderTypeStopLimit
}

// Quote is the last known bid/ask for a symbol.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume    float64
	Timestamp time.Time
}

// Mid returns the midpoint of bid and ask, falling back to the last price.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// AccountSnapshot is the last known account state reported by a bridge.
type AccountSnapshot struct {
	Login      string
	Currency   string
	Balance    float64
	Equity     float64
	Margin     float64
	FreeMargin float64
	Leverage   int
	Timestamp  time.Time
}
