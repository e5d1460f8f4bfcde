package models

import "time"

// OrderRequest is a candidate order before it reaches the broker.
type OrderRequest struct {
	Symbol     string
	Direction  Direction
	Volume     float64
	Price      float64 // zero for market orders
	StopLoss   float64 // zero when unset
	TakeProfit float64 // zero when unset
	Type       OrderType
	Comment    string
	Magic      int64
}

// HasStopLoss reports whether a stop loss was supplied.
func (o OrderRequest) HasStopLoss() bool {
	return o.StopLoss > 0
}

// Order represents a pending order held by the broker.
type Order struct {
	Ticket     string
	Symbol     string
	Direction  Direction
	Type       OrderType
	Volume     float64
	OpenPrice  float64
	StopLoss   float64
	TakeProfit float64
	Status     string
	Comment    string
	PlacedAt   time.Time
}

// Position represents an open trading position.
type Position struct {
	Ticket       string
	Symbol       string
	Direction    Direction
	Volume       float64
	OpenPrice    float64
	CurrentPrice float64
	StopLoss     float64
	TakeProfit   float64
	Profit       float64
	Swap         float64
	Status       string
	Comment      string
	OpenedAt     time.Time
}

// OrderModification describes a change to an order or open position.
// Nil fields are left untouched.
type OrderModification struct {
	Price      *float64
	StopLoss   *float64
	TakeProfit *float64
	Volume     *float64
}

// OnlyProtective reports whether the modification touches nothing but
// stop loss and/or take profit.
func (m OrderModification) OnlyProtective() bool {
	return m.Price == nil && m.Volume == nil && (m.StopLoss != nil || m.TakeProfit != nil)
}

// OrderResult is the outcome of an order mutation.
type OrderResult struct {
	Success    bool
	Ticket     string
	Price      float64
	Volume     float64
	Message    string
	Violations []RuleViolation
}

// CloseDetail is the per-position outcome inside a close-all sweep.
type CloseDetail struct {
	Ticket  string
	Symbol  string
	Success bool
	Error   string
}

// CloseAllResult aggregates a close-all sweep.
type CloseAllResult struct {
	Success bool
	Closed  int
	Total   int
	Details []CloseDetail
}
