package models

import "time"

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Trade is one public execution.
type Trade struct {
	Price     float64
	Quantity  float64
	Side      Side
	TradeID   string
	Timestamp time.Time
}
