package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags a decoded wire message.
type EventKind int

const (
	KindTicker EventKind = iota + 1
	KindOrderBook
	KindTrade
)

func (k EventKind) String() string {
	switch k {
	case KindTicker:
		return "ticker"
	case KindOrderBook:
		return "orderbook"
	case KindTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Event is one canonical event produced by a decoder. Exactly one of the
// payload pointers is set, matching Kind.
type Event struct {
	Kind      EventKind
	Ticker    *RawTicker
	OrderBook *OrderBookEvent
	Trades    *TradeEvent
}

func TickerEvent(t RawTicker) Event {
	return Event{Kind: KindTicker, Ticker: &t}
}

func BookEvent(b OrderBookEvent) Event {
	return Event{Kind: KindOrderBook, OrderBook: &b}
}

func TradesEvent(t TradeEvent) Event {
	return Event{Kind: KindTrade, Trades: &t}
}

// BookKind distinguishes a full book replacement from an incremental update.
type BookKind int

const (
	BookSnapshot BookKind = iota + 1
	BookDelta
)

func (k BookKind) String() string {
	if k == BookSnapshot {
		return "snapshot"
	}
	return "delta"
}

// Level is a single price level. Quantity zero in a delta removes the level.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBookEvent carries one book update for one instrument.
type OrderBookEvent struct {
	Kind         BookKind
	SourceSymbol string
	Bids         []Level
	Asks         []Level
	UpdateID     int64
	Timestamp    time.Time
}

// TradeEvent carries one or more public trades for one instrument.
type TradeEvent struct {
	SourceSymbol string
	Trades       []Trade
}
