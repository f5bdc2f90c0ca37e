package market

import (
	"github.com/shopspring/decimal"
)

// Venue identifies the derivatives exchange a piece of data came from.
type Venue string

const (
	VenueDydx        Venue = "dydx"
	VenueHyperliquid Venue = "hyperliquid"
)

// Level is a single price point on one side of a book. Size zero is the
// wire-level "remove this price" marker and never appears in a
// materialized book.
type Level struct {
	Price  decimal.Decimal
	Size   decimal.Decimal
	Orders uint64
}

// OrderBook is the canonical L2 book shared across venue adapters.
// Bids are sorted strictly descending by price, asks strictly ascending.
type OrderBook struct {
	Venue       Venue
	Symbol      string
	Bids        []Level
	Asks        []Level
	TimestampMS uint64
}

// BestBid returns the highest bid, if any.
func (ob *OrderBook) BestBid() (Level, bool) {
	if len(ob.Bids) == 0 {
		return Level{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (ob *OrderBook) BestAsk() (Level, bool) {
	if len(ob.Asks) == 0 {
		return Level{}, false
	}
	return ob.Asks[0], true
}

// Spread returns best ask minus best bid. The second return is false when
// either side is empty.
func (ob *OrderBook) Spread() (decimal.Decimal, bool) {
	bid, okB := ob.BestBid()
	ask, okA := ob.BestAsk()
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return ask.Price.Sub(bid.Price), true
}

// MarketSummary carries the per-symbol headline figures a venue publishes.
// Fields a venue does not provide are explicitly absent (Valid == false),
// never zero.
type MarketSummary struct {
	Symbol       string
	MarkPrice    decimal.NullDecimal
	Volume24h    decimal.NullDecimal
	OpenInterest decimal.NullDecimal
	// FundingRate is a dimensionless per-interval rate, not a percentage.
	FundingRate decimal.NullDecimal
}

// LeverageInfo reports the maximum leverage a venue allows for a symbol.
type LeverageInfo struct {
	Venue       Venue
	Symbol      string
	MaxLeverage decimal.Decimal
}

// Side is the direction of an order.
type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderKind distinguishes execution semantics.
type OrderKind uint8

const (
	Limit OrderKind = iota + 1
	Market
)

func (k OrderKind) String() string {
	switch k {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

// TradeRequest is the user's USD-denominated, unrounded order intent.
// Conversion to asset units happens in the order normalizer; the request is
// single-use and owned by the submitting call.
type TradeRequest struct {
	Asset      string
	Side       Side
	Kind       OrderKind
	USDValue   decimal.Decimal
	LimitPrice decimal.NullDecimal
	Leverage   uint32
	// CrossMargin is nil when the user expressed no preference.
	CrossMargin *bool
	ReduceOnly  bool
}

// Receipt is the opaque acknowledgement a venue returns for an accepted
// order. ID is venue-scoped (tx hash, oid, or composite) and is the handle
// CancelOrder accepts.
type Receipt struct {
	Venue  Venue
	ID     string
	Detail string
}

// Position is an open perpetual position as reported by a venue.
type Position struct {
	Venue      Venue
	Asset      string
	Size       decimal.Decimal // signed: negative is short
	EntryPrice decimal.NullDecimal
	LiqPrice   decimal.NullDecimal
	UnrealPnL  decimal.Decimal
	MarginUsed decimal.Decimal
	Leverage   uint32
}

// OpenOrder is a resting order as reported by a venue.
type OpenOrder struct {
	Venue  Venue
	Asset  string
	Side   Side
	Size   decimal.Decimal
	Price  decimal.Decimal
	Status string
	ID     string
}
