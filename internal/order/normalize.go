// Package order converts USD-denominated trade intents into venue-ready
// order plans: asset-unit sizing, venue rounding, notional floors, and
// the limit-price encoding of market orders.
package order

import (
	"fmt"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/perpdesk/internal/market"
)

// DefaultMinNotionalUSD is the floor applied when a venue publishes none.
var DefaultMinNotionalUSD = decimal.NewFromInt(10)

// SizeSpec carries the per-market sizing rules a venue publishes.
type SizeSpec struct {
	// SizeDecimals is the number of fractional digits the venue accepts in
	// an order size.
	SizeDecimals int32

	// MinNotional is the smallest acceptable order value in USD. Zero means
	// use DefaultMinNotionalUSD.
	MinNotional decimal.Decimal
}

// Floor returns the effective minimum notional for this spec.
func (s SizeSpec) Floor() decimal.Decimal {
	if s.MinNotional.IsPositive() {
		return s.MinNotional
	}
	return DefaultMinNotionalUSD
}

// CheckNotional refuses undersized or non-positive intents. Adapters call
// it before any venue round-trip; Normalize applies it again for free.
func CheckNotional(usd decimal.Decimal, spec SizeSpec) error {
	if !usd.IsPositive() {
		return market.Rejected(market.ReasonTooSmall,
			fmt.Sprintf("order value %s USD is not positive", usd))
	}
	if floor := spec.Floor(); usd.LessThan(floor) {
		return market.Rejected(market.ReasonBelowMinimum,
			fmt.Sprintf("order value %s USD below venue minimum %s USD", usd, floor))
	}
	return nil
}

// ClientID returns a fresh random order idempotency token.
func ClientID() uint32 { return rand.Uint32() }

// TimeInForce is the execution window of a plan.
type TimeInForce uint8

const (
	GoodTilCancel TimeInForce = iota + 1
	ImmediateOrCancel
)

func (t TimeInForce) String() string {
	switch t {
	case GoodTilCancel:
		return "GTC"
	case ImmediateOrCancel:
		return "IOC"
	default:
		return "unknown"
	}
}

// Plan is a fully-sized order ready for venue-specific encoding. Market
// intents become immediate-or-cancel limits priced at the touch; the plan
// never carries an artificial extreme price.
//
// Leverage is not handled here: venues that support per-order leverage
// apply req.Leverage before submitting the plan, venues that do not
// silently ignore it.
type Plan struct {
	Asset       string
	Side        market.Side
	Kind        market.OrderKind
	Price       decimal.Decimal
	Size        decimal.Decimal
	TimeInForce TimeInForce
	ReduceOnly  bool

	// ClientID is a fresh random idempotency token, never derived from
	// request contents.
	ClientID uint32
}

// Normalize turns a USD intent into a Plan against the live book.
//
// The notional floor is checked before anything else so undersized
// requests are refused without touching venue state. Market orders take
// their reference price from the touch on the taker side: best ask for a
// buy, best bid for a sell. Sizes round half away from zero at the
// venue's size precision.
func Normalize(req market.TradeRequest, book market.OrderBook, spec SizeSpec) (Plan, error) {
	if err := CheckNotional(req.USDValue, spec); err != nil {
		return Plan{}, err
	}

	price, tif, err := referencePrice(req, book)
	if err != nil {
		return Plan{}, err
	}

	size := req.USDValue.Div(price).Round(spec.SizeDecimals)
	if size.IsZero() {
		return Plan{}, market.Rejected(market.ReasonTooSmall,
			fmt.Sprintf("size rounds to zero at %d decimals for %s USD at %s", spec.SizeDecimals, req.USDValue, price))
	}

	return Plan{
		Asset:       req.Asset,
		Side:        req.Side,
		Kind:        req.Kind,
		Price:       price,
		Size:        size,
		TimeInForce: tif,
		ReduceOnly:  req.ReduceOnly,
		ClientID:    ClientID(),
	}, nil
}

func referencePrice(req market.TradeRequest, book market.OrderBook) (decimal.Decimal, TimeInForce, error) {
	switch req.Kind {
	case market.Market:
		var touch market.Level
		var ok bool
		if req.Side == market.Buy {
			touch, ok = book.BestAsk()
		} else {
			touch, ok = book.BestBid()
		}
		if !ok {
			return decimal.Decimal{}, 0, market.ErrNotReady
		}
		return touch.Price, ImmediateOrCancel, nil

	case market.Limit:
		if !req.LimitPrice.Valid || !req.LimitPrice.Decimal.IsPositive() {
			return decimal.Decimal{}, 0, market.Rejected(market.ReasonInvalidPrice,
				"limit order requires a positive limit price")
		}
		return req.LimitPrice.Decimal, GoodTilCancel, nil

	default:
		return decimal.Decimal{}, 0, market.Rejected(market.ReasonInvalidPrice,
			fmt.Sprintf("unknown order kind %d", req.Kind))
	}
}
