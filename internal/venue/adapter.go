// Package venue defines the uniform capability contract every derivatives
// venue adapter implements, and the supervisor that keeps a per-symbol
// market data subscription alive.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/perpdesk/internal/market"
)

// Adapter is the venue-agnostic capability set. The aggregator holds one
// adapter per venue tag and dispatches uniformly.
type Adapter interface {
	// StartMarketUpdates registers a background subscription for symbol.
	// It is idempotent per symbol; a different symbol cancels the previous
	// supervisor before the new one dials. It returns as soon as the
	// supervisor is registered; initial data is not guaranteed.
	StartMarketUpdates(ctx context.Context, symbol string) error

	// Orderbook returns the most recent canonical book for symbol, or
	// market.ErrNotReady when no snapshot has arrived or symbol is not the
	// live subscription.
	Orderbook(symbol string) (market.OrderBook, error)

	// Summary returns the venue's headline figures for symbol. It may hit
	// REST or serve a cached value, but never blocks beyond the configured
	// timeout.
	Summary(ctx context.Context, symbol string) (market.MarketSummary, error)

	// Leverage never blocks on the network when the value is derivable
	// from cached metadata.
	Leverage(ctx context.Context, symbol string) (market.LeverageInfo, error)

	// Assets lists the venue's tradable universe.
	Assets(ctx context.Context) ([]string, error)

	// PlaceOrder normalizes and submits the request, blocking until the
	// venue acknowledges or the order timeout elapses.
	PlaceOrder(ctx context.Context, req market.TradeRequest) (market.Receipt, error)

	// CancelOrder cancels by the venue-scoped id from a Receipt or an
	// OpenOrder.
	CancelOrder(ctx context.Context, id string) error

	// ClosePosition is sugar over PlaceOrder: a reduce-only market order of
	// opposite sign for the given signed position size.
	ClosePosition(ctx context.Context, symbol string, signedSize decimal.Decimal) (market.Receipt, error)
}

// AccountReader is implemented by adapters that can list the operator's
// open positions and resting orders.
type AccountReader interface {
	Positions(ctx context.Context) ([]market.Position, error)
	OpenOrders(ctx context.Context) ([]market.OpenOrder, error)
}
