// Package aggregator is the single entry point the UI talks to: it owns
// one adapter per venue, dispatches uniformly by venue tag, and keeps a
// last-good summary cache so a flapping venue degrades to stale headline
// figures instead of errors. Orderbooks are never served from a cache.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/market"
	"github.com/perpdesk/perpdesk/internal/venue"
	"github.com/perpdesk/perpdesk/internal/venue/dydx"
	"github.com/perpdesk/perpdesk/internal/venue/hyperliquid"
)

// ErrUnknownVenue is returned for a venue tag no adapter is registered
// under.
var ErrUnknownVenue = errors.New("unknown venue")

type summaryKey struct {
	venue  market.Venue
	symbol string
}

// Aggregator fans requests out to registered venue adapters.
type Aggregator struct {
	log      *zap.Logger
	order    []market.Venue
	adapters map[market.Venue]venue.Adapter

	mu        sync.RWMutex
	summaries map[summaryKey]market.MarketSummary
}

// New builds an aggregator over an explicit adapter set. Iteration order
// follows registration order.
func New(log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		log:       log,
		adapters:  make(map[market.Venue]venue.Adapter),
		summaries: make(map[summaryKey]market.MarketSummary),
	}
}

// Register adds an adapter under its venue tag. Last registration wins.
func (g *Aggregator) Register(v market.Venue, a venue.Adapter) {
	if _, dup := g.adapters[v]; !dup {
		g.order = append(g.order, v)
	}
	g.adapters[v] = a
}

// FromConfig wires the standard two-venue setup. gateway and submitter
// may be nil; the affected venue then refuses orders with a ConfigError.
// Empty endpoint overrides resolve to the network the testnet flag
// selects; explicit overrides always win.
func FromConfig(cfg *config.Config, gateway dydx.ChainGateway, submitter hyperliquid.Submitter, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	dcfg, hcfg := venueConfigs(cfg)

	g := New(log)
	g.Register(market.VenueDydx, dydx.New(dcfg, gateway, log))
	g.Register(market.VenueHyperliquid, hyperliquid.New(hcfg, submitter, log))
	return g
}

// venueConfigs resolves per-venue settings: explicit endpoint overrides,
// else the network the testnet flag selects.
func venueConfigs(cfg *config.Config) (dydx.Config, hyperliquid.Config) {
	minNotional := cfg.Order.MinNotional()

	dydxWS, dydxIndexer := dydx.MainnetWSURL, dydx.MainnetIndexerURL
	hyperWS, hyperAPI := hyperliquid.MainnetWSURL, hyperliquid.MainnetAPIURL
	if cfg.Testnet {
		dydxWS, dydxIndexer = dydx.TestnetWSURL, dydx.TestnetIndexerURL
		hyperWS, hyperAPI = hyperliquid.TestnetWSURL, hyperliquid.TestnetAPIURL
	}

	return dydx.Config{
			WSURL:          firstNonEmpty(cfg.Dydx.WSURL, dydxWS),
			IndexerURL:     firstNonEmpty(cfg.Dydx.IndexerURL, dydxIndexer),
			Address:        cfg.Dydx.Address,
			RESTTimeout:    cfg.RESTTimeout(),
			OrderTimeout:   cfg.OrderTimeout(),
			MinNotionalUSD: minNotional,
		}, hyperliquid.Config{
			WSURL:          firstNonEmpty(cfg.Hyper.WSURL, hyperWS),
			APIURL:         firstNonEmpty(cfg.Hyper.APIURL, hyperAPI),
			Address:        cfg.Hyper.Address,
			RESTTimeout:    cfg.RESTTimeout(),
			OrderTimeout:   cfg.OrderTimeout(),
			MinNotionalUSD: minNotional,
		}
}

func firstNonEmpty(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

// Venues lists registered venue tags in registration order.
func (g *Aggregator) Venues() []market.Venue {
	out := make([]market.Venue, len(g.order))
	copy(out, g.order)
	return out
}

func (g *Aggregator) adapter(v market.Venue) (venue.Adapter, error) {
	a, ok := g.adapters[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, v)
	}
	return a, nil
}

// StartMarketUpdates subscribes one venue's feed for symbol.
func (g *Aggregator) StartMarketUpdates(ctx context.Context, v market.Venue, symbol string) error {
	a, err := g.adapter(v)
	if err != nil {
		return err
	}
	return a.StartMarketUpdates(ctx, symbol)
}

// StartAllMarketUpdates subscribes every venue for symbol. A venue that
// fails to register is logged and skipped; the call errors only when no
// venue started.
func (g *Aggregator) StartAllMarketUpdates(ctx context.Context, symbol string) error {
	var errs []error
	started := 0
	for _, v := range g.order {
		if err := g.adapters[v].StartMarketUpdates(ctx, symbol); err != nil {
			g.log.Warn("venue failed to start market updates",
				zap.String("venue", string(v)), zap.String("symbol", symbol), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", v, err))
			continue
		}
		started++
	}
	if started == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Orderbook returns the live book for (venue, symbol). Books are never
// served stale from a cache; a broken feed surfaces as ErrNotReady.
func (g *Aggregator) Orderbook(v market.Venue, symbol string) (market.OrderBook, error) {
	a, err := g.adapter(v)
	if err != nil {
		return market.OrderBook{}, err
	}
	return a.Orderbook(symbol)
}

// Summary returns headline figures for (venue, symbol), falling back to
// the last good value on transient venue failure. This is the only read
// path that masks failures.
func (g *Aggregator) Summary(ctx context.Context, v market.Venue, symbol string) (market.MarketSummary, error) {
	a, err := g.adapter(v)
	if err != nil {
		return market.MarketSummary{}, err
	}

	key := summaryKey{venue: v, symbol: symbol}
	s, err := a.Summary(ctx, symbol)
	if err == nil {
		g.mu.Lock()
		g.summaries[key] = s
		g.mu.Unlock()
		return s, nil
	}

	if market.IsTransient(err) || errors.Is(err, market.ErrNotReady) {
		g.mu.RLock()
		cached, ok := g.summaries[key]
		g.mu.RUnlock()
		if ok {
			g.log.Debug("serving cached summary",
				zap.String("venue", string(v)), zap.String("symbol", symbol), zap.Error(err))
			return cached, nil
		}
	}
	return market.MarketSummary{}, err
}

// Leverage dispatches to the venue's cached-metadata lookup.
func (g *Aggregator) Leverage(ctx context.Context, v market.Venue, symbol string) (market.LeverageInfo, error) {
	a, err := g.adapter(v)
	if err != nil {
		return market.LeverageInfo{}, err
	}
	return a.Leverage(ctx, symbol)
}

// Assets lists the tradable universe of one venue.
func (g *Aggregator) Assets(ctx context.Context, v market.Venue) ([]string, error) {
	a, err := g.adapter(v)
	if err != nil {
		return nil, err
	}
	return a.Assets(ctx)
}

// PlaceTrade submits a normalized order on one venue.
func (g *Aggregator) PlaceTrade(ctx context.Context, v market.Venue, req market.TradeRequest) (market.Receipt, error) {
	a, err := g.adapter(v)
	if err != nil {
		return market.Receipt{}, err
	}
	return a.PlaceOrder(ctx, req)
}

// CancelOrder cancels a venue-scoped order id.
func (g *Aggregator) CancelOrder(ctx context.Context, v market.Venue, id string) error {
	a, err := g.adapter(v)
	if err != nil {
		return err
	}
	return a.CancelOrder(ctx, id)
}

// ClosePosition closes the full signed size on one venue.
func (g *Aggregator) ClosePosition(ctx context.Context, v market.Venue, symbol string, signedSize decimal.Decimal) (market.Receipt, error) {
	a, err := g.adapter(v)
	if err != nil {
		return market.Receipt{}, err
	}
	return a.ClosePosition(ctx, symbol, signedSize)
}

// AllPositions merges open positions across every venue with account
// access. Venues without a configured account are skipped; other failures
// are joined into the returned error alongside the partial result.
func (g *Aggregator) AllPositions(ctx context.Context) ([]market.Position, error) {
	var out []market.Position
	var errs []error
	for _, v := range g.order {
		reader, ok := g.adapters[v].(venue.AccountReader)
		if !ok {
			continue
		}
		positions, err := reader.Positions(ctx)
		if err != nil {
			var ce *market.ConfigError
			if errors.As(err, &ce) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", v, err))
			continue
		}
		out = append(out, positions...)
	}
	return out, errors.Join(errs...)
}

// AllOpenOrders merges resting orders across every venue with account
// access, with the same skip/join policy as AllPositions.
func (g *Aggregator) AllOpenOrders(ctx context.Context) ([]market.OpenOrder, error) {
	var out []market.OpenOrder
	var errs []error
	for _, v := range g.order {
		reader, ok := g.adapters[v].(venue.AccountReader)
		if !ok {
			continue
		}
		orders, err := reader.OpenOrders(ctx)
		if err != nil {
			var ce *market.ConfigError
			if errors.As(err, &ce) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", v, err))
			continue
		}
		out = append(out, orders...)
	}
	return out, errors.Join(errs...)
}
