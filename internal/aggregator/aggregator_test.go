package aggregator

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/market"
	"github.com/perpdesk/perpdesk/internal/venue/dydx"
	"github.com/perpdesk/perpdesk/internal/venue/hyperliquid"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeAdapter is a scriptable venue.Adapter.
type fakeAdapter struct {
	venue market.Venue

	startErr   error
	started    []string
	book       market.OrderBook
	bookErr    error
	summary    market.MarketSummary
	summaryErr error
	placed     []market.TradeRequest
	receipt    market.Receipt
	placeErr   error
	cancelled  []string

	positions    []market.Position
	positionsErr error
	orders       []market.OpenOrder
	ordersErr    error
}

func (f *fakeAdapter) StartMarketUpdates(ctx context.Context, symbol string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, symbol)
	return nil
}

func (f *fakeAdapter) Orderbook(symbol string) (market.OrderBook, error) {
	return f.book, f.bookErr
}

func (f *fakeAdapter) Summary(ctx context.Context, symbol string) (market.MarketSummary, error) {
	return f.summary, f.summaryErr
}

func (f *fakeAdapter) Leverage(ctx context.Context, symbol string) (market.LeverageInfo, error) {
	return market.LeverageInfo{Venue: f.venue, Symbol: symbol, MaxLeverage: d("50")}, nil
}

func (f *fakeAdapter) Assets(ctx context.Context) ([]string, error) {
	return []string{"BTC", "ETH"}, nil
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req market.TradeRequest) (market.Receipt, error) {
	f.placed = append(f.placed, req)
	return f.receipt, f.placeErr
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeAdapter) ClosePosition(ctx context.Context, symbol string, signedSize decimal.Decimal) (market.Receipt, error) {
	return f.receipt, f.placeErr
}

func (f *fakeAdapter) Positions(ctx context.Context) ([]market.Position, error) {
	return f.positions, f.positionsErr
}

func (f *fakeAdapter) OpenOrders(ctx context.Context) ([]market.OpenOrder, error) {
	return f.orders, f.ordersErr
}

func newPair() (*Aggregator, *fakeAdapter, *fakeAdapter) {
	a := &fakeAdapter{venue: market.VenueDydx}
	b := &fakeAdapter{venue: market.VenueHyperliquid}
	g := New(nil)
	g.Register(market.VenueDydx, a)
	g.Register(market.VenueHyperliquid, b)
	return g, a, b
}

func TestStartAll_PartialFailureContinues(t *testing.T) {
	g, a, b := newPair()
	a.startErr = market.Transient("dial", errors.New("refused"))

	err := g.StartAllMarketUpdates(context.Background(), "BTC")
	require.NoError(t, err, "one live venue is enough")
	assert.Empty(t, a.started)
	assert.Equal(t, []string{"BTC"}, b.started)
}

func TestStartAll_TotalFailureSurfaces(t *testing.T) {
	g, a, b := newPair()
	a.startErr = errors.New("a down")
	b.startErr = errors.New("b down")

	err := g.StartAllMarketUpdates(context.Background(), "BTC")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a down")
	assert.Contains(t, err.Error(), "b down")
}

func TestSummary_CachesLastGood(t *testing.T) {
	g, a, _ := newPair()
	a.summary = market.MarketSummary{Symbol: "BTC", MarkPrice: decimal.NewNullDecimal(d("50000"))}

	s, err := g.Summary(context.Background(), market.VenueDydx, "BTC")
	require.NoError(t, err)
	require.True(t, s.MarkPrice.Valid)

	// Venue breaks: headline figures degrade to the cached value.
	a.summaryErr = market.Transient("rest", errors.New("boom"))
	s, err = g.Summary(context.Background(), market.VenueDydx, "BTC")
	require.NoError(t, err)
	assert.True(t, s.MarkPrice.Decimal.Equal(d("50000")))
}

func TestSummary_NoCacheSurfacesError(t *testing.T) {
	g, a, _ := newPair()
	a.summaryErr = market.Transient("rest", errors.New("boom"))

	_, err := g.Summary(context.Background(), market.VenueDydx, "BTC")
	assert.True(t, market.IsTransient(err))
}

func TestSummary_CacheIsPerVenueAndSymbol(t *testing.T) {
	g, a, b := newPair()
	a.summary = market.MarketSummary{Symbol: "BTC", MarkPrice: decimal.NewNullDecimal(d("50000"))}
	b.summary = market.MarketSummary{Symbol: "BTC", MarkPrice: decimal.NewNullDecimal(d("50007"))}

	_, err := g.Summary(context.Background(), market.VenueDydx, "BTC")
	require.NoError(t, err)

	// Venue B never succeeded: its failure must not borrow venue A's cache.
	b.summaryErr = market.Transient("rest", errors.New("boom"))
	_, err = g.Summary(context.Background(), market.VenueHyperliquid, "BTC")
	assert.Error(t, err)
}

func TestSummary_RejectionNotMasked(t *testing.T) {
	g, a, _ := newPair()
	a.summary = market.MarketSummary{Symbol: "BTC", MarkPrice: decimal.NewNullDecimal(d("50000"))}
	_, err := g.Summary(context.Background(), market.VenueDydx, "BTC")
	require.NoError(t, err)

	a.summaryErr = market.ErrNotFound
	_, err = g.Summary(context.Background(), market.VenueDydx, "BTC")
	assert.ErrorIs(t, err, market.ErrNotFound, "only transient failures fall back")
}

func TestOrderbook_NeverFallsBack(t *testing.T) {
	g, a, _ := newPair()
	a.book = market.OrderBook{Symbol: "BTC", Bids: []market.Level{{Price: d("1"), Size: d("1")}}}

	_, err := g.Orderbook(market.VenueDydx, "BTC")
	require.NoError(t, err)

	a.bookErr = market.ErrNotReady
	_, err = g.Orderbook(market.VenueDydx, "BTC")
	assert.ErrorIs(t, err, market.ErrNotReady, "books are live or absent, never stale")
}

func TestDispatch_UnknownVenue(t *testing.T) {
	g, _, _ := newPair()
	_, err := g.Orderbook(market.Venue("binance"), "BTC")
	assert.ErrorIs(t, err, ErrUnknownVenue)

	_, err = g.PlaceTrade(context.Background(), market.Venue("binance"), market.TradeRequest{})
	assert.ErrorIs(t, err, ErrUnknownVenue)
}

func TestPlaceTrade_RoutesToVenue(t *testing.T) {
	g, a, b := newPair()
	b.receipt = market.Receipt{Venue: market.VenueHyperliquid, ID: "BTC:42"}

	rcpt, err := g.PlaceTrade(context.Background(), market.VenueHyperliquid, market.TradeRequest{
		Asset: "BTC", Side: market.Buy, Kind: market.Market, USDValue: d("1000"),
	})
	require.NoError(t, err)
	assert.Equal(t, "BTC:42", rcpt.ID)
	assert.Empty(t, a.placed)
	assert.Len(t, b.placed, 1)
}

func TestAllPositions_MergesAndSkipsUnconfigured(t *testing.T) {
	g, a, b := newPair()
	a.positionsErr = &market.ConfigError{Field: "dydx.address", Reason: "no account address configured"}
	b.positions = []market.Position{{Venue: market.VenueHyperliquid, Asset: "BTC", Size: d("-0.5")}}

	positions, err := g.AllPositions(context.Background())
	require.NoError(t, err, "an unconfigured venue is not an error")
	require.Len(t, positions, 1)
	assert.Equal(t, market.VenueHyperliquid, positions[0].Venue)
}

func TestAllPositions_RealFailureJoined(t *testing.T) {
	g, a, b := newPair()
	a.positionsErr = market.Transient("rest", errors.New("boom"))
	b.positions = []market.Position{{Venue: market.VenueHyperliquid, Asset: "BTC", Size: d("1")}}

	positions, err := g.AllPositions(context.Background())
	require.Error(t, err)
	assert.Len(t, positions, 1, "partial results still returned")
}

func TestVenuesOrderStable(t *testing.T) {
	g, _, _ := newPair()
	assert.Equal(t, []market.Venue{market.VenueDydx, market.VenueHyperliquid}, g.Venues())
}

func TestVenueConfigs_MainnetByDefault(t *testing.T) {
	dcfg, hcfg := venueConfigs(&config.Config{})

	assert.Equal(t, dydx.MainnetWSURL, dcfg.WSURL)
	assert.Equal(t, dydx.MainnetIndexerURL, dcfg.IndexerURL)
	assert.Equal(t, hyperliquid.MainnetWSURL, hcfg.WSURL)
	assert.Equal(t, hyperliquid.MainnetAPIURL, hcfg.APIURL)
}

func TestVenueConfigs_TestnetFlagSelectsTestnet(t *testing.T) {
	dcfg, hcfg := venueConfigs(&config.Config{Testnet: true})

	assert.Equal(t, dydx.TestnetWSURL, dcfg.WSURL)
	assert.Equal(t, dydx.TestnetIndexerURL, dcfg.IndexerURL)
	assert.Equal(t, hyperliquid.TestnetWSURL, hcfg.WSURL)
	assert.Equal(t, hyperliquid.TestnetAPIURL, hcfg.APIURL)
}

func TestVenueConfigs_OverridesWinOverTestnet(t *testing.T) {
	cfg := &config.Config{Testnet: true}
	cfg.Dydx.IndexerURL = "http://localhost:8080"
	cfg.Hyper.WSURL = "ws://localhost:9090"

	dcfg, hcfg := venueConfigs(cfg)

	assert.Equal(t, "http://localhost:8080", dcfg.IndexerURL)
	assert.Equal(t, dydx.TestnetWSURL, dcfg.WSURL, "unset endpoints still follow the flag")
	assert.Equal(t, "ws://localhost:9090", hcfg.WSURL)
	assert.Equal(t, hyperliquid.TestnetAPIURL, hcfg.APIURL)
}
