// Package dydx adapts the dYdX v4 indexer to the venue contract: a
// diff-based orderbook feed over websocket, REST for market metadata and
// account state, and on-chain order submission behind a gateway boundary.
package dydx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/perpdesk/perpdesk/internal/market"
	"github.com/perpdesk/perpdesk/internal/order"
	"github.com/perpdesk/perpdesk/internal/venue"
)

const (
	MainnetWSURL      = "wss://indexer.dydx.trade/v4/ws"
	MainnetIndexerURL = "https://indexer.dydx.trade"
	TestnetWSURL      = "wss://indexer.v4testnet.dydx.exchange/v4/ws"
	TestnetIndexerURL = "https://indexer.v4testnet.dydx.exchange"

	defaultRESTTimeout  = 5 * time.Second
	defaultOrderTimeout = 30 * time.Second
)

// defaultMaxLeverage is served when the indexer publishes no margin
// fraction for a market. 20x is the venue's ceiling for majors.
var defaultMaxLeverage = decimal.NewFromInt(20)

// Config tunes the adapter. Zero values take mainnet defaults.
type Config struct {
	WSURL      string
	IndexerURL string

	// Address enables the account endpoints (positions, open orders).
	Address string

	RESTTimeout    time.Duration
	OrderTimeout   time.Duration
	MinNotionalUSD decimal.Decimal
}

// Adapter implements venue.Adapter and venue.AccountReader for dYdX v4.
type Adapter struct {
	cfg     Config
	rest    *restClient
	gateway ChainGateway
	log     *zap.Logger

	mu          sync.Mutex
	feed        *venue.Supervisor
	book        *market.DepthBook
	summary     market.MarketSummary
	haveSummary bool
	meta        map[string]perpMarket
}

var (
	_ venue.Adapter       = (*Adapter)(nil)
	_ venue.AccountReader = (*Adapter)(nil)
)

// New builds an adapter. gateway may be nil, which disables order
// submission with a ConfigError at call time.
func New(cfg Config, gateway ChainGateway, log *zap.Logger) *Adapter {
	if cfg.WSURL == "" {
		cfg.WSURL = MainnetWSURL
	}
	if cfg.IndexerURL == "" {
		cfg.IndexerURL = MainnetIndexerURL
	}
	if cfg.RESTTimeout <= 0 {
		cfg.RESTTimeout = defaultRESTTimeout
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = defaultOrderTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		cfg:     cfg,
		rest:    newRESTClient(cfg.IndexerURL, cfg.RESTTimeout),
		gateway: gateway,
		log:     log.With(zap.String("venue", string(market.VenueDydx))),
		meta:    make(map[string]perpMarket),
	}
}

// ticker maps a bare asset symbol to the venue's market id.
func ticker(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "-USD"
}

func symbolOf(tkr string) string {
	return strings.TrimSuffix(tkr, "-USD")
}

// StartMarketUpdates subscribes the orderbook feed for symbol. Calling it
// again with the live symbol is a no-op; a different symbol swaps the book
// and supervisor handle first, then awaits the previous supervisor's
// shutdown before the new one dials, so two sessions never write the same
// book.
func (a *Adapter) StartMarketUpdates(ctx context.Context, symbol string) error {
	tkr := ticker(symbol)

	a.mu.Lock()
	if a.feed != nil && a.feed.Symbol() == symbol && a.feed.Alive() {
		a.mu.Unlock()
		return nil
	}
	prev := a.feed

	book := market.NewDepthBook(market.VenueDydx, symbol)
	sup := venue.NewSupervisor(symbol,
		func(ctx context.Context) (venue.Stream, error) {
			return a.dialFeed(ctx, tkr, book)
		},
		venue.SupervisorConfig{
			OnDrain: func(err error) {
				// Diffs cannot resume against a stale base, so the book is
				// cleared; the last summary stays served.
				a.mu.Lock()
				book.Drop()
				a.mu.Unlock()
			},
			Logger: a.log,
		})

	a.feed = sup
	a.book = book
	a.summary = market.MarketSummary{}
	a.haveSummary = false
	a.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	sup.Start(ctx)
	return nil
}

func (a *Adapter) dialFeed(ctx context.Context, tkr string, book *market.DepthBook) (venue.Stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.cfg.WSURL, nil)
	if err != nil {
		return nil, market.Transient("dydx ws dial", err)
	}

	s := &session{conn: conn, ticker: tkr, adapter: a, book: book, log: a.log}
	if err := s.subscribe(); err != nil {
		_ = conn.Close()
		return nil, market.Transient("dydx ws subscribe", err)
	}
	return s, nil
}

// applySnapshot installs a full book from a "subscribed" message. Writes
// from a superseded session are discarded.
func (a *Adapter) applySnapshot(book *market.DepthBook, bids, asks []market.Level) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.book != book {
		return nil
	}
	return book.ApplySnapshot(bids, asks, time.Now())
}

// applyDeltas merges one diff message and commits the batch. A commit
// failure (crossed or duplicated levels) propagates so the session dies
// and the supervisor forces a fresh subscribe.
func (a *Adapter) applyDeltas(book *market.DepthBook, bids, asks []market.Level) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.book != book {
		return nil
	}
	if !book.Ready() {
		// Diff before snapshot: ignore rather than build on nothing.
		return nil
	}
	book.ApplyDeltas(market.Buy, bids)
	book.ApplyDeltas(market.Sell, asks)
	return book.Commit(time.Now())
}

// applyMarketPatch folds a markets-channel update into the cached summary
// and sizing metadata. patch may be partial; only present fields move.
func (a *Adapter) applyMarketPatch(tkr string, patch perpMarket, oraclePrice *string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.meta[tkr]
	mergeMeta(&m, patch)
	if oraclePrice != nil {
		m.OraclePrice = oraclePrice
	}
	a.meta[tkr] = m

	if a.book == nil || ticker(a.book.Symbol()) != tkr {
		return
	}
	a.summary = summaryFromMeta(a.book.Symbol(), m)
	a.haveSummary = true
}

func mergeMeta(dst *perpMarket, patch perpMarket) {
	if patch.Ticker != "" {
		dst.Ticker = patch.Ticker
	}
	if patch.ClobPairID != "" {
		dst.ClobPairID = patch.ClobPairID
	}
	if patch.StepSize != "" {
		dst.StepSize = patch.StepSize
	}
	if patch.TickSize != "" {
		dst.TickSize = patch.TickSize
	}
	if patch.Status != "" {
		dst.Status = patch.Status
	}
	if patch.OraclePrice != nil {
		dst.OraclePrice = patch.OraclePrice
	}
	if patch.Volume24H != nil {
		dst.Volume24H = patch.Volume24H
	}
	if patch.OpenInterest != nil {
		dst.OpenInterest = patch.OpenInterest
	}
	if patch.NextFundingRate != nil {
		dst.NextFundingRate = patch.NextFundingRate
	}
	if patch.InitialMarginFraction != nil {
		dst.InitialMarginFraction = patch.InitialMarginFraction
	}
}

func nullDec(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func summaryFromMeta(symbol string, m perpMarket) market.MarketSummary {
	return market.MarketSummary{
		Symbol:       symbol,
		MarkPrice:    nullDec(m.OraclePrice),
		Volume24h:    nullDec(m.Volume24H),
		OpenInterest: nullDec(m.OpenInterest),
		FundingRate:  nullDec(m.NextFundingRate),
	}
}

// Orderbook returns the live book for symbol. A symbol other than the
// current subscription is not-ready, even if it was live moments ago.
func (a *Adapter) Orderbook(symbol string) (market.OrderBook, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.book == nil || a.book.Symbol() != symbol {
		return market.OrderBook{}, market.ErrNotReady
	}
	return a.book.Snapshot()
}

// Summary fetches headline figures over REST, falling back to the cached
// websocket-enriched value on transient failure.
func (a *Adapter) Summary(ctx context.Context, symbol string) (market.MarketSummary, error) {
	tkr := ticker(symbol)
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RESTTimeout)
	defer cancel()

	m, err := a.rest.perpetualMarket(ctx, tkr)
	if err == nil {
		a.mu.Lock()
		cached := a.meta[tkr]
		mergeMeta(&cached, m)
		a.meta[tkr] = cached
		s := summaryFromMeta(symbol, cached)
		if a.book != nil && a.book.Symbol() == symbol {
			a.summary = s
			a.haveSummary = true
		}
		a.mu.Unlock()
		return s, nil
	}

	if market.IsTransient(err) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.haveSummary && a.book != nil && a.book.Symbol() == symbol {
			return a.summary, nil
		}
	}
	return market.MarketSummary{}, err
}

// marketMeta returns cached sizing metadata for tkr, fetching it once via
// REST when unseen.
func (a *Adapter) marketMeta(ctx context.Context, tkr string) (perpMarket, error) {
	a.mu.Lock()
	m, ok := a.meta[tkr]
	a.mu.Unlock()
	if ok && m.StepSize != "" {
		return m, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RESTTimeout)
	defer cancel()
	fetched, err := a.rest.perpetualMarket(ctx, tkr)
	if err != nil {
		return perpMarket{}, err
	}

	a.mu.Lock()
	cached := a.meta[tkr]
	mergeMeta(&cached, fetched)
	a.meta[tkr] = cached
	a.mu.Unlock()
	return cached, nil
}

// Leverage derives max leverage from the market's initial margin fraction.
// The cached value answers without a network round-trip.
func (a *Adapter) Leverage(ctx context.Context, symbol string) (market.LeverageInfo, error) {
	m, err := a.marketMeta(ctx, ticker(symbol))
	if err != nil {
		return market.LeverageInfo{}, err
	}

	max := defaultMaxLeverage
	if m.InitialMarginFraction != nil {
		if imf, err := decimal.NewFromString(*m.InitialMarginFraction); err == nil && imf.IsPositive() {
			max = decimal.NewFromInt(1).Div(imf)
		}
	}
	return market.LeverageInfo{
		Venue:       market.VenueDydx,
		Symbol:      symbol,
		MaxLeverage: max,
	}, nil
}

// Assets lists the venue's tradable universe as bare symbols.
func (a *Adapter) Assets(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RESTTimeout)
	defer cancel()

	markets, err := a.rest.perpetualMarkets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(markets))
	for tkr := range markets {
		out = append(out, symbolOf(tkr))
	}
	sort.Strings(out)
	return out, nil
}

// PlaceOrder normalizes the intent and hands the plan to the chain
// gateway. The venue has no per-order leverage setting, so req.Leverage is
// ignored here. Undersized requests are refused before any network call.
func (a *Adapter) PlaceOrder(ctx context.Context, req market.TradeRequest) (market.Receipt, error) {
	if a.gateway == nil {
		return market.Receipt{}, &market.ConfigError{Field: "dydx.gateway", Reason: "no signing gateway configured"}
	}

	spec := order.SizeSpec{MinNotional: a.cfg.MinNotionalUSD}
	if err := order.CheckNotional(req.USDValue, spec); err != nil {
		return market.Receipt{}, err
	}

	book, err := a.Orderbook(req.Asset)
	if err != nil {
		if req.Kind == market.Market {
			return market.Receipt{}, err
		}
		book = market.OrderBook{}
	}

	tkr := ticker(req.Asset)
	meta, err := a.marketMeta(ctx, tkr)
	if err != nil {
		return market.Receipt{}, err
	}
	spec.SizeDecimals = stepDecimals(meta.StepSize)

	plan, err := order.Normalize(req, book, spec)
	if err != nil {
		return market.Receipt{}, err
	}

	return a.submit(ctx, tkr, meta.ClobPairID, plan)
}

func (a *Adapter) submit(ctx context.Context, tkr, clobPairID string, plan order.Plan) (market.Receipt, error) {
	payload := OrderPayload{
		Ticker:      tkr,
		ClobPairID:  clobPairID,
		Side:        plan.Side,
		Size:        plan.Size,
		Price:       plan.Price,
		TimeInForce: plan.TimeInForce,
		ReduceOnly:  plan.ReduceOnly,
		ClientID:    plan.ClientID,
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.OrderTimeout)
	defer cancel()
	rcpt, err := a.gateway.PlaceOrder(ctx, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return market.Receipt{}, market.Transient("dydx place order", err)
		}
		return market.Receipt{}, err
	}
	rcpt.Venue = market.VenueDydx
	return rcpt, nil
}

// CancelOrder cancels by the id a Receipt or OpenOrder carries.
func (a *Adapter) CancelOrder(ctx context.Context, id string) error {
	if a.gateway == nil {
		return &market.ConfigError{Field: "dydx.gateway", Reason: "no signing gateway configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.OrderTimeout)
	defer cancel()
	err := a.gateway.CancelOrder(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		return market.Transient("dydx cancel order", err)
	}
	return err
}

// ClosePosition submits a reduce-only IOC of opposite sign for the full
// signed position size, priced at the touch.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, signedSize decimal.Decimal) (market.Receipt, error) {
	if a.gateway == nil {
		return market.Receipt{}, &market.ConfigError{Field: "dydx.gateway", Reason: "no signing gateway configured"}
	}
	if signedSize.IsZero() {
		return market.Receipt{}, market.Rejected(market.ReasonTooSmall, "position size is zero")
	}

	book, err := a.Orderbook(symbol)
	if err != nil {
		return market.Receipt{}, err
	}

	side := market.Sell
	touch, ok := book.BestBid()
	if signedSize.IsNegative() {
		side = market.Buy
		touch, ok = book.BestAsk()
	}
	if !ok {
		return market.Receipt{}, market.ErrNotReady
	}

	tkr := ticker(symbol)
	meta, err := a.marketMeta(ctx, tkr)
	if err != nil {
		return market.Receipt{}, err
	}

	plan := order.Plan{
		Asset:       symbol,
		Side:        side,
		Kind:        market.Market,
		Price:       touch.Price,
		Size:        signedSize.Abs(),
		TimeInForce: order.ImmediateOrCancel,
		ReduceOnly:  true,
		ClientID:    order.ClientID(),
	}
	return a.submit(ctx, tkr, meta.ClobPairID, plan)
}

// Positions lists open perpetual positions for the configured address.
func (a *Adapter) Positions(ctx context.Context) ([]market.Position, error) {
	if a.cfg.Address == "" {
		return nil, &market.ConfigError{Field: "dydx.address", Reason: "no account address configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RESTTimeout)
	defer cancel()

	rows, err := a.rest.openPositions(ctx, a.cfg.Address)
	if err != nil {
		return nil, err
	}

	out := make([]market.Position, 0, len(rows))
	for _, r := range rows {
		size, err := decimal.NewFromString(r.Size)
		if err != nil {
			return nil, fmt.Errorf("dydx position size %q: %w", r.Size, err)
		}
		if strings.EqualFold(r.Side, "SHORT") && size.IsPositive() {
			size = size.Neg()
		}
		pnl, _ := decimal.NewFromString(r.UnrealizedPnl)
		out = append(out, market.Position{
			Venue:      market.VenueDydx,
			Asset:      symbolOf(r.Market),
			Size:       size,
			EntryPrice: nullDec(r.EntryPrice),
			UnrealPnL:  pnl,
		})
	}
	return out, nil
}

// OpenOrders lists resting orders for the configured address.
func (a *Adapter) OpenOrders(ctx context.Context) ([]market.OpenOrder, error) {
	if a.cfg.Address == "" {
		return nil, &market.ConfigError{Field: "dydx.address", Reason: "no account address configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RESTTimeout)
	defer cancel()

	rows, err := a.rest.openOrders(ctx, a.cfg.Address)
	if err != nil {
		return nil, err
	}

	out := make([]market.OpenOrder, 0, len(rows))
	for _, r := range rows {
		size, _ := decimal.NewFromString(r.Size)
		price, _ := decimal.NewFromString(r.Price)
		side := market.Buy
		if strings.EqualFold(r.Side, "SELL") {
			side = market.Sell
		}
		out = append(out, market.OpenOrder{
			Venue:  market.VenueDydx,
			Asset:  symbolOf(r.Ticker),
			Side:   side,
			Size:   size,
			Price:  price,
			Status: r.Status,
			ID:     r.ID,
		})
	}
	return out, nil
}

// stepDecimals derives the size precision from the market's step size,
// e.g. "0.0001" allows four fractional digits.
func stepDecimals(step string) int32 {
	d, err := decimal.NewFromString(step)
	if err != nil || d.IsZero() {
		return 0
	}
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
