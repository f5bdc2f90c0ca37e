// Package hyperliquid adapts the Hyperliquid perp exchange to the venue
// contract: a typed L2 snapshot stream over websocket, the info endpoint
// for metadata and account state, and signed exchange actions for orders.
package hyperliquid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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
	MainnetWSURL  = "wss://api.hyperliquid.xyz/ws"
	MainnetAPIURL = "https://api.hyperliquid.xyz"
	TestnetWSURL  = "wss://api.hyperliquid-testnet.xyz/ws"
	TestnetAPIURL = "https://api.hyperliquid-testnet.xyz"

	defaultRESTTimeout  = 5 * time.Second
	defaultOrderTimeout = 30 * time.Second
)

// FallbackMaxLeverage is served for assets missing from the cached
// universe metadata.
var FallbackMaxLeverage = decimal.NewFromInt(50)

// Config tunes the adapter. Zero values take mainnet defaults.
type Config struct {
	WSURL  string
	APIURL string

	// Address enables the account endpoints (positions, open orders).
	Address string

	RESTTimeout    time.Duration
	OrderTimeout   time.Duration
	MinNotionalUSD decimal.Decimal
}

// universeEntry is one cached asset row plus its wire index, which the
// exchange endpoint addresses orders by.
type universeEntry struct {
	assetMeta
	index int
}

// Adapter implements venue.Adapter and venue.AccountReader.
type Adapter struct {
	cfg       Config
	info      *infoClient
	submitter Submitter
	log       *zap.Logger

	mu          sync.Mutex
	feed        *venue.Supervisor
	book        *market.DepthBook
	summary     market.MarketSummary
	haveSummary bool
	universe    map[string]universeEntry
}

var (
	_ venue.Adapter       = (*Adapter)(nil)
	_ venue.AccountReader = (*Adapter)(nil)
)

// New builds an adapter. submitter may be nil, which disables order
// submission with a ConfigError at call time.
func New(cfg Config, submitter Submitter, log *zap.Logger) *Adapter {
	if cfg.WSURL == "" {
		cfg.WSURL = MainnetWSURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = MainnetAPIURL
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
		cfg:       cfg,
		info:      newInfoClient(cfg.APIURL, cfg.RESTTimeout),
		submitter: submitter,
		log:       log.With(zap.String("venue", string(market.VenueHyperliquid))),
	}
}

// coin maps a symbol to the venue's bare coin name.
func coin(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// StartMarketUpdates subscribes the l2Book stream for symbol with the
// same swap-then-await handover as the other venues.
func (a *Adapter) StartMarketUpdates(ctx context.Context, symbol string) error {
	a.mu.Lock()
	if a.feed != nil && a.feed.Symbol() == symbol && a.feed.Alive() {
		a.mu.Unlock()
		return nil
	}
	prev := a.feed

	book := market.NewDepthBook(market.VenueHyperliquid, symbol)
	sup := venue.NewSupervisor(symbol,
		func(ctx context.Context) (venue.Stream, error) {
			return a.dialFeed(ctx, coin(symbol), book)
		},
		venue.SupervisorConfig{
			// No OnDrain: every frame is a complete snapshot, so the book
			// survives reconnects merely stale, never inconsistent.
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

func (a *Adapter) dialFeed(ctx context.Context, c string, book *market.DepthBook) (venue.Stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.cfg.WSURL, nil)
	if err != nil {
		return nil, market.Transient("hyperliquid ws dial", err)
	}

	s := &session{conn: conn, coin: c, adapter: a, book: book, log: a.log}
	if err := s.subscribe(); err != nil {
		_ = conn.Close()
		return nil, market.Transient("hyperliquid ws subscribe", err)
	}
	return s, nil
}

func (a *Adapter) applySnapshot(book *market.DepthBook, bids, asks []market.Level, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.book != book {
		return nil
	}
	return book.ApplySnapshot(bids, asks, at)
}

// Orderbook returns the live book for symbol, or ErrNotReady for any
// other symbol.
func (a *Adapter) Orderbook(symbol string) (market.OrderBook, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.book == nil || a.book.Symbol() != symbol {
		return market.OrderBook{}, market.ErrNotReady
	}
	return a.book.Snapshot()
}

// loadUniverse returns the cached universe, fetching it once when empty.
func (a *Adapter) loadUniverse(ctx context.Context) (map[string]universeEntry, error) {
	a.mu.Lock()
	u := a.universe
	a.mu.Unlock()
	if u != nil {
		return u, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RESTTimeout)
	defer cancel()
	meta, err := a.info.meta(ctx)
	if err != nil {
		return nil, err
	}
	return a.cacheUniverse(meta), nil
}

func (a *Adapter) cacheUniverse(meta exchangeMeta) map[string]universeEntry {
	u := make(map[string]universeEntry, len(meta.Universe))
	for i, row := range meta.Universe {
		u[row.Name] = universeEntry{assetMeta: row, index: i}
	}
	a.mu.Lock()
	a.universe = u
	a.mu.Unlock()
	return u
}

// Summary combines the universe row and the asset context for symbol.
// Transient failures fall back to the cached value for the live symbol.
func (a *Adapter) Summary(ctx context.Context, symbol string) (market.MarketSummary, error) {
	c := coin(symbol)
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RESTTimeout)
	defer cancel()

	meta, ctxs, err := a.info.metaAndAssetCtxs(rctx)
	if err == nil {
		u := a.cacheUniverse(meta)
		entry, ok := u[c]
		if !ok || entry.index >= len(ctxs) {
			return market.MarketSummary{}, market.ErrNotFound
		}
		s := summaryFromCtx(symbol, ctxs[entry.index])
		a.mu.Lock()
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

func summaryFromCtx(symbol string, c assetCtx) market.MarketSummary {
	parse := func(s string) decimal.NullDecimal {
		if s == "" {
			return decimal.NullDecimal{}
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.NullDecimal{}
		}
		return decimal.NewNullDecimal(d)
	}
	return market.MarketSummary{
		Symbol:       symbol,
		MarkPrice:    parse(c.MarkPx),
		Volume24h:    parse(c.DayNtlVlm),
		OpenInterest: parse(c.OpenInterest),
		FundingRate:  parse(c.Funding),
	}
}

// Leverage serves the universe's per-asset ceiling; the cached universe
// answers without a network round-trip. Unknown assets get the fallback.
func (a *Adapter) Leverage(ctx context.Context, symbol string) (market.LeverageInfo, error) {
	u, err := a.loadUniverse(ctx)
	if err != nil {
		return market.LeverageInfo{}, err
	}

	max := FallbackMaxLeverage
	if entry, ok := u[coin(symbol)]; ok && entry.MaxLeverage > 0 {
		max = decimal.NewFromInt(int64(entry.MaxLeverage))
	}
	return market.LeverageInfo{
		Venue:       market.VenueHyperliquid,
		Symbol:      symbol,
		MaxLeverage: max,
	}, nil
}

// Assets lists the universe in wire order.
func (a *Adapter) Assets(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RESTTimeout)
	defer cancel()
	meta, err := a.info.meta(ctx)
	if err != nil {
		return nil, err
	}
	a.cacheUniverse(meta)

	out := make([]string, 0, len(meta.Universe))
	for _, row := range meta.Universe {
		out = append(out, row.Name)
	}
	return out, nil
}

// PlaceOrder applies the leverage gate, normalizes the intent at the
// venue's size precision, and submits a signed order action. Undersized
// requests are refused before any network call.
func (a *Adapter) PlaceOrder(ctx context.Context, req market.TradeRequest) (market.Receipt, error) {
	if a.submitter == nil {
		return market.Receipt{}, &market.ConfigError{Field: "hyperliquid.submitter", Reason: "no action submitter configured"}
	}

	spec := order.SizeSpec{MinNotional: a.cfg.MinNotionalUSD}
	if err := order.CheckNotional(req.USDValue, spec); err != nil {
		return market.Receipt{}, err
	}

	u, err := a.loadUniverse(ctx)
	if err != nil {
		return market.Receipt{}, err
	}
	entry, ok := u[coin(req.Asset)]
	if !ok {
		return market.Receipt{}, market.ErrNotFound
	}

	// 1x is the venue default; only higher settings need the gate.
	if req.Leverage > 1 {
		if entry.MaxLeverage > 0 && req.Leverage > entry.MaxLeverage {
			return market.Receipt{}, market.Rejected(market.ReasonMargin,
				fmt.Sprintf("leverage %dx exceeds venue maximum %dx", req.Leverage, entry.MaxLeverage))
		}
		cross := req.CrossMargin == nil || *req.CrossMargin
		if entry.OnlyIsolated {
			cross = false
		}
		lctx, cancel := context.WithTimeout(ctx, a.cfg.OrderTimeout)
		err := a.submitter.UpdateLeverage(lctx, LeverageAction{
			Type:     "updateLeverage",
			Asset:    entry.index,
			IsCross:  cross,
			Leverage: req.Leverage,
		})
		cancel()
		if err != nil {
			return market.Receipt{}, err
		}
	}

	book, err := a.Orderbook(req.Asset)
	if err != nil {
		if req.Kind == market.Market {
			return market.Receipt{}, err
		}
		book = market.OrderBook{}
	}

	spec.SizeDecimals = entry.SzDecimals
	plan, err := order.Normalize(req, book, spec)
	if err != nil {
		return market.Receipt{}, err
	}

	return a.submit(ctx, entry.Name, entry.index, plan)
}

func (a *Adapter) submit(ctx context.Context, c string, asset int, plan order.Plan) (market.Receipt, error) {
	tif := "Gtc"
	if plan.TimeInForce == order.ImmediateOrCancel {
		tif = "Ioc"
	}
	cloid := newCloid()
	action := OrderAction{
		Type: "order",
		Orders: []wireOrder{{
			Asset:      asset,
			IsBuy:      plan.Side == market.Buy,
			Price:      plan.Price.String(),
			Size:       plan.Size.String(),
			ReduceOnly: plan.ReduceOnly,
			Type:       wireOrderType{Limit: &wireTif{Tif: tif}},
			Cloid:      &cloid,
		}},
		Grouping: "na",
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.OrderTimeout)
	defer cancel()
	res, err := a.submitter.SubmitOrder(ctx, action)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return market.Receipt{}, market.Transient("hyperliquid place order", err)
		}
		return market.Receipt{}, err
	}
	return market.Receipt{
		Venue: market.VenueHyperliquid,
		// Composite id: cancels need both the coin and the oid.
		ID:     fmt.Sprintf("%s:%d", c, res.Oid),
		Detail: res.Status,
	}, nil
}

// CancelOrder cancels by the composite "COIN:oid" id a Receipt carries.
func (a *Adapter) CancelOrder(ctx context.Context, id string) error {
	if a.submitter == nil {
		return &market.ConfigError{Field: "hyperliquid.submitter", Reason: "no action submitter configured"}
	}

	c, oidStr, ok := strings.Cut(id, ":")
	if !ok {
		return fmt.Errorf("hyperliquid: malformed order id %q, want COIN:oid", id)
	}
	oid, err := strconv.ParseUint(oidStr, 10, 64)
	if err != nil {
		return fmt.Errorf("hyperliquid: malformed oid in %q: %w", id, err)
	}

	u, err := a.loadUniverse(ctx)
	if err != nil {
		return err
	}
	entry, ok := u[coin(c)]
	if !ok {
		return market.ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.OrderTimeout)
	defer cancel()
	err = a.submitter.SubmitCancel(ctx, CancelAction{
		Type:    "cancel",
		Cancels: []wireCancel{{Asset: entry.index, Oid: oid}},
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return market.Transient("hyperliquid cancel order", err)
	}
	return err
}

// ClosePosition submits a reduce-only IOC of opposite sign at the touch.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, signedSize decimal.Decimal) (market.Receipt, error) {
	if a.submitter == nil {
		return market.Receipt{}, &market.ConfigError{Field: "hyperliquid.submitter", Reason: "no action submitter configured"}
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

	u, err := a.loadUniverse(ctx)
	if err != nil {
		return market.Receipt{}, err
	}
	entry, ok2 := u[coin(symbol)]
	if !ok2 {
		return market.Receipt{}, market.ErrNotFound
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
	return a.submit(ctx, entry.Name, entry.index, plan)
}

// Positions lists open positions from the clearinghouse state.
func (a *Adapter) Positions(ctx context.Context) ([]market.Position, error) {
	if a.cfg.Address == "" {
		return nil, &market.ConfigError{Field: "hyperliquid.address", Reason: "no account address configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RESTTimeout)
	defer cancel()

	state, err := a.info.clearinghouse(ctx, a.cfg.Address)
	if err != nil {
		return nil, err
	}

	out := make([]market.Position, 0, len(state.AssetPositions))
	for _, row := range state.AssetPositions {
		p := row.Position
		szi, err := decimal.NewFromString(p.Szi)
		if err != nil {
			return nil, fmt.Errorf("hyperliquid position szi %q: %w", p.Szi, err)
		}
		if szi.IsZero() {
			continue
		}
		pnl, _ := decimal.NewFromString(p.UnrealizedPnl)
		margin, _ := decimal.NewFromString(p.MarginUsed)
		out = append(out, market.Position{
			Venue:      market.VenueHyperliquid,
			Asset:      p.Coin,
			Size:       szi,
			EntryPrice: nullFromPtr(p.EntryPx),
			LiqPrice:   nullFromPtr(p.LiquidationPx),
			UnrealPnL:  pnl,
			MarginUsed: margin,
			Leverage:   p.Leverage.Value,
		})
	}
	return out, nil
}

func nullFromPtr(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// OpenOrders lists resting orders for the configured address.
func (a *Adapter) OpenOrders(ctx context.Context) ([]market.OpenOrder, error) {
	if a.cfg.Address == "" {
		return nil, &market.ConfigError{Field: "hyperliquid.address", Reason: "no account address configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RESTTimeout)
	defer cancel()

	rows, err := a.info.openOrders(ctx, a.cfg.Address)
	if err != nil {
		return nil, err
	}

	out := make([]market.OpenOrder, 0, len(rows))
	for _, r := range rows {
		size, _ := decimal.NewFromString(r.Sz)
		price, _ := decimal.NewFromString(r.LimitPx)
		side := market.Sell
		if r.Side == "B" {
			side = market.Buy
		}
		out = append(out, market.OpenOrder{
			Venue:  market.VenueHyperliquid,
			Asset:  r.Coin,
			Side:   side,
			Size:   size,
			Price:  price,
			Status: "open",
			ID:     fmt.Sprintf("%s:%d", r.Coin, r.Oid),
		})
	}
	return out, nil
}
