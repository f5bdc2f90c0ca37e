package dydx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpdesk/perpdesk/internal/market"
	"github.com/perpdesk/perpdesk/internal/order"
)

const metaJSON = `{"markets":{"%s":{"ticker":"%s","clobPairId":"0","oraclePrice":"50000","volume24H":"1000000","openInterest":"500","nextFundingRate":"0.0000125","stepSize":"0.0001","tickSize":"1","status":"ACTIVE","initialMarginFraction":"0.05"}}}`

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// feedScript runs per websocket connection after the subscribe handshake.
// n is the 1-based connection ordinal, id the subscribed orderbook ticker.
type feedScript func(n int32, id string, c *websocket.Conn)

func newFeedServer(t *testing.T, conns *atomic.Int32, script feedScript) (wsURL string) {
	t.Helper()
	up := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)

		_ = c.WriteJSON(map[string]string{"type": "connected"})

		var bookID string
		for i := 0; i < 2; i++ {
			var sub wsSubscribe
			if err := c.ReadJSON(&sub); err != nil {
				return
			}
			if sub.Channel == orderbookChannel {
				bookID = sub.ID
			}
		}
		script(n, bookID, c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newMetaServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		tkr := r.URL.Query().Get("ticker")
		if tkr == "" {
			tkr = "BTC-USD"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fmt.Sprintf(metaJSON, tkr, tkr)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFrame(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Logf("write frame: %v", err)
	}
}

// hold keeps the connection open until the client goes away.
func hold(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func snapshotFrame(id string) string {
	return `{"type":"subscribed","channel":"v4_orderbook","id":"` + id + `","contents":{"bids":[{"price":"50000","size":"1"},{"price":"49990","size":"2"}],"asks":[{"price":"50100","size":"1.5"}]}}`
}

func startAdapter(t *testing.T, wsURL, restURL string, gw ChainGateway) *Adapter {
	t.Helper()
	return New(Config{WSURL: wsURL, IndexerURL: restURL}, gw, nil)
}

func startFeed(t *testing.T, a *Adapter, symbol string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, a.StartMarketUpdates(ctx, symbol))
}

func waitReady(t *testing.T, a *Adapter, symbol string) market.OrderBook {
	t.Helper()
	var book market.OrderBook
	require.Eventually(t, func() bool {
		b, err := a.Orderbook(symbol)
		if err != nil {
			return false
		}
		book = b
		return true
	}, 3*time.Second, 10*time.Millisecond)
	return book
}

func TestAdapter_SnapshotThenDeltaRemovesLevel(t *testing.T) {
	var conns atomic.Int32
	wsURL := newFeedServer(t, &conns, func(n int32, id string, c *websocket.Conn) {
		writeFrame(t, c, snapshotFrame(id))
		writeFrame(t, c, `{"type":"channel_data","channel":"v4_orderbook","id":"`+id+`","contents":{"bids":[["50000","0"]],"asks":[]}}`)
		hold(c)
	})

	a := startAdapter(t, wsURL, newMetaServer(t, nil).URL, nil)
	startFeed(t, a, "BTC")
	waitReady(t, a, "BTC")

	require.Eventually(t, func() bool {
		b, err := a.Orderbook("BTC")
		return err == nil && len(b.Bids) == 1
	}, 3*time.Second, 10*time.Millisecond)

	b, err := a.Orderbook("BTC")
	require.NoError(t, err)
	assert.True(t, b.Bids[0].Price.Equal(d("49990")))
	assert.True(t, b.Asks[0].Price.Equal(d("50100")))
	assert.Equal(t, market.VenueDydx, b.Venue)
}

func TestAdapter_DeltaIsAbsoluteReplacement(t *testing.T) {
	var conns atomic.Int32
	wsURL := newFeedServer(t, &conns, func(n int32, id string, c *websocket.Conn) {
		writeFrame(t, c, snapshotFrame(id))
		writeFrame(t, c, `{"type":"channel_data","channel":"v4_orderbook","id":"`+id+`","contents":{"bids":[["50000","2"]],"asks":[]}}`)
		hold(c)
	})

	a := startAdapter(t, wsURL, newMetaServer(t, nil).URL, nil)
	startFeed(t, a, "BTC")

	require.Eventually(t, func() bool {
		b, err := a.Orderbook("BTC")
		return err == nil && len(b.Bids) == 2 && b.Bids[0].Size.Equal(d("2"))
	}, 3*time.Second, 10*time.Millisecond, "size must be replaced, not incremented")
}

func TestAdapter_SymbolSwitchInvalidatesOldBook(t *testing.T) {
	var conns atomic.Int32
	wsURL := newFeedServer(t, &conns, func(n int32, id string, c *websocket.Conn) {
		writeFrame(t, c, snapshotFrame(id))
		hold(c)
	})

	a := startAdapter(t, wsURL, newMetaServer(t, nil).URL, nil)
	startFeed(t, a, "BTC")
	waitReady(t, a, "BTC")

	startFeed(t, a, "ETH")

	// The old symbol is gone the moment the handle swaps, not merely stale.
	_, err := a.Orderbook("BTC")
	assert.ErrorIs(t, err, market.ErrNotReady)

	b := waitReady(t, a, "ETH")
	assert.Equal(t, "ETH", b.Symbol)
}

func TestAdapter_StartIsIdempotentPerSymbol(t *testing.T) {
	var conns atomic.Int32
	wsURL := newFeedServer(t, &conns, func(n int32, id string, c *websocket.Conn) {
		writeFrame(t, c, snapshotFrame(id))
		hold(c)
	})

	a := startAdapter(t, wsURL, newMetaServer(t, nil).URL, nil)
	startFeed(t, a, "BTC")
	waitReady(t, a, "BTC")
	startFeed(t, a, "BTC")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), conns.Load())
}

func TestAdapter_CrossedDeltaDropsBookAndResubscribes(t *testing.T) {
	var conns atomic.Int32
	wsURL := newFeedServer(t, &conns, func(n int32, id string, c *websocket.Conn) {
		writeFrame(t, c, snapshotFrame(id))
		if n == 1 {
			// Bid through the ask: the whole book is untrustworthy.
			writeFrame(t, c, `{"type":"channel_data","channel":"v4_orderbook","id":"`+id+`","contents":{"bids":[["50200","1"]],"asks":[]}}`)
		}
		hold(c)
	})

	a := startAdapter(t, wsURL, newMetaServer(t, nil).URL, nil)
	startFeed(t, a, "BTC")

	// The crossed update must never be published.
	require.Eventually(t, func() bool { return conns.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	b := waitReady(t, a, "BTC")
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	assert.True(t, bid.Price.LessThan(ask.Price))
}

func TestAdapter_MalformedSnapshotForcesResubscribe(t *testing.T) {
	var conns atomic.Int32
	wsURL := newFeedServer(t, &conns, func(n int32, id string, c *websocket.Conn) {
		if n == 1 {
			// Tuple levels in a snapshot violate the channel contract.
			writeFrame(t, c, `{"type":"subscribed","channel":"v4_orderbook","id":"`+id+`","contents":{"bids":[["50000","1"]],"asks":[]}}`)
		} else {
			writeFrame(t, c, snapshotFrame(id))
		}
		hold(c)
	})

	a := startAdapter(t, wsURL, newMetaServer(t, nil).URL, nil)
	startFeed(t, a, "BTC")

	require.Eventually(t, func() bool { return conns.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	waitReady(t, a, "BTC")
}

func TestAdapter_SummaryFallsBackToCachedOnTransient(t *testing.T) {
	var restHits atomic.Int32
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if restHits.Add(1) > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(strings.ReplaceAll(metaJSON, "%s", "BTC-USD")))
	}))
	t.Cleanup(rest.Close)

	var conns atomic.Int32
	wsURL := newFeedServer(t, &conns, func(n int32, id string, c *websocket.Conn) {
		writeFrame(t, c, snapshotFrame(id))
		hold(c)
	})

	a := startAdapter(t, wsURL, rest.URL, nil)
	startFeed(t, a, "BTC")
	waitReady(t, a, "BTC")

	s1, err := a.Summary(context.Background(), "BTC")
	require.NoError(t, err)
	require.True(t, s1.MarkPrice.Valid)
	assert.True(t, s1.MarkPrice.Decimal.Equal(d("50000")))

	s2, err := a.Summary(context.Background(), "BTC")
	require.NoError(t, err, "transient REST failure must serve the cached summary")
	assert.True(t, s2.MarkPrice.Decimal.Equal(s1.MarkPrice.Decimal))
}

func TestAdapter_SummaryWithoutCacheSurfacesTransient(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(rest.Close)

	a := startAdapter(t, "ws://127.0.0.1:1", rest.URL, nil)
	_, err := a.Summary(context.Background(), "BTC")
	assert.True(t, market.IsTransient(err), "got %v", err)
}

func TestAdapter_MarketsChannelEnrichesSummary(t *testing.T) {
	// REST always down; the markets websocket channel is the only source.
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(rest.Close)

	var conns atomic.Int32
	wsURL := newFeedServer(t, &conns, func(n int32, id string, c *websocket.Conn) {
		writeFrame(t, c, snapshotFrame(id))
		writeFrame(t, c, `{"type":"channel_data","channel":"v4_markets","contents":{"trading":{"`+id+`":{"volume24H":"123"}},"oraclePrices":{"`+id+`":{"oraclePrice":"50005"}}}}`)
		hold(c)
	})

	a := startAdapter(t, wsURL, rest.URL, nil)
	startFeed(t, a, "BTC")
	waitReady(t, a, "BTC")

	require.Eventually(t, func() bool {
		s, err := a.Summary(context.Background(), "BTC")
		return err == nil && s.MarkPrice.Valid && s.MarkPrice.Decimal.Equal(d("50005"))
	}, 3*time.Second, 20*time.Millisecond)
}

type fakeGateway struct {
	placed []OrderPayload
	cancel []string
	err    error
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, p OrderPayload) (market.Receipt, error) {
	g.placed = append(g.placed, p)
	if g.err != nil {
		return market.Receipt{}, g.err
	}
	return market.Receipt{ID: "tx-1"}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, id string) error {
	g.cancel = append(g.cancel, id)
	return g.err
}

func TestAdapter_PlaceOrderSizesAtBestAsk(t *testing.T) {
	var conns atomic.Int32
	wsURL := newFeedServer(t, &conns, func(n int32, id string, c *websocket.Conn) {
		writeFrame(t, c, `{"type":"subscribed","channel":"v4_orderbook","id":"`+id+`","contents":{"bids":[{"price":"49999","size":"3"}],"asks":[{"price":"50000","size":"3"}]}}`)
		hold(c)
	})

	gw := &fakeGateway{}
	a := startAdapter(t, wsURL, newMetaServer(t, nil).URL, gw)
	startFeed(t, a, "BTC")
	waitReady(t, a, "BTC")

	rcpt, err := a.PlaceOrder(context.Background(), market.TradeRequest{
		Asset:    "BTC",
		Side:     market.Buy,
		Kind:     market.Market,
		USDValue: d("1000"),
	})
	require.NoError(t, err)
	assert.Equal(t, market.VenueDydx, rcpt.Venue)
	assert.Equal(t, "tx-1", rcpt.ID)

	require.Len(t, gw.placed, 1)
	p := gw.placed[0]
	assert.Equal(t, "BTC-USD", p.Ticker)
	assert.True(t, p.Size.Equal(d("0.0200")), "size %s", p.Size)
	assert.True(t, p.Price.Equal(d("50000")))
	assert.Equal(t, order.ImmediateOrCancel, p.TimeInForce)
	assert.NotZero(t, p.ClientID)
}

func TestAdapter_TinyOrderRefusedWithoutNetwork(t *testing.T) {
	var restHits atomic.Int32
	rest := newMetaServer(t, &restHits)

	gw := &fakeGateway{}
	a := startAdapter(t, "ws://127.0.0.1:1", rest.URL, gw)

	_, err := a.PlaceOrder(context.Background(), market.TradeRequest{
		Asset:    "BTC",
		Side:     market.Buy,
		Kind:     market.Market,
		USDValue: d("1"),
	})
	var re *market.RejectedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, market.ReasonBelowMinimum, re.Reason)
	assert.Empty(t, gw.placed)
	assert.Equal(t, int32(0), restHits.Load())
}

func TestAdapter_PlaceOrderWithoutGateway(t *testing.T) {
	a := startAdapter(t, "ws://127.0.0.1:1", "http://127.0.0.1:1", nil)
	_, err := a.PlaceOrder(context.Background(), market.TradeRequest{
		Asset:    "BTC",
		Side:     market.Buy,
		Kind:     market.Market,
		USDValue: d("100"),
	})
	var ce *market.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestAdapter_ClosePositionBuildsReduceOnlyIOC(t *testing.T) {
	var conns atomic.Int32
	wsURL := newFeedServer(t, &conns, func(n int32, id string, c *websocket.Conn) {
		writeFrame(t, c, snapshotFrame(id))
		hold(c)
	})

	gw := &fakeGateway{}
	a := startAdapter(t, wsURL, newMetaServer(t, nil).URL, gw)
	startFeed(t, a, "BTC")
	waitReady(t, a, "BTC")

	// Long 0.5 closes with a sell at the best bid.
	_, err := a.ClosePosition(context.Background(), "BTC", d("0.5"))
	require.NoError(t, err)
	require.Len(t, gw.placed, 1)
	p := gw.placed[0]
	assert.Equal(t, market.Sell, p.Side)
	assert.True(t, p.Size.Equal(d("0.5")))
	assert.True(t, p.Price.Equal(d("50000")))
	assert.True(t, p.ReduceOnly)
	assert.Equal(t, order.ImmediateOrCancel, p.TimeInForce)
}

func TestAdapter_LeverageFromMarginFraction(t *testing.T) {
	a := startAdapter(t, "ws://127.0.0.1:1", newMetaServer(t, nil).URL, nil)

	info, err := a.Leverage(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, info.MaxLeverage.Equal(d("20")), "1/0.05, got %s", info.MaxLeverage)

	// Second lookup answers from cache.
	var hits atomic.Int32
	a.rest = newRESTClient(newMetaServer(t, &hits).URL, time.Second)
	_, err = a.Leverage(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, int32(0), hits.Load())
}

func TestAdapter_PositionsSignedSize(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v4/perpetualPositions", r.URL.Path)
		require.Equal(t, "dydx1abc", r.URL.Query().Get("address"))
		_ = json.NewEncoder(w).Encode(perpPositionsResponse{Positions: []indexerPosition{
			{Market: "BTC-USD", Side: "SHORT", Size: "0.25", UnrealizedPnl: "-12.5", Status: "OPEN"},
		}})
	}))
	t.Cleanup(rest.Close)

	a := New(Config{IndexerURL: rest.URL, Address: "dydx1abc"}, nil, nil)
	positions, err := a.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC", positions[0].Asset)
	assert.True(t, positions[0].Size.Equal(d("-0.25")), "short positions carry negative size")
}

func TestAdapter_PositionsRequireAddress(t *testing.T) {
	a := startAdapter(t, "ws://127.0.0.1:1", "http://127.0.0.1:1", nil)
	_, err := a.Positions(context.Background())
	var ce *market.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestStepDecimals(t *testing.T) {
	cases := map[string]int32{
		"0.0001": 4,
		"0.001":  3,
		"1":      0,
		"10":     0,
		"":       0,
	}
	for step, want := range cases {
		assert.Equal(t, want, stepDecimals(step), "step %q", step)
	}
}
