package dydx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/perpdesk/perpdesk/internal/market"
)

// Indexer REST wire types. Numeric fields stay strings until the edge of
// the package; the indexer serializes every decimal as a string.
type perpMarket struct {
	Ticker          string  `json:"ticker"`
	ClobPairID      string  `json:"clobPairId"`
	OraclePrice     *string `json:"oraclePrice"`
	Volume24H       *string `json:"volume24H"`
	OpenInterest    *string `json:"openInterest"`
	NextFundingRate *string `json:"nextFundingRate"`
	StepSize        string  `json:"stepSize"`
	TickSize        string  `json:"tickSize"`
	Status          string  `json:"status"`

	InitialMarginFraction *string `json:"initialMarginFraction"`
}

type perpMarketsResponse struct {
	Markets map[string]perpMarket `json:"markets"`
}

type indexerOrder struct {
	ID         string `json:"id"`
	ClientID   string `json:"clientId"`
	Ticker     string `json:"ticker"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	Status     string `json:"status"`
	OrderFlags string `json:"orderFlags"`
}

type indexerPosition struct {
	Market        string  `json:"market"`
	Side          string  `json:"side"`
	Size          string  `json:"size"`
	EntryPrice    *string `json:"entryPrice"`
	UnrealizedPnl string  `json:"unrealizedPnl"`
	Status        string  `json:"status"`
}

type perpPositionsResponse struct {
	Positions []indexerPosition `json:"positions"`
}

// restClient is a thin, rate-limited wrapper over the v4 indexer REST API.
type restClient struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

func newRESTClient(base string, timeout time.Duration) *restClient {
	return &restClient{
		base: base,
		http: &http.Client{Timeout: timeout},
		// The indexer documents 100 req/10s per IP; stay well under it.
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (c *restClient) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return market.Transient("indexer rate wait", err)
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("dydx: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return market.Transient("indexer "+path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return market.ErrNotFound
	case resp.StatusCode >= 500:
		return market.Transient("indexer "+path, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("dydx: indexer %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return market.Transient("indexer decode "+path, err)
	}
	return nil
}

// perpetualMarket fetches metadata and headline figures for one ticker.
func (c *restClient) perpetualMarket(ctx context.Context, ticker string) (perpMarket, error) {
	q := url.Values{}
	q.Set("ticker", ticker)
	q.Set("limit", "1")

	var out perpMarketsResponse
	if err := c.get(ctx, "/v4/perpetualMarkets", q, &out); err != nil {
		return perpMarket{}, err
	}
	m, ok := out.Markets[ticker]
	if !ok {
		return perpMarket{}, market.ErrNotFound
	}
	return m, nil
}

// perpetualMarkets fetches the whole tradable universe.
func (c *restClient) perpetualMarkets(ctx context.Context) (map[string]perpMarket, error) {
	var out perpMarketsResponse
	if err := c.get(ctx, "/v4/perpetualMarkets", nil, &out); err != nil {
		return nil, err
	}
	return out.Markets, nil
}

// openOrders lists resting orders for a subaccount.
func (c *restClient) openOrders(ctx context.Context, address string) ([]indexerOrder, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("subaccountNumber", "0")
	q.Set("status", "OPEN")

	var out []indexerOrder
	if err := c.get(ctx, "/v4/orders", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// openPositions lists open perpetual positions for a subaccount.
func (c *restClient) openPositions(ctx context.Context, address string) ([]indexerPosition, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("subaccountNumber", "0")
	q.Set("status", "OPEN")

	var out perpPositionsResponse
	if err := c.get(ctx, "/v4/perpetualPositions", q, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}
