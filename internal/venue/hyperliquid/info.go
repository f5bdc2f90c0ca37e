package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/perpdesk/perpdesk/internal/market"
)

// Info endpoint wire types. The venue serializes numbers as strings.
type assetMeta struct {
	Name         string `json:"name"`
	SzDecimals   int32  `json:"szDecimals"`
	MaxLeverage  uint32 `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated"`
}

type exchangeMeta struct {
	Universe []assetMeta `json:"universe"`
}

type assetCtx struct {
	Funding      string  `json:"funding"`
	OpenInterest string  `json:"openInterest"`
	DayNtlVlm    string  `json:"dayNtlVlm"`
	MarkPx       string  `json:"markPx"`
	MidPx        *string `json:"midPx"`
	OraclePx     string  `json:"oraclePx"`
}

type wireOpenOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"` // "B" bid, "A" ask
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	Oid       uint64 `json:"oid"`
	Timestamp uint64 `json:"timestamp"`
}

type wirePosition struct {
	Coin     string `json:"coin"`
	Szi      string `json:"szi"`
	EntryPx  *string `json:"entryPx"`
	Leverage struct {
		Type  string `json:"type"`
		Value uint32 `json:"value"`
	} `json:"leverage"`
	LiquidationPx  *string `json:"liquidationPx"`
	UnrealizedPnl  string  `json:"unrealizedPnl"`
	MarginUsed     string  `json:"marginUsed"`
	PositionValue  string  `json:"positionValue"`
	ReturnOnEquity string  `json:"returnOnEquity"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position wirePosition `json:"position"`
	} `json:"assetPositions"`
	Withdrawable string `json:"withdrawable"`
}

// infoClient posts typed queries to the venue's single info endpoint.
type infoClient struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

func newInfoClient(base string, timeout time.Duration) *infoClient {
	return &infoClient{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

func (c *infoClient) post(ctx context.Context, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return market.Transient("info rate wait", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hyperliquid: encode info request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/info", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("hyperliquid: build info request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return market.Transient("info post", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return market.Transient("info post", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("hyperliquid: info: status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return market.Transient("info decode", err)
	}
	return nil
}

func (c *infoClient) meta(ctx context.Context) (exchangeMeta, error) {
	var out exchangeMeta
	err := c.post(ctx, map[string]string{"type": "meta"}, &out)
	return out, err
}

// metaAndAssetCtxs returns the universe and the per-asset context rows in
// universe order. The wire shape is a two-element array.
func (c *infoClient) metaAndAssetCtxs(ctx context.Context) (exchangeMeta, []assetCtx, error) {
	var raw []json.RawMessage
	if err := c.post(ctx, map[string]string{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return exchangeMeta{}, nil, err
	}
	if len(raw) != 2 {
		return exchangeMeta{}, nil, fmt.Errorf("hyperliquid: metaAndAssetCtxs: want 2 elements, got %d", len(raw))
	}

	var meta exchangeMeta
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return exchangeMeta{}, nil, fmt.Errorf("hyperliquid: metaAndAssetCtxs meta: %w", err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return exchangeMeta{}, nil, fmt.Errorf("hyperliquid: metaAndAssetCtxs contexts: %w", err)
	}
	return meta, ctxs, nil
}

func (c *infoClient) openOrders(ctx context.Context, user string) ([]wireOpenOrder, error) {
	var out []wireOpenOrder
	err := c.post(ctx, map[string]string{"type": "openOrders", "user": user}, &out)
	return out, err
}

func (c *infoClient) clearinghouse(ctx context.Context, user string) (clearinghouseState, error) {
	var out clearinghouseState
	err := c.post(ctx, map[string]string{"type": "clearinghouseState", "user": user}, &out)
	return out, err
}
