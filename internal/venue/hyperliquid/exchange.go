package hyperliquid

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perpdesk/perpdesk/internal/market"
)

// Exchange action wire types. Field names follow the venue's compact
// schema: a asset index, b is-buy, p price, s size, r reduce-only.
type wireTif struct {
	Tif string `json:"tif"` // "Gtc" or "Ioc"
}

type wireOrderType struct {
	Limit *wireTif `json:"limit,omitempty"`
}

type wireOrder struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	Price      string        `json:"p"`
	Size       string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	Type       wireOrderType `json:"t"`
	Cloid      *string       `json:"c,omitempty"`
}

type OrderAction struct {
	Type     string      `json:"type"` // always "order"
	Orders   []wireOrder `json:"orders"`
	Grouping string      `json:"grouping"` // always "na"
}

type CancelAction struct {
	Type    string       `json:"type"` // always "cancel"
	Cancels []wireCancel `json:"cancels"`
}

type wireCancel struct {
	Asset int    `json:"a"`
	Oid   uint64 `json:"o"`
}

type LeverageAction struct {
	Type     string `json:"type"` // always "updateLeverage"
	Asset    int    `json:"asset"`
	IsCross  bool   `json:"isCross"`
	Leverage uint32 `json:"leverage"`
}

// OrderResult is the venue's acknowledgement of one accepted order.
type OrderResult struct {
	Oid    uint64
	Status string // "resting" or "filled"
	AvgPx  string // set when filled
}

// Submitter carries signed exchange actions to the venue.
type Submitter interface {
	SubmitOrder(ctx context.Context, action OrderAction) (OrderResult, error)
	SubmitCancel(ctx context.Context, action CancelAction) error
	UpdateLeverage(ctx context.Context, action LeverageAction) error
}

// ActionSigner produces the EIP-712 signature the exchange endpoint
// requires for an action/nonce pair. Implementations own the key.
type ActionSigner interface {
	SignAction(action any, nonce uint64) (r, s string, v uint8, err error)
}

// newCloid returns a fresh 128-bit client order id in the venue's 0x hex
// form.
func newCloid() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// httpSubmitter posts signed actions to the /exchange endpoint.
type httpSubmitter struct {
	base   string
	http   *http.Client
	signer ActionSigner
	nonce  func() uint64
}

// NewHTTPSubmitter builds the standard exchange-endpoint submitter.
// Nonces are the venue's expected millisecond timestamps.
func NewHTTPSubmitter(base string, signer ActionSigner, timeout time.Duration) Submitter {
	return &httpSubmitter{
		base:   base,
		http:   &http.Client{Timeout: timeout},
		signer: signer,
		nonce:  func() uint64 { return uint64(time.Now().UnixMilli()) },
	}
}

type exchangeRequest struct {
	Action    any               `json:"action"`
	Nonce     uint64            `json:"nonce"`
	Signature exchangeSignature `json:"signature"`
}

type exchangeSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

type exchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []orderStatus `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

type orderStatus struct {
	Resting *struct {
		Oid uint64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		Oid     uint64 `json:"oid"`
		AvgPx   string `json:"avgPx"`
		TotalSz string `json:"totalSz"`
	} `json:"filled"`
	Error string `json:"error"`
}

func (s *httpSubmitter) post(ctx context.Context, action any) (exchangeResponse, error) {
	nonce := s.nonce()
	r, sig, v, err := s.signer.SignAction(action, nonce)
	if err != nil {
		return exchangeResponse{}, fmt.Errorf("hyperliquid: sign action: %w", err)
	}

	body, err := json.Marshal(exchangeRequest{
		Action:    action,
		Nonce:     nonce,
		Signature: exchangeSignature{R: r, S: sig, V: v},
	})
	if err != nil {
		return exchangeResponse{}, fmt.Errorf("hyperliquid: encode action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/exchange", bytes.NewReader(body))
	if err != nil {
		return exchangeResponse{}, fmt.Errorf("hyperliquid: build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return exchangeResponse{}, market.Transient("exchange post", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return exchangeResponse{}, market.Transient("exchange post", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return exchangeResponse{}, fmt.Errorf("hyperliquid: exchange: status %d", resp.StatusCode)
	}

	var out exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return exchangeResponse{}, market.Transient("exchange decode", err)
	}
	if out.Status != "ok" {
		return exchangeResponse{}, fmt.Errorf("hyperliquid: exchange: status %q", out.Status)
	}
	return out, nil
}

func (s *httpSubmitter) SubmitOrder(ctx context.Context, action OrderAction) (OrderResult, error) {
	resp, err := s.post(ctx, action)
	if err != nil {
		return OrderResult{}, err
	}

	statuses := resp.Response.Data.Statuses
	if len(statuses) != 1 {
		return OrderResult{}, fmt.Errorf("hyperliquid: exchange: want 1 order status, got %d", len(statuses))
	}
	st := statuses[0]
	switch {
	case st.Error != "":
		return OrderResult{}, rejectionFrom(st.Error)
	case st.Resting != nil:
		return OrderResult{Oid: st.Resting.Oid, Status: "resting"}, nil
	case st.Filled != nil:
		return OrderResult{Oid: st.Filled.Oid, Status: "filled", AvgPx: st.Filled.AvgPx}, nil
	default:
		return OrderResult{}, fmt.Errorf("hyperliquid: exchange: empty order status")
	}
}

func (s *httpSubmitter) SubmitCancel(ctx context.Context, action CancelAction) error {
	resp, err := s.post(ctx, action)
	if err != nil {
		return err
	}
	for _, st := range resp.Response.Data.Statuses {
		if st.Error != "" {
			return rejectionFrom(st.Error)
		}
	}
	return nil
}

func (s *httpSubmitter) UpdateLeverage(ctx context.Context, action LeverageAction) error {
	_, err := s.post(ctx, action)
	return err
}

// rejectionFrom maps the venue's free-text order errors onto the shared
// rejection taxonomy.
func rejectionFrom(detail string) error {
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "margin") || strings.Contains(lower, "insufficient"):
		return market.Rejected(market.ReasonInsufficientFunds, detail)
	case strings.Contains(lower, "minimum"):
		return market.Rejected(market.ReasonBelowMinimum, detail)
	case strings.Contains(lower, "price"):
		return market.Rejected(market.ReasonInvalidPrice, detail)
	default:
		return market.Rejected(market.RejectReason("venue"), detail)
	}
}
