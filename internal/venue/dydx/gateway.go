package dydx

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/perpdesk/internal/market"
	"github.com/perpdesk/perpdesk/internal/order"
)

// OrderPayload is a fully-sized order in this venue's vocabulary, ready
// for on-chain submission.
type OrderPayload struct {
	Ticker      string
	ClobPairID  string
	Side        market.Side
	Size        decimal.Decimal
	Price       decimal.Decimal
	TimeInForce order.TimeInForce
	ReduceOnly  bool
	ClientID    uint32
}

// ChainGateway submits orders to the v4 chain on the adapter's behalf.
// Signing and protobuf encoding of MsgPlaceOrder live behind this
// boundary; implementations must map venue refusals to
// market.RejectedError and timeouts to market.TransientError.
type ChainGateway interface {
	PlaceOrder(ctx context.Context, p OrderPayload) (market.Receipt, error)
	CancelOrder(ctx context.Context, id string) error
}
