package dydx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/perpdesk/perpdesk/internal/market"
)

const (
	orderbookChannel = "v4_orderbook"
	marketsChannel   = "v4_markets"

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// wsEnvelope is the outer frame of every indexer websocket message.
type wsEnvelope struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	ID       string          `json:"id"`
	Contents json.RawMessage `json:"contents"`
	Message  string          `json:"message"`
}

type wsSubscribe struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	ID      string `json:"id,omitempty"`
}

// The orderbook channel uses two different level encodings and mixing them
// up silently corrupts the book, so each message type is decoded against
// exactly the shape it is allowed to carry.
//
// "subscribed" (full snapshot): levels are objects.
type bookSnapshotContents struct {
	Bids []objectLevel `json:"bids"`
	Asks []objectLevel `json:"asks"`
}

type objectLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// "channel_data" (diff): levels are ["price","size"] tuples.
type bookDeltaContents struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

type marketsSnapshotContents struct {
	Markets map[string]perpMarket `json:"markets"`
}

type marketsUpdateContents struct {
	Trading      map[string]perpMarket `json:"trading"`
	OraclePrices map[string]struct {
		OraclePrice string `json:"oraclePrice"`
	} `json:"oraclePrices"`
}

// session is one live indexer websocket connection subscribed to the
// orderbook channel for a single ticker plus the venue-wide markets
// channel. It implements venue.Stream.
type session struct {
	conn    *websocket.Conn
	ticker  string
	adapter *Adapter
	book    *market.DepthBook
	log     *zap.Logger
}

func (s *session) subscribe() error {
	subs := []wsSubscribe{
		{Type: "subscribe", Channel: orderbookChannel, ID: s.ticker},
		{Type: "subscribe", Channel: marketsChannel},
	}
	for _, sub := range subs {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Channel, err)
		}
	}
	return nil
}

// Consume reads frames until the connection dies, the feed turns
// malformed, or ctx is cancelled. Gorilla reads block without a context,
// so a watcher closes the conn to unblock the read on cancellation.
func (s *session) Consume(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return market.Transient("dydx ws read", err)
		}
		if err := s.handle(raw); err != nil {
			return err
		}
	}
}

// Close sends a best-effort unsubscribe for the orderbook id and releases
// the connection.
func (s *session) Close() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = s.conn.WriteJSON(wsSubscribe{Type: "unsubscribe", Channel: orderbookChannel, ID: s.ticker})
	return s.conn.Close()
}

func (s *session) handle(raw []byte) error {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("dydx ws frame: %w", err)
	}

	switch env.Type {
	case "connected", "unsubscribed", "pong":
		return nil
	case "error":
		return fmt.Errorf("dydx ws server error: %s", env.Message)
	}

	switch env.Channel {
	case orderbookChannel:
		if env.ID != s.ticker {
			return nil
		}
		return s.handleBook(env)
	case marketsChannel:
		return s.handleMarkets(env)
	default:
		s.log.Debug("ignoring unknown channel", zap.String("channel", env.Channel))
		return nil
	}
}

func (s *session) handleBook(env wsEnvelope) error {
	switch env.Type {
	case "subscribed":
		var c bookSnapshotContents
		if err := json.Unmarshal(env.Contents, &c); err != nil {
			return fmt.Errorf("dydx book snapshot schema: %w", err)
		}
		bids, err := objectLevels(c.Bids)
		if err != nil {
			return err
		}
		asks, err := objectLevels(c.Asks)
		if err != nil {
			return err
		}
		return s.adapter.applySnapshot(s.book, bids, asks)

	case "channel_data":
		var c bookDeltaContents
		if err := json.Unmarshal(env.Contents, &c); err != nil {
			return fmt.Errorf("dydx book delta schema: %w", err)
		}
		bids, err := tupleLevels(c.Bids)
		if err != nil {
			return err
		}
		asks, err := tupleLevels(c.Asks)
		if err != nil {
			return err
		}
		return s.adapter.applyDeltas(s.book, bids, asks)

	default:
		return fmt.Errorf("dydx book: unexpected message type %q", env.Type)
	}
}

func (s *session) handleMarkets(env wsEnvelope) error {
	switch env.Type {
	case "subscribed":
		var c marketsSnapshotContents
		if err := json.Unmarshal(env.Contents, &c); err != nil {
			return fmt.Errorf("dydx markets snapshot schema: %w", err)
		}
		if m, ok := c.Markets[s.ticker]; ok {
			s.adapter.applyMarketPatch(s.ticker, m, nil)
		}
		return nil

	case "channel_data":
		var c marketsUpdateContents
		if err := json.Unmarshal(env.Contents, &c); err != nil {
			return fmt.Errorf("dydx markets update schema: %w", err)
		}
		var oracle *string
		if o, ok := c.OraclePrices[s.ticker]; ok && o.OraclePrice != "" {
			oracle = &o.OraclePrice
		}
		if m, ok := c.Trading[s.ticker]; ok || oracle != nil {
			s.adapter.applyMarketPatch(s.ticker, m, oracle)
		}
		return nil

	default:
		return nil
	}
}

// objectLevels converts snapshot levels. A tuple-encoded level fails the
// struct decode upstream, so only well-formed objects reach here.
func objectLevels(in []objectLevel) ([]market.Level, error) {
	out := make([]market.Level, 0, len(in))
	for _, l := range in {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, fmt.Errorf("dydx level price %q: %w", l.Price, err)
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil {
			return nil, fmt.Errorf("dydx level size %q: %w", l.Size, err)
		}
		out = append(out, market.Level{Price: price, Size: size})
	}
	return out, nil
}

// tupleLevels converts diff levels, which must be exactly ["price","size"].
func tupleLevels(in [][]string) ([]market.Level, error) {
	out := make([]market.Level, 0, len(in))
	for _, t := range in {
		if len(t) != 2 {
			return nil, fmt.Errorf("dydx delta level: want [price, size], got %d elements", len(t))
		}
		price, err := decimal.NewFromString(t[0])
		if err != nil {
			return nil, fmt.Errorf("dydx delta price %q: %w", t[0], err)
		}
		size, err := decimal.NewFromString(t[1])
		if err != nil {
			return nil, fmt.Errorf("dydx delta size %q: %w", t[1], err)
		}
		out = append(out, market.Level{Price: price, Size: size})
	}
	return out, nil
}
