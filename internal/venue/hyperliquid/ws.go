package hyperliquid

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
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

type wsRequest struct {
	Method       string         `json:"method"`
	Subscription wsSubscription `json:"subscription"`
}

type wsSubscription struct {
	Type string `json:"type"`
	Coin string `json:"coin"`
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// wireLevel is one typed book level; n is the resting order count.
type wireLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  uint64 `json:"n"`
}

// l2Book data: levels[0] is bids, levels[1] is asks, each message a
// complete snapshot of the top of book.
type l2BookData struct {
	Coin   string        `json:"coin"`
	Time   uint64        `json:"time"`
	Levels [][]wireLevel `json:"levels"`
}

// session is one live l2Book subscription. It implements venue.Stream.
type session struct {
	conn    *websocket.Conn
	coin    string
	adapter *Adapter
	book    *market.DepthBook
	log     *zap.Logger
}

func (s *session) subscribe() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(wsRequest{
		Method:       "subscribe",
		Subscription: wsSubscription{Type: "l2Book", Coin: s.coin},
	})
}

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
			return market.Transient("hyperliquid ws read", err)
		}
		if err := s.handle(raw); err != nil {
			return err
		}
	}
}

func (s *session) Close() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = s.conn.WriteJSON(wsRequest{
		Method:       "unsubscribe",
		Subscription: wsSubscription{Type: "l2Book", Coin: s.coin},
	})
	return s.conn.Close()
}

func (s *session) handle(raw []byte) error {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("hyperliquid ws frame: %w", err)
	}

	switch msg.Channel {
	case "l2Book":
		return s.handleBook(msg.Data)
	case "subscriptionResponse", "pong":
		return nil
	case "error":
		return fmt.Errorf("hyperliquid ws server error: %s", string(msg.Data))
	default:
		s.log.Debug("ignoring unknown channel", zap.String("channel", msg.Channel))
		return nil
	}
}

func (s *session) handleBook(data json.RawMessage) error {
	var book l2BookData
	if err := json.Unmarshal(data, &book); err != nil {
		return fmt.Errorf("hyperliquid l2Book schema: %w", err)
	}
	if book.Coin != s.coin {
		return nil
	}
	if len(book.Levels) != 2 {
		return fmt.Errorf("hyperliquid l2Book: want [bids, asks], got %d sides", len(book.Levels))
	}
	// A one-sided frame is a partial venue view, not an empty market; keep
	// the previous snapshot.
	if len(book.Levels[0]) == 0 || len(book.Levels[1]) == 0 {
		s.log.Debug("discarding one-sided l2Book frame", zap.String("coin", book.Coin))
		return nil
	}

	bids, err := wireLevels(book.Levels[0])
	if err != nil {
		return err
	}
	asks, err := wireLevels(book.Levels[1])
	if err != nil {
		return err
	}

	// Stamped with the receiving clock, like every other book write; the
	// venue's frame time is not comparable across venues.
	return s.adapter.applySnapshot(s.book, bids, asks, time.Now())
}

func wireLevels(in []wireLevel) ([]market.Level, error) {
	out := make([]market.Level, 0, len(in))
	for _, l := range in {
		px, err := decimal.NewFromString(l.Px)
		if err != nil {
			return nil, fmt.Errorf("hyperliquid level px %q: %w", l.Px, err)
		}
		sz, err := decimal.NewFromString(l.Sz)
		if err != nil {
			return nil, fmt.Errorf("hyperliquid level sz %q: %w", l.Sz, err)
		}
		out = append(out, market.Level{Price: px, Size: sz, Orders: l.N})
	}
	return out, nil
}
