package market

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidBook is returned when applying feed messages would materialize
// a malformed book (crossed, or duplicate prices on one side). The owning
// adapter must drop the book and resubscribe, never publish it.
var ErrInvalidBook = errors.New("invalid book")

// DepthBook is the mutable, single-writer book a venue adapter maintains
// from its feed. It is not safe for concurrent use; the adapter serializes
// writes in its supervisor and clones snapshots out under its own lock.
type DepthBook struct {
	venue  Venue
	symbol string
	bids   []Level
	asks   []Level
	lastMS uint64
	primed bool
}

// NewDepthBook creates an empty book for (venue, symbol). It stays
// not-ready until the first snapshot is applied.
func NewDepthBook(venue Venue, symbol string) *DepthBook {
	return &DepthBook{venue: venue, symbol: symbol}
}

// Symbol returns the symbol this book tracks.
func (b *DepthBook) Symbol() string { return b.symbol }

// Ready reports whether a snapshot has been applied since creation or the
// last Drop.
func (b *DepthBook) Ready() bool { return b.primed }

// ApplySnapshot replaces both sides with absolute levels and validates the
// result. Zero-size levels in a snapshot are discarded. On ErrInvalidBook
// the book is dropped.
func (b *DepthBook) ApplySnapshot(bids, asks []Level, now time.Time) error {
	b.bids = compact(bids)
	b.asks = compact(asks)
	b.primed = true
	return b.commit(now)
}

// ApplyDeltas merges one side's deltas: a zero size removes the price
// level, a non-zero size is an absolute replacement (not an increment).
// Call Commit after the whole message batch has been applied.
func (b *DepthBook) ApplyDeltas(side Side, deltas []Level) {
	depth := b.bids
	if side == Sell {
		depth = b.asks
	}

	for _, d := range deltas {
		if d.Size.IsZero() {
			for i := range depth {
				if depth[i].Price.Equal(d.Price) {
					depth = append(depth[:i], depth[i+1:]...)
					break
				}
			}
			continue
		}
		replaced := false
		for i := range depth {
			if depth[i].Price.Equal(d.Price) {
				depth[i].Size = d.Size
				depth[i].Orders = d.Orders
				replaced = true
				break
			}
		}
		if !replaced {
			depth = append(depth, d)
		}
	}

	if side == Sell {
		b.asks = depth
	} else {
		b.bids = depth
	}
}

// Commit re-sorts both sides, enforces the well-formedness invariants and
// advances the timestamp. On ErrInvalidBook the book is dropped and the
// caller must resubscribe.
func (b *DepthBook) Commit(now time.Time) error {
	return b.commit(now)
}

func (b *DepthBook) commit(now time.Time) error {
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price.GreaterThan(b.bids[j].Price) })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price.LessThan(b.asks[j].Price) })

	if err := b.validate(); err != nil {
		b.Drop()
		return err
	}

	ts := uint64(now.UnixMilli())
	if ts < b.lastMS {
		ts = b.lastMS
	}
	b.lastMS = ts
	return nil
}

func (b *DepthBook) validate() error {
	for i := 1; i < len(b.bids); i++ {
		if !b.bids[i].Price.LessThan(b.bids[i-1].Price) {
			return fmt.Errorf("%w: duplicate bid price %s", ErrInvalidBook, b.bids[i].Price)
		}
	}
	for i := 1; i < len(b.asks); i++ {
		if !b.asks[i].Price.GreaterThan(b.asks[i-1].Price) {
			return fmt.Errorf("%w: duplicate ask price %s", ErrInvalidBook, b.asks[i].Price)
		}
	}
	if len(b.bids) > 0 && len(b.asks) > 0 {
		if !b.bids[0].Price.LessThan(b.asks[0].Price) {
			return fmt.Errorf("%w: crossed %s >= %s", ErrInvalidBook, b.bids[0].Price, b.asks[0].Price)
		}
	}
	for _, l := range b.bids {
		if !l.Price.IsPositive() {
			return fmt.Errorf("%w: non-positive bid price %s", ErrInvalidBook, l.Price)
		}
	}
	for _, l := range b.asks {
		if !l.Price.IsPositive() {
			return fmt.Errorf("%w: non-positive ask price %s", ErrInvalidBook, l.Price)
		}
	}
	return nil
}

// Drop discards all levels and marks the book not-ready. The timestamp
// floor is retained so a rebuilt book stays monotonic.
func (b *DepthBook) Drop() {
	b.bids = nil
	b.asks = nil
	b.primed = false
}

// Snapshot clones the current book out as a canonical OrderBook.
func (b *DepthBook) Snapshot() (OrderBook, error) {
	if !b.primed {
		return OrderBook{}, ErrNotReady
	}
	bids := make([]Level, len(b.bids))
	asks := make([]Level, len(b.asks))
	copy(bids, b.bids)
	copy(asks, b.asks)
	return OrderBook{
		Venue:       b.venue,
		Symbol:      b.symbol,
		Bids:        bids,
		Asks:        asks,
		TimestampMS: b.lastMS,
	}, nil
}

// compact strips zero-size levels from a snapshot side.
func compact(levels []Level) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Size.IsZero() {
			continue
		}
		out = append(out, l)
	}
	return out
}
