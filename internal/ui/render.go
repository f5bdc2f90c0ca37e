package ui

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/perpdesk/internal/market"
)

const (
	ansiReset = "\x1b[0m"
	ansiGreen = "\x1b[32m"
	ansiRed   = "\x1b[31m"
	ansiDim   = "\x1b[2m"
	ansiBold  = "\x1b[1m"
)

const bookDepth = 5

type venueSummary struct {
	Venue   market.Venue
	Summary market.MarketSummary
	Err     error
}

func fmtNull(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.String()
}

func fmtFunding(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.Mul(decimal.New(100, 0)).Round(4).String() + "%"
}

// renderSummaryTable lays venue summaries side by side. Rows for venues
// whose fetch failed show the error instead of figures.
func renderSummaryTable(symbol string, rows []venueSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s%s%s\n", ansiBold, symbol, ansiReset)
	fmt.Fprintf(&sb, "%-12s %14s %16s %16s %10s\n", "venue", "mark", "24h volume", "open interest", "funding")
	for _, row := range rows {
		if row.Err != nil {
			fmt.Fprintf(&sb, "%-12s %s%v%s\n", row.Venue, ansiDim, row.Err, ansiReset)
			continue
		}
		s := row.Summary
		fmt.Fprintf(&sb, "%-12s %14s %16s %16s %10s\n",
			row.Venue, fmtNull(s.MarkPrice), fmtNull(s.Volume24h), fmtNull(s.OpenInterest), fmtFunding(s.FundingRate))
	}
	return sb.String()
}

// renderBook prints the top levels of a book, asks descending above a
// spread line, bids below.
func renderBook(book market.OrderBook) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s%s %s%s\n", ansiBold, book.Venue, book.Symbol, ansiReset)
	fmt.Fprintf(&sb, "%14s %14s\n", "price", "size")

	asks := book.Asks
	if len(asks) > bookDepth {
		asks = asks[:bookDepth]
	}
	for i := len(asks) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%s%14s %14s%s\n", ansiRed, asks[i].Price, asks[i].Size, ansiReset)
	}

	if len(book.Bids) > 0 && len(book.Asks) > 0 {
		spread := book.Asks[0].Price.Sub(book.Bids[0].Price)
		fmt.Fprintf(&sb, "%s-- spread %s --%s\n", ansiDim, spread, ansiReset)
	} else {
		fmt.Fprintf(&sb, "%s-- one-sided --%s\n", ansiDim, ansiReset)
	}

	bids := book.Bids
	if len(bids) > bookDepth {
		bids = bids[:bookDepth]
	}
	for _, lvl := range bids {
		fmt.Fprintf(&sb, "%s%14s %14s%s\n", ansiGreen, lvl.Price, lvl.Size, ansiReset)
	}
	return sb.String()
}

func renderPositions(positions []market.Position) string {
	if len(positions) == 0 {
		return "no open positions\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-12s %-8s %12s %12s %12s %12s %4s\n",
		"venue", "asset", "size", "entry", "liq", "upnl", "lev")
	for _, p := range positions {
		color := ansiGreen
		if p.Size.IsNegative() {
			color = ansiRed
		}
		fmt.Fprintf(&sb, "%-12s %-8s %s%12s%s %12s %12s %12s %4d\n",
			p.Venue, p.Asset, color, p.Size, ansiReset,
			fmtNull(p.EntryPrice), fmtNull(p.LiqPrice), p.UnrealPnL, p.Leverage)
	}
	return sb.String()
}

func renderOpenOrders(orders []market.OpenOrder) string {
	if len(orders) == 0 {
		return "no open orders\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-12s %-8s %-5s %12s %12s %-10s %s\n",
		"venue", "asset", "side", "size", "price", "status", "id")
	for _, o := range orders {
		fmt.Fprintf(&sb, "%-12s %-8s %-5s %12s %12s %-10s %s\n",
			o.Venue, o.Asset, o.Side, o.Size, o.Price, o.Status, o.ID)
	}
	return sb.String()
}
