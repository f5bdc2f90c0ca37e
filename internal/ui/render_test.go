package ui

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/perpdesk/perpdesk/internal/market"
)

func lvl(price, size string) market.Level {
	return market.Level{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func TestRenderBookShowsSpread(t *testing.T) {
	out := renderBook(market.OrderBook{
		Venue:  market.VenueDydx,
		Symbol: "BTC",
		Bids:   []market.Level{lvl("49990", "1"), lvl("49980", "2")},
		Asks:   []market.Level{lvl("50010", "1"), lvl("50020", "3")},
	})

	assert.Contains(t, out, "spread 20")
	assert.Contains(t, out, "50010")
	assert.Contains(t, out, "49990")
	// Asks print above the spread line.
	assert.Less(t, strings.Index(out, "50010"), strings.Index(out, "spread"))
	assert.Greater(t, strings.Index(out, "49990"), strings.Index(out, "spread"))
}

func TestRenderBookTruncatesDepth(t *testing.T) {
	var bids []market.Level
	for i := 0; i < 10; i++ {
		bids = append(bids, lvl(decimal.NewFromInt(int64(50000-i)).String(), "1"))
	}
	out := renderBook(market.OrderBook{Venue: market.VenueDydx, Symbol: "BTC", Bids: bids})

	assert.Contains(t, out, "49996")
	assert.NotContains(t, out, "49995")
	assert.Contains(t, out, "one-sided")
}

func TestRenderSummaryTableMissingFields(t *testing.T) {
	out := renderSummaryTable("ETH", []venueSummary{
		{
			Venue: market.VenueHyperliquid,
			Summary: market.MarketSummary{
				Symbol:      "ETH",
				MarkPrice:   decimal.NewNullDecimal(decimal.RequireFromString("3000")),
				FundingRate: decimal.NewNullDecimal(decimal.RequireFromString("0.0001")),
			},
		},
	})

	assert.Contains(t, out, "3000")
	assert.Contains(t, out, "0.01%")
	assert.Contains(t, out, "-")
}

func TestRenderSummaryTableShowsErrors(t *testing.T) {
	out := renderSummaryTable("BTC", []venueSummary{
		{Venue: market.VenueDydx, Err: market.ErrNotReady},
	})
	assert.Contains(t, out, market.ErrNotReady.Error())
}

func TestRenderPositionsEmpty(t *testing.T) {
	assert.Contains(t, renderPositions(nil), "no open positions")
}

func TestRenderPositionsColorsShorts(t *testing.T) {
	out := renderPositions([]market.Position{
		{
			Venue:     market.VenueHyperliquid,
			Asset:     "BTC",
			Size:      decimal.RequireFromString("-0.5"),
			UnrealPnL: decimal.RequireFromString("12.5"),
			Leverage:  10,
		},
	})
	assert.Contains(t, out, ansiRed)
	assert.Contains(t, out, "-0.5")
	assert.Contains(t, out, "12.5")
}
