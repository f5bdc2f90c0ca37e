// Package ui is the interactive terminal front end: a refreshing market
// dashboard plus menus for trading, account state, wallet management and
// bridging.
package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/perpdesk/perpdesk/internal/aggregator"
	"github.com/perpdesk/perpdesk/internal/bridge"
	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/market"
	"github.com/perpdesk/perpdesk/internal/wallet"
)

const refreshInterval = time.Second

var errQuit = errors.New("quit")

// Deps carries everything the app operates on. In and Out default to the
// process terminal when nil.
type Deps struct {
	Agg    *aggregator.Aggregator
	Store  *wallet.Store
	Wallet *wallet.Wallet
	Cfg    *config.Config
	Log    *zap.Logger

	In  io.Reader
	Out io.Writer
}

type App struct {
	agg    *aggregator.Aggregator
	store  *wallet.Store
	wallet *wallet.Wallet
	cfg    *config.Config
	log    *zap.Logger

	in    io.Reader
	out   io.Writer
	lines chan string

	symbol string
}

func New(deps Deps) *App {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &App{
		agg:    deps.Agg,
		store:  deps.Store,
		wallet: deps.Wallet,
		cfg:    deps.Cfg,
		log:    log.With(zap.String("component", "ui")),
		in:     deps.In,
		out:    deps.Out,
		lines:  make(chan string),
		symbol: "BTC",
	}
}

// Run starts market feeds for the default symbol and drives the menu
// until the context is cancelled or the operator quits.
func (a *App) Run(ctx context.Context) error {
	go a.readInput()

	if err := a.agg.StartAllMarketUpdates(ctx, a.symbol); err != nil {
		return err
	}

	for {
		a.printf("\n[1] live view  [2] symbol  [3] trade  [4] orders & positions  [5] close position  [6] wallet  [7] bridge  [q] quit\n> ")
		choice, err := a.readLine(ctx)
		if err != nil {
			if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var handlerErr error
		switch choice {
		case "1", "":
			handlerErr = a.liveView(ctx)
		case "2":
			handlerErr = a.changeSymbol(ctx)
		case "3":
			handlerErr = a.trade(ctx)
		case "4":
			handlerErr = a.account(ctx)
		case "5":
			handlerErr = a.closePosition(ctx)
		case "6":
			handlerErr = a.walletMenu(ctx)
		case "7":
			handlerErr = a.bridgeMenu(ctx)
		case "q", "quit", "exit":
			return nil
		default:
			a.printf("unknown choice %q\n", choice)
		}
		if handlerErr != nil {
			if errors.Is(handlerErr, errQuit) || errors.Is(handlerErr, context.Canceled) {
				return nil
			}
			a.printf("error: %v\n", handlerErr)
		}
	}
}

func (a *App) readInput() {
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		a.lines <- strings.TrimSpace(scanner.Text())
	}
	close(a.lines)
}

func (a *App) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-a.lines:
		if !ok {
			return "", errQuit
		}
		return line, nil
	}
}

func (a *App) prompt(ctx context.Context, label string) (string, error) {
	a.printf("%s: ", label)
	return a.readLine(ctx)
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// liveView redraws summaries and both books every second until the
// operator presses enter.
func (a *App) liveView(ctx context.Context) error {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	a.printf("press enter to return to the menu\n")
	a.draw(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-a.lines:
			if !ok {
				return errQuit
			}
			return nil
		case <-ticker.C:
			a.draw(ctx)
		}
	}
}

func (a *App) draw(ctx context.Context) {
	rows := make([]venueSummary, 0, 2)
	for _, v := range a.agg.Venues() {
		summary, err := a.agg.Summary(ctx, v, a.symbol)
		rows = append(rows, venueSummary{Venue: v, Summary: summary, Err: err})
	}
	a.printf("\n%s", renderSummaryTable(a.symbol, rows))

	for _, v := range a.agg.Venues() {
		book, err := a.agg.Orderbook(v, a.symbol)
		if err != nil {
			a.printf("\n%s %s: %v\n", v, a.symbol, err)
			continue
		}
		a.printf("\n%s", renderBook(book))
	}
}

func (a *App) changeSymbol(ctx context.Context) error {
	symbol, err := a.prompt(ctx, "symbol")
	if err != nil {
		return err
	}
	symbol = strings.ToUpper(symbol)
	if symbol == "" || symbol == a.symbol {
		return nil
	}
	if err := a.agg.StartAllMarketUpdates(ctx, symbol); err != nil {
		return err
	}
	a.symbol = symbol
	a.printf("switched to %s\n", symbol)
	return nil
}

func (a *App) pickVenue(ctx context.Context) (market.Venue, error) {
	venues := a.agg.Venues()
	names := make([]string, len(venues))
	for i, v := range venues {
		names[i] = string(v)
	}
	choice, err := a.prompt(ctx, "venue ("+strings.Join(names, "/")+")")
	if err != nil {
		return "", err
	}
	for _, v := range venues {
		if strings.EqualFold(choice, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown venue %q", choice)
}

func (a *App) trade(ctx context.Context) error {
	v, err := a.pickVenue(ctx)
	if err != nil {
		return err
	}

	req := market.TradeRequest{Asset: a.symbol}

	side, err := a.prompt(ctx, "side (buy/sell)")
	if err != nil {
		return err
	}
	switch strings.ToLower(side) {
	case "buy", "b":
		req.Side = market.Buy
	case "sell", "s":
		req.Side = market.Sell
	default:
		return fmt.Errorf("unknown side %q", side)
	}

	kind, err := a.prompt(ctx, "type (market/limit)")
	if err != nil {
		return err
	}
	switch strings.ToLower(kind) {
	case "market", "m":
		req.Kind = market.Market
	case "limit", "l":
		req.Kind = market.Limit
	default:
		return fmt.Errorf("unknown order type %q", kind)
	}

	usd, err := a.prompt(ctx, "usd amount")
	if err != nil {
		return err
	}
	req.USDValue, err = decimal.NewFromString(usd)
	if err != nil {
		return fmt.Errorf("bad usd amount %q", usd)
	}

	if req.Kind == market.Limit {
		px, err := a.prompt(ctx, "limit price")
		if err != nil {
			return err
		}
		p, err := decimal.NewFromString(px)
		if err != nil {
			return fmt.Errorf("bad limit price %q", px)
		}
		req.LimitPrice = decimal.NewNullDecimal(p)
	}

	lev, err := a.prompt(ctx, "leverage (enter for default)")
	if err != nil {
		return err
	}
	if lev != "" {
		n, err := strconv.ParseUint(lev, 10, 32)
		if err != nil {
			return fmt.Errorf("bad leverage %q", lev)
		}
		req.Leverage = uint32(n)
	}

	receipt, err := a.agg.PlaceTrade(ctx, v, req)
	if err != nil {
		return err
	}
	a.printf("order placed: %s %s\n", receipt.ID, receipt.Detail)
	return nil
}

func (a *App) account(ctx context.Context) error {
	positions, perr := a.agg.AllPositions(ctx)
	orders, oerr := a.agg.AllOpenOrders(ctx)

	a.printf("\npositions\n%s", renderPositions(positions))
	a.printf("\nopen orders\n%s", renderOpenOrders(orders))
	if err := errors.Join(perr, oerr); err != nil {
		a.printf("%spartial data: %v%s\n", ansiDim, err, ansiReset)
	}

	id, err := a.prompt(ctx, "order id to cancel (enter to skip)")
	if err != nil || id == "" {
		return err
	}
	v, err := a.pickVenue(ctx)
	if err != nil {
		return err
	}
	if err := a.agg.CancelOrder(ctx, v, id); err != nil {
		return err
	}
	a.printf("cancelled %s\n", id)
	return nil
}

func (a *App) closePosition(ctx context.Context) error {
	positions, err := a.agg.AllPositions(ctx)
	if err != nil && len(positions) == 0 {
		return err
	}
	if len(positions) == 0 {
		a.printf("no open positions\n")
		return nil
	}
	for i, p := range positions {
		a.printf("[%d] %s %s %s\n", i+1, p.Venue, p.Asset, p.Size)
	}
	pick, err := a.prompt(ctx, "position")
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(pick)
	if err != nil || n < 1 || n > len(positions) {
		return fmt.Errorf("bad selection %q", pick)
	}
	p := positions[n-1]
	receipt, err := a.agg.ClosePosition(ctx, p.Venue, p.Asset, p.Size)
	if err != nil {
		return err
	}
	a.printf("close order placed: %s\n", receipt.ID)
	return nil
}

func (a *App) walletMenu(ctx context.Context) error {
	if a.wallet != nil && a.wallet.HasKey() {
		a.printf("address: %s\n", a.wallet.Address().Hex())
	} else {
		a.printf("no signing key stored\n")
	}

	choice, err := a.prompt(ctx, "[1] create key  [2] import key  [enter] back")
	if err != nil || choice == "" {
		return err
	}
	switch choice {
	case "1":
		w, err := a.store.CreateKey(ctx)
		if err != nil {
			return err
		}
		a.wallet = w
		a.printf("created %s\n", w.Address().Hex())
	case "2":
		keyHex, err := a.prompt(ctx, "private key hex")
		if err != nil {
			return err
		}
		w, err := a.store.ImportKey(ctx, keyHex)
		if err != nil {
			return err
		}
		a.wallet = w
		a.printf("imported %s\n", w.Address().Hex())
	default:
		a.printf("unknown choice %q\n", choice)
	}
	return nil
}

func (a *App) bridgeMenu(ctx context.Context) error {
	if a.wallet == nil || !a.wallet.HasKey() {
		a.printf("bridging needs a stored signing key\n")
		return nil
	}

	client, err := bridge.Dial(ctx, a.cfg.Bridge.ArbitrumRPC, a.wallet, a.log)
	if err != nil {
		return err
	}

	balance, err := client.Balance(ctx)
	if err != nil {
		return err
	}
	a.printf("USDC balance on Arbitrum: %s\n", balance)

	amount, err := a.prompt(ctx, "amount to bridge (enter to cancel)")
	if err != nil || amount == "" {
		return err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("bad amount %q", amount)
	}
	recipient, err := a.prompt(ctx, "destination address (dydx...)")
	if err != nil {
		return err
	}

	hash, err := client.Deposit(ctx, value, recipient)
	if err != nil {
		return err
	}
	a.printf("bridge tx %s submitted; funds arrive in 10-15 minutes\n", hash.Hex())
	return nil
}
