package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/perpdesk/perpdesk/internal/aggregator"
	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/logging"
	"github.com/perpdesk/perpdesk/internal/ui"
	"github.com/perpdesk/perpdesk/internal/wallet"
)

func main() {
	defer memguard.Purge()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "perpdesk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cipher wallet.Cipher
	if cfg.Wallet.KMSKeyID != "" {
		kms, err := wallet.NewKMSCipher(ctx, cfg.Wallet.AWSRegion, cfg.Wallet.KMSKeyID, cfg.Wallet.KMSEndpoint)
		if err != nil {
			return fmt.Errorf("init kms: %w", err)
		}
		cipher = kms
	}

	store, err := wallet.NewStore(cfg.Wallet.Dir, cipher)
	if err != nil {
		return fmt.Errorf("open wallet store: %w", err)
	}

	w, err := store.Load(ctx)
	if err != nil && !errors.Is(err, wallet.ErrNoWallet) {
		return fmt.Errorf("load wallet: %w", err)
	}
	if w != nil && w.HasKey() {
		log.Info("wallet loaded", zap.String("address", w.Address().Hex()))
		if cfg.Hyper.Address == "" {
			cfg.Hyper.Address = w.Address().Hex()
		}
	}

	// Chain submission backends are wired here when configured; without
	// them the venues serve market data and refuse order placement.
	agg := aggregator.FromConfig(cfg, nil, nil, log)

	app := ui.New(ui.Deps{
		Agg:    agg,
		Store:  store,
		Wallet: w,
		Cfg:    cfg,
		Log:    log,
		In:     os.Stdin,
		Out:    os.Stdout,
	})
	return app.Run(ctx)
}
