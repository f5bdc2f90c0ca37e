package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration. The core reads no
// environment variables itself; everything arrives through this struct.
type Config struct {
	Testnet       bool `mapstructure:"testnet"`
	RetryAttempts uint `mapstructure:"retry_attempts"`
	TimeoutMS     uint `mapstructure:"timeout_ms"`

	Order  OrderConfig
	Log    LogConfig
	Dydx   DydxConfig
	Hyper  HyperConfig
	Wallet WalletConfig
	Bridge BridgeConfig
}

// OrderConfig tunes order placement.
type OrderConfig struct {
	TimeoutMS      uint   `mapstructure:"timeout_ms"`
	MinNotionalUSD string `mapstructure:"min_notional_usd"`
}

// LogConfig controls the zap logger and file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// DydxConfig holds venue-A endpoints. Empty values select the default for
// the configured network.
type DydxConfig struct {
	WSURL      string `mapstructure:"ws_url"`
	IndexerURL string `mapstructure:"indexer_url"`
	// Address is the operator's settlement-chain address, used only for
	// read-side position and order listing.
	Address string `mapstructure:"address"`
}

// HyperConfig holds venue-B endpoints.
type HyperConfig struct {
	WSURL  string `mapstructure:"ws_url"`
	APIURL string `mapstructure:"api_url"`

	// Address is the account queried for positions and open orders. Empty
	// defaults to the local wallet's address when one is loaded.
	Address string `mapstructure:"address"`
}

// WalletConfig holds local key storage settings.
type WalletConfig struct {
	Dir       string `mapstructure:"dir"` // empty: <UserConfigDir>/perpdesk
	KMSKeyID  string `mapstructure:"kms_key_id"`
	AWSRegion string `mapstructure:"aws_region"`
	// KMSEndpoint points Encrypt/Decrypt at a local KMS stand-in during
	// development; empty means real AWS.
	KMSEndpoint string `mapstructure:"kms_endpoint"`
}

// BridgeConfig holds the CCTP bridge settings.
type BridgeConfig struct {
	ArbitrumRPC string `mapstructure:"arbitrum_rpc"`
}

// RESTTimeout returns the bounded timeout for one-shot REST calls.
func (c *Config) RESTTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// OrderTimeout returns the (higher) timeout for order placement.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Order.TimeoutMS) * time.Millisecond
}

// MinNotional parses the configured order floor. Zero on a missing or
// malformed value; adapters then apply their default.
func (o OrderConfig) MinNotional() decimal.Decimal {
	d, err := decimal.NewFromString(o.MinNotionalUSD)
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}
	}
	return d
}

// Load reads configuration from an optional config.yaml in dir (or the
// working directory when dir is empty) and from environment variables
// prefixed with PERPDESK_. Environment values win.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PERPDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	} else {
		v.AddConfigPath(".")
	}

	// Defaults
	v.SetDefault("testnet", false)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("timeout_ms", 5000)

	v.SetDefault("order.timeout_ms", 30000)
	v.SetDefault("order.min_notional_usd", "10")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("wallet.aws_region", "us-east-1")
	v.SetDefault("bridge.arbitrum_rpc", "https://arbitrum.llamarpc.com")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	cfg := &Config{}

	cfg.Testnet = v.GetBool("testnet")
	cfg.RetryAttempts = v.GetUint("retry_attempts")
	cfg.TimeoutMS = v.GetUint("timeout_ms")

	cfg.Order = OrderConfig{
		TimeoutMS:      v.GetUint("order.timeout_ms"),
		MinNotionalUSD: v.GetString("order.min_notional_usd"),
	}

	cfg.Log = LogConfig{
		Level:      v.GetString("log.level"),
		File:       v.GetString("log.file"),
		MaxSizeMB:  v.GetInt("log.max_size_mb"),
		MaxBackups: v.GetInt("log.max_backups"),
	}

	cfg.Dydx = DydxConfig{
		WSURL:      v.GetString("dydx.ws_url"),
		IndexerURL: v.GetString("dydx.indexer_url"),
		Address:    v.GetString("dydx.address"),
	}

	cfg.Hyper = HyperConfig{
		WSURL:   v.GetString("hyper.ws_url"),
		APIURL:  v.GetString("hyper.api_url"),
		Address: v.GetString("hyper.address"),
	}

	cfg.Wallet = WalletConfig{
		Dir:         v.GetString("wallet.dir"),
		KMSKeyID:    v.GetString("wallet.kms_key_id"),
		AWSRegion:   v.GetString("wallet.aws_region"),
		KMSEndpoint: v.GetString("wallet.kms_endpoint"),
	}

	cfg.Bridge = BridgeConfig{
		ArbitrumRPC: v.GetString("bridge.arbitrum_rpc"),
	}

	return cfg, nil
}
