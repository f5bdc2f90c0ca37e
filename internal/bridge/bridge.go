// Package bridge moves USDC from Arbitrum to the dYdX settlement chain
// over Circle's CCTP: approve the TokenMessenger, then depositForBurn with
// the noble-side recipient; CCTP mints on the destination 10-15 minutes
// later.
package bridge

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/perpdesk/perpdesk/internal/wallet"
)

// Arbitrum mainnet CCTP constants.
const (
	DefaultRPC = "https://arbitrum.llamarpc.com"

	arbitrumChainID = 42161
	usdcDecimals    = 6

	// nobleDomain is CCTP's destination domain for the noble chain, which
	// forwards to dYdX.
	nobleDomain = uint32(4)

	receiptPollInterval = 2 * time.Second
	receiptWait         = 2 * time.Minute
)

var (
	USDCAddress           = common.HexToAddress("0xaf88d065e77c8cc2239327c5edb3a432268e5831")
	TokenMessengerAddress = common.HexToAddress("0x19330d10d9cc8751218eaf51e8885d058642e08a")
)

const erc20ABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const messengerABI = `[
  {"name":"depositForBurn","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"destinationDomain","type":"uint32"},{"name":"mintRecipient","type":"bytes32"},{"name":"burnToken","type":"address"}],"outputs":[{"name":"nonce","type":"uint64"}]}
]`

// Backend is the slice of an Ethereum RPC client the bridge needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client drives the CCTP burn flow with the local wallet key.
type Client struct {
	backend   Backend
	w         *wallet.Wallet
	log       *zap.Logger
	erc20     abi.ABI
	messenger abi.ABI

	chainID *big.Int
}

// NewClient builds a bridge client over an existing backend.
func NewClient(backend Backend, w *wallet.Wallet, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("bridge: parse erc20 abi: %w", err)
	}
	messenger, err := abi.JSON(strings.NewReader(messengerABI))
	if err != nil {
		return nil, fmt.Errorf("bridge: parse messenger abi: %w", err)
	}
	return &Client{
		backend:   backend,
		w:         w,
		log:       log.With(zap.String("component", "bridge")),
		erc20:     erc20,
		messenger: messenger,
		chainID:   big.NewInt(arbitrumChainID),
	}, nil
}

// Dial connects to an Arbitrum RPC endpoint. rpc empty uses DefaultRPC.
func Dial(ctx context.Context, rpc string, w *wallet.Wallet, log *zap.Logger) (*Client, error) {
	if rpc == "" {
		rpc = DefaultRPC
	}
	eth, err := ethclient.DialContext(ctx, rpc)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", rpc, err)
	}
	return NewClient(eth, w, log)
}

// AtomicUSDC converts a decimal USDC amount to 6-decimal atomic units.
// Sub-atomic fractions are rejected rather than silently truncated.
func AtomicUSDC(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("bridge: amount %s is not positive", amount)
	}
	shifted := amount.Shift(usdcDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("bridge: amount %s has more than %d decimals", amount, usdcDecimals)
	}
	return shifted.BigInt(), nil
}

// NobleRecipient converts a bech32 settlement-chain address into the
// left-padded bytes32 mintRecipient CCTP expects.
func NobleRecipient(address string) ([32]byte, error) {
	var out [32]byte
	_, data, err := decodeBech32(strings.TrimSpace(address))
	if err != nil {
		return out, err
	}
	raw, err := convertBits(data, 5, 8, false)
	if err != nil {
		return out, err
	}
	if len(raw) != 20 {
		return out, fmt.Errorf("bridge: recipient payload is %d bytes, want 20", len(raw))
	}
	copy(out[12:], raw)
	return out, nil
}

func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, method string, out any, args ...any) error {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("bridge: pack %s: %w", method, err)
	}
	ret, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return fmt.Errorf("bridge: call %s: %w", method, err)
	}
	if err := contract.UnpackIntoInterface(out, method, ret); err != nil {
		return fmt.Errorf("bridge: unpack %s: %w", method, err)
	}
	return nil
}

// Balance reads the wallet's USDC balance.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	var out *big.Int
	if err := c.call(ctx, USDCAddress, c.erc20, "balanceOf", &out, c.w.Address()); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(out, -usdcDecimals), nil
}

func (c *Client) allowance(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := c.call(ctx, USDCAddress, c.erc20, "allowance", &out, c.w.Address(), TokenMessengerAddress)
	return out, err
}

// sendTx packs, signs with the wallet key under EIP-155, and broadcasts.
func (c *Client) sendTx(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	from := c.w.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("bridge: nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge: gas price: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("bridge: estimate gas: %w", err)
	}
	// Headroom over the estimate, matching the flow this was ported from.
	gas += 50_000

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})

	var signed *types.Transaction
	err = c.w.WithKey(func(priv *ecdsa.PrivateKey) error {
		s, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), priv)
		if err != nil {
			return fmt.Errorf("bridge: sign tx: %w", err)
		}
		signed = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("bridge: broadcast: %w", err)
	}
	return signed, nil
}

// waitMined polls for the transaction receipt and fails on revert.
func (c *Client) waitMined(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, receiptWait)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx.Hash())
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("bridge: tx %s reverted", tx.Hash())
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bridge: waiting for tx %s: %w", tx.Hash(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Deposit burns amount USDC on Arbitrum for mint to the bech32 recipient
// on the settlement chain. It checks balance, tops up the allowance when
// short, then issues depositForBurn and returns its transaction hash.
func (c *Client) Deposit(ctx context.Context, amount decimal.Decimal, recipient string) (common.Hash, error) {
	atomic, err := AtomicUSDC(amount)
	if err != nil {
		return common.Hash{}, err
	}
	mintRecipient, err := NobleRecipient(recipient)
	if err != nil {
		return common.Hash{}, err
	}

	balance, err := c.Balance(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if balance.LessThan(amount) {
		return common.Hash{}, fmt.Errorf("bridge: insufficient USDC: have %s, need %s", balance, amount)
	}

	allowance, err := c.allowance(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if allowance.Cmp(atomic) < 0 {
		c.log.Info("approving USDC for the token messenger")
		data, err := c.erc20.Pack("approve", TokenMessengerAddress, maxUint256())
		if err != nil {
			return common.Hash{}, fmt.Errorf("bridge: pack approve: %w", err)
		}
		tx, err := c.sendTx(ctx, USDCAddress, data)
		if err != nil {
			return common.Hash{}, err
		}
		if err := c.waitMined(ctx, tx); err != nil {
			return common.Hash{}, err
		}
	}

	data, err := c.messenger.Pack("depositForBurn", atomic, nobleDomain, mintRecipient, USDCAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("bridge: pack depositForBurn: %w", err)
	}
	tx, err := c.sendTx(ctx, TokenMessengerAddress, data)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.waitMined(ctx, tx); err != nil {
		return common.Hash{}, err
	}

	c.log.Info("bridge transfer submitted, funds arrive in 10-15 minutes",
		zap.String("tx", tx.Hash().Hex()), zap.String("amount", amount.String()))
	return tx.Hash(), nil
}

func maxUint256() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	return max.Sub(max, big.NewInt(1))
}

// Keccak-based selector helper shared with tests.
func methodID(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}
