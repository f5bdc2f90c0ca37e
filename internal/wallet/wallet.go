// Package wallet manages the operator's local trading identities: the
// secp256k1 key used to sign venue-B actions and bridge transactions, and
// the settlement-chain mnemonic handed to the v4 chain gateway. Keys rest
// in a 0600 JSON file (optionally KMS-wrapped) and live in a memguard
// enclave while resident.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoWallet = errors.New("no wallet configured")
	ErrNoKey    = errors.New("wallet has no signing key")
)

const (
	fileName = "wallet.json"
	dirPerm  = 0o700
	filePerm = 0o600
)

// fileData is the on-disk wallet format. eth_key is bare hex; exactly one
// of eth_key and eth_key_ciphertext is set for a stored key.
type fileData struct {
	EthKey           string `json:"eth_key,omitempty"`
	EthKeyCiphertext string `json:"eth_key_ciphertext,omitempty"` // base64 KMS blob
	DydxMnemonic     string `json:"dydx_mnemonic,omitempty"`
}

// Wallet is a loaded identity. The private key stays sealed in an enclave
// and is opened only for the duration of a signing call.
type Wallet struct {
	enclave  *memguard.Enclave
	address  common.Address
	mnemonic string
}

// Address returns the key's EVM address.
func (w *Wallet) Address() common.Address { return w.address }

// HasKey reports whether a signing key is present.
func (w *Wallet) HasKey() bool { return w.enclave != nil }

// Mnemonic returns the settlement-chain mnemonic, empty when none is
// stored.
func (w *Wallet) Mnemonic() string { return w.mnemonic }

// WithKey opens the enclave, hands the parsed key to fn, and destroys the
// plaintext buffer when fn returns. fn must not retain the key.
func (w *Wallet) WithKey(fn func(*ecdsa.PrivateKey) error) error {
	if w.enclave == nil {
		return ErrNoKey
	}
	buf, err := w.enclave.Open()
	if err != nil {
		return fmt.Errorf("wallet: open enclave: %w", err)
	}
	defer buf.Destroy()

	priv, err := crypto.ToECDSA(buf.Bytes())
	if err != nil {
		return fmt.Errorf("wallet: parse private key: %w", err)
	}
	return fn(priv)
}

// SignHash signs a 32-byte digest and returns the 65-byte r || s || v
// signature with v in 27/28 form.
func (w *Wallet) SignHash(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("wallet: digest must be 32 bytes, got %d", len(digest))
	}
	var sig []byte
	err := w.WithKey(func(priv *ecdsa.PrivateKey) error {
		s, err := crypto.Sign(digest, priv)
		if err != nil {
			return fmt.Errorf("wallet: ecdsa sign: %w", err)
		}
		s[64] += 27
		sig = s
		return nil
	})
	return sig, err
}

// Store reads and writes the wallet file. A nil Cipher stores the key as
// plain hex; with a Cipher the key is wrapped before it touches disk.
type Store struct {
	dir    string
	cipher Cipher
}

// Cipher wraps and unwraps key bytes at rest.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// NewStore creates a store rooted at dir, defaulting to
// <UserConfigDir>/perpdesk.
func NewStore(dir string, cipher Cipher) (*Store, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("wallet: resolve config dir: %w", err)
		}
		dir = filepath.Join(base, "perpdesk")
	}
	return &Store{dir: dir, cipher: cipher}, nil
}

// Path returns the wallet file location.
func (s *Store) Path() string { return filepath.Join(s.dir, fileName) }

func (s *Store) read() (fileData, error) {
	raw, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return fileData{}, ErrNoWallet
	}
	if err != nil {
		return fileData{}, fmt.Errorf("wallet: read %s: %w", s.Path(), err)
	}
	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fileData{}, fmt.Errorf("wallet: parse %s: %w", s.Path(), err)
	}
	return data, nil
}

func (s *Store) write(data fileData) error {
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("wallet: create %s: %w", s.dir, err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("wallet: encode: %w", err)
	}
	if err := os.WriteFile(s.Path(), raw, filePerm); err != nil {
		return fmt.Errorf("wallet: write %s: %w", s.Path(), err)
	}
	return nil
}

// Load reads the stored wallet. ErrNoWallet when no file exists.
func (s *Store) Load(ctx context.Context) (*Wallet, error) {
	data, err := s.read()
	if err != nil {
		return nil, err
	}

	w := &Wallet{mnemonic: data.DydxMnemonic}
	keyHex := data.EthKey
	if data.EthKeyCiphertext != "" {
		if s.cipher == nil {
			return nil, fmt.Errorf("wallet: key is encrypted but no cipher is configured")
		}
		blob, err := base64.StdEncoding.DecodeString(data.EthKeyCiphertext)
		if err != nil {
			return nil, fmt.Errorf("wallet: decode ciphertext: %w", err)
		}
		plain, err := s.cipher.Decrypt(ctx, blob)
		if err != nil {
			return nil, fmt.Errorf("wallet: unwrap key: %w", err)
		}
		keyHex = string(plain)
	}
	if keyHex == "" {
		return w, nil
	}
	if err := w.seal(keyHex); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Wallet) seal(keyHex string) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("wallet: decode key hex: %w", err)
	}
	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return fmt.Errorf("wallet: invalid private key: %w", err)
	}
	w.address = crypto.PubkeyToAddress(priv.PublicKey)
	w.enclave = memguard.NewEnclave(raw)
	return nil
}

// CreateKey generates a fresh secp256k1 key, persists it, and returns the
// loaded wallet. An existing key is never overwritten.
func (s *Store) CreateKey(ctx context.Context) (*Wallet, error) {
	data, err := s.read()
	if err != nil && !errors.Is(err, ErrNoWallet) {
		return nil, err
	}
	if data.EthKey != "" || data.EthKeyCiphertext != "" {
		return nil, fmt.Errorf("wallet: a signing key already exists at %s", s.Path())
	}

	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	return s.storeKey(ctx, data, hex.EncodeToString(crypto.FromECDSA(priv)))
}

// ImportKey stores an existing hex private key (with or without 0x).
func (s *Store) ImportKey(ctx context.Context, keyHex string) (*Wallet, error) {
	data, err := s.read()
	if err != nil && !errors.Is(err, ErrNoWallet) {
		return nil, err
	}

	trimmed := strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode key hex: %w", err)
	}
	if _, err := crypto.ToECDSA(raw); err != nil {
		return nil, fmt.Errorf("wallet: invalid private key: %w", err)
	}
	return s.storeKey(ctx, data, trimmed)
}

func (s *Store) storeKey(ctx context.Context, data fileData, keyHex string) (*Wallet, error) {
	if s.cipher != nil {
		blob, err := s.cipher.Encrypt(ctx, []byte(keyHex))
		if err != nil {
			return nil, fmt.Errorf("wallet: wrap key: %w", err)
		}
		data.EthKeyCiphertext = base64.StdEncoding.EncodeToString(blob)
		data.EthKey = ""
	} else {
		data.EthKey = keyHex
	}
	if err := s.write(data); err != nil {
		return nil, err
	}

	w := &Wallet{mnemonic: data.DydxMnemonic}
	if err := w.seal(keyHex); err != nil {
		return nil, err
	}
	return w, nil
}

// SetMnemonic stores the settlement-chain mnemonic alongside the key.
func (s *Store) SetMnemonic(mnemonic string) error {
	data, err := s.read()
	if err != nil && !errors.Is(err, ErrNoWallet) {
		return err
	}
	data.DydxMnemonic = strings.TrimSpace(mnemonic)
	return s.write(data)
}
