package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"DefiFlow/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ClientSource resolves a chain name to its client. An empty name selects
// the default chain.
type ClientSource interface {
	Lookup(chain string) (*Client, error)
}

// Clients is a fixed ClientSource, mainly for tests and single-chain setups.
type Clients map[string]*Client

// Lookup implements ClientSource. An empty name resolves only when exactly
// one client is present.
func (c Clients) Lookup(chain string) (*Client, error) {
	if chain == "" && len(c) == 1 {
		for _, client := range c {
			return client, nil
		}
	}
	client, ok := c[chain]
	if !ok {
		return nil, fmt.Errorf("链 %q 未配置", chain)
	}
	return client, nil
}

// KeyedWallet signs with a locally held private key. Sends are serialised so
// consecutive transactions receive consecutive nonces.
type KeyedWallet struct {
	key    *ecdsa.PrivateKey
	from   common.Address
	source ClientSource
	mu     sync.Mutex
}

// NewKeyedWallet parses a hex encoded private key.
func NewKeyedWallet(hexKey string, source ClientSource) (*KeyedWallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("未配置钱包私钥")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析钱包私钥失败: %w", err)
	}
	return NewWalletFromKey(key, source), nil
}

// NewWalletFromKey wraps an already parsed key.
func NewWalletFromKey(key *ecdsa.PrivateKey, source ClientSource) *KeyedWallet {
	return &KeyedWallet{key: key, from: crypto.PubkeyToAddress(key.PublicKey), source: source}
}

// Address returns the signing account.
func (w *KeyedWallet) Address() common.Address { return w.from }

// RequestAccounts implements web3.Wallet.
func (w *KeyedWallet) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{w.from}, nil
}

// SignAndSend implements web3.Wallet.
func (w *KeyedWallet) SignAndSend(ctx context.Context, req web3.TxRequest) (*web3.Receipt, error) {
	client, err := w.source.Lookup(req.Chain)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	hash, err := client.Send(ctx, w.key, req)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	receipt, err := client.WaitReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s reverted", hash.Hex())
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return &web3.Receipt{
		Chain:       client.Name(),
		TxHash:      hash,
		BlockNumber: block,
		GasUsed:     receipt.GasUsed,
		Logs:        receipt.Logs,
	}, nil
}

// Call implements web3.Wallet.
func (w *KeyedWallet) Call(ctx context.Context, req web3.TxRequest) ([]byte, error) {
	client, err := w.source.Lookup(req.Chain)
	if err != nil {
		return nil, err
	}
	return client.Call(ctx, w.from, req.To, req.Data)
}

var _ web3.Wallet = (*KeyedWallet)(nil)
