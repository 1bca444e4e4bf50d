package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"DefiFlow/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	ExplorerURL string
	Notes       string
	ConfirmPoll time.Duration
}

// backend is the subset of ethclient used by the client. Both *ethclient.Client
// and the simulated backend's client satisfy it.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client wraps a single EVM chain endpoint.
type Client struct {
	name        string
	notes       string
	explorerURL string
	poll        time.Duration

	rpcClient *gethrpc.Client
	eth       backend
	// commit seals pending transactions on the simulated backend.
	commit func()

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		explorerURL: cfg.ExplorerURL,
		poll:        pollOrDefault(cfg.ConfirmPoll, time.Second),
		rpcClient:   rpcClient,
		eth:         ethclient.NewClient(rpcClient),
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
// Pending transactions are committed while waiting for their receipts.
func NewSimulatedClient(name string, sim *simulated.Backend) *Client {
	return &Client{
		name:   name,
		notes:  "simulated backend",
		poll:   10 * time.Millisecond,
		eth:    sim.Client(),
		commit: func() { sim.Commit() },
	}
}

func pollOrDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Name returns the chain name from the configuration.
func (c *Client) Name() string { return c.name }

// ExplorerURL returns the transaction explorer base URL.
func (c *Client) ExplorerURL() string { return c.explorerURL }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID returns the chain id, cached after the first lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// BalanceAt returns the latest balance of account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// Call runs a read-only contract call against the latest state.
func (c *Client) Call(ctx context.Context, from, to common.Address, data []byte) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, gethcore.CallMsg{From: from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("合约调用失败: %w", err)
	}
	return out, nil
}

// CallContract exposes the raw eth_call so the client can serve as a
// go-ethereum ContractCaller.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.eth.CallContract(ctx, msg, blockNumber)
}

// Send signs req as an EIP-1559 transaction with key and broadcasts it.
// Gas is estimated with a 20% buffer when req.GasLimit is zero.
func (c *Client) Send(ctx context.Context, key *ecdsa.PrivateKey, req web3.TxRequest) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取 nonce 失败: %w", err)
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取小费失败: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取区块头失败: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := req.To
	gas := req.GasLimit
	if gas == 0 {
		estimated, err := c.eth.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: value, Data: req.Data})
		if err != nil {
			return common.Hash{}, err
		}
		gas = estimated * 6 / 5
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash(), nil
}

// WaitReceipt polls until the transaction is mined or ctx is done.
// Lookup errors right after sealing (not found, index still building, a
// dropped connection) are treated as "not yet mined".
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	var lastErr error
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("等待交易 %s 确认超时: %w", hash.Hex(), ctx.Err())
			}
			if !errors.Is(err, gethcore.NotFound) {
				lastErr = err
			}
		}
		if c.commit != nil && !indexing(err) {
			c.commit()
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("等待交易 %s 确认超时 (最近一次查询: %v): %w", hash.Hex(), lastErr, ctx.Err())
			}
			return nil, fmt.Errorf("等待交易 %s 确认超时: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// indexing 判断节点是否仍在为新区块建立交易索引。
func indexing(err error) bool {
	return err != nil && strings.Contains(err.Error(), "transaction indexing is in progress")
}

var _ gethcore.ContractCaller = (*Client)(nil)

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
