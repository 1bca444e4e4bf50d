package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// TxRequest describes a contract call or value transfer to be signed by the
// session wallet. An empty Chain selects the wallet's default chain.
type TxRequest struct {
	Chain    string
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Receipt is the confirmed outcome of a transaction.
type Receipt struct {
	Chain       string
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Logs        []*types.Log
}

// Wallet is the session collaborator that signs and submits transactions on
// behalf of the connected account.
type Wallet interface {
	// RequestAccounts establishes the session and returns the connected accounts.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// SignAndSend submits req and blocks until it is mined. A reverted
	// transaction is reported as an error.
	SignAndSend(ctx context.Context, req TxRequest) (*Receipt, error)
	// Call performs a read-only contract call from the session account.
	Call(ctx context.Context, req TxRequest) ([]byte, error)
}

// ExplorerURL joins an explorer base with a transaction hash.
func ExplorerURL(base string, hash common.Hash) string {
	if base == "" {
		return ""
	}
	if base[len(base)-1] != '/' {
		base += "/"
	}
	return base + hash.Hex()
}
