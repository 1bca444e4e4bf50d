package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"DefiFlow/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

var (
	// PUSH1 0 PUSH1 0 REVERT
	revertingCode = common.FromHex("0x60006000fd")
	// 返回 uint256(42)
	answerCode = common.FromHex("0x602a60005260206000f3")

	revertingAddr = common.HexToAddress("0x000000000000000000000000000000000000dead")
	answerAddr    = common.HexToAddress("0x0000000000000000000000000000000000000042")
)

func newSimulatedWallet(t *testing.T) (*KeyedWallet, *Client) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		from:          {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))},
		revertingAddr: {Code: revertingCode, Balance: big.NewInt(0)},
		answerAddr:    {Code: answerCode, Balance: big.NewInt(0)},
	})
	t.Cleanup(func() { _ = sim.Close() })

	client := NewSimulatedClient("simulated", sim)
	return NewWalletFromKey(key, Clients{"simulated": client}), client
}

func TestWalletSignAndSendValueTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wallet, client := newSimulatedWallet(t)
	accounts, err := wallet.RequestAccounts(ctx)
	if err != nil || len(accounts) != 1 || accounts[0] != wallet.Address() {
		t.Fatalf("unexpected accounts %v %v", accounts, err)
	}

	recipient := common.HexToAddress("0x1111111111111111111111111111111111111111")
	value := big.NewInt(1_000_000_000_000_000)
	receipt, err := wallet.SignAndSend(ctx, web3.TxRequest{To: recipient, Value: value})
	if err != nil {
		t.Fatalf("sign and send: %v", err)
	}
	if receipt.TxHash == (common.Hash{}) || receipt.Chain != "simulated" || receipt.BlockNumber == 0 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	balance, err := client.BalanceAt(ctx, recipient)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(value) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}

	// 连续发送应获得连续的 nonce
	second, err := wallet.SignAndSend(ctx, web3.TxRequest{Chain: "simulated", To: recipient, Value: value})
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if second.TxHash == receipt.TxHash {
		t.Fatalf("expected distinct transactions")
	}
}

func TestWalletReportsRevert(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wallet, _ := newSimulatedWallet(t)

	if _, err := wallet.SignAndSend(ctx, web3.TxRequest{To: revertingAddr}); err == nil {
		t.Fatalf("expected estimation to fail for reverting call")
	}

	_, err := wallet.SignAndSend(ctx, web3.TxRequest{To: revertingAddr, GasLimit: 60_000})
	if err == nil || !strings.Contains(err.Error(), "reverted") {
		t.Fatalf("expected reverted error, got %v", err)
	}
}

func TestWalletCallAndSnapshot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wallet, client := newSimulatedWallet(t)

	out, err := wallet.Call(ctx, web3.TxRequest{To: answerAddr})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if new(big.Int).SetBytes(out).Int64() != 42 {
		t.Fatalf("unexpected call result %x", out)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" || snapshot.Name != "simulated" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestClientsLookup(t *testing.T) {
	if _, err := (Clients{}).Lookup(""); err == nil {
		t.Fatalf("expected error for empty source")
	}
	if _, err := NewKeyedWallet("", Clients{}); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := NewKeyedWallet("0xzz", Clients{}); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}

// flakyReceipts 在返回回执前先报告若干次索引未就绪。
type flakyReceipts struct {
	backend
	failures int
	calls    int
}

func (f *flakyReceipts) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transaction indexing is in progress")
	}
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(7)}, nil
}

func TestWaitReceiptRetriesWhileIndexing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fake := &flakyReceipts{failures: 3}
	client := &Client{name: "flaky", poll: time.Millisecond, eth: fake}
	receipt, err := client.WaitReceipt(ctx, common.HexToHash("0x01"))
	if err != nil {
		t.Fatalf("wait receipt: %v", err)
	}
	if receipt.BlockNumber.Int64() != 7 || fake.calls != 4 {
		t.Fatalf("unexpected receipt %+v after %d calls", receipt, fake.calls)
	}
}

func TestWaitReceiptTimesOutWithLastError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	client := &Client{name: "flaky", poll: time.Millisecond, eth: &flakyReceipts{failures: 1 << 30}}
	_, err := client.WaitReceipt(ctx, common.HexToHash("0x02"))
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if !strings.Contains(err.Error(), "indexing") {
		t.Fatalf("expected last lookup error in %v", err)
	}
}

func TestWalletSendsSequentialStepsOnSimulatedBackend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wallet, _ := newSimulatedWallet(t)

	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")
	for i := 0; i < 3; i++ {
		if _, err := wallet.SignAndSend(ctx, web3.TxRequest{To: recipient, Value: big.NewInt(1)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
}
