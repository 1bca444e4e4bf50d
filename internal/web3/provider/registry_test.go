package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"DefiFlow/internal/config"
	"DefiFlow/internal/web3/ethereum"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

func simulatedClient(t *testing.T, name string) *ethereum.Client {
	t.Helper()
	sim := simulated.NewBackend(coretypes.GenesisAlloc{})
	t.Cleanup(func() { _ = sim.Close() })
	return ethereum.NewSimulatedClient(name, sim)
}

func TestRegistryDefaultsAndLookup(t *testing.T) {
	reg, err := NewRegistryFromClients("", map[string]*ethereum.Client{
		"sepolia": simulatedClient(t, "sepolia"),
		"arc":     simulatedClient(t, "arc"),
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if reg.DefaultChain() != "arc" {
		t.Fatalf("expected alphabetical default, got %s", reg.DefaultChain())
	}
	client, err := reg.Lookup("")
	if err != nil || client.Name() != "arc" {
		t.Fatalf("unexpected default lookup %v %v", client, err)
	}
	if _, err := reg.Lookup("polygon"); err == nil {
		t.Fatalf("expected unknown chain to fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snaps := reg.Snapshots(ctx)
	if len(snaps) != 2 || snaps[0].Name != "arc" || snaps[0].ChainID != "0x539" {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
	if reg.ExplorerURL("arc", "0xabc") != "" {
		t.Fatalf("simulated chains have no explorer")
	}
}

func TestRegistryRejectsUnknownDefault(t *testing.T) {
	if _, err := NewRegistryFromClients("mainnet", map[string]*ethereum.Client{"arc": simulatedClient(t, "arc")}); err == nil {
		t.Fatalf("expected error for missing default chain")
	}
}

func TestNewRegistryRejectsUnsupportedType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  sol:\n    type: solana\n    rpc_url: http://localhost:8899\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path}); err == nil {
		t.Fatalf("expected unsupported chain type error")
	}
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error when no chains are configured")
	}
}

func TestNewRegistryLoadsShippedConfigs(t *testing.T) {
	t.Setenv("SEPOLIA_RPC_URL", "")
	t.Setenv("ARC_RPC_URL", "")
	cfg, err := config.Load(filepath.Join("..", "..", "..", "configs", "defiflow.json"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}

	// HTTP 端点按需连接，这里不会访问网络。
	reg, err := NewRegistry(context.Background(), cfg.Web3)
	if err != nil {
		t.Fatalf("registry from shipped chain.yaml: %v", err)
	}
	defer reg.Close()

	if got := reg.Chains(); len(got) != 2 || got[0] != "arc" || got[1] != "sepolia" {
		t.Fatalf("unexpected chains %v", got)
	}
	if reg.DefaultChain() != "sepolia" {
		t.Fatalf("unexpected default chain %s", reg.DefaultChain())
	}
	for _, chain := range []string{cfg.Web3.Contracts.SwapChain, cfg.Web3.Contracts.PayrollChain, cfg.Resolver.Chain} {
		if _, err := reg.Lookup(chain); err != nil {
			t.Fatalf("configured chain %q missing: %v", chain, err)
		}
	}
	if got := reg.ExplorerURL("arc", "0xabc"); got != "https://testnet.arcscan.app/tx/0xabc" {
		t.Fatalf("unexpected explorer url %s", got)
	}
}
