package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "defiflow.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"web3":{"chain_config":"chain.yaml","default_chain":"sepolia"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Web3.ChainConfig != filepath.Join(dir, "chain.yaml") {
		t.Fatalf("chain config not resolved: %s", cfg.Web3.ChainConfig)
	}
	if cfg.Web3.Contracts.SwapChain != "sepolia" || cfg.Web3.Contracts.PayrollChain != "sepolia" {
		t.Fatalf("contract chains should default to default chain: %+v", cfg.Web3.Contracts)
	}
	if cfg.Web3.Contracts.SwapPoolFee != 3000 {
		t.Fatalf("unexpected pool fee %d", cfg.Web3.Contracts.SwapPoolFee)
	}
	if cfg.Resolver.Chain != "sepolia" {
		t.Fatalf("resolver chain should default to default chain")
	}
	if cfg.Engine.MaxRecipients != 5 || cfg.Engine.StepTimeout().Seconds() != 120 {
		t.Fatalf("unexpected engine defaults %+v", cfg.Engine)
	}
	if cfg.PriceFeed.URL == "" || cfg.Storage.RunStore.Driver != "memory" || cfg.Events.Driver != "memory" {
		t.Fatalf("unexpected driver defaults %+v", cfg)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected data dir %s", cfg.Runtime.DataDir)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `{"events":{"driver":"kafka"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown driver to be rejected")
	}
}

func TestLoadRequiresMySQLDSN(t *testing.T) {
	path := writeConfig(t, `{"storage":{"run_store":{"driver":"mysql"}}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing dsn to be rejected")
	}
}

func TestLoadRejectsOversizedRecipientCap(t *testing.T) {
	path := writeConfig(t, `{"engine":{"max_recipients":8}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected recipient cap above 5 to be rejected")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/defiflow.json")
	if PathFromEnv() != "/etc/defiflow.json" {
		t.Fatalf("expected env override")
	}
	t.Setenv(EnvConfigPath, "")
	if PathFromEnv() != DefaultPath {
		t.Fatalf("expected default path")
	}
}
