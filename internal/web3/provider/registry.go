package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"DefiFlow/internal/config"
	"DefiFlow/internal/web3"
	"DefiFlow/internal/web3/ethereum"
	"DefiFlow/pkg/logger"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	poll := time.Duration(cfg.ConfirmPollMillis) * time.Millisecond
	clients := make(map[string]*ethereum.Client)
	for _, name := range defs.Names() {
		chain := defs.Chains[name]
		switch chain.Type {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:        name,
				RPCURL:      chain.Endpoint(),
				ExplorerURL: chain.ExplorerURL,
				Notes:       chain.Description,
				ConfirmPoll: poll,
			})
			if err != nil {
				closeAll(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	reg, err := NewRegistryFromClients(cfg.DefaultChain, clients)
	if err != nil {
		closeAll(clients)
		return nil, err
	}
	logger.Named("web3").Info("链客户端已就绪", "chains", reg.Chains(), "default", reg.defaultChain)
	return reg, nil
}

// NewRegistryFromClients builds a registry over already constructed clients.
// When defaultChain is empty the alphabetically first chain becomes default.
func NewRegistryFromClients(defaultChain string, clients map[string]*ethereum.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链客户端")
	}
	reg := &Registry{defaultChain: defaultChain, clients: clients}
	if reg.defaultChain == "" {
		reg.defaultChain = reg.Chains()[0]
	}
	if _, ok := clients[reg.defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", reg.defaultChain)
	}
	return reg, nil
}

// Lookup implements ethereum.ClientSource. An empty name selects the default chain.
func (r *Registry) Lookup(chain string) (*ethereum.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	if chain == "" {
		chain = r.defaultChain
	}
	client, ok := r.clients[chain]
	if !ok {
		return nil, fmt.Errorf("链 %s 未在注册表中", chain)
	}
	return client, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// ExplorerURL returns the explorer link for a transaction on chain, or an
// empty string when the chain has no explorer configured.
func (r *Registry) ExplorerURL(chain string, hash string) string {
	client, err := r.Lookup(chain)
	if err != nil || client.ExplorerURL() == "" {
		return ""
	}
	base := client.ExplorerURL()
	if base[len(base)-1] != '/' {
		base += "/"
	}
	return base + hash
}

// Snapshots fetches metadata from every registered chain. Chains that fail
// to respond are reported with the error in Notes.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	if r == nil {
		return nil
	}
	out := make([]web3.ChainSnapshot, 0, len(r.clients))
	for _, name := range r.Chains() {
		snap, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			snap = web3.ChainSnapshot{Name: name, Notes: err.Error()}
		}
		out = append(out, snap)
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]*ethereum.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}

var _ ethereum.ClientSource = (*Registry)(nil)
