package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	RPCURLEnv   string `yaml:"rpc_url_env"`
	ChainID     int64  `yaml:"chain_id"`
	ExplorerURL string `yaml:"explorer_url"`
	Description string `yaml:"description"`
}

// Endpoint returns the RPC URL for the chain, preferring the environment
// variable named by RPCURLEnv when it is set.
func (d ChainDefinition) Endpoint() string {
	if d.RPCURLEnv != "" {
		if v := strings.TrimSpace(os.Getenv(d.RPCURLEnv)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(d.RPCURL)
}

// Names returns the configured chain names in sorted order.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain definitions from YAML bytes.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		if def.Type == "" {
			def.Type = "evm"
		}
		def.Type = strings.ToLower(strings.TrimSpace(def.Type))
		if def.Type == "ethereum" {
			def.Type = "evm"
		}
		defs.Chains[name] = def
	}
	return defs, nil
}
