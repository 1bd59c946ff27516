package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single settlement network.
//
// Network is the identifier callers and providers use in payment
// requirements (for example "base-sepolia"); it defaults to the map key.
// Assets maps asset symbols to token contract addresses on that network.
type ChainDefinition struct {
	Type         string            `yaml:"type"`
	Network      string            `yaml:"network"`
	ChainID      int64             `yaml:"chain_id"`
	RPCURL       string            `yaml:"rpc_url"`
	NativeSymbol string            `yaml:"native_symbol"`
	Assets       map[string]string `yaml:"assets"`
	Description  string            `yaml:"description"`
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

// ParseChainDefinitions decodes chain metadata and fills per-chain defaults.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if strings.TrimSpace(chain.Network) == "" {
			chain.Network = name
		}
		if strings.TrimSpace(chain.Type) == "" {
			chain.Type = "evm"
		}
		if strings.TrimSpace(chain.NativeSymbol) == "" {
			chain.NativeSymbol = "ETH"
		}
		defs.Chains[name] = chain
	}
	return defs, nil
}
