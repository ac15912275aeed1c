package web3

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Chain types understood by the provider registry.
const (
	ChainTypeEVM       = "evm"
	ChainTypeSimulated = "simulated"
)

// Default deployment on Polygon PoS.
const (
	DefaultChainID      uint64 = 137
	DefaultChainName           = "Polygon Mainnet"
	DefaultUSDCAddress         = "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359"
	DefaultUSDTAddress         = "0xc2132D05D31c914a87C6611C10748AEb04B58e8F"
	defaultPollInterval        = 2 * time.Second
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one network and the ShadowStream contracts
// deployed on it.
type ChainDefinition struct {
	Type            string            `yaml:"type"`
	ChainID         uint64            `yaml:"chain_id"`
	RPCURL          string            `yaml:"rpc_url"`
	Description     string            `yaml:"description"`
	FactoryAddress  string            `yaml:"factory_address"`
	RegistryAddress string            `yaml:"registry_address"`
	Tokens          []TokenDefinition `yaml:"tokens"`
	PollInterval    time.Duration     `yaml:"poll_interval"`
	Genesis         []GenesisBalance  `yaml:"genesis"`
}

// TokenDefinition is an allow-listed stablecoin.
type TokenDefinition struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// GenesisBalance pre-funds an account on the simulated chain. Token is a
// symbol or an address; Amount is a decimal string.
type GenesisBalance struct {
	Account string `yaml:"account"`
	Token   string `yaml:"token"`
	Amount  string `yaml:"amount"`
}

// DefaultTokens returns the USDC/USDT allow-list of the Polygon deployment.
func DefaultTokens() []TokenDefinition {
	return []TokenDefinition{
		{Symbol: "USDC", Address: DefaultUSDCAddress, Decimals: StablecoinDecimals},
		{Symbol: "USDT", Address: DefaultUSDTAddress, Decimals: StablecoinDecimals},
	}
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

// ParseChainDefinitions decodes and normalises chain definitions.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		def.applyDefaults()
		if err := def.validate(); err != nil {
			return ChainDefinitions{}, fmt.Errorf("链 %s 配置无效: %w", name, err)
		}
		defs.Chains[name] = def
	}
	return defs, nil
}

func (d *ChainDefinition) applyDefaults() {
	d.Type = strings.ToLower(strings.TrimSpace(d.Type))
	if d.Type == "" {
		d.Type = ChainTypeEVM
	}
	if d.ChainID == 0 {
		d.ChainID = DefaultChainID
	}
	if d.Description == "" && d.ChainID == DefaultChainID {
		d.Description = DefaultChainName
	}
	if len(d.Tokens) == 0 {
		d.Tokens = DefaultTokens()
	}
	for i := range d.Tokens {
		if d.Tokens[i].Decimals == 0 {
			d.Tokens[i].Decimals = StablecoinDecimals
		}
	}
	if d.PollInterval <= 0 {
		d.PollInterval = defaultPollInterval
	}
}

func (d ChainDefinition) validate() error {
	switch d.Type {
	case ChainTypeEVM:
		if strings.TrimSpace(d.RPCURL) == "" {
			return fmt.Errorf("缺少 rpc_url")
		}
		if !common.IsHexAddress(d.FactoryAddress) || !common.IsHexAddress(d.RegistryAddress) {
			return fmt.Errorf("factory_address 与 registry_address 必须是合法地址")
		}
	case ChainTypeSimulated:
	default:
		return fmt.Errorf("不支持的链类型 %s", d.Type)
	}
	for _, token := range d.Tokens {
		if !common.IsHexAddress(token.Address) {
			return fmt.Errorf("代币 %s 地址无效", token.Symbol)
		}
	}
	return nil
}

// TokenAddresses returns the allow-listed token addresses.
func (d ChainDefinition) TokenAddresses() []common.Address {
	out := make([]common.Address, 0, len(d.Tokens))
	for _, t := range d.Tokens {
		out = append(out, common.HexToAddress(t.Address))
	}
	return out
}

// ResolveToken finds a token by symbol (case-insensitive) or address.
func (d ChainDefinition) ResolveToken(ref string) (TokenDefinition, bool) {
	ref = strings.TrimSpace(ref)
	for _, t := range d.Tokens {
		if strings.EqualFold(t.Symbol, ref) {
			return t, true
		}
		if common.IsHexAddress(ref) && common.HexToAddress(ref) == common.HexToAddress(t.Address) {
			return t, true
		}
	}
	return TokenDefinition{}, false
}
