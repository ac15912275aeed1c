package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ShadowStream/internal/config"
	"ShadowStream/internal/web3"
	"ShadowStream/internal/web3/ethereum"
	"ShadowStream/internal/web3/simulated"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Options carries the keys shared by every chain client.
type Options struct {
	ExecutorKey *ecdsa.PrivateKey
	SignerKeys  []*ecdsa.PrivateKey
	// AllowSimulated falls back to an in-process chain when nothing is
	// configured. Development only.
	AllowSimulated bool
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	definitions  map[string]web3.ChainDefinition
}

// Keys parses the executor and signer keys from configuration. When no
// executor key is configured an ephemeral one is generated and ephemeral is
// true.
func Keys(cfg config.Web3Config) (executor *ecdsa.PrivateKey, signers []*ecdsa.PrivateKey, ephemeral bool, err error) {
	if raw := strings.TrimSpace(cfg.ExecutorKey); raw != "" {
		executor, err = crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, nil, false, fmt.Errorf("解析执行者私钥失败: %w", err)
		}
	} else {
		executor, err = crypto.GenerateKey()
		if err != nil {
			return nil, nil, false, fmt.Errorf("生成临时执行者私钥失败: %w", err)
		}
		ephemeral = true
	}
	for i, raw := range cfg.SignerKeys {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, nil, false, fmt.Errorf("解析第 %d 个签名私钥失败: %w", i+1, err)
		}
		signers = append(signers, key)
	}
	return executor, signers, ephemeral, nil
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts Options) (*Registry, error) {
	if opts.ExecutorKey == nil {
		return nil, errors.New("未提供执行者私钥")
	}
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	// 单链直连配置等价于一条 evm 定义。
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		single, err := web3.ParseChainDefinitions([]byte(fmt.Sprintf(
			"chains:\n  default:\n    type: evm\n    rpc_url: %q\n    chain_id: %d\n    factory_address: %q\n    registry_address: %q\n",
			cfg.RPCURL, cfg.ChainID, cfg.FactoryAddress, cfg.RegistryAddress)))
		if err != nil {
			return nil, err
		}
		defs = single
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}
	if len(defs.Chains) == 0 && opts.AllowSimulated {
		local, err := web3.ParseChainDefinitions([]byte("chains:\n  local:\n    type: simulated\n"))
		if err != nil {
			return nil, err
		}
		defs = local
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "local"
		}
	}

	r := &Registry{
		clients:     make(map[string]web3.Client),
		definitions: make(map[string]web3.ChainDefinition),
	}
	for name, chain := range defs.Chains {
		var client web3.Client
		switch chain.Type {
		case web3.ChainTypeEVM:
			client, err = ethereum.NewClient(ctx, ethereum.Config{
				Name:            name,
				RPCURL:          chain.RPCURL,
				Notes:           chain.Description,
				ChainID:         chain.ChainID,
				FactoryAddress:  common.HexToAddress(chain.FactoryAddress),
				RegistryAddress: common.HexToAddress(chain.RegistryAddress),
				ExecutorKey:     opts.ExecutorKey,
				SignerKeys:      opts.SignerKeys,
				PollInterval:    chain.PollInterval,
			})
		case web3.ChainTypeSimulated:
			client, err = simulated.New(opts.ExecutorKey, chain, simulated.WithName(name))
		default:
			err = fmt.Errorf("不支持的类型 %s", chain.Type)
		}
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[name] = client
		r.definitions[name] = chain
	}

	if len(r.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = defs.Default
	}
	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := r.clients[defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultDefinition returns the definition of the default chain.
func (r *Registry) DefaultDefinition() web3.ChainDefinition {
	if r == nil {
		return web3.ChainDefinition{}
	}
	return r.definitions[r.defaultChain]
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
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
