package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ZeeWorkflow/internal/config"
	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/web3"
	"ZeeWorkflow/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

var _ web3.Resolver = (*Registry)(nil)

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "加载链配置失败")
	}

	clients := make(map[string]web3.Client)
	closeAll := func() {
		for _, client := range clients {
			client.Close()
		}
	}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:   name,
				RPCURL: chain.RPCURL,
				Notes:  chain.Description,
			})
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll()
			return nil, xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf("链 %s 使用了不支持的类型 %s", name, chain.Type))
		}
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if defaultChain == "" {
		defaultChain = strings.TrimSpace(defs.Default)
	}
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	registry, err := NewRegistryFromClients(defaultChain, clients)
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

// NewRegistryFromClients builds a registry over already constructed clients.
// An empty defaultChain selects the alphabetically first chain.
func NewRegistryFromClients(defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "未配置任何链的 RPC 端点")
	}
	copied := make(map[string]web3.Client, len(clients))
	for name, client := range clients {
		copied[name] = client
	}
	registry := &Registry{defaultChain: defaultChain, clients: copied}
	if registry.defaultChain == "" {
		registry.defaultChain = registry.Chains()[0]
	}
	if _, ok := copied[registry.defaultChain]; !ok {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf("默认链 %s 未在配置中找到", registry.defaultChain))
	}
	return registry, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the chain client identified by name; an empty name selects the default chain.
func (r *Registry) Client(name string) (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, xerrors.New(web3.CodeChainNotFound,
			fmt.Sprintf("链 %s 未配置，可用链: %s", name, strings.Join(r.Chains(), ", ")),
			xerrors.WithMetadata("chain", name))
	}
	return client, nil
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
