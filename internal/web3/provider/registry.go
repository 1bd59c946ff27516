package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AgentPay/internal/config"
	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/web3"
	"AgentPay/internal/web3/ethereum"
)

// Registry manages settlement readers keyed by network identifier.
type Registry struct {
	defaultNetwork string
	readers        map[string]web3.SettlementReader
}

var _ web3.ReaderResolver = (*Registry)(nil)

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	readers := make(map[string]web3.SettlementReader)
	for name, chain := range defs.Chains {
		switch strings.ToLower(chain.Type) {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Network:      chain.Network,
				RPCURL:       chain.RPCURL,
				ChainID:      chain.ChainID,
				NativeSymbol: chain.NativeSymbol,
				Assets:       chain.Assets,
				Notes:        chain.Description,
			})
			if err != nil {
				closeAll(readers)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			readers[chain.Network] = client
		default:
			closeAll(readers)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}
	return NewStaticRegistry(cfg.DefaultNetwork, readers)
}

// NewStaticRegistry wraps already constructed readers.
func NewStaticRegistry(defaultNetwork string, readers map[string]web3.SettlementReader) (*Registry, error) {
	if len(readers) == 0 {
		return nil, errors.New("未配置任何结算网络")
	}
	if defaultNetwork == "" {
		names := make([]string, 0, len(readers))
		for name := range readers {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultNetwork = names[0]
	}
	if _, ok := readers[defaultNetwork]; !ok {
		return nil, fmt.Errorf("默认网络 %s 未在配置中找到", defaultNetwork)
	}
	return &Registry{defaultNetwork: defaultNetwork, readers: readers}, nil
}

// Reader returns the settlement reader for the named network.
func (r *Registry) Reader(network string) (web3.SettlementReader, error) {
	if r == nil {
		return nil, errors.New("未初始化的结算网络注册表")
	}
	reader, ok := r.readers[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", web3.ErrUnsupportedNetwork, network)
	}
	return reader, nil
}

// DefaultNetwork returns the network used when a descriptor omits one.
func (r *Registry) DefaultNetwork() string {
	if r == nil {
		return ""
	}
	return r.defaultNetwork
}

// Snapshots collects chain metadata for every configured network. A
// network that cannot be reached is reported with its error in Notes.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	if r == nil {
		return nil
	}
	out := make([]web3.ChainSnapshot, 0, len(r.readers))
	for _, name := range r.Networks() {
		snapshot, err := r.readers[name].FetchChainSnapshot(ctx)
		if err != nil {
			snapshot = web3.ChainSnapshot{Network: name, Notes: err.Error()}
		}
		out = append(out, snapshot)
	}
	return out
}

// Check reports an error naming every configured network whose head
// cannot be fetched. A registry with no networks is healthy.
func (r *Registry) Check(ctx context.Context) error {
	var failed []string
	for _, snapshot := range r.Snapshots(ctx) {
		if snapshot.BlockNumber == "" {
			failed = append(failed, fmt.Sprintf("%s: %s", snapshot.Network, snapshot.Notes))
		}
	}
	if len(failed) > 0 {
		return xerrors.New(xerrors.CodeChainUnavailable,
			"settlement networks unreachable: "+strings.Join(failed, "; "))
	}
	return nil
}

func init() {
	xerrors.Register(xerrors.CodeChainUnavailable, xerrors.Attributes{
		Message:    "settlement layer unavailable",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: 503,
	})
}

// Close releases all readers managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.readers)
}

// Networks returns the list of registered network names.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.readers))
	for name := range r.readers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(readers map[string]web3.SettlementReader) {
	for name, reader := range readers {
		if reader != nil {
			reader.Close()
		}
		delete(readers, name)
	}
}
