package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"AgentPay/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// transferTopic is the ERC-20 Transfer(address,address,uint256) event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Config describes how to construct an EVM compatible client.
type Config struct {
	Network      string
	RPCURL       string
	ChainID      int64
	NativeSymbol string
	Assets       map[string]string
	Notes        string
}

// Backend is the subset of chain access the client needs. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.SettlementReader for EVM compatible chains.
type Client struct {
	network      string
	notes        string
	nativeSymbol string
	tokens       map[common.Address]string
	rpcClient    *gethrpc.Client
	backend      Backend

	mu      sync.Mutex
	chainID *big.Int
}

var _ web3.SettlementReader = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	client := NewWithBackend(cfg, ethclient.NewClient(rpcClient))
	client.rpcClient = rpcClient
	return client, nil
}

// NewWithBackend wraps an existing backend, for example a simulated chain.
func NewWithBackend(cfg Config, backend Backend) *Client {
	symbol := strings.TrimSpace(cfg.NativeSymbol)
	if symbol == "" {
		symbol = "ETH"
	}
	tokens := make(map[common.Address]string, len(cfg.Assets))
	for name, address := range cfg.Assets {
		if common.IsHexAddress(address) {
			tokens[common.HexToAddress(address)] = name
		}
	}
	client := &Client{
		network:      cfg.Network,
		notes:        cfg.Notes,
		nativeSymbol: symbol,
		tokens:       tokens,
		backend:      backend,
	}
	if cfg.ChainID > 0 {
		client.chainID = big.NewInt(cfg.ChainID)
	}
	return client
}

// Network returns the network identifier this client settles on.
func (c *Client) Network() string {
	return c.network
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Network:     c.network,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// LookupTransaction resolves a transaction hash into its status, depth and
// the value transfers it carried. Native value and ERC-20 Transfer logs are
// both reported.
func (c *Client) LookupTransaction(ctx context.Context, reference string) (web3.TransactionInfo, error) {
	if c == nil || c.backend == nil {
		return web3.TransactionInfo{}, errors.New("未初始化的以太坊客户端")
	}
	hash, err := parseHash(reference)
	if err != nil {
		return web3.TransactionInfo{}, err
	}

	tx, pending, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return web3.TransactionInfo{}, web3.ErrTransactionNotFound
		}
		return web3.TransactionInfo{}, fmt.Errorf("查询交易失败: %w", err)
	}
	info := web3.TransactionInfo{Reference: hash.Hex()}
	if pending {
		info.Pending = true
		return info, nil
	}

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			info.Pending = true
			return info, nil
		}
		return web3.TransactionInfo{}, fmt.Errorf("查询交易回执失败: %w", err)
	}

	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.TransactionInfo{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}

	info.Succeeded = receipt.Status == coretypes.ReceiptStatusSuccessful
	if receipt.BlockNumber != nil {
		info.BlockNumber = receipt.BlockNumber.Uint64()
		if head >= info.BlockNumber {
			info.Confirmations = head - info.BlockNumber + 1
		}
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return web3.TransactionInfo{}, err
	}
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return web3.TransactionInfo{}, fmt.Errorf("恢复交易发送方失败: %w", err)
	}

	if tx.To() != nil && tx.Value() != nil && tx.Value().Sign() > 0 {
		info.Transfers = append(info.Transfers, web3.Transfer{
			From:   sender.Hex(),
			To:     tx.To().Hex(),
			Asset:  c.nativeSymbol,
			Amount: new(big.Int).Set(tx.Value()),
		})
	}
	info.Transfers = append(info.Transfers, c.tokenTransfers(receipt.Logs)...)
	return info, nil
}

// tokenTransfers decodes ERC-20 Transfer events from receipt logs.
func (c *Client) tokenTransfers(logs []*coretypes.Log) []web3.Transfer {
	var transfers []web3.Transfer
	for _, entry := range logs {
		if entry == nil || len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		if len(entry.Data) != 32 {
			continue
		}
		asset, ok := c.tokens[entry.Address]
		if !ok {
			asset = entry.Address.Hex()
		}
		transfers = append(transfers, web3.Transfer{
			From:   common.BytesToAddress(entry.Topics[1].Bytes()).Hex(),
			To:     common.BytesToAddress(entry.Topics[2].Bytes()).Hex(),
			Asset:  asset,
			Amount: new(big.Int).SetBytes(entry.Data),
		})
	}
	return transfers
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return id, nil
}

func parseHash(reference string) (common.Hash, error) {
	ref := strings.TrimSpace(reference)
	if !strings.HasPrefix(ref, "0x") && !strings.HasPrefix(ref, "0X") {
		return common.Hash{}, web3.ErrInvalidReference
	}
	raw := ref[2:]
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, web3.ErrInvalidReference
	}
	for _, r := range raw {
		if !isHexRune(r) {
			return common.Hash{}, web3.ErrInvalidReference
		}
	}
	return common.HexToHash(ref), nil
}

func isHexRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
