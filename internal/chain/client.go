// Package chain wraps go-ethereum's RPC client with the handful of reads the
// monitoring pipeline needs: EIP-1967 proxy slots, contract code, and basic
// network metadata. Write paths are deliberately absent.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// EIP-1967 固定存储槽。实现槽为 keccak256("eip1967.proxy.implementation")-1，
// 管理员槽为 keccak256("eip1967.proxy.admin")-1。
var (
	ImplementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")
	AdminSlot          = common.HexToHash("0xb53127684a568b3173ae13b9f8a6016e243e63b6e8ee1178d6a717850b5d6103")
)

// UpgradedTopic 是 ERC-1967 Upgraded(address indexed implementation) 事件的签名哈希。
var UpgradedTopic = crypto.Keccak256Hash([]byte("Upgraded(address)"))

// Reader 是监控流水线依赖的链上读取能力，按接口声明以便测试替身。
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	WSURL  string
}

// Client 将原始 RPC 访问收敛成监控所需的领域操作。
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	reader    Reader
}

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

	return &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		reader:    ethclient.NewClient(rpcClient),
	}, nil
}

// NewClientWithReader 使用给定的读取后端构造客户端，主要用于测试。
func NewClientWithReader(name string, reader Reader) *Client {
	return &Client{name: name, reader: reader}
}

// Name 返回客户端所属链的名称。
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Snapshot 汇总链的轻量元数据。
type Snapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
}

// FetchSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	if c == nil || c.reader == nil {
		return Snapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.reader.ChainID(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.reader.BlockNumber(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return Snapshot{
		ChainID:     chainID.String(),
		BlockNumber: blockNumber,
	}, nil
}

// ImplementationAt 读取代理合约 EIP-1967 实现槽中的地址。
// 槽为空（零地址）说明目标不是 1967 代理。
func (c *Client) ImplementationAt(ctx context.Context, proxy common.Address) (common.Address, error) {
	return c.addressInSlot(ctx, proxy, ImplementationSlot)
}

// AdminAt 读取代理合约 EIP-1967 管理员槽中的地址。
func (c *Client) AdminAt(ctx context.Context, proxy common.Address) (common.Address, error) {
	return c.addressInSlot(ctx, proxy, AdminSlot)
}

func (c *Client) addressInSlot(ctx context.Context, account common.Address, slot common.Hash) (common.Address, error) {
	if c == nil || c.reader == nil {
		return common.Address{}, errors.New("未初始化的以太坊客户端")
	}
	raw, err := c.reader.StorageAt(ctx, account, slot, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("读取存储槽失败: %w", err)
	}
	return common.BytesToAddress(raw), nil
}

// CodeAt 读取合约字节码，用于判断地址上是否部署了代码。
func (c *Client) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	if c == nil || c.reader == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	code, err := c.reader.CodeAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("读取合约代码失败: %w", err)
	}
	return code, nil
}

// BalanceAt 查询账户余额，供查询类动作使用。
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if c == nil || c.reader == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	balance, err := c.reader.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// ParseUpgradedLog 从 Upgraded(address) 日志的 topic 中取出新实现地址。
// topics[0] 是事件签名，topics[1] 是 indexed 的实现地址。
func ParseUpgradedLog(topics []common.Hash) (common.Address, error) {
	if len(topics) < 2 {
		return common.Address{}, errors.New("Upgraded 日志缺少 topic")
	}
	if topics[0] != UpgradedTopic {
		return common.Address{}, fmt.Errorf("不是 Upgraded 事件: %s", topics[0].Hex())
	}
	return common.BytesToAddress(topics[1].Bytes()), nil
}
