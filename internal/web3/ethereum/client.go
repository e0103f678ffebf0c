package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/web3"
)

const (
	defaultReceiptTimeout = 2 * time.Minute
	defaultPollInterval   = time.Second
	transferGasLimit      = 21_000
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
	// PollInterval controls how often Transfer polls for the receipt.
	PollInterval time.Duration
}

// chainBackend is the subset of ethclient.Client the tools need.
type chainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name         string
	notes        string
	pollInterval time.Duration
	rpcClient    *gethrpc.Client
	backend      chainBackend

	mu      sync.Mutex
	chainID *big.Int
	// sendMu serializes nonce allocation for transfers signed by this process.
	sendMu sync.Mutex
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeChainRPC, err, "连接以太坊节点失败")
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Client{
		name:         cfg.Name,
		notes:        cfg.Notes,
		pollInterval: interval,
		rpcClient:    rpcClient,
		backend:      ethclient.NewClient(rpcClient),
	}, nil
}

// Name returns the chain name this client was registered under.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.backend = nil
}

func (c *Client) chain() (chainBackend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, xerrors.New(web3.CodeChainRPC, "以太坊客户端已关闭")
	}
	return c.backend, nil
}

func (c *Client) resolveChainID(ctx context.Context, backend chainBackend) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeChainRPC, err, "获取链 ID 失败")
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	backend, err := c.chain()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := c.resolveChainID(ctx, backend)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(web3.CodeChainRPC, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Balance returns the latest balance of address in wei.
func (c *Client) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	backend, err := c.chain()
	if err != nil {
		return nil, err
	}
	balance, err := backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeChainRPC, err, "查询余额失败")
	}
	return balance, nil
}

// Nonce returns the pending transaction count of address.
func (c *Client) Nonce(ctx context.Context, address common.Address) (uint64, error) {
	backend, err := c.chain()
	if err != nil {
		return 0, err
	}
	nonce, err := backend.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, xerrors.Wrap(web3.CodeChainRPC, err, "查询交易计数失败")
	}
	return nonce, nil
}

// Transfer signs an EIP-155 legacy value transfer with key, broadcasts it and
// waits for the receipt.
func (c *Client) Transfer(ctx context.Context, key *ecdsa.PrivateKey, req web3.TransferRequest) (web3.TransferReceipt, error) {
	if key == nil {
		return web3.TransferReceipt{}, xerrors.New(xerrors.CodeInvalidConfig, "未提供交易签名私钥")
	}
	if req.Value == nil || req.Value.Sign() < 0 {
		return web3.TransferReceipt{}, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须是非负整数")
	}
	backend, err := c.chain()
	if err != nil {
		return web3.TransferReceipt{}, err
	}
	chainID, err := c.resolveChainID(ctx, backend)
	if err != nil {
		return web3.TransferReceipt{}, err
	}

	signed, err := c.signTransfer(ctx, backend, key, chainID, req)
	if err != nil {
		return web3.TransferReceipt{}, err
	}

	timeout := req.ReceiptTimeout
	if timeout <= 0 {
		timeout = defaultReceiptTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	receipt, err := c.waitMined(waitCtx, backend, signed.Hash())
	if err != nil {
		return web3.TransferReceipt{}, err
	}

	status := "success"
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		status = "reverted"
	}
	out := web3.TransferReceipt{
		Status:            status,
		TransactionHash:   signed.Hash().Hex(),
		GasUsed:           fmt.Sprintf("%d", receipt.GasUsed),
		EffectiveGasPrice: "0",
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = receipt.EffectiveGasPrice.String()
	}
	return out, nil
}

func (c *Client) signTransfer(ctx context.Context, backend chainBackend, key *ecdsa.PrivateKey, chainID *big.Int, req web3.TransferRequest) (*coretypes.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeChainRPC, err, "查询交易计数失败")
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeChainRPC, err, "获取 Gas 价格失败")
	}
	to := req.To
	gas, err := backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: req.Value})
	if err != nil || gas == 0 {
		gas = transferGasLimit
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(req.Value),
		Gas:      gas,
		GasPrice: gasPrice,
	})
	signed, err := coretypes.SignTx(tx, coretypes.NewEIP155Signer(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(web3.CodeChainRPC, err, "发送交易失败")
	}
	return signed, nil
}

func (c *Client) waitMined(ctx context.Context, backend chainBackend, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(web3.CodeChainRPC, err, "查询交易回执失败")
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), fmt.Sprintf("等待交易 %s 上链超时", hash.Hex()))
		case <-ticker.C:
		}
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
