package web3

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/llm"
	"ZeeWorkflow/pkg/logger"
)

// Tool names exposed to agents.
const (
	ToolChainSnapshot = "chain_snapshot"
	ToolBalance       = "evm_balance"
	ToolNonce         = "evm_nonce"
	ToolTransaction   = "evm_transaction"
)

// ToolNames lists every tool NewTools may return.
func ToolNames() []string {
	return []string{ToolChainSnapshot, ToolBalance, ToolNonce, ToolTransaction}
}

type chainArgs struct {
	Chain string `json:"chain,omitempty" jsonschema:"configured chain name, empty for the default chain"`
}

type addressArgs struct {
	Chain   string `json:"chain,omitempty" jsonschema:"configured chain name, empty for the default chain"`
	Address string `json:"address" jsonschema:"0x-prefixed account address"`
}

type transactionArgs struct {
	Chain string `json:"chain,omitempty" jsonschema:"configured chain name, empty for the default chain"`
	To    string `json:"to" jsonschema:"the recipient address"`
	Value string `json:"value" jsonschema:"the amount to send in wei"`
}

// ToolOption customizes NewTools.
type ToolOption func(*toolSet)

// WithReceiptTimeout bounds how long evm_transaction waits for the receipt.
func WithReceiptTimeout(d time.Duration) ToolOption {
	return func(s *toolSet) {
		if d > 0 {
			s.receiptTimeout = d
		}
	}
}

type toolSet struct {
	resolver       Resolver
	signer         *ecdsa.PrivateKey
	receiptTimeout time.Duration
}

// NewTools returns the chain tools backed by resolver. evm_transaction is only
// included when signer is not nil.
func NewTools(resolver Resolver, signer *ecdsa.PrivateKey, opts ...ToolOption) []llm.Tool {
	set := &toolSet{resolver: resolver, signer: signer}
	for _, opt := range opts {
		if opt != nil {
			opt(set)
		}
	}

	tools := []llm.Tool{
		llm.MustNewFuncTool(ToolChainSnapshot,
			"Return the chain id, latest block number and notes of an EVM chain.",
			set.snapshot),
		llm.MustNewFuncTool(ToolBalance,
			"Return the balance of an address in wei.",
			set.balance),
		llm.MustNewFuncTool(ToolNonce,
			"Return the pending transaction count (nonce) of an address.",
			set.nonce),
	}
	if signer != nil {
		tools = append(tools, llm.MustNewFuncTool(ToolTransaction,
			"Execute an EVM value transfer signed with the configured private key and wait for the receipt.",
			set.transaction))
	}
	return tools
}

// ParsePrivateKey decodes a hex encoded secp256k1 private key, with or without 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "私钥不能为空")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "解析私钥失败")
	}
	return key, nil
}

func (s *toolSet) client(name string) (Client, error) {
	if s.resolver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端未配置")
	}
	return s.resolver.Client(name)
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("地址格式无效: %q", raw))
	}
	return common.HexToAddress(raw), nil
}

// parseWei accepts decimal or 0x-prefixed hexadecimal amounts.
func parseWei(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	base := 10
	digits := raw
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		base = 16
		digits = raw[2:]
	}
	value, ok := new(big.Int).SetString(digits, base)
	if !ok || value.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("金额格式无效: %q", raw))
	}
	return value, nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *toolSet) snapshot(ctx context.Context, args chainArgs) (string, error) {
	client, err := s.client(args.Chain)
	if err != nil {
		return "", err
	}
	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		return "", err
	}
	return encode(snapshot)
}

func (s *toolSet) balance(ctx context.Context, args addressArgs) (string, error) {
	address, err := parseAddress(args.Address)
	if err != nil {
		return "", err
	}
	client, err := s.client(args.Chain)
	if err != nil {
		return "", err
	}
	balance, err := client.Balance(ctx, address)
	if err != nil {
		return "", err
	}
	return encode(map[string]string{"address": address.Hex(), "balance": balance.String(), "unit": "wei"})
}

func (s *toolSet) nonce(ctx context.Context, args addressArgs) (string, error) {
	address, err := parseAddress(args.Address)
	if err != nil {
		return "", err
	}
	client, err := s.client(args.Chain)
	if err != nil {
		return "", err
	}
	nonce, err := client.Nonce(ctx, address)
	if err != nil {
		return "", err
	}
	return encode(map[string]any{"address": address.Hex(), "nonce": nonce})
}

// transaction reports every failure as {"status":"error"} text so the agent can read it.
func (s *toolSet) transaction(ctx context.Context, args transactionArgs) (string, error) {
	receipt, err := s.transfer(ctx, args)
	if err != nil {
		logger.L().Warn("链上转账失败",
			slog.String("chain", args.Chain),
			slog.String("to", args.To),
			slog.Any("error", err),
		)
		return encode(map[string]string{"status": "error", "message": err.Error()})
	}
	logger.Audit().Info("链上转账已发送",
		slog.String("chain", args.Chain),
		slog.String("to", args.To),
		slog.String("value", args.Value),
		slog.String("tx_hash", receipt.TransactionHash),
		slog.Uint64("block_number", receipt.BlockNumber),
	)
	return encode(receipt)
}

func (s *toolSet) transfer(ctx context.Context, args transactionArgs) (TransferReceipt, error) {
	to, err := parseAddress(args.To)
	if err != nil {
		return TransferReceipt{}, err
	}
	value, err := parseWei(args.Value)
	if err != nil {
		return TransferReceipt{}, err
	}
	client, err := s.client(args.Chain)
	if err != nil {
		return TransferReceipt{}, err
	}
	return client.Transfer(ctx, s.signer, TransferRequest{To: to, Value: value, ReceiptTimeout: s.receiptTimeout})
}
