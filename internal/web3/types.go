package web3

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ZeeWorkflow/internal/errors"
)

const (
	// CodeChainNotFound indicates a tool asked for a chain that is not configured.
	CodeChainNotFound xerrors.Code = "CHAIN_NOT_FOUND"
	// CodeChainRPC indicates a JSON-RPC call against a node failed.
	CodeChainRPC xerrors.Code = "CHAIN_RPC_FAILED"
)

func init() {
	xerrors.Register(CodeChainNotFound, xerrors.Attributes{
		Message:  "chain not configured",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeChainRPC, xerrors.Attributes{
		Message:   "chain rpc call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// ChainSnapshot represents summarized network metadata for agents.
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// TransferRequest describes a native value transfer.
type TransferRequest struct {
	To    common.Address
	Value *big.Int
	// ReceiptTimeout bounds how long Transfer waits for the transaction to be mined.
	ReceiptTimeout time.Duration
}

// TransferReceipt is the mined outcome of a transfer.
type TransferReceipt struct {
	Status            string `json:"status"`
	TransactionHash   string `json:"transactionHash"`
	BlockNumber       uint64 `json:"blockNumber"`
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
}

// Client defines the chain operations agent tools rely on.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Balance(ctx context.Context, address common.Address) (*big.Int, error)
	Nonce(ctx context.Context, address common.Address) (uint64, error)
	Transfer(ctx context.Context, key *ecdsa.PrivateKey, req TransferRequest) (TransferReceipt, error)
	Close()
}

// Resolver looks up a chain client by name. An empty name selects the default chain.
type Resolver interface {
	Client(name string) (Client, error)
}
