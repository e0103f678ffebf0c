package provider

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"ZeeWorkflow/internal/config"
	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/web3"
)

type stubClient struct {
	name   string
	closed bool
}

func (s *stubClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Chain: s.name}, nil
}

func (s *stubClient) Balance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubClient) Nonce(context.Context, common.Address) (uint64, error) { return 0, nil }

func (s *stubClient) Transfer(context.Context, *ecdsa.PrivateKey, web3.TransferRequest) (web3.TransferReceipt, error) {
	return web3.TransferReceipt{}, nil
}

func (s *stubClient) Close() { s.closed = true }

func TestRegistryFromClients(t *testing.T) {
	sepolia := &stubClient{name: "sepolia"}
	mainnet := &stubClient{name: "mainnet"}
	registry, err := NewRegistryFromClients("", map[string]web3.Client{"sepolia": sepolia, "mainnet": mainnet})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if registry.DefaultChain() != "mainnet" {
		t.Fatalf("default must be the first chain alphabetically, got %s", registry.DefaultChain())
	}
	client, err := registry.Client("")
	if err != nil || client != mainnet {
		t.Fatalf("empty name must resolve the default chain: %v", err)
	}
	if client, err := registry.Client(" sepolia "); err != nil || client != sepolia {
		t.Fatalf("named lookup failed: %v", err)
	}

	_, err = registry.Client("polygon")
	if xerrors.CodeOf(err) != web3.CodeChainNotFound {
		t.Fatalf("expected CHAIN_NOT_FOUND, got %v", err)
	}
	if typed, ok := xerrors.From(err); !ok || typed.Metadata()["chain"] != "polygon" {
		t.Fatalf("missing chain metadata: %v", err)
	}

	registry.Close()
	if !sepolia.closed || !mainnet.closed {
		t.Fatalf("close must release every client")
	}
}

func TestRegistryFromClientsValidation(t *testing.T) {
	if _, err := NewRegistryFromClients("", nil); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("empty registry must be rejected, got %v", err)
	}
	clients := map[string]web3.Client{"local": &stubClient{name: "local"}}
	if _, err := NewRegistryFromClients("mainnet", clients); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("unknown default must be rejected, got %v", err)
	}
}

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	return path
}

func TestNewRegistryFromChainFile(t *testing.T) {
	t.Setenv("ZEE_TEST_RPC", "http://127.0.0.1:18545")
	path := writeChains(t, `
default: local
chains:
  local:
    rpc_url: ${ZEE_TEST_RPC}
    description: dev node
  archive:
    type: evm
    rpc_url: http://127.0.0.1:18546
`)
	registry, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer registry.Close()
	if registry.DefaultChain() != "local" {
		t.Fatalf("unexpected default %s", registry.DefaultChain())
	}
	if got := strings.Join(registry.Chains(), ","); got != "archive,local" {
		t.Fatalf("unexpected chains %s", got)
	}

	override, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "archive"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer override.Close()
	if override.DefaultChain() != "archive" {
		t.Fatalf("configured default must win, got %s", override.DefaultChain())
	}
}

func TestNewRegistryFallsBackToRPCURL(t *testing.T) {
	registry, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://127.0.0.1:18545"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer registry.Close()
	if registry.DefaultChain() != "default" {
		t.Fatalf("unexpected default %s", registry.DefaultChain())
	}
}

func TestNewRegistryRejectsUnknownType(t *testing.T) {
	path := writeChains(t, "chains:\n  sol:\n    type: solana\n    rpc_url: http://127.0.0.1:8899\n")
	if _, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path}); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("expected INVALID_CONFIG, got %v", err)
	}
}
