package web3

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/llm"
)

type stubClient struct {
	balance     *big.Int
	nonce       uint64
	transferErr error
	lastReq     TransferRequest
	lastKey     *ecdsa.PrivateKey
}

func (s *stubClient) FetchChainSnapshot(context.Context) (ChainSnapshot, error) {
	return ChainSnapshot{Chain: "local", ChainID: "0x539", BlockNumber: "0x10"}, nil
}

func (s *stubClient) Balance(context.Context, common.Address) (*big.Int, error) {
	return s.balance, nil
}

func (s *stubClient) Nonce(context.Context, common.Address) (uint64, error) {
	return s.nonce, nil
}

func (s *stubClient) Transfer(_ context.Context, key *ecdsa.PrivateKey, req TransferRequest) (TransferReceipt, error) {
	s.lastReq = req
	s.lastKey = key
	if s.transferErr != nil {
		return TransferReceipt{}, s.transferErr
	}
	return TransferReceipt{Status: "success", TransactionHash: "0xabc", BlockNumber: 17, GasUsed: "21000", EffectiveGasPrice: "1"}, nil
}

func (s *stubClient) Close() {}

type stubResolver map[string]Client

func (r stubResolver) Client(name string) (Client, error) {
	if name == "" {
		name = "local"
	}
	client, ok := r[name]
	if !ok {
		return nil, xerrors.New(CodeChainNotFound, "chain "+name+" not configured")
	}
	return client, nil
}

const testAddress = "0x00000000000000000000000000000000000000aa"

func toolByName(t *testing.T, tools []llm.Tool, name string) llm.Tool {
	t.Helper()
	tool, ok := llm.FindTool(tools, name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	return tool
}

func TestNewToolsWithoutSigner(t *testing.T) {
	tools := NewTools(stubResolver{"local": &stubClient{}}, nil)
	if len(tools) != 3 {
		t.Fatalf("expected read-only tools, got %d", len(tools))
	}
	if _, ok := llm.FindTool(tools, ToolTransaction); ok {
		t.Fatalf("transaction tool requires a private key")
	}
}

func TestReadOnlyTools(t *testing.T) {
	client := &stubClient{balance: big.NewInt(1_000_000), nonce: 7}
	tools := NewTools(stubResolver{"local": client}, nil)
	ctx := context.Background()

	out, err := toolByName(t, tools, ToolChainSnapshot).Call(ctx, `{}`)
	if err != nil || !strings.Contains(out, `"chainId":"0x539"`) {
		t.Fatalf("unexpected snapshot %s %v", out, err)
	}

	out, err = toolByName(t, tools, ToolBalance).Call(ctx, `{"address":"`+testAddress+`"}`)
	if err != nil || !strings.Contains(out, `"balance":"1000000"`) {
		t.Fatalf("unexpected balance %s %v", out, err)
	}

	out, err = toolByName(t, tools, ToolNonce).Call(ctx, `{"chain":"local","address":"`+testAddress+`"}`)
	if err != nil || !strings.Contains(out, `"nonce":7`) {
		t.Fatalf("unexpected nonce %s %v", out, err)
	}

	if _, err := toolByName(t, tools, ToolBalance).Call(ctx, `{"address":"not-an-address"}`); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("invalid address must be rejected, got %v", err)
	}
	if _, err := toolByName(t, tools, ToolChainSnapshot).Call(ctx, `{"chain":"mainnet"}`); xerrors.CodeOf(err) != CodeChainNotFound {
		t.Fatalf("unknown chain must report CHAIN_NOT_FOUND, got %v", err)
	}
}

func TestTransactionTool(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	client := &stubClient{}
	tools := NewTools(stubResolver{"local": client}, key)
	tool := toolByName(t, tools, ToolTransaction)
	ctx := context.Background()

	out, err := tool.Call(ctx, `{"to":"`+testAddress+`","value":"0x10"}`)
	if err != nil {
		t.Fatalf("transaction tool must not return Go errors: %v", err)
	}
	var receipt TransferReceipt
	if err := json.Unmarshal([]byte(out), &receipt); err != nil || receipt.Status != "success" || receipt.BlockNumber != 17 {
		t.Fatalf("unexpected receipt %s", out)
	}
	if client.lastReq.Value.Int64() != 16 || client.lastKey != key {
		t.Fatalf("transfer must receive the parsed value and signer: %+v", client.lastReq)
	}

	client.transferErr = errors.New("insufficient funds")
	out, err = tool.Call(ctx, `{"to":"`+testAddress+`","value":"5"}`)
	if err != nil {
		t.Fatalf("transaction tool must not return Go errors: %v", err)
	}
	var failure map[string]string
	if err := json.Unmarshal([]byte(out), &failure); err != nil || failure["status"] != "error" || failure["message"] != "insufficient funds" {
		t.Fatalf("unexpected failure payload %s", out)
	}

	out, _ = tool.Call(ctx, `{"to":"`+testAddress+`","value":"-1"}`)
	if !strings.Contains(out, `"status":"error"`) {
		t.Fatalf("negative values must be rejected, got %s", out)
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))
	parsed, err := ParsePrivateKey(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if crypto.PubkeyToAddress(parsed.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("parsed key does not match")
	}
	if _, err := ParsePrivateKey("zz"); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("invalid key must be a configuration error, got %v", err)
	}
}
