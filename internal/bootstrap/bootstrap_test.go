package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"ZeeWorkflow/internal/config"
	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/knowledge"
	"ZeeWorkflow/internal/llm"
	"ZeeWorkflow/internal/runs"
	"ZeeWorkflow/internal/web3"
)

var stubGenerator = llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: "ok"}, nil
})

func parseConfig(t *testing.T, content string, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(content), dir)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestNewGenerator(t *testing.T) {
	if _, err := NewGenerator(config.LLMConfig{Provider: "ollama"}); err != nil {
		t.Fatalf("ollama needs no key: %v", err)
	}
	if _, err := NewGenerator(config.LLMConfig{Provider: "openai"}); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("openai without key must be rejected, got %v", err)
	}
	if _, err := NewGenerator(config.LLMConfig{Provider: "mystery"}); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("unknown provider must be rejected, got %v", err)
	}
}

func TestNewToolboxBuildsCatalogue(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer node.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "knowledge.json"), []byte(`[{"title":"Gas","content":"gwei"}]`), 0o600); err != nil {
		t.Fatalf("write knowledge: %v", err)
	}
	chains := "default: local\nchains:\n  local:\n    rpc_url: " + node.URL + "\n"
	if err := os.WriteFile(filepath.Join(dir, "chains.yaml"), []byte(chains), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}

	cfg := parseConfig(t, `
llm: {provider: ollama}
knowledge: {source: knowledge.json}
web3: {chain_config: chains.yaml}
agents:
  - name: analyst
    tools: [knowledge_search, evm_balance]
`, dir)

	box, err := NewToolbox(context.Background(), cfg)
	if err != nil {
		t.Fatalf("toolbox: %v", err)
	}
	defer box.Close()

	names := box.Names()
	sort.Strings(names)
	want := []string{web3.ToolChainSnapshot, web3.ToolBalance, web3.ToolNonce, knowledge.SearchToolName}
	sort.Strings(want)
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected tools %v", names)
	}

	tmpl, err := NewTemplate(cfg, stubGenerator, box.Tools)
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if len(tmpl.Agents) != 1 || len(tmpl.Agents[0].Tools) != 2 {
		t.Fatalf("agent tools not resolved: %+v", tmpl.Agents)
	}
}

func TestNewToolboxSignerEnablesTransfers(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ZEE_TEST_SIGNER", "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	cfg := parseConfig(t, `
llm: {provider: ollama}
web3: {rpc_url: "http://127.0.0.1:8545", private_key_env: ZEE_TEST_SIGNER}
agents: [{name: treasurer}]
`, dir)
	box, err := NewToolbox(context.Background(), cfg)
	if err != nil {
		t.Fatalf("toolbox: %v", err)
	}
	defer box.Close()
	if _, ok := llm.FindTool(box.Tools, web3.ToolTransaction); !ok {
		t.Fatalf("configured signer must enable %s", web3.ToolTransaction)
	}
}

func TestNewTemplateRejectsUnknownTools(t *testing.T) {
	cfg := parseConfig(t, "llm: {provider: ollama}\nagents: [{name: a, tools: [missing]}]\n", ".")
	if _, err := NewTemplate(cfg, stubGenerator, nil); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("expected INVALID_CONFIG, got %v", err)
	}
}

func TestWorkflowOptions(t *testing.T) {
	temperature := 0.3
	opts, err := WorkflowOptions(config.WorkflowConfig{MaxIterations: 5, ReplyFormat: "markers", Temperature: &temperature})
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if len(opts) != 5 {
		t.Fatalf("unexpected option count %d", len(opts))
	}
	if _, err := WorkflowOptions(config.WorkflowConfig{ReplyFormat: "xml"}); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("unknown reply format must be rejected, got %v", err)
	}
}

func TestNewRunQueue(t *testing.T) {
	queue, err := NewRunQueue(context.Background(), config.QueueConfig{Driver: config.QueueMemory, BufferSize: 4})
	if err != nil {
		t.Fatalf("memory queue: %v", err)
	}
	if _, ok := queue.(*runs.MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", queue)
	}
	_ = queue.Close()

	if _, err := NewRunQueue(context.Background(), config.QueueConfig{Driver: "kafka"}); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("unknown driver must be rejected, got %v", err)
	}
}

func TestNewAlertDispatcherDefaultsToLog(t *testing.T) {
	dispatcher, closeFn, err := NewAlertDispatcher(context.Background(), config.AlertingConfig{})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer closeFn()
	if dispatcher == nil {
		t.Fatalf("dispatcher must not be nil")
	}
}
