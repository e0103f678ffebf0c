package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/knowledge"
	"ZeeWorkflow/internal/llm"
)

const minimal = `
llm:
  provider: ollama
agents:
  - name: writer
    description: writes things
    tools: [knowledge_search]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal), "/etc/zee")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Workflow.MaxIterations != 50 || cfg.Workflow.ReplyFormat != "structured" {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Server, cfg.Workflow)
	}
	if cfg.Runs.Queue.Driver != QueueMemory || cfg.Runs.MaxRetries != 3 || cfg.Runs.Registry.TTL != time.Hour {
		t.Fatalf("unexpected run defaults %+v", cfg.Runs)
	}
	if cfg.Workflow.Retry.Attempts != 3 {
		t.Fatalf("default retry policy expected, got %+v", cfg.Workflow.Retry)
	}
	if cfg.LLM.Python.WorkingDir != "/etc/zee" {
		t.Fatalf("working dir must default to the config directory, got %s", cfg.LLM.Python.WorkingDir)
	}
}

func TestParseDurationsAndRelativePaths(t *testing.T) {
	content := minimal + `
workflow:
  temperature: 0.2
  generation_timeout: 45s
  retry:
    attempts: 4
    initial_backoff: 250ms
runs:
  registry:
    ttl: 30m
knowledge:
  source: data/knowledge.json
web3:
  chain_config: chains.yaml
`
	cfg, err := Parse([]byte(content), "/srv/zee")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Workflow.GenerationTimeout != 45*time.Second || cfg.Workflow.Retry.InitialBackoff != 250*time.Millisecond || cfg.Workflow.Retry.Attempts != 4 {
		t.Fatalf("durations not decoded: %+v", cfg.Workflow)
	}
	if cfg.Runs.Registry.TTL != 30*time.Minute {
		t.Fatalf("unexpected ttl %s", cfg.Runs.Registry.TTL)
	}
	if cfg.Knowledge.Source != filepath.Join("/srv/zee", "data/knowledge.json") || cfg.Web3.ChainConfig != filepath.Join("/srv/zee", "chains.yaml") {
		t.Fatalf("relative paths must resolve against the config directory: %s %s", cfg.Knowledge.Source, cfg.Web3.ChainConfig)
	}
	if !cfg.Web3.Enabled() {
		t.Fatalf("web3 must be enabled by chain_config")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ZEE_LLM_MODEL", "llama3.2")
	t.Setenv("ZEE_SERVER_ADDRESS", ":9999")
	t.Setenv("ZEE_QUEUE_DRIVER", "redis")
	t.Setenv("ZEE_REDIS_ADDR", "redis:6379")
	t.Setenv("ZEE_QUEUE_WORKERS", "6")
	t.Setenv("WRITER_STYLE", "concise")

	cfg, err := Parse([]byte(minimal+"    instructions: [\"be ${WRITER_STYLE}\"]\n"), ".")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.LLM.Model != "llama3.2" || cfg.Server.Address != ":9999" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Runs.Queue.Driver != QueueRedis || cfg.Runs.Queue.Redis.Address != "redis:6379" || cfg.Runs.Queue.Workers != 6 {
		t.Fatalf("queue overrides not applied: %+v", cfg.Runs.Queue)
	}
	if cfg.Agents[0].Instructions[0] != "be concise" {
		t.Fatalf("environment references must be expanded, got %q", cfg.Agents[0].Instructions[0])
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"reserved name":   "llm: {provider: ollama}\nagents: [{name: router}]\n",
		"duplicate name":  "llm: {provider: ollama}\nagents: [{name: a}, {name: a}]\n",
		"no agents":       "llm: {provider: ollama}\n",
		"temperature":     "llm: {provider: ollama}\nworkflow: {temperature: 1.5}\nagents: [{name: a}]\n",
		"agent temp":      "llm: {provider: ollama}\nagents: [{name: a, temperature: -0.1}]\n",
		"provider":        "llm: {provider: mystery}\nagents: [{name: a}]\n",
		"queue driver":    "llm: {provider: ollama}\nagents: [{name: a}]\nruns: {queue: {driver: kafka}}\n",
		"redis address":   "llm: {provider: ollama}\nagents: [{name: a}]\nruns: {queue: {driver: redis}}\n",
		"reply format":    "llm: {provider: ollama}\nagents: [{name: a}]\nworkflow: {reply_format: xml}\n",
		"bridge script":   "llm: {provider: python_bridge}\nagents: [{name: a}]\n",
		"malformed yaml":  "agents: [",
		"unnamed agent":   "llm: {provider: ollama}\nagents: [{description: x}]\n",
		"alerting target": "llm: {provider: ollama}\nagents: [{name: a}]\nalerting: {redis: {enabled: true}}\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(content), "."); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
				t.Fatalf("expected INVALID_CONFIG, got %v", err)
			}
		})
	}
}

func TestLoadUsesZeeConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ZEE_CONFIG", path)
	if ResolvePath("") != path {
		t.Fatalf("ZEE_CONFIG must be honoured")
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agents[0].Name != "writer" {
		t.Fatalf("unexpected agents %+v", cfg.Agents)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("missing file must fail")
	}
}

func TestBuildAgents(t *testing.T) {
	cfg, err := Parse([]byte(minimal), ".")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	catalogue := []llm.Tool{knowledge.NewSearchTool(knowledge.NewStaticProvider(nil, 1))}
	agents, err := cfg.BuildAgents(catalogue)
	if err != nil {
		t.Fatalf("build agents: %v", err)
	}
	if len(agents) != 1 || len(agents[0].Tools) != 1 || agents[0].Tools[0].Name() != knowledge.SearchToolName {
		t.Fatalf("unexpected agents %+v", agents)
	}

	_, err = cfg.BuildAgents(nil)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidConfig || !strings.Contains(err.Error(), "writer.knowledge_search") {
		t.Fatalf("unknown tools must be reported, got %v", err)
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("MY_KEY", " secret ")
	if got := (LLMConfig{APIKeyEnv: "MY_KEY"}).ResolveAPIKey(); got != "secret" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := (LLMConfig{APIKey: "inline", APIKeyEnv: "MY_KEY"}).ResolveAPIKey(); got != "inline" {
		t.Fatalf("inline key must win, got %q", got)
	}
}
