package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestGenerateReadsStdout(t *testing.T) {
	sh := requireShell(t)
	script := writeScript(t, "cat >/dev/null\necho '{\"content\":\"COMPLETE: done\",\"object\":{\"kind\":\"complete\",\"payload\":\"done\"}}'\n")

	client, err := NewClient(sh, script, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{llm.UserMessage("hi")}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "COMPLETE: done" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if string(resp.Object) != `{"kind":"complete","payload":"done"}` {
		t.Fatalf("unexpected object %s", resp.Object)
	}
}

func TestGenerateScriptFailure(t *testing.T) {
	sh := requireShell(t)
	script := writeScript(t, "echo boom >&2\nexit 3\n")

	client, _ := NewClient(sh, script, "")
	_, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{llm.UserMessage("hi")}})
	if xerrors.CodeOf(err) != llm.CodeProviderUnavailable {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
}

func TestGenerateEmptyOutput(t *testing.T) {
	sh := requireShell(t)
	script := writeScript(t, "cat >/dev/null\necho '{\"content\":\"  \"}'\n")

	client, _ := NewClient(sh, script, "")
	_, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{llm.UserMessage("hi")}})
	if xerrors.CodeOf(err) != llm.CodeEmptyCompletion {
		t.Fatalf("expected empty completion, got %v", err)
	}
}

func TestNewClientRequiresScript(t *testing.T) {
	if _, err := NewClient("", "", ""); err == nil {
		t.Fatalf("expected error without script")
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/opt/zee", "bridge.py"); got != filepath.Join("/opt/zee", "bridge.py") {
		t.Fatalf("unexpected path %q", got)
	}
	if got := ResolveScriptPath("/opt/zee", "/abs/bridge.py"); got != "/abs/bridge.py" {
		t.Fatalf("absolute path must be kept, got %q", got)
	}
}
