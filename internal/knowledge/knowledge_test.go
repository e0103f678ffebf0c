package knowledge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func sampleProvider() *StaticProvider {
	return NewStaticProvider([]Snippet{
		{Title: "Gas", Content: "Gas prices are quoted in gwei.", Keywords: []string{"gas", "gwei"}},
		{Title: "Nonce", Content: "Each account has a nonce.", Tags: []string{"nonce"}},
		{Title: "Haiku", Content: "Three lines, 5-7-5.", Keywords: []string{"poem"}},
	}, 2)
}

func TestStaticProviderQuery(t *testing.T) {
	provider := sampleProvider()

	got := provider.Query("What is the GAS price in gwei?")
	if len(got) != 1 || got[0].Title != "Gas" {
		t.Fatalf("unexpected snippets %+v", got)
	}
	if got := provider.Query("write a haiku"); len(got) != 1 || got[0].Title != "Haiku" {
		t.Fatalf("title match expected, got %+v", got)
	}
	if got := provider.Query("   "); got != nil {
		t.Fatalf("empty query must return nothing, got %+v", got)
	}
	if got := provider.Query("gas nonce poem"); len(got) != 2 {
		t.Fatalf("results must be capped at maxResults, got %d", len(got))
	}
}

func TestLoadStaticProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge.json")
	if err := os.WriteFile(path, []byte(`[{"title":"Gas","content":"c","keywords":["gas"]}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	provider, err := LoadStaticProvider(path, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if provider.Len() != 1 {
		t.Fatalf("expected one snippet, got %d", provider.Len())
	}
	if _, err := LoadStaticProvider("", 1); err == nil {
		t.Fatalf("empty path must fail")
	}
	if _, err := LoadStaticProvider(filepath.Join(dir, "missing.json"), 1); err == nil {
		t.Fatalf("missing file must fail")
	}
}

func TestSearchTool(t *testing.T) {
	tool := NewSearchTool(sampleProvider())
	if tool.Name() != SearchToolName {
		t.Fatalf("unexpected name %s", tool.Name())
	}
	if tool.Parameters() == nil || tool.Parameters().Properties["query"] == nil {
		t.Fatalf("schema must expose the query argument")
	}

	out, err := tool.Call(context.Background(), `{"query": "nonce rules"}`)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var snippets []Snippet
	if err := json.Unmarshal([]byte(out), &snippets); err != nil || len(snippets) != 1 || snippets[0].Title != "Nonce" {
		t.Fatalf("unexpected output %s (%v)", out, err)
	}

	out, err = tool.Call(context.Background(), `{"query": "unrelated"}`)
	if err != nil || out != "[]" {
		t.Fatalf("no match must yield an empty array, got %q %v", out, err)
	}
	if _, err := tool.Call(context.Background(), `{"query": ""}`); err == nil {
		t.Fatalf("empty query must be rejected")
	}
}
