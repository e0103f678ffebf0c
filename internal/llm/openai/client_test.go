package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/llm"
)

func completionBody(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []map[string]any{
			{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
			},
		},
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "test-model", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
	if _, err := NewClient(Config{Provider: "nope", APIKey: "k"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	client, err := NewClient(Config{Provider: ProviderOllama})
	if err != nil {
		t.Fatalf("ollama should not require a key: %v", err)
	}
	if client.Model() != ProviderOllama.DefaultModel() {
		t.Fatalf("unexpected default model %q", client.Model())
	}

	if _, err := NewClient(Config{Provider: "OpenAI"}); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("mixed-case provider must still require a key, got %v", err)
	}
	client, err = NewClient(Config{Provider: " Ollama "})
	if err != nil {
		t.Fatalf("mixed-case ollama: %v", err)
	}
	if client.Model() != ProviderOllama.DefaultModel() || client.provider != ProviderOllama {
		t.Fatalf("provider defaults must follow the normalised name, got %q/%q", client.provider, client.Model())
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		captured.Authorization = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody("COMPLETE: 你好"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	temperature := 0.5
	resp, err := client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{
			llm.SystemMessage("you are a writer"),
			llm.UserMessage("Current task -> 写一首俳句"),
		},
		Temperature: &temperature,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "COMPLETE: 你好" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != "test-model" {
		t.Fatalf("unexpected model field %v", captured.Body["model"])
	}
	if captured.Body["temperature"] != 0.5 {
		t.Fatalf("temperature not forwarded: %v", captured.Body["temperature"])
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
}

func TestGenerateSkipsZeroTemperature(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody("ok"))
	}))
	defer srv.Close()

	zero := 0.0
	if _, err := newTestClient(t, srv).Generate(context.Background(), llm.Request{
		Messages:    []llm.Message{llm.UserMessage("hi")},
		Temperature: &zero,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := body["temperature"]; ok {
		t.Fatalf("temperature 0 must not be sent")
	}
}

type replyObject struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

func TestGenerateStructuredOutput(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody(`{"kind":"complete","payload":"done"}`))
	}))
	defer srv.Close()

	schema, err := jsonschema.For[replyObject](&jsonschema.ForOptions{})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	resp, err := newTestClient(t, srv).Generate(context.Background(), llm.Request{
		Messages: []llm.Message{llm.UserMessage("hi")},
		Format:   &llm.ResponseFormat{Name: "agent_reply", Schema: schema},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	format, _ := body["response_format"].(map[string]any)
	if format["type"] != "json_schema" {
		t.Fatalf("response_format not sent: %v", body["response_format"])
	}
	var decoded replyObject
	if err := json.Unmarshal(resp.Object, &decoded); err != nil {
		t.Fatalf("object not populated: %v", err)
	}
	if decoded.Kind != "complete" || decoded.Payload != "done" {
		t.Fatalf("unexpected object %+v", decoded)
	}
}

type lookupArgs struct {
	Address string `json:"address"`
}

func TestGenerateRunsToolCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []map[string]any `json:"messages"`
			Tools    []map[string]any `json:"tools"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			if len(body.Tools) != 1 {
				t.Errorf("expected one tool definition, got %d", len(body.Tools))
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":      "chatcmpl-tool",
				"object":  "chat.completion",
				"created": 1700000000,
				"model":   "test-model",
				"choices": []map[string]any{{
					"index":         0,
					"finish_reason": "tool_calls",
					"message": map[string]any{
						"role":    "assistant",
						"content": "",
						"tool_calls": []map[string]any{{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "evm_balance",
								"arguments": `{"address":"0xabc"}`,
							},
						}},
					},
				}},
			})
			return
		}
		last := body.Messages[len(body.Messages)-1]
		if last["role"] != "tool" || last["content"] != "balance of 0xabc: 42" {
			t.Errorf("tool result not forwarded: %v", last)
		}
		_ = json.NewEncoder(w).Encode(completionBody("COMPLETE: 42 wei"))
	}))
	defer srv.Close()

	tool := llm.MustNewFuncTool("evm_balance", "balance lookup", func(_ context.Context, args lookupArgs) (string, error) {
		return "balance of " + args.Address + ": 42", nil
	})
	resp, err := newTestClient(t, srv).Generate(context.Background(), llm.Request{
		Messages: []llm.Message{llm.UserMessage("balance?")},
		Tools:    []llm.Tool{tool},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "COMPLETE: 42 wei" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Result != "balance of 0xabc: 42" {
		t.Fatalf("unexpected tool records %+v", resp.ToolCalls)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 completion calls, got %d", calls.Load())
	}
}

func TestGenerateClassifiesHTTPErrors(t *testing.T) {
	cases := []struct {
		status    int
		code      xerrors.Code
		retryable bool
	}{
		{http.StatusServiceUnavailable, llm.CodeProviderUnavailable, true},
		{http.StatusTooManyRequests, llm.CodeProviderUnavailable, true},
		{http.StatusBadRequest, llm.CodeProviderRejected, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
		}))
		_, err := newTestClient(t, srv).Generate(context.Background(), llm.Request{
			Messages: []llm.Message{llm.UserMessage("hi")},
		})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if xerrors.CodeOf(err) != tc.code || xerrors.RetryableError(err) != tc.retryable {
			t.Fatalf("status %d: unexpected classification %v", tc.status, err)
		}
	}
}

func TestGenerateTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv).Generate(ctx, llm.Request{Messages: []llm.Message{llm.UserMessage("hi")}})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout code, got %v", err)
	}
}

func TestParseProvider(t *testing.T) {
	if p, err := ParseProvider(" DeepSeek "); err != nil || p != ProviderDeepSeek {
		t.Fatalf("unexpected parse result %q %v", p, err)
	}
	if p, _ := ParseProvider(""); p != ProviderOpenAI {
		t.Fatalf("empty provider should default to openai")
	}
	if !strings.Contains(ProviderGemini.DefaultBaseURL(), "generativelanguage.googleapis.com") {
		t.Fatalf("unexpected gemini base url")
	}
}
