package llm

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	xerrors "ZeeWorkflow/internal/errors"
)

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是发送给大模型的一条对话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// SystemMessage 构造系统消息。
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage 构造用户消息。
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ResponseFormat 要求大模型按给定 JSON Schema 返回结构化对象。
type ResponseFormat struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
}

// Request 描述一次生成调用。
type Request struct {
	Messages []Message
	// Temperature 为空时使用服务端默认值。
	Temperature *float64
	Tools       []Tool
	Format      *ResponseFormat
}

// ToolCallRecord 记录一次工具调用及其文本结果。
type ToolCallRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
}

// Response 是一次生成调用的结果。Object 仅在请求了 Format 且服务端支持时非空。
type Response struct {
	Content      string
	Object       json.RawMessage
	ToolCalls    []ToolCallRecord
	FinishReason string
}

// Text 返回可读文本，结构化对象优先于空文本。
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	if r.Content == "" && len(r.Object) > 0 {
		return string(r.Object)
	}
	return r.Content
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许普通函数充当 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

const (
	// CodeProviderUnavailable 表示服务端暂不可用（限流、5xx、网络错误），可重试。
	CodeProviderUnavailable xerrors.Code = "PROVIDER_UNAVAILABLE"
	// CodeProviderRejected 表示请求被服务端拒绝，重试无意义。
	CodeProviderRejected xerrors.Code = "PROVIDER_REJECTED"
	// CodeEmptyCompletion 表示服务端返回了空结果。
	CodeEmptyCompletion xerrors.Code = "EMPTY_COMPLETION"
)

func init() {
	xerrors.Register(CodeProviderUnavailable, xerrors.Attributes{
		Message:   "model provider unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeProviderRejected, xerrors.Attributes{
		Message:   "model provider rejected the request",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeEmptyCompletion, xerrors.Attributes{
		Message:   "model returned an empty completion",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}
