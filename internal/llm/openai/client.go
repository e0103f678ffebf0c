package openai

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/llm"
	"ZeeWorkflow/pkg/logger"
)

const (
	defaultTimeout       = 60 * time.Second
	defaultMaxToolRounds = 8
)

// Config 描述了调用 Chat Completions 接口所需的信息。
type Config struct {
	Provider      Provider
	APIKey        string
	BaseURL       string
	Model         string
	Timeout       time.Duration
	MaxToolRounds int
	HTTPClient    *http.Client
}

// Client 基于 openai-go SDK 实现 llm.Client。
type Client struct {
	provider      Provider
	model         string
	maxToolRounds int
	sdk           oai.Client
	logger        *slog.Logger
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建客户端。SDK 内置重试被关闭，重试由 agent 层统一负责。
func NewClient(cfg Config) (*Client, error) {
	provider, err := ParseProvider(string(cfg.Provider))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "大模型配置无效")
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		if provider.RequiresAPIKey() {
			return nil, xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf("服务商 %s 需要 API Key", provider))
		}
		apiKey = string(provider)
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = provider.DefaultBaseURL()
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = provider.DefaultModel()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = defaultMaxToolRounds
	}

	return &Client{
		provider:      provider,
		model:         model,
		maxToolRounds: rounds,
		sdk: oai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
			option.WithHTTPClient(httpClient),
			option.WithMaxRetries(0),
		),
		logger: logger.Named("llm.openai"),
	}, nil
}

// Model 返回实际使用的模型名称。
func (c *Client) Model() string {
	return c.model
}

// Generate 发送对话并执行模型请求的工具调用，直到得到最终回复。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if len(req.Messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "对话消息不能为空")
	}

	params := oai.ChatCompletionNewParams{
		Messages: convertMessages(req.Messages),
		Model:    c.model,
	}
	if t := req.Temperature; t != nil && *t > 0 && *t <= 2 {
		params.Temperature = param.NewOpt(*t)
	}
	for _, tool := range req.Tools {
		if tool == nil {
			continue
		}
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: oai.FunctionDefinitionParam{
				Name:        tool.Name(),
				Description: param.NewOpt(tool.Description()),
				Parameters:  convertSchema(tool.Parameters()),
			},
		})
	}
	// 工具调用与 json_schema 输出同时使用时部分服务商会拒绝请求，此时只保留工具。
	structured := req.Format != nil && req.Format.Schema != nil && len(params.Tools) == 0
	if structured {
		format := oai.ResponseFormatJSONSchemaJSONSchemaParam{
			Name:   req.Format.Name,
			Schema: req.Format.Schema,
		}
		if req.Format.Description != "" {
			format.Description = param.NewOpt(req.Format.Description)
		}
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &oai.ResponseFormatJSONSchemaParam{JSONSchema: format},
		}
	}

	var records []llm.ToolCallRecord
	for round := 0; ; round++ {
		completion, err := c.sdk.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, classifyError(err)
		}
		if len(completion.Choices) == 0 {
			return nil, xerrors.New(llm.CodeEmptyCompletion, "响应中没有有效的 choices")
		}
		choice := completion.Choices[0]
		if choice.Message.Refusal != "" {
			return nil, xerrors.New(llm.CodeProviderRejected, "模型拒绝回答: "+choice.Message.Refusal)
		}

		if len(choice.Message.ToolCalls) > 0 && len(req.Tools) > 0 {
			if round >= c.maxToolRounds {
				return nil, xerrors.New(llm.CodeProviderRejected,
					fmt.Sprintf("工具调用超过 %d 轮仍未结束", c.maxToolRounds),
					xerrors.WithRetryable(false))
			}
			params.Messages = append(params.Messages, assistantToolCalls(choice.Message))
			for _, call := range choice.Message.ToolCalls {
				result := c.invokeTool(ctx, req.Tools, call.Function.Name, call.Function.Arguments)
				records = append(records, llm.ToolCallRecord{
					ID:        call.ID,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
					Result:    result,
				})
				params.Messages = append(params.Messages, oai.ToolMessage(result, call.ID))
			}
			continue
		}

		content := strings.TrimSpace(choice.Message.Content)
		if content == "" {
			return nil, xerrors.New(llm.CodeEmptyCompletion, "模型返回内容为空")
		}
		resp := &llm.Response{
			Content:      content,
			ToolCalls:    records,
			FinishReason: string(choice.FinishReason),
		}
		if structured {
			if raw := llm.StripCodeFence(content); json.Valid([]byte(raw)) {
				resp.Object = json.RawMessage(raw)
			}
		}
		return resp, nil
	}
}

func (c *Client) invokeTool(ctx context.Context, tools []llm.Tool, name, arguments string) string {
	tool, ok := llm.FindTool(tools, name)
	if !ok {
		c.logger.Warn("模型请求了未注册的工具", slog.String("tool", name))
		return fmt.Sprintf("error: tool %q is not available", name)
	}
	result, err := tool.Call(ctx, arguments)
	if err != nil {
		c.logger.Warn("工具执行失败", slog.String("tool", name), slog.Any("error", err))
		return "error: " + err.Error()
	}
	c.logger.Debug("工具执行完成", slog.String("tool", name), slog.Int("result_len", len(result)))
	return result
}

func convertMessages(messages []llm.Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			mp := &oai.ChatCompletionSystemMessageParam{
				Content: oai.ChatCompletionSystemMessageParamContentUnion{OfString: param.NewOpt(msg.Content)},
			}
			if msg.Name != "" {
				mp.Name = param.NewOpt(msg.Name)
			}
			out = append(out, oai.ChatCompletionMessageParamUnion{OfSystem: mp})
		case llm.RoleAssistant:
			mp := &oai.ChatCompletionAssistantMessageParam{
				Content: oai.ChatCompletionAssistantMessageParamContentUnion{OfString: param.NewOpt(msg.Content)},
			}
			if msg.Name != "" {
				mp.Name = param.NewOpt(msg.Name)
			}
			out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: mp})
		default:
			mp := &oai.ChatCompletionUserMessageParam{
				Content: oai.ChatCompletionUserMessageParamContentUnion{OfString: param.NewOpt(msg.Content)},
			}
			if msg.Name != "" {
				mp.Name = param.NewOpt(msg.Name)
			}
			out = append(out, oai.ChatCompletionMessageParamUnion{OfUser: mp})
		}
	}
	return out
}

func assistantToolCalls(msg oai.ChatCompletionMessage) oai.ChatCompletionMessageParamUnion {
	calls := make([]oai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		calls = append(calls, oai.ChatCompletionMessageToolCallParam{
			ID: call.ID,
			Function: oai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	mp := &oai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if msg.Content != "" {
		mp.Content = oai.ChatCompletionAssistantMessageParamContentUnion{OfString: param.NewOpt(msg.Content)}
	}
	return oai.ChatCompletionMessageParamUnion{OfAssistant: mp}
}

func convertSchema(schema any) oai.FunctionParameters {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out oai.FunctionParameters
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func classifyError(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "调用大模型超时")
	case stdErrors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeCanceled, err, "调用大模型被取消")
	}
	var apiErr *oai.Error
	if stdErrors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return xerrors.Wrap(llm.CodeProviderUnavailable, err, fmt.Sprintf("大模型服务暂不可用 (%d)", status))
		}
		return xerrors.Wrap(llm.CodeProviderRejected, err, fmt.Sprintf("大模型服务拒绝请求 (%d)", status))
	}
	return xerrors.Wrap(llm.CodeProviderUnavailable, err, "请求大模型失败")
}
