package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/llm"
	"ZeeWorkflow/pkg/logger"
)

// Config 描述了一个智能体的身份与能力。
type Config struct {
	Name         string     `json:"name" yaml:"name"`
	Description  string     `json:"description" yaml:"description"`
	Instructions []string   `json:"instructions" yaml:"instructions"`
	Tools        []llm.Tool `json:"-" yaml:"-"`
	// Temperature 为空时使用调用方给出的默认值。
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// Agent 将描述、指令与工具绑定到一个大模型客户端上，构造后不可变。
type Agent struct {
	name         string
	description  string
	instructions []string
	tools        []llm.Tool
	temperature  *float64
	client       llm.Client
	timeout      time.Duration
	retry        RetryPolicy
	logger       *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithTimeout 设置单次调用大模型的超时时间，0 表示不限制。
func WithTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.timeout = 0
			return
		}
		a.timeout = timeout
	}
}

// WithRetry 设置可重试错误的重试策略。
func WithRetry(policy RetryPolicy) Option {
	return func(a *Agent) {
		a.retry = policy.normalize()
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithDefaultTemperature 在配置未指定温度时使用给定值。
func WithDefaultTemperature(t float64) Option {
	return func(a *Agent) {
		if a.temperature == nil {
			a.temperature = &t
		}
	}
}

// New 校验配置并创建 Agent。
func New(cfg Config, client llm.Client, opts ...Option) (*Agent, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "智能体名称不能为空")
	}
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf("智能体 %s 未配置大模型客户端", name))
	}
	if cfg.Temperature != nil {
		if err := ValidateTemperature(*cfg.Temperature); err != nil {
			return nil, err
		}
	}

	ag := &Agent{
		name:         name,
		description:  cfg.Description,
		instructions: append([]string(nil), cfg.Instructions...),
		tools:        append([]llm.Tool(nil), cfg.Tools...),
		client:       client,
		retry:        RetryPolicy{Attempts: 1}.normalize(),
	}
	if cfg.Temperature != nil {
		t := *cfg.Temperature
		ag.temperature = &t
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.temperature != nil {
		if err := ValidateTemperature(*ag.temperature); err != nil {
			return nil, err
		}
	}
	if ag.logger == nil {
		ag.logger = logger.Named("agent")
	}
	ag.logger = ag.logger.With(slog.String("agent", name))
	return ag, nil
}

// ValidateTemperature 检查采样温度是否位于 [0,1]，NaN 同样被拒绝。
func ValidateTemperature(t float64) error {
	if !(t >= 0 && t <= 1) {
		return xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf("温度 %.2f 超出 [0,1] 范围", t))
	}
	return nil
}

// Name 返回智能体名称。
func (a *Agent) Name() string { return a.name }

// Description 返回智能体描述。
func (a *Agent) Description() string { return a.description }

// Instructions 返回指令副本。
func (a *Agent) Instructions() []string {
	return append([]string(nil), a.instructions...)
}

// ToolNames 返回绑定的工具名称。
func (a *Agent) ToolNames() []string {
	names := make([]string, 0, len(a.tools))
	for _, tool := range a.tools {
		if tool != nil {
			names = append(names, tool.Name())
		}
	}
	return names
}

// CallOption 调整单次调用。
type CallOption func(*llm.Request)

// WithResponseFormat 要求本次调用返回结构化对象。
func WithResponseFormat(format *llm.ResponseFormat) CallOption {
	return func(req *llm.Request) {
		req.Format = format
	}
}

// Generate 在输入消息前加上描述与指令，调用大模型并按策略重试。
func (a *Agent) Generate(ctx context.Context, turns []llm.Message, callOpts ...CallOption) (*llm.Response, error) {
	req := llm.Request{
		Messages:    a.buildMessages(turns),
		Temperature: a.temperature,
		Tools:       a.tools,
	}
	for _, opt := range callOpts {
		if opt != nil {
			opt(&req)
		}
	}

	var lastErr error
	backoff := a.retry.InitialBackoff
	for attempt := 1; attempt <= a.retry.Attempts; attempt++ {
		resp, err := a.generateOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil || !a.shouldRetry(err) || attempt == a.retry.Attempts {
			break
		}
		a.logger.Warn("调用大模型失败，准备重试",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", a.retry.Attempts),
			slog.Duration("backoff", backoff),
			slog.Any("error", err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, a.wrapFailure(ctx.Err())
		case <-timer.C:
		}
		backoff = a.retry.next(backoff)
	}
	return nil, a.wrapFailure(lastErr)
}

func (a *Agent) generateOnce(ctx context.Context, req llm.Request) (*llm.Response, error) {
	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	resp, err := a.client.Generate(callCtx, req)
	if err != nil {
		// 单次调用超时而父级仍有效时，保留 DeadlineExceeded 便于上层判断。
		if ctx.Err() == nil && stdErrors.Is(callCtx.Err(), context.DeadlineExceeded) && !stdErrors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, err
	}
	if resp == nil || strings.TrimSpace(resp.Text()) == "" {
		return nil, xerrors.New(llm.CodeEmptyCompletion, "大模型返回内容为空")
	}
	return resp, nil
}

func (a *Agent) shouldRetry(err error) bool {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if stdErrors.Is(err, context.Canceled) {
		return false
	}
	return xerrors.RetryableError(err)
}

func (a *Agent) wrapFailure(err error) error {
	code := xerrors.CodeGenerationFailure
	if stdErrors.Is(err, context.Canceled) {
		code = xerrors.CodeCanceled
	}
	return xerrors.Wrap(code, err, fmt.Sprintf("智能体 %s 生成失败", a.name),
		xerrors.WithMetadata("agent", a.name),
		xerrors.WithRetryable(a.shouldRetry(err)))
}

func (a *Agent) buildMessages(turns []llm.Message) []llm.Message {
	messages := make([]llm.Message, 0, len(turns)+len(a.instructions)+1)
	if strings.TrimSpace(a.description) != "" {
		messages = append(messages, llm.SystemMessage(a.description))
	}
	for _, instruction := range a.instructions {
		if strings.TrimSpace(instruction) == "" {
			continue
		}
		messages = append(messages, llm.SystemMessage(instruction))
	}
	return append(messages, turns...)
}
