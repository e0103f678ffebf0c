package bootstrap

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"ZeeWorkflow/internal/agent"
	"ZeeWorkflow/internal/config"
	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/knowledge"
	"ZeeWorkflow/internal/llm"
	"ZeeWorkflow/internal/llm/openai"
	"ZeeWorkflow/internal/llm/pythonbridge"
	"ZeeWorkflow/internal/observability/alerting"
	"ZeeWorkflow/internal/runs"
	"ZeeWorkflow/internal/web3"
	"ZeeWorkflow/internal/web3/provider"
	"ZeeWorkflow/internal/workflow"
	"ZeeWorkflow/pkg/logger"
)

// InitLogger 按配置初始化全局日志与审计日志。
func InitLogger(cfg config.LogConfig) error {
	return logger.Init(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.Outputs,
		AddSource:   cfg.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		},
	})
}

// NewGenerator 根据 llm 配置创建生成客户端。
func NewGenerator(cfg config.LLMConfig) (llm.Client, error) {
	if cfg.Provider == config.ProviderPythonBridge {
		scriptPath := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
		client, err := pythonbridge.NewClient(cfg.Python.PythonExecutable, scriptPath, cfg.Python.WorkingDir)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	providerName, err := openai.ParseProvider(cfg.Provider)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "大模型配置无效")
	}
	client, err := openai.NewClient(openai.Config{
		Provider:      providerName,
		APIKey:        cfg.ResolveAPIKey(),
		BaseURL:       cfg.BaseURL,
		Model:         cfg.Model,
		Timeout:       cfg.Timeout,
		MaxToolRounds: cfg.MaxToolRounds,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Toolbox 持有工具目录以及工具背后需要释放的资源。
type Toolbox struct {
	Tools  []llm.Tool
	chains *provider.Registry
}

// Close 释放链客户端。
func (t *Toolbox) Close() {
	if t != nil && t.chains != nil {
		t.chains.Close()
	}
}

// Names 返回目录中的工具名称。
func (t *Toolbox) Names() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.Tools))
	for _, tool := range t.Tools {
		names = append(names, tool.Name())
	}
	return names
}

// NewToolbox 按配置构建知识库与链上工具。未配置的来源不产生工具。
func NewToolbox(ctx context.Context, cfg *config.Config) (*Toolbox, error) {
	box := &Toolbox{}
	if source := strings.TrimSpace(cfg.Knowledge.Source); source != "" {
		kb, err := knowledge.LoadStaticProvider(source, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "加载知识库失败")
		}
		box.Tools = append(box.Tools, knowledge.NewSearchTool(kb))
	}

	if cfg.Web3.Enabled() {
		chains, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, err
		}
		box.chains = chains

		signer, err := loadSigner(cfg.Web3.PrivateKeyEnv)
		if err != nil {
			chains.Close()
			return nil, err
		}
		box.Tools = append(box.Tools, web3.NewTools(chains, signer, web3.WithReceiptTimeout(cfg.Web3.ReceiptTimeout))...)
		logger.L().Info("链上工具已启用",
			slog.Any("chains", chains.Chains()),
			slog.String("default_chain", chains.DefaultChain()),
			slog.Bool("signer", signer != nil),
		)
	}
	return box, nil
}

func loadSigner(envName string) (*ecdsa.PrivateKey, error) {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return nil, nil
	}
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		logger.L().Warn("未找到签名私钥，转账工具不可用", slog.String("env", envName))
		return nil, nil
	}
	return web3.ParsePrivateKey(raw)
}

// WorkflowOptions 把配置转换为工作流选项。
func WorkflowOptions(cfg config.WorkflowConfig, observers ...workflow.Observer) ([]workflow.Option, error) {
	format, err := workflow.ParseReplyFormat(cfg.ReplyFormat)
	if err != nil {
		return nil, err
	}
	agentOpts := []agent.Option{agent.WithRetry(cfg.Retry)}
	if cfg.GenerationTimeout > 0 {
		agentOpts = append(agentOpts, agent.WithTimeout(cfg.GenerationTimeout))
	}
	opts := []workflow.Option{
		workflow.WithMaxIterations(cfg.MaxIterations),
		workflow.WithReplyFormat(format),
		workflow.WithAgentOptions(agentOpts...),
		workflow.WithDelegation(cfg.Delegation),
	}
	if cfg.Temperature != nil {
		opts = append(opts, workflow.WithTemperature(*cfg.Temperature))
	}
	for _, observer := range observers {
		opts = append(opts, workflow.WithObserver(observer))
	}
	return opts, nil
}

// NewTemplate 组装可复用的工作流模板并立即校验。
func NewTemplate(cfg *config.Config, client llm.Client, tools []llm.Tool, observers ...workflow.Observer) (*workflow.Template, error) {
	agents, err := cfg.BuildAgents(tools)
	if err != nil {
		return nil, err
	}
	opts, err := WorkflowOptions(cfg.Workflow, observers...)
	if err != nil {
		return nil, err
	}
	tmpl := &workflow.Template{Client: client, Agents: agents, Options: opts}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// NewRunQueue 按驱动创建运行队列。
func NewRunQueue(ctx context.Context, cfg config.QueueConfig) (runs.Queue, error) {
	switch cfg.Driver {
	case "", config.QueueMemory:
		return runs.NewMemoryQueue(cfg.BufferSize), nil
	case config.QueueRedis:
		queue, err := runs.NewRedisQueue(ctx, runs.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case config.QueueRabbitMQ:
		queue, err := runs.NewRabbitMQQueue(runs.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf("未知的运行队列驱动: %s", cfg.Driver))
	}
}

// NewAlertDispatcher 创建告警派发器，日志通道始终启用。返回的 close 函数释放 Redis 连接。
func NewAlertDispatcher(ctx context.Context, cfg config.AlertingConfig) (alerting.Dispatcher, func() error, error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	closeFn := func() error { return nil }

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接告警 Redis 失败")
		}
		notifiers = append(notifiers, alerting.NewRedisNotifier(client, cfg.Redis.Channel))
		closeFn = client.Close
	}
	return alerting.NewFanout(notifiers...), closeFn, nil
}
