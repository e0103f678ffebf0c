package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ZeeWorkflow/internal/agent"
	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/llm"
	"ZeeWorkflow/internal/llm/openai"
	"ZeeWorkflow/internal/workflow"
)

// DefaultPath 是未指定配置文件时使用的路径。
const DefaultPath = "configs/zee.yaml"

// ProviderPythonBridge 通过外部脚本完成推理。
const ProviderPythonBridge = "python_bridge"

// 运行队列驱动。
const (
	QueueMemory   = "memory"
	QueueRedis    = "redis"
	QueueRabbitMQ = "rabbitmq"
)

// Config 描述了 zeed 与 zeectl 启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	LLM       LLMConfig       `yaml:"llm"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Agents    []AgentConfig   `yaml:"agents"`
	Runs      RunsConfig      `yaml:"runs"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Web3      Web3Config      `yaml:"web3"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metrics_address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig 对应 pkg/logger 的初始化参数。
type LogConfig struct {
	Level     string         `yaml:"level"`
	Format    string         `yaml:"format"`
	Outputs   []string       `yaml:"outputs"`
	AddSource bool           `yaml:"add_source"`
	Audit     AuditLogConfig `yaml:"audit"`
}

// AuditLogConfig 控制审计日志的滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider      string             `yaml:"provider"`
	Model         string             `yaml:"model"`
	BaseURL       string             `yaml:"base_url"`
	APIKey        string             `yaml:"api_key"`
	APIKeyEnv     string             `yaml:"api_key_env"`
	Timeout       time.Duration      `yaml:"timeout"`
	MaxToolRounds int                `yaml:"max_tool_rounds"`
	Python        PythonBridgeConfig `yaml:"python_bridge"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `yaml:"python_executable"`
	ScriptPath       string `yaml:"script_path"`
	WorkingDir       string `yaml:"working_dir"`
}

// WorkflowConfig 是工作流模板的公共参数。
type WorkflowConfig struct {
	MaxIterations     int               `yaml:"max_iterations"`
	Temperature       *float64          `yaml:"temperature"`
	ReplyFormat       string            `yaml:"reply_format"`
	GenerationTimeout time.Duration     `yaml:"generation_timeout"`
	Delegation        bool              `yaml:"delegation"`
	Retry             agent.RetryPolicy `yaml:"retry"`
}

// AgentConfig 是配置文件中的智能体定义，工具以名称引用。
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Instructions []string `yaml:"instructions"`
	Tools        []string `yaml:"tools"`
	Temperature  *float64 `yaml:"temperature"`
}

// RunsConfig 描述运行注册表与运行队列。
type RunsConfig struct {
	MaxRetries int            `yaml:"max_retries"`
	Registry   RegistryConfig `yaml:"registry"`
	Queue      QueueConfig    `yaml:"queue"`
}

// RegistryConfig 控制运行注册表的淘汰策略。
type RegistryConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxRuns       int           `yaml:"max_runs"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// QueueConfig 选择运行队列实现。
type QueueConfig struct {
	Driver     string         `yaml:"driver"`
	Workers    int            `yaml:"workers"`
	BufferSize int            `yaml:"buffer_size"`
	Redis      RedisConfig    `yaml:"redis"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Queue     string        `yaml:"queue"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// KnowledgeConfig 指向静态知识库文件。
type KnowledgeConfig struct {
	Source     string `yaml:"source"`
	MaxResults int    `yaml:"max_results"`
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	RPCURL         string        `yaml:"rpc_url"`
	ChainConfig    string        `yaml:"chain_config"`
	DefaultChain   string        `yaml:"default_chain"`
	PrivateKeyEnv  string        `yaml:"private_key_env"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
}

// Enabled 判断是否配置了任何链。
func (c Web3Config) Enabled() bool {
	return strings.TrimSpace(c.RPCURL) != "" || strings.TrimSpace(c.ChainConfig) != ""
}

// AlertingConfig 配置告警通道，日志通道始终开启。
type AlertingConfig struct {
	Redis RedisAlertConfig `yaml:"redis"`
}

// RedisAlertConfig 把告警发布到 Redis 频道。
type RedisAlertConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// ResolvePath 返回实际使用的配置文件路径：显式参数优先，其次 ZEE_CONFIG。
func ResolvePath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("ZEE_CONFIG")); env != "" {
		return env
	}
	return DefaultPath
}

// Load 解析 YAML 配置文件，依次应用默认值、环境变量覆盖与校验。
func Load(path string) (*Config, error) {
	path = ResolvePath(path)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析内存中的配置内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "解析配置失败")
	}

	cfg.applyDefaults(baseDir)
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = "logs/audit.log"
	}
	c.Log.Audit.Path = resolve(baseDir, c.Log.Audit.Path)

	if c.LLM.Provider == "" {
		c.LLM.Provider = string(openai.ProviderOpenAI)
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Workflow.MaxIterations <= 0 {
		c.Workflow.MaxIterations = 50
	}
	if c.Workflow.ReplyFormat == "" {
		c.Workflow.ReplyFormat = string(workflow.ReplyStructured)
	}
	if c.Workflow.Retry.Attempts <= 0 {
		c.Workflow.Retry = agent.DefaultRetryPolicy()
	}

	if c.Runs.MaxRetries <= 0 {
		c.Runs.MaxRetries = 3
	}
	if c.Runs.Registry.TTL <= 0 {
		c.Runs.Registry.TTL = time.Hour
	}
	if c.Runs.Registry.MaxRuns <= 0 {
		c.Runs.Registry.MaxRuns = 1000
	}
	if c.Runs.Registry.SweepInterval <= 0 {
		c.Runs.Registry.SweepInterval = time.Minute
	}
	if c.Runs.Queue.Driver == "" {
		c.Runs.Queue.Driver = QueueMemory
	}
	if c.Runs.Queue.Workers <= 0 {
		c.Runs.Queue.Workers = 2
	}
	if c.Runs.Queue.BufferSize <= 0 {
		c.Runs.Queue.BufferSize = 128
	}

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	c.Knowledge.Source = resolve(baseDir, c.Knowledge.Source)

	c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	if c.Web3.ReceiptTimeout <= 0 {
		c.Web3.ReceiptTimeout = 2 * time.Minute
	}

	if c.Alerting.Redis.Enabled && c.Alerting.Redis.Address == "" {
		c.Alerting.Redis.Address = c.Runs.Queue.Redis.Address
	}
}

// applyEnv 使用 ZEE_* 环境变量覆盖配置文件中的值。
func (c *Config) applyEnv() {
	if v := os.Getenv("ZEE_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("ZEE_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("ZEE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("ZEE_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("ZEE_QUEUE_DRIVER"); v != "" {
		c.Runs.Queue.Driver = v
	}
	if v := os.Getenv("ZEE_QUEUE_WORKERS"); v != "" {
		if workers, err := strconv.Atoi(v); err == nil && workers > 0 {
			c.Runs.Queue.Workers = workers
		}
	}
	if v := os.Getenv("ZEE_REDIS_ADDR"); v != "" {
		c.Runs.Queue.Redis.Address = v
		if c.Alerting.Redis.Enabled {
			c.Alerting.Redis.Address = v
		}
	}
	if v := os.Getenv("ZEE_RABBITMQ_URL"); v != "" {
		c.Runs.Queue.RabbitMQ.URL = v
	}
	if v := os.Getenv("ZEE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func invalid(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate 检查配置之间的一致性，失败时返回 INVALID_CONFIG。
func (c *Config) Validate() error {
	if c.LLM.Provider != ProviderPythonBridge {
		if _, err := openai.ParseProvider(c.LLM.Provider); err != nil {
			return invalid("未知的大模型服务商 %q，可选: %s, %s", c.LLM.Provider, strings.Join(openai.Providers(), ", "), ProviderPythonBridge)
		}
	} else if strings.TrimSpace(c.LLM.Python.ScriptPath) == "" {
		return invalid("python_bridge 需要配置 script_path")
	}

	if t := c.Workflow.Temperature; t != nil {
		if err := agent.ValidateTemperature(*t); err != nil {
			return err
		}
	}
	if _, err := workflow.ParseReplyFormat(c.Workflow.ReplyFormat); err != nil {
		return err
	}

	if len(c.Agents) == 0 {
		return invalid("至少需要配置一个智能体")
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for i, a := range c.Agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return invalid("第 %d 个智能体缺少名称", i+1)
		}
		if workflow.IsReservedName(name) {
			return invalid("智能体名称 %q 为保留名称", name)
		}
		if _, dup := seen[name]; dup {
			return invalid("智能体名称 %q 重复", name)
		}
		seen[name] = struct{}{}
		if a.Temperature != nil {
			if err := agent.ValidateTemperature(*a.Temperature); err != nil {
				return err
			}
		}
	}

	switch c.Runs.Queue.Driver {
	case QueueMemory:
	case QueueRedis:
		if strings.TrimSpace(c.Runs.Queue.Redis.Address) == "" {
			return invalid("redis 队列需要配置 address")
		}
	case QueueRabbitMQ:
		if strings.TrimSpace(c.Runs.Queue.RabbitMQ.URL) == "" {
			return invalid("rabbitmq 队列需要配置 url")
		}
	default:
		return invalid("未知的运行队列驱动 %q", c.Runs.Queue.Driver)
	}

	if c.Alerting.Redis.Enabled && strings.TrimSpace(c.Alerting.Redis.Address) == "" {
		return invalid("redis 告警通道需要配置 address")
	}
	return nil
}

// ResolveAPIKey 返回显式配置的密钥，否则读取 api_key_env 指向的环境变量。
func (c LLMConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if env := strings.TrimSpace(c.APIKeyEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// BuildAgents 把配置中的工具名称解析为工具实例，未知工具名视为配置错误。
func (c *Config) BuildAgents(catalogue []llm.Tool) ([]agent.Config, error) {
	configs := make([]agent.Config, 0, len(c.Agents))
	var missing []string
	for _, a := range c.Agents {
		cfg := agent.Config{
			Name:         strings.TrimSpace(a.Name),
			Description:  a.Description,
			Instructions: append([]string(nil), a.Instructions...),
			Temperature:  a.Temperature,
		}
		for _, name := range a.Tools {
			tool, ok := llm.FindTool(catalogue, strings.TrimSpace(name))
			if !ok {
				missing = append(missing, fmt.Sprintf("%s.%s", cfg.Name, name))
				continue
			}
			cfg.Tools = append(cfg.Tools, tool)
		}
		configs = append(configs, cfg)
	}
	if len(missing) > 0 {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig,
			errors.New(strings.Join(missing, ", ")), "智能体引用了未注册的工具")
	}
	return configs, nil
}
