package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ZeeWorkflow/internal/agent"
	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/llm"
	"ZeeWorkflow/pkg/logger"
)

const (
	// DefaultMaxIterations 是调度循环的默认上限。
	DefaultMaxIterations = 50
	// DefaultTemperature 是内置智能体与未指定温度的智能体使用的采样温度。
	DefaultTemperature = 0.5
)

// Result 是一次运行的输出。
type Result struct {
	RunID      string        `json:"run_id"`
	Content    string        `json:"content"`
	Context    []ContextItem `json:"context"`
	Iterations int           `json:"iterations"`
	CapReached bool          `json:"cap_reached"`
}

// Observer 接收调度过程中的事件，回调在调度循环内同步执行。
type Observer interface {
	OnAction(runID string, action Action)
	OnContextItem(runID string, item ContextItem)
	OnRunFinished(runID string, result Result)
}

// Workflow 持有一次运行的全部状态，只能运行一次。
type Workflow struct {
	runID         string
	goal          string
	maxIterations int
	temperature   float64
	replyFormat   ReplyFormat
	delegation    bool
	observers     []Observer
	logger        *slog.Logger
	agentOpts     []agent.Option

	planner *agent.Agent
	router  *agent.Agent
	endgame *agent.Agent
	members []*agent.Agent
	targets map[string]*agent.Agent

	queue   ActionQueue
	log     ContextLog
	started atomic.Bool
}

// Option 定义可选的 Workflow 配置。
type Option func(*Workflow)

// WithMaxIterations 设置调度循环上限，非正数使用默认值。
func WithMaxIterations(n int) Option {
	return func(w *Workflow) {
		w.maxIterations = n
	}
}

// WithTemperature 设置默认采样温度，超出 [0,1] 时构造失败。
func WithTemperature(t float64) Option {
	return func(w *Workflow) {
		w.temperature = t
	}
}

// WithReplyFormat 选择结构化回复或文本前缀协议。
func WithReplyFormat(format ReplyFormat) Option {
	return func(w *Workflow) {
		if format != "" {
			w.replyFormat = format
		}
	}
}

// WithRunID 指定运行标识，默认生成 UUID。
func WithRunID(id string) Option {
	return func(w *Workflow) {
		if strings.TrimSpace(id) != "" {
			w.runID = strings.TrimSpace(id)
		}
	}
}

// WithObserver 注册事件观察者。
func WithObserver(o Observer) Option {
	return func(w *Workflow) {
		if o != nil {
			w.observers = append(w.observers, o)
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithAgentOptions 为工作流创建的每个智能体附加选项（超时、重试等）。
func WithAgentOptions(opts ...agent.Option) Option {
	return func(w *Workflow) {
		w.agentOpts = append(w.agentOpts, opts...)
	}
}

// WithDelegation 为路由器绑定 execute_agent 工具，回答追问时可直接询问其他智能体。
func WithDelegation(enabled bool) Option {
	return func(w *Workflow) {
		w.delegation = enabled
	}
}

// New 校验配置并为本次运行创建全部智能体。
func New(client llm.Client, goal string, configs []agent.Config, opts ...Option) (*Workflow, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "goal must not be empty")
	}
	if client == nil {
		return nil, configError("workflow requires a generation client")
	}

	w := &Workflow{
		goal:          goal,
		maxIterations: DefaultMaxIterations,
		temperature:   DefaultTemperature,
		replyFormat:   ReplyStructured,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.maxIterations <= 0 {
		w.maxIterations = DefaultMaxIterations
	}
	if err := agent.ValidateTemperature(w.temperature); err != nil {
		return nil, err
	}
	if w.replyFormat != ReplyStructured && w.replyFormat != ReplyMarkers {
		return nil, configError("unknown reply format %q", w.replyFormat)
	}
	if w.runID == "" {
		w.runID = uuid.NewString()
	}
	if w.logger == nil {
		w.logger = logger.ForRun("workflow", w.runID)
	}

	if len(configs) == 0 {
		return nil, configError("workflow requires at least one agent")
	}
	seen := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		name := strings.TrimSpace(cfg.Name)
		if IsReservedName(name) {
			return nil, configError("agent name '%s' is reserved", name)
		}
		if _, dup := seen[name]; dup {
			return nil, configError("Agent '%s' already exists", name)
		}
		seen[name] = struct{}{}
	}

	build := func(cfg agent.Config) (*agent.Agent, error) {
		options := append([]agent.Option{
			agent.WithDefaultTemperature(w.temperature),
			agent.WithLogger(w.logger),
		}, w.agentOpts...)
		return agent.New(cfg, client, options...)
	}

	w.targets = make(map[string]*agent.Agent, len(configs)+1)
	for _, cfg := range configs {
		member, err := build(cfg)
		if err != nil {
			return nil, err
		}
		w.members = append(w.members, member)
		w.targets[member.Name()] = member
	}

	var err error
	if w.planner, err = build(agent.Config{
		Name:         RolePlanner,
		Description:  plannerDescription(goal),
		Instructions: plannerInstructions(),
	}); err != nil {
		return nil, err
	}

	routerCfg := agent.Config{Name: RoleRouter, Description: routerDescription}
	if w.delegation {
		tool, err := w.delegationTool()
		if err != nil {
			return nil, err
		}
		routerCfg.Tools = []llm.Tool{tool}
	}
	if w.router, err = build(routerCfg); err != nil {
		return nil, err
	}
	w.targets[RoleRouter] = w.router

	if w.endgame, err = build(agent.Config{
		Name:         RoleEndgame,
		Description:  endgameDescription,
		Instructions: endgameInstructions,
	}); err != nil {
		return nil, err
	}
	return w, nil
}

// RunID 返回运行标识。
func (w *Workflow) RunID() string { return w.runID }

// Goal 返回运行目标。
func (w *Workflow) Goal() string { return w.goal }

// MaxIterations 返回生效的迭代上限。
func (w *Workflow) MaxIterations() int { return w.maxIterations }

// AgentNames 返回调用方提供的智能体名称，保持声明顺序。
func (w *Workflow) AgentNames() []string {
	names := make([]string, 0, len(w.members))
	for _, m := range w.members {
		names = append(names, m.Name())
	}
	return names
}

// Context 返回当前上下文日志的副本。
func (w *Workflow) Context() []ContextItem {
	return w.log.Items()
}

// Run 规划、路由、调度并汇总，返回最终答案与完整上下文。
// 规划或路由失败时不返回 Result；调度被取消或汇总失败时返回带部分上下文的 Result。
func (w *Workflow) Run(ctx context.Context) (*Result, error) {
	if !w.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	started := time.Now()
	w.logger.Info("开始执行工作流", slog.String("goal", w.goal), slog.Int("agents", len(w.members)),
		slog.Int("max_iterations", w.maxIterations), slog.String("reply_format", string(w.replyFormat)))

	w.appendContext(ContextItem{Role: RoleUser, Content: w.goal})

	tasks, err := w.Plan(ctx)
	if err != nil {
		return nil, w.callFailure(ctx, err)
	}
	assigned, err := w.Route(ctx, tasks)
	if err != nil {
		return nil, w.callFailure(ctx, err)
	}
	w.Seed(assigned)

	result := &Result{RunID: w.runID}
	result.Iterations, result.CapReached, err = w.dispatch(ctx)
	if err != nil {
		result.Context = w.log.Items()
		w.finish(*result)
		return result, err
	}

	content, err := w.compile(ctx)
	result.Context = w.log.Items()
	if err != nil {
		w.logger.Error("汇总最终结果失败", slog.Any("error", err))
		w.finish(*result)
		return result, w.callFailure(ctx, err)
	}
	result.Content = content
	w.logger.Info("工作流执行完成",
		slog.Int("iterations", result.Iterations),
		slog.Bool("cap_reached", result.CapReached),
		slog.Int("context_len", len(result.Context)),
		slog.Duration("elapsed", time.Since(started)))
	w.finish(*result)
	return result, nil
}

// Seed 把已分配任务作为初始请求放入任务通道。
func (w *Workflow) Seed(tasks []AssignedTask) {
	for _, task := range tasks {
		w.queue.PushTask(Action{
			Type:    ActionRequest,
			From:    RoleRouter,
			To:      task.AgentName,
			Content: strings.Join(task.Instructions, "\n"),
			Metadata: Metadata{
				Dependencies: task.Dependencies,
				Attachments:  task.Attachments,
			},
		})
	}
}

// compile 调用 endgame 智能体汇总完整上下文。
func (w *Workflow) compile(ctx context.Context) (string, error) {
	resp, err := w.endgame.Generate(ctx, w.endgameTurns())
	if err != nil {
		return "", GenerationError(err, RoleEndgame)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (w *Workflow) endgameTurns() []llm.Message {
	encoded, _ := json.Marshal(w.log.Items())
	return []llm.Message{llm.UserMessage(string(encoded))}
}

func (w *Workflow) appendContext(item ContextItem) {
	w.log.Append(item)
	for _, o := range w.observers {
		o.OnContextItem(w.runID, item)
	}
}

func (w *Workflow) finish(result Result) {
	for _, o := range w.observers {
		o.OnRunFinished(w.runID, result)
	}
}

// callFailure 在外部取消时把错误统一为 CANCELED。
func (w *Workflow) callFailure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return xerrors.Wrap(xerrors.CodeCanceled, err, "run canceled")
	}
	return err
}
