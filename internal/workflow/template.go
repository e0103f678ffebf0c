package workflow

import (
	"context"

	"ZeeWorkflow/internal/agent"
	"ZeeWorkflow/internal/llm"
)

// Template 保存可复用的工作流配置，每次执行都会创建新的 Workflow，智能体不会跨运行共享。
type Template struct {
	Client  llm.Client
	Agents  []agent.Config
	Options []Option
}

// New 以模板配置创建一次运行，extra 在模板选项之后生效。
func (t *Template) New(goal string, extra ...Option) (*Workflow, error) {
	opts := make([]Option, 0, len(t.Options)+len(extra))
	opts = append(opts, t.Options...)
	opts = append(opts, extra...)
	return New(t.Client, goal, t.Agents, opts...)
}

// Validate 使用占位目标构造一次工作流以检查配置。
func (t *Template) Validate() error {
	_, err := t.New("validate configuration")
	return err
}

// Plan 只执行规划与路由，返回排好序的已分配任务。
func (t *Template) Plan(ctx context.Context, goal string, extra ...Option) ([]AssignedTask, error) {
	w, err := t.New(goal, extra...)
	if err != nil {
		return nil, err
	}
	tasks, err := w.Plan(ctx)
	if err != nil {
		return nil, w.callFailure(ctx, err)
	}
	assigned, err := w.Route(ctx, tasks)
	if err != nil {
		return nil, w.callFailure(ctx, err)
	}
	return assigned, nil
}

// Execute 执行一次完整运行。
func (t *Template) Execute(ctx context.Context, goal string, extra ...Option) (*Result, error) {
	w, err := t.New(goal, extra...)
	if err != nil {
		return nil, err
	}
	return w.Run(ctx)
}
