package workflow

import (
	"context"
	"log/slog"
	"strings"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/llm"
)

type executeAgentArgs struct {
	AgentName string   `json:"agentName" jsonschema:"name of the agent to ask"`
	Tasks     []string `json:"tasks" jsonschema:"messages sent to the agent, in order"`
}

// delegationTool 让路由器在回答追问时直接向某个智能体取得信息。
// 工具调用发生在路由器自身的生成调用之内，仍然是串行的。
func (w *Workflow) delegationTool() (llm.Tool, error) {
	return llm.NewFuncTool("execute_agent", "Get information from a single agent",
		func(ctx context.Context, args executeAgentArgs) (string, error) {
			name := strings.TrimSpace(args.AgentName)
			target, ok := w.targets[name]
			if !ok || name == RoleRouter {
				return "", AgentNotFoundError(name, w.AgentNames())
			}
			turns := make([]llm.Message, 0, len(args.Tasks))
			for _, task := range args.Tasks {
				if strings.TrimSpace(task) != "" {
					turns = append(turns, llm.UserMessage(task))
				}
			}
			if len(turns) == 0 {
				return "", xerrors.New(xerrors.CodeInvalidArgument, "execute_agent requires at least one task")
			}
			w.logger.Info("路由器委派查询", slog.String("agent", name), slog.Int("tasks", len(turns)))
			resp, err := target.Generate(ctx, turns)
			if err != nil {
				return "", err
			}
			return resp.Text(), nil
		})
}
