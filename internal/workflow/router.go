package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"ZeeWorkflow/internal/llm"
)

// Route 让路由器为每个任务分配智能体并规范化依赖。
func (w *Workflow) Route(ctx context.Context, tasks []Task) ([]AssignedTask, error) {
	encoded, err := json.Marshal(tasks)
	if err != nil {
		return nil, RouteParseError(err, "encode tasks")
	}
	resp, err := w.router.Generate(ctx, []llm.Message{
		llm.SystemMessage(routingPrompt(w.members)),
		llm.UserMessage(string(encoded)),
	})
	if err != nil {
		return nil, GenerationError(err, RoleRouter)
	}
	assigned, err := parseRoute(resp.Text(), func(index int, hint string) {
		w.logger.Warn("依赖缺少智能体名称，已忽略",
			slog.Int("task_index", index),
			slog.String("hint", truncate(hint, 200)))
	})
	if err != nil {
		w.logger.Error("解析路由结果失败", slog.Any("error", err), slog.String("raw", truncate(resp.Text(), 500)))
		return nil, err
	}
	ordered, acyclic := OrderByDependencies(assigned)
	if !acyclic {
		w.logger.Warn("任务依赖存在环，保留路由器给出的顺序")
	}
	for i, task := range ordered {
		w.logger.Info("任务已分配",
			slog.Int("index", i+1),
			slog.Int("total", len(ordered)),
			slog.String("agent", task.AgentName),
			slog.Int("dependencies", len(task.Dependencies)),
			slog.Int("attachments", len(task.Attachments)))
	}
	return ordered, nil
}

// ParseRoute 把路由器回复解析为已分配任务。没有智能体名称的依赖会被丢弃。
func ParseRoute(text string) ([]AssignedTask, error) {
	return parseRoute(text, nil)
}

// parseRoute 解析路由结果，dropped 接收被丢弃的依赖描述。
func parseRoute(text string, dropped func(index int, hint string)) ([]AssignedTask, error) {
	raw, err := decodeArray(text)
	if err != nil {
		return nil, RouteParseError(err, "response must be a JSON array")
	}
	tasks := make([]AssignedTask, 0, len(raw))
	for i, entry := range raw {
		var task AssignedTask
		if err := llm.UnmarshalJSON(entry, &task); err != nil {
			return nil, RouteParseError(err, fmt.Sprintf("invalid task format at index %d", i))
		}
		task.AgentName = strings.TrimSpace(task.AgentName)
		if task.AgentName == "" {
			return nil, RouteParseError(nil, fmt.Sprintf("task at index %d has no agentName", i))
		}
		task.Instructions = cleanInstructions(task.Instructions)
		if len(task.Instructions) == 0 {
			return nil, RouteParseError(nil, fmt.Sprintf("task at index %d has no instructions", i))
		}
		deps := task.Dependencies[:0]
		for _, dep := range task.Dependencies {
			if dep.AgentName != "" {
				deps = append(deps, dep)
				continue
			}
			if dropped != nil {
				dropped(i, dep.Reason)
			}
		}
		task.Dependencies = deps
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// OrderByDependencies 稳定地把产出方排到依赖方之前。存在环时返回原顺序与 false。
func OrderByDependencies(tasks []AssignedTask) ([]AssignedTask, bool) {
	n := len(tasks)
	producers := make(map[string][]int, n)
	for i, task := range tasks {
		producers[task.AgentName] = append(producers[task.AgentName], i)
	}

	indegree := make([]int, n)
	edges := make([][]int, n)
	for i, task := range tasks {
		seen := make(map[int]struct{})
		for _, dep := range task.Dependencies {
			for _, j := range producers[dep.AgentName] {
				if j == i {
					continue
				}
				if _, ok := seen[j]; ok {
					continue
				}
				seen[j] = struct{}{}
				edges[j] = append(edges[j], i)
				indegree[i]++
			}
		}
	}

	done := make([]bool, n)
	ordered := make([]AssignedTask, 0, n)
	for len(ordered) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return append([]AssignedTask(nil), tasks...), false
		}
		done[next] = true
		ordered = append(ordered, tasks[next])
		for _, k := range edges[next] {
			indegree[k]--
		}
	}
	return ordered, true
}
