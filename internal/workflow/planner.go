package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"ZeeWorkflow/internal/llm"
)

// Plan 让规划器把目标拆分为有序任务。
func (w *Workflow) Plan(ctx context.Context) ([]Task, error) {
	resp, err := w.planner.Generate(ctx, []llm.Message{llm.UserMessage(w.goal)})
	if err != nil {
		return nil, GenerationError(err, RolePlanner)
	}
	tasks, err := ParsePlan(resp.Text())
	if err != nil {
		w.logger.Error("解析规划结果失败", slog.Any("error", err), slog.String("raw", truncate(resp.Text(), 500)))
		return nil, err
	}
	w.logger.Info("规划完成", slog.Int("tasks", len(tasks)))
	return tasks, nil
}

// ParsePlan 把规划器回复解析为任务列表。
func ParsePlan(text string) ([]Task, error) {
	raw, err := decodeArray(text)
	if err != nil {
		return nil, PlanParseError(err, "response must be a JSON array")
	}
	tasks := make([]Task, 0, len(raw))
	for i, entry := range raw {
		var task Task
		if err := llm.UnmarshalJSON(entry, &task); err != nil {
			return nil, PlanParseError(err, fmt.Sprintf("invalid task format at index %d", i))
		}
		task.Instructions = cleanInstructions(task.Instructions)
		if len(task.Instructions) == 0 {
			return nil, PlanParseError(nil, fmt.Sprintf("task at index %d has no instructions", i))
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// decodeArray 去掉代码块包裹后解析顶层 JSON 数组。
func decodeArray(text string) ([]json.RawMessage, error) {
	stripped := llm.StripCodeFence(text)
	if stripped == "" {
		return nil, fmt.Errorf("empty response")
	}
	var raw []json.RawMessage
	if err := llm.UnmarshalJSON([]byte(stripped), &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("response is not an array")
	}
	return raw, nil
}

func cleanInstructions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, instruction := range in {
		if trimmed := strings.TrimSpace(instruction); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// truncate 截断日志摘录，切点落在字符边界上。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
