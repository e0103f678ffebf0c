package workflow

import (
	"fmt"
	"sort"
	"strings"

	xerrors "ZeeWorkflow/internal/errors"
)

// 哨兵错误，配合 errors.Is 按错误码匹配。
var (
	ErrPlanParse      = xerrors.New(xerrors.CodePlanParse, "")
	ErrRouteParse     = xerrors.New(xerrors.CodeRouteParse, "")
	ErrAgentNotFound  = xerrors.New(xerrors.CodeAgentNotFound, "")
	ErrGeneration     = xerrors.New(xerrors.CodeGenerationFailure, "")
	ErrInvalidConfig  = xerrors.New(xerrors.CodeInvalidConfig, "")
	ErrCanceled       = xerrors.New(xerrors.CodeCanceled, "")
	ErrAlreadyStarted = xerrors.New(xerrors.CodeConflict, "workflow already started")
)

// PlanParseError 表示规划器的回复无法解析为任务列表。
func PlanParseError(cause error, reason string) *xerrors.Error {
	return xerrors.Wrap(xerrors.CodePlanParse, cause, "failed to parse 'planner' response: "+reason)
}

// RouteParseError 表示路由器的回复无法解析为分配结果。
func RouteParseError(cause error, reason string) *xerrors.Error {
	return xerrors.Wrap(xerrors.CodeRouteParse, cause, "failed to parse 'router' response: "+reason)
}

// AgentNotFoundError 表示动作指向了不存在的智能体。
func AgentNotFoundError(name string, available []string) *xerrors.Error {
	names := append([]string(nil), available...)
	sort.Strings(names)
	return xerrors.New(xerrors.CodeAgentNotFound,
		fmt.Sprintf("Agent '%s' not found. Available agents: %s.", name, strings.Join(names, ", ")),
		xerrors.WithMetadata("agent", name))
}

// GenerationError 表示一次生成调用失败或返回了不可用的内容，可重试属性沿用底层原因。
func GenerationError(cause error, agentName string) *xerrors.Error {
	return xerrors.Wrap(xerrors.CodeGenerationFailure, cause,
		fmt.Sprintf("generation failed for '%s'", agentName),
		xerrors.WithMetadata("agent", agentName),
		xerrors.WithRetryable(xerrors.RetryableError(cause)))
}

func configError(format string, args ...any) *xerrors.Error {
	return xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf(format, args...))
}
