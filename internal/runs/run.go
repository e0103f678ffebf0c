package runs

import (
	"time"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/workflow"
)

// Status 表示运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Run 描述一次排队执行的工作流运行。
type Run struct {
	ID           string           `json:"id"`
	SessionKey   string           `json:"session_key,omitempty"`
	Goal         string           `json:"goal"`
	Status       Status           `json:"status"`
	Attempts     int              `json:"attempts"`
	MaxRetries   int              `json:"max_retries"`
	LastError    string           `json:"last_error,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	Result       *workflow.Result `json:"result,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	LastAccessAt time.Time        `json:"last_access_at"`
}

const (
	CodeRunNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict   xerrors.Code = "RUN_CONFLICT"
	CodeRunCompleted  xerrors.Code = "RUN_COMPLETED"
	CodeRunExhausted  xerrors.Code = "RUN_RETRIES_EXHAUSTED"
	CodeRunValidation xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeRunPublish    xerrors.Code = "RUN_PUBLISH_FAILED"
	CodeRunExecution  xerrors.Code = "RUN_EXECUTION_FAILED"
	CodeRunEvicted    xerrors.Code = "RUN_EVICTED"
)

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunCompleted 表示运行已经成功完成。
	ErrRunCompleted = xerrors.New(CodeRunCompleted, "run already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRunExhausted 表示运行的重试次数已经耗尽。
	ErrRunExhausted = xerrors.New(CodeRunExhausted, "run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrRunEvicted 表示运行已被注册表淘汰。
	ErrRunEvicted = xerrors.New(CodeRunEvicted, "run evicted")
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:  "run not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:  "run conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeRunCompleted, xerrors.Attributes{
		Message:  "run already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunExhausted, xerrors.Attributes{
		Message:  "run retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:  "run validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunExecution, xerrors.Attributes{
		Message:   "run execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunEvicted, xerrors.Attributes{
		Message:  "run evicted",
		Severity: xerrors.SeverityInfo,
	})
}

// IsValidStatus 检查给定的运行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneRun(run *Run) *Run {
	clone := *run
	clone.Result = cloneResult(run.Result)
	return &clone
}
