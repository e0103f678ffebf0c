package runs

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/observability/alerting"
	"ZeeWorkflow/internal/workflow"
	"ZeeWorkflow/pkg/logger"
)

// Executor 执行一次工作流运行，workflow.Template 实现了该接口。
type Executor interface {
	Execute(ctx context.Context, goal string, opts ...workflow.Option) (*workflow.Result, error)
}

// Processor 负责从队列消费运行并交给 Executor 执行。
type Processor struct {
	executor    Executor
	registry    *Registry
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。每个协程内的运行严格串行。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, registry *Registry, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		registry:    registry,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("runs.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动运行处理循环，ctx 结束时返回。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	p.logger.Info("运行处理器已启动", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.registry == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	run, err := p.registry.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunEvicted) ||
			stdErrors.Is(err, ErrRunCompleted) || stdErrors.Is(err, ErrRunExhausted) {
			p.logger.Debug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Run{ID: runID}, CodeRunExecution, err, "claim")
		return err
	}

	started := time.Now()
	result, execErr := p.executor.Execute(ctx, run.Goal, workflow.WithRunID(run.ID))
	if execErr != nil {
		return p.handleExecutionFailure(ctx, run, result, execErr)
	}

	if err := p.registry.MarkSucceeded(ctx, run.ID, result); err != nil {
		p.logger.Error("标记运行成功状态失败", slog.Any("error", err), slog.String("run_id", run.ID))
		return err
	}
	attrs := []any{
		slog.String("run_id", run.ID),
		slog.String("goal", run.Goal),
		slog.Int("attempt", run.Attempts),
		slog.Duration("elapsed", time.Since(started)),
	}
	if result != nil {
		attrs = append(attrs, slog.Int("iterations", result.Iterations), slog.Bool("cap_reached", result.CapReached))
	}
	logger.Audit().Info("运行执行成功", attrs...)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, run *Run, partial *workflow.Result, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeRunExecution
	}

	if ctx.Err() != nil {
		// 处理器正在停止：运行回到 pending，由下一次启动重新投递。
		if err := p.registry.MarkFailed(context.WithoutCancel(ctx), run.ID, code, execErr.Error(), partial, false); err != nil {
			p.logger.Error("回写中断状态失败", slog.Any("error", err), slog.String("run_id", run.ID))
		}
		p.logger.Warn("运行被中断", slog.String("run_id", run.ID), slog.Any("error", execErr))
		return nil
	}

	retryable := xerrors.RetryableError(execErr)
	terminal := !retryable || run.Attempts >= run.MaxRetries

	if err := p.registry.MarkFailed(ctx, run.ID, code, execErr.Error(), partial, terminal); err != nil {
		p.logger.Error("标记运行失败状态出错", slog.Any("error", err), slog.String("run_id", run.ID))
		return err
	}
	logger.Audit().Warn("运行执行失败",
		slog.String("run_id", run.ID),
		slog.String("goal", run.Goal),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", run.Attempts),
		slog.Int("max_retries", run.MaxRetries),
	)

	stage := "retry"
	switch {
	case !retryable:
		stage = "non_retryable"
	case terminal:
		stage = "terminal"
	}
	if terminal || xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, run, code, execErr, stage)
	}

	if !terminal {
		if pubErr := p.producer.Publish(ctx, run.ID); pubErr != nil {
			wrapped := xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 重投失败", run.ID))
			_ = p.registry.MarkFailed(ctx, run.ID, CodeRunPublish, wrapped.Error(), nil, true)
			p.emitAlert(ctx, run, CodeRunPublish, wrapped, "republish")
			return wrapped
		}
		p.logger.Debug("运行已重新排队", slog.String("run_id", run.ID), slog.Int("attempts", run.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, run *Run, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || run == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause_code"] = string(xerrors.CodeOf(cause))
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RunID:      run.ID,
		Attempts:   run.Attempts,
		MaxRetries: run.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", run.ID),
			slog.String("stage", stage),
		)
	}
}
