package runs

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/pkg/logger"
)

// SubmitRequest 描述一次运行提交。
type SubmitRequest struct {
	// ID 可选，重复提交同一 ID 返回已有运行。
	ID string `json:"id,omitempty"`
	// SessionKey 可选，用于按会话查询最近一次运行。
	SessionKey string `json:"session_key,omitempty"`
	Goal       string `json:"goal"`
}

// Service 负责运行的创建与查询。
type Service struct {
	registry   *Registry
	producer   Producer
	maxRetries int
}

// NewService 构造运行服务。
func NewService(registry *Registry, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{registry: registry, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的运行并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, xerrors.New(CodeRunValidation, "运行目标不能为空")
	}
	if s.registry == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}

	runID := strings.TrimSpace(req.ID)
	if runID != "" {
		run, err := s.registry.Get(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !stdErrors.Is(err, ErrRunNotFound) && !stdErrors.Is(err, ErrRunEvicted) {
			return nil, err
		}
	} else {
		runID = uuid.NewString()
	}

	run := &Run{
		ID:         runID,
		SessionKey: strings.TrimSpace(req.SessionKey),
		Goal:       goal,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.registry.Create(ctx, run); err != nil {
		// 并发提交同一 ID 时返回哨兵本身；注册表已满的冲突不走这里。
		if err == ErrRunConflict {
			if existing, getErr := s.registry.Get(ctx, runID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("run_id", runID))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "发布运行到队列失败")
		_ = s.registry.MarkFailed(ctx, runID, CodeRunPublish, wrapped.Error(), nil, true)
		return nil, wrapped
	}
	logger.Audit().Info("运行已提交",
		slog.String("run_id", runID),
		slog.String("session_key", run.SessionKey),
		slog.String("goal", run.Goal),
		slog.Int("max_retries", run.MaxRetries),
	)
	return s.registry.Get(ctx, runID)
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行注册表未初始化")
	}
	return s.registry.Get(ctx, id)
}

// Lookup 返回会话键下最近一次运行。
func (s *Service) Lookup(ctx context.Context, sessionKey string) (*Run, error) {
	if s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行注册表未初始化")
	}
	return s.registry.Lookup(ctx, sessionKey)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行注册表未初始化")
	}
	return s.registry.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.registry == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行注册表未初始化")
	}
	return s.registry.Stats(ctx, BuildListOptions(opts...))
}

// Evict 移除一个已结束的运行。
func (s *Service) Evict(ctx context.Context, id string) error {
	if s.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "运行注册表未初始化")
	}
	return s.registry.Evict(ctx, id)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询直到运行进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待运行结束超时")
		case <-ticker.C:
		}
	}
}
