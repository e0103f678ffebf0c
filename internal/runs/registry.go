package runs

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/workflow"
	"ZeeWorkflow/pkg/logger"
)

const maxTombstones = 1024

// RegistryConfig 控制注册表的淘汰策略，零值表示不限制。
type RegistryConfig struct {
	// TTL 是终态运行在最后一次访问后的保留时长。
	TTL time.Duration
	// MaxRuns 是注册表同时保存的运行数上限。
	MaxRuns int
}

// Registry 在内存中保存运行状态，是运行生命周期的唯一归属方。
//
// 创建、查询与淘汰都经过显式方法完成：终态运行闲置超过 TTL 后由 Sweep 清除；
// 超过 MaxRuns 时在 Create 中淘汰最久未访问的终态运行。运行中的运行永远不会被淘汰。
type Registry struct {
	mu         sync.RWMutex
	cfg        RegistryConfig
	runs       map[string]*Run
	sessions   map[string]string
	tombstones []string
	evicted    map[string]struct{}
	evictions  int
	now        func() time.Time
	logger     *slog.Logger
}

// RegistryOption 定义可选配置。
type RegistryOption func(*Registry)

// WithClock 替换注册表使用的时钟。
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRegistryLogger 指定日志输出。
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry 创建 Registry。
func NewRegistry(cfg RegistryConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg,
		runs:     make(map[string]*Run),
		sessions: make(map[string]string),
		evicted:  make(map[string]struct{}),
		now:      time.Now,
		logger:   logger.Named("runs.registry"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create 登记新的运行。ID 已存在返回 ErrRunConflict；注册表已满且没有可淘汰的终态运行时同样返回冲突。
func (r *Registry) Create(_ context.Context, run *Run) error {
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if strings.TrimSpace(run.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return ErrRunConflict
	}
	if r.cfg.MaxRuns > 0 && len(r.runs) >= r.cfg.MaxRuns {
		victim := r.oldestTerminalLocked()
		if victim == "" {
			return xerrors.New(CodeRunConflict, "运行注册表已满且没有可淘汰的已结束运行",
				xerrors.WithMetadata("max_runs", strconv.Itoa(r.cfg.MaxRuns)))
		}
		r.evictLocked(victim, "capacity")
	}

	now := r.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	run.LastAccessAt = now
	if run.Status == "" {
		run.Status = StatusPending
	}
	r.runs[run.ID] = cloneRun(run)
	if run.SessionKey != "" {
		r.sessions[run.SessionKey] = run.ID
	}
	delete(r.evicted, run.ID)
	return nil
}

// Get 返回运行副本，并刷新其最后访问时间。
func (r *Registry) Get(_ context.Context, id string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, r.missingLocked(id)
	}
	run.LastAccessAt = r.now()
	return cloneRun(run), nil
}

// Lookup 返回某个会话键下最近提交的运行。
func (r *Registry) Lookup(ctx context.Context, sessionKey string) (*Run, error) {
	r.mu.RLock()
	id, ok := r.sessions[strings.TrimSpace(sessionKey)]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return r.Get(ctx, id)
}

// Claim 将运行状态更新为运行中并计入一次尝试。
func (r *Registry) Claim(_ context.Context, id string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, r.missingLocked(id)
	}
	switch run.Status {
	case StatusSucceeded:
		return cloneRun(run), ErrRunCompleted
	case StatusRunning:
		return cloneRun(run), ErrRunConflict
	case StatusFailed:
		return cloneRun(run), ErrRunExhausted
	}
	if run.Attempts >= run.MaxRetries {
		return cloneRun(run), ErrRunExhausted
	}
	now := r.now()
	run.Status = StatusRunning
	run.Attempts++
	run.UpdatedAt = now
	run.LastAccessAt = now
	return cloneRun(run), nil
}

// MarkSucceeded 记录成功结果。
func (r *Registry) MarkSucceeded(_ context.Context, id string, result *workflow.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return r.missingLocked(id)
	}
	now := r.now()
	run.Status = StatusSucceeded
	run.Result = cloneResult(result)
	run.LastError = ""
	run.ErrorCode = ""
	run.UpdatedAt = now
	run.LastAccessAt = now
	return nil
}

// MarkFailed 记录一次失败。terminal 为 false 时运行回到 pending 等待重试；
// partial 非空时保存已产生的部分上下文。
func (r *Registry) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, partial *workflow.Result, terminal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return r.missingLocked(id)
	}
	now := r.now()
	run.Status = StatusPending
	if terminal {
		run.Status = StatusFailed
	}
	if partial != nil {
		run.Result = cloneResult(partial)
	}
	run.LastError = lastError
	run.ErrorCode = string(code)
	run.UpdatedAt = now
	run.LastAccessAt = now
	return nil
}

// List 返回符合过滤条件的运行。
func (r *Registry) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		if !opts.matches(run) {
			continue
		}
		results = append(results, cloneRun(run))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			if opts.Order == SortByUpdatedAsc {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if opts.Order == SortByUpdatedAsc {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if opts.Offset >= len(results) {
		return []*Run{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的运行数量与更新时间范围。
func (r *Registry) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{Evicted: r.evictions}
	for _, run := range r.runs {
		if !opts.matches(run) {
			continue
		}
		stats.Total++
		switch run.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if run.UpdatedAt.After(stats.NewestUpdatedAt) {
			stats.NewestUpdatedAt = run.UpdatedAt
		}
		if stats.OldestUpdatedAt.IsZero() || run.UpdatedAt.Before(stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = run.UpdatedAt
		}
	}
	return stats, nil
}

// Evict 立即移除一个已结束的运行，未结束的运行返回 ErrRunConflict。
func (r *Registry) Evict(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return r.missingLocked(id)
	}
	if !run.Status.Terminal() {
		return xerrors.Wrap(CodeRunConflict, ErrRunConflict,
			"只能淘汰已结束的运行", xerrors.WithMetadata("status", string(run.Status)))
	}
	r.evictLocked(id, "manual")
	return nil
}

// Sweep 清除闲置超过 TTL 的终态运行，返回清除数量。TTL 为零时不做任何事。
func (r *Registry) Sweep(now time.Time) int {
	if r.cfg.TTL <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, run := range r.runs {
		if !run.Status.Terminal() {
			continue
		}
		if now.Sub(run.LastAccessAt) > r.cfg.TTL {
			r.evictLocked(id, "ttl")
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("已清理过期运行", slog.Int("removed", removed), slog.Int("remaining", len(r.runs)))
	}
	return removed
}

// StartJanitor 在后台周期性调用 Sweep，ctx 结束时退出。
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.cfg.TTL <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(r.now())
			}
		}
	}()
}

// Len 返回当前保存的运行数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// Close 对内存注册表无需操作。
func (r *Registry) Close() error {
	return nil
}

func (r *Registry) oldestTerminalLocked() string {
	var (
		victim string
		oldest time.Time
	)
	for id, run := range r.runs {
		if !run.Status.Terminal() {
			continue
		}
		if victim == "" || run.LastAccessAt.Before(oldest) {
			victim = id
			oldest = run.LastAccessAt
		}
	}
	return victim
}

func (r *Registry) evictLocked(id, reason string) {
	run, ok := r.runs[id]
	if !ok {
		return
	}
	delete(r.runs, id)
	if run.SessionKey != "" && r.sessions[run.SessionKey] == id {
		delete(r.sessions, run.SessionKey)
	}
	r.evictions++
	r.evicted[id] = struct{}{}
	r.tombstones = append(r.tombstones, id)
	if len(r.tombstones) > maxTombstones {
		delete(r.evicted, r.tombstones[0])
		r.tombstones = r.tombstones[1:]
	}
	logger.Audit().Info("运行已淘汰",
		slog.String("run_id", id),
		slog.String("status", string(run.Status)),
		slog.String("reason", reason),
	)
}

func (r *Registry) missingLocked(id string) error {
	if _, ok := r.evicted[id]; ok {
		return ErrRunEvicted
	}
	return ErrRunNotFound
}

func cloneResult(result *workflow.Result) *workflow.Result {
	if result == nil {
		return nil
	}
	clone := *result
	clone.Context = append([]workflow.ContextItem(nil), result.Context...)
	return &clone
}
