package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/observability/metrics"
	"ZeeWorkflow/internal/runs"
	"ZeeWorkflow/pkg/logger"
)

const maxRequestBody = 1 << 20

// Server 负责暴露 REST 接口，供外部提交和查询工作流运行。
type Server struct {
	addr            string
	service         *runs.Service
	metrics         *metrics.Collector
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithMetrics 为每个路由记录请求指标，并挂载 /metrics。
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = collector
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *runs.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		service:         service,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/runs", "submit_run", s.handleSubmitRun)
	s.route(mux, "GET /api/v1/runs", "list_runs", s.handleListRuns)
	s.route(mux, "GET /api/v1/runs/stats", "run_stats", s.handleRunStats)
	s.route(mux, "GET /api/v1/runs/{id}", "get_run", s.handleGetRun)
	s.route(mux, "DELETE /api/v1/runs/{id}", "evict_run", s.handleEvictRun)
	s.route(mux, "GET /api/v1/sessions/{key}/run", "session_run", s.handleSessionRun)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, handler http.HandlerFunc) {
	if s.metrics != nil {
		mux.Handle(pattern, s.metrics.Middleware(name, handler))
		return
	}
	mux.Handle(pattern, handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req runs.SubmitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	run, err := s.service.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSessionRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.Lookup(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleEvictRun(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Evict(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.service.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*runs.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.service.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseListOptions 把查询参数转换为列表过滤条件。
func parseListOptions(r *http.Request) ([]runs.ListOption, error) {
	query := r.URL.Query()
	var opts []runs.ListOption

	if raw := query.Get("status"); raw != "" {
		var statuses []runs.Status
		for _, part := range strings.Split(raw, ",") {
			status := runs.Status(strings.ToLower(strings.TrimSpace(part)))
			if !runs.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的运行状态: %s", part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, runs.WithStatuses(statuses...))
	}
	for _, key := range []string{"limit", "offset"} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 必须是非负整数", key))
		}
		if key == "limit" {
			opts = append(opts, runs.WithLimit(value))
		} else {
			opts = append(opts, runs.WithOffset(value))
		}
	}
	if key := query.Get("session_key"); key != "" {
		opts = append(opts, runs.WithSessionKey(key))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, runs.WithQuery(q))
	}
	if raw := query.Get("has_result"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 has_result 必须是布尔值")
		}
		opts = append(opts, runs.WithResultPresence(value))
	}
	if raw := query.Get("updated_since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 updated_since 必须是 RFC3339 时间")
		}
		opts = append(opts, runs.WithUpdatedSince(ts))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, runs.WithSortOrder(runs.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 order 只能是 asc 或 desc")
	}
	return opts, nil
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if typed, ok := xerrors.From(err); ok {
		body.Metadata = typed.Metadata()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.String("code", body.Code), slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case runs.CodeRunValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case runs.CodeRunNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case runs.CodeRunEvicted:
		return http.StatusGone
	case runs.CodeRunConflict, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case runs.CodeRunPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
