package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ZeeWorkflow/internal/workflow"
)

// Collector 汇总 HTTP 与工作流调度相关的 Prometheus 指标。
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	actions      *prometheus.CounterVec
	contextItems *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	iterations   prometheus.Histogram
}

var _ workflow.Observer = (*Collector)(nil)

// NewCollector 创建独立的指标注册表，同时注册 Go 运行时与进程指标。
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zee_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zee_http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zee_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zee_actions_total",
			Help: "Actions popped from the action queue, by type.",
		}, []string{"type"}),
		contextItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zee_context_items_total",
			Help: "Entries appended to context logs, by kind.",
		}, []string{"kind"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zee_runs_finished_total",
			Help: "Workflow runs that reached the endgame.",
		}, []string{"cap_reached"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zee_run_iterations",
			Help:    "Dispatcher iterations consumed per run.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 50, 100},
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests,
		c.httpErrors,
		c.httpLatency,
		c.actions,
		c.contextItems,
		c.runsFinished,
		c.iterations,
	)
	return c
}

// Registry 返回底层注册表，供测试或额外指标使用。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Middleware 记录 next 的请求数、错误数与耗时，handler 作为标签值。
func (c *Collector) Middleware(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		c.ObserveHTTPRequest(handler, r.Method, recorder.status, time.Since(start))
	})
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// OnAction 实现 workflow.Observer。
func (c *Collector) OnAction(_ string, action workflow.Action) {
	c.actions.WithLabelValues(string(action.Type)).Inc()
}

// OnContextItem 实现 workflow.Observer。
func (c *Collector) OnContextItem(_ string, item workflow.ContextItem) {
	kind := "agent"
	switch item.Role {
	case workflow.RoleUser:
		kind = "user"
	case workflow.RoleError:
		kind = "error"
	}
	c.contextItems.WithLabelValues(kind).Inc()
}

// OnRunFinished 实现 workflow.Observer。
func (c *Collector) OnRunFinished(_ string, result workflow.Result) {
	c.runsFinished.WithLabelValues(strconv.FormatBool(result.CapReached)).Inc()
	c.iterations.Observe(float64(result.Iterations))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
