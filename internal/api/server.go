package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"DefiFlow/internal/engine"
	"DefiFlow/internal/events"
	"DefiFlow/internal/graph"
	"DefiFlow/internal/intent"
	"DefiFlow/internal/observability/metrics"
	"DefiFlow/internal/runlog"
	"DefiFlow/internal/web3"
	"DefiFlow/pkg/logger"
)

// RunController 为运行状态机对外暴露的操作。
type RunController interface {
	ConnectWallet(ctx context.Context) (common.Address, error)
	Snapshot() engine.Snapshot
	Start(ctx context.Context) (engine.Snapshot, error)
	Stop(ctx context.Context) (engine.Snapshot, error)
	Dismiss(ctx context.Context) (engine.Snapshot, error)
}

// IntentCompiler 将自然语言编译为图。
type IntentCompiler interface {
	Compile(ctx context.Context, text string, priceHint float64) (*intent.Result, error)
}

// EventSource 为事件流的订阅端。
type EventSource interface {
	SubscribeWithReplay(buffer, replay int) ([]events.Event, <-chan events.Event, func())
}

// ChainStatus 返回已配置链的状态。
type ChainStatus interface {
	Snapshots(ctx context.Context) []web3.ChainSnapshot
}

// Deps 汇总 API 依赖的组件，未配置的组件对应接口返回 503。
type Deps struct {
	Model  *graph.Model
	Runs   RunController
	Intent IntentCompiler
	Store  runlog.Store
	Events EventSource
	Chains ChainStatus
}

// Option 调整 Server。
type Option func(*Server)

// WithAPIToken 启用 Bearer 令牌校验。
func WithAPIToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithIntentRate 限制意图编译的调用频率。perMinute 不大于 0 时不限制。
func WithIntentRate(perMinute float64, burst int) Option {
	return func(s *Server) {
		if perMinute <= 0 {
			s.intentLimit = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.intentLimit = rate.NewLimiter(rate.Limit(perMinute/60), burst)
	}
}

// WithMetrics 在 API 端口上同时暴露 /metrics。
func WithMetrics(path string) Option {
	return func(s *Server) { s.metricsPath = path }
}

// Server 负责暴露 REST 接口，供编辑器与控制台驱动引擎。
type Server struct {
	addr        string
	deps        Deps
	token       string
	intentLimit *rate.Limiter
	metricsPath string
	handler     http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps, opts ...Option) *Server {
	s := &Server{addr: addr, deps: deps}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由处理器。
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Named("api").Info("API 服务已启动", "address", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /healthz", s.handleHealth)

	s.handle(mux, "GET /api/v1/graph", s.handleGetGraph)
	s.handle(mux, "PUT /api/v1/graph", s.handleReplaceGraph)
	s.handle(mux, "DELETE /api/v1/graph", s.handleResetGraph)
	s.handle(mux, "POST /api/v1/graph/validate", s.handleValidateGraph)
	s.handle(mux, "POST /api/v1/graph/changes", s.handleGraphChanges)
	s.handle(mux, "POST /api/v1/graph/nodes", s.handleAddNode)
	s.handle(mux, "DELETE /api/v1/graph/nodes/{id}", s.handleRemoveNode)
	s.handle(mux, "PATCH /api/v1/graph/nodes/{id}/config", s.handlePatchConfig)
	s.handle(mux, "POST /api/v1/graph/edges", s.handleConnect)
	s.handle(mux, "DELETE /api/v1/graph/edges/{id}", s.handleRemoveEdge)

	s.handle(mux, "POST /api/v1/intent", s.handleIntent)

	s.handle(mux, "POST /api/v1/wallet/connect", s.handleConnectWallet)
	s.handle(mux, "GET /api/v1/run", s.handleRunStatus)
	s.handle(mux, "POST /api/v1/run/start", s.handleRunStart)
	s.handle(mux, "POST /api/v1/run/stop", s.handleRunStop)
	s.handle(mux, "POST /api/v1/run/dismiss", s.handleRunDismiss)
	s.handle(mux, "GET /api/v1/price", s.handlePrice)

	s.handle(mux, "GET /api/v1/runs", s.handleListRuns)
	s.handle(mux, "GET /api/v1/runs/{id}", s.handleGetRun)
	mux.Handle("GET /api/v1/events", s.authorize(http.HandlerFunc(s.handleEvents)))
	s.handle(mux, "GET /api/v1/chains", s.handleChains)

	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, metrics.Handler())
	}
	return mux
}

// handle 为路由附加令牌校验与请求指标。
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if pattern != "GET /healthz" {
		h = s.authorize(h)
	}
	mux.Handle(pattern, instrument(pattern, h))
}

func instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
	})
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
