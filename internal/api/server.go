package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"AgentPay/internal/auth"
	"AgentPay/internal/market"
	"AgentPay/internal/observability/metrics"
)

// HealthCheck 报告某个依赖是否可用。
type HealthCheck func(ctx context.Context) error

// Server 负责暴露 REST 接口。
type Server struct {
	addr         string
	market       *market.Market
	auth         *auth.Service
	readTimeout  time.Duration
	writeTimeout time.Duration
	checks       map[string]HealthCheck
}

// Option 用于定制 Server。
type Option func(*Server)

// WithTimeouts 设置读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// WithHealthCheck 为 /healthz 增加一项依赖检查。
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, m *market.Market, authSvc *auth.Service, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		market:       m,
		auth:         authSvc,
		readTimeout:  15 * time.Second,
		writeTimeout: 60 * time.Second,
		checks:       make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/services", s.handleDiscover)
		r.Get("/services/{id}", s.handleGetService)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireAdmin(writeError))
			r.Post("/services", s.handleRegisterService)
			r.Delete("/services/{id}", s.handleDeregisterService)
			r.Put("/services/{id}/health", s.handleSetHealth)
			r.Put("/spending/limits", s.handleSetLimits)
			r.Post("/transactions/{id}/refund", s.handleRefund)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(writeError))
			r.Post("/fulfillments", s.handlePrepare)
			r.Get("/fulfillments/{id}", s.handleGetSession)
			r.Post("/fulfillments/{id}/complete", s.handleComplete)
			r.Get("/transactions", s.handleListTransactions)
			r.Get("/transactions/{id}", s.handleGetTransaction)
			r.Post("/transactions/{id}/rating", s.handleRate)
			r.Get("/spending", s.handleSpendingStatus)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	failures := make(map[string]string)
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
		cancel()
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 按路由模板记录请求指标。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}
