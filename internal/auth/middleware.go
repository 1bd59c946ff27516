package auth

import (
	"net/http"
	"time"
)

// ErrorWriter 负责把认证失败写回客户端。
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware 识别调用方身份并写入请求上下文，失败时交给 onError。
func (s *Service) Middleware(onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := s.Identify(r)
			if err != nil {
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"error", err.Error(),
				)
				onError(w, r, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithIdentity(r.Context(), identity)))
			s.audit.Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"identity", identity,
			)
		})
	}
}

// RequireAdmin 拒绝未携带管理员密钥的请求。
func (s *Service) RequireAdmin(onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.IsAdmin(r) {
				s.audit.Warn("permission_denied",
					"path", r.URL.Path,
					"method", r.Method,
				)
				onError(w, r, ErrAdminRequired)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
