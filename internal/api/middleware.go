package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	xerrors "DefiFlow/internal/errors"
	"DefiFlow/pkg/logger"
)

// authorize 校验 Authorization: Bearer <token>，未配置令牌时直接放行。
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !validToken(r.Header.Get("Authorization"), s.token) {
			writeError(w, xerrors.New(xerrors.CodeUnauthorized, ""))
			logger.Audit().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", http.StatusUnauthorized,
			)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Audit().Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func validToken(header, want string) bool {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	got := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// statusWriter 捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush 透传给底层 writer，事件流依赖它。
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
