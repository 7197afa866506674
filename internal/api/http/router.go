package http

import (
	"net/http"

	"github.com/featurepack/featurepack/internal/server"
)

// RouterConfig selects the middleware wrapped around the endpoints.
type RouterConfig struct {
	// Shutdown tracks in-flight requests; nil disables tracking.
	Shutdown *server.ShutdownManager

	Gzip bool

	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

// NewRouter returns the complete HTTP handler for h.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()
	h.Routes(mux)

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(h.logger),
		RequestIDMiddleware,
	}
	if cfg.Shutdown != nil {
		middlewares = append(middlewares, server.ShutdownMiddleware(cfg.Shutdown))
	}
	if cfg.RateLimit > 0 {
		middlewares = append(middlewares, NewRateLimiter(cfg.RateLimit, cfg.RateBurst).Middleware)
	}
	if cfg.Gzip {
		middlewares = append(middlewares, GzipMiddleware)
	}
	return ChainMiddleware(middlewares...)(mux)
}
