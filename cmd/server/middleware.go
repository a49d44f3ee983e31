package main

import (
	"net/http"

	"github.com/blueberrycongee/clinigate/internal/config"
)

// buildMiddlewareStack wraps the API mux, which already carries request IDs and
// per-route metrics, with the transport-level middleware.
func buildMiddlewareStack(cfg *config.Config) (func(http.Handler) http.Handler, error) {
	if cfg == nil {
		return nil, errNilConfig
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			return nil
		}
		return corsMiddleware(cfg.CORS, next)
	}, nil
}
