package main

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/blueberrycongee/clinigate/internal/config"
)

const governancePathPrefix = "/v1/governance/"

func corsMiddleware(cfg config.CORSConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}

	allowMethods := strings.Join(cfg.AllowMethods, ", ")
	allowHeaders := strings.Join(cfg.AllowHeaders, ", ")
	exposeHeaders := strings.Join(cfg.ExposeHeaders, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed := cfg.AllowedOrigins
		if strings.HasPrefix(r.URL.Path, governancePathPrefix) && len(cfg.GovernanceOrigins) > 0 {
			allowed = cfg.GovernanceOrigins
		}

		wildcard, ok := matchOrigin(origin, allowed, cfg.DeniedOrigins)
		if !ok {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		allowOrigin := origin
		if wildcard && !cfg.AllowCredentials {
			allowOrigin = "*"
		} else {
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		if cfg.AllowCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if allowMethods != "" {
			w.Header().Set("Access-Control-Allow-Methods", allowMethods)
		}
		if allowHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
		}
		if exposeHeaders != "" {
			w.Header().Set("Access-Control-Expose-Headers", exposeHeaders)
		}
		if cfg.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", strconv.FormatInt(int64(cfg.MaxAge.Seconds()), 10))
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// matchOrigin reports whether origin may call the API and whether it matched through "*".
// The deny list wins over every allow entry.
func matchOrigin(origin string, allowed, denied []string) (wildcard, ok bool) {
	if slices.Contains(denied, "*") || slices.Contains(denied, origin) {
		return false, false
	}
	if slices.Contains(allowed, origin) {
		return false, true
	}
	if slices.Contains(allowed, "*") {
		return true, true
	}
	return false, false
}
