package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	oauthapi "github.com/providentiaww/trilix-authserver/cmd/authserver/oauth"
	"github.com/providentiaww/trilix-authserver/internal/logger"
	"github.com/providentiaww/trilix-authserver/internal/metrics"
	"github.com/providentiaww/trilix-authserver/internal/ratelimit"
)

const healthTimeout = 2 * time.Second

// pinger is the slice of the store the health check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

type routerDeps struct {
	server      *oauthapi.Server
	store       pinger
	metrics     *metrics.Metrics
	limiter     *ratelimit.Limiter
	corsOrigins []string
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverer)
	r.Use(cors(d.corsOrigins))
	r.Use(d.metrics.WithMetrics)

	r.NotFound(oauthapi.NotFoundHandler)
	r.MethodNotAllowed(oauthapi.MethodNotAllowedHandler)

	r.Get("/health", healthHandler(d.store))
	if d.metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.metrics.Handler())
	}

	r.Mount("/oauth", d.server.Routes(registerLimit(d.limiter, d.metrics)))
	r.With(d.server.RequireAccessToken).Get("/api/user/me", d.server.HandleUserInfo)
	return r
}

func registerLimit(l *ratelimit.Limiter, m *metrics.Metrics) func(http.Handler) http.Handler {
	if l == nil {
		return nil
	}
	return l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.RateLimited(r.URL.Path)
		logger.From(r.Context()).Warn("rate limit exceeded", logger.ClientIP(ratelimit.ClientIP(r)))
		oauthapi.RateLimitedHandler(w, r)
	}))
}

func healthHandler(store pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				logger.From(ctx).Error("storage ping failed", logger.Err(err))
				status, code = "unavailable", http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// requestLogger stores a request-scoped logger in the context and logs one
// line per request once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := logger.L().With(
			logger.RequestID(middleware.GetReqID(r.Context())),
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(logger.ToContext(r.Context(), log)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		log.Info("request completed",
			logger.Status(status),
			logger.Duration(time.Since(start)),
			logger.ClientIP(ratelimit.ClientIP(r)),
		)
	})
}

// recoverer turns a handler panic into a server_error response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.From(r.Context()).Error("panic recovered", zap.Any("panic", rec), zap.Stack("stack"))
			oauthapi.WriteError(w, r, oauthapi.ErrServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// cors allows the configured origins. "*" allows any origin. Preflight
// requests are answered directly with 204.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			switch {
			case allowAll:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "":
				h.Add("Vary", "Origin")
				if _, ok := allowed[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
