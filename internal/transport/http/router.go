// Package httptransport assembles the public router. Domain handlers own
// their routes; this package only applies the shared middleware chain and
// the operational endpoints.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"

	"delegation-broker/internal/platform/metrics"
	"delegation-broker/internal/policy"
	"delegation-broker/pkg/platform/httputil"
	"delegation-broker/pkg/platform/middleware/admin"
	"delegation-broker/pkg/platform/middleware/metadata"
	"delegation-broker/pkg/platform/middleware/request"
	"delegation-broker/pkg/platform/middleware/requesttime"
	"delegation-broker/pkg/requestcontext"
)

// Registrar mounts a handler's routes.
type Registrar interface {
	Register(r chi.Router)
}

// AdminRegistrar mounts operator routes on a router guarded by the admin
// token.
type AdminRegistrar interface {
	RegisterAdmin(r chi.Router)
}

// Snapshots reports the policy in force for /healthz.
type Snapshots interface {
	Current() *policy.Snapshot
}

// Deps are the router's collaborators. AdminTokenHash, when set, replaces
// AdminToken with a bcrypt check. A nil Clock means time.Now.
type Deps struct {
	Logger         *slog.Logger
	Registry       *prometheus.Registry
	Snapshots      Snapshots
	JWKS           jose.JSONWebKeySet
	AdminToken     string
	AdminTokenHash string
	Handlers       []Registrar
	Admin          []AdminRegistrar
	Clock          func() time.Time
}

type healthResponse struct {
	Status        string `json:"status"`
	PolicyVersion string `json:"policy_version"`
}

// NewRouter builds the HTTP handler for the broker.
func NewRouter(d Deps) http.Handler {
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	httpMetrics := metrics.NewHTTP(d.Registry)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.WithClock(clock))
	r.Use(httpMetrics.Middleware)
	r.Use(accessLog(d.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, healthResponse{
			Status:        "ok",
			PolicyVersion: d.Snapshots.Current().Version(),
		})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(d.Registry))
	r.Get("/.well-known/jwks.json", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, d.JWKS)
	})

	for _, h := range d.Handlers {
		h.Register(r)
	}
	if len(d.Admin) > 0 {
		r.Group(func(r chi.Router) {
			if d.AdminTokenHash != "" {
				r.Use(admin.RequireAdminTokenHash(d.AdminTokenHash, d.Logger))
			} else {
				r.Use(admin.RequireAdminToken(d.AdminToken, d.Logger))
			}
			for _, h := range d.Admin {
				h.RegisterAdmin(r)
			}
		})
	}
	return r
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			ctx := r.Context()
			logger.DebugContext(ctx, "http request",
				"request_id", requestcontext.RequestID(ctx),
				"client_ip", requestcontext.ClientIP(ctx),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
