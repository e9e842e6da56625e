// Package httpapi is the minimal HTTP surface for OctoLab: a chi.Router
// mounting /labs and its subpaths. No business logic lives here — every
// handler resolves an owner id from the request context and delegates to
// *orchestrator.Orchestrator, keeping handlers as thin wrappers the same
// way a manager-backed HTTP API keeps its route handlers thin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/metrics"
	"github.com/octolab-io/octolab/internal/orchestrator"
	"github.com/octolab-io/octolab/internal/types"
)

// RecipeResolver turns a client-submitted recipe id into the *types.Recipe
// the orchestrator needs. The recipe catalog itself is an external
// collaborator this repository never owns; this is the one seam a real
// deployment wires to that catalog's lookup call.
type RecipeResolver interface {
	Resolve(ctx context.Context, recipeID string) (*types.Recipe, error)
}

// AdminChecker reports whether the request carries admin privileges, for
// the evidence preview endpoint. Auth itself is out of scope; a real
// deployment's upstream proxy injects the context value this reads.
type AdminChecker func(r *http.Request) bool

// Handler holds everything the HTTP layer needs to build handlers: the
// orchestrator, the HMAC secret for verified-bundle checks, the recipe
// resolver seam, and the admin check.
type Handler struct {
	orch    *orchestrator.Orchestrator
	cfg     *config.Settings
	recipes RecipeResolver
	isAdmin AdminChecker
	logger  zerolog.Logger
}

// New builds a Handler. isAdmin may be nil, in which case the admin
// preview endpoint always rejects — a deliberately closed default.
func New(orch *orchestrator.Orchestrator, cfg *config.Settings, recipes RecipeResolver, isAdmin AdminChecker, logger zerolog.Logger) *Handler {
	if isAdmin == nil {
		isAdmin = func(*http.Request) bool { return false }
	}
	return &Handler{
		orch:    orch,
		cfg:     cfg,
		recipes: recipes,
		isAdmin: isAdmin,
		logger:  logger.With().Str("component", "httpapi").Logger(),
	}
}

// NewRouter builds the full chi.Router: CORS, request logging, /labs and
// its subpaths, and /metrics.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(requestLogger(h.logger))

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/labs", func(r chi.Router) {
		r.Post("/", h.createLab)
		r.Get("/", h.listLabs)
		r.Post("/deploy-from-dockerfile", h.deployFromDockerfile)

		r.Route("/{labID}", func(r chi.Router) {
			r.Get("/", h.getLab)
			r.Delete("/", h.endLab)
			r.Post("/end", h.endLab)
			r.Post("/connect", h.connectJSON)
			r.Get("/connect", h.connectRedirect)
			r.Get("/evidence/bundle.zip", h.evidenceBundle)
			r.Get("/evidence/verified-bundle.zip", h.evidenceVerifiedBundle)
			r.Get("/evidence/status", h.evidenceStatus)
			r.Get("/evidence/preview", h.evidencePreview)
		})
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		})
	}
}
