package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/auth"
	"github.com/aviary-run/aviary/internal/controller"
	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/repositories"
	"github.com/aviary-run/aviary/internal/ws"
)

// RouterConfig holds the dependencies needed to build the HTTP router. It
// is populated in main.go after all components are initialized.
type RouterConfig struct {
	AuthService *auth.Service
	JWTManager  *auth.JWTManager
	Controller  *controller.Controller
	Hub         *ws.Hub
	Logger      *zap.Logger

	Users     repositories.UserRepository
	Templates repositories.TemplateRepository
	Agents    repositories.AgentRepository

	// CORSOrigin is the allowed browser origin; "*" permits any.
	CORSOrigin string
}

// NewRouter builds the fully configured Chi router. All resources live
// under /api; /metrics and /api/health are public.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: cfg.CORSOrigin != "*",
		MaxAge:           300,
	}))

	authHandler := NewAuthHandler(cfg.AuthService, cfg.Users, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Controller, cfg.Logger)
	templateHandler := NewTemplateHandler(cfg.Templates, cfg.Agents, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)

	// Prometheus scrape endpoint, public like the health probe.
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		// Control-plane liveness, used by deployment probes.
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			Ok(w, map[string]string{"status": "ok"})
		})

		// --- Public routes ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/register", authHandler.Register)
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
		})

		// --- Authenticated routes ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWTManager))

			r.Get("/auth/profile", authHandler.Profile)
			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/ws", wsHandler.Stream)

			r.Route("/agents", func(r chi.Router) {
				// Readable by any authenticated role; ownership is
				// enforced per-row in the controller.
				r.Get("/", agentHandler.List)
				r.Get("/stats", agentHandler.Stats)
				r.Post("/validate-config", agentHandler.ValidateConfig)
				r.Get("/{id}", agentHandler.Get)
				r.Get("/{id}/process", agentHandler.Process)
				r.Get("/{id}/health", agentHandler.Health)

				// Mutations need operator or above.
				r.Group(func(r chi.Router) {
					r.Use(RequireRole(db.RoleOperator))

					r.Post("/", agentHandler.Create)
					r.Put("/{id}", agentHandler.Update)
					r.Delete("/{id}", agentHandler.Delete)
					r.Post("/{id}/start", agentHandler.Start)
					r.Post("/{id}/stop", agentHandler.Stop)
					r.Post("/{id}/restart", agentHandler.Restart)
					r.Get("/processes", agentHandler.Processes)
				})
			})

			r.Route("/templates", func(r chi.Router) {
				r.Get("/", templateHandler.List)
				r.Get("/{id}", templateHandler.Get)

				r.Group(func(r chi.Router) {
					r.Use(RequireRole(db.RoleOperator))

					r.Post("/", templateHandler.Create)
					r.Put("/{id}", templateHandler.Update)
					r.Delete("/{id}", templateHandler.Delete)
				})
			})
		})
	})

	return r
}
