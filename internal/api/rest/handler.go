package rest

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/prsentry/prsentry-backend/internal/api/middleware"
	"github.com/prsentry/prsentry-backend/internal/config"
	"github.com/prsentry/prsentry-backend/internal/models"
	"github.com/prsentry/prsentry-backend/internal/queue"
	"github.com/prsentry/prsentry-backend/internal/repository"
)

// Store is the slice of the repository the API reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpsertUserByPlatformID(ctx context.Context, u *models.User) (*models.User, error)
	GetInstallation(ctx context.Context, installationID int64) (*models.Installation, error)
	GetPR(ctx context.Context, id string) (*models.PullRequest, error)
	FindPRsByUser(ctx context.Context, user *models.User, f repository.PRFilter, page repository.Page) ([]*models.PullRequest, int, error)
	CountPRsByInstallationAndRepo(ctx context.Context, installationID int64, repoID string) (int, error)
}

// Enqueuer pushes pipeline jobs (regenerate requests).
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload interface{}) (*queue.Job, error)
}

// UserSyncer opportunistically reconciles org installation links on login.
type UserSyncer interface {
	SyncUser(ctx context.Context, user *models.User) int
}

// Handler serves the authenticated query surface.
type Handler struct {
	store  Store
	jobs   Enqueuer
	syncer UserSyncer
	cfg    *config.Config
	oauth  *oauth2.Config
	log    *slog.Logger
}

func NewHandler(store Store, jobs Enqueuer, syncer UserSyncer, cfg *config.Config, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		store:  store,
		jobs:   jobs,
		syncer: syncer,
		cfg:    cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.PlatformOAuthClientID,
			ClientSecret: cfg.PlatformOAuthClientSecret,
			Endpoint:     endpoints.GitHub,
			RedirectURL:  cfg.AppBaseURL + "/api/v1/auth/callback",
			Scopes:       []string{"read:user", "user:email"},
		},
		log: log,
	}
}

// NewRouter assembles the full HTTP surface: webhook receiver, health,
// metrics, and the authenticated API, wrapped in the shared middleware and
// CORS for the dashboard origin.
func NewRouter(h *Handler, webhooks http.Handler) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredLog)
	r.Use(middleware.Auth(h.cfg.JWTSecret))

	r.Handle("/webhooks/platform", webhooks).Methods(http.MethodPost)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/login", h.Login).Methods(http.MethodGet)
	api.HandleFunc("/auth/callback", h.Callback).Methods(http.MethodGet)
	api.HandleFunc("/me", h.Me).Methods(http.MethodGet)
	api.HandleFunc("/prs", h.ListPRs).Methods(http.MethodGet)
	api.HandleFunc("/prs/{id}", h.GetPR).Methods(http.MethodGet)
	api.HandleFunc("/prs/{id}/regenerate", h.RegeneratePR).Methods(http.MethodPost)
	api.HandleFunc("/repositories", h.ListRepositories).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{h.cfg.FrontendBaseURL},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}
