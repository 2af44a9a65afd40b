package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"wearable-sync/internal/metrics"
	"wearable-sync/internal/middleware"
)

// HealthChecker reports whether the store is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the services the HTTP API is built on
type Deps struct {
	APIKey      string
	OAuth       OAuthFlow
	Syncer      Syncer
	Snapshots   SnapshotStore
	Credentials CredentialCache
	Uploads     Uploader
	Samples     SampleRecorder
	Revalidator LifecycleNotifier
	Scheduler   SyncRequester
	Upstream    UpstreamNotifier
	Health      HealthChecker
	// Recoverer, when set, wraps every route; used for panic reporting
	Recoverer func(http.Handler) http.Handler
}

// NewRouter builds the HTTP API. Everything except the browser-facing
// OAuth redirect pair and the health check needs the internal API key.
func NewRouter(d Deps) http.Handler {
	oauthHandler := NewOAuthHandler(d.OAuth, d.Scheduler)
	syncHandler := NewSyncHandler(d.Syncer, d.Snapshots, d.OAuth, d.Credentials, d.Revalidator, d.Scheduler)
	ingestHandler := NewIngestHandler(d.Uploads, d.Samples, d.Scheduler)
	webhookHandler := NewWebhookHandler(d.Upstream)

	r := chi.NewRouter()
	if d.Recoverer != nil {
		r.Use(d.Recoverer)
	}

	// OAuth endpoints
	r.Method(http.MethodGet, "/oauth-start", middleware.WrapHandler(metrics.EndpointOAuthStart, oauthHandler.HandleAuthStart))
	r.Method(http.MethodGet, "/oauth-callback", middleware.WrapHandler(metrics.EndpointOAuthCallback, oauthHandler.HandleCallback))

	r.Method(http.MethodGet, "/health", middleware.WrapHandler(metrics.EndpointHealth, healthHandler(d.Health)))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(d.APIKey))

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Method(http.MethodPost, "/sync", middleware.WrapHandler(metrics.EndpointSync, syncHandler.HandleSync))
			r.Method(http.MethodGet, "/sync-state", middleware.WrapHandler(metrics.EndpointSyncState, syncHandler.HandleSyncState))
			r.Method(http.MethodGet, "/snapshots/{date}", middleware.WrapHandler(metrics.EndpointSnapshot, syncHandler.HandleSnapshot))
			r.Method(http.MethodPost, "/events/{event}", middleware.WrapHandler(metrics.EndpointLifecycleEvent, syncHandler.HandleLifecycleEvent))
			r.Method(http.MethodDelete, "/connections/{provider}", middleware.WrapHandler(metrics.EndpointDisconnect, syncHandler.HandleDisconnect))
			r.Method(http.MethodPost, "/uploads", middleware.WrapHandler(metrics.EndpointUpload, ingestHandler.HandleUpload))
			r.Method(http.MethodPost, "/device-samples", middleware.WrapHandler(metrics.EndpointDeviceSample, ingestHandler.HandleDeviceSample))
		})

		r.Method(http.MethodPost, "/notifications/upstream-change",
			middleware.WrapHandler(metrics.EndpointUpstreamChange, webhookHandler.HandleUpstreamChange))
	})

	return r
}

func healthHandler(h HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.Health(ctx); err != nil {
				slog.Error("Health check failed", "error", err)
				http.Error(w, "Database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
