package handlers

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"wearable-sync/internal/provider"
)

// OAuthFlow is the authorization-code half of the OAuth manager
type OAuthFlow interface {
	Provider() string
	AuthURL(userID string) (string, string, error)
	HandleCallback(ctx context.Context, code, state string) (string, error)
	Disconnect(ctx context.Context, userID string) error
}

// OAuthHandler handles OAuth flow endpoints
type OAuthHandler struct {
	flow      OAuthFlow
	scheduler SyncRequester
	logger    *slog.Logger
}

// NewOAuthHandler creates a new OAuth handler. A newly connected user is
// handed to scheduler for an immediate first sync.
func NewOAuthHandler(flow OAuthFlow, scheduler SyncRequester) *OAuthHandler {
	return &OAuthHandler{
		flow:      flow,
		scheduler: scheduler,
		logger:    slog.Default().With("component", "oauth_handler"),
	}
}

// HandleAuthStart redirects the browser to the provider consent page.
// The user_id query parameter names the account being connected.
func (h *OAuthHandler) HandleAuthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing user_id parameter", http.StatusBadRequest)
		return
	}

	authURL, _, err := h.flow.AuthURL(userID)
	if err != nil {
		h.logger.Error("Failed to generate auth URL", "user_id", userID, "error", err)
		http.Error(w, "Failed to start OAuth flow", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Starting OAuth flow", "user_id", userID, "provider", h.flow.Provider())
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// HandleCallback processes the OAuth callback from the provider
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	errorParam := r.URL.Query().Get("error")

	if errorParam != "" {
		h.logger.Warn("OAuth authorization denied", "error", errorParam)
		http.Error(w, fmt.Sprintf("Authorization failed: %s", errorParam), http.StatusBadRequest)
		return
	}

	if code == "" || state == "" {
		h.logger.Warn("Missing OAuth parameters", "has_code", code != "", "has_state", state != "")
		http.Error(w, "Missing code or state parameter", http.StatusBadRequest)
		return
	}

	userID, err := h.flow.HandleCallback(r.Context(), code, state)
	if err != nil {
		h.logger.Error("Failed to handle OAuth callback", "error", err)

		errorMsg := "Failed to complete authorization"
		if err.Error() == "invalid or expired state" {
			errorMsg = "Invalid or expired authorization request. Please try again."
		}
		http.Error(w, errorMsg, http.StatusBadRequest)
		return
	}

	if h.scheduler != nil {
		h.scheduler.Notify(userID)
	}
	h.logger.Info("OAuth flow completed successfully", "user_id", userID, "provider", h.flow.Provider())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>Authorization Successful</title>
	<style>
		body {
			font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif;
			max-width: 600px;
			margin: 100px auto;
			padding: 20px;
			text-align: center;
		}
		h1 { color: #1A73E8; }
		p { color: #666; line-height: 1.6; }
	</style>
</head>
<body>
	<h1>✓ Authorization Successful</h1>
	<p>Your %s account has been connected.</p>
	<p>Today's activity is being synced in the background.</p>
	<p>You can close this window and return to the app.</p>
</body>
</html>`, html.EscapeString(providerLabel(h.flow.Provider())))
}

func providerLabel(p string) string {
	if p == provider.GoogleFit {
		return "Google Fit"
	}
	return p
}
