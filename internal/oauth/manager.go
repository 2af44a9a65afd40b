package oauth

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"wearable-sync/internal/credentials"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/provider"
)

// Defaults for token lifecycle timing
const (
	DefaultRefreshBuffer           = 15 * time.Minute
	DefaultWarningWindow           = 20 * time.Minute
	DefaultEarlyRefreshProbability = 0.30
	DefaultRefreshTimeout          = 45 * time.Second

	stateTTL = 10 * time.Minute
)

// Config tunes when tokens are refreshed
type Config struct {
	// Tokens expiring within RefreshBuffer are always refreshed
	RefreshBuffer time.Duration
	// Tokens expiring within WarningWindow are refreshed with
	// EarlyRefreshProbability, spreading refreshes out over time
	WarningWindow           time.Duration
	EarlyRefreshProbability float64
	RefreshTimeout          time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RefreshBuffer <= 0 {
		out.RefreshBuffer = DefaultRefreshBuffer
	}
	if out.WarningWindow <= 0 {
		out.WarningWindow = DefaultWarningWindow
	}
	if out.EarlyRefreshProbability < 0 {
		out.EarlyRefreshProbability = 0
	}
	if out.RefreshTimeout <= 0 {
		out.RefreshTimeout = DefaultRefreshTimeout
	}
	return out
}

// ConnectionStore records whether a provider is connected for a user
type ConnectionStore interface {
	SetConnected(ctx context.Context, userID, provider string, connected bool) error
}

// Manager owns the OAuth credential lifecycle for one provider: the
// authorization-code flow, refresh, and revocation handling.
type Manager struct {
	provider    string
	cfg         Config
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	creds       *credentials.Store
	connections ConnectionStore
	refresher   Refresher
	logger      *slog.Logger
	states      *stateStore // CSRF protection

	now  func() time.Time
	roll func() float64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// stateStore tracks pending authorizations for CSRF protection
type stateStore struct {
	mu     sync.RWMutex
	states map[string]pendingAuth
}

type pendingAuth struct {
	userID  string
	expires time.Time
}

// Options configures a Manager
type Options struct {
	Provider    string
	Config      Config
	OAuth       *oauth2.Config
	HTTPClient  *http.Client
	Credentials *credentials.Store
	Connections ConnectionStore
	// Service is the server-mediated refresher. When nil only the direct
	// refresh against the token endpoint is used.
	Service Refresher
}

// NewManager creates a token lifecycle manager
func NewManager(opts Options) *Manager {
	var refresher Refresher = instrumented{NewDirectRefresher(opts.OAuth, opts.HTTPClient), metrics.RefreshPathDirect}
	if opts.Service != nil {
		refresher = chainRefresher{
			primary:  instrumented{opts.Service, metrics.RefreshPathService},
			fallback: refresher,
		}
	}

	return &Manager{
		provider:    opts.Provider,
		cfg:         opts.Config.withDefaults(),
		oauthConfig: opts.OAuth,
		httpClient:  opts.HTTPClient,
		creds:       opts.Credentials,
		connections: opts.Connections,
		refresher:   refresher,
		logger:      slog.Default().With("component", "oauth", "provider", opts.Provider),
		states:      &stateStore{states: make(map[string]pendingAuth)},
		now:         time.Now,
		roll:        rand.Float64,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Provider returns the provider this manager issues tokens for
func (m *Manager) Provider() string {
	return m.provider
}

// GetAccessToken returns a usable access token for the user, refreshing it
// first when forceRefresh is set or the token is close to expiry.
//
// A permanent refresh failure clears the stored credential and returns an
// error wrapping provider.ErrPermanentAuth. A transient failure leaves the
// credential alone and falls back to the cached token when there is one and
// the refresh was not forced.
func (m *Manager) GetAccessToken(ctx context.Context, userID, prov string, forceRefresh bool) (string, error) {
	if prov != m.provider {
		return "", fmt.Errorf("manager for %s cannot issue %s tokens", m.provider, prov)
	}

	cred, err := m.creds.Get(ctx, userID, prov)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", provider.ErrNotConnected
	}
	if !m.needsRefresh(cred, forceRefresh) {
		return cred.AccessToken, nil
	}

	lock := m.lockFor(userID, prov)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed or revoked while we waited
	latest, err := m.creds.Get(ctx, userID, prov)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", provider.ErrNotConnected
	}
	if latest.AccessToken != cred.AccessToken && latest.TimeUntilExpiry(m.now()) > m.cfg.RefreshBuffer {
		metrics.TokenRefreshCollapsedTotal.WithLabelValues(prov).Inc()
		return latest.AccessToken, nil
	}

	return m.refresh(ctx, latest, forceRefresh)
}

func (m *Manager) needsRefresh(cred *credentials.Credential, force bool) bool {
	if force || cred.AccessToken == "" || cred.ExpiresAt == 0 {
		return true
	}
	ttl := cred.TimeUntilExpiry(m.now())
	if ttl <= m.cfg.RefreshBuffer {
		return true
	}
	return ttl <= m.cfg.WarningWindow && m.roll() < m.cfg.EarlyRefreshProbability
}

func (m *Manager) refresh(ctx context.Context, cred *credentials.Credential, forced bool) (string, error) {
	logger := m.logger.With("user_id", cred.UserID)

	if cred.RefreshToken == "" {
		return m.revoke(ctx, cred, errors.New("no refresh token stored"))
	}

	refreshCtx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	defer cancel()

	start := m.now()
	tok, err := m.refresher.Refresh(refreshCtx, cred)
	if err != nil {
		if provider.IsPermanentAuth(err) {
			return m.revoke(ctx, cred, err)
		}

		logger.Warn("Token refresh failed", "error", err, "forced", forced)
		if !forced && cred.AccessToken != "" {
			return cred.AccessToken, nil
		}
		if !provider.IsTransient(err) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", provider.ErrTransient, err)
		}
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	updated := &credentials.Credential{
		UserID:       cred.UserID,
		Provider:     cred.Provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = cred.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		updated.ExpiresAt = tok.Expiry.UnixMilli()
	}

	if err := m.creds.Put(ctx, updated); err != nil {
		return "", err
	}

	logger.Info("Refreshed access token",
		"expires_at", time.UnixMilli(updated.ExpiresAt),
		"duration_ms", m.now().Sub(start).Milliseconds())
	return updated.AccessToken, nil
}

// revoke clears the credential after a permanent failure
func (m *Manager) revoke(ctx context.Context, cred *credentials.Credential, cause error) (string, error) {
	m.logger.Error("Refresh grant rejected, clearing credential",
		"user_id", cred.UserID, "error", cause)

	if err := m.creds.Clear(ctx, cred.UserID, cred.Provider); err != nil {
		m.logger.Error("Failed to clear credential", "user_id", cred.UserID, "error", err)
	}
	if err := m.connections.SetConnected(ctx, cred.UserID, cred.Provider, false); err != nil {
		m.logger.Error("Failed to clear connected flag", "user_id", cred.UserID, "error", err)
	}

	if provider.IsPermanentAuth(cause) {
		return "", cause
	}
	return "", fmt.Errorf("%w: %w", provider.ErrPermanentAuth, cause)
}

func (m *Manager) lockFor(userID, prov string) *sync.Mutex {
	key := userID + "\x00" + prov

	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// AuthURL builds the provider consent URL for a user. The returned state
// must come back on the callback within ten minutes.
func (m *Manager) AuthURL(userID string) (string, string, error) {
	state, err := generateRandomState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	m.states.mu.Lock()
	m.states.states[state] = pendingAuth{userID: userID, expires: m.now().Add(stateTTL)}
	m.states.mu.Unlock()

	authURL := m.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	m.logger.Info("Generated auth URL", "user_id", userID)
	return authURL, state, nil
}

// HandleCallback exchanges the authorization code, stores the credential
// and marks the provider connected. It returns the user the state was
// issued for.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (string, error) {
	userID, ok := m.validateState(state)
	if !ok {
		return "", fmt.Errorf("invalid or expired state")
	}

	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	exchangeCtx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	defer cancel()

	tok, err := m.oauthConfig.Exchange(exchangeCtx, code)
	if err != nil {
		return "", fmt.Errorf("failed to exchange code: %w", classifyOAuthError(err))
	}

	cred := &credentials.Credential{
		UserID:       userID,
		Provider:     m.provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		cred.ExpiresAt = tok.Expiry.UnixMilli()
	}
	if err := m.creds.Put(ctx, cred); err != nil {
		return "", err
	}
	if err := m.connections.SetConnected(ctx, userID, m.provider, true); err != nil {
		return "", fmt.Errorf("failed to mark connected: %w", err)
	}

	m.logger.Info("Stored credential from authorization code", "user_id", userID)
	return userID, nil
}

// Disconnect forgets the user's credential and marks the provider
// disconnected.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	if err := m.creds.Clear(ctx, userID, m.provider); err != nil {
		return err
	}
	if err := m.connections.SetConnected(ctx, userID, m.provider, false); err != nil {
		return fmt.Errorf("failed to mark disconnected: %w", err)
	}
	m.logger.Info("Disconnected provider", "user_id", userID)
	return nil
}

// validateState checks a state and removes it (one-time use)
func (m *Manager) validateState(state string) (string, bool) {
	m.states.mu.Lock()
	defer m.states.mu.Unlock()

	pending, exists := m.states.states[state]
	if !exists {
		return "", false
	}
	delete(m.states.states, state)

	if m.now().After(pending.expires) {
		return "", false
	}
	return pending.userID, true
}

// CleanupStates removes expired states every minute until ctx is done
func (m *Manager) CleanupStates(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.states.mu.Lock()
			now := m.now()
			for state, pending := range m.states.states {
				if now.After(pending.expires) {
					delete(m.states.states, state)
				}
			}
			m.states.mu.Unlock()
		}
	}
}

// generateRandomState generates a cryptographically secure random state
func generateRandomState() (string, error) {
	b := make([]byte, 32)
	if _, err := cryptorand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
