// Package app wires the sync engine's components from configuration. The
// server and the CLI both build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"wearable-sync/internal/config"
	"wearable-sync/internal/credentials"
	"wearable-sync/internal/database"
	"wearable-sync/internal/googlefit"
	"wearable-sync/internal/handlers"
	"wearable-sync/internal/healthstore"
	"wearable-sync/internal/model"
	"wearable-sync/internal/oauth"
	"wearable-sync/internal/postgres"
	"wearable-sync/internal/provider"
	"wearable-sync/internal/reporting"
	"wearable-sync/internal/syncer"
	"wearable-sync/internal/trigger"
	"wearable-sync/internal/upload"
)

// googleFitScopes are the read scopes the daily snapshot needs
var googleFitScopes = []string{
	"https://www.googleapis.com/auth/fitness.activity.read",
	"https://www.googleapis.com/auth/fitness.body.read",
	"https://www.googleapis.com/auth/fitness.heart_rate.read",
	"https://www.googleapis.com/auth/fitness.location.read",
}

// Store is everything the components persist, implemented by both the
// SQLite and the Postgres backends
type Store interface {
	credentials.Repository
	syncer.Store
	upload.Store
	healthstore.SampleStore
	ListConnectedUsers(ctx context.Context, provider string) ([]string, error)
	CountConnected(ctx context.Context) (map[string]int, error)
	Init(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*database.DB)(nil)
	_ Store = (*postgres.Store)(nil)
)

// App holds the wired components
type App struct {
	Config       *config.Config
	Store        Store
	Credentials  *credentials.Store
	OAuth        *oauth.Manager
	GoogleFit    *googlefit.Client
	HealthStore  *healthstore.Fetcher
	Uploads      *upload.Service
	Dispatcher   *trigger.Dispatcher
	Orchestrator *syncer.Orchestrator
	Scheduler    *syncer.Scheduler
	Revalidator  *oauth.Revalidator
	Reporter     *reporting.Reporter

	closers []func() error
}

// OpenStore opens the configured backend and creates its schema
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	var store Store
	if cfg.UsePostgres() {
		pg, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		store = pg
	} else {
		db, err := database.Open(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		store = db
	}

	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// OAuthConfig returns the Google Fit OAuth client configuration
func OAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GoogleFitClientID,
		ClientSecret: cfg.GoogleFitClientSecret,
		RedirectURL:  cfg.OAuthRedirectURL,
		Scopes:       googleFitScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.GoogleFitAuthURL,
			TokenURL: cfg.GoogleFitTokenURL,
		},
	}
}

// Build wires every component on top of an opened store. release tags
// reported errors.
func Build(cfg *config.Config, store Store, release string) (*App, error) {
	reporter, err := reporting.New(reporting.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     release,
	})
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	a := &App{Config: cfg, Store: store, Reporter: reporter}

	a.Credentials = credentials.NewStore(store)

	var service oauth.Refresher
	if cfg.RefreshServiceURL != "" {
		service = oauth.NewServiceRefresher(cfg.RefreshServiceURL, cfg.RefreshServiceKey, httpClient)
	}
	a.OAuth = oauth.NewManager(oauth.Options{
		Provider: provider.GoogleFit,
		Config: oauth.Config{
			EarlyRefreshProbability: cfg.EarlyRefreshProbability,
			RefreshTimeout:          cfg.TokenRefreshTimeout,
		},
		OAuth:       OAuthConfig(cfg),
		HTTPClient:  httpClient,
		Credentials: a.Credentials,
		Connections: store,
		Service:     service,
	})

	a.GoogleFit = googlefit.NewClient(googlefit.Options{
		BaseURL:    cfg.GoogleFitAPIURL,
		HTTPClient: httpClient,
		Timeout:    cfg.ProviderFetchTimeout,
	})
	a.HealthStore = healthstore.NewFetcher(store)

	invoker, closer, err := newInvoker(cfg, httpClient)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.Dispatcher = trigger.NewDispatcher(invoker, trigger.DefaultTimeout, trigger.DefaultDebounce)

	loc := cfg.Location()
	a.Orchestrator = syncer.NewOrchestrator(syncer.Options{
		Tokens:          a.OAuth,
		Store:           store,
		Primary:         a.GoogleFit,
		PrimaryProvider: provider.GoogleFit,
		Secondary:       a.HealthStore,
		Uploads:         upload.NewFetcher(store),
		Notifier:        a.Dispatcher,
		Reporter:        reporter,
		Location:        loc,
	})
	a.Uploads = upload.NewService(store, a.Orchestrator, loc)

	a.Scheduler = syncer.NewScheduler(a.Orchestrator, store, provider.GoogleFit, cfg.SyncInterval)
	a.Revalidator = oauth.NewRevalidator(a.OAuth, store, cfg.RevalidateInterval)

	return a, nil
}

// newInvoker returns the configured trigger backend and, for Kafka, the
// producer's Close
func newInvoker(cfg *config.Config, httpClient *http.Client) (trigger.Invoker, func() error, error) {
	switch cfg.TriggerBackend {
	case config.TriggerHTTP:
		return trigger.NewHTTPInvoker(cfg.TriggerBaseURL, cfg.TriggerAPIKey, httpClient), nil, nil
	case config.TriggerKafka:
		producer := trigger.NewKafkaProducer(cfg.KafkaBrokers)
		return trigger.NewKafkaInvoker(producer), producer.Close, nil
	case config.TriggerLog:
		return trigger.NewLogInvoker(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown trigger backend %q", cfg.TriggerBackend)
}

// Router builds the HTTP API over the wired components
func (a *App) Router() http.Handler {
	return handlers.NewRouter(handlers.Deps{
		APIKey:      a.Config.InternalAPIKey,
		OAuth:       a.OAuth,
		Syncer:      a.Orchestrator,
		Snapshots:   a.Store,
		Credentials: a.Credentials,
		Uploads:     a.Uploads,
		Samples:     a.HealthStore,
		Revalidator: a.Revalidator,
		Scheduler:   a.Scheduler,
		Upstream:    a.Dispatcher,
		Health:      a.Store,
		Recoverer:   a.Reporter.Middleware,
	})
}

// Snapshot reads a stored snapshot, validating the date first
func (a *App) Snapshot(ctx context.Context, userID, date string) (*model.DailySnapshot, error) {
	if _, err := model.ParseDay(date, a.Config.Location()); err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return a.Store.GetSnapshot(ctx, userID, date)
}

// Close drains pending downstream triggers, flushes error reports and
// releases the trigger backend. The store is closed by its owner.
func (a *App) Close() error {
	a.Dispatcher.Close()
	if !a.Reporter.Flush(2 * time.Second) {
		slog.Warn("Timed out flushing error reports")
	}

	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
