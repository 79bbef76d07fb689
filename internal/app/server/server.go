package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"paywall-trigger-engine/internal/api"
	"paywall-trigger-engine/internal/artifact"
	"paywall-trigger-engine/internal/assignment"
	"paywall-trigger-engine/internal/config"
	"paywall-trigger-engine/internal/engine"
	"paywall-trigger-engine/internal/identity"
	"paywall-trigger-engine/internal/listener"
	"paywall-trigger-engine/internal/paywall"
	"paywall-trigger-engine/internal/presentation"
	"paywall-trigger-engine/internal/script"
	"paywall-trigger-engine/internal/storage"
	"paywall-trigger-engine/internal/surface"
)

// App is the wired trigger engine.
type App struct {
	cfg config.Config

	Store       storage.Store
	Users       *identity.Manager
	Engine      *engine.RuleEngine
	Cache       *artifact.Cache
	Host        *surface.Host
	Coordinator *presentation.Coordinator
	Handler     http.Handler

	source    engine.ConfigSource
	pg        *storage.Postgres
	preloader *artifact.Preloader

	loadAttempts uint
	loadDelay    time.Duration
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{cfg: cfg, loadAttempts: 5, loadDelay: time.Second}

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.Store = store

	device := identity.Device{
		Platform:   cfg.Device.Platform,
		OSVersion:  cfg.Device.OSVersion,
		AppVersion: cfg.Device.AppVersion,
		Locale:     cfg.Device.Locale,
	}
	if a.Users, err = identity.New(ctx, store, device); err != nil {
		a.Close()
		return nil, err
	}

	a.Engine = engine.NewRuleEngine(store, a.Users, script.NewLuaEvaluator(cfg.ScriptTimeout()))

	switch strings.ToLower(cfg.Triggers.Source) {
	case "postgres":
		if a.pg, err = storage.New(ctx, cfg); err != nil {
			a.Close()
			return nil, fmt.Errorf("init trigger source: %w", err)
		}
		a.source = a.pg
	default:
		a.source = config.FileSource{Path: cfg.Triggers.File}
	}

	var builder artifact.Builder = artifact.CatalogBuilder{Config: a.Engine.Config}
	if cfg.Artifacts.BaseURL != "" {
		builder = artifact.NewHTTPBuilder(cfg.Artifacts.BaseURL, cfg.ArtifactTimeout())
	}
	if a.Cache, err = artifact.NewCache(builder, cfg.Artifacts.CacheSize, cfg.ArtifactTimeout()); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Artifacts.Preload {
		a.preloader = artifact.NewPreloader(a.Cache, cfg.Artifacts.PreloadConcurrency)
	}

	a.Host = surface.NewHost(store)
	resolver := assignment.NewResolver(store, a.Users, nil)
	a.Coordinator = presentation.NewCoordinator(a.Engine, resolver, a.Cache, a.Host, presentation.Policy{
		DebugMode:                  cfg.Presentation.DebugMode,
		RetryOnPurchaseFailure:     cfg.Presentation.RetryOnPurchaseFailure,
		CountOccurrenceOnRetry:     cfg.Presentation.CountOccurrenceOnRetry,
		ReportNoPresenterWhileBusy: cfg.Presentation.ReportNoPresenterWhileBusy,
		DefaultPaywall:             cfg.Presentation.DefaultPaywall,
	})

	a.Handler = api.Router(api.NewPaywallHandler(a.Coordinator, a.Cache, a.Users, a.Host))
	return a, nil
}

// Start loads the trigger configuration, then opens the coordinator to
// requests. Requests made earlier are replayed once it returns.
func (a *App) Start(ctx context.Context) error {
	if a.preloader != nil {
		a.Engine.OnConfig(func(cfg *paywall.Config) {
			go func() {
				if _, err := a.preloader.Preload(ctx, cfg); err != nil {
					log.Warn().Err(err).Msg("preload incomplete")
				}
			}()
		})
	}

	err := retry.Do(
		func() error { return a.Engine.BuildSnapshot(ctx, a.source) },
		retry.Attempts(a.loadAttempts),
		retry.Delay(a.loadDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("trigger configuration load failed; retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("initial trigger load: %w", err)
	}

	a.Host.Attach()
	a.Coordinator.SetReady()

	if a.pg != nil {
		go listener.ListenAndRefresh(ctx, a.pg, a.Engine, a.cfg.Listener.Channel, a.cfg.Backoff())
	}
	return nil
}

func (a *App) Close() {
	if a.pg != nil {
		a.pg.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}
}

func Run(cfg config.Config) {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := New(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init app")
	}
	defer app.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.Handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// serve before the first load so early events wait in the delay queue
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server crashed")
		}
	}()

	if err := app.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("start")
	}

	waitForSignal()
	log.Info().Msg("shutdown...")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	cancel() // stop background goroutines
	_ = srv.Shutdown(shCtx)
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
