package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/agentworkforce/taskmirror/internal/config"
	"github.com/agentworkforce/taskmirror/internal/gateway"
	"github.com/agentworkforce/taskmirror/internal/mirror"
	"github.com/agentworkforce/taskmirror/internal/reconcile"
	"github.com/agentworkforce/taskmirror/internal/session"
	"github.com/agentworkforce/taskmirror/internal/storage"
	"github.com/agentworkforce/taskmirror/internal/tasks"
)

// runtime is one execution context: its own substrate handle, session,
// gateway and mirror over the configured storage scope.
type runtime struct {
	cfg     config.Config
	logger  *log.Logger
	sub     storage.Substrate
	session *session.Manager
	gateway *gateway.Gateway
	client  *tasks.Client
	mirror  *mirror.Store

	stopSessionEnded func()
}

func (c *cli) open() (*runtime, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	return openRuntime(cfg, c.logger)
}

func openRuntime(cfg config.Config, logger *log.Logger) (*runtime, error) {
	sub, err := storage.BuildSubstrateFromDSN(cfg.StorageDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", redactDSN(cfg.StorageDSN), err)
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	manager := session.NewManager(session.NewSubstrateCredentialStore(sub, cfg.Namespace), session.ManagerOptions{
		BaseURL:    cfg.BaseURL,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	gw := gateway.New(cfg.BaseURL, manager, gateway.Options{
		HTTPClient: httpClient,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	})
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		sub:     sub,
		session: manager,
		gateway: gw,
		client:  tasks.NewClient(gw, tasks.ClientOptions{Logger: logger}),
		mirror:  mirror.NewStore(sub, mirror.Options{Namespace: cfg.Namespace, Logger: logger}),
	}
	rt.stopSessionEnded = manager.OnSessionEnded(func(cause error) {
		logger.Printf("session ended; log in again to resume refreshing: %v", cause)
	})
	return rt, nil
}

func (rt *runtime) newEngine() (*reconcile.Engine, error) {
	return reconcile.NewEngine(rt.client, rt.mirror, reconcile.Options{
		Query:          rt.cfg.Query(),
		Interval:       rt.cfg.RefreshInterval,
		IntervalJitter: rt.cfg.IntervalJitter,
		UndoWindow:     rt.cfg.UndoWindow,
		Logger:         rt.logger,
	})
}

// loadedEngine returns an engine showing the cached mirror, without any
// fetch.
func (rt *runtime) loadedEngine(ctx context.Context) (*reconcile.Engine, error) {
	engine, err := rt.newEngine()
	if err != nil {
		return nil, err
	}
	if err := engine.Load(ctx); err != nil {
		_ = engine.Close()
		return nil, err
	}
	return engine, nil
}

func (rt *runtime) Close() error {
	if rt.stopSessionEnded != nil {
		rt.stopSessionEnded()
	}
	return rt.sub.Close()
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

// explain adds a short hint for the failures a user can act on.
func explain(err error) error {
	var hint string
	switch {
	case errors.Is(err, session.ErrAuthenticationRequired):
		hint = "log in again with `taskmirror login`"
	case errors.Is(err, gateway.ErrNetwork):
		hint = "the server could not be reached; cached tasks are unchanged"
	case errors.Is(err, tasks.ErrInvalidIdentity):
		hint = "task ids are lowercase UUIDs"
	case errors.Is(err, reconcile.ErrNotVisible):
		hint = "run `taskmirror list` to see current tasks"
	}
	if hint == "" {
		return err
	}
	return fmt.Errorf("%w (%s)", err, hint)
}
