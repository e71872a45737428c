// Package offline implements the offline worker of the NanoCoin game:
// a long-lived object in front of the network that serves the game's requests
// from versioned cache buckets when the network is slow or gone.
package offline

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/nanocoin/offline/cache"
	"github.com/nanocoin/offline/control"
	"github.com/nanocoin/offline/host"
	"github.com/nanocoin/offline/lifecycle"
	"github.com/nanocoin/offline/network"
	"github.com/nanocoin/offline/registry"
	"github.com/nanocoin/offline/router"
	"github.com/nanocoin/offline/strategy"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// DefaultPrecache is stored in the static bucket on install.
var DefaultPrecache = []string{
	"/",
	"/static/game/css/animations.css",
	"/static/game/js/api.js",
}

const DefaultVersion = "1"

type Config struct {
	// Storage for cache buckets. An in-memory storage is used if nil.
	Storage cache.Storage
	// Network used for every fetch of the worker.
	Fetcher network.Fetcher
	// Open windows. An in-process window set is used if nil.
	Clients host.Clients
	// Notification display. An in-process notification list is used if nil.
	Notifier host.Notifier
	// Scope of the worker, e.g. https://game.example/.
	// Relative URLs are resolved against it.
	Scope url.URL
	// Prefix of all bucket names, e.g. "nanocoin-".
	Namespace string
	// Version baked into the bucket names. DefaultVersion if empty.
	Version string
	// URLs stored on install. DefaultPrecache if nil.
	Precache []string
	// Routing rules. router.DefaultRules if nil.
	Rules router.Rules
	// Notification look. control.DefaultNotificationOptions if zero.
	Notification control.NotificationOptions
	// Keep an installed worker waiting until a SKIP_WAITING message arrives.
	HoldWaiting bool
	// Number of install attempts made by Start. Defaults to 5.
	InstallAttempts uint
	// Name of the cache in Cache-Status headers.
	CacheName string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Worker is the single controller object of the offline worker.
// It owns the registry and dispatches every event to its handler.
type Worker struct {
	scope           url.URL
	storage         cache.Storage
	registry        registry.Registry
	rules           router.Rules
	lifecycle       *lifecycle.Controller
	executor        *strategy.Executor
	control         *control.Channel
	installAttempts uint
	handlers        map[EventKind]handler
	tasks           *sync.WaitGroup
	log             zerolog.Logger
}

// CreateWorker wires the worker from its collaborators.
func CreateWorker(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("scope", config.Scope.String()).
		Logger()

	if config.Storage == nil {
		config.Storage = cache.NewMemStorage()
	}
	if config.Clients == nil {
		config.Clients = host.NewWindows(&logger)
	}
	if config.Notifier == nil {
		config.Notifier = host.NewNotifications(&logger)
	}
	if config.Version == "" {
		config.Version = DefaultVersion
	}
	if config.Precache == nil {
		config.Precache = DefaultPrecache
	}
	if config.Rules == nil {
		config.Rules = router.DefaultRules()
	}
	if config.Notification.Icon == "" && config.Notification.Badge == "" && config.Notification.Vibrate == nil {
		config.Notification = control.DefaultNotificationOptions()
	}
	if config.InstallAttempts == 0 {
		config.InstallAttempts = 5
	}

	reg := registry.New(config.Namespace, config.Version)
	scope := config.Scope
	w := &Worker{
		scope:           scope,
		storage:         config.Storage,
		registry:        reg,
		rules:           config.Rules,
		installAttempts: config.InstallAttempts,
		tasks:           &sync.WaitGroup{},
		log:             logger,
	}
	w.lifecycle = lifecycle.New(lifecycle.Config{
		Storage:     config.Storage,
		Fetcher:     config.Fetcher,
		Registry:    reg,
		Clients:     config.Clients,
		Precache:    config.Precache,
		Scope:       &scope,
		HoldWaiting: config.HoldWaiting,
		Logger:      &logger,
	})
	w.executor = strategy.New(strategy.Config{
		Storage:   config.Storage,
		Fetcher:   config.Fetcher,
		Fallback:  reg.Current(),
		CacheName: config.CacheName,
		Logger:    &logger,
	})
	w.control = control.New(control.Config{
		Storage:      config.Storage,
		Fetcher:      config.Fetcher,
		Registry:     reg,
		Activator:    w.lifecycle,
		Clients:      config.Clients,
		Notifier:     config.Notifier,
		Scope:        &scope,
		Notification: config.Notification,
		Logger:       &logger,
	})
	w.handlers = map[EventKind]handler{
		EventInstall:           w.install,
		EventActivate:          w.activate,
		EventFetch:             w.fetch,
		EventMessage:           w.message,
		EventPush:              w.push,
		EventNotificationClick: w.notificationClick,
	}
	return w
}

// Start installs and activates the worker.
// Failed installs are retried with exponential backoff.
func (w *Worker) Start(ctx context.Context) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (Result, error) {
		attempt++
		res, err := w.Dispatch(ctx, Event{Kind: EventInstall}).Wait(ctx)
		if ctx.Err() != nil {
			return res, backoff.Permanent(ctx.Err())
		}
		if err == nil {
			return res, nil
		}
		// only a failed install is worth another attempt
		switch w.State() {
		case lifecycle.StateRedundant:
			return res, err
		case lifecycle.StateActive:
			w.log.Warn().Err(err).Msg("Worker active, but activation reported an error")
			return res, nil
		}
		return res, backoff.Permanent(err)
	},
		backoff.WithBackOff(newInstallBackOff()),
		backoff.WithMaxTries(w.installAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.Warn().Err(err).Int("attempt", attempt).Dur("retryIn", next).Msg("Install failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	w.log.Info().Str("state", string(w.State())).Msg("Worker started")
	return nil
}

func newInstallBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

// State returns the lifecycle state of the worker.
func (w *Worker) State() lifecycle.State {
	return w.lifecycle.State()
}

func (w *Worker) Registry() registry.Registry {
	return w.registry
}

// Wait blocks until all dispatched tasks and all detached cache writes have finished.
func (w *Worker) Wait() {
	w.tasks.Wait()
	w.executor.Wait()
}

// Close waits for the dispatched tasks, then cancels scheduled refreshes
// and waits for the cache writes already running.
func (w *Worker) Close() {
	w.tasks.Wait()
	w.executor.Close()
}
