// Package lifecycle drives the worker through install and activation:
// the static bucket is pre-warmed on install, stale buckets are swept on activate.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/nanocoin/offline/cache"
	"github.com/nanocoin/offline/host"
	"github.com/nanocoin/offline/network"
	"github.com/nanocoin/offline/registry"

	"github.com/rs/zerolog"
)

type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	// StateRedundant is entered when installation fails.
	StateRedundant State = "redundant"
)

var (
	ErrNotInstalled = errors.New("worker is not installed")
	// ErrInstalled is returned by Install once the worker is waiting or active.
	ErrInstalled = errors.New("worker is already installed")
	ErrBusy      = errors.New("lifecycle transition in progress")
)

type Config struct {
	Storage  cache.Storage
	Fetcher  network.Fetcher
	Registry registry.Registry
	Clients  host.Clients
	// URLs stored in the static bucket on install. Relative URLs are resolved against Scope.
	Precache []string
	Scope    *url.URL
	// HoldWaiting keeps an installed worker waiting until SkipWaiting is called.
	HoldWaiting bool
	Logger      *zerolog.Logger
}

type Controller struct {
	storage     cache.Storage
	fetcher     network.Fetcher
	registry    registry.Registry
	clients     host.Clients
	precache    []string
	scope       *url.URL
	holdWaiting bool
	log         zerolog.Logger

	mutex         *sync.Mutex
	state         State
	skipRequested bool
}

func New(config Config) *Controller {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Controller{
		storage:     config.Storage,
		fetcher:     config.Fetcher,
		registry:    config.Registry,
		clients:     config.Clients,
		precache:    config.Precache,
		scope:       config.Scope,
		holdWaiting: config.HoldWaiting,
		log: logger.With().
			Str("component", "lifecycle").
			Str("version", config.Registry.Version).
			Logger(),
		mutex: &sync.Mutex{},
		state: StateNew,
	}
}

func (c *Controller) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// Ready reports whether an installed worker should be activated right away.
func (c *Controller) Ready() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state == StateWaiting && c.skipRequested
}

// Install pre-warms the static bucket with the precache list, all or nothing.
// On failure the worker becomes redundant and the error is returned; Install may then be retried.
func (c *Controller) Install(ctx context.Context) error {
	if err := c.transition(StateInstalling, StateNew, StateRedundant); err != nil {
		return err
	}
	c.log.Info().Msg("Installing worker")

	if err := c.precacheStatic(ctx); err != nil {
		c.setState(StateRedundant)
		c.log.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("install: %w", err)
	}

	c.mutex.Lock()
	c.state = StateWaiting
	if !c.holdWaiting {
		c.skipRequested = true
	}
	c.mutex.Unlock()
	c.log.Info().Int("urls", len(c.precache)).Msg("Static assets cached")
	return nil
}

func (c *Controller) precacheStatic(ctx context.Context) error {
	name := c.registry.Name(registry.Static)
	b, err := c.storage.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", name, err)
	}
	reqs, err := cache.NewRequests(ctx, c.scope, c.precache)
	if err != nil {
		return err
	}
	return cache.AddAll(ctx, b, c.fetcher, reqs)
}

// Activate deletes every bucket that is not current and then claims all open windows.
// Deletions run in parallel and all of them finish before the windows are claimed.
func (c *Controller) Activate(ctx context.Context) error {
	c.mutex.Lock()
	switch c.state {
	case StateWaiting, StateActive:
	case StateInstalling, StateActivating:
		c.mutex.Unlock()
		return ErrBusy
	default:
		c.mutex.Unlock()
		return ErrNotInstalled
	}
	previous := c.state
	c.state = StateActivating
	c.mutex.Unlock()
	c.log.Info().Msg("Activating worker")

	names, err := c.storage.Keys(ctx)
	if err != nil {
		c.setState(previous)
		return fmt.Errorf("activate: list buckets: %w", err)
	}
	stale := c.registry.Stale(names)
	for _, name := range stale {
		c.log.Info().Str("bucket", name).Str("age", string(c.registry.Classify(name))).Msg("Deleting old cache")
	}
	if err := cache.DeleteAll(ctx, c.storage, stale); err != nil {
		c.setState(previous)
		return fmt.Errorf("activate: %w", err)
	}

	c.setState(StateActive)
	c.log.Info().Int("deleted", len(stale)).Msg("Worker activated")
	if c.clients == nil {
		return nil
	}
	if err := c.clients.Claim(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Could not claim windows")
		return fmt.Errorf("claim windows: %w", err)
	}
	return nil
}

// SkipWaiting forces an installed worker out of the waiting state.
// A waiting worker is activated immediately, otherwise the request is remembered for after install.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mutex.Lock()
	c.skipRequested = true
	waiting := c.state == StateWaiting
	c.mutex.Unlock()
	if !waiting {
		return nil
	}
	return c.Activate(ctx)
}

func (c *Controller) transition(to State, from ...State) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, s := range from {
		if c.state == s {
			c.state = to
			return nil
		}
	}
	if c.state == StateInstalling || c.state == StateActivating {
		return fmt.Errorf("%w: cannot enter %s from %s", ErrBusy, to, c.state)
	}
	return fmt.Errorf("%w: cannot enter %s from %s", ErrInstalled, to, c.state)
}

func (c *Controller) setState(s State) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = s
}
