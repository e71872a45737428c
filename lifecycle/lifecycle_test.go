package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nanocoin/offline/cache"
	"github.com/nanocoin/offline/host"
	"github.com/nanocoin/offline/network"
	"github.com/nanocoin/offline/registry"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var precache = []string{"/", "/static/game/css/animations.css", "/static/game/js/api.js"}

func fetcher(failing string, online *atomic.Bool) network.Fetcher {
	return network.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		if online != nil && !online.Load() {
			return nil, network.ErrOffline
		}
		status := http.StatusOK
		if req.URL.Path == failing {
			status = http.StatusNotFound
		}
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(req.URL.Path)),
		}, nil
	})
}

func newController(t *testing.T, storage cache.Storage, f network.Fetcher, clients host.Clients, hold bool) *Controller {
	logger := zerolog.Nop()
	scope, err := url.Parse("https://game.example/")
	require.NoError(t, err)
	return New(Config{
		Storage:     storage,
		Fetcher:     f,
		Registry:    registry.New("", "1"),
		Clients:     clients,
		Precache:    precache,
		Scope:       scope,
		HoldWaiting: hold,
		Logger:      &logger,
	})
}

func TestInstallPrecachesStatic(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	c := newController(t, storage, fetcher("", nil), nil, false)
	require.Equal(t, StateNew, c.State())

	require.NoError(t, c.Install(ctx))
	require.Equal(t, StateWaiting, c.State())
	require.True(t, c.Ready())

	b, _ := storage.Open(ctx, "static-v1")
	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, len(precache))
	snap, found, _ := b.Match(ctx, keys[0])
	require.True(t, found)
	require.True(t, snap.OK())
}

func TestInstallFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	c := newController(t, storage, fetcher("/static/game/css/animations.css", nil), nil, false)

	err := c.Install(ctx)
	require.ErrorIs(t, err, cache.ErrBadResponse)
	require.Equal(t, StateRedundant, c.State())
	require.False(t, c.Ready())

	b, _ := storage.Open(ctx, "static-v1")
	keys, _ := b.Keys(ctx)
	require.Empty(t, keys)

	// activating a worker that never installed fails
	require.ErrorIs(t, c.Activate(ctx), ErrNotInstalled)
}

func TestInstallRetryAfterFailure(t *testing.T) {
	ctx := context.Background()
	var online atomic.Bool
	c := newController(t, cache.NewMemStorage(), fetcher("", &online), nil, false)

	require.ErrorIs(t, c.Install(ctx), network.ErrOffline)
	require.Equal(t, StateRedundant, c.State())

	online.Store(true)
	require.NoError(t, c.Install(ctx))
	require.Equal(t, StateWaiting, c.State())
}

func TestActivateDeletesExactlyStaleBuckets(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	for _, name := range []string{"static-v0", "static-v1", "api-v1", "data-v1"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}
	logger := zerolog.Nop()
	windows := host.NewWindows(&logger)
	windows.Add("https://game.example/")
	c := newController(t, storage, fetcher("", nil), windows, false)

	require.NoError(t, c.Install(ctx))
	require.NoError(t, c.Activate(ctx))
	require.Equal(t, StateActive, c.State())

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"static-v1", "api-v1", "data-v1"}, names)

	all, _ := windows.MatchAll(ctx)
	require.True(t, all[0].Controlled)
}

func TestActivateOnlyCountsExistingBuckets(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	storage.Open(ctx, "nanocoin-static-v1")
	c := newController(t, storage, fetcher("", nil), nil, false)

	require.NoError(t, c.Install(ctx))
	require.NoError(t, c.Activate(ctx))

	names, _ := storage.Keys(ctx)
	require.Equal(t, []string{"static-v1"}, names)
}

func TestHoldWaitingAndSkipWaiting(t *testing.T) {
	ctx := context.Background()
	c := newController(t, cache.NewMemStorage(), fetcher("", nil), nil, true)

	require.NoError(t, c.Install(ctx))
	require.False(t, c.Ready())
	require.Equal(t, StateWaiting, c.State())

	require.NoError(t, c.SkipWaiting(ctx))
	require.Equal(t, StateActive, c.State())

	// no-op once active
	require.NoError(t, c.SkipWaiting(ctx))
	require.Equal(t, StateActive, c.State())
}

type failingClients struct {
	host.Clients
}

func (failingClients) Claim(ctx context.Context) error {
	return errors.New("claim failed")
}

func TestClaimFailureIsReported(t *testing.T) {
	ctx := context.Background()
	c := newController(t, cache.NewMemStorage(), fetcher("", nil), failingClients{}, false)
	require.NoError(t, c.Install(ctx))
	require.Error(t, c.Activate(ctx))
	// the sweep already happened
	require.Equal(t, StateActive, c.State())

	err := c.Install(ctx)
	require.ErrorIs(t, err, ErrInstalled)
	require.NotErrorIs(t, err, ErrBusy)
}
