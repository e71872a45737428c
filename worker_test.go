package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanocoin/offline/cache"
	"github.com/nanocoin/offline/control"
	"github.com/nanocoin/offline/host"
	"github.com/nanocoin/offline/lifecycle"
	"github.com/nanocoin/offline/network"
	"github.com/nanocoin/offline/registry"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// gameOrigin is a chi router standing in for the game server.
type gameOrigin struct {
	offline atomic.Bool
	// number of failing fetches before the origin comes back
	failures atomic.Int32
	hits     map[string]*atomic.Int32
	router   chi.Router
}

func newGameOrigin() *gameOrigin {
	o := &gameOrigin{hits: make(map[string]*atomic.Int32), router: chi.NewRouter()}
	var clicks atomic.Int32
	handle := func(path string, h http.HandlerFunc) {
		count := &atomic.Int32{}
		o.hits[path] = count
		o.router.Get(path, func(w http.ResponseWriter, r *http.Request) {
			count.Add(1)
			h(w, r)
		})
	}
	handle("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>NanoCoin</html>")
	})
	handle("/static/game/css/animations.css", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, ".coin{}")
	})
	handle("/static/game/js/api.js", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "class GameAPI {}")
	})
	handle("/api/player/profile/me/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"clicks":%d}`, clicks.Load())
	})
	handle("/api/error/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"nope"}`, http.StatusInternalServerError)
	})
	o.router.Post("/api/player/profile/click/", func(w http.ResponseWriter, r *http.Request) {
		clicks.Add(1)
		w.Header().Add("Cache-Update", "/api/player/profile/me/")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	})
	o.router.Get("/api/panic/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "origin is fine")
	})
	return o
}

func (o *gameOrigin) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if o.offline.Load() {
		return nil, network.ErrOffline
	}
	if o.failures.Load() > 0 {
		o.failures.Add(-1)
		return nil, network.ErrOffline
	}
	return network.HandlerFetcher{Handler: o.router}.Fetch(ctx, req)
}

func newWorker(t *testing.T, o *gameOrigin, configure func(*Config)) *Worker {
	logger := zerolog.Nop()
	scope, _ := url.Parse("https://game.example/")
	config := Config{
		Fetcher: o,
		Scope:   *scope,
		Logger:  &logger,
	}
	if configure != nil {
		configure(&config)
	}
	w := CreateWorker(config)
	t.Cleanup(w.Wait)
	return w
}

func startedWorker(t *testing.T, o *gameOrigin, configure func(*Config)) *Worker {
	w := newWorker(t, o, configure)
	require.NoError(t, w.Start(context.Background()))
	require.Equal(t, lifecycle.StateActive, w.State())
	return w
}

func readBody(t *testing.T, res *http.Response) string {
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func TestStartInstallsAndActivates(t *testing.T) {
	o := newGameOrigin()
	storage := cache.NewMemStorage()
	startedWorker(t, o, func(c *Config) { c.Storage = storage })

	b, _ := storage.Open(context.Background(), "static-v1")
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 3)
}

func TestStartRetriesInstall(t *testing.T) {
	o := newGameOrigin()
	o.failures.Store(2)
	startedWorker(t, o, nil)
}

func TestStartGivesUp(t *testing.T) {
	o := newGameOrigin()
	o.offline.Store(true)
	w := newWorker(t, o, func(c *Config) { c.InstallAttempts = 2 })
	err := w.Start(context.Background())
	require.ErrorIs(t, err, network.ErrOffline)
	require.Equal(t, lifecycle.StateRedundant, w.State())
}

type unclaimableWindows struct {
	host.Clients
}

func (unclaimableWindows) Claim(ctx context.Context) error {
	return fmt.Errorf("claim failed")
}

func TestStartWithFailedClaimIsActive(t *testing.T) {
	o := newGameOrigin()
	w := newWorker(t, o, func(c *Config) {
		c.Clients = unclaimableWindows{host.NewWindows(c.Logger)}
		c.InstallAttempts = 3
	})
	require.NoError(t, w.Start(context.Background()))
	require.Equal(t, lifecycle.StateActive, w.State())
	// installed once, not retried
	require.Equal(t, int32(1), o.hits["/static/game/js/api.js"].Load())
}

func TestStartSweepsOldBuckets(t *testing.T) {
	o := newGameOrigin()
	storage := cache.NewMemStorage()
	ctx := context.Background()
	for _, name := range []string{"static-v0", "static-v1", "api-v1", "data-v1"} {
		storage.Open(ctx, name)
	}
	startedWorker(t, o, func(c *Config) { c.Storage = storage })

	names, _ := storage.Keys(ctx)
	require.ElementsMatch(t, []string{"static-v1", "api-v1", "data-v1"}, names)
}

func TestStaticIsCacheFirst(t *testing.T) {
	o := newGameOrigin()
	w := startedWorker(t, o, nil)
	client := &http.Client{Transport: w}
	hits := o.hits["/static/game/js/api.js"]
	// precached on install
	require.Equal(t, int32(1), hits.Load())

	res, err := client.Get("https://game.example/static/game/js/api.js")
	require.NoError(t, err)
	require.Equal(t, "class GameAPI {}", readBody(t, res))
	require.Equal(t, "Offline-Worker; hit", res.Header.Get("Cache-Status"))

	// served from cache even when the network is gone
	o.offline.Store(true)
	res, err = client.Get("https://game.example/static/game/js/api.js")
	require.NoError(t, err)
	require.Equal(t, "class GameAPI {}", readBody(t, res))
}

func TestAPIIsNetworkFirstWithOfflineFallback(t *testing.T) {
	o := newGameOrigin()
	w := startedWorker(t, o, nil)
	client := &http.Client{Transport: w}

	res, err := client.Get("https://game.example/api/player/profile/me/")
	require.NoError(t, err)
	require.Equal(t, `{"clicks":0}`, readBody(t, res))
	w.Wait()

	o.offline.Store(true)
	res, err = client.Get("https://game.example/api/player/profile/me/")
	require.NoError(t, err)
	require.Equal(t, `{"clicks":0}`, readBody(t, res))
	require.Contains(t, res.Header.Get("Cache-Status"), "hit")

	_, err = client.Get("https://game.example/api/shop/")
	require.Error(t, err)
}

func TestErrorsAreNotStored(t *testing.T) {
	o := newGameOrigin()
	storage := cache.NewMemStorage()
	w := startedWorker(t, o, func(c *Config) { c.Storage = storage })
	client := &http.Client{Transport: w}

	res, err := client.Get("https://game.example/api/error/")
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
	res.Body.Close()
	w.Wait()

	_, found, err := storage.Match(context.Background(), httptest.NewRequest("GET", "https://game.example/api/error/", nil))
	require.NoError(t, err)
	require.False(t, found)
}

func TestNotInterceptedBeforeActivation(t *testing.T) {
	o := newGameOrigin()
	w := newWorker(t, o, nil)
	res, err := w.Fetch(context.Background(), httptest.NewRequest("GET", "https://game.example/static/game/js/api.js", nil))
	require.NoError(t, err)
	require.Equal(t, "Offline-Worker; fwd=bypass; fwd-status=200", res.Header.Get("Cache-Status"))
	res.Body.Close()
}

func TestCacheUpdateAfterClick(t *testing.T) {
	o := newGameOrigin()
	storage := cache.NewMemStorage()
	w := startedWorker(t, o, func(c *Config) { c.Storage = storage })
	client := &http.Client{Transport: w}
	ctx := context.Background()

	res, err := client.Post("https://game.example/api/player/profile/click/", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, "Offline-Worker; fwd=method; fwd-status=200", res.Header.Get("Cache-Status"))
	res.Body.Close()
	w.Wait()

	snap, found, err := storage.Match(ctx, httptest.NewRequest("GET", "https://game.example/api/player/profile/me/", nil), "api-v1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"clicks":1}`, string(snap.Body))
}

func TestCloseCancelsDelayedCacheUpdate(t *testing.T) {
	o := newGameOrigin()
	o.router.Post("/api/player/profile/later/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Cache-Update", "/api/player/profile/me/; delay=3600")
		io.WriteString(w, `{"ok":true}`)
	})
	w := startedWorker(t, o, nil)
	client := &http.Client{Transport: w}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "POST", "https://game.example/api/player/profile/later/", nil)
	res, err := client.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	cancel()

	closed := make(chan struct{})
	go func() {
		w.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close waited for the delayed refresh")
	}
	require.Equal(t, int32(0), o.hits["/api/player/profile/me/"].Load())
}

func TestCacheURLsThroughHandler(t *testing.T) {
	o := newGameOrigin()
	storage := cache.NewMemStorage()
	w := startedWorker(t, o, func(c *Config) {
		c.Storage = storage
		c.Precache = []string{}
	})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	res, err := http.Post(srv.URL+"/.sw/message", "application/json", strings.NewReader(`{"type":"CACHE_URLS","payload":{"urls":["/static/game/css/animations.css"]}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	snap, found, err := storage.Match(context.Background(), httptest.NewRequest("GET", "https://game.example/static/game/css/animations.css", nil), "data-v1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ".coin{}", string(snap.Body))
}

func TestStateReportsBucketAges(t *testing.T) {
	o := newGameOrigin()
	storage := cache.NewMemStorage()
	ctx := context.Background()
	for _, name := range []string{"static-v0", "static-v1", "static-v2", "other-cache"} {
		storage.Open(ctx, name)
	}
	// not started, so nothing is swept yet
	w := newWorker(t, o, func(c *Config) { c.Storage = storage })
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/.sw/state")
	require.NoError(t, err)
	var state stateResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&state))
	res.Body.Close()
	require.Equal(t, "new", state.State)
	require.Equal(t, map[string]registry.Age{
		"static-v0":   registry.AgeOlder,
		"static-v1":   registry.AgeCurrent,
		"static-v2":   registry.AgeNewer,
		"other-cache": registry.AgeForeign,
	}, state.Ages)
}

func TestDispatchUnknownEvent(t *testing.T) {
	w := newWorker(t, newGameOrigin(), nil)
	_, err := w.Dispatch(context.Background(), Event{Kind: "sync"}).Wait(context.Background())
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDispatchPushAndClick(t *testing.T) {
	logger := zerolog.Nop()
	notifications := host.NewNotifications(&logger)
	windows := host.NewWindows(&logger)
	w := startedWorker(t, newGameOrigin(), func(c *Config) {
		c.Notifier = notifications
		c.Clients = windows
	})
	ctx := context.Background()

	res, err := w.Dispatch(ctx, Event{Kind: EventPush, Data: []byte(`{"title":"T","body":"B","url":"/x"}`)}).Wait(ctx)
	require.NoError(t, err)
	require.Len(t, notifications.Shown(), 1)

	res, err = w.Dispatch(ctx, Event{Kind: EventPush, Data: []byte(`{"title":`)}).Wait(ctx)
	require.NoError(t, err)
	require.Empty(t, res.NotificationID)
	require.Len(t, notifications.Shown(), 1)

	n := notifications.Shown()[0]
	res, err = w.Dispatch(ctx, Event{Kind: EventNotificationClick, Notification: n}).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://game.example/x", res.Client.URL)
	require.Empty(t, notifications.Shown())
}

func TestHoldWaitingUntilSkipWaiting(t *testing.T) {
	o := newGameOrigin()
	w := newWorker(t, o, func(c *Config) { c.HoldWaiting = true })
	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	require.Equal(t, lifecycle.StateWaiting, w.State())

	_, err := w.Dispatch(ctx, Event{Kind: EventMessage, Message: control.Message{Type: control.SkipWaiting}}).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateActive, w.State())
}

func TestHandlerProxiesAndControls(t *testing.T) {
	o := newGameOrigin()
	storage := cache.NewMemStorage()
	w := startedWorker(t, o, func(c *Config) { c.Storage = storage })
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	// proxied page
	req, _ := http.NewRequest("GET", srv.URL+"/", nil)
	req.Header.Set("Accept", "text/html")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, "<html>NanoCoin</html>", readBody(t, res))
	require.NotEmpty(t, res.Header.Get("Cache-Status"))

	// offline navigation falls back to the stored root document
	w.Wait()
	o.offline.Store(true)
	req, _ = http.NewRequest("GET", srv.URL+"/leaderboard", nil)
	req.Header.Set("Accept", "text/html")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "<html>NanoCoin</html>", readBody(t, res))

	// nothing to fall back to
	res, err = http.Get(srv.URL + "/api/shop/")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	res.Body.Close()
	o.offline.Store(false)

	// state
	res, err = http.Get(srv.URL + "/.sw/state")
	require.NoError(t, err)
	var state stateResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&state))
	res.Body.Close()
	require.Equal(t, "active", state.State)
	require.Equal(t, []string{"static-v1", "api-v1", "data-v1"}, state.Current)

	// cache urls
	res, err = http.Post(srv.URL+"/.sw/message", "application/json", strings.NewReader(`{"type":"CACHE_URLS","payload":{"urls":["/static/game/css/animations.css"]}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	// clear
	res, err = http.Post(srv.URL+"/.sw/message", "application/json", strings.NewReader(`{"type":"CLEAR_CACHE"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()
	names, _ := storage.Keys(context.Background())
	require.Empty(t, names)

	// malformed message
	res, err = http.Post(srv.URL+"/.sw/message", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()
}

func TestHandlerPushAndNotificationClick(t *testing.T) {
	w := startedWorker(t, newGameOrigin(), nil)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	res, err := http.Post(srv.URL+"/.sw/push", "application/json", strings.NewReader(`{"title":"Mine full","url":"/mine"}`))
	require.NoError(t, err)
	var pushed map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&pushed))
	res.Body.Close()
	require.NotEmpty(t, pushed["notification"])

	res, err = http.Post(srv.URL+"/.sw/notificationclick", "application/json", strings.NewReader(`{"id":"`+pushed["notification"]+`"}`))
	require.NoError(t, err)
	var client host.Client
	require.NoError(t, json.NewDecoder(res.Body).Decode(&client))
	res.Body.Close()
	require.Equal(t, "https://game.example/mine", client.URL)
}

type panickingFetcher struct {
	next    network.Fetcher
	panicky atomic.Bool
}

func (p *panickingFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.URL.Path == "/api/panic/" && p.panicky.CompareAndSwap(true, false) {
		panic("fetcher exploded")
	}
	return p.next.Fetch(ctx, req)
}

func TestEscapeHatchOnPanic(t *testing.T) {
	o := newGameOrigin()
	f := &panickingFetcher{next: o}
	logger := zerolog.Nop()
	scope, _ := url.Parse("https://game.example/")
	w := CreateWorker(Config{Fetcher: f, Scope: *scope, Logger: &logger})
	t.Cleanup(w.Wait)
	require.NoError(t, w.Start(context.Background()))

	f.panicky.Store(true)
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, httptest.NewRequest("GET", "/api/panic/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "origin is fine", rec.Body.String())
}
