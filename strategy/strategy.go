// Package strategy implements the fetch/cache interplay of the worker:
// network-first and cache-first over the cache buckets.
package strategy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nanocoin/offline/cache"
	"github.com/nanocoin/offline/network"
	serializer "github.com/nanocoin/offline/pkg/response-serializer"
	"github.com/nanocoin/offline/rfc9211"
	"github.com/nanocoin/offline/router"

	"github.com/rs/zerolog"
)

// MaxRefreshDelay caps the delay of a scheduled refresh.
const MaxRefreshDelay = 10 * time.Minute

type Config struct {
	Storage cache.Storage
	Fetcher network.Fetcher
	// Buckets searched, in order, when the network fails.
	Fallback []string
	// Name used in the Cache-Status header.
	CacheName string
	Logger    *zerolog.Logger
}

// Executor runs the caching strategies.
// Writes that happen after the response was returned run detached
// and are tracked so they can be awaited with Wait.
type Executor struct {
	storage   cache.Storage
	fetcher   network.Fetcher
	fallback  []string
	cacheName string
	log       zerolog.Logger
	detached  *sync.WaitGroup
	// canceled by Close, stops all detached work
	base   context.Context
	cancel context.CancelFunc
}

func New(config Config) *Executor {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	base, cancel := context.WithCancel(context.Background())
	return &Executor{
		base:      base,
		cancel:    cancel,
		storage:   config.Storage,
		fetcher:   config.Fetcher,
		fallback:  config.Fallback,
		cacheName: config.CacheName,
		log:       logger.With().Str("component", "strategy").Logger(),
		detached:  &sync.WaitGroup{},
	}
}

// Execute runs the strategy selected by the route.
func (e *Executor) Execute(ctx context.Context, req *http.Request, policy router.Policy, bucket string) (*http.Response, error) {
	switch policy {
	case router.CacheFirst:
		return e.CacheFirst(ctx, req, bucket)
	case router.NetworkFirst, "":
		return e.NetworkFirst(ctx, req, bucket)
	}
	return nil, fmt.Errorf("unknown strategy %q", policy)
}

// NetworkFirst fetches the request from the network.
// A successful response is stored in the bucket, if one is given, without delaying the response.
// If the network fails, a stored response from any fallback bucket is returned,
// or for HTML requests the stored root document.
func (e *Executor) NetworkFirst(ctx context.Context, req *http.Request, bucket string) (*http.Response, error) {
	log := e.log.With().Str("strategy", "network-first").Str("url", req.URL.String()).Logger()
	cs := e.newStatus()

	res, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		cs.Forward(rfc9211.FwdReasonRequest)
		cs.FwdStatus = res.StatusCode
		if bucket != "" && isSuccess(res.StatusCode) {
			snap, err := serializer.FromResponse(res)
			if err != nil {
				return nil, fmt.Errorf("read response of %s: %w", req.URL, err)
			}
			// the write is detached, so the response does not claim it was stored
			e.put(ctx, req, bucket, snap)
		}
		setStatus(res, cs)
		log.Trace().Int("status", res.StatusCode).Msg("Served from network")
		return res, nil
	}

	log.Debug().Err(err).Msg("Network failed, looking up stored response")
	if snap, found := e.match(ctx, req); found {
		cs.Hit()
		cs.Detail = "offline"
		return e.respond(req, snap, cs), nil
	}
	if router.AcceptsHTML(req.Header) {
		if root, rerr := rootRequest(ctx, req); rerr == nil {
			if snap, found := e.match(ctx, root); found {
				cs.Hit()
				cs.Detail = "offline-root"
				log.Debug().Msg("Serving stored root document")
				return e.respond(req, snap, cs), nil
			}
		}
	}
	return nil, err
}

// CacheFirst serves the request from the bucket if possible and refreshes the entry in the background.
// On a miss the response is fetched and stored before it is returned.
func (e *Executor) CacheFirst(ctx context.Context, req *http.Request, bucket string) (*http.Response, error) {
	log := e.log.With().Str("strategy", "cache-first").Str("url", req.URL.String()).Logger()
	cs := e.newStatus()

	b, err := e.storage.Open(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	snap, found, err := b.Match(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read stored response, fetching")
	} else if found {
		e.Refresh(ctx, req, bucket, 0)
		cs.Hit()
		log.Trace().Msg("Served from cache")
		return e.respond(req, snap, cs), nil
	}

	res, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	cs.Forward(rfc9211.FwdReasonUriMiss)
	cs.FwdStatus = res.StatusCode
	if isSuccess(res.StatusCode) {
		snap, err := serializer.FromResponse(res)
		if err != nil {
			return nil, fmt.Errorf("read response of %s: %w", req.URL, err)
		}
		if err := b.Put(ctx, req, snap); err != nil {
			return nil, fmt.Errorf("store %s in %s: %w", req.URL, bucket, err)
		}
		cs.Stored = true
	}
	setStatus(res, cs)
	return res, nil
}

// Passthrough sends the request to the network without looking at any bucket.
func (e *Executor) Passthrough(ctx context.Context, req *http.Request) (*http.Response, error) {
	res, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	cs := e.newStatus()
	if req.Method != http.MethodGet {
		cs.Forward(rfc9211.FwdReasonMethod)
	} else {
		cs.Forward(rfc9211.FwdReasonBypass)
	}
	cs.FwdStatus = res.StatusCode
	setStatus(res, cs)
	return res, nil
}

// Refresh fetches the request in the background after the given delay
// and stores a successful response in the bucket.
// Failures are only logged.
func (e *Executor) Refresh(ctx context.Context, req *http.Request, bucket string, delay time.Duration) {
	e.detach(ctx, func(ctx context.Context) {
		log := e.log.With().Str("url", req.URL.String()).Str("bucket", bucket).Logger()
		if delay > MaxRefreshDelay {
			delay = MaxRefreshDelay
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				log.Debug().Err(ctx.Err()).Msg("Scheduled refresh canceled")
				return
			}
		}
		res, err := e.fetcher.Fetch(ctx, req.Clone(ctx))
		if err != nil {
			log.Debug().Err(err).Msg("Background refresh failed")
			return
		}
		snap, err := serializer.FromResponse(res)
		if err != nil {
			log.Warn().Err(err).Msg("Could not read refreshed response")
			return
		}
		if !snap.OK() {
			log.Debug().Int("status", snap.StatusCode).Msg("Not storing refreshed error response")
			return
		}
		if err := e.store(ctx, req, bucket, snap); err != nil {
			log.Error().Err(err).Msg("Could not store refreshed response")
			return
		}
		log.Trace().Msg("Refreshed stored response")
	})
}

// Wait blocks until all detached writes and refreshes have finished.
func (e *Executor) Wait() {
	e.detached.Wait()
}

// Close cancels pending refreshes and waits for the detached work to return.
func (e *Executor) Close() {
	e.cancel()
	e.detached.Wait()
}

func (e *Executor) put(ctx context.Context, req *http.Request, bucket string, snap cache.Snapshot) {
	e.detach(ctx, func(ctx context.Context) {
		if err := e.store(ctx, req, bucket, snap); err != nil {
			e.log.Error().Err(err).Str("url", req.URL.String()).Str("bucket", bucket).Msg("Could not store response")
		}
	})
}

func (e *Executor) store(ctx context.Context, req *http.Request, bucket string, snap cache.Snapshot) error {
	b, err := e.storage.Open(ctx, bucket)
	if err != nil {
		return err
	}
	return b.Put(ctx, req, snap)
}

// detach runs fn in its own goroutine, with a context that keeps the values of ctx.
// It is not canceled when the request ends, only when the executor is closed.
func (e *Executor) detach(ctx context.Context, fn func(context.Context)) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.base, cancel)
	e.detached.Add(1)
	go func() {
		defer e.detached.Done()
		defer cancel()
		defer stop()
		fn(dctx)
	}()
}

func (e *Executor) match(ctx context.Context, req *http.Request) (cache.Snapshot, bool) {
	if len(e.fallback) == 0 {
		return cache.Snapshot{}, false
	}
	snap, found, err := e.storage.Match(ctx, req, e.fallback...)
	if err != nil {
		e.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not look up stored response")
		return cache.Snapshot{}, false
	}
	return snap, found
}

func (e *Executor) respond(req *http.Request, snap cache.Snapshot, cs rfc9211.CacheStatus) *http.Response {
	res := snap.Response(req)
	setStatus(res, cs)
	return res
}

func (e *Executor) newStatus() rfc9211.CacheStatus {
	return rfc9211.CacheStatus{Cache: e.cacheName}
}

func setStatus(res *http.Response, cs rfc9211.CacheStatus) {
	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Set(rfc9211.HeaderName, cs.String())
}

func rootRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	root := req.URL.ResolveReference(&url.URL{Path: "/"})
	return http.NewRequestWithContext(ctx, http.MethodGet, root.String(), nil)
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}
