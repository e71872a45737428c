// Package network provides the fetch collaborators used by the worker:
// a real HTTP client towards an origin, and an in-process http.Handler.
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	tee "github.com/nanocoin/offline/pkg/response-writer-tee"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// ErrOffline is returned by fetchers that simulate an unreachable network.
var ErrOffline = errors.New("network unreachable")

// Fetcher performs a network fetch.
// A returned error means the network failed; any HTTP status (including 4xx/5xx) is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

type HTTPConfig struct {
	// URL of the origin server. Requests are rewritten to this scheme and host.
	// If nil, requests are sent to the host in their URL.
	OriginURL *url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Timeout for a single fetch. Zero means no timeout.
	Timeout time.Duration
	Logger  *zerolog.Logger
}

// HTTPFetcher fetches from the origin over HTTP.
type HTTPFetcher struct {
	originURL  *url.URL
	originHost string
	client     http.Client
	log        zerolog.Logger
}

func NewHTTPFetcher(config HTTPConfig) *HTTPFetcher {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	f := &HTTPFetcher{
		originURL:  config.OriginURL,
		originHost: config.OriginHost,
		log:        logger.With().Str("component", "network").Logger(),
		client: http.Client{
			Timeout: config.Timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for origin if configured
	if f.originHost != "" {
		f.client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: f.originHost,
			},
		}
	}
	return f
}

// Fetch the resource specified in the request from the origin.
func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := r.URL.String()
	if f.originURL != nil {
		uri = f.originURL.Scheme + "://" + f.originURL.Host + r.URL.RequestURI()
	}
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", uri, err)
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	if f.originHost != "" {
		req.Host = f.originHost
	}
	f.log.Trace().Str("method", req.Method).Str("uri", uri).Msg("Fetching from origin")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}

// HandlerFetcher serves fetches from an in-process handler, e.g. a chi router standing in for the origin.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// a fetch started inside a chi handler must not carry that handler's routing state
	ctx = context.WithValue(ctx, chi.RouteCtxKey, nil)
	rw := tee.NewResponseSaver(nil)
	f.Handler.ServeHTTP(rw, req.Clone(ctx))
	return rw.Result(req), nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
