// Package gameapi is a typed client for the JSON API of the game.
// Calls go through an http.Client, whose transport can be the offline worker
// so that API reads keep working from the cache when the network is gone.
package gameapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// BasePath is prepended to every endpoint.
	BasePath = "/api"
	// CSRFHeader carries the CSRF token on every request.
	CSRFHeader = "X-CSRFToken"

	defaultErrorMessage = "Request failed"
)

// Error is returned for responses with a non-success status.
type Error struct {
	StatusCode int
	// Message sent by the server, or "Request failed".
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tokens     TokenSource
	log        zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTransport sets the transport of the client used for requests, e.g. the offline worker.
func WithTransport(rt http.RoundTripper) Option {
	return func(client *Client) {
		c := *client.httpClient
		c.Transport = rt
		client.httpClient = &c
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(client *Client) {
		client.tokens = ts
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(client *Client) {
		client.log = logger
	}
}

// New creates a client for the game at origin, e.g. https://game.example.
func New(origin string, opts ...Option) (*Client, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("origin %q is not absolute", origin)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + BasePath
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{},
		tokens:     StaticToken(""),
		log:        zerolog.New(zerolog.NewConsoleWriter()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "gameapi").Logger()
	return c, nil
}

// Do sends a request to the endpoint, relative to the API base, e.g. "/player/profile/me/".
// A non-nil body is sent as JSON. The JSON response is decoded into out, if out is not nil.
func (c *Client) Do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	uri := c.baseURL.String() + endpoint
	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return fmt.Errorf("create request for %s: %w", uri, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	token, err := c.tokens.Token(c.baseURL)
	if err != nil {
		return fmt.Errorf("get csrf token: %w", err)
	}
	req.Header.Set(CSRFHeader, token)

	c.log.Trace().Str("method", method).Str("uri", uri).Msg("Calling API")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &Error{StatusCode: res.StatusCode, Message: defaultErrorMessage}
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
			apiErr.Message = payload.Message
		}
		c.log.Debug().Err(apiErr).Str("uri", uri).Msg("API call failed")
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response of %s: %w", uri, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, endpoint string, out any) error {
	return c.Do(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) Post(ctx context.Context, endpoint string, body, out any) error {
	return c.Do(ctx, http.MethodPost, endpoint, body, out)
}
