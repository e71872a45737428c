// Package control handles the out-of-band events of the worker:
// messages posted by the game page, push messages and notification clicks.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/nanocoin/offline/cache"
	"github.com/nanocoin/offline/host"
	"github.com/nanocoin/offline/network"
	"github.com/nanocoin/offline/registry"

	"github.com/rs/zerolog"
)

var ErrMalformed = errors.New("malformed payload")

type MessageType string

const (
	CacheURLs   MessageType = "CACHE_URLS"
	ClearCache  MessageType = "CLEAR_CACHE"
	SkipWaiting MessageType = "SKIP_WAITING"
)

// Message is posted to the worker by a page, e.g. {"type":"CACHE_URLS","payload":{"urls":["/shop"]}}.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CacheURLsPayload struct {
	URLs []string `json:"urls"`
}

// PushPayload is the data of a push message.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

type NotificationOptions struct {
	Icon    string `yaml:"icon"`
	Badge   string `yaml:"badge"`
	Vibrate []int  `yaml:"vibrate"`
}

func DefaultNotificationOptions() NotificationOptions {
	return NotificationOptions{
		Icon:    "/static/game/img/icon-192.png",
		Badge:   "/static/game/img/badge-72.png",
		Vibrate: []int{100, 50, 100},
	}
}

// Activator is the part of the lifecycle a SKIP_WAITING message acts on.
type Activator interface {
	SkipWaiting(ctx context.Context) error
}

type Config struct {
	Storage   cache.Storage
	Fetcher   network.Fetcher
	Registry  registry.Registry
	Activator Activator
	Clients   host.Clients
	Notifier  host.Notifier
	// Scope relative URLs are resolved against.
	Scope        *url.URL
	Notification NotificationOptions
	Logger       *zerolog.Logger
}

type Channel struct {
	storage      cache.Storage
	fetcher      network.Fetcher
	registry     registry.Registry
	activator    Activator
	clients      host.Clients
	notifier     host.Notifier
	scope        *url.URL
	notification NotificationOptions
	log          zerolog.Logger
}

func New(config Config) *Channel {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Channel{
		storage:      config.Storage,
		fetcher:      config.Fetcher,
		registry:     config.Registry,
		activator:    config.Activator,
		clients:      config.Clients,
		notifier:     config.Notifier,
		scope:        config.Scope,
		notification: config.Notification,
		log:          logger.With().Str("component", "control").Logger(),
	}
}

func (c *Channel) Notifier() host.Notifier {
	return c.notifier
}

// ParseMessage decodes a posted message.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return msg, nil
}

// HandleMessage executes a page message. Unknown message types are ignored.
func (c *Channel) HandleMessage(ctx context.Context, msg Message) error {
	log := c.log.With().Str("type", string(msg.Type)).Logger()
	switch msg.Type {
	case CacheURLs:
		var payload CacheURLsPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
		}
		name := c.registry.Name(registry.Data)
		b, err := c.storage.Open(ctx, name)
		if err != nil {
			return fmt.Errorf("open bucket %s: %w", name, err)
		}
		reqs, err := cache.NewRequests(ctx, c.scope, payload.URLs)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if err := cache.AddAll(ctx, b, c.fetcher, reqs); err != nil {
			log.Error().Err(err).Msg("Could not cache URLs")
			return err
		}
		log.Debug().Int("urls", len(reqs)).Msg("Cached URLs")
	case ClearCache:
		names, err := c.storage.Keys(ctx)
		if err != nil {
			return err
		}
		if err := cache.DeleteAll(ctx, c.storage, names); err != nil {
			return err
		}
		log.Info().Int("deleted", len(names)).Msg("Cleared all caches")
	case SkipWaiting:
		if c.activator == nil {
			return nil
		}
		return c.activator.SkipWaiting(ctx)
	default:
		log.Debug().Msg("Ignoring unknown message")
	}
	return nil
}

// Push shows a notification for the push data and returns its id.
// Empty or malformed data shows nothing and returns an empty id.
func (c *Channel) Push(ctx context.Context, data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		c.log.Debug().Msg("Ignoring empty push")
		return "", nil
	}
	var payload PushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.log.Warn().Err(err).Msg("Ignoring malformed push")
		return "", nil
	}
	if payload.URL == "" {
		payload.URL = "/"
	}
	n := host.Notification{
		Title:   payload.Title,
		Body:    payload.Body,
		Icon:    c.notification.Icon,
		Badge:   c.notification.Badge,
		Vibrate: c.notification.Vibrate,
	}
	n.Data.URL = payload.URL
	id, err := c.notifier.Show(ctx, n)
	if err != nil {
		return "", fmt.Errorf("show notification: %w", err)
	}
	return id, nil
}

// NotificationClick closes the notification and brings its target URL to the front:
// an open window already showing the URL is focused, otherwise a new window is opened.
func (c *Channel) NotificationClick(ctx context.Context, n host.Notification) (host.Client, error) {
	if err := c.notifier.Close(ctx, n.ID); err != nil {
		c.log.Warn().Err(err).Str("notification", n.ID).Msg("Could not close notification")
	}
	target := n.Data.URL
	if target == "" {
		target = "/"
	}
	u, err := c.resolve(target)
	if err != nil {
		return host.Client{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	windows, err := c.clients.MatchAll(ctx)
	if err != nil {
		return host.Client{}, err
	}
	for _, w := range windows {
		wu, err := c.resolve(w.URL)
		if err != nil {
			continue
		}
		if wu.String() == u.String() {
			return c.clients.Focus(ctx, w.ID)
		}
	}
	return c.clients.OpenWindow(ctx, u.String())
}

func (c *Channel) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if c.scope != nil {
		u = c.scope.ResolveReference(u)
	}
	return u, nil
}
