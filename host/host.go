// Package host holds the collaborators the worker needs from the runtime hosting it:
// the open page contexts (windows) and the notification display.
package host

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNoSuchWindow = errors.New("no such window")

// Client is an open page context controlled, or controllable, by the worker.
type Client struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	// Controlled is set once the worker has claimed the window.
	Controlled bool `json:"controlled"`
}

// Clients gives access to the open windows.
type Clients interface {
	// Claim makes the worker the controller of every open window.
	Claim(ctx context.Context) error
	// MatchAll returns all open windows, controlled or not.
	MatchAll(ctx context.Context) ([]Client, error)
	// Focus brings the window with the given id to the front.
	Focus(ctx context.Context, id string) (Client, error)
	// OpenWindow opens a new window at the given absolute URL.
	OpenWindow(ctx context.Context, url string) (Client, error)
}

// Notification is a system notification shown on behalf of the game.
type Notification struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon,omitempty"`
	Badge   string `json:"badge,omitempty"`
	Vibrate []int  `json:"vibrate,omitempty"`
	// Data carries the target URL opened when the notification is clicked.
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

// Notifier displays notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) (string, error)
	Close(ctx context.Context, id string) error
}

// Windows is an in-process set of windows, used by the proxy binary and in tests.
type Windows struct {
	mutex   *sync.Mutex
	windows []Client
	focused string
	log     zerolog.Logger
}

func NewWindows(logger *zerolog.Logger) *Windows {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	return &Windows{
		mutex: &sync.Mutex{},
		log:   l.With().Str("component", "windows").Logger(),
	}
}

// Add registers an already open, uncontrolled window.
func (w *Windows) Add(url string) Client {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	c := Client{ID: uuid.NewString(), URL: url}
	w.windows = append(w.windows, c)
	return c
}

func (w *Windows) Claim(ctx context.Context) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for i := range w.windows {
		w.windows[i].Controlled = true
	}
	w.log.Debug().Int("windows", len(w.windows)).Msg("Claimed windows")
	return nil
}

func (w *Windows) MatchAll(ctx context.Context) ([]Client, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	clients := make([]Client, len(w.windows))
	copy(clients, w.windows)
	return clients, nil
}

func (w *Windows) Focus(ctx context.Context, id string) (Client, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for _, c := range w.windows {
		if c.ID == id {
			w.focused = id
			w.log.Debug().Str("url", c.URL).Msg("Focused window")
			return c, nil
		}
	}
	return Client{}, ErrNoSuchWindow
}

func (w *Windows) OpenWindow(ctx context.Context, url string) (Client, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	c := Client{ID: uuid.NewString(), URL: url, Controlled: true}
	w.windows = append(w.windows, c)
	w.focused = c.ID
	w.log.Debug().Str("url", url).Msg("Opened window")
	return c, nil
}

// Focused returns the id of the window focused last, if any.
func (w *Windows) Focused() string {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.focused
}

// Notifications keeps the currently shown notifications in memory.
type Notifications struct {
	mutex *sync.Mutex
	shown []Notification
	log   zerolog.Logger
}

func NewNotifications(logger *zerolog.Logger) *Notifications {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	return &Notifications{
		mutex: &sync.Mutex{},
		log:   l.With().Str("component", "notifications").Logger(),
	}
}

func (n *Notifications) Show(ctx context.Context, notification Notification) (string, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	n.shown = append(n.shown, notification)
	n.log.Info().Str("title", notification.Title).Str("url", notification.Data.URL).Msg("Showing notification")
	return notification.ID, nil
}

func (n *Notifications) Close(ctx context.Context, id string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	for i, s := range n.shown {
		if s.ID == id {
			n.shown = append(n.shown[:i:i], n.shown[i+1:]...)
			return nil
		}
	}
	return nil
}

// Shown returns the notifications currently displayed.
func (n *Notifications) Shown() []Notification {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	shown := make([]Notification, len(n.shown))
	copy(shown, n.shown)
	return shown
}

// Get returns the shown notification with the given id.
func (n *Notifications) Get(id string) (Notification, bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	for _, s := range n.shown {
		if s.ID == id {
			return s, true
		}
	}
	return Notification{}, false
}
