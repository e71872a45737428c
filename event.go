package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nanocoin/offline/control"
	"github.com/nanocoin/offline/host"
	"github.com/nanocoin/offline/lifecycle"
	"github.com/nanocoin/offline/network"
	cacheupdate "github.com/nanocoin/offline/pkg/cache-update"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	// ErrHandlerPanic is returned by tasks whose handler panicked.
	ErrHandlerPanic = errors.New("panic in event handler")
)

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventMessage           EventKind = "message"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

// Event is delivered to the worker by its host.
// Only the field belonging to the kind is read.
type Event struct {
	Kind EventKind
	// Request of a fetch event.
	Request *http.Request
	// Message of a message event.
	Message control.Message
	// Data of a push event.
	Data []byte
	// Notification of a notificationclick event.
	Notification host.Notification
}

// Result is the outcome of a handled event.
type Result struct {
	// Response to a fetch event.
	Response *http.Response
	// Id of the notification shown for a push event, empty if nothing was shown.
	NotificationID string
	// Window focused or opened for a notificationclick event.
	Client host.Client
}

// Task is the deferred result of a dispatched event.
type Task struct {
	done   chan struct{}
	result Result
	err    error
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task has finished or ctx is done.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type handler func(ctx context.Context, ev Event) (Result, error)

// Dispatch runs the handler of the event in its own goroutine and returns the task to wait on.
func (w *Worker) Dispatch(ctx context.Context, ev Event) *Task {
	t := &Task{done: make(chan struct{})}
	h, ok := w.handlers[ev.Kind]
	if !ok {
		t.err = fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
		close(t.done)
		return t
	}
	w.tasks.Add(1)
	go func() {
		defer w.tasks.Done()
		defer close(t.done)
		defer func() {
			if err := recover(); err != nil {
				w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("event", string(ev.Kind)).Msg("Panic in event handler")
				t.result, t.err = Result{}, fmt.Errorf("%w: %v", ErrHandlerPanic, err)
			}
		}()
		t.result, t.err = h(ctx, ev)
	}()
	return t
}

func (w *Worker) install(ctx context.Context, ev Event) (Result, error) {
	if err := w.lifecycle.Install(ctx); err != nil {
		return Result{}, err
	}
	// an installed worker that skips waiting is activated right away
	if w.lifecycle.Ready() {
		return w.activate(ctx, ev)
	}
	return Result{}, nil
}

func (w *Worker) activate(ctx context.Context, ev Event) (Result, error) {
	return Result{}, w.lifecycle.Activate(ctx)
}

func (w *Worker) fetch(ctx context.Context, ev Event) (Result, error) {
	req := ev.Request
	if req == nil {
		return Result{}, fmt.Errorf("%w: fetch without request", ErrUnknownEvent)
	}
	route := w.rules.MatchRequest(req)
	// only an active worker controls requests
	if !route.Intercept || w.State() != lifecycle.StateActive {
		res, err := w.executor.Passthrough(ctx, req)
		if err == nil {
			w.applyCacheUpdates(ctx, req, res)
		}
		return Result{Response: res}, err
	}
	bucket := ""
	if route.Bucket != "" {
		bucket = w.registry.Name(route.Bucket)
	}
	w.log.Trace().Str("url", req.URL.String()).Str("strategy", string(route.Policy)).Str("bucket", bucket).Msg("Routing request")
	res, err := w.executor.Execute(ctx, req, route.Policy, bucket)
	return Result{Response: res}, err
}

// applyCacheUpdates refreshes the stored responses named in the Cache-Update headers
// of a response to an unsafe request, e.g. the profile after a click.
func (w *Worker) applyCacheUpdates(ctx context.Context, req *http.Request, res *http.Response) {
	if w.State() != lifecycle.StateActive {
		return
	}
	for _, update := range cacheupdate.GetCacheUpdates(req, res) {
		route := w.rules.Match(http.MethodGet, update.URL, req.Header)
		if !route.Intercept || route.Bucket == "" {
			continue
		}
		updateReq, err := http.NewRequestWithContext(ctx, http.MethodGet, update.URL.String(), nil)
		if err != nil {
			w.log.Error().Err(err).Str("update", update.URL.String()).Msg("Could not create request for update")
			continue
		}
		copyRequestHeaders(updateReq.Header, req.Header)
		w.log.Trace().Str("update", update.URL.String()).Dur("delay", update.Delay).Msg("Updating cache based on header")
		w.executor.Refresh(ctx, updateReq, w.registry.Name(route.Bucket), update.Delay)
	}
}

func (w *Worker) message(ctx context.Context, ev Event) (Result, error) {
	return Result{}, w.control.HandleMessage(ctx, ev.Message)
}

func (w *Worker) push(ctx context.Context, ev Event) (Result, error) {
	id, err := w.control.Push(ctx, ev.Data)
	return Result{NotificationID: id}, err
}

func (w *Worker) notificationClick(ctx context.Context, ev Event) (Result, error) {
	c, err := w.control.NotificationClick(ctx, ev.Notification)
	return Result{Client: c}, err
}

// copyRequestHeaders carries the headers identifying the player over to a follow-up request.
func copyRequestHeaders(dst, src http.Header) {
	for _, name := range []string{"Cookie", "Authorization", "Accept"} {
		if v := src.Values(name); len(v) > 0 {
			dst[name] = v
		}
	}
}

var _ network.Fetcher = (*Worker)(nil)

// Fetch dispatches a fetch event and waits for its response.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: req}).Wait(ctx)
	return res.Response, err
}
