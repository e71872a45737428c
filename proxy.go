package offline

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nanocoin/offline/control"
	"github.com/nanocoin/offline/host"
	"github.com/nanocoin/offline/registry"
	"github.com/nanocoin/offline/rfc9211"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// maximum size of a control request body
const maxControlBody = 1 << 20

// RoundTrip implements the http.RoundTripper interface,
// so an http.Client using the worker as its transport gets the offline behavior.
// Relative request URLs are resolved against the scope.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if !req.URL.IsAbs() {
		req = req.Clone(req.Context())
		req.URL = w.scope.ResolveReference(req.URL)
	}
	return w.Fetch(req.Context(), req)
}

// ServeHTTP implements the http.Handler interface.
// It serves requests arriving at the proxy as fetch events of the scope.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer w.recover(rw, r)
	req := w.scopedRequest(r)
	res, err := w.Fetch(r.Context(), req)
	if errors.Is(err, ErrHandlerPanic) {
		w.escapeHatch(rw, r)
		return
	} else if err != nil {
		w.log.Error().Err(err).Str("url", req.URL.String()).Msg("Could not get response")
		http.Error(rw, "Could not get response", http.StatusBadGateway)
		return
	}
	w.send(rw, req, res)
}

// Handler returns the HTTP surface of the worker:
// control endpoints under /.sw/ and every other request proxied through the worker.
func (w *Worker) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/.sw/message", w.handleMessage)
	r.Post("/.sw/push", w.handlePush)
	r.Post("/.sw/notificationclick", w.handleNotificationClick)
	r.Get("/.sw/state", w.handleState)
	r.Handle("/*", w)
	return r
}

func (w *Worker) handleMessage(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(rw, "Could not read message", http.StatusBadRequest)
		return
	}
	msg, err := control.ParseMessage(body)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := w.Dispatch(r.Context(), Event{Kind: EventMessage, Message: msg}).Wait(r.Context()); err != nil {
		w.log.Error().Err(err).Str("type", string(msg.Type)).Msg("Message failed")
		status := http.StatusInternalServerError
		if errors.Is(err, control.ErrMalformed) {
			status = http.StatusBadRequest
		}
		http.Error(rw, err.Error(), status)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handlePush(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(rw, "Could not read push data", http.StatusBadRequest)
		return
	}
	res, err := w.Dispatch(r.Context(), Event{Kind: EventPush, Data: body}).Wait(r.Context())
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"notification": res.NotificationID})
}

func (w *Worker) handleNotificationClick(rw http.ResponseWriter, r *http.Request) {
	var n host.Notification
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&n); err != nil {
		http.Error(rw, "Malformed notification", http.StatusBadRequest)
		return
	}
	// a click usually only names the notification, the target is remembered by the notifier
	if lookup, ok := w.control.Notifier().(interface {
		Get(id string) (host.Notification, bool)
	}); ok && n.Data.URL == "" {
		if shown, found := lookup.Get(n.ID); found {
			n = shown
		}
	}
	res, err := w.Dispatch(r.Context(), Event{Kind: EventNotificationClick, Notification: n}).Wait(r.Context())
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, res.Client)
}

type stateResponse struct {
	State   string   `json:"state"`
	Version string   `json:"version"`
	Current []string `json:"current"`
	Stored  []string `json:"stored"`
	// age of every stored bucket relative to the current version
	Ages map[string]registry.Age `json:"ages"`
}

func (w *Worker) handleState(rw http.ResponseWriter, r *http.Request) {
	stored, err := w.storage.Keys(r.Context())
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	ages := make(map[string]registry.Age, len(stored))
	for _, name := range stored {
		ages[name] = w.registry.Classify(name)
	}
	writeJSON(rw, http.StatusOK, stateResponse{
		State:   string(w.State()),
		Version: w.registry.Version,
		Current: w.registry.Current(),
		Stored:  stored,
		Ages:    ages,
	})
}

// scopedRequest makes a request arriving at the proxy absolute within the scope.
func (w *Worker) scopedRequest(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	u := *r.URL
	u.Scheme = w.scope.Scheme
	u.Host = w.scope.Host
	req.URL = &u
	return req
}

// recover recovers from panics and sends the response to the escape hatch if needed.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in worker handler")
		w.escapeHatch(rw, r)
	}
}

// escapeHatch is a fallback handler that just passes the request to the network.
func (w *Worker) escapeHatch(rw http.ResponseWriter, r *http.Request) {
	req := w.scopedRequest(r)
	res, err := w.executor.Passthrough(r.Context(), req)
	if err != nil {
		w.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	w.send(rw, req, res)
}

func (w *Worker) send(rw http.ResponseWriter, r *http.Request, res *http.Response) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	if res.Body != nil {
		bytesWritten, err := io.Copy(rw, res.Body)
		if err != nil {
			w.log.Error().Err(err).Msg("Could not write response body to client")
		}
		w.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	}
	w.logRequest(r, res)
}

func (w *Worker) logRequest(r *http.Request, res *http.Response) {
	cacheStatus := res.Header.Get(rfc9211.HeaderName)
	isHit := 0
	if strings.Contains(cacheStatus, "; "+string(rfc9211.StatusHit)) {
		isHit = 1
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", res.StatusCode).
		Str("cacheStatus", cacheStatus).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
