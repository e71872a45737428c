package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const HeaderName = "Cache-Update"

var delayDirective = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Fully resolved URL of the resource to refresh.
	URL *url.URL
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

// GetCacheUpdates gets the updates specified by the response to an unsafe request.
// The server lists the resources the request changed, e.g. after a POST to
// /api/player/profile/click/ it may answer with `Cache-Update: /api/player/profile/me/`.
// The incoming request is used in order to resolve potentially relative update paths.
// Error responses never trigger updates.
func GetCacheUpdates(req *http.Request, res *http.Response) []CacheUpdate {
	if !unsafeRequest(req) || res.StatusCode < 200 || res.StatusCode > 399 {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, value := range res.Header.Values(HeaderName) {
		// a header line may carry several comma separated entries
		for _, update := range strings.Split(value, ",") {
			update = strings.TrimSpace(update)
			if update == "" {
				continue
			}
			u := getURL(req, update)
			if u == nil {
				continue
			}
			updates = append(updates, CacheUpdate{URL: u, Delay: getDelay(update)})
		}
	}
	return updates
}

func unsafeRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// getURL returns the URL to update the cache for from the `Cache-Update` header parameter.
// The URL is the first parameter in the header value (separated by a semicolon).
// Updates pointing to another host are dropped.
func getURL(r *http.Request, update string) *url.URL {
	possiblyRelativeURL := update
	if i := strings.Index(update, ";"); i != -1 {
		possiblyRelativeURL = update[:i]
	}
	ref, err := url.Parse(strings.TrimSpace(possiblyRelativeURL))
	if err != nil {
		return nil
	}
	u := r.URL.ResolveReference(ref)
	if u.Host != r.URL.Host {
		return nil
	}
	return u
}

// getDelay returns the delay to wait before updating the cache for from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// Directives are separated by a semicolon.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayDirective.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
