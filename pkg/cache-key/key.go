package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrorMethodNotSupported = fmt.Errorf("Method not supported")
	ErrorRelativeURL        = fmt.Errorf("Request URL is not absolute")
)

const methodSeparator = ":"

// GetKey returns the cache key for a request.
// Only GET requests can be keyed: the key is the method followed by the absolute URL,
// with any fragment removed. Headers do not take part in the key.
func GetKey(r *http.Request) (string, error) {
	if r.Method != "" && r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	if r.URL == nil || !r.URL.IsAbs() {
		return "", ErrorRelativeURL
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return http.MethodGet + methodSeparator + u.String(), nil
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key.
// It returns an error if the request cannot for some reason be deducted.
func GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}

// Resolve makes a possibly relative reference absolute against base.
// It is used for precache lists and CACHE_URLS payloads, which are usually root-relative.
func Resolve(base *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return u, nil
	}
	return base.ResolveReference(u), nil
}
