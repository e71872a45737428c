// Package rfc9211 implements the Cache-Status HTTP response header field (RFC 9211).
package rfc9211

import (
	"fmt"
	"strings"
)

// HeaderName is the name of the response header field.
const HeaderName = "Cache-Status"

// DefaultCacheName identifies this cache in the header value.
const DefaultCacheName = "Offline-Worker"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request (to be used when an implementation cannot
	// distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics (e.g., Cache-Control request
	// directives) did not allow its use.
	FwdReasonRequest FwdReason = "request"
)

// CacheStatus describes how the cache handled a single request.
type CacheStatus struct {
	// Name of the cache; DefaultCacheName if empty.
	Cache     string
	Status    Status
	FwdReason FwdReason
	// Status code of the forwarded response, if any.
	FwdStatus int
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	name := cs.Cache
	if name == "" {
		name = DefaultCacheName
	}
	params := []string{name}
	switch cs.Status {
	case StatusHit:
		params = append(params, string(StatusHit))
	case StatusFwd:
		reason := cs.FwdReason
		if reason == "" {
			reason = FwdReasonMiss
		}
		params = append(params, "fwd="+string(reason))
		if cs.FwdStatus != 0 {
			params = append(params, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
		}
	}
	if cs.Stored {
		params = append(params, "stored")
	}
	if cs.Detail != "" {
		params = append(params, "detail="+cs.Detail)
	}
	return strings.Join(params, "; ")
}
