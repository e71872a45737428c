package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nanocoin/offline/network"
	cachekey "github.com/nanocoin/offline/pkg/cache-key"
	serializer "github.com/nanocoin/offline/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// ErrBadResponse is returned by AddAll when one of the fetched responses is not a success.
var ErrBadResponse = errors.New("bad response status")

type Snapshot = serializer.Snapshot

// Storage is the persistent, named collection of buckets shared by every task of the worker.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the bucket with the given name, creating it if it does not exist yet.
	Open(ctx context.Context, name string) (Bucket, error)
	// Has checks if a bucket with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the bucket and all its entries.
	// It reports whether the bucket existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all buckets, in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Match looks the request up in the named buckets, in the given order,
	// or in all buckets in creation order if no names are given.
	// Buckets that do not exist are skipped, not created.
	Match(ctx context.Context, req *http.Request, names ...string) (Snapshot, bool, error)
}

// Bucket is a named collection of stored responses keyed by request.
// A bucket handle stays usable after the bucket was deleted, but its writes are discarded.
type Bucket interface {
	Name() string
	// Match returns the snapshot stored for the request, if any.
	Match(ctx context.Context, req *http.Request) (Snapshot, bool, error)
	// Put stores the snapshot under the request key, overwriting a previous entry.
	Put(ctx context.Context, req *http.Request, s Snapshot) error
	// PutAll stores all records or none of them.
	PutAll(ctx context.Context, records []Record) error
	// Delete removes the entry for the request and reports whether it existed.
	Delete(ctx context.Context, req *http.Request) (bool, error)
	// Keys returns the requests of all stored entries.
	Keys(ctx context.Context) ([]*http.Request, error)
}

// Record is a request together with the snapshot to store for it.
type Record struct {
	Request  *http.Request
	Snapshot Snapshot
}

// AddAll fetches every request and stores the responses in the bucket as a single batch.
// Fetches run in parallel. If any fetch fails or returns a non-success status,
// nothing is stored and the error is returned.
func AddAll(ctx context.Context, b Bucket, f network.Fetcher, reqs []*http.Request) error {
	records := make([]Record, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := f.Fetch(gctx, req.WithContext(gctx))
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			s, err := serializer.FromResponse(res)
			if err != nil {
				return fmt.Errorf("read %s: %w", req.URL, err)
			}
			if !s.OK() {
				return fmt.Errorf("%w: %s returned %d", ErrBadResponse, req.URL, s.StatusCode)
			}
			records[i] = Record{Request: req, Snapshot: s}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return b.PutAll(ctx, records)
}

// NewRequests creates GET requests for the given URLs, resolving relative ones against base.
func NewRequests(ctx context.Context, base *url.URL, urls []string) ([]*http.Request, error) {
	reqs := make([]*http.Request, 0, len(urls))
	for _, ref := range urls {
		u, err := cachekey.Resolve(base, ref)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", ref, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// DeleteAll deletes the named buckets in parallel and waits for all deletions.
func DeleteAll(ctx context.Context, s Storage, names []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			if _, err := s.Delete(gctx, name); err != nil {
				return fmt.Errorf("delete bucket %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
