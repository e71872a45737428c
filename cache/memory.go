package cache

import (
	"context"
	"net/http"
	"sync"

	cachekey "github.com/nanocoin/offline/pkg/cache-key"
	serializer "github.com/nanocoin/offline/pkg/response-serializer"
)

// MemStorage keeps buckets in process memory.
// Entries are stored in their serialized form, so stored snapshots cannot be mutated by callers.
type MemStorage struct {
	mutex   *sync.RWMutex
	names   []string
	buckets map[string]*memBucket
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:   &sync.RWMutex{},
		buckets: make(map[string]*memBucket),
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Bucket, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if b, ok := m.buckets[name]; ok {
		return b, nil
	}
	b := &memBucket{
		name:    name,
		mutex:   &sync.RWMutex{},
		entries: make(map[string][]byte),
	}
	m.buckets[name] = b
	m.names = append(m.names, name)
	return b, nil
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.buckets[name]
	return ok, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.buckets[name]; !ok {
		return false, nil
	}
	delete(m.buckets, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i:i], m.names[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Keys(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.names))
	copy(names, m.names)
	return names, nil
}

func (m *MemStorage) Match(ctx context.Context, req *http.Request, names ...string) (Snapshot, bool, error) {
	if len(names) == 0 {
		names, _ = m.Keys(ctx)
	}
	for _, name := range names {
		m.mutex.RLock()
		b, ok := m.buckets[name]
		m.mutex.RUnlock()
		if !ok {
			continue
		}
		if s, found, err := b.Match(ctx, req); err != nil || found {
			return s, found, err
		}
	}
	return Snapshot{}, false, nil
}

type memBucket struct {
	name    string
	mutex   *sync.RWMutex
	entries map[string][]byte
	order   []string
}

func (b *memBucket) Name() string {
	return b.name
}

func (b *memBucket) Match(ctx context.Context, req *http.Request) (Snapshot, bool, error) {
	key, err := cachekey.GetKey(req)
	if err != nil {
		// only GET requests can ever be stored
		return Snapshot{}, false, nil
	}
	b.mutex.RLock()
	bts, ok := b.entries[key]
	b.mutex.RUnlock()
	if !ok {
		return Snapshot{}, false, nil
	}
	s, err := serializer.BytesToSnapshot(bts)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

func (b *memBucket) Put(ctx context.Context, req *http.Request, s Snapshot) error {
	return b.PutAll(ctx, []Record{{Request: req, Snapshot: s}})
}

func (b *memBucket) PutAll(ctx context.Context, records []Record) error {
	keys := make([]string, len(records))
	values := make([][]byte, len(records))
	for i, rec := range records {
		key, err := cachekey.GetKey(rec.Request)
		if err != nil {
			return err
		}
		bts, err := serializer.SnapshotToBytes(rec.Snapshot)
		if err != nil {
			return err
		}
		keys[i], values[i] = key, bts
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for i, key := range keys {
		if _, exists := b.entries[key]; !exists {
			b.order = append(b.order, key)
		}
		b.entries[key] = values[i]
	}
	return nil
}

func (b *memBucket) Delete(ctx context.Context, req *http.Request) (bool, error) {
	key, err := cachekey.GetKey(req)
	if err != nil {
		return false, nil
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, ok := b.entries[key]; !ok {
		return false, nil
	}
	delete(b.entries, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (b *memBucket) Keys(ctx context.Context) ([]*http.Request, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	reqs := make([]*http.Request, 0, len(b.order))
	for _, key := range b.order {
		req, err := cachekey.GetRequestFromKey(key)
		if err != nil {
			return reqs, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
