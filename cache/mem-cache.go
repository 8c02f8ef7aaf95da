package cache

import (
	"sync"
	"time"
)

type memBucket struct {
	name    string
	deleted bool
	keys    []string
	entries map[string]Entry
}

// MemStorage keeps buckets in memory. Nothing survives a restart.
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

func (m *MemStorage) Open(name string) (Bucket, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	b, ok := m.buckets[name]
	if !ok {
		b = &memBucket{
			name:    name,
			entries: make(map[string]Entry),
		}
		m.buckets[name] = b
		m.names = append(m.names, name)
	}
	return memBucketHandle{storage: m, bucket: b}, nil
}

func (m *MemStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.buckets[name]
	return ok, nil
}

func (m *MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	b, ok := m.buckets[name]
	if !ok {
		return false, nil
	}
	b.deleted = true
	b.entries = nil
	b.keys = nil
	delete(m.buckets, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.names))
	copy(names, m.names)
	return names, nil
}

func (m *MemStorage) Close() error {
	return nil
}

// memBucketHandle shares the storage mutex with all other buckets,
// since deleting a bucket mutates the bucket itself.
type memBucketHandle struct {
	storage *MemStorage
	bucket  *memBucket
}

func (h memBucketHandle) Name() string {
	return h.bucket.name
}

func (h memBucketHandle) Match(key string) (Entry, bool, error) {
	h.storage.mutex.RLock()
	defer h.storage.mutex.RUnlock()
	if h.bucket.deleted {
		return Entry{}, false, nil
	}
	e, ok := h.bucket.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	e.Bytes = append([]byte(nil), e.Bytes...)
	return e, true, nil
}

func (h memBucketHandle) Keys() ([]string, error) {
	h.storage.mutex.RLock()
	defer h.storage.mutex.RUnlock()
	keys := make([]string, len(h.bucket.keys))
	copy(keys, h.bucket.keys)
	return keys, nil
}

func (h memBucketHandle) PutAll(entries []Entry) error {
	if err := validateEntries(entries); err != nil {
		return err
	}
	h.storage.mutex.Lock()
	defer h.storage.mutex.Unlock()
	if h.bucket.deleted {
		return ErrBucketNotFound
	}
	for _, e := range entries {
		if _, exists := h.bucket.entries[e.Key]; !exists {
			h.bucket.keys = append(h.bucket.keys, e.Key)
		}
		if e.StoredAt.IsZero() {
			e.StoredAt = time.Now()
		}
		e.Bytes = append([]byte(nil), e.Bytes...)
		h.bucket.entries[e.Key] = e
	}
	return nil
}
