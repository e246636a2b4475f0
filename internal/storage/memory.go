package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps buckets in process memory. Writes are staged and
// only applied when the update function succeeds.
type MemoryBackend struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{buckets: make(map[string]map[string][]byte)}
	for _, name := range allBuckets {
		b.buckets[name] = make(map[string][]byte)
	}
	return b
}

// NewMemoryStore creates a metadata store backed by memory
func NewMemoryStore() MetadataStore {
	return NewMetadataStore(NewMemoryBackend())
}

func (b *MemoryBackend) View(ctx context.Context, fn func(r KVReader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBackendClosed
	}
	return fn(&memoryTx{backend: b})
}

func (b *MemoryBackend) Update(ctx context.Context, fn func(tx KVTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBackendClosed
	}

	tx := &memoryTx{backend: b, staged: make(map[string]map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for bucket, values := range tx.staged {
		for key, value := range values {
			if value == nil {
				delete(b.buckets[bucket], key)
				continue
			}
			b.buckets[bucket][key] = value
		}
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type memoryTx struct {
	backend *MemoryBackend
	// staged holds pending writes, a nil value marks a deletion
	staged map[string]map[string][]byte
}

func (tx *memoryTx) Get(bucket, key string) ([]byte, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	if values, ok := tx.staged[bucket]; ok {
		if value, ok := values[key]; ok {
			return clone(value), nil
		}
	}
	return clone(tx.backend.buckets[bucket][key]), nil
}

func (tx *memoryTx) ForEach(bucket string, fn func(key string, value []byte) error) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	merged := make(map[string][]byte, len(tx.backend.buckets[bucket]))
	for k, v := range tx.backend.buckets[bucket] {
		merged[k] = v
	}
	for k, v := range tx.staged[bucket] {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, clone(merged[k])); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) Put(bucket, key string, value []byte) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	tx.stage(bucket)[key] = clone(value)
	return nil
}

func (tx *memoryTx) Delete(bucket, key string) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	tx.stage(bucket)[key] = nil
	return nil
}

func (tx *memoryTx) stage(bucket string) map[string][]byte {
	values, ok := tx.staged[bucket]
	if !ok {
		values = make(map[string][]byte)
		tx.staged[bucket] = values
	}
	return values
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
