package storage

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BBoltConfig configures the bbolt backend
type BBoltConfig struct {
	Path        string
	OpenTimeout time.Duration
}

// BBoltBackend stores buckets in a single bbolt file
type BBoltBackend struct {
	db *bolt.DB
}

// NewBBoltBackend opens (creating if needed) the bbolt file and its buckets
func NewBBoltBackend(config BBoltConfig) (*BBoltBackend, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("bbolt path is required")
	}
	timeout := config.OpenTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %w", config.Path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ensure buckets exist: %w", err)
	}

	return &BBoltBackend{db: db}, nil
}

// NewBBoltStore creates a metadata store persisted in a bbolt file
func NewBBoltStore(config BBoltConfig) (MetadataStore, error) {
	backend, err := NewBBoltBackend(config)
	if err != nil {
		return nil, err
	}
	return NewMetadataStore(backend), nil
}

func (b *BBoltBackend) View(ctx context.Context, fn func(r KVReader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		return fn(&bboltTx{tx: tx})
	})
}

func (b *BBoltBackend) Update(ctx context.Context, fn func(tx KVTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(&bboltTx{tx: tx})
	})
}

func (b *BBoltBackend) Close() error {
	return b.db.Close()
}

// Path returns the backing file path
func (b *BBoltBackend) Path() string {
	return b.db.Path()
}

type bboltTx struct {
	tx *bolt.Tx
}

func (t *bboltTx) bucket(name string) (*bolt.Bucket, error) {
	if err := checkBucket(name); err != nil {
		return nil, err
	}
	bucket := t.tx.Bucket([]byte(name))
	if bucket == nil {
		return nil, fmt.Errorf("bucket %q does not exist", name)
	}
	return bucket, nil
}

func (t *bboltTx) Get(bucket, key string) ([]byte, error) {
	b, err := t.bucket(bucket)
	if err != nil {
		return nil, err
	}
	// bbolt values are only valid for the life of the transaction
	return clone(b.Get([]byte(key))), nil
}

func (t *bboltTx) ForEach(bucket string, fn func(key string, value []byte) error) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return b.ForEach(func(k, v []byte) error {
		return fn(string(k), clone(v))
	})
}

func (t *bboltTx) Put(bucket, key string, value []byte) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), value)
}

func (t *bboltTx) Delete(bucket, key string) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Delete([]byte(key))
}
