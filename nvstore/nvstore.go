// Package nvstore persists small state records in a bolt database, one
// bucket per namespace. Each open is short-lived: callers open a namespace,
// do a read or write, and close again, mirroring how NVS-style flash stores
// are used on microcontrollers.
package nvstore

import (
	"fmt"
	"os"
	"time"

	"github.com/TheCacophonyProject/battery-gauge/gauge"
	"github.com/boltdb/bolt"
)

const openTimeout = time.Second

// Store implements gauge.Store on top of a bolt database file.
type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Open opens the database and scopes access to the given namespace. A
// read-only open fails if the database file doesn't exist yet, which callers
// treat as "no record".
func (s *Store) Open(namespace string, readOnly bool) (gauge.Bucket, error) {
	if namespace == "" {
		return nil, fmt.Errorf("empty namespace")
	}
	if readOnly {
		if _, err := os.Stat(s.path); err != nil {
			return nil, fmt.Errorf("store not available: %w", err)
		}
	}
	db, err := bolt.Open(s.path, 0644, &bolt.Options{
		Timeout:  openTimeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	return &namespaceBucket{db: db, namespace: []byte(namespace)}, nil
}

type namespaceBucket struct {
	db        *bolt.DB
	namespace []byte
}

func (b *namespaceBucket) Read(key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.namespace)
		if bucket == nil {
			return fmt.Errorf("namespace %q not found", b.namespace)
		}
		value := bucket.Get([]byte(key))
		if value == nil {
			return fmt.Errorf("key %q not found", key)
		}
		// The slice is only valid inside the transaction.
		data = make([]byte, len(value))
		copy(data, value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *namespaceBucket) Write(key string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(b.namespace)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
}

func (b *namespaceBucket) EraseAll() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(b.namespace)
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (b *namespaceBucket) Close() error {
	return b.db.Close()
}
