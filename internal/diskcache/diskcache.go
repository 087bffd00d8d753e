// Package diskcache persists raw entity responses in a bbolt database so a
// restarted process can serve entities before the network answers.
package diskcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/siren-bind/hypermedia"
	bolt "go.etcd.io/bbolt"
)

const (
	// cacheDirPerm is the permission mode for the cache directory.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache database file.
	// Responses may carry user data, so the file stays private.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second
)

var metaBucket = []byte("meta")

// partitionBucket names the bucket holding every response fetched with
// tokens sharing one cache key.
func partitionBucket(partition string) []byte {
	return []byte("partition:" + partition)
}

// record is the stored form of one response.
type record struct {
	Href     string          `json:"href"`
	Body     json.RawMessage `json:"body"`
	StoredAt int64           `json:"stored_at"`
}

// Cache wraps a bbolt database implementing hypermedia.ResponseCache.
type Cache struct {
	db  *bolt.DB
	now func() time.Time
}

var _ hypermedia.ResponseCache = (*Cache)(nil)

// Open opens the cache database at path, creating it and its parent
// directory if they do not exist.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache buckets: %w", err)
	}

	return &Cache{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the stored body for href in the partition. A missing
// partition or key is a miss, not an error.
func (c *Cache) Get(partition, href string) ([]byte, bool, error) {
	var body []byte

	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(partitionBucket(partition))
		if b == nil {
			return nil
		}

		data := b.Get(key(href))
		if data == nil {
			return nil
		}

		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decoding cached response for %s: %w", href, err)
		}

		body = []byte(r.Body)

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return body, body != nil, nil
}

// Put stores body for href in the partition, replacing any previous entry.
func (c *Cache) Put(partition, href string, body []byte) error {
	data, err := json.Marshal(record{
		Href:     href,
		Body:     json.RawMessage(body),
		StoredAt: c.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("encoding response for %s: %w", href, err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(partitionBucket(partition))
		if err != nil {
			return err
		}

		return b.Put(key(href), data)
	})
}

// Delete removes a single entry. Deleting a missing entry is not an error.
func (c *Cache) Delete(partition, href string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(partitionBucket(partition))
		if b == nil {
			return nil
		}

		return b.Delete(key(href))
	})
}

// Purge drops every entry in the partition.
func (c *Cache) Purge(partition string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(partitionBucket(partition))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}

		return err
	})
}

// Len returns the number of entries stored in the partition.
func (c *Cache) Len(partition string) int {
	n := 0

	_ = c.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(partitionBucket(partition)); b != nil {
			n = b.Stats().KeyN
		}

		return nil
	})

	return n
}

// key matches the store's entity identity so hrefs differing only in case
// share one entry.
func key(href string) []byte {
	return []byte(hypermedia.NormalizeID(href))
}
