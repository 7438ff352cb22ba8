package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/query"
)

var bucketEntries = []byte("entries")

// BoltPersister keeps encoded entries in a single bbolt file.
type BoltPersister struct {
	db *bolt.DB
}

var _ Persister = (*BoltPersister)(nil)

// OpenBolt opens (creating if needed) the cache file at path.
func OpenBolt(path string) (*BoltPersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltPersister{db: db}, nil
}

func (p *BoltPersister) Load(_ context.Context, fp query.Fingerprint) ([]byte, error) {
	var data []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketEntries).Get([]byte(fp)); v != nil {
			// bolt memory is only valid inside the transaction
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

func (p *BoltPersister) Save(_ context.Context, fp query.Fingerprint, data []byte) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(fp), data)
	})
}

func (p *BoltPersister) Delete(_ context.Context, fp query.Fingerprint) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(fp))
	})
}

func (p *BoltPersister) Close() error {
	return p.db.Close()
}
