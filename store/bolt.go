package store

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cmwaters/mempool/core"
)

var batchesBucket = []byte("batches")

// Bolt stores batches in a single bucket of a bbolt file. Every Put is its
// own fsynced transaction.
type Bolt struct {
	once sync.Once
	db   *bolt.DB
}

// OpenBolt opens or creates the database file at path
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(batchesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Put(digest core.Digest, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(batchesBucket).Put(digest[:], data)
	})
}

func (s *Bolt) Get(digest core.Digest) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(batchesBucket).Get(digest[:])
		if value == nil {
			return ErrNotFound
		}
		// value is only valid for the lifetime of the transaction
		data = append([]byte(nil), value...)
		return nil
	})
	return data, err
}

func (s *Bolt) Has(digest core.Digest) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(batchesBucket).Get(digest[:]) != nil
		return nil
	})
	return ok, err
}

func (s *Bolt) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}
