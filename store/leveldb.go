package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/cmwaters/mempool/core"
)

// LevelDB stores batches in a goleveldb database
type LevelDB struct {
	once  sync.Once
	db    *leveldb.DB
	write *opt.WriteOptions
}

// OpenLevelDB opens or creates the database in directory. With sync set,
// every Put is flushed to disk before it returns, which is required for a
// digest to be durable by the time it is announced.
func OpenLevelDB(directory string, sync bool) (*LevelDB, error) {
	db, err := leveldb.OpenFile(directory, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB: %w", err)
	}
	return &LevelDB{db: db, write: &opt.WriteOptions{Sync: sync}}, nil
}

func (s *LevelDB) Put(digest core.Digest, data []byte) error {
	return s.db.Put(digest[:], data, s.write)
}

func (s *LevelDB) Get(digest core.Digest) ([]byte, error) {
	value, err := s.db.Get(digest[:], nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (s *LevelDB) Has(digest core.Digest) (bool, error) {
	return s.db.Has(digest[:], nil)
}

func (s *LevelDB) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}
