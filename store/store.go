// Package store provides the durable content-addressed batch stores used by
// the mempool. Keys are batch digests and values are the exact serialized
// bytes that were hashed.
package store

import (
	"fmt"

	"github.com/cmwaters/mempool/core"
)

// Backend names a store implementation
type Backend string

const (
	LevelDBBackend Backend = "leveldb"
	BoltBackend    Backend = "bolt"
	MemoryBackend  Backend = "memory"
)

// ErrNotFound is returned by Get when no batch is stored under a digest
var ErrNotFound = core.ErrNotFound

var (
	_ core.Store = (*LevelDB)(nil)
	_ core.Store = (*Bolt)(nil)
	_ core.Store = (*Memory)(nil)
)

// Open creates the store of the given backend rooted at path. The memory
// backend ignores the path and loses everything on Close.
func Open(backend Backend, path string) (core.Store, error) {
	switch backend {
	case LevelDBBackend:
		return OpenLevelDB(path, true)
	case BoltBackend:
		return OpenBolt(path)
	case MemoryBackend:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %q", backend)
	}
}
