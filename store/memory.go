package store

import (
	"sync"

	"github.com/cmwaters/mempool/core"
)

// Memory keeps batches in a map. It does not survive a restart and is meant
// for tests and simulations.
type Memory struct {
	mtx     sync.RWMutex
	batches map[core.Digest][]byte
}

func NewMemory() *Memory {
	return &Memory{batches: make(map[core.Digest][]byte)}
}

func (m *Memory) Put(digest core.Digest, data []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.batches[digest]; ok {
		return nil
	}
	m.batches[digest] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(digest core.Digest) ([]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	data, ok := m.batches[digest]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Has(digest core.Digest) (bool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	_, ok := m.batches[digest]
	return ok, nil
}

// Len returns the number of stored batches
func (m *Memory) Len() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return len(m.batches)
}

func (m *Memory) Close() error {
	return nil
}
