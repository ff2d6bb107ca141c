package core

import (
	"errors"
	"fmt"
	"time"
)

// Parameters are the mempool level parameters consumed by the Core and the
// Synchronizer
type Parameters struct {
	// QueueCapacity is the capacity of every channel between components. A
	// producer that would exceed it blocks until the consumer catches up.
	QueueCapacity int

	// MaxPayloadSize is the maximum size in bytes of a serialized batch. Batches
	// from peers that exceed it are discarded.
	MaxPayloadSize int

	// MinBlockDelay is the longest a transaction waits in a non-full buffer
	// before the batch is sealed anyway.
	MinBlockDelay time.Duration

	// SyncRetryDelay is the interval at which requests for missing batches
	// are resent.
	SyncRetryDelay time.Duration

	// StuckRetryThreshold is the number of attempts after which a pending
	// request is reported as stuck. Retries continue regardless.
	StuckRetryThreshold int
}

func DefaultParameters() Parameters {
	return Parameters{
		QueueCapacity:       10_000,
		MaxPayloadSize:      500_000,
		MinBlockDelay:       100 * time.Millisecond,
		SyncRetryDelay:      10 * time.Second,
		StuckRetryThreshold: 10,
	}
}

func (p Parameters) Validate() error {
	var err error
	if p.QueueCapacity <= 0 {
		err = errors.Join(err, fmt.Errorf("queue capacity must be positive, got %d", p.QueueCapacity))
	}
	// the smallest batch holds a single one byte transaction
	if p.MaxPayloadSize < 3 {
		err = errors.Join(err, fmt.Errorf("max payload size must be at least 3 bytes, got %d", p.MaxPayloadSize))
	}
	if p.MinBlockDelay <= 0 {
		err = errors.Join(err, fmt.Errorf("min block delay must be positive, got %s", p.MinBlockDelay))
	}
	if p.SyncRetryDelay <= 0 {
		err = errors.Join(err, fmt.Errorf("sync retry delay must be positive, got %s", p.SyncRetryDelay))
	}
	if p.StuckRetryThreshold <= 0 {
		err = errors.Join(err, fmt.Errorf("stuck retry threshold must be positive, got %d", p.StuckRetryThreshold))
	}
	return err
}
