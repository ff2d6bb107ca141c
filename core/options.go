package core

import (
	"crypto"
	// registers crypto.SHA256
	_ "crypto/sha256"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	// registers crypto.BLAKE2b_256
	_ "golang.org/x/crypto/blake2b"
)

// Option is a set of configurable parameters. If left empty, defaults
// will be used
type Option func(c *Core)

// WithHashFunc sets the hash function for computing batch digests. It must
// produce 32 byte outputs.
func WithHashFunc(f crypto.Hash) Option {
	return func(c *Core) {
		c.hasher = f
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Core) {
		c.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(c *Core) {
		c.metrics = metrics
	}
}

// WithClock replaces the wall clock, mostly useful in tests
func WithClock(clk clock.Clock) Option {
	return func(c *Core) {
		c.clock = clk
	}
}

const DefaultHashFunc = crypto.SHA256
