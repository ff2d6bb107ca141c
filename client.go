package mempool

import (
	"context"
	"sync"

	"github.com/cmwaters/mempool/core"
)

// Client is the consensus side of the mempool channels. It collects the
// digests sealed by this authority so that a proposer can include them and
// turns batch lookups into blocking calls.
type Client struct {
	requests chan<- core.ConsensusMempoolMessage

	mtx    sync.Mutex
	sealed []core.Digest
	// ready is signalled when sealed becomes non-empty
	ready chan struct{}
}

func NewClient(requests chan<- core.ConsensusMempoolMessage) *Client {
	return &Client{
		requests: requests,
		ready:    make(chan struct{}, 1),
	}
}

// Run consumes the notifications of the mempool until ctx is cancelled.
// Resolved batches are ignored as Fetch waits on its own reply channel.
func (c *Client) Run(ctx context.Context, notifications <-chan core.ConsensusMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-notifications:
			if msg.Kind != core.BatchSealed {
				continue
			}
			c.mtx.Lock()
			c.sealed = append(c.sealed, msg.Digest)
			c.mtx.Unlock()
			select {
			case c.ready <- struct{}{}:
			default:
			}
		}
	}
}

// Next blocks until at least one sealed digest is available and returns up
// to max of them in the order they were sealed, or all of them if max is not
// positive. The returned digests are not handed out again.
func (c *Client) Next(ctx context.Context, max int) ([]core.Digest, error) {
	for {
		c.mtx.Lock()
		if len(c.sealed) > 0 {
			n := len(c.sealed)
			if max > 0 {
				n = min(max, n)
			}
			digests := append([]core.Digest(nil), c.sealed[:n]...)
			c.sealed = c.sealed[n:]
			c.mtx.Unlock()
			return digests, nil
		}
		c.mtx.Unlock()

		select {
		case <-c.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Fetch returns the batch with the given digest, waiting for it to be
// retrieved from peers if necessary. Author, if known, is asked first.
// Cancelling ctx does not withdraw the request, use Cleanup for that.
func (c *Client) Fetch(ctx context.Context, digest core.Digest, round uint64, author []byte) (*core.Batch, error) {
	reply := make(chan *core.Batch, 1)
	get := core.Get{Digest: digest, Round: round, Author: author, Reply: reply}
	select {
	case c.requests <- get:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case batch := <-reply:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cleanup tells the mempool that batches referenced up to round, and the
// listed digests, are no longer needed.
func (c *Client) Cleanup(ctx context.Context, round uint64, digests ...core.Digest) error {
	select {
	case c.requests <- core.Cleanup{Round: round, Digests: digests}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
