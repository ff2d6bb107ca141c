package core

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/cmwaters/mempool/pkg/group"
	"github.com/cmwaters/mempool/pkg/sign"
)

// Core is the central state machine of the mempool. It forms batches from
// client transactions, persists and broadcasts them, absorbs batches from
// peers, answers consensus lookups and drives the Synchronizer.
//
// All state that matters (the batch buffer and the store contents) is only
// touched from a single event loop, so no locking is needed. The loop waits
// on four sources at once: client transactions, peer messages, consensus
// requests and the batch timer.
type Core struct {
	// id of this authority within the committee
	id []byte

	// signer authenticates every message sent to peers
	signer sign.Signer

	// committee is the immutable set of authorities. Messages from anyone
	// outside of it are dropped.
	committee group.Group

	parameters Parameters

	// store is written exclusively by the Core. A digest is never announced to
	// consensus or sent to peers before its bytes are stored.
	store Store

	transport Transport

	// outbox carries every outbound message so that the event loops never
	// wait on the network
	outbox *outbox

	synchronizer *Synchronizer

	// batcher holds the in-progress, unsealed batch
	batcher    *batcher
	batchTimer *clock.Timer

	// consensusOut is set for the lifetime of Start
	consensusOut chan<- ConsensusMessage

	// hasher defines how batches are digested
	hasher crypto.Hash

	clock   clock.Clock
	metrics *Metrics
	logger  zerolog.Logger

	// status tracks if the core is running or not.
	status atomic.Bool

	// The following are used for managing the lifecycle of the core
	mtx    sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new Core. It fails if the parameters are invalid or if the
// signer is not a member of the committee.
func New(
	signer sign.Signer,
	committee group.Group,
	parameters Parameters,
	store Store,
	transport Transport,
	opts ...Option,
) (*Core, error) {
	if err := parameters.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if _, ok := committee.GetMemberByID(signer.ID()); !ok {
		return nil, fmt.Errorf("authority %X is not a member of the committee", signer.ID())
	}

	c := &Core{
		id:         signer.ID(),
		signer:     signer,
		committee:  committee,
		parameters: parameters,
		store:      store,
		transport:  transport,
		batcher:    newBatcher(parameters.MaxPayloadSize),
		hasher:     DefaultHashFunc,
		clock:      clock.New(),
		logger:     zerolog.New(os.Stdout),
	}

	for _, opt := range opts {
		opt(c)
	}

	if !c.hasher.Available() {
		return nil, fmt.Errorf("hash function %s is not linked into the binary", c.hasher)
	}
	if c.hasher.Size() != DigestSize {
		return nil, fmt.Errorf("hash function %s produces %d bytes, expected %d", c.hasher, c.hasher.Size(), DigestSize)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}

	c.outbox = newOutbox(
		c.id,
		committee,
		transport,
		parameters.QueueCapacity,
		c.metrics,
		c.logger.With().Str("module", "outbox").Logger(),
	)
	c.synchronizer = NewSynchronizer(
		signer,
		committee,
		c.outbox,
		parameters,
		c.clock,
		c.logger.With().Str("module", "synchronizer").Logger(),
		c.metrics,
	)
	c.logger = c.logger.With().Str("module", "core").Logger()
	return c, nil
}

// Operational phases
const (
	Off = false
	On  = true
)

// Start runs the core until Stop is called, the context is cancelled or a
// fatal error occurs (for example the store failing). It blocks for the whole
// lifetime of the core. Returns nil when stopped through Stop.
//
// clients delivers transactions from the ingress, consensusIn delivers
// consensus requests and consensusOut receives sealed digests and resolved
// batches.
func (c *Core) Start(
	ctx context.Context,
	clients <-chan Transaction,
	consensusIn <-chan ConsensusMempoolMessage,
	consensusOut chan<- ConsensusMessage,
) error {
	c.mtx.Lock()
	if !c.status.CompareAndSwap(Off, On) {
		c.mtx.Unlock()
		return errors.New("core already running")
	}
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mtx.Unlock()
	defer close(done)
	defer c.status.Store(Off)

	c.consensusOut = consensusOut
	c.batchTimer = c.clock.Timer(c.parameters.MinBlockDelay)
	c.batchTimer.Stop()
	defer c.batchTimer.Stop()

	// The concurrency model is simple. The synchronizer runs in its own
	// goroutine, a pump moves peer messages from the transport into a bounded
	// channel, the outbox sends on behalf of everyone else and the event loop
	// below consumes every source one event at a time. If any of them fails
	// the others exit as the context is cancelled.
	peers := make(chan *Message, c.parameters.QueueCapacity)
	errCh := make(chan error, 4)
	go func() {
		errCh <- c.synchronizer.Run(ctx, consensusOut)
	}()
	go func() {
		errCh <- c.outbox.run(ctx)
	}()
	go func() {
		errCh <- c.receivePeerMessages(ctx, peers)
	}()
	go func() {
		errCh <- c.run(ctx, clients, peers, consensusIn)
	}()

	err := <-errCh
	cancel()
	for i := 0; i < cap(errCh)-1; i++ {
		<-errCh
	}

	if errors.Is(err, context.Canceled) && parent.Err() == nil {
		// stopped through Stop
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Err(err).Msg("core halted")
	}
	return err
}

func (c *Core) Stop() error {
	c.mtx.Lock()
	if !c.status.Load() {
		c.mtx.Unlock()
		return errors.New("core is not running")
	}
	cancel, done := c.cancel, c.done
	c.mtx.Unlock()
	cancel()
	<-done
	return nil
}

func (c *Core) IsRunning() bool {
	return c.status.Load()
}

// Wait returns a channel that is closed once the current run of the core
// has exited. It returns nil if the core was never started.
func (c *Core) Wait() <-chan struct{} {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.done
}

// ID returns the authority id of this core
func (c *Core) ID() []byte {
	return c.id
}

// run is the event loop. Every handler runs to completion before the next
// event is taken so batch buffer mutations are strictly sequential.
func (c *Core) run(
	ctx context.Context,
	clients <-chan Transaction,
	peers <-chan *Message,
	consensusIn <-chan ConsensusMempoolMessage,
) error {
	for {
		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()

		case tx, ok := <-clients:
			if !ok {
				// the ingress shut down, keep serving peers and consensus
				clients = nil
				continue
			}
			err = c.handleTransaction(ctx, tx)

		case msg := <-peers:
			err = c.handlePeerMessage(ctx, msg)

		case req, ok := <-consensusIn:
			if !ok {
				consensusIn = nil
				continue
			}
			err = c.handleConsensusMessage(ctx, req)

		case <-c.batchTimer.C:
			err = c.handleBatchTimer(ctx)
		}
		if err != nil {
			return err
		}
	}
}

// handleTransaction appends tx to the buffer, sealing the buffer first if tx
// would push it over the size limit.
func (c *Core) handleTransaction(ctx context.Context, tx Transaction) error {
	if len(tx) == 0 {
		c.metrics.rejectedTxs.WithLabelValues(reasonEmpty).Inc()
		c.logger.Debug().Msg("dropping empty transaction")
		return nil
	}
	if !c.batcher.fitsAlone(tx) {
		c.metrics.rejectedTxs.WithLabelValues(reasonOversized).Inc()
		c.logger.Warn().
			Int("size", len(tx)).
			Int("max_payload_size", c.parameters.MaxPayloadSize).
			Msg("dropping transaction larger than a batch")
		return nil
	}

	if !c.batcher.fits(tx) {
		if err := c.seal(ctx); err != nil {
			return err
		}
	}

	if c.batcher.empty() {
		// tx starts a new buffer: it must be sealed within MinBlockDelay
		c.batchTimer.Reset(c.parameters.MinBlockDelay)
	}
	c.batcher.add(tx, c.clock.Now())
	return nil
}

// handleBatchTimer seals the buffer once its oldest transaction has waited
// MinBlockDelay, even if the batch is not full.
func (c *Core) handleBatchTimer(ctx context.Context) error {
	if c.batcher.empty() {
		return nil
	}
	age := c.batcher.age(c.clock.Now())
	if age < c.parameters.MinBlockDelay {
		c.batchTimer.Reset(c.parameters.MinBlockDelay - age)
		return nil
	}
	return c.seal(ctx)
}

// seal turns the buffer into a batch. The batch is stored before it is
// broadcast and before its digest is handed to consensus.
func (c *Core) seal(ctx context.Context) error {
	if c.batcher.empty() {
		return nil
	}
	c.batchTimer.Stop()
	batch := c.batcher.seal()
	data := batch.Marshal()
	digest := Hash(c.hasher, data)

	if err := c.store.Put(digest, data); err != nil {
		return fmt.Errorf("%w: persisting batch %s: %w", ErrStore, digest, err)
	}

	c.metrics.sealedBatches.Inc()
	c.metrics.sealedBatchBytes.Observe(float64(len(data)))
	c.metrics.sealedBatchTxs.Observe(float64(len(batch.Transactions)))
	c.logger.Debug().
		Str("digest", digest.String()).
		Int("size", len(data)).
		Int("txs", len(batch.Transactions)).
		Str("origin", OwnBatch.String()).
		Msg("sealed batch")

	// broadcast is best effort: peers that miss it will fetch it on demand
	msg, err := newBatchMessage(ctx, c.signer, digest, data)
	if err != nil {
		c.logger.Err(err).Msg("creating batch message")
	} else if err := c.outbox.Broadcast(ctx, msg); err != nil {
		c.logger.Err(err).Str("digest", digest.String()).Msg("broadcasting batch")
	}

	if err := deliver(ctx, c.consensusOut, ConsensusMessage{Kind: BatchSealed, Digest: digest}); err != nil {
		return err
	}

	// a request for identical content may be pending if a peer sealed the
	// same transactions
	return c.synchronizer.Arrived(ctx, digest, batch)
}

func (c *Core) handleConsensusMessage(ctx context.Context, msg ConsensusMempoolMessage) error {
	switch m := msg.(type) {
	case Get:
		return c.handleGet(ctx, m)
	case *Get:
		return c.handleGet(ctx, *m)
	case Cleanup:
		return c.synchronizer.Cleanup(ctx, m)
	case *Cleanup:
		return c.synchronizer.Cleanup(ctx, *m)
	default:
		c.logger.Error().Msgf("received unsupported consensus message: %T", m)
		return nil
	}
}

// handleGet replies straight away if the batch is stored, otherwise hands the
// request to the synchronizer which replies once the batch arrives.
func (c *Core) handleGet(ctx context.Context, get Get) error {
	data, err := c.store.Get(get.Digest)
	switch {
	case errors.Is(err, ErrNotFound):
		c.metrics.consensusRequests.WithLabelValues("miss").Inc()
		return c.synchronizer.Request(ctx, get)
	case err != nil:
		return fmt.Errorf("%w: reading batch %s: %w", ErrStore, get.Digest, err)
	}

	batch, err := UnmarshalBatch(data)
	if err != nil {
		return fmt.Errorf("%w: stored batch %s is corrupt: %w", ErrStore, get.Digest, err)
	}
	c.metrics.consensusRequests.WithLabelValues("hit").Inc()
	if get.Reply != nil {
		if !tryReply(get.Reply, batch) {
			c.metrics.droppedReplies.Inc()
			c.logger.Warn().Str("digest", get.Digest.String()).Msg("reply channel full, dropping batch")
		}
		return nil
	}
	return deliver(ctx, c.consensusOut, ConsensusMessage{
		Kind:   BatchResolved,
		Digest: get.Digest,
		Batch:  batch,
	})
}
