package core

import (
	"bytes"
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/cmwaters/mempool/pkg/group"
	"github.com/cmwaters/mempool/pkg/sign"
)

// Synchronizer guarantees eventual delivery of any batch consensus asks for
// by re-requesting it from peers until it arrives or consensus no longer
// needs it. Retries continue indefinitely at a fixed interval: the committee
// is assumed to contain a quorum of honest, eventually responsive authorities.
//
// All retry deadlines are kept in a single queue served by one timer rather
// than one timer per request.
type Synchronizer struct {
	self      []byte
	committee group.Group
	signer    sign.Signer
	transport Sender

	retryDelay     time.Duration
	stuckThreshold int

	clock   clock.Clock
	logger  zerolog.Logger
	metrics *Metrics

	// eventCh serializes requests, arrivals and cleanups coming from the Core
	eventCh chan syncEvent

	// the following are owned by the Run goroutine
	pending map[Digest]*pendingRequest
	queue   deadlineQueue
	timer   *clock.Timer
	out     chan<- ConsensusMessage
}

type syncEvent struct {
	get     *Get
	arrival *arrival
	cleanup *Cleanup
}

type arrival struct {
	digest Digest
	batch  *Batch
}

func NewSynchronizer(
	signer sign.Signer,
	committee group.Group,
	transport Sender,
	params Parameters,
	clk clock.Clock,
	logger zerolog.Logger,
	metrics *Metrics,
) *Synchronizer {
	return &Synchronizer{
		self:           signer.ID(),
		committee:      committee,
		signer:         signer,
		transport:      transport,
		retryDelay:     params.SyncRetryDelay,
		stuckThreshold: params.StuckRetryThreshold,
		clock:          clk,
		logger:         logger,
		metrics:        metrics,
		eventCh:        make(chan syncEvent, params.QueueCapacity),
		pending:        make(map[Digest]*pendingRequest),
	}
}

// Request queues a lookup for a digest that is missing from the store
func (s *Synchronizer) Request(ctx context.Context, get Get) error {
	return deliver(ctx, s.eventCh, syncEvent{get: &get})
}

// Arrived notifies the synchronizer that a batch is now stored
func (s *Synchronizer) Arrived(ctx context.Context, digest Digest, batch *Batch) error {
	return deliver(ctx, s.eventCh, syncEvent{arrival: &arrival{digest: digest, batch: batch}})
}

// Cleanup queues the removal of requests consensus no longer needs
func (s *Synchronizer) Cleanup(ctx context.Context, cleanup Cleanup) error {
	return deliver(ctx, s.eventCh, syncEvent{cleanup: &cleanup})
}

// Run processes events until the context is cancelled. Resolved batches that
// have no reply channel are sent to out.
func (s *Synchronizer) Run(ctx context.Context, out chan<- ConsensusMessage) error {
	s.out = out
	s.timer = s.clock.Timer(s.retryDelay)
	s.timer.Stop()
	defer s.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event := <-s.eventCh:
			var err error
			switch {
			case event.get != nil:
				err = s.handleRequest(ctx, *event.get)
			case event.arrival != nil:
				err = s.handleArrival(ctx, event.arrival.digest, event.arrival.batch)
			case event.cleanup != nil:
				s.handleCleanup(*event.cleanup)
			}
			if err != nil {
				return err
			}

		case <-s.timer.C:
			s.handleTimeout(ctx)
		}
		s.resetTimer()
	}
}

// handleRequest creates a pending request for the digest or attaches the
// waiter to an existing one without sending a duplicate request.
func (s *Synchronizer) handleRequest(ctx context.Context, get Get) error {
	req, ok := s.pending[get.Digest]
	if ok {
		s.attach(req, get)
		if get.Round > req.round {
			req.round = get.Round
		}
		s.logger.Debug().
			Str("digest", get.Digest.String()).
			Int("waiters", len(req.waiters)).
			Msg("request already pending")
		return nil
	}

	now := s.clock.Now()
	req = &pendingRequest{
		digest: get.Digest,
		round:  get.Round,
		index:  -1,
	}
	s.attach(req, get)
	s.pending[get.Digest] = req
	s.metrics.pendingRequests.Inc()

	// the first attempt goes to the authority that should hold the batch
	var to []byte
	if len(get.Author) > 0 && !bytes.Equal(get.Author, s.self) {
		if _, ok := s.committee.GetMemberByID(get.Author); ok {
			to = get.Author
		}
	}
	s.send(ctx, to, []Digest{get.Digest})
	req.attempts = 1
	req.lastSent = now
	s.queue.schedule(req, now.Add(s.retryDelay))

	s.logger.Debug().
		Str("digest", get.Digest.String()).
		Uint64("round", get.Round).
		Bool("targeted", to != nil).
		Msg("requesting missing batch")
	return nil
}

func (s *Synchronizer) attach(req *pendingRequest, get Get) {
	if get.Reply != nil {
		req.waiters = append(req.waiters, get.Reply)
	} else {
		req.notifyConsensus = true
	}
}

// handleArrival resolves every waiter of the digest and forgets the request
func (s *Synchronizer) handleArrival(ctx context.Context, digest Digest, batch *Batch) error {
	req, ok := s.pending[digest]
	if !ok {
		return nil
	}
	s.remove(req)

	s.logger.Debug().
		Str("digest", digest.String()).
		Int("attempts", req.attempts).
		Dur("since_last_request", s.clock.Since(req.lastSent)).
		Msg("missing batch arrived")

	for _, waiter := range req.waiters {
		if !tryReply(waiter, batch) {
			s.metrics.droppedReplies.Inc()
			s.logger.Warn().Str("digest", digest.String()).Msg("reply channel full, dropping batch")
		}
	}
	if req.notifyConsensus {
		return deliver(ctx, s.out, ConsensusMessage{
			Kind:   BatchResolved,
			Digest: digest,
			Batch:  batch,
		})
	}
	return nil
}

// handleCleanup drops requests without resolving them
func (s *Synchronizer) handleCleanup(cleanup Cleanup) {
	dropped := 0
	if cleanup.Round > 0 {
		for _, req := range s.pending {
			if req.round <= cleanup.Round {
				s.remove(req)
				dropped++
			}
		}
	}
	for _, digest := range cleanup.Digests {
		if req, ok := s.pending[digest]; ok {
			s.remove(req)
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Debug().
			Uint64("round", cleanup.Round).
			Int("dropped", dropped).
			Int("pending", len(s.pending)).
			Msg("cleaned up pending requests")
	}
}

// handleTimeout re-requests every digest whose retry deadline has passed.
// Retries are broadcast so that a single unresponsive peer cannot stall
// the request.
func (s *Synchronizer) handleTimeout(ctx context.Context) {
	now := s.clock.Now()
	due := s.queue.popDue(now)
	if len(due) == 0 {
		return
	}

	digests := make([]Digest, 0, len(due))
	for _, req := range due {
		digests = append(digests, req.digest)
		req.attempts++
		req.lastSent = now
		s.queue.schedule(req, now.Add(s.retryDelay))
		s.metrics.syncRetries.Inc()

		if !req.stuck && req.attempts >= s.stuckThreshold {
			req.stuck = true
			s.metrics.stuckRequests.Inc()
			s.logger.Warn().
				Str("digest", req.digest.String()).
				Uint64("round", req.round).
				Int("attempts", req.attempts).
				Msg("batch request appears stuck, still retrying")
		}
	}

	for start := 0; start < len(digests); start += MaxSyncDigests {
		end := min(start+MaxSyncDigests, len(digests))
		s.send(ctx, nil, digests[start:end])
	}
}

// send signs a sync request and queues it for sending. A nil recipient
// means broadcast. Failures are only logged: the retry timer covers them.
func (s *Synchronizer) send(ctx context.Context, to []byte, digests []Digest) {
	msg, err := newSyncRequest(ctx, s.signer, digests)
	if err != nil {
		s.logger.Err(err).Msg("creating sync request")
		return
	}
	if to != nil {
		err = s.transport.Send(ctx, to, msg)
	} else {
		err = s.transport.Broadcast(ctx, msg)
	}
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Err(err).Int("digests", len(digests)).Msg("sending sync request")
		}
		return
	}
	s.metrics.syncRequestsSent.Inc()
}

func (s *Synchronizer) remove(req *pendingRequest) {
	delete(s.pending, req.digest)
	s.queue.remove(req)
	s.metrics.pendingRequests.Dec()
	if req.stuck {
		s.metrics.stuckRequests.Dec()
	}
}

// resetTimer arms the timer for the earliest deadline, or stops it if
// nothing is pending.
func (s *Synchronizer) resetTimer() {
	next, ok := s.queue.next()
	if !ok {
		s.timer.Stop()
		return
	}
	wait := next.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	s.timer.Reset(wait)
}

// Pending returns the number of outstanding requests. It must only be called
// from the goroutine running the synchronizer or while it is not running.
func (s *Synchronizer) Pending() int {
	return len(s.pending)
}
