package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cmwaters/mempool/pkg/group"
	"github.com/cmwaters/mempool/pkg/sign"
)

type sentMessage struct {
	to  []byte
	msg *Message
}

// recordingSender captures every outbound message. A nil recipient
// denotes a broadcast.
type recordingSender struct {
	mtx  sync.Mutex
	sent []sentMessage
}

func (r *recordingSender) Broadcast(_ context.Context, msg *Message) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.sent = append(r.sent, sentMessage{msg: msg})
	return nil
}

func (r *recordingSender) Send(_ context.Context, to []byte, msg *Message) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.sent = append(r.sent, sentMessage{to: to, msg: msg})
	return nil
}

// take returns and forgets everything sent so far
func (r *recordingSender) take() []sentMessage {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	sent := r.sent
	r.sent = nil
	return sent
}

type syncFixture struct {
	sync      *Synchronizer
	sender    *recordingSender
	clock     *clock.Mock
	out       chan ConsensusMessage
	committee *group.Committee
	signers   []*sign.TestSigner
}

func newSyncFixture(t *testing.T, params Parameters) *syncFixture {
	committee, signers := sign.TestCommittee(4)
	f := &syncFixture{
		sender:    &recordingSender{},
		clock:     clock.NewMock(),
		out:       make(chan ConsensusMessage, 10),
		committee: committee,
		signers:   signers,
	}
	f.sync = NewSynchronizer(signers[0], committee, f.sender, params, f.clock, zerolog.Nop(), NewMetrics(nil))
	f.sync.out = f.out
	return f
}

func testParams() Parameters {
	params := DefaultParameters()
	params.QueueCapacity = 100
	params.SyncRetryDelay = time.Second
	params.StuckRetryThreshold = 3
	return params
}

func testBatch(txs ...string) (Digest, *Batch) {
	batch := &Batch{}
	for _, tx := range txs {
		batch.Transactions = append(batch.Transactions, Transaction(tx))
	}
	return Hash(DefaultHashFunc, batch.Marshal()), batch
}

func TestSynchronizerRequestsOnce(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testParams())
	digest, _ := testBatch("tx")

	require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: digest, Round: 1}))
	sent := f.sender.take()
	require.Len(t, sent, 1)
	require.Nil(t, sent[0].to)
	require.Equal(t, SyncRequestMessage, sent[0].msg.Type)
	require.Equal(t, []Digest{digest}, sent[0].msg.Digests)
	require.Equal(t, f.signers[0].ID(), sent[0].msg.Sender)
	member, ok := f.committee.GetMemberByID(f.signers[0].ID())
	require.True(t, ok)
	require.True(t, member.Verify(EncodeMsgToSign(SyncRequestMessage, digest), sent[0].msg.Signature))

	// a second lookup for the same digest only attaches a waiter
	reply := make(chan *Batch, 1)
	require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: digest, Round: 2, Reply: reply}))
	require.Empty(t, f.sender.take())
	require.Equal(t, 1, f.sync.Pending())
	req := f.sync.pending[digest]
	require.Len(t, req.waiters, 1)
	require.True(t, req.notifyConsensus)
	require.EqualValues(t, 2, req.round)
	require.Equal(t, 1.0, testutil.ToFloat64(f.sync.metrics.pendingRequests))
}

func TestSynchronizerTargetsAuthor(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testParams())
	author := f.signers[2].ID()

	digest, _ := testBatch("a")
	require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: digest, Author: author}))
	sent := f.sender.take()
	require.Len(t, sent, 1)
	require.Equal(t, author, sent[0].to)

	// retries go to everyone
	f.clock.Add(time.Second)
	f.sync.handleTimeout(ctx)
	sent = f.sender.take()
	require.Len(t, sent, 1)
	require.Nil(t, sent[0].to)

	// our own id or a stranger are not valid targets
	selfDigest, _ := testBatch("b")
	require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: selfDigest, Author: f.signers[0].ID()}))
	strangerDigest, _ := testBatch("c")
	require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: strangerDigest, Author: sign.NewTestSigner().ID()}))
	sent = f.sender.take()
	require.Len(t, sent, 2)
	require.Nil(t, sent[0].to)
	require.Nil(t, sent[1].to)
}

func TestSynchronizerRetries(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testParams())
	digest, _ := testBatch("tx")

	require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: digest}))
	first := f.sender.take()
	require.Len(t, first, 1)

	// nothing is due before the retry delay elapses
	f.clock.Add(999 * time.Millisecond)
	f.sync.handleTimeout(ctx)
	require.Empty(t, f.sender.take())

	for attempt := 2; attempt <= 5; attempt++ {
		f.clock.Add(time.Second)
		f.sync.handleTimeout(ctx)
		sent := f.sender.take()
		require.Len(t, sent, 1)
		require.Equal(t, first[0].msg.Digests, sent[0].msg.Digests)
		require.Equal(t, attempt, f.sync.pending[digest].attempts)
	}
	require.Equal(t, 4.0, testutil.ToFloat64(f.sync.metrics.syncRetries))
}

func TestSynchronizerArrivalResolvesOnce(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testParams())
	digest, batch := testBatch("tx")

	reply := make(chan *Batch, 2)
	require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: digest, Reply: reply}))
	require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: digest}))
	f.sender.take()

	require.NoError(t, f.sync.handleArrival(ctx, digest, batch))
	require.Equal(t, batch, <-reply)
	msg := <-f.out
	require.Equal(t, BatchResolved, msg.Kind)
	require.Equal(t, digest, msg.Digest)
	require.Equal(t, batch, msg.Batch)
	require.Zero(t, f.sync.Pending())

	// duplicates of the batch resolve nothing
	require.NoError(t, f.sync.handleArrival(ctx, digest, batch))
	require.Empty(t, reply)
	require.Empty(t, f.out)

	// and no more requests are sent
	f.clock.Add(10 * time.Second)
	f.sync.handleTimeout(ctx)
	require.Empty(t, f.sender.take())
	require.Zero(t, testutil.ToFloat64(f.sync.metrics.pendingRequests))
}

func TestSynchronizerArrivalDoesNotWaitOnReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f := newSyncFixture(t, testParams())
	d1, b1 := testBatch("one")
	d2, _ := testBatch("two")

	// nobody reads this channel
	require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: d1, Reply: make(chan *Batch)}))
	require.NoError(t, f.sync.handleArrival(ctx, d1, b1))
	require.Zero(t, f.sync.Pending())
	require.Equal(t, 1.0, testutil.ToFloat64(f.sync.metrics.droppedReplies))
	f.sender.take()

	// later requests are still served
	require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: d2}))
	sent := f.sender.take()
	require.Len(t, sent, 1)
	require.Equal(t, []Digest{d2}, sent[0].msg.Digests)
}

func TestSynchronizerCleanup(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testParams())

	replies := make([]chan *Batch, 4)
	digests := make([]Digest, 4)
	batches := make([]*Batch, 4)
	for i := range digests {
		digests[i], batches[i] = testBatch(string(rune('a' + i)))
		replies[i] = make(chan *Batch, 1)
		require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: digests[i], Round: uint64(i + 1), Reply: replies[i]}))
	}
	f.sender.take()

	f.sync.handleCleanup(Cleanup{Round: 2})
	require.Equal(t, 2, f.sync.Pending())
	require.NotContains(t, f.sync.pending, digests[0])
	require.NotContains(t, f.sync.pending, digests[1])

	f.sync.handleCleanup(Cleanup{Digests: []Digest{digests[3]}})
	require.Equal(t, 1, f.sync.Pending())

	// cleaned up requests are neither resolved nor retried
	require.NoError(t, f.sync.handleArrival(ctx, digests[0], batches[0]))
	require.Empty(t, replies[0])

	f.clock.Add(time.Second)
	f.sync.handleTimeout(ctx)
	sent := f.sender.take()
	require.Len(t, sent, 1)
	require.Equal(t, []Digest{digests[2]}, sent[0].msg.Digests)
}

func TestSynchronizerStuckRequests(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testParams())
	digest, batch := testBatch("tx")

	require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: digest}))
	f.clock.Add(time.Second)
	f.sync.handleTimeout(ctx)
	require.Zero(t, testutil.ToFloat64(f.sync.metrics.stuckRequests))

	// the third attempt crosses the threshold
	f.clock.Add(time.Second)
	f.sync.handleTimeout(ctx)
	require.Equal(t, 1.0, testutil.ToFloat64(f.sync.metrics.stuckRequests))

	// retries continue regardless
	f.sender.take()
	f.clock.Add(time.Second)
	f.sync.handleTimeout(ctx)
	require.Len(t, f.sender.take(), 1)
	require.Equal(t, 1.0, testutil.ToFloat64(f.sync.metrics.stuckRequests))

	require.NoError(t, f.sync.handleArrival(ctx, digest, batch))
	<-f.out
	require.Zero(t, testutil.ToFloat64(f.sync.metrics.stuckRequests))
}

func TestSynchronizerChunksRetries(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, testParams())

	for i := 0; i < MaxSyncDigests+1; i++ {
		require.NoError(t, f.sync.handleRequest(ctx, Get{Digest: Digest{byte(i), byte(i >> 8)}}))
	}
	require.Len(t, f.sender.take(), MaxSyncDigests+1)

	f.clock.Add(time.Second)
	f.sync.handleTimeout(ctx)
	sent := f.sender.take()
	require.Len(t, sent, 2)
	require.Len(t, sent[0].msg.Digests, MaxSyncDigests)
	require.Len(t, sent[1].msg.Digests, 1)
	for _, s := range sent {
		require.NoError(t, s.msg.ValidateForm())
	}
}
