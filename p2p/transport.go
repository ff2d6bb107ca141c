package p2p

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/rs/zerolog"

	"github.com/cmwaters/mempool/core"
	mnet "github.com/cmwaters/mempool/network"
	"github.com/cmwaters/mempool/pkg/sign"
)

const (
	// DirectProtocol carries messages addressed to a single authority:
	// sync requests to a block author and batches returned to a requester
	DirectProtocol protocol.ID = "/mempool/direct/1.0.0"

	// topic prefix for batch dissemination, suffixed by the namespace
	topicPrefix = "/mempool/batches/"

	// how long a direct stream may take to deliver one message
	streamTimeout = 30 * time.Second
)

var _ core.Transport = (*Transport)(nil)

// Resolver maps an authority ID to the peer ID of its libp2p host
type Resolver func(id []byte) (peer.ID, error)

// KeyResolver derives the peer ID from the authority's ed25519 public key.
// It assumes every authority uses its signing key as its host identity.
func KeyResolver(id []byte) (peer.ID, error) {
	pub, err := sign.PubKeyFromID(id)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}

// Transport implements core.Transport on top of libp2p. Broadcasts are
// flood published on a gossipsub topic joined by every authority and are
// never relayed: each message travels a single hop from its author. Messages
// to a single authority use a direct stream.
type Transport struct {
	host    host.Host
	ps      *pubsub.PubSub
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	resolve Resolver

	maxMsgSize int
	inbox      chan *core.Message
	logger     zerolog.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

type Option func(t *Transport)

func WithResolver(resolver Resolver) Option {
	return func(t *Transport) {
		t.resolve = resolver
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithMaxPayloadSize bounds the messages accepted from peers. It should
// match the core's MaxPayloadSize.
func WithMaxPayloadSize(size int) Option {
	return func(t *Transport) {
		t.maxMsgSize = mnet.MaxMessageSize(size)
	}
}

// WithQueueCapacity sets the capacity of the inbound queue
func WithQueueCapacity(capacity int) Option {
	return func(t *Transport) {
		t.inbox = make(chan *core.Message, capacity)
	}
}

// NewGossipSub creates a gossipsub router able to carry batches of up to
// maxPayloadSize bytes. Flood publishing sends our own messages to every
// topic peer rather than to the mesh only, since peers do not forward them.
func NewGossipSub(ctx context.Context, h host.Host, maxPayloadSize int) (*pubsub.PubSub, error) {
	return pubsub.NewGossipSub(ctx, h,
		pubsub.WithMaxMessageSize(mnet.MaxMessageSize(maxPayloadSize)),
		pubsub.WithFloodPublish(true),
	)
}

// NewTransport joins the batch topic of the namespace and starts receiving.
func NewTransport(h host.Host, ps *pubsub.PubSub, namespace string, opts ...Option) (*Transport, error) {
	t := &Transport{
		host:       h,
		ps:         ps,
		resolve:    KeyResolver,
		maxMsgSize: mnet.MaxMessageSize(core.DefaultParameters().MaxPayloadSize),
		inbox:      make(chan *core.Message, core.DefaultParameters().QueueCapacity),
		logger:     zerolog.New(os.Stdout),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("module", "p2p").Logger()

	topicName := topicPrefix + namespace
	if err := ps.RegisterTopicValidator(topicName, t.validate); err != nil {
		return nil, fmt.Errorf("registering validator: %w", err)
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		_ = ps.UnregisterTopicValidator(topicName)
		return nil, fmt.Errorf("joining topic %s: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		_ = ps.UnregisterTopicValidator(topicName)
		return nil, fmt.Errorf("subscribing to topic %s: %w", topicName, err)
	}
	t.topic = topic
	t.sub = sub

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	h.SetStreamHandler(DirectProtocol, func(s network.Stream) {
		t.handleStream(ctx, s)
	})

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.drainTopic(ctx)
	}()
	return t, nil
}

// validate hands peer messages to the inbox and then ignores them, so that
// gossipsub neither delivers them to the subscription nor forwards them to
// other peers. Malformed messages are rejected to penalize the sender. Our
// own messages are accepted, otherwise they would not be published.
func (t *Transport) validate(ctx context.Context, from peer.ID, pmsg *pubsub.Message) pubsub.ValidationResult {
	if from == t.host.ID() {
		return pubsub.ValidationAccept
	}
	msg, err := mnet.Decode(pmsg.Data)
	if err != nil {
		return pubsub.ValidationReject
	}
	select {
	case t.inbox <- msg:
	case <-t.closed:
	case <-ctx.Done():
	}
	return pubsub.ValidationIgnore
}

// drainTopic consumes the subscription. Only our own broadcasts reach it.
func (t *Transport) drainTopic(ctx context.Context) {
	for {
		if _, err := t.sub.Next(ctx); err != nil {
			// happens when the subscription is canceled
			return
		}
	}
}

func (t *Transport) handleStream(ctx context.Context, s network.Stream) {
	_ = s.SetReadDeadline(time.Now().Add(streamTimeout))
	reader := msgio.NewVarintReaderSize(s, t.maxMsgSize)
	data, err := reader.ReadMsg()
	if err != nil {
		t.logger.Debug().Err(err).Str("peer", s.Conn().RemotePeer().String()).Msg("reading direct message")
		_ = s.Reset()
		return
	}
	_ = s.Close()

	msg, err := mnet.Decode(data)
	reader.ReleaseMsg(data)
	if err != nil {
		t.logger.Debug().Err(err).Str("peer", s.Conn().RemotePeer().String()).Msg("invalid direct message")
		return
	}
	select {
	case t.inbox <- msg:
	case <-ctx.Done():
	}
}

// Broadcast publishes the message to every peer on the batch topic. Delivery
// is best effort, peers that miss it fetch the batch on demand.
func (t *Transport) Broadcast(ctx context.Context, msg *core.Message) error {
	data, err := mnet.Encode(msg)
	if err != nil {
		return err
	}
	return t.topic.Publish(ctx, data)
}

// Send opens a stream to the authority and writes a single message
func (t *Transport) Send(ctx context.Context, to []byte, msg *core.Message) error {
	pid, err := t.resolve(to)
	if err != nil {
		return fmt.Errorf("resolving authority %X: %w", to, err)
	}
	data, err := mnet.Encode(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()
	s, err := t.host.NewStream(ctx, pid, DirectProtocol)
	if err != nil {
		return fmt.Errorf("opening stream to %s: %w", pid, err)
	}
	_ = s.SetWriteDeadline(time.Now().Add(streamTimeout))
	if err := msgio.NewVarintWriter(s).WriteMsg(data); err != nil {
		_ = s.Reset()
		return fmt.Errorf("writing to %s: %w", pid, err)
	}
	return s.Close()
}

func (t *Transport) Receive(ctx context.Context) (*core.Message, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.closed:
		return nil, core.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peers lists the peers currently subscribed to the batch topic
func (t *Transport) Peers() []peer.ID {
	return t.topic.ListPeers()
}

func (t *Transport) Close() (err error) {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.cancel()
		t.host.RemoveStreamHandler(DirectProtocol)
		t.sub.Cancel()
		t.wg.Wait()
		err = errors.Join(err, t.ps.UnregisterTopicValidator(t.topic.String()))
		err = errors.Join(err, t.topic.Close())
	})
	return err
}
