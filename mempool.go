package mempool

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cmwaters/mempool/core"
	"github.com/cmwaters/mempool/front"
	"github.com/cmwaters/mempool/pkg/group"
	"github.com/cmwaters/mempool/pkg/sign"
)

// Mempool is a running mempool: the front accepting client transactions and
// the core with its synchronizer.
type Mempool struct {
	core   *core.Core
	front  *front.Server
	logger zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

type options struct {
	logger       zerolog.Logger
	registerer   prometheus.Registerer
	hashFunc     crypto.Hash
	frontAddress string
}

type Option func(o *options)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the metrics of every component with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

func WithHashFunc(h crypto.Hash) Option {
	return func(o *options) {
		o.hashFunc = h
	}
}

// WithFrontAddress binds the front to address instead of the front address
// the committee lists for this authority.
func WithFrontAddress(address string) Option {
	return func(o *options) {
		o.frontAddress = address
	}
}

// Run starts the mempool of the authority identified by signer. It returns
// once every component is running. Failing to bind the front is fatal.
//
// Batches sealed locally and batches resolved for consensus are sent to
// consensusOut. consensusIn carries Get and Cleanup requests.
func Run(
	signer sign.Signer,
	committee group.Group,
	parameters core.Parameters,
	store core.Store,
	transport core.Transport,
	consensusIn <-chan core.ConsensusMempoolMessage,
	consensusOut chan<- core.ConsensusMessage,
	opts ...Option,
) (*Mempool, error) {
	o := options{
		logger:   zerolog.New(os.Stdout),
		hashFunc: core.DefaultHashFunc,
	}
	for _, opt := range opts {
		opt(&o)
	}

	o.logger.Info().
		Int("queue_capacity", parameters.QueueCapacity).
		Int("max_payload_size", parameters.MaxPayloadSize).
		Dur("min_block_delay", parameters.MinBlockDelay).
		Dur("sync_retry_delay", parameters.SyncRetryDelay).
		Str("hash_func", o.hashFunc.String()).
		Msg("starting mempool")

	c, err := core.New(
		signer,
		committee,
		parameters,
		store,
		transport,
		core.WithLogger(o.logger),
		core.WithHashFunc(o.hashFunc),
		core.WithMetrics(core.NewMetrics(o.registerer)),
	)
	if err != nil {
		return nil, err
	}

	address := o.frontAddress
	if address == "" {
		address, err = frontBindAddress(committee, signer.ID())
		if err != nil {
			return nil, err
		}
	}
	f, err := front.Listen(
		address,
		front.WithLogger(o.logger),
		front.WithMaxTxSize(parameters.MaxPayloadSize),
		front.WithRegisterer(o.registerer),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mempool{
		core:   c,
		front:  f,
		logger: o.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	clients := make(chan core.Transaction, parameters.QueueCapacity)
	errCh := make(chan error, 2)
	go func() {
		errCh <- f.Serve(ctx, clients)
	}()
	go func() {
		errCh <- c.Start(ctx, clients, consensusIn, consensusOut)
	}()
	go func() {
		defer close(m.done)
		// the first component to exit takes the other down
		err := ignoreCanceled(<-errCh)
		cancel()
		m.err = errors.Join(err, ignoreCanceled(<-errCh))
	}()
	return m, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// frontBindAddress listens on all interfaces on the port the committee
// lists for the authority.
func frontBindAddress(committee group.Group, id []byte) (string, error) {
	member, ok := committee.GetMemberByID(id)
	if !ok {
		return "", fmt.Errorf("authority %X is not a member of the committee", id)
	}
	a, ok := member.(group.Addressable)
	if !ok || a.FrontAddress() == "" {
		return "", fmt.Errorf("authority %X has no front address", id)
	}
	_, port, err := net.SplitHostPort(a.FrontAddress())
	if err != nil {
		return "", fmt.Errorf("parsing front address %q: %w", a.FrontAddress(), err)
	}
	return net.JoinHostPort("0.0.0.0", port), nil
}

// FrontAddr is the address clients submit transactions to
func (m *Mempool) FrontAddr() net.Addr {
	return m.front.Addr()
}

// Wait returns a channel that is closed once the mempool has stopped
func (m *Mempool) Wait() <-chan struct{} {
	return m.done
}

// Err returns the error that stopped the mempool, if any. It must only be
// called after Wait is closed.
func (m *Mempool) Err() error {
	return m.err
}

// Stop shuts the front and the core down and waits for them to exit
func (m *Mempool) Stop() error {
	m.cancel()
	<-m.done
	return m.err
}
