// Package front accepts transactions from clients. Each connection carries a
// stream of varint length-prefixed transactions which are forwarded, in
// order, to the mempool core.
package front

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/libp2p/go-msgio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/cmwaters/mempool/core"
)

// Server listens for client connections
type Server struct {
	listener  net.Listener
	maxTxSize int
	logger    zerolog.Logger

	received    prometheus.Counter
	connections prometheus.Gauge

	mtx       sync.Mutex
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(s *Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMaxTxSize caps the size of a single transaction. Clients that send a
// larger one are disconnected.
func WithMaxTxSize(size int) Option {
	return func(s *Server) {
		s.maxTxSize = size
	}
}

// WithRegisterer registers the server's metrics with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) {
		s.registerMetrics(reg)
	}
}

// Listen binds the address. Transactions are only read once Serve is called.
func Listen(address string, opts ...Option) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("binding front address %s: %w", address, err)
	}
	s := &Server{
		listener:  listener,
		maxTxSize: core.DefaultParameters().MaxPayloadSize,
		logger:    zerolog.New(os.Stdout),
		conns:     make(map[net.Conn]struct{}),
		closed:    make(chan struct{}),
	}
	s.registerMetrics(nil)
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("module", "front").Logger()
	return s, nil
}

func (s *Server) registerMetrics(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	s.received = factory.NewCounter(prometheus.CounterOpts{
		Name: "mempool_front_transactions_received_total",
		Help: "Transactions read from client connections",
	})
	s.connections = factory.NewGauge(prometheus.GaugeOpts{
		Name: "mempool_front_connections",
		Help: "Open client connections",
	})
}

// Addr returns the address the server is bound to
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections and forwards every transaction to out. When out
// is full, reading from clients pauses. Serve returns nil once Close is
// called or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, out chan<- core.Transaction) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closed:
		}
	}()

	s.logger.Info().Str("address", s.Addr().String()).Msg("listening to client transactions")
	defer func() {
		// unblock connections waiting on a full out channel
		cancel()
		s.wg.Wait()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn, out)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, out chan<- core.Transaction) {
	logger := s.logger.With().Str("peer", conn.RemoteAddr().String()).Logger()
	logger.Debug().Msg("client connected")
	reader := msgio.NewVarintReaderSize(conn, s.maxTxSize)
	for {
		data, err := reader.ReadMsg()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				logger.Debug().Msg("client disconnected")
			case errors.Is(err, msgio.ErrMsgTooLarge):
				logger.Warn().Int("max_size", s.maxTxSize).Msg("client sent oversized transaction")
			default:
				logger.Debug().Err(err).Msg("reading transaction")
			}
			return
		}
		// the reader recycles its buffers
		tx := make(core.Transaction, len(data))
		copy(tx, data)
		reader.ReleaseMsg(data)

		select {
		case out <- tx:
			s.received.Inc()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.connections.Inc()
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		s.connections.Dec()
		_ = conn.Close()
	}
}

// Close stops accepting connections and disconnects every client
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mtx.Lock()
		close(s.closed)
		err = s.listener.Close()
		for conn := range s.conns {
			err = errors.Join(err, conn.Close())
		}
		s.mtx.Unlock()
	})
	return err
}
