package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cmwaters/mempool"
	"github.com/cmwaters/mempool/config"
	"github.com/cmwaters/mempool/core"
	"github.com/cmwaters/mempool/p2p"
	"github.com/cmwaters/mempool/pkg/group"
	"github.com/cmwaters/mempool/pkg/sign"
	"github.com/cmwaters/mempool/store"
)

// how often disconnected authorities are redialed
const reconnectInterval = 10 * time.Second

var runFlags struct {
	config string
	pretty bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the mempool of an authority",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(runFlags.config)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("pretty") {
			cfg.Log.Pretty = runFlags.pretty
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runFlags.config, "config", "c", "", "Path to the config file")
	runCmd.Flags().BoolVar(&runFlags.pretty, "pretty", false, "Human readable logs")
}

func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	logger := zerolog.New(os.Stdout)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

func runNode(ctx context.Context, cfg config.Config, logger zerolog.Logger) (err error) {
	params := cfg.Mempool.Parameters()
	hashFunc, err := cfg.Mempool.Hash()
	if err != nil {
		return err
	}

	key, err := sign.LoadKey(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("loading key: %w", err)
	}
	signer, err := sign.NewKeySigner(key)
	if err != nil {
		return err
	}
	committee, err := config.LoadCommittee(cfg.CommitteeFile)
	if err != nil {
		return err
	}
	listen, err := listenAddress(committee, signer.ID())
	if err != nil {
		return err
	}

	if cfg.Store.Backend != store.MemoryBackend {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}
	batches, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, batches.Close())
	}()

	h, err := libp2p.New(libp2p.Identity(signer.PrivKey()), libp2p.ListenAddrs(listen))
	if err != nil {
		return fmt.Errorf("starting libp2p host: %w", err)
	}
	defer func() {
		err = errors.Join(err, h.Close())
	}()
	logger.Info().Str("peer_id", h.ID().String()).Interface("addrs", h.Addrs()).Msg("libp2p host started")

	ps, err := p2p.NewGossipSub(ctx, h, params.MaxPayloadSize)
	if err != nil {
		return fmt.Errorf("starting gossipsub: %w", err)
	}
	transport, err := p2p.NewTransport(
		h,
		ps,
		cfg.Namespace,
		p2p.WithLogger(logger),
		p2p.WithMaxPayloadSize(params.MaxPayloadSize),
		p2p.WithQueueCapacity(params.QueueCapacity),
	)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, transport.Close())
	}()
	go keepConnected(ctx, h, committee, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Metrics.Address != "" {
		srv := serveMetrics(cfg.Metrics.Address, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// No consensus engine is attached to this process: the digests that
	// would be proposed are only logged.
	consensusIn := make(chan core.ConsensusMempoolMessage)
	consensusOut := make(chan core.ConsensusMessage, params.QueueCapacity)
	m, err := mempool.Run(
		signer,
		committee,
		params,
		batches,
		transport,
		consensusIn,
		consensusOut,
		mempool.WithLogger(logger),
		mempool.WithRegisterer(reg),
		mempool.WithHashFunc(hashFunc),
	)
	if err != nil {
		return err
	}
	client := mempool.NewClient(consensusIn)
	go func() { _ = client.Run(ctx, consensusOut) }()
	go logProposals(ctx, client, logger)

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		return m.Stop()
	case <-m.Wait():
		return m.Err()
	}
}

func logProposals(ctx context.Context, client *mempool.Client, logger zerolog.Logger) {
	for {
		digests, err := client.Next(ctx, 0)
		if err != nil {
			return
		}
		for _, d := range digests {
			logger.Info().Str("digest", d.String()).Msg("batch ready for proposal")
		}
	}
}

// listenAddress binds every interface on the port of the authority's
// mempool address.
func listenAddress(committee group.Group, id []byte) (ma.Multiaddr, error) {
	member, ok := committee.GetMemberByID(id)
	if !ok {
		return nil, fmt.Errorf("authority %X is not a member of the committee", id)
	}
	a, ok := member.(group.Addressable)
	if !ok {
		return nil, fmt.Errorf("authority %X has no addresses", id)
	}
	addr, err := ma.NewMultiaddr(a.MempoolAddress())
	if err != nil {
		return nil, fmt.Errorf("parsing mempool address %q: %w", a.MempoolAddress(), err)
	}
	port, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return nil, fmt.Errorf("mempool address %s has no tcp port: %w", addr, err)
	}
	return ma.NewMultiaddr("/ip4/0.0.0.0/tcp/" + port)
}

func keepConnected(ctx context.Context, h host.Host, committee group.Group, logger zerolog.Logger) {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	for {
		dialCtx, cancel := context.WithTimeout(ctx, reconnectInterval)
		if err := p2p.Connect(dialCtx, h, committee, p2p.KeyResolver); err != nil && ctx.Err() == nil {
			logger.Debug().Err(err).Msg("connecting to committee")
		}
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func serveMetrics(address string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("address", address).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}
