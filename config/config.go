// Package config loads the node configuration and the committee file.
//
// The node configuration is read with viper from a file (any format viper
// supports) and environment variables prefixed with MEMPOOL_, for example
// MEMPOOL_MEMPOOL_MIN_BLOCK_DELAY=200ms.
package config

import (
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	// register the remaining digest functions
	_ "golang.org/x/crypto/blake2b"
	_ "golang.org/x/crypto/sha3"

	"github.com/cmwaters/mempool/core"
	"github.com/cmwaters/mempool/store"
)

const envPrefix = "MEMPOOL"

type Config struct {
	// KeyFile holds the ed25519 key of this authority, see `mempoold keygen`
	KeyFile string `mapstructure:"key_file"`
	// CommitteeFile is the yaml file listing every authority
	CommitteeFile string `mapstructure:"committee_file"`
	// Namespace separates the gossip topics of different committees
	Namespace string `mapstructure:"namespace"`

	Store   StoreConfig   `mapstructure:"store"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
	Mempool MempoolConfig `mapstructure:"mempool"`
}

type StoreConfig struct {
	Backend store.Backend `mapstructure:"backend"`
	Path    string        `mapstructure:"path"`
}

type MetricsConfig struct {
	// Address serves /metrics. Empty disables the endpoint.
	Address string `mapstructure:"address"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MempoolConfig mirrors core.Parameters plus the digest function
type MempoolConfig struct {
	QueueCapacity       int           `mapstructure:"queue_capacity"`
	MaxPayloadSize      int           `mapstructure:"max_payload_size"`
	MinBlockDelay       time.Duration `mapstructure:"min_block_delay"`
	SyncRetryDelay      time.Duration `mapstructure:"sync_retry_delay"`
	StuckRetryThreshold int           `mapstructure:"stuck_retry_threshold"`
	HashFunc            string        `mapstructure:"hash_func"`
}

func Default() Config {
	params := core.DefaultParameters()
	return Config{
		KeyFile:       "key",
		CommitteeFile: "committee.yaml",
		Namespace:     "mempool",
		Store: StoreConfig{
			Backend: store.LevelDBBackend,
			Path:    "data",
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9090",
		},
		Log: LogConfig{
			Level: "info",
		},
		Mempool: MempoolConfig{
			QueueCapacity:       params.QueueCapacity,
			MaxPayloadSize:      params.MaxPayloadSize,
			MinBlockDelay:       params.MinBlockDelay,
			SyncRetryDelay:      params.SyncRetryDelay,
			StuckRetryThreshold: params.StuckRetryThreshold,
			HashFunc:            "sha256",
		},
	}
}

// Load reads the configuration file at path, if any, on top of the defaults
// and applies environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, cfg.Validate()
}

// every key needs a default for AutomaticEnv to pick it up on Unmarshal
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("key_file", cfg.KeyFile)
	v.SetDefault("committee_file", cfg.CommitteeFile)
	v.SetDefault("namespace", cfg.Namespace)
	v.SetDefault("store.backend", string(cfg.Store.Backend))
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.pretty", cfg.Log.Pretty)
	v.SetDefault("mempool.queue_capacity", cfg.Mempool.QueueCapacity)
	v.SetDefault("mempool.max_payload_size", cfg.Mempool.MaxPayloadSize)
	v.SetDefault("mempool.min_block_delay", cfg.Mempool.MinBlockDelay)
	v.SetDefault("mempool.sync_retry_delay", cfg.Mempool.SyncRetryDelay)
	v.SetDefault("mempool.stuck_retry_threshold", cfg.Mempool.StuckRetryThreshold)
	v.SetDefault("mempool.hash_func", cfg.Mempool.HashFunc)
}

func (c Config) Validate() error {
	var err error
	if c.KeyFile == "" {
		err = errors.Join(err, errors.New("key_file is required"))
	}
	if c.CommitteeFile == "" {
		err = errors.Join(err, errors.New("committee_file is required"))
	}
	if c.Namespace == "" {
		err = errors.Join(err, errors.New("namespace is required"))
	}
	switch c.Store.Backend {
	case store.LevelDBBackend, store.BoltBackend:
		if c.Store.Path == "" {
			err = errors.Join(err, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
	case store.MemoryBackend:
	default:
		err = errors.Join(err, fmt.Errorf("unsupported store backend: %q", c.Store.Backend))
	}
	if _, hashErr := c.Mempool.Hash(); hashErr != nil {
		err = errors.Join(err, hashErr)
	}
	return errors.Join(err, c.Mempool.Parameters().Validate())
}

func (m MempoolConfig) Parameters() core.Parameters {
	return core.Parameters{
		QueueCapacity:       m.QueueCapacity,
		MaxPayloadSize:      m.MaxPayloadSize,
		MinBlockDelay:       m.MinBlockDelay,
		SyncRetryDelay:      m.SyncRetryDelay,
		StuckRetryThreshold: m.StuckRetryThreshold,
	}
}

var hashFuncs = map[string]crypto.Hash{
	"sha256":      crypto.SHA256,
	"sha512-256":  crypto.SHA512_256,
	"sha3-256":    crypto.SHA3_256,
	"blake2b-256": crypto.BLAKE2b_256,
}

// Hash resolves the configured digest function
func (m MempoolConfig) Hash() (crypto.Hash, error) {
	h, ok := hashFuncs[strings.ToLower(m.HashFunc)]
	if !ok {
		return 0, fmt.Errorf("unsupported hash function %q", m.HashFunc)
	}
	return h, nil
}
