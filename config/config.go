package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	defaultControlBufferSize    = 256
	defaultWorkerPoolSize       = 4
	defaultVerificationTimeout  = 30 * time.Second
	defaultSparseSyncInterval   = 5 * time.Second
	defaultBackoffMaxRetries    = 15
	defaultBackoffInitialDelay  = 500 * time.Millisecond
	defaultBackoffMaxDelay      = 30 * time.Second
	defaultBackoffMultiplier    = 2.0
	defaultBackoffRandomization = 0.5
)

// defaultRelayServers are the bootstrap relay rooms used when the user has
// not configured a custom relay.
var defaultRelayServers = []string{
	"wss://relay-1.loom.network",
	"wss://relay-2.loom.network",
}

type Config struct {
	// Directory this config was loaded from; not serialized.
	ConfigDir string `yaml:"-"`

	LogFile string     `yaml:"logFile"`
	Logger  *LogConfig `yaml:"logger"`

	DB      DBConfig      `yaml:"db"`
	P2P     P2PConfig     `yaml:"p2p"`
	Relay   RelayConfig   `yaml:"relay"`
	Sync    SyncConfig    `yaml:"sync"`
	Workers WorkersConfig `yaml:"workers"`
}

type P2PConfig struct {
	// Hex-encoded ed25519 libp2p identity key. Generated on first start if
	// empty.
	PeerPrivKey string `yaml:"peerPrivKey"`
	// Multiaddrs to listen on for the direct overlay.
	ListenMultiaddrs []string `yaml:"listenMultiaddrs"`
	// Multiaddrs of overlay bootstrap peers.
	BootstrapPeers []string `yaml:"bootstrapPeers"`
	// Service tag announced over mDNS for LAN discovery.
	DiscoveryServiceTag string `yaml:"discoveryServiceTag"`
}

// WithDefaults returns a copy of the P2PConfig with any missing fields set
// to their default values.
func (c P2PConfig) WithDefaults() P2PConfig {
	cpy := c
	if len(cpy.ListenMultiaddrs) == 0 {
		cpy.ListenMultiaddrs = []string{"/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"}
	}
	if cpy.DiscoveryServiceTag == "" {
		cpy.DiscoveryServiceTag = "loom-sync"
	}
	return cpy
}

type RelayConfig struct {
	// Bootstrap relay websocket URLs, used when no custom relay is set.
	Servers []string `yaml:"servers"`
	// SOCKS5 proxy address for the anonymizing transport. Empty disables it.
	ProxyAddr string `yaml:"proxyAddr"`
	// Reconnection backoff tuning.
	MaxRetries    int           `yaml:"maxRetries"`
	InitialDelay  time.Duration `yaml:"initialDelay"`
	MaxDelay      time.Duration `yaml:"maxDelay"`
	Multiplier    float64       `yaml:"multiplier"`
	Randomization float64       `yaml:"randomization"`
}

// WithDefaults returns a copy of the RelayConfig with any missing fields set
// to their default values.
func (c RelayConfig) WithDefaults() RelayConfig {
	cpy := c
	if len(cpy.Servers) == 0 {
		cpy.Servers = append([]string{}, defaultRelayServers...)
	}
	if cpy.MaxRetries == 0 {
		cpy.MaxRetries = defaultBackoffMaxRetries
	}
	if cpy.InitialDelay == 0 {
		cpy.InitialDelay = defaultBackoffInitialDelay
	}
	if cpy.MaxDelay == 0 {
		cpy.MaxDelay = defaultBackoffMaxDelay
	}
	if cpy.Multiplier == 0 {
		cpy.Multiplier = defaultBackoffMultiplier
	}
	if cpy.Randomization == 0 {
		cpy.Randomization = defaultBackoffRandomization
	}
	return cpy
}

type SyncConfig struct {
	// Ceiling for a manifest verification request to resolve.
	VerificationTimeout time.Duration `yaml:"verificationTimeout"`
	// Interval of the sparse-replica recovery loop.
	SparseSyncInterval time.Duration `yaml:"sparseSyncInterval"`
}

// WithDefaults returns a copy of the SyncConfig with any missing fields set
// to their default values.
func (c SyncConfig) WithDefaults() SyncConfig {
	cpy := c
	if cpy.VerificationTimeout == 0 {
		cpy.VerificationTimeout = defaultVerificationTimeout
	}
	if cpy.SparseSyncInterval == 0 {
		cpy.SparseSyncInterval = defaultSparseSyncInterval
	}
	return cpy
}

type WorkersConfig struct {
	// Size of the crypto worker pool.
	PoolSize int `yaml:"poolSize"`
	// Buffer size of the engine event channel.
	EventBufferSize int `yaml:"eventBufferSize"`
}

// WithDefaults returns a copy of the WorkersConfig with any missing fields
// set to their default values.
func (c WorkersConfig) WithDefaults() WorkersConfig {
	cpy := c
	if cpy.PoolSize == 0 {
		cpy.PoolSize = defaultWorkerPoolSize
	}
	if cpy.EventBufferSize == 0 {
		cpy.EventBufferSize = defaultControlBufferSize
	}
	return cpy
}

// WithDefaults returns a copy of the Config with any missing fields set to
// their default values.
func (c Config) WithDefaults() Config {
	cpy := c
	cpy.DB = cpy.DB.WithDefaults()
	cpy.P2P = cpy.P2P.WithDefaults()
	cpy.Relay = cpy.Relay.WithDefaults()
	cpy.Sync = cpy.Sync.WithDefaults()
	cpy.Workers = cpy.Workers.WithDefaults()
	return cpy
}

// Load reads config.yml from the given directory, creating a default config
// file if none exists yet.
func Load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, "config.yml")

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "load config")
		}

		cfg := Config{}.WithDefaults()
		cfg.ConfigDir = configDir
		cfg.DB.Path = filepath.Join(configDir, "store")
		if err := Save(&cfg); err != nil {
			return nil, errors.Wrap(err, "load config")
		}
		return &cfg, nil
	}

	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	cfg = cfg.WithDefaults()
	cfg.ConfigDir = configDir
	if cfg.DB.Path == "" {
		cfg.DB.Path = filepath.Join(configDir, "store")
	}

	return &cfg, nil
}

// Save writes the config back to config.yml in its config directory.
func Save(cfg *Config) error {
	if cfg.ConfigDir == "" {
		return errors.Wrap(errors.New("no config directory"), "save config")
	}

	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		return errors.Wrap(err, "save config")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "save config")
	}

	if err := os.WriteFile(
		filepath.Join(cfg.ConfigDir, "config.yml"),
		data,
		0o600,
	); err != nil {
		return errors.Wrap(err, "save config")
	}

	return nil
}
