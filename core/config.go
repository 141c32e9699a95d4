package core

import "time"

// Config aggregates every operator-tunable knob named in §6. All fields are
// optional; ApplyDefaults fills in the documented defaults for anything left
// at its zero value. pkg/config unmarshals a YAML/env source into this
// struct via viper, mirroring the teacher's pkg/config.Config shape.
type Config struct {
	// Identity / storage paths.
	DataDir   string `mapstructure:"data_dir" json:"data_dir"`
	CacheDir  string `mapstructure:"cache_dir" json:"cache_dir"`
	KeysFile  string `mapstructure:"keys_file" json:"keys_file"`
	StoreFile string `mapstructure:"store_file" json:"store_file"`

	// Overlay / transport.
	Port            int      `mapstructure:"port" json:"port"`
	InterfacePort   int      `mapstructure:"interface_port" json:"interface_port"`
	Tracker         string   `mapstructure:"tracker" json:"tracker"`
	MinConnections  int      `mapstructure:"min_connections" json:"min_connections"`
	MaxConnections  int      `mapstructure:"max_connections" json:"max_connections"`
	BootstrapPeers  []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	ForceHTTPTunnel bool     `mapstructure:"force_http_tunnel" json:"force_http_tunnel"`
	HTTPProxy       string   `mapstructure:"http_proxy" json:"http_proxy"`

	// Store / cache.
	StoreMaxAge       time.Duration `mapstructure:"store_max_age" json:"store_max_age"`
	CacheMaxSize      int64         `mapstructure:"cache_max_size" json:"cache_max_size"`
	CacheMaxFileSize  int64         `mapstructure:"cache_max_file_size" json:"cache_max_file_size"`
	BlockSize         int           `mapstructure:"block_size" json:"block_size"`
	HashAlgorithmName string        `mapstructure:"hash_algorithm" json:"hash_algorithm"`

	// Handler timers (§4.6).
	KeepaliveTimeout    time.Duration `mapstructure:"keepalive_timeout" json:"keepalive_timeout"`
	RetransmitTimeout   time.Duration `mapstructure:"retransmit_timeout" json:"retransmit_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	CallFallbackTimeout time.Duration `mapstructure:"call_fallback_timeout" json:"call_fallback_timeout"`

	// Logging.
	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// Default values named throughout spec.md.
const (
	DefaultMinConnections      = 8
	DefaultMaxConnections      = 128
	DefaultStoreMaxAge         = 6 * time.Hour
	DefaultCacheMaxSize        = 4 << 30 // 4 GiB
	DefaultCacheMaxFileSize    = 64 << 20
	DefaultBlockSize           = 256 << 10 // B ≈ 256 KiB
	DefaultKeepaliveTimeout    = 10 * time.Second
	DefaultRetransmitTimeout  = 500 * time.Millisecond
	DefaultIdleTimeout         = 60 * time.Second
	DefaultRequestTimeout      = 30 * time.Second
	DefaultCallFallbackTimeout = 10 * time.Second
	DefaultTrackerInterval     = 1200 * time.Second
)

// ApplyDefaults fills every zero-valued field with its documented default.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.CacheDir == "" {
		c.CacheDir = c.DataDir + "/cache"
	}
	if c.KeysFile == "" {
		c.KeysFile = c.DataDir + "/keys"
	}
	if c.StoreFile == "" {
		c.StoreFile = c.DataDir + "/store.db"
	}
	if c.Port == 0 {
		c.Port = 8941
	}
	if c.InterfacePort == 0 {
		c.InterfacePort = 8080
	}
	if c.MinConnections == 0 {
		c.MinConnections = DefaultMinConnections
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.StoreMaxAge == 0 {
		c.StoreMaxAge = DefaultStoreMaxAge
	}
	if c.CacheMaxSize == 0 {
		c.CacheMaxSize = DefaultCacheMaxSize
	}
	if c.CacheMaxFileSize == 0 {
		c.CacheMaxFileSize = DefaultCacheMaxFileSize
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.HashAlgorithmName == "" {
		c.HashAlgorithmName = "sha256"
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.RetransmitTimeout == 0 {
		c.RetransmitTimeout = DefaultRetransmitTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CallFallbackTimeout == 0 {
		c.CallFallbackTimeout = DefaultCallFallbackTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// HashAlgorithm resolves the configured hash algorithm name to a
// HashAlgorithm constant, defaulting to SHA-256 on an unrecognized value.
func (c *Config) HashAlgorithm() HashAlgorithm {
	switch c.HashAlgorithmName {
	case "blake3":
		return HashBLAKE3
	default:
		return HashSHA256
	}
}
