// Package config loads the ecsyslogd configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

const (
	DefaultDataDir          = "/var/opt/ecsyslog"
	DefaultTCPServer        = "localhost:5514"
	DefaultStatusAddr       = "localhost:9951"
	DefaultQueryAddr        = "localhost:9950"
	DefaultSpoolInterval    = time.Second
	DefaultBatchSize        = 300
	DefaultBatchTimeout     = time.Second
	DefaultMaxPendingEvents = 1000
	DefaultNumShards        = 16
	DefaultRetention        = 168 * time.Hour
	DefaultMaxPendingBytes  = 1 << 20
	DefaultIdleTimeout      = 15 * time.Minute
	DefaultEvictInterval    = time.Minute

	MinRetention = 24 * time.Hour
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	DataDir string

	TCPAddr string
	UDPAddr string

	SpoolDir      string
	SpoolInterval time.Duration

	TLSCert string
	TLSKey  string
	TLSCA   string

	StatusAddr string
	QueryAddr  string

	BatchSize        int
	BatchTimeout     time.Duration
	MaxPendingEvents int
	NumShards        int
	Retention        time.Duration

	// MaxPendingBytes bounds the reassembly buffer of a single source. Zero
	// disables the bound.
	MaxPendingBytes int
	IdleTimeout     time.Duration
	EvictInterval   time.Duration

	LogLevel string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		DataDir:          DefaultDataDir,
		TCPAddr:          DefaultTCPServer,
		SpoolInterval:    DefaultSpoolInterval,
		StatusAddr:       DefaultStatusAddr,
		QueryAddr:        DefaultQueryAddr,
		BatchSize:        DefaultBatchSize,
		BatchTimeout:     DefaultBatchTimeout,
		MaxPendingEvents: DefaultMaxPendingEvents,
		NumShards:        DefaultNumShards,
		Retention:        DefaultRetention,
		MaxPendingBytes:  DefaultMaxPendingBytes,
		IdleTimeout:      DefaultIdleTimeout,
		EvictInterval:    DefaultEvictInterval,
	}
}

type fileConfig struct {
	DataDir          string `toml:"datadir"`
	TCP              string `toml:"tcp"`
	UDP              string `toml:"udp"`
	SpoolDir         string `toml:"spool_dir"`
	SpoolInterval    string `toml:"spool_interval"`
	TLSCert          string `toml:"tls_cert"`
	TLSKey           string `toml:"tls_key"`
	TLSCA            string `toml:"tls_ca"`
	Status           string `toml:"status"`
	Query            string `toml:"query"`
	BatchSize        int    `toml:"batch_size"`
	BatchTimeout     string `toml:"batch_timeout"`
	MaxPendingEvents int    `toml:"max_pending_events"`
	NumShards        int    `toml:"num_shards"`
	Retention        string `toml:"retention"`
	MaxPendingBytes  string `toml:"max_pending_bytes"`
	IdleTimeout      string `toml:"idle_timeout"`
	EvictInterval    string `toml:"evict_interval"`
	LogLevel         string `toml:"log_level"`
}

// Load reads the TOML file at path on top of Default and validates the
// result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	cfg := Default()
	str := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	str("datadir", &cfg.DataDir, raw.DataDir)
	str("tcp", &cfg.TCPAddr, raw.TCP)
	str("udp", &cfg.UDPAddr, raw.UDP)
	str("spool_dir", &cfg.SpoolDir, raw.SpoolDir)
	str("tls_cert", &cfg.TLSCert, raw.TLSCert)
	str("tls_key", &cfg.TLSKey, raw.TLSKey)
	str("tls_ca", &cfg.TLSCA, raw.TLSCA)
	str("status", &cfg.StatusAddr, raw.Status)
	str("query", &cfg.QueryAddr, raw.Query)
	str("log_level", &cfg.LogLevel, raw.LogLevel)

	if meta.IsDefined("batch_size") {
		cfg.BatchSize = raw.BatchSize
	}
	if meta.IsDefined("max_pending_events") {
		cfg.MaxPendingEvents = raw.MaxPendingEvents
	}
	if meta.IsDefined("num_shards") {
		cfg.NumShards = raw.NumShards
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"spool_interval", raw.SpoolInterval, &cfg.SpoolInterval},
		{"batch_timeout", raw.BatchTimeout, &cfg.BatchTimeout},
		{"retention", raw.Retention, &cfg.Retention},
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
		{"evict_interval", raw.EvictInterval, &cfg.EvictInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %s", ErrInvalid, d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_pending_bytes") {
		n, err := ParseSize(raw.MaxPendingBytes)
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse max_pending_bytes: %s", ErrInvalid, err)
		}
		cfg.MaxPendingBytes = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseSize parses a human readable byte size such as "64KiB" or "1MB".
func ParseSize(raw string) (int, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if n > uint64(int(^uint(0)>>1)) {
		return 0, fmt.Errorf("size %s too large", raw)
	}
	return int(n), nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("%w: datadir is required", ErrInvalid)
	}
	if c.TCPAddr == "" && c.UDPAddr == "" && c.SpoolDir == "" {
		return fmt.Errorf("%w: at least one of tcp, udp or spool_dir must be set", ErrInvalid)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%w: tls_cert and tls_key must be set together", ErrInvalid)
	}
	if c.TLSCA != "" && c.TLSCert == "" {
		return fmt.Errorf("%w: tls_ca requires tls_cert and tls_key", ErrInvalid)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalid)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("%w: batch_timeout must be positive", ErrInvalid)
	}
	if c.MaxPendingEvents < 0 {
		return fmt.Errorf("%w: max_pending_events must not be negative", ErrInvalid)
	}
	if c.NumShards <= 0 {
		return fmt.Errorf("%w: num_shards must be positive", ErrInvalid)
	}
	if c.Retention < MinRetention {
		return fmt.Errorf("%w: retention must be at least %s", ErrInvalid, MinRetention)
	}
	if c.MaxPendingBytes < 0 {
		return fmt.Errorf("%w: max_pending_bytes must not be negative", ErrInvalid)
	}
	if c.SpoolDir != "" && c.SpoolInterval <= 0 {
		return fmt.Errorf("%w: spool_interval must be positive", ErrInvalid)
	}
	if c.IdleTimeout < 0 || c.EvictInterval < 0 {
		return fmt.Errorf("%w: idle_timeout and evict_interval must not be negative", ErrInvalid)
	}
	return nil
}

// TLSEnabled reports whether the TCP listener should use TLS.
func (c Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
