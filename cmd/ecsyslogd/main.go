package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eventconsole/ecsyslog"
	"github.com/eventconsole/ecsyslog/config"
	"github.com/eventconsole/ecsyslog/input"
	"github.com/eventconsole/ecsyslog/logging"
	"github.com/eventconsole/ecsyslog/status"
)

// version is set at link time.
var version = "unknown"

var stats = expvar.NewMap("ecsyslogd")

func main() {
	fs := flag.NewFlagSet("ecsyslogd", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "Path to TOML configuration file. Flags override file values.")
		cpuProfile = fs.String("cpuprof", "", "Where to write CPU profiling data. Not written if not set")
		memProfile = fs.String("memprof", "", "Where to write memory profiling data. Not written if not set")
	)
	overrides := registerOverrides(fs)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "ecsyslogd [options]")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	logging.ConfigureRuntime()
	logger := logging.Component("main")

	cfg, err := loadConfig(*configPath, fs, overrides)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.LogLevel != "" && !logging.SetLevel(cfg.LogLevel) {
		logger.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping default")
	}

	d, err := newDaemon(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create daemon")
	}
	if err := d.start(); err != nil {
		d.close()
		logger.Fatal().Err(err).Msg("failed to start daemon")
	}

	startProfile(logger, *cpuProfile, *memProfile)
	stats.Set("launch", expvar.Func(func() interface{} { return d.launched.String() }))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.run(ctx); err != nil {
		logger.Error().Err(err).Msg("daemon stopped with error")
	}
	logger.Info().Msg("signal received, shutting down")

	d.close()
	stopProfile(logger)
}

// overrides holds the command-line values that may replace config file values.
type overrides struct {
	datadir, tcp, udp, spool                 *string
	tlsCert, tlsKey, tlsCA, statusAddr, query *string
	batchSize, maxPending, numShards          *int
	batchTime, retention, idleTimeout         *time.Duration
	maxPendingBytes, logLevel                 *string
}

func registerOverrides(fs *flag.FlagSet) *overrides {
	return &overrides{
		datadir:         fs.String("datadir", config.DefaultDataDir, "Set data directory."),
		tcp:             fs.String("tcp", config.DefaultTCPServer, "Syslog server TCP bind address in the form host:port. If empty, not started."),
		udp:             fs.String("udp", "", "Syslog server UDP bind address in the form host:port. If not set, not started."),
		spool:           fs.String("spool", "", "Spool directory polled for files of syslog messages. If not set, not started."),
		tlsCert:         fs.String("tlscert", "", "Path to PEM certificate for TLS-enabled TCP server. If not set, TLS not activated."),
		tlsKey:          fs.String("tlskey", "", "Path to PEM key for TLS-enabled TCP server. If not set, TLS not activated."),
		tlsCA:           fs.String("tlsca", "", "Path to PEM CA bundle. If set, TCP clients must present a certificate signed by it."),
		statusAddr:      fs.String("status", config.DefaultStatusAddr, "Status, metrics, expvar and pprof bind address in the form host:port. If empty, not started."),
		query:           fs.String("query", config.DefaultQueryAddr, "Query server bind address in the form host:port. If empty, not started."),
		batchSize:       fs.Int("batchsize", config.DefaultBatchSize, "Indexing batch size."),
		batchTime:       fs.Duration("batchtime", config.DefaultBatchTimeout, "Indexing batch timeout."),
		maxPending:      fs.Int("maxpending", config.DefaultMaxPendingEvents, "Maximum pending index events."),
		numShards:       fs.Int("numshards", config.DefaultNumShards, "Set number of shards per index."),
		retention:       fs.Duration("retention", config.DefaultRetention, "Data retention period. Minimum is 24 hours."),
		maxPendingBytes: fs.String("maxpendingbytes", humanize.IBytes(config.DefaultMaxPendingBytes), "Maximum undecoded bytes kept per source, 0 for no limit."),
		idleTimeout:     fs.Duration("idletimeout", config.DefaultIdleTimeout, "Drop undecoded bytes of sources idle this long, 0 to keep forever."),
		logLevel:        fs.String("loglevel", "", "Log level: trace, debug, info, warn or error."),
	}
}

// loadConfig reads the file at path, if any, and applies every flag that was
// set explicitly on top of it.
func loadConfig(path string, fs *flag.FlagSet, o *overrides) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "datadir":
			cfg.DataDir = *o.datadir
		case "tcp":
			cfg.TCPAddr = *o.tcp
		case "udp":
			cfg.UDPAddr = *o.udp
		case "spool":
			cfg.SpoolDir = *o.spool
		case "tlscert":
			cfg.TLSCert = *o.tlsCert
		case "tlskey":
			cfg.TLSKey = *o.tlsKey
		case "tlsca":
			cfg.TLSCA = *o.tlsCA
		case "status":
			cfg.StatusAddr = *o.statusAddr
		case "query":
			cfg.QueryAddr = *o.query
		case "batchsize":
			cfg.BatchSize = *o.batchSize
		case "batchtime":
			cfg.BatchTimeout = *o.batchTime
		case "maxpending":
			cfg.MaxPendingEvents = *o.maxPending
		case "numshards":
			cfg.NumShards = *o.numShards
		case "retention":
			cfg.Retention = *o.retention
		case "idletimeout":
			cfg.IdleTimeout = *o.idleTimeout
		case "loglevel":
			cfg.LogLevel = *o.logLevel
		case "maxpendingbytes":
			n, perr := config.ParseSize(*o.maxPendingBytes)
			if perr != nil {
				err = fmt.Errorf("%w: parse maxpendingbytes: %s", config.ErrInvalid, perr)
				return
			}
			cfg.MaxPendingBytes = n
		}
	})
	if err != nil {
		return config.Config{}, err
	}

	abs, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get absolute data path for '%s': %w", cfg.DataDir, err)
	}
	cfg.DataDir = abs

	return cfg, cfg.Validate()
}

// daemon wires the collectors, reassembler, batcher, engine and HTTP
// services together.
type daemon struct {
	cfg    config.Config
	logger zerolog.Logger

	engine      *ecsyslog.Engine
	batcher     *ecsyslog.Batcher
	reassembler *input.Reassembler
	collectors  []input.Collector
	server      *ecsyslog.Server
	status      *status.Service

	tcp   *input.TCPCollector
	udp   *input.UDPCollector
	spool *input.SpoolCollector

	batching bool
	launched time.Time
}

func newDaemon(cfg config.Config) (*daemon, error) {
	d := &daemon{
		cfg:    cfg,
		logger: logging.Component("daemon"),
	}

	d.engine = ecsyslog.NewEngine(cfg.DataDir)
	d.engine.NumShards = cfg.NumShards
	d.engine.RetentionPeriod = cfg.Retention

	d.batcher = ecsyslog.NewBatcher(d.engine, cfg.BatchSize, cfg.BatchTimeout, cfg.MaxPendingEvents)
	d.reassembler = input.NewReassembler(input.NewEventSink(d.batcher.C()),
		input.WithMaxPending(cfg.MaxPendingBytes))

	if cfg.TCPAddr != "" {
		var tlsConfig *tls.Config
		if cfg.TLSEnabled() {
			var err error
			tlsConfig, err = newTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSCA)
			if err != nil {
				return nil, fmt.Errorf("failed to configure TLS: %w", err)
			}
		}
		d.tcp = input.NewTCPCollector(cfg.TCPAddr, d.reassembler, tlsConfig)
		d.collectors = append(d.collectors, d.tcp)
	}
	if cfg.UDPAddr != "" {
		d.udp = input.NewUDPCollector(cfg.UDPAddr, d.reassembler)
		d.collectors = append(d.collectors, d.udp)
	}
	if cfg.SpoolDir != "" {
		d.spool = input.NewSpoolCollector(cfg.SpoolDir, cfg.SpoolInterval, d.reassembler)
		d.collectors = append(d.collectors, d.spool)
	}

	if cfg.QueryAddr != "" {
		d.server = ecsyslog.NewServer(cfg.QueryAddr, d.engine)
	}
	if cfg.StatusAddr != "" {
		d.status = status.NewService(cfg.StatusAddr)
		d.status.BuildInfo = map[string]interface{}{
			"version":    version,
			"go":         runtime.Version(),
			"gomaxprocs": runtime.GOMAXPROCS(0),
		}
		d.status.Register("engine", d.engine)
		d.status.Register("reassembly", d.reassembler)
		d.status.Register("config", status.ProviderFunc(d.configStatus))
	}
	return d, nil
}

// start opens the engine and starts every service. On error, the caller
// should call close.
func (d *daemon) start() error {
	if err := d.engine.Open(); err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	d.logger.Info().
		Str("datadir", d.cfg.DataDir).
		Int("shards", d.engine.NumShards).
		Dur("retention", d.engine.RetentionPeriod).
		Msg("engine opened")

	if err := d.batcher.Start(nil); err != nil {
		return fmt.Errorf("failed to start indexing batcher: %w", err)
	}
	d.batching = true
	d.logger.Info().
		Int("size", d.cfg.BatchSize).
		Dur("timeout", d.cfg.BatchTimeout).
		Int("max_pending", d.cfg.MaxPendingEvents).
		Msg("batching configured")

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("failed to start query server: %w", err)
		}
		d.logger.Info().Str("addr", d.server.Addr().String()).Msg("query server listening")
	}
	if d.status != nil {
		if err := d.status.Start(); err != nil {
			return fmt.Errorf("failed to start status service: %w", err)
		}
	}

	if d.tcp != nil {
		if err := d.tcp.Start(); err != nil {
			return fmt.Errorf("failed to start TCP collector: %w", err)
		}
		d.logger.Info().Str("addr", d.tcp.Addr().String()).Bool("tls", d.cfg.TLSEnabled()).Msg("TCP collector listening")
	}
	if d.udp != nil {
		if err := d.udp.Start(); err != nil {
			return fmt.Errorf("failed to start UDP collector: %w", err)
		}
		d.logger.Info().Str("addr", d.udp.Addr().String()).Msg("UDP collector listening")
	}
	if d.spool != nil {
		if err := d.spool.Start(); err != nil {
			return fmt.Errorf("failed to start spool collector: %w", err)
		}
		d.logger.Info().Str("dir", d.cfg.SpoolDir).Dur("interval", d.cfg.SpoolInterval).Msg("spool collector polling")
	}

	d.launched = time.Now().UTC()
	return nil
}

// run blocks until ctx is cancelled, evicting idle reassembly state.
func (d *daemon) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.evictIdle(ctx)
	})
	return g.Wait()
}

func (d *daemon) evictIdle(ctx context.Context) error {
	if d.cfg.IdleTimeout <= 0 || d.cfg.EvictInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(d.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := d.reassembler.EvictIdle(d.cfg.IdleTimeout); n > 0 {
				d.logger.Info().Int("sources", n).Dur("idle", d.cfg.IdleTimeout).Msg("evicted idle sources")
			}
		}
	}
}

// close stops input first, so that everything received is indexed before
// the engine closes.
func (d *daemon) close() {
	for _, c := range d.collectors {
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			d.logger.Warn().Err(err).Msg("failed to close collector")
		}
	}
	if d.batching {
		d.batcher.Stop()
		d.batching = false
	}
	if d.server != nil {
		d.server.Close()
	}
	if d.status != nil {
		d.status.Close()
	}
	if err := d.engine.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("failed to close engine")
	}
}

func (d *daemon) configStatus() (map[string]interface{}, error) {
	return map[string]interface{}{
		"datadir":           d.cfg.DataDir,
		"tcp":               d.cfg.TCPAddr,
		"udp":               d.cfg.UDPAddr,
		"spool_dir":         d.cfg.SpoolDir,
		"tls":               d.cfg.TLSEnabled(),
		"batch_size":        d.cfg.BatchSize,
		"batch_timeout":     d.cfg.BatchTimeout.String(),
		"max_pending_bytes": humanize.IBytes(uint64(d.cfg.MaxPendingBytes)),
		"idle_timeout":      d.cfg.IdleTimeout.String(),
	}, nil
}

// newTLSConfig returns a server configuration presenting the given key pair.
// If caPath is set, clients must present a certificate signed by it.
func newTLSConfig(certPath, keyPath, caPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if caPath == "" {
		return cfg, nil
	}

	caPem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPem) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// prof stores the file locations of active profiles.
var prof struct {
	cpu *os.File
	mem *os.File
}

// startProfile initializes the cpu and memory profile, if specified.
func startProfile(logger zerolog.Logger, cpuprofile, memprofile string) {
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			logger.Fatal().Err(err).Msg("cpuprofile")
		}
		logger.Info().Str("path", cpuprofile).Msg("writing CPU profile")
		prof.cpu = f
		pprof.StartCPUProfile(prof.cpu)
	}

	if memprofile != "" {
		f, err := os.Create(memprofile)
		if err != nil {
			logger.Fatal().Err(err).Msg("memprofile")
		}
		logger.Info().Str("path", memprofile).Msg("writing memory profile")
		prof.mem = f
		runtime.MemProfileRate = 4096
	}
}

// stopProfile closes the cpu and memory profiles if they are running.
func stopProfile(logger zerolog.Logger) {
	if prof.cpu != nil {
		pprof.StopCPUProfile()
		prof.cpu.Close()
		logger.Info().Msg("CPU profile stopped")
	}
	if prof.mem != nil {
		pprof.Lookup("heap").WriteTo(prof.mem, 0)
		prof.mem.Close()
		logger.Info().Msg("memory profile stopped")
	}
}
