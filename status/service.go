// Package status serves diagnostics over HTTP: provider status, Prometheus
// metrics, expvar and pprof.
package status

import (
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eventconsole/ecsyslog/lock"
	"github.com/eventconsole/ecsyslog/logging"
)

// Provider is the interface status providers should implement.
type Provider interface {
	Status() (map[string]interface{}, error)
}

// ProviderFunc adapts an ordinary function to a Provider.
type ProviderFunc func() (map[string]interface{}, error)

// Status calls f().
func (f ProviderFunc) Status() (map[string]interface{}, error) { return f() }

// Service provides HTTP status service.
type Service struct {
	addr string       // Bind address of the HTTP service.
	ln   net.Listener // Service listener
	srv  *http.Server

	start     time.Time           // Start up time.
	providers map[string]Provider // Registered providers
	guard     *lock.Guard

	BuildInfo map[string]interface{}

	logger zerolog.Logger
}

// NewService returns an initialized Service object.
func NewService(addr string) *Service {
	return &Service{
		addr:      addr,
		start:     time.Now(),
		providers: make(map[string]Provider),
		guard:     lock.New("status providers"),
		logger:    logging.Component("status"),
	}
}

// Start starts the service.
func (s *Service) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("status service stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("service listening")

	return nil
}

// Close closes the service.
func (s *Service) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// Addr returns the address on which the Service is listening
func (s *Service) Addr() net.Addr {
	return s.ln.Addr()
}

// Register registers the given provider with the given key. Calls to register
// providers on uninitialized services will be ignored.
func (s *Service) Register(key string, provider Provider) {
	if s == nil {
		return
	}

	s.guard.Do("register", func() error {
		s.providers[key] = provider
		return nil
	})
	s.logger.Debug().Str("provider", key).Msg("status provider registered")
}

// ServeHTTP allows Service to serve HTTP requests.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add version header to every response, if available.
	if v, ok := s.BuildInfo["version"].(string); ok {
		w.Header().Add("X-ECSYSLOG-VERSION", v)
	} else {
		w.Header().Add("X-ECSYSLOG-VERSION", "unknown")
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/status"):
		s.handleStatus(w, r)
	case r.URL.Path == "/metrics":
		promhttp.Handler().ServeHTTP(w, r)
	case r.URL.Path == "/debug/vars":
		serveExpvar(w, r)
	case strings.HasPrefix(r.URL.Path, "/debug/pprof"):
		servePprof(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleStatus returns status on the system.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime": time.Since(s.start).Round(time.Second).String(),
	}
	if s.BuildInfo != nil {
		status["build"] = s.BuildInfo
	}

	err := s.guard.Do("status", func() error {
		for k, p := range s.providers {
			st, err := p.Status()
			if err != nil {
				return fmt.Errorf("status for %s: %w", k, err)
			}
			status[k] = st
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to retrieve status")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var b []byte
	if isPretty(r) {
		b, err = json.MarshalIndent(status, "", "    ")
	} else {
		b, err = json.Marshal(status)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(b)
}

// serveExpvar serves registered expvar information over HTTP.
func serveExpvar(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// servePprof serves pprof information over HTTP.
func servePprof(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/debug/pprof/cmdline":
		pprof.Cmdline(w, r)
	case "/debug/pprof/profile":
		pprof.Profile(w, r)
	case "/debug/pprof/symbol":
		pprof.Symbol(w, r)
	case "/debug/pprof/trace":
		pprof.Trace(w, r)
	default:
		pprof.Index(w, r)
	}
}

// isPretty returns whether the HTTP response body should be pretty-printed.
func isPretty(req *http.Request) bool {
	_, ok := req.URL.Query()["pretty"]
	return ok
}
