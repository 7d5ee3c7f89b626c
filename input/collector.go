package input

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eventconsole/ecsyslog/logging"
)

const (
	readBufSize  = 64 * 1024
	datagramSize = 64 * 1024
)

// Collector is a transport feeding a Reassembler.
type Collector interface {
	Start() error
	Close() error
}

// TCPCollector accepts syslog streams over TCP, optionally with TLS. Every
// connection is reassembled under its remote address.
type TCPCollector struct {
	iface     string
	tlsConfig *tls.Config
	r         *Reassembler
	logger    zerolog.Logger

	ln    net.Listener
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// UDPCollector accepts syslog datagrams.
type UDPCollector struct {
	iface  string
	r      *Reassembler
	logger zerolog.Logger

	conn *net.UDPConn
	wg   sync.WaitGroup
}

// NewTCPCollector returns a TCPCollector that binds to iface on Start. If
// tlsConfig is non-nil, connections must complete a TLS handshake.
func NewTCPCollector(iface string, r *Reassembler, tlsConfig *tls.Config) *TCPCollector {
	RegisterMetrics()
	return &TCPCollector{
		iface:     iface,
		tlsConfig: tlsConfig,
		r:         r,
		logger:    logging.Component("tcp"),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start binds to the interface and accepts connections in the background.
func (s *TCPCollector) Start() error {
	var ln net.Listener
	var err error
	if s.tlsConfig == nil {
		ln, err = net.Listen("tcp", s.iface)
	} else {
		ln, err = tls.Listen("tcp", s.iface, s.tlsConfig)
	}
	if err != nil {
		return err
	}
	s.ln = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				readErrors.WithLabelValues("tcp").Inc()
				s.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
			if !s.track(conn) {
				conn.Close()
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConnection(conn)
			}()
		}
	}()
	return nil
}

// Addr returns the address the collector is bound to.
func (s *TCPCollector) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, closes open connections and waits for their
// handlers to finish.
func (s *TCPCollector) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *TCPCollector) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *TCPCollector) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
}

func (s *TCPCollector) handleConnection(conn net.Conn) {
	source := conn.RemoteAddr().String()
	connections.WithLabelValues("tcp").Inc()
	s.logger.Debug().Str("source", source).Msg("connection opened")
	defer func() {
		connections.WithLabelValues("tcp").Dec()
		s.untrack(conn)
		conn.Close()
		if rest := s.r.Evict(source); len(rest) > 0 {
			s.logger.Warn().Str("source", source).Int("bytes", len(rest)).
				Msg("connection closed with an incomplete frame, discarding")
		}
		s.logger.Debug().Str("source", source).Msg("connection closed")
	}()

	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.r.Ingest(source, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				readErrors.WithLabelValues("tcp").Inc()
				s.logger.Warn().Err(err).Str("source", source).Msg("read failed")
			}
			return
		}
	}
}

// NewUDPCollector returns a UDPCollector that binds to iface on Start.
func NewUDPCollector(iface string, r *Reassembler) *UDPCollector {
	RegisterMetrics()
	return &UDPCollector{
		iface:  iface,
		r:      r,
		logger: logging.Component("udp"),
	}
}

// Start binds to the interface and reads datagrams in the background.
func (s *UDPCollector) Start() error {
	addr, err := net.ResolveUDPAddr("udp", s.iface)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, datagramSize)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				readErrors.WithLabelValues("udp").Inc()
				s.logger.Warn().Err(err).Msg("read failed")
				continue
			}
			s.r.IngestDatagram(addr.String(), buf[:n])
		}
	}()
	return nil
}

// Addr returns the address the collector is bound to.
func (s *UDPCollector) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Close stops reading.
func (s *UDPCollector) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.wg.Wait()
	return err
}
