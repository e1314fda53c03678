// Package proxy implements the connection handling core: the listener
// loops, the TLS acceptor with SNI certificate selection, and the
// per-connection relay engine.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/flowgate/internal/log"
	"github.com/slok/flowgate/internal/model"
	"github.com/slok/flowgate/internal/sites"
)

// httpPoolSize is the worker pool size of the plaintext listener. Only
// the TLS listener honors the configured pool size, the plaintext one has
// always been fixed at ten.
const httpPoolSize = 10

// DialFunc opens a TCP connection to a backend address.
type DialFunc func(addr string, timeout time.Duration) (net.Conn, error)

// ServerConfig is the configuration for the proxy server.
type ServerConfig struct {
	// HTTPAddr is the plaintext listen address.
	HTTPAddr string
	// HTTPSAddr is the TLS listen address.
	HTTPSAddr string
	// Sites routes requests and serves handshake certificates.
	Sites *sites.Table
	// PoolSize is the TLS listener worker pool size.
	PoolSize int
	// ConnTimeout is the per-connection read/write timeout.
	ConnTimeout time.Duration
	// IncomingForwarding is the address scheme expected from an upstream
	// proxy in front of us.
	IncomingForwarding model.Forwarding
	Logger             log.Logger
	// Dial overrides how backend connections are opened, tests use it to
	// observe dials.
	Dial DialFunc
}

func (c *ServerConfig) defaults() error {
	if c.Sites == nil {
		return fmt.Errorf("site table is required")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = model.DefaultPoolSize
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = model.DefaultConnTimeout
	}
	if c.IncomingForwarding.Kind == "" {
		c.IncomingForwarding = model.Forwarding{Kind: model.ForwardingNone}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.Dial == nil {
		c.Dial = func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		}
	}
	return nil
}

// Server is the reverse proxy: one plaintext and one TLS listener sharing
// a site table.
type Server struct {
	httpAddr  string
	httpsAddr string
	sites     *sites.Table
	poolSize  int
	timeout   time.Duration
	incoming  model.Forwarding
	logger    log.Logger
	dial      DialFunc
}

// NewServer creates a new proxy server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid proxy config: %w", err)
	}

	return &Server{
		httpAddr:  cfg.HTTPAddr,
		httpsAddr: cfg.HTTPSAddr,
		sites:     cfg.Sites,
		poolSize:  cfg.PoolSize,
		timeout:   cfg.ConnTimeout,
		incoming:  cfg.IncomingForwarding,
		logger:    cfg.Logger,
		dial:      cfg.Dial,
	}, nil
}

// RunHTTP serves the plaintext listener until ctx is cancelled.
func (s *Server) RunHTTP(ctx context.Context) error {
	eng := &engine{
		sites:    s.sites,
		incoming: s.incoming,
		timeout:  s.timeout,
		dial:     s.dial,
		scheme:   "http",
	}

	return s.runListener(ctx, s.httpAddr, httpPoolSize, "http", func(conn *net.TCPConn, logger log.Logger) {
		eng.serveConn(NewTCPStream(conn), logger)
	})
}

// RunHTTPS serves the TLS listener until ctx is cancelled. Certificates
// are selected per SNI through the site table, handshakes without SNI or
// without a matching certificate-carrying site fail with an
// unrecognized name alert.
func (s *Server) RunHTTPS(ctx context.Context) error {
	eng := &engine{
		sites:    s.sites,
		incoming: s.incoming,
		timeout:  s.timeout,
		dial:     s.dial,
		scheme:   "https",
	}

	tlsCfg := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			// Returning no certificate makes crypto/tls abort the handshake
			// with the unrecognized_name alert.
			return s.sites.CertificateFor(hello.ServerName), nil
		},
	}

	return s.runListener(ctx, s.httpsAddr, s.poolSize, "https", func(conn *net.TCPConn, logger log.Logger) {
		tlsConn := tls.Server(conn, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			logger.Debugf("TLS handshake failed: %v", err)
			_ = conn.Close()
			return
		}
		eng.serveConn(NewTLSStream(tlsConn, conn), logger)
	})
}

// runListener is the shared accept loop: bind, dispatch every accepted
// connection to a bounded worker pool, stop when the context ends.
func (s *Server) runListener(ctx context.Context, addr string, poolSize int, kind string, handle func(*net.TCPConn, log.Logger)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listener bind error: %w", kind, err)
	}

	logger := s.logger.WithValues(log.Kv{"listener": kind})
	logger.Infof("%s server listening on %s", kind, addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	pool := newWorkerPool(poolSize)
	defer pool.stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Errorf("Accept error: %v", err)
			continue
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			_ = conn.Close()
			continue
		}

		pool.submit(func() {
			deadline := time.Now().Add(s.timeout)
			if tcpConn.SetDeadline(deadline) != nil {
				_ = tcpConn.Close()
				return
			}

			connLogger := logger.WithValues(log.Kv{
				"id":   ulid.Make().String(),
				"peer": tcpConn.RemoteAddr().String(),
			})
			handle(tcpConn, connLogger)
		})
	}
}
