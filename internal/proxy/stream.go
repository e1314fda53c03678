package proxy

import (
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Stream is the capability set the connection engine needs from a
// downstream connection. Plain TCP and TLS-wrapped connections both
// satisfy it so the engine stays agnostic of the listener kind.
type Stream interface {
	io.Reader
	io.Writer
	// CloseBoth shuts down both directions of the stream. Safe to call on
	// already failed connections, errors are discarded.
	CloseBoth()
	// SetDeadline sets the read and write deadlines of the underlying
	// connection.
	SetDeadline(t time.Time) error
	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}

type tcpStream struct {
	*net.TCPConn
}

// NewTCPStream wraps a plain TCP connection as an engine stream.
func NewTCPStream(c *net.TCPConn) Stream {
	return tcpStream{TCPConn: c}
}

func (s tcpStream) CloseBoth() {
	_ = s.CloseWrite()
	_ = s.CloseRead()
	_ = s.Close()
}

type tlsStream struct {
	*tls.Conn
	tcp *net.TCPConn
}

// NewTLSStream wraps a TLS connection (and the TCP connection it runs on)
// as an engine stream.
func NewTLSStream(c *tls.Conn, tcp *net.TCPConn) Stream {
	return tlsStream{Conn: c, tcp: tcp}
}

func (s tlsStream) CloseBoth() {
	// Close notify for the write side, then tear down the transport.
	_ = s.Conn.CloseWrite()
	_ = s.tcp.CloseRead()
	_ = s.Conn.Close()
}

// connStream adapts any net.Conn, it can only close the whole connection.
// Used for backend connections handed in by custom dialers.
type connStream struct {
	net.Conn
}

func (s connStream) CloseBoth() { _ = s.Close() }

// asStream wraps a dialed backend connection, preferring the half-close
// aware TCP wrapper.
func asStream(c net.Conn) Stream {
	if tc, ok := c.(*net.TCPConn); ok {
		return NewTCPStream(tc)
	}
	return connStream{Conn: c}
}
