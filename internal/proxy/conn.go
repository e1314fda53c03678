package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/slok/flowgate/internal/log"
	"github.com/slok/flowgate/internal/model"
	"github.com/slok/flowgate/internal/sites"
)

// copyBufSize is the chunk size used when relaying bodies.
const copyBufSize = 4096

var headTerminator = []byte("\r\n\r\n")

// engine runs the per-connection relay loop. One engine is shared by all
// workers of a listener, all per-connection state lives on the stack of
// serveConn.
type engine struct {
	sites    *sites.Table
	incoming model.Forwarding
	timeout  time.Duration
	dial     DialFunc
	scheme   string
}

// serveConn owns one downstream connection for its whole lifetime. Any
// error is a fail-drop: both sides get shut down and the worker returns,
// no response is synthesized for a peer that is already misbehaving.
func (e *engine) serveConn(down Stream, logger log.Logger) {
	defer down.CloseBoth()

	br := bufio.NewReader(down)

	peer, err := netip.ParseAddrPort(down.RemoteAddr().String())
	if err != nil {
		return
	}

	client, err := readIncomingAddr(br, e.incoming, peer)
	if err != nil {
		logger.Debugf("Dropping connection: %v", err)
		return
	}

	// State pinned on the first request: the site (and with it the backend
	// connection) is fixed for the lifetime of the downstream connection,
	// later requests on a kept-alive connection go to the same backend even
	// if their Host differs.
	var (
		site      model.Site
		host      string
		keepAlive bool
		backend   Stream
		backendR  *bufio.Reader
	)
	defer func() {
		if backend != nil {
			backend.CloseBoth()
		}
	}()

	for first := true; ; first = false {
		_ = down.SetDeadline(time.Now().Add(e.timeout))

		head, err := readRequestHead(br)
		if err != nil {
			if !first {
				logger.Debugf("Keep-alive loop ended: %v", err)
			}
			return
		}

		if e.incoming.Kind == model.ForwardingHeader {
			if v, ok := head.header(e.incoming.HeaderName); ok {
				addr, err := netip.ParseAddrPort(v)
				if err != nil {
					return
				}
				client = addr
			}
		}

		if first {
			host, _ = head.header("Host")
			conn, _ := head.header("Connection")
			keepAlive = conn == "keep-alive"

			var ok bool
			site, ok = e.sites.Lookup(host)
			if !ok {
				logger.Debugf("No site for host %q, dropping", host)
				return
			}
		}

		if backend == nil {
			c, err := e.dial(site.Host, e.timeout)
			if err != nil {
				logger.Warningf("Backend %s dial failed: %v", site.Host, err)
				return
			}
			backend = asStream(c)
			backendR = bufio.NewReader(backend)
		}
		_ = backend.SetDeadline(time.Now().Add(e.timeout))

		contentLength, err := head.contentLength()
		if err != nil {
			return
		}

		if _, err := backend.Write(encodeHead(head.lines, client, site.Forwarding, site.ReplaceHost)); err != nil {
			return
		}

		switch {
		case contentLength > 0:
			if err := relayBody(backend, br, contentLength); err != nil {
				return
			}
		case head.isChunked():
			if err := relayChunked(backend, br); err != nil {
				return
			}
		}

		if site.SupportKeepAlive {
			if err := streamFramedResponse(down, backendR); err != nil {
				return
			}
		} else {
			// Opaque backend: everything until EOF is the response, the
			// connection is not reusable.
			if _, err := io.CopyBuffer(down, backendR, make([]byte, copyBufSize)); err != nil {
				return
			}
			backend.CloseBoth()
			backend, backendR = nil, nil
		}

		logger.Infof("%s > %s %s://%s%s", client, head.method, e.scheme, host, head.target)

		if !keepAlive || !site.EnableKeepAlive {
			return
		}
	}
}

// requestHead is a parsed request head. lines holds the original head
// lines verbatim (request line first) so the encoder can preserve them
// byte for byte.
type requestHead struct {
	lines  []string
	method string
	target string
}

// readRequestHead scans the stream for the head terminator and parses the
// result. The buffered reader never consumes past the terminator more
// than it restores through subsequent body reads on the same reader.
func readRequestHead(br *bufio.Reader) (requestHead, error) {
	raw, err := readRawHead(br)
	if err != nil {
		return requestHead{}, err
	}

	raw = strings.Trim(raw, "\x00")
	if raw == "" {
		return requestHead{}, fmt.Errorf("empty request head")
	}
	if !utf8.ValidString(raw) {
		return requestHead{}, fmt.Errorf("request head is not valid UTF-8")
	}

	lines := strings.Split(raw, "\r\n")
	status := strings.Split(lines[0], " ")
	if len(status) < 2 {
		return requestHead{}, fmt.Errorf("malformed request line %q", lines[0])
	}

	return requestHead{lines: lines, method: status[0], target: status[1]}, nil
}

// readRawHead reads byte by byte until the four byte terminator has been
// seen and returns everything before it.
func readRawHead(br *bufio.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		buf.WriteByte(b)
		if buf.Len() >= len(headTerminator) && bytes.HasSuffix(buf.Bytes(), headTerminator) {
			return buf.String()[:buf.Len()-len(headTerminator)], nil
		}
	}
}

// header returns the value of the first header with the given name,
// compared case-insensitively.
func (h requestHead) header(name string) (string, bool) {
	for _, l := range h.lines[1:] {
		k, v, ok := strings.Cut(l, ": ")
		if ok && strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// contentLength returns the declared body length, zero when absent.
func (h requestHead) contentLength() (int64, error) {
	v, ok := h.header("Content-Length")
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Length %q: %w", v, err)
	}
	return n, nil
}

// isChunked reports whether the Transfer-Encoding tokens include chunked.
func (h requestHead) isChunked() bool {
	v, ok := h.header("Transfer-Encoding")
	if !ok {
		return false
	}
	for _, tok := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "chunked") {
			return true
		}
	}
	return false
}

// relayBody copies up to n body bytes in fixed-size chunks. A premature
// EOF on the source ends the body, it is not an error here: the peer has
// nothing more to say and the exchange continues with what arrived.
func relayBody(dst io.Writer, src io.Reader, n int64) error {
	buf := make([]byte, copyBufSize)
	var total int64
	for total < n {
		limit := int64(len(buf))
		if rest := n - total; rest < limit {
			limit = rest
		}
		r, err := src.Read(buf[:limit])
		if r > 0 {
			if _, werr := dst.Write(buf[:r]); werr != nil {
				return werr
			}
			total += int64(r)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
	return nil
}

// relayChunked forwards a chunked body verbatim: size line, then the
// chunk data plus its trailing CRLF, until the zero-size chunk.
func relayChunked(dst io.Writer, src *bufio.Reader) error {
	for {
		line, err := src.ReadString('\n')
		if err != nil {
			return err
		}
		if _, err := io.WriteString(dst, line); err != nil {
			return err
		}

		size, err := strconv.ParseInt(strings.TrimRight(line, "\r\n"), 16, 64)
		if err != nil {
			return fmt.Errorf("invalid chunk size line %q: %w", line, err)
		}

		data := make([]byte, size+2)
		if _, err := io.ReadFull(src, data); err != nil {
			return err
		}
		if _, err := dst.Write(data); err != nil {
			return err
		}

		if size == 0 {
			return nil
		}
	}
}

// streamFramedResponse relays one response from a keep-alive capable
// backend: the head is forwarded as it is scanned, then the body framed
// by Content-Length or chunked encoding. A response with neither is
// relayed as zero-body, responses framed by connection close cannot be
// used on keep-alive sites.
func streamFramedResponse(down io.Writer, backendR *bufio.Reader) error {
	var buf bytes.Buffer
	for !bytes.HasSuffix(buf.Bytes(), headTerminator) {
		b, err := backendR.ReadByte()
		if err != nil {
			return err
		}
		if _, err := down.Write([]byte{b}); err != nil {
			return err
		}
		buf.WriteByte(b)
	}
	raw := buf.String()[:buf.Len()-len(headTerminator)]

	head := requestHead{lines: strings.Split(raw, "\r\n")}
	if head.isChunked() {
		return relayChunked(down, backendR)
	}

	length, err := head.contentLength()
	if err != nil || length <= 0 {
		return nil
	}

	_, err = io.CopyBuffer(down, io.LimitReader(backendR, length), make([]byte, copyBufSize))
	return err
}
