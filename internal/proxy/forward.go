package proxy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/slok/flowgate/internal/model"
)

// encodeHead rewrites a request head for the backend: optional Host
// replacement first, then the site's forwarding encoding. The returned
// bytes are the exact sequence to write before any body, terminator
// included.
func encodeHead(lines []string, client netip.AddrPort, fwd model.Forwarding, replaceHost string) []byte {
	if replaceHost != "" {
		lines = replaceHostHeader(lines, replaceHost)
	}

	var buf bytes.Buffer

	switch fwd.Kind {
	case model.ForwardingSimple:
		buf.WriteString(client.String())
		buf.WriteByte('\n')
		writeHead(&buf, lines)

	case model.ForwardingModern:
		buf.Write(modernPrefix(client))
		writeHead(&buf, lines)

	case model.ForwardingHeader:
		// Request line untouched, any pre-existing header with the same name
		// is dropped so exactly one survives.
		buf.WriteString(lines[0])
		buf.WriteString("\r\n")
		for _, l := range lines[1:] {
			if headerKeyIs(l, fwd.HeaderName) {
				continue
			}
			buf.WriteString(l)
			buf.WriteString("\r\n")
		}
		fmt.Fprintf(&buf, "%s: %s\r\n\r\n", fwd.HeaderName, client.String())

	default:
		writeHead(&buf, lines)
	}

	return buf.Bytes()
}

func writeHead(buf *bytes.Buffer, lines []string) {
	buf.WriteString(strings.Join(lines, "\r\n"))
	buf.WriteString("\r\n\r\n")
}

// replaceHostHeader rewrites the value of every Host header line, the
// rest of the head is preserved verbatim.
func replaceHostHeader(lines []string, host string) []string {
	out := make([]string, len(lines))
	out[0] = lines[0]
	for i, l := range lines[1:] {
		if headerKeyIs(l, "Host") {
			l = "Host: " + host
		}
		out[i+1] = l
	}
	return out
}

// headerKeyIs reports whether a raw header line has the given key,
// compared case-insensitively.
func headerKeyIs(line, key string) bool {
	k, _, ok := strings.Cut(line, ": ")
	return ok && strings.EqualFold(k, key)
}

// modernPrefix encodes the client address in the binary scheme: one tag
// byte (0x01 IPv4, 0x02 IPv6), the address bytes, then the port in big
// endian.
func modernPrefix(client netip.AddrPort) []byte {
	addr := client.Addr().Unmap()

	var out []byte
	if addr.Is4() {
		a := addr.As4()
		out = append(out, 0x01)
		out = append(out, a[:]...)
	} else {
		a := addr.As16()
		out = append(out, 0x02)
		out = append(out, a[:]...)
	}

	return binary.BigEndian.AppendUint16(out, client.Port())
}

// readIncomingAddr consumes the forwarded-address preamble an upstream
// proxy wrote before the request head, per the incoming scheme. For the
// none and header schemes nothing is read and the fallback (socket peer)
// address is returned, the header scheme overrides it later from the
// parsed head.
func readIncomingAddr(br *bufio.Reader, fwd model.Forwarding, fallback netip.AddrPort) (netip.AddrPort, error) {
	switch fwd.Kind {
	case model.ForwardingSimple:
		line, err := br.ReadString('\n')
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("reading forwarded address line: %w", err)
		}
		addr, err := netip.ParseAddrPort(strings.TrimSuffix(line, "\n"))
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid forwarded address: %w", err)
		}
		return addr, nil

	case model.ForwardingModern:
		tag, err := br.ReadByte()
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("reading forwarded address tag: %w", err)
		}

		var addrLen int
		switch tag {
		case 0x01:
			addrLen = 4
		case 0x02:
			addrLen = 16
		default:
			return netip.AddrPort{}, fmt.Errorf("invalid forwarded address tag 0x%02x", tag)
		}

		raw := make([]byte, addrLen+2)
		if _, err := io.ReadFull(br, raw); err != nil {
			return netip.AddrPort{}, fmt.Errorf("reading forwarded address bytes: %w", err)
		}

		addr, _ := netip.AddrFromSlice(raw[:addrLen])
		port := binary.BigEndian.Uint16(raw[addrLen:])
		return netip.AddrPortFrom(addr, port), nil

	default:
		return fallback, nil
	}
}
