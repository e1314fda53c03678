package proxy

import (
	"bufio"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/flowgate/internal/model"
)

func TestEncodeHead(t *testing.T) {
	head := []string{"GET / HTTP/1.1", "Host: a.test"}
	client := netip.MustParseAddrPort("203.0.113.7:55555")

	tests := map[string]struct {
		lines       []string
		client      netip.AddrPort
		fwd         model.Forwarding
		replaceHost string
		expBytes    string
	}{
		"None emits the head unchanged.": {
			lines:    head,
			client:   client,
			fwd:      model.Forwarding{Kind: model.ForwardingNone},
			expBytes: "GET / HTTP/1.1\r\nHost: a.test\r\n\r\n",
		},
		"Simple prepends the textual address line.": {
			lines:    head,
			client:   client,
			fwd:      model.Forwarding{Kind: model.ForwardingSimple},
			expBytes: "203.0.113.7:55555\nGET / HTTP/1.1\r\nHost: a.test\r\n\r\n",
		},
		"Modern prepends the binary IPv4 prefix.": {
			lines:  head,
			client: netip.MustParseAddrPort("198.51.100.9:40000"),
			fwd:    model.Forwarding{Kind: model.ForwardingModern},
			expBytes: "\x01\xc6\x33\x64\x09\x9c\x40" +
				"GET / HTTP/1.1\r\nHost: a.test\r\n\r\n",
		},
		"Modern prepends the binary IPv6 prefix.": {
			lines:  head,
			client: netip.MustParseAddrPort("[::1]:443"),
			fwd:    model.Forwarding{Kind: model.ForwardingModern},
			expBytes: "\x02\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01\x01\xbb" +
				"GET / HTTP/1.1\r\nHost: a.test\r\n\r\n",
		},
		"Header injects the address header.": {
			lines:    head,
			client:   client,
			fwd:      model.Forwarding{Kind: model.ForwardingHeader, HeaderName: "X-Real-IP"},
			expBytes: "GET / HTTP/1.1\r\nHost: a.test\r\nX-Real-IP: 203.0.113.7:55555\r\n\r\n",
		},
		"Header replaces any pre-existing header of the same name.": {
			lines:    []string{"GET / HTTP/1.1", "X-Real-IP: 1.2.3.4", "Host: a.test", "x-real-ip: 5.6.7.8"},
			client:   client,
			fwd:      model.Forwarding{Kind: model.ForwardingHeader, HeaderName: "X-Real-IP"},
			expBytes: "GET / HTTP/1.1\r\nHost: a.test\r\nX-Real-IP: 203.0.113.7:55555\r\n\r\n",
		},
		"Replace host rewrites every Host value.": {
			lines:       []string{"GET / HTTP/1.1", "host: a.test", "Accept: */*"},
			client:      client,
			fwd:         model.Forwarding{Kind: model.ForwardingNone},
			replaceHost: "internal.test",
			expBytes:    "GET / HTTP/1.1\r\nHost: internal.test\r\nAccept: */*\r\n\r\n",
		},
		"Replace host composes with header forwarding.": {
			lines:       []string{"GET /x HTTP/1.1", "Host: a.test"},
			client:      client,
			fwd:         model.Forwarding{Kind: model.ForwardingHeader, HeaderName: "X-Client"},
			replaceHost: "b.test",
			expBytes:    "GET /x HTTP/1.1\r\nHost: b.test\r\nX-Client: 203.0.113.7:55555\r\n\r\n",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			got := encodeHead(test.lines, test.client, test.fwd, test.replaceHost)
			assert.Equal(test.expBytes, string(got))
		})
	}
}

func TestReadIncomingAddr(t *testing.T) {
	fallback := netip.MustParseAddrPort("10.0.0.1:1234")

	tests := map[string]struct {
		input   string
		fwd     model.Forwarding
		expAddr string
		expErr  bool
		expLeft string
	}{
		"None consumes nothing and returns the peer.": {
			input:   "GET / HTTP/1.1\r\n",
			fwd:     model.Forwarding{Kind: model.ForwardingNone},
			expAddr: "10.0.0.1:1234",
			expLeft: "GET / HTTP/1.1\r\n",
		},
		"Header consumes nothing, the head overrides later.": {
			input:   "GET / HTTP/1.1\r\n",
			fwd:     model.Forwarding{Kind: model.ForwardingHeader, HeaderName: "X-Real-IP"},
			expAddr: "10.0.0.1:1234",
			expLeft: "GET / HTTP/1.1\r\n",
		},
		"Simple reads the address line.": {
			input:   "203.0.113.7:55555\nGET / HTTP/1.1\r\n",
			fwd:     model.Forwarding{Kind: model.ForwardingSimple},
			expAddr: "203.0.113.7:55555",
			expLeft: "GET / HTTP/1.1\r\n",
		},
		"Simple with junk should fail.": {
			input:  "not-an-address\nGET / HTTP/1.1\r\n",
			fwd:    model.Forwarding{Kind: model.ForwardingSimple},
			expErr: true,
		},
		"Modern reads the IPv4 prefix.": {
			input:   "\x01\xc6\x33\x64\x09\x9c\x40rest",
			fwd:     model.Forwarding{Kind: model.ForwardingModern},
			expAddr: "198.51.100.9:40000",
			expLeft: "rest",
		},
		"Modern reads the IPv6 prefix.": {
			input:   "\x02\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01\x01\xbbrest",
			fwd:     model.Forwarding{Kind: model.ForwardingModern},
			expAddr: "[::1]:443",
			expLeft: "rest",
		},
		"Modern with an unknown tag should fail.": {
			input:  "\x07whatever",
			fwd:    model.Forwarding{Kind: model.ForwardingModern},
			expErr: true,
		},
		"Modern with a truncated prefix should fail.": {
			input:  "\x01\xc6\x33",
			fwd:    model.Forwarding{Kind: model.ForwardingModern},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			br := bufio.NewReader(strings.NewReader(test.input))
			addr, err := readIncomingAddr(br, test.fwd, fallback)

			if test.expErr {
				assert.Error(err)
				return
			}

			require.NoError(err)
			assert.Equal(test.expAddr, addr.String())

			left := make([]byte, len(test.expLeft))
			_, err = br.Read(left)
			require.NoError(err)
			assert.Equal(test.expLeft, string(left))
		})
	}
}
