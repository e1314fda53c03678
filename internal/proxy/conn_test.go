package proxy

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequestHead(t *testing.T) {
	tests := map[string]struct {
		input     string
		expMethod string
		expTarget string
		expHost   string
		expErr    bool
	}{
		"Plain request head parses.": {
			input:     "GET /index.html HTTP/1.1\r\nHost: a.test\r\n\r\n",
			expMethod: "GET",
			expTarget: "/index.html",
			expHost:   "a.test",
		},
		"Host header key is case-insensitive.": {
			input:     "POST / HTTP/1.1\r\nhOsT: b.test\r\n\r\n",
			expMethod: "POST",
			expTarget: "/",
			expHost:   "b.test",
		},
		"Empty head should fail.": {
			input:  "\r\n\r\n",
			expErr: true,
		},
		"Missing terminator should fail.": {
			input:  "GET / HTTP/1.1\r\nHost: a.test",
			expErr: true,
		},
		"Request line without target should fail.": {
			input:  "GET\r\n\r\n",
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			head, err := readRequestHead(bufio.NewReader(strings.NewReader(test.input)))

			if test.expErr {
				assert.Error(err)
				return
			}

			require.NoError(err)
			assert.Equal(test.expMethod, head.method)
			assert.Equal(test.expTarget, head.target)

			host, ok := head.header("Host")
			assert.True(ok)
			assert.Equal(test.expHost, host)
		})
	}
}

func TestRequestHeadFraming(t *testing.T) {
	tests := map[string]struct {
		lines      []string
		expLength  int64
		expChunked bool
		expErr     bool
	}{
		"No framing headers mean an empty body.": {
			lines: []string{"GET / HTTP/1.1", "Host: a.test"},
		},
		"Content-Length is parsed case-insensitively.": {
			lines:     []string{"POST / HTTP/1.1", "content-length: 42"},
			expLength: 42,
		},
		"Unparseable Content-Length should fail.": {
			lines:  []string{"POST / HTTP/1.1", "Content-Length: many"},
			expErr: true,
		},
		"Chunked transfer encoding is detected.": {
			lines:      []string{"POST / HTTP/1.1", "Transfer-Encoding: chunked"},
			expChunked: true,
		},
		"Chunked is found among comma separated tokens.": {
			lines:      []string{"POST / HTTP/1.1", "Transfer-Encoding: gzip, Chunked"},
			expChunked: true,
		},
		"Other encodings are not chunked.": {
			lines: []string{"POST / HTTP/1.1", "Transfer-Encoding: gzip"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			head := requestHead{lines: test.lines}

			length, err := head.contentLength()
			if test.expErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(test.expLength, length)
			assert.Equal(test.expChunked, head.isChunked())
		})
	}
}

func TestRelayChunked(t *testing.T) {
	tests := map[string]struct {
		input  string
		expOut string
		expErr bool
	}{
		"Chunks are forwarded with their framing.": {
			input:  "5\r\nhello\r\n0\r\n\r\n",
			expOut: "5\r\nhello\r\n0\r\n\r\n",
		},
		"Hex sizes are honored.": {
			input:  "a\r\n0123456789\r\n0\r\n\r\n",
			expOut: "a\r\n0123456789\r\n0\r\n\r\n",
		},
		"Malformed size line should fail.": {
			input:  "zz\r\nbogus\r\n",
			expErr: true,
		},
		"Truncated chunk should fail.": {
			input:  "5\r\nhe",
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			var out bytes.Buffer
			err := relayChunked(&out, bufio.NewReader(strings.NewReader(test.input)))

			if test.expErr {
				assert.Error(err)
				return
			}

			assert.NoError(err)
			assert.Equal(test.expOut, out.String())
		})
	}
}

func TestRelayBody(t *testing.T) {
	tests := map[string]struct {
		input  string
		n      int64
		expOut string
	}{
		"Exactly n bytes are relayed.": {
			input:  "hello world, and more",
			n:      11,
			expOut: "hello world",
		},
		"A short source ends the body without error.": {
			input:  "hi",
			n:      100,
			expOut: "hi",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			var out bytes.Buffer
			err := relayBody(&out, strings.NewReader(test.input), test.n)

			assert.NoError(err)
			assert.Equal(test.expOut, out.String())
		})
	}
}
