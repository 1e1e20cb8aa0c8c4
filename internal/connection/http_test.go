package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawServer serves each accepted connection with handle; n counts accepts.
func rawServer(t *testing.T, handle func(n int, conn net.Conn)) (int, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			n := int(accepted.Add(1)) - 1
			go func() {
				defer conn.Close()
				handle(n, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, &accepted
}

// readRequest consumes one request head and returns its lines.
func readRequest(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return lines, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func newTestConnection(t *testing.T, port int, persistent bool) (*HTTPConnection, Params) {
	t.Helper()
	p, err := ParseParams(fmt.Sprintf("http://127.0.0.1:%d/seg.ts?x=1", port))
	require.NoError(t, err)
	conn := NewHTTPConnection(NewTCPSocket(time.Second, 2*time.Second), persistent, "test-agent", nil)
	require.True(t, conn.Prepare(p))
	return conn, p
}

func readAll(t *testing.T, conn Connection) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 3)
	for {
		n, err := conn.Read(context.Background(), buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return string(out)
		}
		require.NoError(t, err)
	}
}

func TestHTTPConnection_RequestHeaders(t *testing.T) {
	head := make(chan []string, 1)
	port, _ := rawServer(t, func(_ int, conn net.Conn) {
		lines, _ := readRequest(bufio.NewReader(conn))
		head <- lines
		_, _ = io.WriteString(conn, "HTTP/1.1 206 Partial Content\r\nContent-Length: 4\r\n\r\nabcd")
	})

	conn, p := newTestConnection(t, port, true)
	require.NoError(t, conn.Request(context.Background(), p.Path, Bytes(10, 13)))
	assert.Equal(t, uint64(4), conn.ContentLength())

	lines := <-head
	require.NotEmpty(t, lines)
	assert.Equal(t, "GET /seg.ts?x=1 HTTP/1.1", lines[0])
	assert.Contains(t, lines, fmt.Sprintf("Host: 127.0.0.1:%d", port))
	assert.Contains(t, lines, "Cache-Control: no-cache")
	assert.Contains(t, lines, "Accept-Encoding: identity")
	assert.Contains(t, lines, "User-Agent: test-agent")
	assert.Contains(t, lines, "Range: bytes=10-13")
	assert.NotContains(t, lines, "Connection: close")

	assert.Equal(t, "abcd", readAll(t, conn))
}

func TestHTTPConnection_FirstByteRange(t *testing.T) {
	head := make(chan []string, 1)
	port, _ := rawServer(t, func(_ int, conn net.Conn) {
		lines, _ := readRequest(bufio.NewReader(conn))
		head <- lines
		_, _ = io.WriteString(conn, "HTTP/1.1 206 Partial Content\r\nContent-Length: 1\r\n\r\na")
	})

	conn, p := newTestConnection(t, port, true)
	require.NoError(t, conn.Request(context.Background(), p.Path, Bytes(0, 0)))
	assert.Contains(t, <-head, "Range: bytes=0-0")
	assert.Equal(t, "a", readAll(t, conn))
}

func TestHTTPConnection_NonPersistentSendsClose(t *testing.T) {
	head := make(chan []string, 1)
	port, _ := rawServer(t, func(_ int, conn net.Conn) {
		lines, _ := readRequest(bufio.NewReader(conn))
		head <- lines
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})

	conn, p := newTestConnection(t, port, false)
	require.NoError(t, conn.Request(context.Background(), p.Path, ByteRange{}))
	lines := <-head
	assert.Contains(t, lines, "Connection: close")
	for _, l := range lines {
		assert.False(t, strings.HasPrefix(l, "Range:"))
	}
}

func TestHTTPConnection_PersistentReuseAfterDrain(t *testing.T) {
	port, accepted := rawServer(t, func(_ int, conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			if _, err := readRequest(r); err != nil {
				return
			}
			_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
		}
	})

	conn, p := newTestConnection(t, port, true)
	for range 3 {
		require.NoError(t, conn.Request(context.Background(), p.Path, ByteRange{}))
		assert.Equal(t, "hello", readAll(t, conn))
		conn.SetUsed(false)
		assert.True(t, conn.Connected(), "drained persistent connections stay open")
		assert.True(t, conn.CanReuse(p))
		require.True(t, conn.Prepare(p))
	}
	assert.Equal(t, int32(1), accepted.Load())
}

func TestHTTPConnection_ReleaseBeforeDrainDisconnects(t *testing.T) {
	port, _ := rawServer(t, func(_ int, conn net.Conn) {
		_, _ = readRequest(bufio.NewReader(conn))
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n0123456789")
		time.Sleep(100 * time.Millisecond)
	})

	conn, p := newTestConnection(t, port, true)
	require.NoError(t, conn.Request(context.Background(), p.Path, ByteRange{}))
	buf := make([]byte, 4)
	_, err := conn.Read(context.Background(), buf)
	require.NoError(t, err)

	conn.SetUsed(false)
	assert.False(t, conn.Connected())
	assert.Zero(t, conn.ContentLength())
}

func TestHTTPConnection_RetriesOnceOnEmptyReply(t *testing.T) {
	port, accepted := rawServer(t, func(n int, conn net.Conn) {
		_, _ = readRequest(bufio.NewReader(conn))
		if n == 0 {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	})

	conn, p := newTestConnection(t, port, true)
	require.NoError(t, conn.Request(context.Background(), p.Path, ByteRange{}))
	assert.Equal(t, "hello", readAll(t, conn))
	assert.False(t, conn.Persistent(), "a retried connection is no longer persistent")
	assert.Equal(t, int32(2), accepted.Load())
}

func TestHTTPConnection_NoRetryWhenNotPersistent(t *testing.T) {
	port, accepted := rawServer(t, func(_ int, conn net.Conn) {
		_, _ = readRequest(bufio.NewReader(conn))
	})

	conn, p := newTestConnection(t, port, false)
	assert.Error(t, conn.Request(context.Background(), p.Path, ByteRange{}))
	assert.Equal(t, int32(1), accepted.Load())
}

func TestHTTPConnection_RejectedReplies(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		code  int
	}{
		{"not found", "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n", 404},
		{"redirect", "HTTP/1.1 302 Found\r\nLocation: /x\r\n\r\n", 302},
		{"foreign protocol", "ICY 200 OK\r\n\r\n", 0},
		{"chunked body", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, accepted := rawServer(t, func(_ int, conn net.Conn) {
				_, _ = readRequest(bufio.NewReader(conn))
				_, _ = io.WriteString(conn, tt.reply)
			})

			conn, p := newTestConnection(t, port, true)
			err := conn.Request(context.Background(), p.Path, ByteRange{})
			var replyErr *ReplyError
			require.ErrorAs(t, err, &replyErr)
			assert.Equal(t, tt.code, replyErr.Code)
			assert.Equal(t, int32(1), accepted.Load(), "rejections are not retried")
			assert.False(t, conn.Connected())
		})
	}
}

func TestHTTPConnection_HTTP10IsNotPersistent(t *testing.T) {
	port, _ := rawServer(t, func(_ int, conn net.Conn) {
		_, _ = readRequest(bufio.NewReader(conn))
		_, _ = io.WriteString(conn, "HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})

	conn, p := newTestConnection(t, port, true)
	require.NoError(t, conn.Request(context.Background(), p.Path, ByteRange{}))
	assert.False(t, conn.Persistent())
	assert.Equal(t, "ok", readAll(t, conn))
	conn.SetUsed(false)
	assert.False(t, conn.Connected())
}

func TestHTTPConnection_ConnectionCloseHeader(t *testing.T) {
	port, _ := rawServer(t, func(_ int, conn net.Conn) {
		_, _ = readRequest(bufio.NewReader(conn))
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nconnection: Close\r\ncontent-length: 2\r\n\r\nok")
	})

	conn, p := newTestConnection(t, port, true)
	require.NoError(t, conn.Request(context.Background(), p.Path, ByteRange{}))
	assert.False(t, conn.Persistent())
	assert.Equal(t, uint64(2), conn.ContentLength())
}

func TestHTTPConnection_BodyUntilClose(t *testing.T) {
	port, _ := rawServer(t, func(_ int, conn net.Conn) {
		_, _ = readRequest(bufio.NewReader(conn))
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\n\r\nstreamed body")
	})

	conn, p := newTestConnection(t, port, true)
	require.NoError(t, conn.Request(context.Background(), p.Path, ByteRange{}))
	assert.Zero(t, conn.ContentLength())
	assert.Equal(t, "streamed body", readAll(t, conn))
	assert.False(t, conn.Connected(), "a short read disconnects")
}

func TestHTTPConnection_ReadRefusedWithoutRequest(t *testing.T) {
	conn := NewHTTPConnection(NewTCPSocket(time.Second, time.Second), true, "ua", nil)
	_, err := conn.Read(context.Background(), make([]byte, 4))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHTTPConnection_PrepareWhileInUse(t *testing.T) {
	conn := NewHTTPConnection(NewTCPSocket(time.Second, time.Second), true, "ua", nil)
	p, _ := ParseParams("http://cdn.example.com/a.ts")
	other, _ := ParseParams("http://other.example.com/a.ts")

	require.True(t, conn.Prepare(p))
	assert.False(t, conn.Prepare(p))
	assert.False(t, conn.CanReuse(p))

	conn.SetUsed(false)
	assert.True(t, conn.CanReuse(p))
	assert.False(t, conn.CanReuse(other))
}
