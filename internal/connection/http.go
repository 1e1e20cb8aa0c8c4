package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/avast/retry-go/v4"
	"github.com/valyala/bytebufferpool"

	"github.com/jmylchreest/abrplay/internal/observability"
)

// errTransient marks failures worth one retry on a fresh, non-persistent connection.
var errTransient = errors.New("connection: transient failure")

// HTTPConnection speaks HTTP/1.1 over a Socket.
type HTTPConnection struct {
	logger    *slog.Logger
	socket    Socket
	userAgent string

	available atomic.Bool

	mu              sync.Mutex
	params          Params
	byteRange       ByteRange
	bytesRead       uint64
	contentLength   uint64
	queryOK         bool
	connectionClose bool
}

// NewHTTPConnection creates a connection over socket. Non-persistent
// connections send "Connection: close" and are never kept open after use.
func NewHTTPConnection(socket Socket, persistent bool, userAgent string, logger *slog.Logger) *HTTPConnection {
	c := &HTTPConnection{
		logger:          observability.WithComponent(observability.OrDefault(logger), "http_connection"),
		socket:          socket,
		userAgent:       userAgent,
		connectionClose: !persistent,
	}
	c.available.Store(true)
	return c
}

// Prepare implements Connection.
func (c *HTTPConnection) Prepare(p Params) bool {
	if !c.available.CompareAndSwap(true, false) {
		return false
	}
	c.mu.Lock()
	c.params = p
	c.mu.Unlock()
	return true
}

// CanReuse implements Connection.
func (c *HTTPConnection) CanReuse(p Params) bool {
	if !c.available.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.SameTarget(p)
}

// Params implements Connection.
func (c *HTTPConnection) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// ContentLength implements Connection.
func (c *HTTPConnection) ContentLength() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contentLength
}

// Persistent reports whether the connection may be kept open between requests.
func (c *HTTPConnection) Persistent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.connectionClose
}

// Connected reports whether the socket is open.
func (c *HTTPConnection) Connected() bool {
	return c.socket.Connected()
}

// Disconnect closes the socket and forgets the current request.
func (c *HTTPConnection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *HTTPConnection) disconnectLocked() {
	c.queryOK = false
	c.bytesRead = 0
	c.contentLength = 0
	c.byteRange = ByteRange{}
	_ = c.socket.Disconnect()
}

// Request implements Connection. A transient failure on a persistent
// connection makes it non-persistent and retries once.
func (c *HTTPConnection) Request(ctx context.Context, path string, r ByteRange) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.params.Path = path
	c.logger.Debug("retrieving",
		slog.String("url", c.params.URL),
		slog.Uint64("offset", r.Start))

	return retry.Do(
		func() error { return c.requestOnceLocked(ctx, r) },
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errTransient) }),
		retry.OnRetry(func(_ uint, err error) {
			c.logger.Debug("retrying on a fresh connection", slog.String("error", err.Error()))
		}),
	)
}

func (c *HTTPConnection) requestOnceLocked(ctx context.Context, r ByteRange) error {
	c.queryOK = false

	if !c.socket.Connected() {
		if c.params.Host == "" {
			return ErrEmptyHost
		}
		if err := c.socket.Connect(ctx, c.params.Host, c.params.Port); err != nil {
			return err
		}
	}

	c.byteRange = r
	c.bytesRead = 0
	c.contentLength = r.Length()

	if err := c.socket.Send(c.buildRequestLocked()); err != nil {
		return c.failLocked(fmt.Errorf("sending request: %w", err))
	}

	if err := c.parseReplyLocked(); err != nil {
		var replyErr *ReplyError
		if errors.As(err, &replyErr) {
			c.disconnectLocked()
			return err
		}
		return c.failLocked(err)
	}

	c.queryOK = true
	return nil
}

// failLocked drops the socket. The failure is retryable only while the
// connection was still persistent.
func (c *HTTPConnection) failLocked(err error) error {
	_ = c.socket.Disconnect()
	if c.connectionClose {
		return err
	}
	c.connectionClose = true
	return fmt.Errorf("%w: %w", errTransient, err)
}

func (c *HTTPConnection) buildRequestLocked() []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	_, _ = buf.WriteString("GET " + c.params.Path + " HTTP/1.1\r\n")
	_, _ = buf.WriteString("Host: " + c.params.HostPort() + "\r\n")
	_, _ = buf.WriteString("Cache-Control: no-cache\r\n")
	_, _ = buf.WriteString("Accept-Encoding: identity\r\n")
	_, _ = buf.WriteString("User-Agent: " + c.userAgent + "\r\n")
	if c.byteRange.Valid() {
		_, _ = buf.WriteString("Range: " + c.byteRange.Header() + "\r\n")
	}
	if c.connectionClose {
		_, _ = buf.WriteString("Connection: close\r\n")
	}
	_, _ = buf.WriteString("\r\n")

	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out
}

func (c *HTTPConnection) parseReplyLocked() error {
	line, err := c.socket.ReadLine()
	if err != nil || line == "" {
		if err == nil {
			err = ErrEmptyReply
		}
		return fmt.Errorf("reading status line: %w", err)
	}

	var proto string
	switch {
	case strings.HasPrefix(line, "HTTP/1.1 "):
		proto = "HTTP/1.1"
	case strings.HasPrefix(line, "HTTP/1.0 "):
		proto = "HTTP/1.0"
		c.connectionClose = true
	default:
		return &ReplyError{Line: line}
	}

	fields := strings.Fields(line[len(proto):])
	if len(fields) == 0 {
		return &ReplyError{Line: line}
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return &ReplyError{Line: line}
	}
	if code != 200 && code != 206 {
		return &ReplyError{Line: line, Code: code}
	}

	for {
		line, err = c.socket.ReadLine()
		if err != nil {
			return fmt.Errorf("reading headers: %w", err)
		}
		if line == "" {
			return nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if err := c.onHeaderLocked(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return err
		}
	}
}

func (c *HTTPConnection) onHeaderLocked(key, value string) error {
	switch {
	case strings.EqualFold(key, "Content-Length"):
		n, err := strconv.ParseUint(value, 10, 64)
		if err == nil {
			c.contentLength = n
		}
	case strings.EqualFold(key, "Connection"):
		if strings.EqualFold(value, "close") {
			c.connectionClose = true
		}
	case strings.EqualFold(key, "Transfer-Encoding"):
		if !strings.EqualFold(value, "identity") {
			return &ReplyError{Line: key + ": " + value}
		}
	}
	return nil
}

// Read implements Connection. A short read or an error disconnects.
func (c *HTTPConnection) Read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.socket.Connected() || (!c.queryOK && c.bytesRead == 0) {
		return 0, ErrNotConnected
	}
	if len(p) == 0 {
		return 0, nil
	}
	c.queryOK = false

	toRead := uint64(len(p))
	if c.contentLength > 0 {
		remaining := c.contentLength - c.bytesRead
		if remaining == 0 {
			return 0, io.EOF
		}
		toRead = min(toRead, remaining)
	}

	n, err := c.socket.Read(p[:toRead])
	c.bytesRead += uint64(n)
	if err != nil || uint64(n) < toRead {
		_ = c.socket.Disconnect()
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

// SetUsed implements Connection.
func (c *HTTPConnection) SetUsed(used bool) {
	c.available.Store(!used)
	if used {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connectionClose && c.contentLength == c.bytesRead {
		c.queryOK = false
		c.bytesRead = 0
		c.contentLength = 0
		c.byteRange = ByteRange{}
		return
	}
	c.disconnectLocked()
}
