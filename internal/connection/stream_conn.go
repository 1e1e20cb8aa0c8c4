package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/urlutil"
)

// ByteStream is a seekable byte stream of possibly known size.
type ByteStream interface {
	io.ReadSeekCloser
	// Size returns the stream size, -1 when unknown.
	Size() int64
}

// StreamOpener opens a URL as a ByteStream.
type StreamOpener interface {
	Open(ctx context.Context, rawURL string) (ByteStream, error)
}

// StreamConnection serves requests from streams opened by a StreamOpener.
type StreamConnection struct {
	logger *slog.Logger
	opener StreamOpener

	available atomic.Bool

	mu            sync.Mutex
	params        Params
	stream        ByteStream
	byteRange     ByteRange
	bytesRead     uint64
	contentLength uint64
}

// NewStreamConnection creates a connection opening streams through opener.
func NewStreamConnection(opener StreamOpener, logger *slog.Logger) *StreamConnection {
	c := &StreamConnection{
		logger: observability.WithComponent(observability.OrDefault(logger), "stream_connection"),
		opener: opener,
	}
	c.available.Store(true)
	return c
}

// Prepare implements Connection.
func (c *StreamConnection) Prepare(p Params) bool {
	if !c.available.CompareAndSwap(true, false) {
		return false
	}
	c.mu.Lock()
	c.params = p
	c.mu.Unlock()
	return true
}

// CanReuse implements Connection.
func (c *StreamConnection) CanReuse(p Params) bool {
	if !c.available.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.SameTarget(p)
}

// Params implements Connection.
func (c *StreamConnection) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// ContentLength implements Connection.
func (c *StreamConnection) ContentLength() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contentLength
}

// Disconnect implements Connection.
func (c *StreamConnection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *StreamConnection) resetLocked() {
	if c.stream != nil {
		_ = c.stream.Close()
	}
	c.stream = nil
	c.bytesRead = 0
	c.contentLength = 0
	c.byteRange = ByteRange{}
}

// Request implements Connection. path replaces the path and query of the
// prepared URL.
func (c *StreamConnection) Request(ctx context.Context, path string, r ByteRange) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
	c.params.Path = path
	target := urlutil.WithPath(c.params.URL, path)

	c.logger.Debug("retrieving",
		slog.String("url", target),
		slog.Uint64("offset", r.Start))

	stream, err := c.opener.Open(ctx, target)
	if err != nil {
		return fmt.Errorf("opening %s: %w", target, err)
	}

	if r.Valid() {
		if _, err := stream.Seek(int64(r.Start), io.SeekStart); err != nil {
			_ = stream.Close()
			return fmt.Errorf("seeking %s to %d: %w", target, r.Start, err)
		}
		c.byteRange = r
		c.contentLength = r.Length()
	}

	if size := stream.Size(); size > -1 {
		remaining := uint64(size)
		if r.Valid() {
			remaining = uint64(max(size-int64(r.Start), 0))
		}
		if c.contentLength == 0 || c.contentLength > remaining {
			c.contentLength = remaining
		}
	}

	c.stream = stream
	return nil
}

// Read implements Connection.
func (c *StreamConnection) Read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return 0, ErrNotConnected
	}
	if len(p) == 0 {
		return 0, nil
	}

	toRead := uint64(len(p))
	if c.contentLength > 0 {
		remaining := c.contentLength - c.bytesRead
		if remaining == 0 {
			return 0, io.EOF
		}
		toRead = min(toRead, remaining)
	}

	n, err := io.ReadFull(c.stream, p[:toRead])
	c.bytesRead += uint64(n)
	if err != nil {
		c.resetLocked()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

// SetUsed implements Connection. A released stream connection never keeps
// its stream open.
func (c *StreamConnection) SetUsed(used bool) {
	c.available.Store(!used)
	if used {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// FileOpener opens file:// URLs and plain paths on an afero filesystem.
type FileOpener struct {
	Fs afero.Fs
}

// Open implements StreamOpener.
func (o FileOpener) Open(_ context.Context, rawURL string) (ByteStream, error) {
	name := rawURL
	if urlutil.IsFileURL(rawURL) {
		p, err := urlutil.FilePathFromURL(rawURL)
		if err != nil {
			return nil, err
		}
		name = p
	}
	fs := o.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	size := int64(-1)
	if info, err := f.Stat(); err == nil && !info.IsDir() {
		size = info.Size()
	}
	return &fileStream{File: f, size: size}, nil
}

type fileStream struct {
	afero.File
	size int64
}

func (s *fileStream) Size() int64 { return s.size }

// HTTPOpener opens http and https URLs with net/http. Seeking reissues the
// request with a Range header.
type HTTPOpener struct {
	Client    *http.Client
	UserAgent string
}

// Open implements StreamOpener.
func (o HTTPOpener) Open(ctx context.Context, rawURL string) (ByteStream, error) {
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	s := &httpStream{ctx: ctx, client: client, url: rawURL, userAgent: o.UserAgent, size: -1}
	if err := s.open(0); err != nil {
		return nil, err
	}
	return s, nil
}

type httpStream struct {
	ctx       context.Context
	client    *http.Client
	url       string
	userAgent string

	body io.ReadCloser
	pos  int64
	size int64
}

func (s *httpStream) open(offset int64) error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				_ = resp.Body.Close()
				return err
			}
		}
		if resp.ContentLength >= 0 {
			s.size = resp.ContentLength
		}
	case http.StatusPartialContent:
		if resp.ContentLength >= 0 && s.size < 0 {
			s.size = offset + resp.ContentLength
		}
	default:
		_ = resp.Body.Close()
		return &ReplyError{Line: resp.Status, Code: resp.StatusCode}
	}

	if s.body != nil {
		_ = s.body.Close()
	}
	s.body = resp.Body
	s.pos = offset
	return nil
}

func (s *httpStream) Read(p []byte) (int, error) {
	if s.body == nil {
		return 0, io.EOF
	}
	n, err := s.body.Read(p)
	s.pos += int64(n)
	return n, err
}

func (s *httpStream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		if s.size < 0 {
			return 0, errors.New("connection: seek from end of unknown size")
		}
		abs = s.size + offset
	default:
		return 0, errors.New("connection: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("connection: negative position")
	}
	if abs == s.pos {
		return abs, nil
	}
	if err := s.open(abs); err != nil {
		return 0, err
	}
	return abs, nil
}

func (s *httpStream) Size() int64 { return s.size }

func (s *httpStream) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}

// SchemeOpener routes file URLs and plain paths to Files and everything else
// to Web.
type SchemeOpener struct {
	Files StreamOpener
	Web   StreamOpener
}

// Open implements StreamOpener.
func (o SchemeOpener) Open(ctx context.Context, rawURL string) (ByteStream, error) {
	if urlutil.IsRemoteURL(rawURL) {
		return o.Web.Open(ctx, rawURL)
	}
	return o.Files.Open(ctx, rawURL)
}
