package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/observability"
)

// ChunkSource reads the bytes of one chunk.
type ChunkSource interface {
	// Read returns up to size bytes, or io.EOF once the chunk is exhausted.
	Read(ctx context.Context, size int) ([]byte, error)
	// ContentLength is the expected chunk size, zero while unknown.
	ContentLength() uint64
	HasMoreData() bool
	Close() error
}

// HTTPChunkSource reads a chunk directly from a pooled connection. The
// connection is acquired and the request issued on the first read.
type HTTPChunkSource struct {
	manager   *Manager
	params    Params
	byteRange ByteRange
	setID     manifest.ID
	logger    *slog.Logger
	// reportRate forwards per-read rates to the manager.
	reportRate bool

	mu            sync.Mutex
	conn          Connection
	prepared      bool
	eof           bool
	consumed      uint64
	contentLength uint64
}

func newHTTPChunkSource(m *Manager, p Params, req ChunkRequest) *HTTPChunkSource {
	return &HTTPChunkSource{
		manager:    m,
		params:     p,
		byteRange:  req.Range,
		setID:      req.SetID,
		logger:     m.logger,
		reportRate: true,
	}
}

func (s *HTTPChunkSource) prepareLocked(ctx context.Context) error {
	if s.prepared {
		return nil
	}

	conn, err := s.manager.GetConnection(s.params)
	if err != nil {
		return err
	}
	s.manager.throttle()
	if err := conn.Request(ctx, s.params.Path, s.byteRange); err != nil {
		conn.SetUsed(false)
		return fmt.Errorf("requesting %s: %w", s.params.URL, err)
	}

	s.conn = conn
	s.contentLength = conn.ContentLength()
	s.prepared = true
	return nil
}

// Read implements ChunkSource.
func (s *HTTPChunkSource) Read(ctx context.Context, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eof {
		return nil, io.EOF
	}
	if err := s.prepareLocked(ctx); err != nil {
		s.eof = true
		return nil, err
	}
	if s.contentLength > 0 && s.consumed == s.contentLength {
		s.eof = true
		return nil, io.EOF
	}
	if s.contentLength > 0 {
		size = int(min(uint64(size), s.contentLength-s.consumed))
	}
	if size <= 0 {
		return nil, nil
	}

	buf := make([]byte, size)
	start := time.Now()
	n, err := s.conn.Read(ctx, buf)
	elapsed := time.Since(start)

	s.consumed += uint64(n)
	if n > 0 {
		observability.BytesDownloaded.WithLabelValues(string(s.setID)).Add(float64(n))
		if s.reportRate && elapsed > 0 {
			s.manager.UpdateDownloadRate(s.setID, uint64(n), elapsed)
		}
	}
	if err != nil {
		s.eof = true
		if !errors.Is(err, io.EOF) {
			return buf[:n], err
		}
	} else if n < size {
		s.eof = true
	}
	if n == 0 && s.eof {
		return nil, io.EOF
	}
	return buf[:n], nil
}

// ContentLength implements ChunkSource.
func (s *HTTPChunkSource) ContentLength() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentLength
}

// HasMoreData implements ChunkSource. It turns false as soon as the
// announced content length has been read.
func (s *HTTPChunkSource) HasMoreData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contentLength > 0 && s.consumed >= s.contentLength {
		return false
	}
	return !s.eof
}

// Close implements ChunkSource. The connection returns to the pool.
func (s *HTTPChunkSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.SetUsed(false)
		s.conn = nil
	}
	s.eof = true
	return nil
}

// BufferedChunkSource is filled by the Downloader in the background and read
// by the stream as data arrives.
type BufferedChunkSource struct {
	id     uuid.UUID
	source *HTTPChunkSource
	host   string

	mu       sync.Mutex
	changed  chan struct{}
	buf      *bytebufferpool.ByteBuffer
	readPos  int
	done     bool
	err      error
	started  time.Time
	buffered uint64
}

func newBufferedChunkSource(m *Manager, p Params, req ChunkRequest) *BufferedChunkSource {
	src := newHTTPChunkSource(m, p, req)
	src.reportRate = false
	return &BufferedChunkSource{
		id:      uuid.New(),
		source:  src,
		host:    p.Host,
		changed: make(chan struct{}),
		buf:     bytebufferpool.Get(),
	}
}

// ID identifies the background download.
func (s *BufferedChunkSource) ID() uuid.UUID {
	return s.id
}

// bufferize downloads one block. It returns false once the download is complete.
func (s *BufferedChunkSource) bufferize(ctx context.Context, blockSize int) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	if s.started.IsZero() {
		s.started = time.Now()
	}
	s.mu.Unlock()

	data, err := s.source.Read(ctx, blockSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	if len(data) > 0 && s.buf != nil {
		_, _ = s.buf.Write(data)
		s.buffered += uint64(len(data))
	}
	if err != nil || !s.source.HasMoreData() {
		if err != nil && !errors.Is(err, io.EOF) {
			s.err = err
		}
		s.finishLocked()
	}
	s.signalLocked()
	return !s.done
}

// fail ends the download with err unless it already completed.
func (s *BufferedChunkSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.err = err
	s.finishLocked()
	s.signalLocked()
}

func (s *BufferedChunkSource) finishLocked() {
	s.done = true
	_ = s.source.Close()
	if s.buffered > 0 && !s.started.IsZero() {
		if elapsed := time.Since(s.started); elapsed > 0 {
			s.source.manager.UpdateDownloadRate(s.source.setID, s.buffered, elapsed)
		}
	}
}

func (s *BufferedChunkSource) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Read implements ChunkSource. It blocks until size bytes are buffered or the
// download ends.
func (s *BufferedChunkSource) Read(ctx context.Context, size int) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.buf == nil {
			s.mu.Unlock()
			return nil, io.EOF
		}
		avail := s.buf.Len() - s.readPos
		if avail >= size || s.done {
			n := min(avail, size)
			if n == 0 {
				err := s.err
				s.mu.Unlock()
				if err != nil {
					return nil, err
				}
				return nil, io.EOF
			}
			out := make([]byte, n)
			copy(out, s.buf.B[s.readPos:s.readPos+n])
			s.readPos += n
			s.mu.Unlock()
			return out, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ContentLength implements ChunkSource.
func (s *BufferedChunkSource) ContentLength() uint64 {
	return s.source.ContentLength()
}

// HasMoreData implements ChunkSource.
func (s *BufferedChunkSource) HasMoreData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return false
	}
	return !s.done || s.readPos < s.buf.Len()
}

// Close implements ChunkSource. A running download is cancelled first.
func (s *BufferedChunkSource) Close() error {
	s.source.manager.Cancel(s)
	s.fail(context.Canceled)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf != nil {
		bytebufferpool.Put(s.buf)
		s.buf = nil
	}
	return nil
}
