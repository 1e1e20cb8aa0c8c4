package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrplay/internal/manifest"
)

var (
	// ErrUnsupportedFormat is returned when no demuxer handles a stream format.
	ErrUnsupportedFormat = errors.New("unsupported stream format")
	// ErrDemuxerClosed is returned by Demux after Destroy.
	ErrDemuxerClosed = errors.New("demuxer closed")
)

// Demuxer turns the byte stream of consecutive chunks into elementary stream
// commands.
type Demuxer interface {
	// Create (re)initializes the demuxer at the start of a byte stream.
	Create() error
	// Destroy releases parser state. Demux fails until the next Create.
	Destroy()
	// Demux consumes input until at least one block of output was produced.
	// deadline is the queue level the caller would like to reach.
	Demux(ctx context.Context, deadline time.Duration) error
	// Drain emits anything the parser still holds.
	Drain()
	NeedsRestartOnSeek() bool
	NeedsRestartOnSwitch() bool
	AlwaysStartsFromZero() bool
}

// demuxerFactory creates a demuxer for format reading from src and writing to out.
type demuxerFactory func(format manifest.StreamFormat, src io.Reader, out *esOutput, logger *slog.Logger) (Demuxer, error)

// newDemuxer is the default demuxerFactory.
func newDemuxer(format manifest.StreamFormat, src io.Reader, out *esOutput, logger *slog.Logger) (Demuxer, error) {
	switch format {
	case manifest.FormatMPEGTS:
		return newTSDemuxer(src, out, logger), nil
	case manifest.FormatMP4:
		return newMP4Demuxer(src, out, logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// blockReader exposes the chunk blocks of a stream as an io.Reader.
type blockReader struct {
	next func(ctx context.Context) []byte

	mu      sync.Mutex
	ctx     context.Context
	pending []byte
	eof     bool
}

func newBlockReader(next func(ctx context.Context) []byte) *blockReader {
	return &blockReader{next: next, ctx: context.Background()}
}

// Reset drops buffered data and re-arms the reader after an EOF.
func (r *blockReader) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	r.eof = false
}

// bind sets the context used for the block fetches of the next reads.
func (r *blockReader) bind(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
}

func (r *blockReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.pending) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		block := r.next(r.ctx)
		if block == nil {
			r.eof = true
			return 0, io.EOF
		}
		r.pending = block
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// pcrClock derives a program clock from per-track decode times: the PCR is the
// lowest last DTS over every track seen so far.
type pcrClock struct {
	last map[int]time.Duration
}

func (c *pcrClock) reset() {
	c.last = nil
}

func (c *pcrClock) update(track int, dts time.Duration) time.Duration {
	if c.last == nil {
		c.last = make(map[int]time.Duration)
	}
	c.last[track] = dts
	pcr := dts
	for _, t := range c.last {
		if t < pcr {
			pcr = t
		}
	}
	return pcr
}

// ticksToDuration converts a timestamp in a timescale to a duration.
func ticksToDuration(ticks int64, timescale int64) time.Duration {
	if timescale <= 0 {
		return 0
	}
	sec := ticks / timescale
	rem := ticks % timescale
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(timescale)
}
