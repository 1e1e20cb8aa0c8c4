package tracker

import (
	"context"
	"fmt"

	"github.com/jmylchreest/abrplay/internal/connection"
	"github.com/jmylchreest/abrplay/internal/manifest"
)

// ChunkProvider opens byte sources for segments. The connection manager
// implements it.
type ChunkProvider interface {
	NewChunkSource(ctx context.Context, req connection.ChunkRequest) (connection.ChunkSource, error)
}

// Chunk is the fetchable unit handed to a stream: an open read handle over a
// segment's byte range.
type Chunk struct {
	Segment        *manifest.Segment
	Representation *manifest.Representation
	Number         uint64
	Format         manifest.StreamFormat
	Discontinuity  bool

	source connection.ChunkSource
}

// newChunk opens segment as a chunk for rep.
func newChunk(ctx context.Context, provider ChunkProvider, seg *manifest.Segment, number uint64, rep *manifest.Representation) (*Chunk, error) {
	if provider == nil {
		return nil, fmt.Errorf("no chunk provider")
	}

	req := connection.ChunkRequest{URL: seg.URL}
	if seg.HasRange {
		req.Range = connection.Bytes(seg.RangeStart, seg.RangeEnd)
	}
	if set := rep.AdaptationSet(); set != nil {
		req.SetID = set.ID
	}

	src, err := provider.NewChunkSource(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("opening segment %d of %s: %w", number, rep.ID, err)
	}

	format := seg.Format
	if format == manifest.FormatUnsupported {
		format = rep.StreamFormat()
	}

	return &Chunk{
		Segment:        seg,
		Representation: rep,
		Number:         number,
		Format:         format,
		Discontinuity:  seg.Discontinuity,
		source:         src,
	}, nil
}

// NewChunk wraps an already open source. It is used by tests and by callers
// bypassing the tracker.
func NewChunk(src connection.ChunkSource, seg *manifest.Segment, rep *manifest.Representation, format manifest.StreamFormat) *Chunk {
	c := &Chunk{Segment: seg, Representation: rep, Format: format, source: src}
	if seg != nil {
		c.Number = seg.Number
		c.Discontinuity = seg.Discontinuity
	}
	return c
}

// Read returns up to size bytes. It returns io.EOF once the chunk is exhausted.
func (c *Chunk) Read(ctx context.Context, size int) ([]byte, error) {
	return c.source.Read(ctx, size)
}

// HasMoreData reports whether further reads may return data.
func (c *Chunk) HasMoreData() bool {
	return c.source.HasMoreData()
}

// ContentLength is the expected size of the chunk, zero when unknown.
func (c *Chunk) ContentLength() uint64 {
	return c.source.ContentLength()
}

// Close releases the underlying source and its connection.
func (c *Chunk) Close() error {
	return c.source.Close()
}
