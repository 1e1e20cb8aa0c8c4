package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrplay/internal/manifest"
)

func TestBlockReader(t *testing.T) {
	blocks := [][]byte{[]byte("abc"), []byte("defg")}
	r := newBlockReader(func(context.Context) []byte {
		if len(blocks) == 0 {
			return nil
		}
		b := blocks[0]
		blocks = blocks[1:]
		return b
	})

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abcdefg", string(got))

	// Sticky until Reset.
	blocks = [][]byte{[]byte("h")}
	n, err := r.Read(make([]byte, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	r.Reset()
	got, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "h", string(got))
}

func TestBlockReader_UsesBoundContext(t *testing.T) {
	type key struct{}
	var seen context.Context
	r := newBlockReader(func(ctx context.Context) []byte {
		seen = ctx
		return nil
	})

	ctx := context.WithValue(context.Background(), key{}, "bound")
	r.bind(ctx)
	_, _ = r.Read(make([]byte, 1))
	require.NotNil(t, seen)
	assert.Equal(t, "bound", seen.Value(key{}))
}

func box(kind string, payload []byte) []byte {
	b := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(b)))
	copy(b[4:8], kind)
	copy(b[8:], payload)
	return b
}

func TestReadBox(t *testing.T) {
	large := make([]byte, 16+3)
	binary.BigEndian.PutUint32(large, 1)
	copy(large[4:8], "mdat")
	binary.BigEndian.PutUint64(large[8:16], uint64(len(large)))

	src := bytes.NewReader(bytes.Join([][]byte{
		box("ftyp", []byte("isom")),
		large,
		box("free", nil),
	}, nil))

	kind, data, err := readBox(src)
	require.NoError(t, err)
	assert.Equal(t, "ftyp", kind)
	assert.Len(t, data, 12)

	kind, data, err = readBox(src)
	require.NoError(t, err)
	assert.Equal(t, "mdat", kind)
	assert.Len(t, data, 19)

	kind, _, err = readBox(src)
	require.NoError(t, err)
	assert.Equal(t, "free", kind)

	_, _, err = readBox(src)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadBox_ToEnd(t *testing.T) {
	data := append([]byte{0, 0, 0, 0, 'm', 'd', 'a', 't'}, 1, 2, 3)
	kind, got, err := readBox(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "mdat", kind)
	assert.Equal(t, data, got)
}

func TestReadBox_Invalid(t *testing.T) {
	t.Run("size below header", func(t *testing.T) {
		_, _, err := readBox(bytes.NewReader([]byte{0, 0, 0, 4, 'f', 'r', 'e', 'e'}))
		assert.Error(t, err)
	})

	t.Run("truncated header", func(t *testing.T) {
		_, _, err := readBox(bytes.NewReader([]byte{0, 0, 0}))
		require.Error(t, err)
		assert.False(t, errors.Is(err, io.EOF))
	})

	t.Run("truncated body", func(t *testing.T) {
		_, _, err := readBox(bytes.NewReader(box("moov", []byte("abcdef"))[:10]))
		assert.Error(t, err)
	})
}

func TestPCRClock(t *testing.T) {
	var c pcrClock
	assert.Equal(t, 2*time.Second, c.update(1, 2*time.Second))
	assert.Equal(t, time.Second, c.update(2, time.Second))
	assert.Equal(t, 2*time.Second, c.update(2, 3*time.Second))

	c.reset()
	assert.Equal(t, 5*time.Second, c.update(2, 5*time.Second))
}

func TestTicksToDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, ticksToDuration(180000, 90000))
	assert.Equal(t, 40*time.Millisecond, ticksToDuration(3600, 90000))
	assert.Equal(t, 1500*time.Millisecond, ticksToDuration(72000, 48000))
	assert.Zero(t, ticksToDuration(100, 0))
}

func TestNewDemuxer(t *testing.T) {
	o, _, _ := newTestESOutput()
	src := bytes.NewReader(nil)

	d, err := newDemuxer(manifest.FormatMPEGTS, src, o, nil)
	require.NoError(t, err)
	assert.IsType(t, &tsDemuxer{}, d)
	assert.True(t, d.NeedsRestartOnSeek())
	assert.False(t, d.NeedsRestartOnSwitch())

	d, err = newDemuxer(manifest.FormatMP4, src, o, nil)
	require.NoError(t, err)
	assert.IsType(t, &mp4Demuxer{}, d)
	assert.True(t, d.NeedsRestartOnSwitch())
	assert.False(t, d.AlwaysStartsFromZero())

	_, err = newDemuxer(manifest.FormatWebVTT, src, o, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDemuxer_ClosedUntilCreate(t *testing.T) {
	o, _, _ := newTestESOutput()
	for _, d := range []Demuxer{
		newTSDemuxer(bytes.NewReader(nil), o, nil),
		newMP4Demuxer(bytes.NewReader(nil), o, nil),
	} {
		assert.ErrorIs(t, d.Demux(context.Background(), 0), ErrDemuxerClosed)
		require.NoError(t, d.Create())
		d.Destroy()
		assert.ErrorIs(t, d.Demux(context.Background(), 0), ErrDemuxerClosed)
	}
}
