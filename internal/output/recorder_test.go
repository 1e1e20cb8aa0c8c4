package output

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrplay/internal/stream"
)

var (
	h264 = stream.ESFormat{Kind: "video", Codec: "h264"}
	aac  = stream.ESFormat{Kind: "audio", Codec: "aac", SampleRate: 48000, Channels: 2}
)

func block(dts time.Duration, key bool, data string) *stream.Block {
	return &stream.Block{PTS: dts, DTS: dts, Keyframe: key, Data: []byte(data)}
}

func TestRecorder_CountsBlocks(t *testing.T) {
	r, err := NewRecorder(Options{})
	require.NoError(t, err)

	video, err := r.AddES(h264)
	require.NoError(t, err)
	audio, err := r.AddES(aac)
	require.NoError(t, err)
	assert.NotEqual(t, video, audio)
	assert.True(t, r.IsSelected(video))

	require.NoError(t, r.Send(video, block(0, true, "abcd")))
	require.NoError(t, r.Send(video, block(40*time.Millisecond, false, "ef")))
	require.NoError(t, r.Send(audio, block(0, true, "x")))
	r.SetPCR(40 * time.Millisecond)

	stats := r.Stats()
	require.Len(t, stats.ES, 2)
	assert.Equal(t, 40*time.Millisecond, stats.PCR)

	v := stats.ES[0]
	assert.Equal(t, video, v.ID)
	assert.Equal(t, uint64(2), v.Blocks)
	assert.Equal(t, uint64(1), v.Keyframes)
	assert.Equal(t, uint64(6), v.Bytes)
	assert.Equal(t, 40*time.Millisecond, v.Duration())
	assert.Empty(t, v.File)
}

func TestRecorder_UnknownES(t *testing.T) {
	r, err := NewRecorder(Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Send(42, block(0, true, "x")), ErrUnknownES)
	assert.False(t, r.IsSelected(42))
	r.DelES(42)
}

func TestRecorder_KindFilter(t *testing.T) {
	r, err := NewRecorder(Options{Kinds: []string{"audio"}})
	require.NoError(t, err)

	video, _ := r.AddES(h264)
	audio, _ := r.AddES(aac)
	assert.False(t, r.IsSelected(video))
	assert.True(t, r.IsSelected(audio))

	require.NoError(t, r.Send(video, block(0, true, "abcd")))
	assert.Zero(t, r.Stats().ES[0].Blocks)
}

func TestRecorder_WritesPayloads(t *testing.T) {
	fs := afero.NewMemMapFs()
	r, err := NewRecorder(Options{Fs: fs, Dir: "/out"})
	require.NoError(t, err)

	video, _ := r.AddES(h264)
	require.NoError(t, r.Send(video, block(0, true, "abc")))
	require.NoError(t, r.Send(video, block(time.Second, false, "def")))
	r.DelES(video)

	data, err := afero.ReadFile(fs, "/out/1-video.h264")
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))

	stats := r.Stats()
	require.Len(t, stats.ES, 1)
	assert.True(t, stats.ES[0].Deleted)
	assert.Equal(t, "/out/1-video.h264", stats.ES[0].File)
	assert.False(t, r.IsSelected(video))
}

func TestRecorder_ResetPCR(t *testing.T) {
	r, err := NewRecorder(Options{})
	require.NoError(t, err)
	r.SetPCR(time.Second)
	r.ResetPCR()

	stats := r.Stats()
	assert.Equal(t, stream.NoTimestamp, stats.PCR)
	assert.Equal(t, 1, stats.PCRResets)
}

func TestRecorder_Close(t *testing.T) {
	fs := afero.NewMemMapFs()
	r, err := NewRecorder(Options{Fs: fs, Dir: "/out"})
	require.NoError(t, err)
	a, _ := r.AddES(aac)
	require.NoError(t, r.Send(a, block(0, true, "zz")))
	require.NoError(t, r.Close())

	data, err := afero.ReadFile(fs, "/out/1-audio.aac")
	require.NoError(t, err)
	assert.Equal(t, "zz", string(data))
}
