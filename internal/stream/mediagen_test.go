package stream

import (
	"bytes"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/stretchr/testify/require"
)

const (
	audioTimescale = 48000
	// Each generated fragment holds one two second sample.
	fragmentTicks = 2 * audioTimescale
)

var aacFrame = []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}

// fmp4InitSegment returns an audio-only fMP4 init segment.
func fmp4InitSegment(t *testing.T) []byte {
	t.Helper()
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        1,
			TimeScale: audioTimescale,
			Codec: &mp4.CodecMPEG4Audio{
				Config: mpeg4audio.AudioSpecificConfig{
					Type:         mpeg4audio.ObjectTypeAACLC,
					SampleRate:   audioTimescale,
					ChannelCount: 2,
				},
			},
		}},
	}
	var buf seekablebuffer.Buffer
	require.NoError(t, init.Marshal(&buf))
	return buf.Bytes()
}

// fmp4MediaSegment returns fragment n, starting at n*2s.
func fmp4MediaSegment(t *testing.T, n int) []byte {
	t.Helper()
	part := fmp4.Part{
		SequenceNumber: uint32(n + 1),
		Tracks: []*fmp4.PartTrack{{
			ID:       1,
			BaseTime: uint64(n * fragmentTicks),
			Samples: []*fmp4.Sample{{
				Duration: fragmentTicks,
				Payload:  aacFrame,
			}},
		}},
	}
	var buf seekablebuffer.Buffer
	require.NoError(t, part.Marshal(&buf))
	return buf.Bytes()
}

// mpegtsSegment returns an H264 transport stream with frames 40ms apart,
// starting at start ticks. The first frame is an IDR.
func mpegtsSegment(t *testing.T, start int64, frames int) []byte {
	t.Helper()
	var buf bytes.Buffer
	track := &mpegts.Track{PID: 256, Codec: &mpegts.CodecH264{}}
	w := &mpegts.Writer{W: &buf, Tracks: []*mpegts.Track{track}}
	require.NoError(t, w.Initialize())

	for i := range frames {
		nalu := []byte{0x41, 0x9a, 0x02, 0x00}
		if i == 0 {
			nalu = []byte{0x65, 0x88, 0x84, 0x00}
		}
		ts := start + int64(i)*3600
		require.NoError(t, w.WriteH264(track, ts, ts, [][]byte{nalu}))
	}
	return buf.Bytes()
}
