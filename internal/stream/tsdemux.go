package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/abrplay/internal/codec"
	"github.com/jmylchreest/abrplay/internal/observability"
)

// mpegtsTimescale is the MPEG-TS clock rate.
const mpegtsTimescale = 90000

// tsDemuxer demuxes MPEG-TS using mediacommon. The reader pulls from the
// stream's block reader synchronously, so Demux returns as soon as a sample
// was emitted.
type tsDemuxer struct {
	src    io.Reader
	out    *esOutput
	logger *slog.Logger

	reader      *mpegts.Reader
	initialized bool
	emitted     int
	tracks      map[uint16]*fakeES
	pcr         pcrClock
}

func newTSDemuxer(src io.Reader, out *esOutput, logger *slog.Logger) *tsDemuxer {
	return &tsDemuxer{
		src:    src,
		out:    out,
		logger: observability.WithComponent(observability.OrDefault(logger), "ts_demuxer"),
	}
}

func (d *tsDemuxer) Create() error {
	d.reader = &mpegts.Reader{R: d.src}
	d.initialized = false
	d.tracks = make(map[uint16]*fakeES)
	d.pcr.reset()
	return nil
}

func (d *tsDemuxer) Destroy() {
	d.reader = nil
	d.tracks = nil
}

func (d *tsDemuxer) Drain() {
	d.out.queue.Commit()
}

func (d *tsDemuxer) NeedsRestartOnSeek() bool   { return true }
func (d *tsDemuxer) NeedsRestartOnSwitch() bool { return false }
func (d *tsDemuxer) AlwaysStartsFromZero() bool { return false }

func (d *tsDemuxer) Demux(ctx context.Context, _ time.Duration) error {
	if d.reader == nil {
		return ErrDemuxerClosed
	}

	if !d.initialized {
		// Reads until PAT and PMT are found.
		if err := d.reader.Initialize(); err != nil {
			return fmt.Errorf("initializing mpegts reader: %w", err)
		}
		for _, track := range d.reader.Tracks() {
			d.setupTrack(track)
		}
		d.reader.OnDecodeError(func(err error) {
			d.logger.Debug("mpegts decode error", slog.String("error", err.Error()))
		})
		d.initialized = true
	}

	start := d.emitted
	for d.emitted == start {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.reader.Read(); err != nil {
			return fmt.Errorf("reading mpegts: %w", err)
		}
	}
	return nil
}

func (d *tsDemuxer) setupTrack(track *mpegts.Track) {
	switch tc := track.Codec.(type) {
	case *mpegts.CodecH264:
		es := d.addTrack(track, ESFormat{Kind: codec.KindVideo, Codec: codec.VideoH264.String()})
		d.reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			return d.emitVideo(track, es, pts, dts, au, h264.IsRandomAccess(au))
		})

	case *mpegts.CodecH265:
		es := d.addTrack(track, ESFormat{Kind: codec.KindVideo, Codec: codec.VideoH265.String()})
		d.reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
			return d.emitVideo(track, es, pts, dts, au, h265.IsRandomAccess(au))
		})

	case *mpegts.CodecMPEG4Audio:
		rate := tc.Config.SampleRate
		if rate <= 0 {
			rate = 48000
		}
		es := d.addTrack(track, ESFormat{Kind: codec.KindAudio, Codec: codec.AudioAAC.String(), SampleRate: rate, Channels: tc.Config.ChannelCount})
		// AAC frames carry 1024 samples.
		frame := int64(1024 * mpegtsTimescale / rate)
		d.reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			d.emitAudio(track, es, pts, frame, aus)
			return nil
		})

	case *mpegts.CodecAC3:
		es := d.addTrack(track, ESFormat{Kind: codec.KindAudio, Codec: codec.AudioAC3.String(), SampleRate: tc.SampleRate, Channels: tc.ChannelCount})
		d.reader.OnDataAC3(track, func(pts int64, frame []byte) error {
			d.emitAudio(track, es, pts, 0, [][]byte{frame})
			return nil
		})

	case *mpegts.CodecMPEG1Audio:
		es := d.addTrack(track, ESFormat{Kind: codec.KindAudio, Codec: codec.AudioMP3.String()})
		// 1152 samples at 48kHz.
		d.reader.OnDataMPEG1Audio(track, func(pts int64, frames [][]byte) error {
			d.emitAudio(track, es, pts, 2160, frames)
			return nil
		})

	case *mpegts.CodecOpus:
		es := d.addTrack(track, ESFormat{Kind: codec.KindAudio, Codec: codec.AudioOpus.String(), SampleRate: 48000, Channels: tc.ChannelCount})
		// 20ms packets.
		d.reader.OnDataOpus(track, func(pts int64, packets [][]byte) error {
			d.emitAudio(track, es, pts, 1800, packets)
			return nil
		})

	default:
		d.logger.Debug("skipping unsupported track",
			slog.Uint64("pid", uint64(track.PID)),
			slog.String("type", fmt.Sprintf("%T", track.Codec)))
	}
}

func (d *tsDemuxer) addTrack(track *mpegts.Track, f ESFormat) *fakeES {
	es := d.out.createES(f)
	d.tracks[track.PID] = es
	d.logger.Debug("found track",
		slog.Uint64("pid", uint64(track.PID)),
		slog.String("codec", f.Codec))
	return es
}

func (d *tsDemuxer) emitVideo(track *mpegts.Track, es *fakeES, pts, dts int64, au [][]byte, key bool) error {
	if len(au) == 0 {
		return nil
	}
	data, err := h264.AnnexB(au).Marshal()
	if err != nil || len(data) == 0 {
		return nil
	}
	b := &Block{
		PTS:      ticksToDuration(pts, mpegtsTimescale),
		DTS:      ticksToDuration(dts, mpegtsTimescale),
		Keyframe: key,
		Data:     data,
	}
	d.out.send(es, b)
	d.out.setPCR(d.pcr.update(int(track.PID), b.DTS))
	d.emitted++
	return nil
}

// emitAudio sends each frame, spacing timestamps by frame ticks.
func (d *tsDemuxer) emitAudio(track *mpegts.Track, es *fakeES, pts, frame int64, frames [][]byte) {
	for _, f := range frames {
		if len(f) == 0 {
			continue
		}
		ts := ticksToDuration(pts, mpegtsTimescale)
		d.out.send(es, &Block{
			PTS:      ts,
			DTS:      ts,
			Keyframe: true,
			Data:     append([]byte(nil), f...),
		})
		d.out.setPCR(d.pcr.update(int(track.PID), ts))
		d.emitted++
		pts += frame
	}
}
