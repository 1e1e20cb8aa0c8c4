package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/abrplay/internal/codec"
	"github.com/jmylchreest/abrplay/internal/observability"
)

// maxBoxSize bounds a single top-level box.
const maxBoxSize = 64 << 20

var errMediaBeforeInit = errors.New("fragment before initialization segment")

type mp4Track struct {
	es        *fakeES
	timescale int64
	video     bool
}

// mp4Demuxer demuxes fragmented MP4 using mediacommon. Top-level boxes are
// read from the byte stream: ftyp and moov form the init segment, each
// moof and mdat pair is parsed as one fragment.
type mp4Demuxer struct {
	src    io.Reader
	out    *esOutput
	logger *slog.Logger

	open     bool
	init     []byte
	fragment []byte
	tracks   map[int]*mp4Track
	emitted  int
	pcr      pcrClock
}

func newMP4Demuxer(src io.Reader, out *esOutput, logger *slog.Logger) *mp4Demuxer {
	return &mp4Demuxer{
		src:    src,
		out:    out,
		logger: observability.WithComponent(observability.OrDefault(logger), "mp4_demuxer"),
	}
}

func (d *mp4Demuxer) Create() error {
	d.open = true
	d.init = nil
	d.fragment = nil
	d.tracks = nil
	d.pcr.reset()
	return nil
}

func (d *mp4Demuxer) Destroy() {
	d.open = false
	d.init = nil
	d.fragment = nil
	d.tracks = nil
}

func (d *mp4Demuxer) Drain() {
	d.out.queue.Commit()
}

func (d *mp4Demuxer) NeedsRestartOnSeek() bool   { return true }
func (d *mp4Demuxer) NeedsRestartOnSwitch() bool { return true }
func (d *mp4Demuxer) AlwaysStartsFromZero() bool { return false }

func (d *mp4Demuxer) Demux(ctx context.Context, _ time.Duration) error {
	if !d.open {
		return ErrDemuxerClosed
	}

	start := d.emitted
	for d.emitted == start {
		if err := ctx.Err(); err != nil {
			return err
		}
		kind, box, err := readBox(d.src)
		if err != nil {
			return err
		}
		if err := d.handleBox(kind, box); err != nil {
			return err
		}
	}
	return nil
}

func (d *mp4Demuxer) handleBox(kind string, box []byte) error {
	switch kind {
	case "ftyp":
		d.init = append(d.init[:0], box...)
	case "moov":
		d.init = append(d.init, box...)
		if err := d.parseInit(); err != nil {
			return err
		}
		d.out.setInit(d.init)
	case "moof":
		d.fragment = append(d.fragment[:0], box...)
	case "mdat":
		if d.fragment == nil {
			return nil
		}
		d.fragment = append(d.fragment, box...)
		err := d.parseFragment()
		d.fragment = nil
		return err
	}
	return nil
}

func (d *mp4Demuxer) parseInit() error {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(d.init)); err != nil {
		return fmt.Errorf("parsing init segment: %w", err)
	}

	d.tracks = make(map[int]*mp4Track, len(init.Tracks))
	for _, track := range init.Tracks {
		f, ok := formatFromCodec(track.Codec)
		if !ok {
			d.logger.Debug("skipping unsupported track",
				slog.Int("track_id", track.ID),
				slog.String("type", fmt.Sprintf("%T", track.Codec)))
			continue
		}
		d.tracks[track.ID] = &mp4Track{
			es:        d.out.createES(f),
			timescale: int64(track.TimeScale),
			video:     track.Codec.IsVideo(),
		}
		d.logger.Debug("found track",
			slog.Int("track_id", track.ID),
			slog.String("codec", f.Codec),
			slog.Uint64("timescale", uint64(track.TimeScale)))
	}
	return nil
}

func (d *mp4Demuxer) parseFragment() error {
	if d.tracks == nil {
		// Restarted after a discontinuity: the stream's last init applies.
		d.init = d.out.lastInit()
		if d.init == nil {
			return errMediaBeforeInit
		}
		if err := d.parseInit(); err != nil {
			return err
		}
	}

	var parts fmp4.Parts
	if err := parts.Unmarshal(d.fragment); err != nil {
		return fmt.Errorf("parsing fragment: %w", err)
	}

	for _, part := range parts {
		for _, pt := range part.Tracks {
			track, ok := d.tracks[pt.ID]
			if !ok {
				continue
			}
			dts := int64(pt.BaseTime)
			for _, sample := range pt.Samples {
				d.emit(pt.ID, track, sample, dts)
				dts += int64(sample.Duration)
			}
		}
	}
	return nil
}

func (d *mp4Demuxer) emit(id int, track *mp4Track, sample *fmp4.Sample, dts int64) {
	payload := sample.Payload
	if track.video {
		var au h264.AVCC
		if err := au.Unmarshal(payload); err == nil {
			if annexB, err := h264.AnnexB(au).Marshal(); err == nil {
				payload = annexB
			}
		}
	} else {
		payload = append([]byte(nil), payload...)
	}

	b := &Block{
		DTS:      ticksToDuration(dts, track.timescale),
		PTS:      ticksToDuration(dts+int64(sample.PTSOffset), track.timescale),
		Keyframe: !sample.IsNonSyncSample,
		Data:     payload,
	}
	d.out.send(track.es, b)
	d.out.setPCR(d.pcr.update(id, b.DTS))
	d.emitted++
}

// readBox reads one top-level box, header included.
func readBox(r io.Reader) (string, []byte, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:8]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return "", nil, fmt.Errorf("truncated box header: %w", err)
		}
		return "", nil, err
	}

	size := uint64(binary.BigEndian.Uint32(hdr[:4]))
	kind := string(hdr[4:8])
	headerLen := 8

	switch size {
	case 0:
		rest, err := io.ReadAll(io.LimitReader(r, maxBoxSize))
		if err != nil {
			return "", nil, err
		}
		return kind, append(hdr[:8:8], rest...), nil
	case 1:
		if _, err := io.ReadFull(r, hdr[8:16]); err != nil {
			return "", nil, fmt.Errorf("reading %s box size: %w", kind, err)
		}
		size = binary.BigEndian.Uint64(hdr[8:16])
		headerLen = 16
	}

	if size < uint64(headerLen) || size > maxBoxSize {
		return "", nil, fmt.Errorf("invalid %s box size %d", kind, size)
	}

	box := make([]byte, size)
	copy(box, hdr[:headerLen])
	if _, err := io.ReadFull(r, box[headerLen:]); err != nil {
		return "", nil, fmt.Errorf("reading %s box: %w", kind, err)
	}
	return kind, box, nil
}

func formatFromCodec(c mp4.Codec) (ESFormat, bool) {
	switch mc := c.(type) {
	case *mp4.CodecH264:
		return ESFormat{Kind: codec.KindVideo, Codec: codec.VideoH264.String()}, true
	case *mp4.CodecH265:
		return ESFormat{Kind: codec.KindVideo, Codec: codec.VideoH265.String()}, true
	case *mp4.CodecAV1:
		return ESFormat{Kind: codec.KindVideo, Codec: codec.VideoAV1.String()}, true
	case *mp4.CodecVP9:
		return ESFormat{Kind: codec.KindVideo, Codec: codec.VideoVP9.String(), Width: mc.Width, Height: mc.Height}, true
	case *mp4.CodecMPEG4Audio:
		return ESFormat{Kind: codec.KindAudio, Codec: codec.AudioAAC.String(), SampleRate: mc.Config.SampleRate, Channels: mc.Config.ChannelCount}, true
	case *mp4.CodecOpus:
		return ESFormat{Kind: codec.KindAudio, Codec: codec.AudioOpus.String(), SampleRate: 48000, Channels: mc.ChannelCount}, true
	case *mp4.CodecAC3:
		return ESFormat{Kind: codec.KindAudio, Codec: codec.AudioAC3.String(), SampleRate: mc.SampleRate, Channels: mc.ChannelCount}, true
	case *mp4.CodecMPEG1Audio:
		return ESFormat{Kind: codec.KindAudio, Codec: codec.AudioMP3.String(), SampleRate: mc.SampleRate, Channels: mc.ChannelCount}, true
	default:
		return ESFormat{}, false
	}
}
