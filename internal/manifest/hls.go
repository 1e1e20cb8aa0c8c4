package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/jmylchreest/abrplay/internal/codec"
	"github.com/jmylchreest/abrplay/internal/urlutil"
)

// Sentinel errors for manifest loading.
var (
	ErrNoVariants       = errors.New("manifest: playlist has no playable variants")
	ErrNotMediaPlaylist = errors.New("manifest: expected a media playlist")
)

// Fetcher downloads a complete resource.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HLSLoader builds playlists from HLS master and media playlists and
// refreshes live media playlists.
type HLSLoader struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewHLSLoader creates a loader fetching through f.
func NewHLSLoader(f Fetcher, logger *slog.Logger) *HLSLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &HLSLoader{fetcher: f, logger: logger}
}

// Load fetches and parses the playlist at rawURL. Master playlists produce a
// video set with one representation per variant plus one set per alternate
// audio rendition; each media playlist is loaded eagerly.
func (l *HLSLoader) Load(ctx context.Context, rawURL string) (*Playlist, error) {
	pl, listType, err := l.decode(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var sets []*AdaptationSet
	switch listType {
	case m3u8.MEDIA:
		set := NewAdaptationSet("main", "video")
		rep := NewRepresentation("0", 0)
		rep.URL = rawURL
		set.AddRepresentation(rep)
		l.apply(rep, pl.(*m3u8.MediaPlaylist))
		sets = append(sets, set)

	case m3u8.MASTER:
		sets, err = l.loadMaster(ctx, rawURL, pl.(*m3u8.MasterPlaylist))
		if err != nil {
			return nil, err
		}
	}

	if len(sets) == 0 {
		return nil, ErrNoVariants
	}

	live := false
	for _, set := range sets {
		for _, rep := range set.Representations() {
			if rep.NeedsUpdate() {
				live = true
			}
		}
	}

	playlist := NewPlaylist(rawURL, live)
	for _, set := range sets {
		playlist.AddAdaptationSet(set)
	}

	l.logger.Info("loaded HLS playlist",
		slog.String("url", rawURL),
		slog.Int("adaptation_sets", len(sets)),
		slog.Bool("live", live))

	return playlist, nil
}

func (l *HLSLoader) loadMaster(ctx context.Context, base string, master *m3u8.MasterPlaylist) ([]*AdaptationSet, error) {
	video := NewAdaptationSet("video", "video")
	var sets []*AdaptationSet
	seen := make(map[string]bool)

	for i, v := range master.Variants {
		if v == nil {
			break
		}
		if v.Iframe {
			continue
		}

		rep := NewRepresentation(strconv.Itoa(i), uint64(v.Bandwidth))
		rep.URL = urlutil.Resolve(base, v.URI)
		rep.Width, rep.Height = parseResolution(v.Resolution)
		if v.Codecs != "" {
			rep.Codecs = strings.Split(v.Codecs, ",")
		}
		video.AddRepresentation(rep)

		for _, alt := range v.Alternatives {
			if alt == nil || alt.URI == "" || alt.Type != "AUDIO" {
				continue
			}
			key := alt.GroupId + "/" + alt.Name
			if seen[key] {
				continue
			}
			seen[key] = true

			set := NewAdaptationSet(ID("audio-"+key), "audio")
			set.Language = alt.Language
			arep := NewRepresentation(key, 0)
			arep.URL = urlutil.Resolve(base, alt.URI)
			set.AddRepresentation(arep)
			sets = append(sets, set)
		}
	}

	if reps := video.Representations(); len(reps) > 0 {
		// Audio-only ladders such as radio streams.
		var all []string
		for _, rep := range reps {
			all = append(all, rep.Codecs...)
		}
		if codec.Kind(all) == codec.KindAudio {
			video.ID, video.Kind = "audio", codec.KindAudio
		}
		sets = append([]*AdaptationSet{video}, sets...)
	}

	for _, set := range sets {
		for _, rep := range set.Representations() {
			pl, listType, err := l.decode(ctx, rep.URL)
			if err != nil {
				return nil, fmt.Errorf("loading variant %s: %w", rep.ID, err)
			}
			if listType != m3u8.MEDIA {
				return nil, fmt.Errorf("variant %s: %w", rep.ID, ErrNotMediaPlaylist)
			}
			l.apply(rep, pl.(*m3u8.MediaPlaylist))
		}
	}

	return sets, nil
}

// Refresh re-fetches a live media playlist. It implements Updater.
func (l *HLSLoader) Refresh(ctx context.Context, rep *Representation) (*Update, error) {
	pl, listType, err := l.decode(ctx, rep.URL)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MEDIA {
		return nil, ErrNotMediaPlaylist
	}
	mp := pl.(*m3u8.MediaPlaylist)
	upd := convertMedia(rep.URL, mp)

	l.logger.Debug("refreshed media playlist",
		slog.String("representation", rep.ID),
		slog.Int("segments", len(upd.Media)),
		slog.Bool("end_list", upd.EndList))

	return upd, nil
}

func (l *HLSLoader) decode(ctx context.Context, rawURL string) (m3u8.Playlist, m3u8.ListType, error) {
	data, err := l.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching playlist: %w", err)
	}
	r, err := playlistReader(rawURL, data)
	if err != nil {
		return nil, 0, err
	}
	pl, listType, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding playlist %s: %w", rawURL, err)
	}
	return pl, listType, nil
}

// apply loads a decoded media playlist into rep.
func (l *HLSLoader) apply(rep *Representation, mp *m3u8.MediaPlaylist) {
	upd := convertMedia(rep.URL, mp)

	rep.SetTargetDuration(upd.TargetDuration)
	rep.SetSegments(upd.Init, nil, upd.Media)

	switch {
	case upd.Init != nil:
		rep.Format = FormatMP4
	case len(upd.Media) > 0:
		rep.Format = upd.Media[0].Format
	default:
		rep.Format = FormatMPEGTS
	}

	if !upd.EndList {
		rep.SetUpdater(l, l.logger)
	}
}

// convertMedia maps a grafov media playlist onto segments with a timeline
// starting at zero.
func convertMedia(base string, mp *m3u8.MediaPlaylist) *Update {
	upd := &Update{
		TargetDuration: seconds(mp.TargetDuration),
		EndList:        mp.Closed,
	}

	def := FormatMPEGTS
	if mp.Map != nil && mp.Map.URI != "" {
		def = FormatMP4
		upd.Init = &Segment{
			Kind: SegmentInit,
			URL:  urlutil.Resolve(base, mp.Map.URI),
		}
		if mp.Map.Limit > 0 {
			upd.Init.HasRange = true
			upd.Init.RangeStart = uint64(mp.Map.Offset)
			upd.Init.RangeEnd = uint64(mp.Map.Offset + mp.Map.Limit - 1)
		}
	}

	var start time.Duration
	var prev *Segment
	for i, s := range mp.Segments {
		if s == nil {
			break
		}
		seg := &Segment{
			Kind:          SegmentMedia,
			Number:        mp.SeqNo + uint64(i),
			URL:           urlutil.Resolve(base, s.URI),
			StartTime:     start,
			Duration:      seconds(s.Duration),
			Discontinuity: s.Discontinuity,
		}
		seg.Format = FormatFromURI(seg.URL, def)
		if def == FormatMP4 {
			seg.Format = FormatMP4
		}

		// EXT-X-BYTERANGE without an offset continues the previous sub-range.
		if s.Limit > 0 {
			seg.HasRange = true
			seg.RangeStart = uint64(s.Offset)
			if s.Offset == 0 && prev != nil && prev.HasRange && prev.URL == seg.URL {
				seg.RangeStart = prev.RangeEnd + 1
			}
			seg.RangeEnd = seg.RangeStart + uint64(s.Limit) - 1
		}

		upd.Media = append(upd.Media, seg)
		start += seg.Duration
		prev = seg
	}

	return upd
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// parseResolution parses "WIDTHxHEIGHT".
func parseResolution(s string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(w))
	height, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}
