// Package manifest provides the playlist model consumed by the adaptive engine:
// playlists, adaptation sets, representations and their segment indexes.
package manifest

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// ID identifies an adaptation set. It is stable for the lifetime of a playlist
// and is used as a map key by adaptation statistics.
type ID string

// SwitchPolicy governs whether adaptive switching away from a representation is allowed.
type SwitchPolicy int

const (
	// SwitchFree allows switching at any segment boundary.
	SwitchFree SwitchPolicy = iota
	// SwitchRestricted allows switching but the source discourages it.
	SwitchRestricted
	// SwitchUnavailable pins the representation once selected.
	SwitchUnavailable
)

// StreamFormat is the container fingerprint of a segment.
type StreamFormat int

// Known stream formats. The zero value is FormatUnsupported.
const (
	FormatUnsupported StreamFormat = iota
	FormatMPEGTS
	FormatMP4
	FormatPackedAAC
	FormatWebVTT
)

// String returns the format name.
func (f StreamFormat) String() string {
	switch f {
	case FormatMPEGTS:
		return "MPEG2TS"
	case FormatMP4:
		return "MP4"
	case FormatPackedAAC:
		return "PackedAAC"
	case FormatWebVTT:
		return "WebVTT"
	default:
		return "Unsupported"
	}
}

// FormatFromURI guesses a container format from a segment URI extension.
// Unknown extensions return def.
func FormatFromURI(uri string, def StreamFormat) StreamFormat {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	switch strings.ToLower(path.Ext(uri)) {
	case ".ts", ".mts", ".m2ts":
		return FormatMPEGTS
	case ".mp4", ".m4s", ".m4v", ".m4a", ".cmfv", ".cmfa", ".fmp4":
		return FormatMP4
	case ".aac":
		return FormatPackedAAC
	case ".vtt", ".webvtt":
		return FormatWebVTT
	default:
		return def
	}
}

// Playlist is the root of the manifest model.
type Playlist struct {
	URL string

	// MinBuffering and MaxBuffering are hints from the manifest; zero means unset.
	MinBuffering time.Duration
	MaxBuffering time.Duration

	mu   sync.RWMutex
	live bool
	sets []*AdaptationSet
}

// NewPlaylist creates an empty playlist.
func NewPlaylist(url string, live bool) *Playlist {
	return &Playlist{URL: url, live: live}
}

// IsLive reports whether the playlist describes a live presentation.
func (p *Playlist) IsLive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.live
}

// SetLive updates the live flag, typically when a live playlist ends.
func (p *Playlist) SetLive(live bool) {
	p.mu.Lock()
	p.live = live
	p.mu.Unlock()
}

// AddAdaptationSet appends a set and takes ownership of it.
func (p *Playlist) AddAdaptationSet(set *AdaptationSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set.playlist = p
	for _, rep := range set.reps {
		rep.playlist = p
	}
	p.sets = append(p.sets, set)
}

// AdaptationSets returns the sets in manifest order.
func (p *Playlist) AdaptationSets() []*AdaptationSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*AdaptationSet, len(p.sets))
	copy(out, p.sets)
	return out
}

// AdaptationSet is a group of interchangeable representations.
type AdaptationSet struct {
	ID       ID
	Kind     string // video, audio, subtitles
	Language string

	playlist *Playlist
	reps     []*Representation
}

// NewAdaptationSet creates an empty set.
func NewAdaptationSet(id ID, kind string) *AdaptationSet {
	return &AdaptationSet{ID: id, Kind: kind}
}

// Playlist returns the owning playlist, nil until the set is added to one.
func (s *AdaptationSet) Playlist() *Playlist {
	return s.playlist
}

// AddRepresentation inserts rep keeping the set sorted by ascending bandwidth.
// Representations with equal bandwidth keep insertion order.
func (s *AdaptationSet) AddRepresentation(rep *Representation) {
	rep.set = s
	rep.playlist = s.playlist
	i := sort.Search(len(s.reps), func(i int) bool {
		return s.reps[i].Bandwidth > rep.Bandwidth
	})
	s.reps = append(s.reps, nil)
	copy(s.reps[i+1:], s.reps[i:])
	s.reps[i] = rep
}

// Representations returns the bandwidth-ordered representations.
// The returned slice must not be modified.
func (s *AdaptationSet) Representations() []*Representation {
	if s == nil {
		return nil
	}
	return s.reps
}
