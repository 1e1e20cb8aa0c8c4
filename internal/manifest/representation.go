package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SegmentKind categorizes a segment.
type SegmentKind int

const (
	// SegmentInit carries one-time initialization data.
	SegmentInit SegmentKind = iota
	// SegmentIndex carries a seek table.
	SegmentIndex
	// SegmentMedia carries media payload.
	SegmentMedia
)

// Segment is one addressable, optionally byte-ranged unit of a representation.
type Segment struct {
	Kind   SegmentKind
	Number uint64
	URL    string

	// HasRange selects the inclusive byte range [RangeStart, RangeEnd].
	HasRange   bool
	RangeStart uint64
	RangeEnd   uint64

	StartTime     time.Duration
	Duration      time.Duration
	Discontinuity bool

	// Format overrides the representation format when not FormatUnsupported.
	Format StreamFormat
}

// Update is the result of refreshing a representation's segment list.
type Update struct {
	Init           *Segment
	Media          []*Segment
	TargetDuration time.Duration
	EndList        bool
}

// Updater refreshes mutable (live) segment lists.
type Updater interface {
	Refresh(ctx context.Context, rep *Representation) (*Update, error)
}

// liveStartDelay is how many target durations behind the live edge playback starts.
const liveStartDelay = 3

// minUpdateInterval bounds live refresh cadence.
const minUpdateInterval = time.Second

// Representation is one encoded quality variant.
type Representation struct {
	ID           string
	URL          string
	Bandwidth    uint64
	Width        int
	Height       int
	Codecs       []string
	Format       StreamFormat
	SwitchPolicy SwitchPolicy

	playlist *Playlist
	set      *AdaptationSet

	mu             sync.RWMutex
	init           *Segment
	index          *Segment
	segments       []*Segment
	targetDuration time.Duration
	inconsistent   bool
	endList        bool
	nextUpdate     time.Time
	updater        Updater
	logger         *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewRepresentation creates a representation with an empty segment index.
func NewRepresentation(id string, bandwidth uint64) *Representation {
	return &Representation{
		ID:        id,
		Bandwidth: bandwidth,
		Format:    FormatUnsupported,
		endList:   true,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// String returns a short description for logs.
func (r *Representation) String() string {
	if r == nil {
		return "<none>"
	}
	if r.Width > 0 && r.Height > 0 {
		return fmt.Sprintf("%s(%dbps %dx%d)", r.ID, r.Bandwidth, r.Width, r.Height)
	}
	return fmt.Sprintf("%s(%dbps)", r.ID, r.Bandwidth)
}

// Playlist returns the owning playlist.
func (r *Representation) Playlist() *Playlist {
	return r.playlist
}

// AdaptationSet returns the owning adaptation set.
func (r *Representation) AdaptationSet() *AdaptationSet {
	return r.set
}

// SetUpdater makes the representation live: its segment list is refreshed
// through u until an update reports the end of the list.
func (r *Representation) SetUpdater(u Updater, logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updater = u
	r.endList = u == nil
	if logger != nil {
		r.logger = logger
	}
}

// SetSegments replaces the segment index. Media segments must be ordered by number.
func (r *Representation) SetSegments(init, index *Segment, media []*Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init = init
	r.index = index
	r.segments = media
}

// SetTargetDuration sets the nominal segment duration.
func (r *Representation) SetTargetDuration(d time.Duration) {
	r.mu.Lock()
	r.targetDuration = d
	r.mu.Unlock()
}

// TargetDuration returns the nominal segment duration.
func (r *Representation) TargetDuration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targetDuration
}

// SetConsistentSegmentNumber declares whether segment numbers line up with
// sibling representations of the same set.
func (r *Representation) SetConsistentSegmentNumber(consistent bool) {
	r.mu.Lock()
	r.inconsistent = !consistent
	r.mu.Unlock()
}

// ConsistentSegmentNumber reports whether segment numbers are shared with siblings.
func (r *Representation) ConsistentSegmentNumber() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.inconsistent
}

// StreamFormat returns the representation's container format.
func (r *Representation) StreamFormat() StreamFormat {
	return r.Format
}

// Segments returns a copy of the media segment index.
func (r *Representation) Segments() []*Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Segment, len(r.segments))
	copy(out, r.segments)
	return out
}

// Segment returns the init or index segment, or the first media segment.
func (r *Representation) Segment(kind SegmentKind) *Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case SegmentInit:
		return r.init
	case SegmentIndex:
		return r.index
	default:
		if len(r.segments) == 0 {
			return nil
		}
		return r.segments[0]
	}
}

// NextSegment returns the first media segment numbered at or after number.
// gap is true when the returned segment is not exactly number.
func (r *Representation) NextSegment(kind SegmentKind, number uint64) (seg *Segment, gap bool) {
	if kind != SegmentMedia {
		return r.Segment(kind), false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.segments {
		if s.Number >= number {
			return s, s.Number != number
		}
	}
	return nil, false
}

// NeedsUpdate reports whether the segment list is mutable and must be refreshed.
func (r *Representation) NeedsUpdate() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updater != nil && !r.endList
}

// RunLocalUpdates refreshes the segment list when the refresh is due or forced.
// It returns true when the list changed.
func (r *Representation) RunLocalUpdates(ctx context.Context, playbackTime time.Duration, number uint64, force bool) bool {
	r.mu.RLock()
	updater := r.updater
	due := force || !r.clock().Before(r.nextUpdate)
	r.mu.RUnlock()

	if updater == nil || !r.NeedsUpdate() || !due {
		return false
	}

	upd, err := updater.Refresh(ctx, r)
	if err != nil {
		r.logger.Warn("playlist refresh failed",
			slog.String("representation", r.ID),
			slog.Uint64("number", number),
			slog.Duration("playback_time", playbackTime),
			slog.String("error", err.Error()))
		r.mu.Lock()
		r.nextUpdate = r.clock().Add(r.updateIntervalLocked() / 2)
		r.mu.Unlock()
		return false
	}
	return r.merge(upd)
}

// merge appends segments newer than the known ones.
func (r *Representation) merge(upd *Update) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	if upd.TargetDuration > 0 {
		r.targetDuration = upd.TargetDuration
	}
	if upd.Init != nil && r.init == nil {
		r.init = upd.Init
		changed = true
	}

	var last *Segment
	if n := len(r.segments); n > 0 {
		last = r.segments[n-1]
	}
	for _, s := range upd.Media {
		if last != nil && s.Number <= last.Number {
			continue
		}
		if last != nil {
			s.StartTime = last.StartTime + last.Duration
		}
		r.segments = append(r.segments, s)
		last = s
		changed = true
	}

	if upd.EndList && !r.endList {
		r.endList = true
		changed = true
	}
	return changed
}

// ScheduleNextUpdate arms the next refresh one target duration from now.
func (r *Representation) ScheduleNextUpdate(number uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	interval := r.updateIntervalLocked()
	r.nextUpdate = r.clock().Add(interval)
	r.logger.Debug("scheduled playlist refresh",
		slog.String("representation", r.ID),
		slog.Uint64("number", number),
		slog.Duration("interval", interval))
}

func (r *Representation) updateIntervalLocked() time.Duration {
	if r.targetDuration < minUpdateInterval {
		return minUpdateInterval
	}
	return r.targetDuration
}

// PruneBySegmentNumber drops media segments numbered before number.
func (r *Representation) PruneBySegmentNumber(number uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := 0
	for i < len(r.segments) && r.segments[i].Number < number {
		i++
	}
	if i > 0 {
		r.segments = append([]*Segment(nil), r.segments[i:]...)
	}
}

// SegmentNumberByTime resolves the media segment covering t.
// Times past the end of a live list resolve to the last segment.
func (r *Representation) SegmentNumberByTime(t time.Duration) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.segments) == 0 {
		return 0, false
	}
	for _, s := range r.segments {
		if t < s.StartTime+s.Duration {
			return s.Number, true
		}
	}
	if r.updater != nil && !r.endList {
		return r.segments[len(r.segments)-1].Number, true
	}
	return 0, false
}

// LiveStartSegmentNumber returns the segment at which live playback starts:
// a few target durations behind the live edge. def is returned when the list is empty.
func (r *Representation) LiveStartSegmentNumber(def uint64) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.segments) == 0 {
		return def
	}
	delay := liveStartDelay * r.targetDuration
	var ahead time.Duration
	i := len(r.segments) - 1
	for ; i > 0; i-- {
		ahead += r.segments[i].Duration
		if ahead >= delay {
			break
		}
	}
	return r.segments[i].Number
}

// TranslateSegmentNumber converts a segment number of from into the
// number of the segment of r covering the same playback time.
func (r *Representation) TranslateSegmentNumber(number uint64, from *Representation) uint64 {
	if from == nil || from == r {
		return number
	}
	t, ok := from.PlaybackTimeBySegmentNumber(number)
	if !ok {
		return number
	}
	if n, ok := r.SegmentNumberByTime(t); ok {
		return n
	}
	return number
}

// MinAheadTime returns the media duration available after segment number.
func (r *Representation) MinAheadTime(number uint64) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ahead time.Duration
	for _, s := range r.segments {
		if s.Number > number {
			ahead += s.Duration
		}
	}
	return ahead
}

// PlaybackTimeBySegmentNumber returns the start time of segment number.
func (r *Representation) PlaybackTimeBySegmentNumber(number uint64) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.segments {
		if s.Number == number {
			return s.StartTime, true
		}
		if s.Number > number {
			break
		}
	}
	return 0, false
}

func (r *Representation) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}
