// Package tracker owns the segment cursor of one adaptation set: the current
// representation, the next segment number and the one-shot init and index
// segments. It consults a Logic at every segment boundary and reports what it
// did to its listeners.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/observability"
)

// SegmentTracker walks the segments of one adaptation set.
//
// Listeners are called synchronously while the tracker lock is held and must
// not call back into the tracker.
type SegmentTracker struct {
	logger *slog.Logger
	logic  Logic
	set    *manifest.AdaptationSet

	mu           sync.Mutex
	listeners    []Listener
	cur          *manifest.Representation
	curNumber    uint64
	next         uint64
	first        bool
	initializing bool
	indexSent    bool
	initSent     bool
	format       manifest.StreamFormat
}

// New creates a tracker over set. logic is registered as the first listener.
func New(logic Logic, set *manifest.AdaptationSet, logger *slog.Logger) *SegmentTracker {
	logger = observability.OrDefault(logger)
	if set != nil {
		logger = observability.WithAdaptationSet(logger, string(set.ID))
	}
	t := &SegmentTracker{
		logger:       observability.WithComponent(logger, "tracker"),
		logic:        logic,
		set:          set,
		first:        true,
		initializing: true,
		format:       manifest.FormatUnsupported,
	}
	if logic != nil {
		t.listeners = append(t.listeners, logic)
	}
	return t
}

// AdaptationSet returns the tracked set.
func (t *SegmentTracker) AdaptationSet() *manifest.AdaptationSet {
	return t.set
}

// RegisterListener appends l to the listener list.
func (t *SegmentTracker) RegisterListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Current returns the selected representation, nil when none is.
func (t *SegmentTracker) Current() *manifest.Representation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// Reset drops the current representation and re-arms the one-shot segments.
func (t *SegmentTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *SegmentTracker) resetLocked() {
	t.notifyLocked(SwitchingEvent(t.cur, nil))
	t.cur = nil
	t.initSent = false
	t.indexSent = false
	t.initializing = true
	t.format = manifest.FormatUnsupported
}

// representationLocked is the current representation, or the one the logic
// would start with.
func (t *SegmentTracker) representationLocked() *manifest.Representation {
	if t.cur != nil {
		return t.cur
	}
	if t.logic == nil || t.set == nil {
		return nil
	}
	return t.logic.NextRepresentation(t.set, nil)
}

// InitialFormat returns the format the first chunk is expected to have.
func (t *SegmentTracker) InitialFormat() manifest.StreamFormat {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := t.representationLocked()
	if rep == nil {
		return manifest.FormatUnsupported
	}
	if seg := rep.Segment(manifest.SegmentInit); seg != nil && seg.Format != manifest.FormatUnsupported {
		return seg.Format
	}
	if seg := rep.Segment(manifest.SegmentMedia); seg != nil && seg.Format != manifest.FormatUnsupported {
		return seg.Format
	}
	return rep.StreamFormat()
}

// CurrentFormat returns the format of the last chunk handed out.
func (t *SegmentTracker) CurrentFormat() manifest.StreamFormat {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.format
}

// SegmentsListReady reports whether a chunk can be fetched. Live lists are
// ready once media is available after the cursor.
func (t *SegmentTracker) SegmentsListReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := t.representationLocked()
	if rep == nil {
		return false
	}
	// A live list that received its end marker is complete.
	if pl := rep.Playlist(); pl != nil && pl.IsLive() && rep.NeedsUpdate() {
		return rep.MinAheadTime(t.curNumber) > 0
	}
	return true
}

// NextChunk returns the next chunk to download, nil at the end of content or
// when no representation can be selected.
func (t *SegmentTracker) NextChunk(ctx context.Context, switchAllowed bool, provider ChunkProvider) *Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.set == nil {
		return nil
	}

	if t.cur == nil {
		switchAllowed = true
	} else if t.initializing {
		switchAllowed = false
	}

	var rep *manifest.Representation
	if !switchAllowed || (t.cur != nil && t.cur.SwitchPolicy == manifest.SwitchUnavailable) {
		rep = t.cur
	} else if t.logic != nil {
		rep = t.logic.NextRepresentation(t.set, t.cur)
	}
	if rep == nil {
		return nil
	}

	var prev *manifest.Representation
	if rep != t.cur {
		prev = t.cur
		t.notifyLocked(SwitchingEvent(prev, rep))
		t.cur = rep
		t.initSent = false
		t.indexSent = false
		t.initializing = true
		t.logger.Info("switched representation",
			slog.String("from", prev.String()),
			slog.String("to", rep.String()))
		observability.RepresentationSwitches.WithLabelValues(string(t.set.ID)).Inc()
		observability.SelectedBandwidth.WithLabelValues(string(t.set.ID)).Set(float64(rep.Bandwidth))
	}

	updated := false
	if rep.NeedsUpdate() {
		playback, _ := rep.PlaybackTimeBySegmentNumber(t.next)
		number := t.curNumber
		// Refreshes fetch the playlist: position queries and events must
		// not wait on them.
		t.mu.Unlock()
		updated = rep.RunLocalUpdates(ctx, playback, number, false)
		t.mu.Lock()
		if t.cur != rep {
			return nil
		}
	}

	if prev != nil && !rep.ConsistentSegmentNumber() {
		t.next = rep.TranslateSegmentNumber(t.next, prev)
	} else if t.first {
		if pl := rep.Playlist(); pl != nil && pl.IsLive() {
			t.next = rep.LiveStartSegmentNumber(t.next)
			t.first = false
		}
	}

	if updated {
		if !rep.ConsistentSegmentNumber() {
			rep.PruneBySegmentNumber(t.curNumber)
		}
		rep.ScheduleNextUpdate(t.next)
	}

	if !t.initSent {
		t.initSent = true
		if seg := rep.Segment(manifest.SegmentInit); seg != nil {
			return t.openLocked(ctx, provider, seg, seg.Number, rep)
		}
	}

	if !t.indexSent {
		t.indexSent = true
		if seg := rep.Segment(manifest.SegmentIndex); seg != nil {
			return t.openLocked(ctx, provider, seg, seg.Number, rep)
		}
	}

	seg, gap := rep.NextSegment(manifest.SegmentMedia, t.next)
	if seg == nil {
		t.logger.Debug("segment list exhausted", slog.Uint64("next", t.next))
		t.resetLocked()
		return nil
	}
	t.next = seg.Number

	if t.initializing {
		gap = false
		t.initializing = false
	}

	chunk := t.openLocked(ctx, provider, seg, t.next, rep)
	if chunk == nil {
		return nil
	}

	if chunk.Format != t.format {
		t.format = chunk.Format
		t.notifyLocked(FormatChangeEvent(t.format))
	}

	if (gap && t.next != 0) || chunk.Discontinuity {
		chunk.Discontinuity = true
		t.notifyLocked(DiscontinuityEvent(t.next))
	}

	t.notifyLocked(SegmentChangeEvent(t.set.ID, seg.Duration))

	t.curNumber = t.next
	t.next++

	t.logger.Debug("next chunk",
		slog.String("representation", rep.ID),
		slog.Uint64("number", t.curNumber),
		slog.Duration("duration", seg.Duration))
	return chunk
}

func (t *SegmentTracker) openLocked(ctx context.Context, provider ChunkProvider, seg *manifest.Segment, number uint64, rep *manifest.Representation) *Chunk {
	chunk, err := newChunk(ctx, provider, seg, number, rep)
	if err != nil {
		observability.WithError(t.logger, err).Warn("cannot open segment")
		return nil
	}
	return chunk
}

// SetPositionByTime moves the cursor to the segment covering t. With dryRun
// the cursor is left untouched and only the lookup is reported.
func (t *SegmentTracker) SetPositionByTime(ctx context.Context, pos time.Duration, restarted, dryRun bool) bool {
	t.mu.Lock()
	rep := t.representationLocked()
	number := t.curNumber
	t.mu.Unlock()

	if rep == nil {
		return false
	}
	if rep.NeedsUpdate() {
		rep.RunLocalUpdates(ctx, pos, number, false)
	}
	n, ok := rep.SegmentNumberByTime(pos)
	if !ok {
		return false
	}
	if !dryRun {
		t.mu.Lock()
		t.setPositionLocked(n, restarted)
		t.mu.Unlock()
	}
	return true
}

// SetPositionByNumber moves the cursor to segment n. restarted re-arms the
// one-shot segments so a fresh demuxer sees the init data again.
func (t *SegmentTracker) SetPositionByNumber(n uint64, restarted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setPositionLocked(n, restarted)
}

func (t *SegmentTracker) setPositionLocked(n uint64, restarted bool) {
	if restarted {
		t.initSent = false
		t.indexSent = false
		t.initializing = true
	}
	t.curNumber = n
	t.next = n
	// An explicit position wins over the live start point.
	t.first = false
}

// PlaybackTime returns the start time of the next segment.
func (t *SegmentTracker) PlaybackTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return 0
	}
	d, _ := t.cur.PlaybackTimeBySegmentNumber(t.next)
	return d
}

// MinAheadTime returns the media duration known after the current segment.
func (t *SegmentTracker) MinAheadTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := t.representationLocked()
	if rep == nil {
		return 0
	}
	return rep.MinAheadTime(t.curNumber)
}

// UpdateSelected refreshes the segment list of the selected representation.
// Without a selection, the representation the logic would start with is
// refreshed instead so an empty live list can become ready.
func (t *SegmentTracker) UpdateSelected(ctx context.Context) {
	t.mu.Lock()
	rep := t.representationLocked()
	number := t.curNumber
	t.mu.Unlock()

	if rep == nil || !rep.NeedsUpdate() {
		return
	}
	rep.RunLocalUpdates(ctx, 0, number, true)
	rep.ScheduleNextUpdate(number)
}

// NotifyBufferingState reports the stream becoming active or inactive.
func (t *SegmentTracker) NotifyBufferingState(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.set == nil {
		return
	}
	t.notifyLocked(BufferingStateEvent(t.set.ID, enabled))
}

// NotifyBufferingLevel reports the buffered duration against its target.
func (t *SegmentTracker) NotifyBufferingLevel(current, target time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.set == nil {
		return
	}
	t.notifyLocked(BufferingLevelEvent(t.set.ID, current, target))
}

func (t *SegmentTracker) notifyLocked(ev Event) {
	for _, l := range t.listeners {
		l.TrackerEvent(ev)
	}
}
