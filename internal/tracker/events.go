package tracker

import (
	"fmt"
	"time"

	"github.com/jmylchreest/abrplay/internal/manifest"
)

// EventKind identifies a tracker event.
type EventKind int

// Tracker event kinds.
const (
	EventDiscontinuity EventKind = iota
	EventSwitching
	EventFormatChange
	EventBufferingState
	EventBufferingLevelChange
	EventSegmentChange
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventDiscontinuity:
		return "discontinuity"
	case EventSwitching:
		return "switching"
	case EventFormatChange:
		return "format_change"
	case EventBufferingState:
		return "buffering_state"
	case EventBufferingLevelChange:
		return "buffering_level_change"
	case EventSegmentChange:
		return "segment_change"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a tracker notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// EventDiscontinuity
	SegmentNumber uint64

	// EventSwitching
	Prev *manifest.Representation
	Next *manifest.Representation

	// EventFormatChange
	Format manifest.StreamFormat

	// EventBufferingState, EventBufferingLevelChange, EventSegmentChange
	SetID   manifest.ID
	Enabled bool
	Current time.Duration
	Target  time.Duration

	// EventSegmentChange
	Duration time.Duration
}

// DiscontinuityEvent reports a timeline break before segment number.
func DiscontinuityEvent(number uint64) Event {
	return Event{Kind: EventDiscontinuity, SegmentNumber: number}
}

// SwitchingEvent reports a representation change. Either side may be nil.
func SwitchingEvent(prev, next *manifest.Representation) Event {
	return Event{Kind: EventSwitching, Prev: prev, Next: next}
}

// FormatChangeEvent reports a new container format.
func FormatChangeEvent(f manifest.StreamFormat) Event {
	return Event{Kind: EventFormatChange, Format: f}
}

// BufferingStateEvent reports a set becoming active or inactive.
func BufferingStateEvent(id manifest.ID, enabled bool) Event {
	return Event{Kind: EventBufferingState, SetID: id, Enabled: enabled}
}

// BufferingLevelEvent reports the buffered amount against its target.
func BufferingLevelEvent(id manifest.ID, current, target time.Duration) Event {
	return Event{Kind: EventBufferingLevelChange, SetID: id, Current: current, Target: target}
}

// SegmentChangeEvent reports a new media segment of the given duration.
func SegmentChangeEvent(id manifest.ID, duration time.Duration) Event {
	return Event{Kind: EventSegmentChange, SetID: id, Duration: duration}
}

// Listener receives tracker events synchronously.
type Listener interface {
	TrackerEvent(ev Event)
}

// Logic chooses the representation to download next. It is registered as
// the first listener of every tracker it drives.
type Logic interface {
	Listener
	NextRepresentation(set *manifest.AdaptationSet, current *manifest.Representation) *manifest.Representation
}
