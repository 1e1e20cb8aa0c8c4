package adaptation

import (
	"time"

	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/tracker"
)

// FixedRate always selects the best representation under a constant ceiling.
type FixedRate struct {
	bitrate  uint64
	selector Selector
}

// NewFixedRate creates a fixed-ceiling logic. Ceilings below every
// representation select the lowest one.
func NewFixedRate(bitrate uint64) *FixedRate {
	return &FixedRate{bitrate: bitrate}
}

// NextRepresentation implements tracker.Logic.
func (l *FixedRate) NextRepresentation(set *manifest.AdaptationSet, _ *manifest.Representation) *manifest.Representation {
	if set == nil {
		return nil
	}
	if rep := l.selector.Select(set, l.bitrate); rep != nil {
		return rep
	}
	return l.selector.SelectAny(set)
}

// UpdateDownloadRate ignores measurements.
func (l *FixedRate) UpdateDownloadRate(manifest.ID, uint64, time.Duration) {}

// TrackerEvent ignores events.
func (l *FixedRate) TrackerEvent(tracker.Event) {}
