package adaptation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/tracker"
)

// startupSegments is how many decisions a set spends on the highest
// representation before buffer-driven selection starts.
const startupSegments = 3

// predictiveStats is the per-set state of the predictive logic.
type predictiveStats struct {
	segmentsCount    int
	bufferingLevel   time.Duration
	bufferingTarget  time.Duration
	lastDownloadRate uint64
	lastDuration     time.Duration
	average          Average
}

func newPredictiveStats(avg NewAverageFunc) *predictiveStats {
	return &predictiveStats{
		bufferingTarget: 1,
		lastDuration:    1,
		average:         avg(),
	}
}

func (s *predictiveStats) starting() bool {
	return s.segmentsCount < startupSegments || s.lastDownloadRate == 0
}

func (s *predictiveStats) ratio() float64 {
	return float64(s.bufferingLevel) / float64(s.bufferingTarget)
}

// Predictive selects from the buffer occupancy of each active set and the
// download rate of the others.
type Predictive struct {
	logger     *slog.Logger
	selector   Selector
	newAverage NewAverageFunc

	mu      sync.Mutex
	streams map[manifest.ID]*predictiveStats
	usedBps uint64
}

// NewPredictive creates a predictive logic keeping one average per set.
func NewPredictive(avg NewAverageFunc, logger *slog.Logger) *Predictive {
	if avg == nil {
		avg = func() Average { return NewWindowedAverage(DefaultWindowSize) }
	}
	return &Predictive{
		logger:     observability.OrDefault(logger),
		newAverage: avg,
		streams:    make(map[manifest.ID]*predictiveStats),
	}
}

// NextRepresentation implements tracker.Logic.
func (l *Predictive) NextRepresentation(set *manifest.AdaptationSet, prev *manifest.Representation) *manifest.Representation {
	if set == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stats, ok := l.streams[set.ID]
	if !ok {
		return l.selector.Highest(set)
	}

	var rep *manifest.Representation
	if stats.starting() || prev == nil {
		rep = l.selector.Highest(set)
	} else {
		var maxRate uint64
		for id, other := range l.streams {
			if id == set.ID {
				continue
			}
			maxRate = max(maxRate, other.lastDownloadRate)
		}
		avail := l.availableBps(maxRate, prev)
		ratio := stats.ratio()

		switch {
		case ratio > 0.8:
			rep = l.selector.Select(set, max(avail, prev.Bandwidth))
		case ratio > 0.5:
			rep = prev
		case ratio > 2*float64(stats.lastDuration)/float64(stats.bufferingTarget):
			rep = l.selector.Lower(set, prev)
		default:
			rep = l.selector.Select(set, uint64(float64(avail)*ratio))
		}

		l.logger.Debug("predictive decision",
			slog.String("adaptation_set", string(set.ID)),
			slog.Float64("buffering_ratio", ratio),
			slog.Uint64("available_bps", avail),
			slog.String("selected", rep.String()))
	}

	stats.segmentsCount++
	return rep
}

// availableBps is the best rate seen on another set, less the bandwidth
// committed elsewhere. Caller holds l.mu.
func (l *Predictive) availableBps(rate uint64, current *manifest.Representation) uint64 {
	avail := rate
	if current != nil {
		avail += current.Bandwidth
	}
	if avail < l.usedBps {
		return 0
	}
	return avail - l.usedBps
}

// UpdateDownloadRate folds a measurement into the set's average. Sets
// without buffering state are ignored.
func (l *Predictive) UpdateDownloadRate(id manifest.ID, size uint64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stats, ok := l.streams[id]
	if !ok {
		return
	}
	stats.lastDownloadRate = stats.average.Push(bitrate(size, elapsed))
	observability.EstimatedBandwidth.Set(float64(stats.lastDownloadRate))
}

// TrackerEvent implements tracker.Listener.
func (l *Predictive) TrackerEvent(ev tracker.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Kind {
	case tracker.EventSwitching:
		l.usedBps = debit(l.usedBps, ev.Prev, ev.Next)

	case tracker.EventBufferingState:
		if ev.Enabled {
			if _, ok := l.streams[ev.SetID]; !ok {
				l.streams[ev.SetID] = newPredictiveStats(l.newAverage)
			}
		} else {
			delete(l.streams, ev.SetID)
		}
		l.logger.Debug("stream buffering state",
			slog.String("adaptation_set", string(ev.SetID)),
			slog.Bool("active", ev.Enabled))

	case tracker.EventBufferingLevelChange:
		stats := l.statsLocked(ev.SetID)
		stats.bufferingLevel = ev.Current
		stats.bufferingTarget = ev.Target
		if stats.bufferingTarget <= 0 {
			stats.bufferingTarget = 1
		}

	case tracker.EventSegmentChange:
		l.statsLocked(ev.SetID).lastDuration = ev.Duration
	}
}

func (l *Predictive) statsLocked(id manifest.ID) *predictiveStats {
	stats, ok := l.streams[id]
	if !ok {
		stats = newPredictiveStats(l.newAverage)
		l.streams[id] = stats
	}
	return stats
}

// UsedBps returns the bandwidth committed to selected representations.
func (l *Predictive) UsedBps() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usedBps
}
