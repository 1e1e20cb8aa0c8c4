package adaptation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/tracker"
)

// observationWindow is the minimum download time folded into one bandwidth sample.
const observationWindow = 250 * time.Millisecond

// RateBased selects from the smoothed throughput of all downloads, keeping
// a safety margin of one quarter and accounting for the bandwidth already
// committed to other adaptation sets.
type RateBased struct {
	logger   *slog.Logger
	selector Selector

	mu         sync.Mutex
	average    Average
	width      int
	height     int
	dlSize     uint64
	dlLength   time.Duration
	bpsAvg     uint64
	currentBps uint64
	usedBps    uint64
}

// NewRateBased creates a rate-based logic smoothing samples through avg.
func NewRateBased(avg Average, logger *slog.Logger) *RateBased {
	if avg == nil {
		avg = NewWindowedAverage(DefaultWindowSize)
	}
	return &RateBased{
		logger:  observability.OrDefault(logger),
		average: avg,
	}
}

// SetMaxResolution restricts selection to representations of that size.
// Zero dimensions are unrestricted.
func (l *RateBased) SetMaxResolution(width, height int) {
	l.mu.Lock()
	l.width, l.height = width, height
	l.mu.Unlock()
}

// NextRepresentation implements tracker.Logic.
func (l *RateBased) NextRepresentation(set *manifest.AdaptationSet, current *manifest.Representation) *manifest.Representation {
	if set == nil {
		return nil
	}

	l.mu.Lock()
	avail := l.currentBps
	if current != nil {
		avail += current.Bandwidth
	}
	if avail > l.usedBps {
		avail -= l.usedBps
	} else {
		avail = 0
	}
	width, height := l.width, l.height
	l.mu.Unlock()

	rep := l.selector.SelectResolution(set, avail, width, height)
	if rep == nil {
		rep = l.selector.SelectAny(set)
	}
	return rep
}

// UpdateDownloadRate accumulates a measurement. Once enough download time
// has been observed it becomes one sample of the average.
func (l *RateBased) UpdateDownloadRate(_ manifest.ID, size uint64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.dlLength += elapsed
	l.dlSize += size
	if l.dlLength < observationWindow {
		return
	}

	bps := bitrate(l.dlSize, l.dlLength)
	l.bpsAvg = l.average.Push(bps)
	l.currentBps = l.bpsAvg * 3 / 4
	l.dlSize, l.dlLength = 0, 0

	observability.EstimatedBandwidth.Set(float64(l.bpsAvg))
	l.logger.Debug("bandwidth estimate",
		slog.Uint64("observed_bps", bps),
		slog.Uint64("average_bps", l.bpsAvg),
		slog.Uint64("used_bps", l.usedBps))
}

// TrackerEvent keeps the committed bandwidth in step with switches.
func (l *RateBased) TrackerEvent(ev tracker.Event) {
	if ev.Kind != tracker.EventSwitching {
		return
	}
	l.mu.Lock()
	l.usedBps = debit(l.usedBps, ev.Prev, ev.Next)
	used := l.usedBps
	l.mu.Unlock()

	l.logger.Debug("bandwidth usage changed", slog.Uint64("used_bps", used))
}

// CurrentBps returns the usable bandwidth estimate.
func (l *RateBased) CurrentBps() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentBps
}

// UsedBps returns the bandwidth committed to selected representations.
func (l *RateBased) UsedBps() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usedBps
}
