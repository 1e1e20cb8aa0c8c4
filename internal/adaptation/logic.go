// Package adaptation chooses which representation of an adaptation set to
// download next, from measured bandwidth and buffer occupancy.
package adaptation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/abrplay/internal/config"
	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/tracker"
)

// Logic is an adaptation strategy. Trackers consult it for every segment,
// notify it of their events, and the connection manager feeds it download
// rates.
type Logic interface {
	tracker.Logic
	UpdateDownloadRate(id manifest.ID, size uint64, elapsed time.Duration)
}

// Compile-time checks.
var (
	_ Logic = (*FixedRate)(nil)
	_ Logic = (*RateBased)(nil)
	_ Logic = (*Predictive)(nil)
)

// NewAverage returns the average factory described by cfg.
func NewAverage(cfg config.AdaptationConfig) NewAverageFunc {
	if cfg.Average == config.AverageEWMA {
		alpha := cfg.Alpha
		return func() Average { return NewExponentialAverage(alpha) }
	}
	size := cfg.WindowSize
	return func() Average { return NewWindowedAverage(size) }
}

// NewLogic builds the logic named by cfg.Logic.
func NewLogic(cfg config.AdaptationConfig, logger *slog.Logger) (Logic, error) {
	logger = observability.WithComponent(observability.OrDefault(logger), "adaptation")
	avg := NewAverage(cfg)

	switch cfg.Logic {
	case config.LogicFixed:
		return NewFixedRate(cfg.Bitrate), nil
	case config.LogicRateBased, "":
		l := NewRateBased(avg(), logger)
		l.SetMaxResolution(cfg.Width, cfg.Height)
		return l, nil
	case config.LogicPredictive:
		return NewPredictive(avg, logger), nil
	default:
		return nil, fmt.Errorf("unknown adaptation logic %q", cfg.Logic)
	}
}

// bitrate converts size bytes over elapsed into bits per second.
func bitrate(size uint64, elapsed time.Duration) uint64 {
	return uint64(float64(size*8) * float64(time.Second) / float64(elapsed))
}

// debit adjusts a running bandwidth usage total on a switch.
func debit(used uint64, prev, next *manifest.Representation) uint64 {
	if prev != nil {
		if prev.Bandwidth > used {
			used = 0
		} else {
			used -= prev.Bandwidth
		}
	}
	if next != nil {
		used += next.Bandwidth
	}
	return used
}
