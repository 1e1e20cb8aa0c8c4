package adaptation

import (
	"sync"
)

const (
	// DefaultWindowSize is the default number of samples kept by WindowedAverage.
	DefaultWindowSize = 10

	// DefaultAlpha is the default smoothing factor of ExponentialAverage.
	DefaultAlpha = 0.5
)

// Average smooths a series of bandwidth samples.
type Average interface {
	// Push adds a sample and returns the updated average.
	Push(v uint64) uint64
	// Value returns the current average, zero before the first sample.
	Value() uint64
}

// NewAverageFunc creates a fresh Average. Logics keeping one average per
// adaptation set call it for every new set.
type NewAverageFunc func() Average

// WindowedAverage is the arithmetic mean of the last N samples.
type WindowedAverage struct {
	mu         sync.Mutex
	samples    []uint64
	windowSize int
	next       int
	full       bool
	sum        uint64
}

// NewWindowedAverage creates a windowed average. Sizes <= 0 use DefaultWindowSize.
func NewWindowedAverage(windowSize int) *WindowedAverage {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &WindowedAverage{
		samples:    make([]uint64, windowSize),
		windowSize: windowSize,
	}
}

// Push adds a sample, evicting the oldest once the window is full.
func (a *WindowedAverage) Push(v uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.full {
		a.sum -= a.samples[a.next]
	}
	a.samples[a.next] = v
	a.sum += v
	a.next++
	if a.next == a.windowSize {
		a.next = 0
		a.full = true
	}
	return a.valueLocked()
}

// Value returns the mean of the samples in the window.
func (a *WindowedAverage) Value() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valueLocked()
}

func (a *WindowedAverage) valueLocked() uint64 {
	n := a.next
	if a.full {
		n = a.windowSize
	}
	if n == 0 {
		return 0
	}
	return a.sum / uint64(n)
}

// WindowSize returns the configured window size.
func (a *WindowedAverage) WindowSize() int {
	return a.windowSize
}

// ExponentialAverage is an exponentially weighted moving average.
// The first sample initializes the average.
type ExponentialAverage struct {
	mu     sync.Mutex
	alpha  float64
	value  float64
	primed bool
}

// NewExponentialAverage creates an EWMA with weight alpha for new samples.
// Alpha outside (0, 1] uses DefaultAlpha.
func NewExponentialAverage(alpha float64) *ExponentialAverage {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &ExponentialAverage{alpha: alpha}
}

// Push folds a sample into the average.
func (a *ExponentialAverage) Push(v uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.primed {
		a.value = float64(v)
		a.primed = true
	} else {
		a.value = a.alpha*float64(v) + (1-a.alpha)*a.value
	}
	return uint64(a.value + 0.5)
}

// Value returns the current average.
func (a *ExponentialAverage) Value() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.value + 0.5)
}
