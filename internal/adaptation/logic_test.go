package adaptation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrplay/internal/config"
	"github.com/jmylchreest/abrplay/internal/manifest"
	"github.com/jmylchreest/abrplay/internal/tracker"
)

// sustain reports size bytes per second for n seconds.
func sustain(l Logic, id manifest.ID, bps uint64, n int) {
	for range n {
		l.UpdateDownloadRate(id, bps/8, time.Second)
	}
}

func TestNewLogic(t *testing.T) {
	tests := []struct {
		logic string
		want  any
	}{
		{config.LogicFixed, &FixedRate{}},
		{config.LogicRateBased, &RateBased{}},
		{config.LogicPredictive, &Predictive{}},
	}
	for _, tt := range tests {
		t.Run(tt.logic, func(t *testing.T) {
			l, err := NewLogic(config.AdaptationConfig{
				Logic:      tt.logic,
				Average:    config.AverageWindow,
				WindowSize: 4,
				Alpha:      0.5,
			}, nil)
			require.NoError(t, err)
			assert.IsType(t, tt.want, l)
		})
	}

	_, err := NewLogic(config.AdaptationConfig{Logic: "bola"}, nil)
	assert.Error(t, err)
}

func TestNewAverage(t *testing.T) {
	ewma := NewAverage(config.AdaptationConfig{Average: config.AverageEWMA, Alpha: 0.5})
	assert.IsType(t, &ExponentialAverage{}, ewma())

	window := NewAverage(config.AdaptationConfig{Average: config.AverageWindow, WindowSize: 3})
	w, ok := window().(*WindowedAverage)
	require.True(t, ok)
	assert.Equal(t, 3, w.WindowSize())
}

func TestFixedRate(t *testing.T) {
	set := ladder()

	assert.Equal(t, "1000k", NewFixedRate(1_500_000).NextRepresentation(set, nil).ID)
	assert.Equal(t, "500k", NewFixedRate(0).NextRepresentation(set, nil).ID)
	assert.Nil(t, NewFixedRate(1_500_000).NextRepresentation(nil, nil))
	assert.Nil(t, NewFixedRate(1_500_000).NextRepresentation(manifest.NewAdaptationSet("e", "video"), nil))

	l := NewFixedRate(1_500_000)
	sustain(l, "video", 10_000_000, 5)
	assert.Equal(t, "1000k", l.NextRepresentation(set, nil).ID, "feedback is ignored")
}

func TestRateBased_ConvergesToThreeQuarters(t *testing.T) {
	l := NewRateBased(NewWindowedAverage(5), nil)
	sustain(l, "video", 1_600_000, 20)
	assert.Equal(t, uint64(1_200_000), l.CurrentBps())
}

func TestRateBased_AccumulatesShortObservations(t *testing.T) {
	l := NewRateBased(NewWindowedAverage(5), nil)

	l.UpdateDownloadRate("video", 10_000, 100*time.Millisecond)
	assert.Zero(t, l.CurrentBps(), "below the observation window")

	l.UpdateDownloadRate("video", 15_000, 150*time.Millisecond)
	// 25000 bytes over 250ms = 800 kbps, three quarters kept
	assert.Equal(t, uint64(600_000), l.CurrentBps())
}

func TestRateBased_ZeroElapsedDiscarded(t *testing.T) {
	l := NewRateBased(nil, nil)
	l.UpdateDownloadRate("video", 1_000_000, 0)
	l.UpdateDownloadRate("video", 1_000_000, 250*time.Millisecond)
	assert.Equal(t, uint64(24_000_000), l.CurrentBps())
}

func TestRateBased_SteadyStatePick(t *testing.T) {
	set := ladder()
	l := NewRateBased(NewExponentialAverage(0.5), nil)
	sustain(l, "video", 1_500_000, 10)

	var current *manifest.Representation
	for range 5 {
		next := l.NextRepresentation(set, current)
		require.NotNil(t, next)
		if next != current {
			l.TrackerEvent(tracker.SwitchingEvent(current, next))
			current = next
		}
		sustain(l, "video", 1_500_000, 1)
	}
	assert.Equal(t, "1000k", current.ID)
	assert.Equal(t, uint64(1_000_000), l.UsedBps())
}

func TestRateBased_ResolutionConstraint(t *testing.T) {
	set := ladder()
	l := NewRateBased(nil, nil)
	l.SetMaxResolution(1280, 720)
	sustain(l, "video", 1_500_000, 4)

	// only 2000k matches 1280x720; it is above the estimate, so the subset's lowest wins
	assert.Equal(t, "2000k", l.NextRepresentation(set, nil).ID)
}

func TestRateBased_UsedBandwidthAccounting(t *testing.T) {
	set := ladder()
	reps := set.Representations()
	l := NewRateBased(nil, nil)

	l.TrackerEvent(tracker.SwitchingEvent(nil, reps[2]))
	assert.Equal(t, uint64(2_000_000), l.UsedBps())
	l.TrackerEvent(tracker.SwitchingEvent(reps[2], reps[0]))
	assert.Equal(t, uint64(500_000), l.UsedBps())
	l.TrackerEvent(tracker.SwitchingEvent(reps[0], nil))
	assert.Zero(t, l.UsedBps())
	l.TrackerEvent(tracker.SwitchingEvent(reps[0], nil))
	assert.Zero(t, l.UsedBps(), "never underflows")

	// committed bandwidth of another set reduces what this one may use
	audio := newSet("audio", repSpec{"a", 1_000_000, 0, 0})
	l.TrackerEvent(tracker.SwitchingEvent(nil, audio.Representations()[0]))
	sustain(l, "video", 2_000_000, 4)
	assert.Equal(t, "500k", l.NextRepresentation(set, nil).ID)
}

func TestRateBased_ConcurrentUse(t *testing.T) {
	set := ladder()
	l := NewRateBased(nil, nil)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				l.UpdateDownloadRate("video", uint64(1000*(i+j)), 300*time.Millisecond)
				rep := l.NextRepresentation(set, nil)
				l.TrackerEvent(tracker.SwitchingEvent(nil, rep))
				l.TrackerEvent(tracker.SwitchingEvent(rep, nil))
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, l.UsedBps())
}

func primePredictive(l *Predictive, id manifest.ID, level, target time.Duration) {
	l.TrackerEvent(tracker.BufferingStateEvent(id, true))
	l.TrackerEvent(tracker.BufferingLevelEvent(id, level, target))
	l.TrackerEvent(tracker.SegmentChangeEvent(id, 4*time.Second))
}

func TestPredictive_UnknownSetGetsHighest(t *testing.T) {
	l := NewPredictive(nil, nil)
	assert.Equal(t, "2000k", l.NextRepresentation(ladder(), nil).ID)
	assert.Nil(t, l.NextRepresentation(nil, nil))
	assert.Nil(t, l.NextRepresentation(manifest.NewAdaptationSet("e", "video"), nil))
}

func TestPredictive_StartsOnHighest(t *testing.T) {
	set := ladder()
	reps := set.Representations()
	l := NewPredictive(nil, nil)
	primePredictive(l, set.ID, time.Second, 10*time.Second)

	// no rate observed yet
	for range 5 {
		assert.Equal(t, "2000k", l.NextRepresentation(set, reps[0]).ID)
	}
}

func TestPredictive_NeverRegressesWhenBufferHealthy(t *testing.T) {
	video := ladder()
	audio := newSet("audio", repSpec{"a", 100_000, 0, 0})
	l := NewPredictive(nil, nil)

	primePredictive(l, video.ID, 9*time.Second, 10*time.Second)
	primePredictive(l, audio.ID, 9*time.Second, 10*time.Second)
	sustain(l, video.ID, 1_500_000, 3)
	sustain(l, audio.ID, 1_500_000, 3)

	var s Selector
	current := video.Representations()[1]
	l.TrackerEvent(tracker.SwitchingEvent(nil, current))
	for range 3 {
		l.NextRepresentation(video, current)
	}

	for range 10 {
		avail := l.availableBpsForTest(audio.ID, current)
		next := l.NextRepresentation(video, current)
		require.NotNil(t, next)
		assert.GreaterOrEqual(t, next.Bandwidth, s.Select(video, avail).Bandwidth)
		if next != current {
			l.TrackerEvent(tracker.SwitchingEvent(current, next))
			current = next
		}
	}
}

func TestPredictive_HoldsInMiddleBand(t *testing.T) {
	set := ladder()
	reps := set.Representations()
	l := NewPredictive(nil, nil)
	primePredictive(l, set.ID, 6*time.Second, 10*time.Second)
	sustain(l, set.ID, 1_500_000, 1)
	for range 3 {
		l.NextRepresentation(set, reps[1])
	}
	assert.Same(t, reps[1], l.NextRepresentation(set, reps[1]))
}

func TestPredictive_LowBuffer(t *testing.T) {
	set := ladder()
	reps := set.Representations()

	t.Run("scales down with starvation", func(t *testing.T) {
		l := NewPredictive(nil, nil)
		primePredictive(l, set.ID, 4*time.Second, 10*time.Second)
		sustain(l, set.ID, 1_500_000, 1)
		for range 3 {
			l.NextRepresentation(set, reps[2])
		}
		// ratio 0.4 is below 2*4s/10s, avail = 0 + 2000k - 0 scaled to 800k
		assert.Equal(t, "500k", l.NextRepresentation(set, reps[2]).ID)
	})

	t.Run("steps down one rung", func(t *testing.T) {
		l := NewPredictive(nil, nil)
		l.TrackerEvent(tracker.BufferingStateEvent(set.ID, true))
		l.TrackerEvent(tracker.BufferingLevelEvent(set.ID, 4*time.Second, 10*time.Second))
		l.TrackerEvent(tracker.SegmentChangeEvent(set.ID, time.Second))
		sustain(l, set.ID, 1_500_000, 1)
		for range 3 {
			l.NextRepresentation(set, reps[2])
		}
		// ratio 0.4 is above 2*1s/10s
		assert.Equal(t, "1000k", l.NextRepresentation(set, reps[2]).ID)
	})
}

func TestPredictive_BufferingStateLifecycle(t *testing.T) {
	set := ladder()
	reps := set.Representations()
	l := NewPredictive(nil, nil)

	primePredictive(l, set.ID, 9*time.Second, 10*time.Second)
	sustain(l, set.ID, 400_000, 1)
	for range 3 {
		l.NextRepresentation(set, reps[1])
	}
	assert.NotEqual(t, "2000k", l.NextRepresentation(set, reps[1]).ID)

	l.TrackerEvent(tracker.BufferingStateEvent(set.ID, false))
	assert.Equal(t, "2000k", l.NextRepresentation(set, reps[1]).ID, "erased stats behave as unknown")

	l.UpdateDownloadRate(set.ID, 1000, time.Second)
	assert.Equal(t, "2000k", l.NextRepresentation(set, reps[1]).ID, "rates for unknown sets are ignored")
}

func (l *Predictive) availableBpsForTest(other manifest.ID, current *manifest.Representation) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availableBps(l.streams[other].lastDownloadRate, current)
}
