package adaptation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrplay/internal/manifest"
)

type repSpec struct {
	id     string
	bw     uint64
	width  int
	height int
}

func newSet(id manifest.ID, specs ...repSpec) *manifest.AdaptationSet {
	set := manifest.NewAdaptationSet(id, "video")
	for _, s := range specs {
		rep := manifest.NewRepresentation(s.id, s.bw)
		rep.Width, rep.Height = s.width, s.height
		set.AddRepresentation(rep)
	}
	return set
}

func ladder() *manifest.AdaptationSet {
	return newSet("video",
		repSpec{"500k", 500_000, 640, 360},
		repSpec{"1000k", 1_000_000, 960, 540},
		repSpec{"2000k", 2_000_000, 1280, 720},
	)
}

func TestSelector_LowestHighest(t *testing.T) {
	var s Selector
	set := ladder()

	assert.Equal(t, "500k", s.Lowest(set).ID)
	assert.Equal(t, "2000k", s.Highest(set).ID)

	empty := manifest.NewAdaptationSet("empty", "video")
	assert.Nil(t, s.Lowest(empty))
	assert.Nil(t, s.Highest(empty))
	assert.Nil(t, s.Lowest(nil))
	assert.Nil(t, s.Highest(nil))
}

func TestSelector_HigherLowerFixedPoint(t *testing.T) {
	var s Selector
	set := ladder()
	reps := set.Representations()

	assert.Same(t, reps[1], s.Higher(set, reps[0]))
	assert.Same(t, reps[2], s.Higher(set, reps[1]))
	assert.Same(t, reps[2], s.Higher(set, reps[2]), "highest stays put")

	assert.Same(t, reps[1], s.Lower(set, reps[2]))
	assert.Same(t, reps[0], s.Lower(set, reps[1]))
	assert.Same(t, reps[0], s.Lower(set, reps[0]), "lowest stays put")

	assert.Nil(t, s.Higher(set, nil))
	assert.Nil(t, s.Lower(set, nil))
}

func TestSelector_Select(t *testing.T) {
	var s Selector
	set := ladder()

	tests := []struct {
		name string
		max  uint64
		want string
	}{
		{"exact bandwidth is excluded", 1_000_000, "500k"},
		{"between rungs", 1_125_000, "1000k"},
		{"above all", 10_000_000, "2000k"},
		{"below all falls back to lowest", 100_000, "500k"},
		{"zero falls back to lowest", 0, "500k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := s.Select(set, tt.max)
			require.NotNil(t, rep)
			assert.Equal(t, tt.want, rep.ID)
		})
	}

	assert.Nil(t, s.Select(manifest.NewAdaptationSet("empty", "video"), 1_000_000))
	assert.Nil(t, s.Select(nil, 1_000_000))
	assert.Equal(t, "2000k", s.SelectAny(set).ID)
}

func TestSelector_SelectIsMaximal(t *testing.T) {
	var s Selector
	set := ladder()
	for _, ceiling := range []uint64{1, 500_001, 999_999, 1_000_001, 2_000_000, 2_000_001} {
		rep := s.Select(set, ceiling)
		require.NotNil(t, rep)
		if rep.Bandwidth >= ceiling {
			assert.Same(t, s.Lowest(set), rep, "only the fallback may exceed the ceiling")
			continue
		}
		for _, other := range set.Representations() {
			if other.Bandwidth < ceiling {
				assert.LessOrEqual(t, other.Bandwidth, rep.Bandwidth)
			}
		}
	}
}

func TestSelector_SelectTieBreak(t *testing.T) {
	var s Selector
	set := newSet("video",
		repSpec{"a", 800_000, 0, 0},
		repSpec{"b", 800_000, 0, 0},
		repSpec{"c", 3_000_000, 0, 0},
	)
	assert.Equal(t, "a", s.Select(set, 1_000_000).ID)
}

func TestSelector_SelectResolution(t *testing.T) {
	var s Selector
	set := newSet("video",
		repSpec{"360a", 400_000, 640, 360},
		repSpec{"720a", 1_500_000, 1280, 720},
		repSpec{"360b", 800_000, 640, 360},
		repSpec{"720b", 3_000_000, 1280, 720},
	)

	assert.Equal(t, "360b", s.SelectResolution(set, 10_000_000, 640, 360).ID)
	assert.Equal(t, "720a", s.SelectResolution(set, 2_000_000, 1280, 0).ID)
	assert.Equal(t, "720a", s.SelectResolution(set, 1_000_000, 0, 720).ID, "subset fallback is the subset's lowest")
	assert.Equal(t, "360b", s.SelectResolution(set, 1_000_000, 1920, 1080).ID, "no match uses the whole set")
	assert.Equal(t, "720b", s.SelectResolution(set, 10_000_000, 0, 0).ID)
	assert.Nil(t, s.SelectResolution(nil, 1, 0, 0))
}
