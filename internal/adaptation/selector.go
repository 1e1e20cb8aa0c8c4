package adaptation

import (
	"math"
	"sort"

	"github.com/jmylchreest/abrplay/internal/manifest"
)

// Selector picks representations out of a bandwidth-ordered adaptation set.
// The zero value is ready to use and holds no state.
type Selector struct{}

// Lowest returns the lowest-bandwidth representation, or nil for an empty set.
func (Selector) Lowest(set *manifest.AdaptationSet) *manifest.Representation {
	reps := set.Representations()
	if len(reps) == 0 {
		return nil
	}
	return reps[0]
}

// Highest returns the highest-bandwidth representation, or nil for an empty set.
func (Selector) Highest(set *manifest.AdaptationSet) *manifest.Representation {
	reps := set.Representations()
	if len(reps) == 0 {
		return nil
	}
	return reps[len(reps)-1]
}

// Higher returns the first representation with a bandwidth above rep's,
// or rep itself when there is none.
func (Selector) Higher(set *manifest.AdaptationSet, rep *manifest.Representation) *manifest.Representation {
	if rep == nil {
		return nil
	}
	reps := set.Representations()
	i := sort.Search(len(reps), func(i int) bool {
		return reps[i].Bandwidth > rep.Bandwidth
	})
	if i == len(reps) {
		return rep
	}
	return reps[i]
}

// Lower returns the last representation with a bandwidth below rep's,
// or rep itself when there is none.
func (Selector) Lower(set *manifest.AdaptationSet, rep *manifest.Representation) *manifest.Representation {
	if rep == nil {
		return nil
	}
	reps := set.Representations()
	i := sort.Search(len(reps), func(i int) bool {
		return reps[i].Bandwidth >= rep.Bandwidth
	})
	if i == 0 {
		return rep
	}
	return reps[i-1]
}

// SelectAny returns the highest representation of the set.
func (s Selector) SelectAny(set *manifest.AdaptationSet) *manifest.Representation {
	return s.Select(set, math.MaxUint64)
}

// Select returns the highest-bandwidth representation strictly below
// maxBitrate. Equal bandwidths resolve to the first in set order. When no
// representation qualifies the lowest one is returned.
func (Selector) Select(set *manifest.AdaptationSet, maxBitrate uint64) *manifest.Representation {
	if set == nil {
		return nil
	}
	return selectBelow(set.Representations(), maxBitrate)
}

// SelectResolution applies Select to the representations matching the
// non-zero width and height. It falls back to the whole set when none match.
func (s Selector) SelectResolution(set *manifest.AdaptationSet, maxBitrate uint64, width, height int) *manifest.Representation {
	if set == nil {
		return nil
	}

	var matching []*manifest.Representation
	if width != 0 || height != 0 {
		for _, rep := range set.Representations() {
			if width != 0 && rep.Width != width {
				continue
			}
			if height != 0 && rep.Height != height {
				continue
			}
			matching = append(matching, rep)
		}
	}

	if len(matching) == 0 {
		return s.Select(set, maxBitrate)
	}
	return selectBelow(matching, maxBitrate)
}

func selectBelow(reps []*manifest.Representation, maxBitrate uint64) *manifest.Representation {
	var candidate, lowest *manifest.Representation
	var floor uint64
	for _, rep := range reps {
		if lowest == nil || rep.Bandwidth < lowest.Bandwidth {
			lowest = rep
		}
		if rep.Bandwidth < maxBitrate && rep.Bandwidth > floor {
			candidate = rep
			floor = rep.Bandwidth
		}
	}
	if candidate == nil {
		return lowest
	}
	return candidate
}
