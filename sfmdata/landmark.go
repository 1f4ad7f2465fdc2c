package sfmdata

import (
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Observation is the measurement of a landmark in one view.
type Observation struct {
	Point     r2.Point `json:"point"`
	FeatureID Index    `json:"feature_id"`
	Scale     float64  `json:"scale,omitempty"`
}

// Landmark is a triangulated 3D point with at most one observation per view.
type Landmark struct {
	Position     r3.Vector             `json:"position"`
	DescType     DescType              `json:"desc_type"`
	Color        [3]uint8              `json:"color"`
	Observations map[Index]Observation `json:"observations"`
}

// NewLandmark returns a landmark without observations.
func NewLandmark(position r3.Vector, descType DescType) *Landmark {
	return &Landmark{
		Position:     position,
		DescType:     descType,
		Color:        [3]uint8{255, 255, 255},
		Observations: map[Index]Observation{},
	}
}

// ViewIDs returns the observing views in ascending order.
func (l *Landmark) ViewIDs() []Index {
	ids := make([]Index, 0, len(l.Observations))
	for id := range l.Observations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy of the landmark.
func (l *Landmark) Clone() *Landmark {
	out := *l
	out.Observations = make(map[Index]Observation, len(l.Observations))
	for k, v := range l.Observations {
		out.Observations[k] = v
	}
	return &out
}
