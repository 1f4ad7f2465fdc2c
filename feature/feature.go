// Package feature holds the 2D features extracted from each view.
package feature

import (
	"github.com/golang/geo/r2"

	"go.viam.com/sfm/sfmdata"
)

// PointFeature is a detected keypoint.
type PointFeature struct {
	Point       r2.Point `json:"point"`
	Scale       float64  `json:"scale,omitempty"`
	Orientation float64  `json:"orientation,omitempty"`
}

// FeaturesPerView maps a view to its features per descriptor type. A feature id is the index in
// the slice.
type FeaturesPerView map[sfmdata.Index]map[sfmdata.DescType][]PointFeature

// Feature returns the feature with the given id.
func (f FeaturesPerView) Feature(view sfmdata.Index, descType sfmdata.DescType, id sfmdata.Index) (PointFeature, bool) {
	byType, ok := f[view]
	if !ok {
		return PointFeature{}, false
	}
	feats := byType[descType]
	if int(id) >= len(feats) {
		return PointFeature{}, false
	}
	return feats[id], true
}

// Add appends a feature and returns its id.
func (f FeaturesPerView) Add(view sfmdata.Index, descType sfmdata.DescType, feat PointFeature) sfmdata.Index {
	byType, ok := f[view]
	if !ok {
		byType = map[sfmdata.DescType][]PointFeature{}
		f[view] = byType
	}
	byType[descType] = append(byType[descType], feat)
	return sfmdata.Index(len(byType[descType]) - 1)
}

// Count returns the number of features of a view over all descriptor types.
func (f FeaturesPerView) Count(view sfmdata.Index) int {
	n := 0
	for _, feats := range f[view] {
		n += len(feats)
	}
	return n
}
