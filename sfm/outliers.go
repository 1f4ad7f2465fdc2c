package sfm

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/sfm/multiview"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/utils"
)

// RemoveOutliersWithPixelResidualError removes the observations whose reprojection error is above
// precision pixels, or which lie behind their camera, then removes the landmarks left with fewer
// than minTrackLength observations. It returns the number of removed observations.
func RemoveOutliersWithPixelResidualError(data *sfmdata.SfMData, precision float64, minTrackLength int) int {
	return removeOutliersPerView(data, func(sfmdata.Index) float64 { return precision }, minTrackLength)
}

// removeOutliersPerView is RemoveOutliersWithPixelResidualError with a threshold per view.
func removeOutliersPerView(data *sfmdata.SfMData, threshold func(sfmdata.Index) float64, minTrackLength int) int {
	removed := 0
	for _, id := range data.LandmarkIDs() {
		l := data.Landmarks[id]
		for _, viewID := range l.ViewIDs() {
			v := data.Views[viewID]
			pose, ok := data.Pose(v)
			cam := data.Intrinsic(v)
			if !ok || cam == nil {
				delete(l.Observations, viewID)
				removed++
				continue
			}
			residual := cam.ResidualNorm(pose, l.Position, l.Observations[viewID].Point)
			if math.IsInf(residual, 0) || math.IsNaN(residual) || residual > threshold(viewID) {
				delete(l.Observations, viewID)
				removed++
			}
		}
		if len(l.Observations) < minTrackLength {
			delete(data.Landmarks, id)
		}
	}
	return removed
}

// RemoveOutliersWithAngleError removes the landmarks whose largest triangulation angle between
// two observing cameras is below minAngleDeg degrees. It returns the number of removed landmarks.
func RemoveOutliersWithAngleError(data *sfmdata.SfMData, minAngleDeg float64) int {
	minAngle := utils.DegToRad(minAngleDeg)
	removed := 0
	for _, id := range data.LandmarkIDs() {
		l := data.Landmarks[id]
		centers := make([]r3.Vector, 0, len(l.Observations))
		for _, viewID := range l.ViewIDs() {
			if pose, ok := data.Pose(data.Views[viewID]); ok {
				centers = append(centers, pose.Center)
			}
		}
		if multiview.MaxTriangulationAngle(centers, l.Position) < minAngle {
			delete(data.Landmarks, id)
			removed++
		}
	}
	return removed
}
