package sfm

import (
	"context"
	"math"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/multiview"
	"go.viam.com/sfm/ransac"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/spatialmath"
	"go.viam.com/sfm/utils"
)

// triangulationIterations bounds the robust triangulation of one track.
const triangulationIterations = 256

// trackView is the observation of a track by a posed view.
type trackView struct {
	viewID sfmdata.Index
	pose   spatialmath.Pose
	cam    *camera.PinholeCameraModel
	obs    sfmdata.Observation
	// normalized is the observation without calibration.
	normalized r2.Point
}

// pointKernel triangulates a point robustly from its observations. Errors are in pixels.
type pointKernel struct {
	views []trackView
}

func (k *pointKernel) MinimumSamples() int { return 2 }

func (k *pointKernel) NumSamples() int { return len(k.views) }

func (k *pointKernel) Fit(sample []int) ([]r3.Vector, error) {
	poses := make([]spatialmath.Pose, len(sample))
	normalized := make([]r2.Point, len(sample))
	for i, j := range sample {
		poses[i] = k.views[j].pose
		normalized[i] = k.views[j].normalized
	}
	x, err := multiview.TriangulateDLT(poses, normalized)
	if err != nil {
		return nil, err
	}
	return []r3.Vector{x}, nil
}

func (k *pointKernel) Error(x r3.Vector, i int) float64 {
	v := k.views[i]
	return v.cam.ResidualNorm(v.pose, x, v.obs.Point)
}

// posedView returns the effective pose and intrinsic of a reconstructed view.
func (s *SequentialSfM) posedView(viewID sfmdata.Index) (spatialmath.Pose, *camera.PinholeCameraModel, bool) {
	v, ok := s.data.Views[viewID]
	if !ok {
		return spatialmath.Pose{}, nil, false
	}
	pose, ok := s.data.Pose(v)
	cam := s.data.Intrinsic(v)
	return pose, cam, ok && cam != nil
}

// observationThreshold is the residual under which an observation of a view is accepted.
func (s *SequentialSfM) observationThreshold(viewID sfmdata.Index) float64 {
	if t, ok := s.acThresholds[viewID]; ok && t > 0 {
		return math.Max(t, s.cfg.TriangulationThreshold)
	}
	return s.cfg.TriangulationThreshold
}

// getTracksToTriangulate returns the tracks seen by a new view that are not landmarks yet but are
// seen by enough reconstructed views.
func (s *SequentialSfM) getTracksToTriangulate(reconstructed, added map[sfmdata.Index]bool) (extend, create []sfmdata.Index) {
	seen := map[sfmdata.Index]bool{}
	for _, viewID := range sortedSet(added) {
		for _, trackID := range s.tracksPerView[viewID] {
			if seen[trackID] {
				continue
			}
			seen[trackID] = true
			if _, ok := s.data.Landmarks[trackID]; ok {
				extend = append(extend, trackID)
				continue
			}
			n := 0
			for v := range s.tracks[trackID].Features {
				if reconstructed[v] {
					n++
				}
			}
			if n >= s.cfg.MinNbObservationsForTriangulation {
				create = append(create, trackID)
			}
		}
	}
	sortIndices(extend)
	sortIndices(create)
	return extend, create
}

// triangulate extends existing landmarks with observations of the added views and creates the
// landmarks that the added views make triangulable. It returns the number of created and
// extended landmarks.
func (s *SequentialSfM) triangulate(ctx context.Context, previous, added []sfmdata.Index) (int, int, error) {
	reconstructed := map[sfmdata.Index]bool{}
	for _, id := range previous {
		reconstructed[id] = true
	}
	newViews := map[sfmdata.Index]bool{}
	for _, id := range added {
		reconstructed[id] = true
		newViews[id] = true
	}
	extend, create := s.getTracksToTriangulate(reconstructed, newViews)

	extended := 0
	for _, trackID := range extend {
		if s.extendLandmark(trackID, newViews) {
			extended++
		}
	}

	// workers only read the scene; landmark ids are track ids so the merge cannot collide
	results := make([]*sfmdata.Landmark, len(create))
	var failed int
	var failedMu sync.Mutex
	if err := utils.GroupWorkParallel(
		ctx,
		len(create),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			groupFailed := 0
			return func(memberNum, workNum int) {
					l, ok := s.triangulateTrack(ctx, create[workNum], reconstructed)
					if !ok {
						groupFailed++
						return
					}
					results[workNum] = l
				}, func() {
					failedMu.Lock()
					failed += groupFailed
					failedMu.Unlock()
				}
		},
	); err != nil {
		return 0, extended, err
	}

	created := 0
	for i, l := range results {
		if l == nil {
			continue
		}
		s.data.Landmarks[create[i]] = l
		created++
	}
	s.logger.Debugw("triangulation done",
		"candidates", len(create),
		"created", created,
		"rejected", failed,
		"extended", extended)
	return created, extended, nil
}

// extendLandmark adds the observations of new views that agree with an existing landmark.
func (s *SequentialSfM) extendLandmark(trackID sfmdata.Index, newViews map[sfmdata.Index]bool) bool {
	l := s.data.Landmarks[trackID]
	changed := false
	for _, viewID := range sortedSet(newViews) {
		if _, ok := l.Observations[viewID]; ok {
			continue
		}
		if _, ok := s.tracks[trackID].Features[viewID]; !ok {
			continue
		}
		pose, cam, ok := s.posedView(viewID)
		if !ok || pose.Depth(l.Position) <= 0 {
			continue
		}
		obs, ok := s.observationOf(viewID, trackID)
		if !ok || cam.ResidualNorm(pose, l.Position, obs.Point) > s.observationThreshold(viewID) {
			continue
		}
		l.Observations[viewID] = obs
		changed = true
	}
	return changed
}

// triangulateTrack robustly triangulates a track from its reconstructed views. The point is
// accepted when it lies in front of every view it keeps and at least one pair of them sees it
// under the minimum triangulation angle.
func (s *SequentialSfM) triangulateTrack(
	ctx context.Context,
	trackID sfmdata.Index,
	reconstructed map[sfmdata.Index]bool,
) (*sfmdata.Landmark, bool) {
	tr := s.tracks[trackID]
	var views []trackView
	for _, viewID := range tr.ViewIDs() {
		if !reconstructed[viewID] {
			continue
		}
		pose, cam, ok := s.posedView(viewID)
		if !ok {
			continue
		}
		obs, ok := s.observationOf(viewID, trackID)
		if !ok {
			continue
		}
		views = append(views, trackView{viewID: viewID, pose: pose, cam: cam, obs: obs, normalized: cam.Normalize(obs.Point)})
	}
	if len(views) < s.cfg.MinNbObservationsForTriangulation {
		return nil, false
	}

	kernel := &pointKernel{views: views}
	var x r3.Vector
	if len(views) == 2 {
		models, err := kernel.Fit([]int{0, 1})
		if err != nil {
			return nil, false
		}
		x = models[0]
	} else {
		params := s.cfg.ransacParams(s.cfg.TriangulationThreshold)
		params.MaxIterations = triangulationIterations
		params.MinInliers = s.cfg.MinNbObservationsForTriangulation
		params.Seed = s.cfg.Seed + int64(trackID)
		result, err := ransac.Estimate[r3.Vector](ctx, kernel, params)
		if err != nil {
			return nil, false
		}
		// refit on the whole consensus
		models, err := kernel.Fit(result.Inliers)
		if err != nil {
			return nil, false
		}
		x = models[0]
	}

	l := sfmdata.NewLandmark(x, tr.DescType)
	var centers []r3.Vector
	for i, v := range views {
		if v.pose.Depth(x) <= 0 || kernel.Error(x, i) > s.observationThreshold(v.viewID) {
			continue
		}
		l.Observations[v.viewID] = v.obs
		centers = append(centers, v.pose.Center)
	}
	if len(l.Observations) < s.cfg.MinNbObservationsForTriangulation {
		return nil, false
	}
	if multiview.MaxTriangulationAngle(centers, x) < utils.DegToRad(s.cfg.MinAngleForTriangulation) {
		return nil, false
	}
	return l, true
}

// sortedSet returns the members of a set in ascending order.
func sortedSet(set map[sfmdata.Index]bool) []sfmdata.Index {
	out := make([]sfmdata.Index, 0, len(set))
	for id, ok := range set {
		if ok {
			out = append(out, id)
		}
	}
	sortIndices(out)
	return out
}
