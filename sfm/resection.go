package sfm

import (
	"context"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/multiview"
	"go.viam.com/sfm/ransac"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/spatialmath"
	"go.viam.com/sfm/utils"
)

// minResectionInliers is the smallest consensus accepted for a pose, 2.5 minimal samples.
const minResectionInliers = 15

// adaptiveThresholdFactor bounds the adaptive resection threshold relative to the fixed one.
const adaptiveThresholdFactor = 4

// ResectionData is the outcome of one resection attempt. It is never stored in the scene.
type ResectionData struct {
	ViewID sfmdata.Index
	// TrackIDs, FeatureIDs, Points and Pixels are the 2D-3D correspondences, index aligned.
	TrackIDs   []sfmdata.Index
	FeatureIDs []sfmdata.Index
	Points     []r3.Vector
	Pixels     []r2.Point
	// Pose is the effective world to camera pose of the view.
	Pose spatialmath.Pose
	// Intrinsic is the camera the pose was estimated with. IsNewIntrinsic is set when it was
	// estimated too and is not in the scene yet.
	Intrinsic      *camera.PinholeCameraModel
	IsNewIntrinsic bool
	Inliers        []int
	// Threshold is the pixel inlier threshold used, estimated when the policy is adaptive.
	Threshold float64
}

// collectCorrespondences gathers the 2D-3D correspondences of a view with the landmarks.
func (s *SequentialSfM) collectCorrespondences(viewID sfmdata.Index) *ResectionData {
	res := &ResectionData{ViewID: viewID}
	for _, trackID := range s.tracksPerView[viewID] {
		l, ok := s.data.Landmarks[trackID]
		if !ok {
			continue
		}
		feat, ok := s.featureOf(viewID, trackID)
		if !ok {
			continue
		}
		res.TrackIDs = append(res.TrackIDs, trackID)
		res.FeatureIDs = append(res.FeatureIDs, s.tracks[trackID].Features[viewID])
		res.Points = append(res.Points, l.Position)
		res.Pixels = append(res.Pixels, feat.Point)
	}
	return res
}

// computeResection estimates the pose of a view, and its intrinsic when unknown, from the current
// landmarks. It only reads the scene.
func (s *SequentialSfM) computeResection(ctx context.Context, viewID sfmdata.Index) (*ResectionData, error) {
	v, err := s.data.View(viewID)
	if err != nil {
		return nil, err
	}
	res := s.collectCorrespondences(viewID)
	if n := len(res.Points); n < s.cfg.MinPointsPerPose {
		return nil, errors.Wrapf(ErrNotEnoughCorrespondences, "view %d sees %d points, need %d", viewID, n, s.cfg.MinPointsPerPose)
	}

	cam := s.data.Intrinsic(v)
	if cam == nil && (v.Width <= 0 || v.Height <= 0) {
		return nil, errors.Wrapf(ErrDegenerateConfiguration, "view %d has no intrinsic and no image size", viewID)
	}
	kernel := multiview.NewResectionKernel(res.Points, res.Pixels, cam, v.Width, v.Height)

	params := s.cfg.ransacParams(s.cfg.ResectionThreshold)
	params.Policy = s.cfg.thresholdPolicy()
	if params.Policy == ransac.ThresholdAdaptive {
		params.Threshold = adaptiveThresholdFactor * s.cfg.ResectionThreshold
		params.LogAlpha0 = resectionLogAlpha0(v, cam)
		params.ErrorDimension = 2
	}
	params.MinInliers = minResectionInliers
	params.Seed = s.cfg.Seed + int64(viewID)

	result, err := ransac.Estimate[multiview.ResectionModel](ctx, kernel, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ransac.ErrNoConsensus) {
			return nil, errors.Wrapf(multierr.Combine(ErrTooFewInliers, err), "view %d", viewID)
		}
		return nil, errors.Wrapf(err, "view %d", viewID)
	}
	threshold := result.Threshold
	if threshold <= 0 {
		threshold = s.cfg.ResectionThreshold
	}

	inPoints := make([]r3.Vector, len(result.Inliers))
	inPixels := make([]r2.Point, len(result.Inliers))
	for i, j := range result.Inliers {
		inPoints[i], inPixels[i] = res.Points[j], res.Pixels[j]
	}
	model, err := multiview.RefineResection(inPoints, inPixels, result.Model, cam == nil)
	if err != nil {
		return nil, errors.Wrapf(multierr.Combine(ErrDegenerateConfiguration, err), "view %d", viewID)
	}

	// the refined model must keep its consensus in front of the camera
	res.Inliers = res.Inliers[:0]
	for i := range res.Points {
		if model.Camera.ResidualNorm(model.Pose, res.Points[i], res.Pixels[i]) <= threshold {
			res.Inliers = append(res.Inliers, i)
		}
	}
	if len(res.Inliers) < minResectionInliers {
		return nil, errors.Wrapf(ErrTooFewInliers, "view %d keeps %d inliers after refinement", viewID, len(res.Inliers))
	}
	if err := checkResectionGeometry(model.Pose, res, s.cfg.MinAngleForTriangulation); err != nil {
		return nil, errors.Wrapf(err, "view %d", viewID)
	}

	res.Pose = model.Pose
	res.Intrinsic = cam
	res.Threshold = threshold
	if cam == nil {
		res.IsNewIntrinsic = true
		res.Intrinsic = model.Camera.Clone()
		if placeholder, ok := s.data.Intrinsics[v.IntrinsicID]; ok && placeholder != nil {
			res.Intrinsic.SerialNumber = placeholder.SerialNumber
		}
		res.Intrinsic.Initialization = camera.InitEstimated
	}
	s.logger.Debugw("view resected",
		"view", viewID,
		"correspondences", len(res.Points),
		"inliers", len(res.Inliers),
		"threshold", threshold,
		"new_intrinsic", res.IsNewIntrinsic)
	return res, nil
}

// resectionLogAlpha0 is log10 of the probability that a uniformly drawn pixel of the image falls
// within unit distance of a projection.
func resectionLogAlpha0(v *sfmdata.View, cam *camera.PinholeCameraModel) float64 {
	w, h := v.Width, v.Height
	if (w <= 0 || h <= 0) && cam != nil {
		w, h = cam.Width, cam.Height
	}
	return math.Log10(math.Pi / float64(w*h))
}

// checkResectionGeometry rejects poses whose inliers are collinear with the camera center, which
// happens when every inlier lies along a few rays.
func checkResectionGeometry(pose spatialmath.Pose, res *ResectionData, minAngleDeg float64) error {
	if len(res.Inliers) < 3 {
		return ErrDegenerateConfiguration
	}
	var spread float64
	first := res.Points[res.Inliers[0]].Sub(pose.Center)
	for _, i := range res.Inliers[1:] {
		spread = math.Max(spread, first.Angle(res.Points[i].Sub(pose.Center)).Radians())
	}
	// a fraction of the triangulation angle is enough to condition a pose
	if spread < utils.DegToRad(minAngleDeg)/4 {
		return errors.Wrapf(ErrDegenerateConfiguration, "inlier rays span %.3f deg", utils.RadToDeg(spread))
	}
	return nil
}

// resectBatch resects the views of a batch in parallel against the current scene, then merges the
// successes one view at a time in ascending view order. It returns the posed views.
func (s *SequentialSfM) resectBatch(ctx context.Context, batch []sfmdata.Index, it *IterationReport) ([]sfmdata.Index, error) {
	order := append([]sfmdata.Index(nil), batch...)
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	results := make([]*ResectionData, len(order))
	failures := make([]error, len(order))
	// the scene is not mutated until every worker is done
	if _, err := utils.RunInParallel(ctx, utils.BoundedFuncs(len(order), func(ctx context.Context, i int) error {
		results[i], failures[i] = s.computeResection(ctx, order[i])
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})); err != nil {
		return nil, err
	}

	var added []sfmdata.Index
	for i, viewID := range order {
		err := failures[i]
		if err == nil {
			err = s.updateScene(results[i])
		}
		if err != nil {
			s.logger.Infow("resection deferred", "view", viewID, "error", err)
			it.Deferred = append(it.Deferred, viewID)
			s.updateReport(func(r *Report) { r.Unreconstructed[viewID] = err.Error() })
			continue
		}
		added = append(added, viewID)
		it.Resected = append(it.Resected, viewID)
		s.updateReport(func(r *Report) { delete(r.Unreconstructed, viewID) })
	}
	return added, nil
}

// updateScene merges a successful resection. Either the view is posed with its inlier
// observations and intrinsic, or the scene is left untouched.
func (s *SequentialSfM) updateScene(res *ResectionData) error {
	v := s.data.Views[res.ViewID]
	pose := res.Pose

	// a view of the same batch may have changed the intrinsic the estimate relied on
	if !res.IsNewIntrinsic && s.data.Intrinsic(v) != res.Intrinsic {
		return errors.Errorf("intrinsic %d of view %d changed during resection", v.IntrinsicID, v.ViewID)
	}

	var rigUpdate func() error
	if v.IsPartOfRig() {
		var err error
		if rigUpdate, err = s.rigUpdate(v, pose); err != nil {
			return err
		}
	}

	// checks are done; from here the merge cannot fail halfway
	if res.IsNewIntrinsic {
		v.IntrinsicID = s.mergeIntrinsic(v, res.Intrinsic)
	}
	if rigUpdate != nil {
		if err := rigUpdate(); err != nil {
			return err
		}
	}
	if err := s.data.SetPose(v, pose); err != nil {
		return err
	}
	cam := s.data.Intrinsics[v.IntrinsicID]
	for _, i := range res.Inliers {
		l, ok := s.data.Landmarks[res.TrackIDs[i]]
		if !ok {
			continue
		}
		// landmarks may have moved since the snapshot
		if cam.ResidualNorm(pose, l.Position, res.Pixels[i]) > res.Threshold {
			continue
		}
		obs, ok := s.observationOf(res.ViewID, res.TrackIDs[i])
		if !ok {
			continue
		}
		l.Observations[res.ViewID] = obs
	}
	s.acThresholds[res.ViewID] = res.Threshold
	return nil
}

// rigUpdate prepares the rig changes needed to pose a rig view whose sub-pose is unknown. When the
// rig pose of the capture is known the sub-pose is derived from it; when no sub-pose of the rig is
// known yet the view defines the rig frame.
func (s *SequentialSfM) rigUpdate(v *sfmdata.View, pose spatialmath.Pose) (func() error, error) {
	rig, ok := s.data.Rigs[v.RigID]
	if !ok {
		return nil, errors.Errorf("view %d references unknown rig %d", v.ViewID, v.RigID)
	}
	sub, err := rig.SubPose(v.SubPoseID)
	if err != nil {
		return nil, err
	}
	if sub.IsInitialized() {
		return nil, nil
	}
	if rigPose, ok := s.data.Poses[v.PoseID]; ok {
		derived := pose.Compose(rigPose.Transform.Inverse())
		return func() error {
			return rig.SetSubPose(v.SubPoseID, sfmdata.RigSubPose{Pose: derived, Status: sfmdata.SubPoseEstimated})
		}, nil
	}
	if rig.IsInitialized() {
		return nil, errors.Errorf("sub-pose %d of rig %d is unknown and its capture is not posed", v.SubPoseID, v.RigID)
	}
	return func() error {
		return rig.SetSubPose(v.SubPoseID, sfmdata.RigSubPose{Pose: spatialmath.IdentityPose(), Status: sfmdata.SubPoseEstimated})
	}, nil
}

// mergeIntrinsic stores an estimated intrinsic and returns the id the view should use. An
// existing intrinsic of the same device within the merge tolerances is reused; otherwise the
// view's placeholder is filled when it is free, or a new id is allocated.
func (s *SequentialSfM) mergeIntrinsic(v *sfmdata.View, estimated *camera.PinholeCameraModel) sfmdata.Index {
	ids := make([]sfmdata.Index, 0, len(s.data.Intrinsics))
	for id := range s.data.Intrinsics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		cam := s.data.Intrinsics[id]
		if !cam.IsValid() {
			continue
		}
		sameDevice := estimated.SerialNumber != "" && cam.SerialNumber == estimated.SerialNumber
		if (sameDevice || id == v.IntrinsicID) &&
			cam.AlmostEqual(estimated, s.cfg.IntrinsicMergeFocalTolerance, s.cfg.IntrinsicMergePixelTolerance) {
			s.logger.Debugw("estimated intrinsic merged", "view", v.ViewID, "intrinsic", id)
			return id
		}
	}
	if v.IntrinsicID.IsDefined() {
		placeholder, ok := s.data.Intrinsics[v.IntrinsicID]
		if !ok || !placeholder.IsValid() {
			s.data.Intrinsics[v.IntrinsicID] = estimated
			return v.IntrinsicID
		}
	}
	id := s.data.NextIntrinsicID()
	s.data.Intrinsics[id] = estimated
	s.logger.Debugw("new intrinsic", "view", v.ViewID, "intrinsic", id)
	return id
}
