package sfm

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/sfm/bundle"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/utils"
)

// stableFocalChange is the relative focal change under which a globally refined intrinsic is
// considered stable.
const stableFocalChange = 1e-3

// minObservationsPerPose is the number of landmark observations under which a pose is dropped.
const minObservationsPerPose = 6

// minScaleBaseline is the center distance under which no pose anchors the scale.
const minScaleBaseline = 1e-9

// refineOptions selects what a refinement pass adjusts.
type refineOptions struct {
	global bool
	// newViews are the centers of a local refinement.
	newViews []sfmdata.Index
	// fixedIntrinsics holds every intrinsic constant.
	fixedIntrinsics bool
}

// refineScope lists the free parameters of a refinement. Views observing a free landmark
// but not listed in freeViews are held constant.
type refineScope struct {
	freeViews     map[sfmdata.Index]bool
	freeLandmarks map[sfmdata.Index]bool
}

// needsGlobalBundleAdjustment returns whether the next refinement should adjust the whole scene.
func (s *SequentialSfM) needsGlobalBundleAdjustment() bool {
	if s.cfg.LocalBAGraphDistance < 0 {
		return true
	}
	if s.resectionsSinceGlobal >= s.cfg.GlobalBAPeriod {
		return true
	}
	return float64(len(s.data.ValidViews())) > s.cfg.GlobalBAGrowthRatio*float64(s.posesAtGlobal)
}

// globalScope frees every reconstructed view and landmark.
func (s *SequentialSfM) globalScope() refineScope {
	scope := refineScope{freeViews: map[sfmdata.Index]bool{}, freeLandmarks: map[sfmdata.Index]bool{}}
	for _, id := range s.data.ValidViews() {
		scope.freeViews[id] = true
	}
	for id := range s.data.Landmarks {
		scope.freeLandmarks[id] = true
	}
	return scope
}

// bundleAdjustment refines the scope in place. It returns false, leaving the scene untouched,
// when the solver does not converge; only a cancelled context is an error.
func (s *SequentialSfM) bundleAdjustment(ctx context.Context, scope refineScope, opts refineOptions) (bool, error) {
	problem, err := s.buildProblem(scope, opts)
	if err != nil {
		s.warn("cannot build refinement problem", "error", err)
		return false, nil
	}
	if len(problem.Observations) == 0 {
		return true, nil
	}
	summary, err := s.solver.Solve(ctx, problem)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		s.warn("bundle adjustment failed, keeping previous values",
			"global", opts.global,
			"error", err,
			"iterations", summary.Iterations)
		s.updateReport(func(r *Report) { r.BundleFailures++ })
		return false, nil
	}
	s.commitProblem(problem, opts.global)
	s.updateReport(func(r *Report) { r.BundleAdjustments++ })
	s.logger.Debugw("bundle adjustment done",
		"global", opts.global,
		"poses", len(problem.Poses),
		"points", len(problem.Points),
		"residuals", summary.NumResiduals,
		"initial_rmse", summary.InitialRMSE,
		"final_rmse", summary.FinalRMSE,
		"iterations", summary.Iterations,
		"termination", summary.Termination)
	return true, nil
}

// buildProblem copies the parameters of a scope into a refinement problem.
func (s *SequentialSfM) buildProblem(scope refineScope, opts refineOptions) (*bundle.Problem, error) {
	problem := bundle.NewProblem()
	problem.LossThreshold = s.cfg.LossThreshold
	subPoseKeys := map[rigCamera]sfmdata.Index{}
	freePoses := map[sfmdata.Index]bool{}
	freeIntrinsics := map[sfmdata.Index]bool{}
	for viewID := range scope.freeViews {
		v := s.data.Views[viewID]
		freePoses[v.PoseID] = true
		freeIntrinsics[v.IntrinsicID] = true
	}

	for _, landmarkID := range sortedSet(scope.freeLandmarks) {
		l, ok := s.data.Landmarks[landmarkID]
		if !ok {
			continue
		}
		problem.Points[landmarkID] = &bundle.PointBlock{Position: l.Position}
		for _, viewID := range l.ViewIDs() {
			v, ok := s.data.Views[viewID]
			if !ok || !s.data.IsPoseAndIntrinsicDefined(v) {
				return nil, errors.Errorf("landmark %d is observed by unreconstructed view %d", landmarkID, viewID)
			}
			if _, ok := problem.Poses[v.PoseID]; !ok {
				stored := s.data.Poses[v.PoseID]
				fixed := stored.Locked || !freePoses[v.PoseID] || (opts.global && v.PoseID == s.gaugePoseID)
				problem.Poses[v.PoseID] = &bundle.PoseBlock{Pose: stored.Transform, Fixed: fixed}
			}
			if _, ok := problem.Intrinsics[v.IntrinsicID]; !ok {
				cam := s.data.Intrinsics[v.IntrinsicID]
				problem.Intrinsics[v.IntrinsicID] = &bundle.IntrinsicBlock{
					Camera:               cam.Clone(),
					Fixed:                s.intrinsicFixed(v.IntrinsicID, freeIntrinsics, opts),
					RefinePrincipalPoint: s.cfg.RefinePrincipalPoint,
				}
			}
			obs := bundle.Observation{
				PoseID:      v.PoseID,
				IntrinsicID: v.IntrinsicID,
				PointID:     landmarkID,
				Pixel:       l.Observations[viewID].Point,
			}
			if v.IsPartOfRig() {
				key, err := s.addSubPose(problem, subPoseKeys, v, opts)
				if err != nil {
					return nil, err
				}
				obs.SubPose = &key
			}
			problem.Observations = append(problem.Observations, obs)
		}
	}

	fixRigFrames(problem)
	s.fixGauge(problem)
	return problem, nil
}

// rigCamera names a sub-pose in the scene.
type rigCamera struct {
	rig, sub sfmdata.Index
}

// addSubPose adds the sub-pose of a rig view once and returns its key. Estimated sub-poses are
// refined by global refinements when the rig constraint is used.
func (s *SequentialSfM) addSubPose(p *bundle.Problem, keys map[rigCamera]sfmdata.Index, v *sfmdata.View, opts refineOptions) (sfmdata.Index, error) {
	rc := rigCamera{rig: v.RigID, sub: v.SubPoseID}
	if key, ok := keys[rc]; ok {
		return key, nil
	}
	rig, ok := s.data.Rigs[v.RigID]
	if !ok {
		return 0, errors.Errorf("view %d references unknown rig %d", v.ViewID, v.RigID)
	}
	sub, err := rig.SubPose(v.SubPoseID)
	if err != nil {
		return 0, err
	}
	key := sfmdata.Index(len(keys))
	keys[rc] = key
	p.SubPoses[key] = &bundle.SubPoseBlock{
		PoseBlock: bundle.PoseBlock{
			Pose:  sub.Pose,
			Fixed: !s.cfg.UseRigConstraint || !opts.global || sub.Status == sfmdata.SubPoseConstant,
		},
		RigID:     v.RigID,
		SubPoseID: v.SubPoseID,
	}
	return key, nil
}

// fixRigFrames holds the lowest sub-pose of every rig without a constant one; it defines the rig
// frame.
func fixRigFrames(p *bundle.Problem) {
	frames := map[sfmdata.Index]*bundle.SubPoseBlock{}
	anchored := map[sfmdata.Index]bool{}
	for _, b := range p.SubPoses {
		if b.Fixed {
			anchored[b.RigID] = true
		}
		if f, ok := frames[b.RigID]; !ok || b.SubPoseID < f.SubPoseID {
			frames[b.RigID] = b
		}
	}
	for rigID, b := range frames {
		if !anchored[rigID] {
			b.Fixed = true
		}
	}
}

func (s *SequentialSfM) intrinsicFixed(id sfmdata.Index, free map[sfmdata.Index]bool, opts refineOptions) bool {
	if opts.fixedIntrinsics || s.cfg.LockAllIntrinsics || s.data.Intrinsics[id].Locked {
		return true
	}
	if opts.global {
		return false
	}
	return !free[id] || s.stableIntrinsics[id]
}

// fixGauge holds the seed pose, or the lowest pose id, constant when no pose is. With a single
// constant pose the scale is still free: the center coordinate of the free pose farthest from
// it, along its largest offset, is held too.
func (s *SequentialSfM) fixGauge(p *bundle.Problem) {
	ids := sortedSet(lo.MapValues(p.Poses, func(*bundle.PoseBlock, sfmdata.Index) bool { return true }))
	fixed := lo.Filter(ids, func(id sfmdata.Index, _ int) bool { return p.Poses[id].Fixed })
	if len(fixed) == 0 {
		if len(ids) == 0 {
			return
		}
		gauge := ids[0]
		if _, ok := p.Poses[s.gaugePoseID]; ok {
			gauge = s.gaugePoseID
		}
		p.Poses[gauge].Fixed = true
		fixed = []sfmdata.Index{gauge}
	}
	if len(fixed) > 1 {
		return
	}
	if rigSetsScale(p) {
		return
	}
	anchor := p.Poses[fixed[0]].Pose.Center
	var farthest *bundle.PoseBlock
	var dist float64
	for _, id := range ids {
		b := p.Poses[id]
		if d := b.Pose.Center.Sub(anchor).Norm(); !b.Fixed && d > dist {
			farthest, dist = b, d
		}
	}
	if farthest == nil || dist < minScaleBaseline {
		return
	}
	offset := farthest.Pose.Center.Sub(anchor)
	axis := 0
	if math.Abs(offset.Y) > math.Abs(offset.X) {
		axis = 1
	}
	if math.Abs(offset.Z) > math.Max(math.Abs(offset.X), math.Abs(offset.Y)) {
		axis = 2
	}
	farthest.FixedCenterAxes[axis] = true
}

// rigSetsScale returns whether two constant sub-poses of a rig have distinct centers, in which case
// the rig baseline sets the scale.
func rigSetsScale(p *bundle.Problem) bool {
	first := map[sfmdata.Index]*bundle.SubPoseBlock{}
	for _, b := range p.SubPoses {
		if !b.Fixed {
			continue
		}
		f, ok := first[b.RigID]
		if !ok {
			first[b.RigID] = b
			continue
		}
		if f.Pose.Center.Sub(b.Pose.Center).Norm() > minScaleBaseline {
			return true
		}
	}
	return false
}

// commitProblem writes refined values back into the scene.
func (s *SequentialSfM) commitProblem(p *bundle.Problem, global bool) {
	for id, b := range p.Poses {
		if b.Fixed {
			continue
		}
		stored := s.data.Poses[id]
		stored.Transform = b.Pose
		s.data.Poses[id] = stored
	}
	for _, b := range p.SubPoses {
		if b.Fixed {
			continue
		}
		rig := s.data.Rigs[b.RigID]
		sub, err := rig.SubPose(b.SubPoseID)
		if err != nil {
			continue
		}
		sub.Pose = b.Pose
		if err := rig.SetSubPose(b.SubPoseID, sub); err != nil {
			s.warn("cannot store refined sub-pose", "rig", b.RigID, "sub_pose", b.SubPoseID, "error", err)
		}
	}
	for id, b := range p.Intrinsics {
		if b.Fixed {
			continue
		}
		if global {
			before := s.data.Intrinsics[id].Fx
			s.stableIntrinsics[id] = utils.RelativeDiff(before, b.Camera.Fx) < stableFocalChange
		}
		s.data.Intrinsics[id] = b.Camera
	}
	for id, b := range p.Points {
		if b.Fixed {
			continue
		}
		s.data.Landmarks[id].Position = b.Position
	}
}

// refineAndFilter alternates refinement and outlier removal until no outlier is left or the
// iteration bound is reached. It returns the removed observations and landmarks.
func (s *SequentialSfM) refineAndFilter(ctx context.Context, opts refineOptions) (int, int, error) {
	if opts.global {
		defer func() {
			s.resectionsSinceGlobal = 0
			s.posesAtGlobal = len(s.data.ValidViews())
		}()
	}
	var removedObs, removedLandmarks int
	for i := 0; i < s.cfg.MaxOutlierIterations; i++ {
		scope := s.globalScope()
		if !opts.global {
			scope = s.localScope(opts.newViews)
		}
		if _, err := s.bundleAdjustment(ctx, scope, opts); err != nil {
			return removedObs, removedLandmarks, err
		}
		obs, landmarks := s.removeOutliers(s.cfg.OutlierPrecision)
		removedObs += obs
		removedLandmarks += landmarks
		if obs == 0 && landmarks == 0 {
			break
		}
	}
	return removedObs, removedLandmarks, nil
}

// removeOutliers applies the residual and angle filters. A view keeps the observations under its
// resection threshold when it is looser than precision. It returns the removed observations and
// landmarks.
func (s *SequentialSfM) removeOutliers(precision float64) (int, int) {
	before := len(s.data.Landmarks)
	obs := removeOutliersPerView(s.data, func(viewID sfmdata.Index) float64 {
		return math.Max(precision, s.acThresholds[viewID])
	}, 2)
	angle := RemoveOutliersWithAngleError(s.data, s.cfg.MinAngleForLandmark)
	removedLandmarks := before - len(s.data.Landmarks)
	if obs > 0 || removedLandmarks > 0 {
		s.logger.Debugw("outliers removed", "observations", obs, "landmarks", removedLandmarks, "by_angle", angle)
	}
	return obs, removedLandmarks
}

// removeUnstablePoses drops the poses whose views observe fewer than minObservationsPerPose
// landmarks, with their observations, so the views can be resected again. Landmarks left shorter
// than the minimum track length go too. Locked poses and the gauge are kept. It returns the number
// of removed poses.
func (s *SequentialSfM) removeUnstablePoses() int {
	counts := map[sfmdata.Index]int{}
	for _, l := range s.data.Landmarks {
		for viewID := range l.Observations {
			counts[s.data.Views[viewID].PoseID]++
		}
	}
	unstable := map[sfmdata.Index]bool{}
	var views []sfmdata.Index
	for _, viewID := range s.data.ValidViews() {
		poseID := s.data.Views[viewID].PoseID
		if counts[poseID] >= minObservationsPerPose || poseID == s.gaugePoseID || s.data.Poses[poseID].Locked {
			continue
		}
		unstable[poseID] = true
		views = append(views, viewID)
	}
	if len(unstable) == 0 {
		return 0
	}

	for poseID := range unstable {
		delete(s.data.Poses, poseID)
	}
	var landmarks int
	for id, l := range s.data.Landmarks {
		for viewID := range l.Observations {
			if unstable[s.data.Views[viewID].PoseID] {
				delete(l.Observations, viewID)
			}
		}
		if len(l.Observations) < s.cfg.MinTrackLength {
			delete(s.data.Landmarks, id)
			landmarks++
		}
	}
	for _, viewID := range views {
		delete(s.acThresholds, viewID)
	}
	s.updateReport(func(r *Report) {
		for _, viewID := range views {
			r.Unreconstructed[viewID] = "too few observations after outlier removal"
		}
	})
	s.logger.Infow("unstable poses removed", "views", views, "poses", len(unstable), "landmarks", landmarks)
	return len(unstable)
}
