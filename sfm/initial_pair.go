package sfm

import (
	"context"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/sfm/matching"
	"go.viam.com/sfm/multiview"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/spatialmath"
	"go.viam.com/sfm/track"
	"go.viam.com/sfm/utils"
)

// pairCandidate is a two view reconstruction hypothesis.
type pairCandidate struct {
	pair     matching.Pair
	trackIDs []sfmdata.Index
	relative multiview.RelativePose
	// angle is the median triangulation angle of the inliers, in degrees.
	angle float64
	score float64
}

// selectInitialPair reconstructs the first pair of views that yields a valid structure.
func (s *SequentialSfM) selectInitialPair(ctx context.Context) (matching.Pair, error) {
	pairs := s.initialPairCandidates()
	if len(pairs) == 0 {
		return matching.Pair{}, errors.Wrap(ErrNoInitialPair, "no pair of calibrated views shares enough tracks")
	}

	candidates := make([]*pairCandidate, len(pairs))
	failures := make([]error, len(pairs))
	if _, err := utils.RunInParallel(ctx, utils.BoundedFuncs(len(pairs), func(ctx context.Context, i int) error {
		candidates[i], failures[i] = s.estimatePair(ctx, pairs[i])
		if errors.Is(failures[i], context.Canceled) || errors.Is(failures[i], context.DeadlineExceeded) {
			return failures[i]
		}
		return nil
	})); err != nil {
		return matching.Pair{}, err
	}

	var valid []*pairCandidate
	var errs error
	for i, c := range candidates {
		if failures[i] != nil {
			s.logger.Debugw("initial pair rejected", "view_i", pairs[i].I, "view_j", pairs[i].J, "error", failures[i])
			errs = multierr.Append(errs, errors.Wrapf(failures[i], "pair (%d, %d)", pairs[i].I, pairs[i].J))
			continue
		}
		valid = append(valid, c)
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].score > valid[j].score })

	for _, c := range valid {
		if err := ctx.Err(); err != nil {
			return matching.Pair{}, err
		}
		err := s.makeInitialPair3D(ctx, c)
		if err == nil {
			return c.pair, nil
		}
		if ctx.Err() != nil {
			return matching.Pair{}, err
		}
		s.logger.Infow("initial pair failed", "view_i", c.pair.I, "view_j", c.pair.J, "error", err)
		errs = multierr.Append(errs, errors.Wrapf(err, "pair (%d, %d)", c.pair.I, c.pair.J))
	}
	if errs == nil {
		errs = errors.New("no candidate")
	}
	return matching.Pair{}, errors.Wrap(multierr.Combine(ErrNoInitialPair, errs), "cannot seed the reconstruction")
}

// initialPairCandidates returns the configured pair, or every pair of views with known
// intrinsics that shares enough tracks.
func (s *SequentialSfM) initialPairCandidates() []matching.Pair {
	if len(s.cfg.InitialPair) == 2 {
		return []matching.Pair{matching.NewPair(s.cfg.InitialPair[0], s.cfg.InitialPair[1])}
	}
	var usable []sfmdata.Index
	for _, id := range s.data.ViewIDs() {
		if s.canSeed(id) {
			usable = append(usable, id)
		}
	}
	var out []matching.Pair
	for i, a := range usable {
		for _, b := range usable[i+1:] {
			if s.data.Views[a].PoseID == s.data.Views[b].PoseID {
				continue
			}
			common := track.CommonTracksInImages([]sfmdata.Index{a, b}, s.tracksPerView)
			if len(common) >= s.cfg.MinInitialPairTracks {
				out = append(out, matching.NewPair(a, b))
			}
		}
	}
	return out
}

// canSeed returns whether a view has a known intrinsic and, for a rig view, a known sub-pose.
func (s *SequentialSfM) canSeed(id sfmdata.Index) bool {
	v, ok := s.data.Views[id]
	if !ok || s.data.Intrinsic(v) == nil {
		return false
	}
	if !v.IsPartOfRig() {
		return true
	}
	rig, ok := s.data.Rigs[v.RigID]
	if !ok {
		return false
	}
	sub, err := rig.SubPose(v.SubPoseID)
	return err == nil && sub.IsInitialized()
}

// estimatePair robustly estimates the relative pose of a pair and scores it.
func (s *SequentialSfM) estimatePair(ctx context.Context, pair matching.Pair) (*pairCandidate, error) {
	if !s.canSeed(pair.I) || !s.canSeed(pair.J) {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "a view has an unknown intrinsic or sub-pose")
	}
	v1, v2 := s.data.Views[pair.I], s.data.Views[pair.J]
	cam1, cam2 := s.data.Intrinsic(v1), s.data.Intrinsic(v2)

	common := track.CommonTracksInImages([]sfmdata.Index{pair.I, pair.J}, s.tracksPerView)
	if len(common) < s.cfg.MinInitialPairTracks {
		return nil, errors.Wrapf(ErrNotEnoughCorrespondences, "%d shared tracks, need %d", len(common), s.cfg.MinInitialPairTracks)
	}
	x1 := make([]r2.Point, 0, len(common))
	x2 := make([]r2.Point, 0, len(common))
	for _, trackID := range common {
		f1, _ := s.featureOf(pair.I, trackID)
		f2, _ := s.featureOf(pair.J, trackID)
		x1 = append(x1, cam1.Normalize(f1.Point))
		x2 = append(x2, cam2.Normalize(f2.Point))
	}

	focal := 0.5 * (0.5*(cam1.Fx+cam1.Fy) + 0.5*(cam2.Fx+cam2.Fy))
	params := multiview.RelativePoseParams{
		Focal:     focal,
		Threshold: s.cfg.RelativePoseThreshold,
		RANSAC:    s.cfg.ransacParams(s.cfg.RelativePoseThreshold),
	}
	rel, err := multiview.EstimateRelativePose(ctx, x1, x2, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(multierr.Combine(ErrDegenerateConfiguration, err), "relative pose")
	}
	if len(rel.Inliers) < s.cfg.MinInitialPairTracks {
		return nil, errors.Wrapf(ErrTooFewInliers, "%d inliers, need %d", len(rel.Inliers), s.cfg.MinInitialPairTracks)
	}

	angles := make([]float64, len(rel.Points))
	origin, center := r3.Vector{}, rel.Pose.Center
	for i, x := range rel.Points {
		angles[i] = utils.RadToDeg(spatialmath.AngleBetweenRays(origin, center, x))
	}
	median, err := stats.Median(angles)
	if err != nil {
		return nil, errors.Wrap(multierr.Combine(ErrDegenerateConfiguration, err), "triangulation angles")
	}
	if median < s.cfg.MinAngleInitialPair || median > s.cfg.MaxAngleInitialPair {
		return nil, errors.Wrapf(ErrDegenerateConfiguration, "median triangulation angle %.2f deg outside [%.1f, %.1f]",
			median, s.cfg.MinAngleInitialPair, s.cfg.MaxAngleInitialPair)
	}

	trackIDs := make([]sfmdata.Index, len(rel.Inliers))
	for i, j := range rel.Inliers {
		trackIDs[i] = common[j]
	}
	return &pairCandidate{
		pair:     pair,
		trackIDs: trackIDs,
		relative: rel,
		angle:    median,
		score:    float64(len(rel.Inliers)) * utils.Clamp(median/5, 0, 1),
	}, nil
}

// makeInitialPair3D poses the pair, triangulates its inliers and refines the result. The scene is
// only modified when the pair is accepted.
func (s *SequentialSfM) makeInitialPair3D(ctx context.Context, c *pairCandidate) error {
	v1, v2 := s.data.Views[c.pair.I], s.data.Views[c.pair.J]
	pose1 := spatialmath.IdentityPose()
	pose2 := c.relative.Pose
	centers := []r3.Vector{pose1.Center, pose2.Center}
	minAngle := utils.DegToRad(s.cfg.MinAngleForTriangulation)

	landmarks := map[sfmdata.Index]*sfmdata.Landmark{}
	for i, trackID := range c.trackIDs {
		x := c.relative.Points[i]
		if pose1.Depth(x) <= 0 || pose2.Depth(x) <= 0 {
			continue
		}
		if multiview.MaxTriangulationAngle(centers, x) < minAngle {
			continue
		}
		o1, ok1 := s.observationOf(c.pair.I, trackID)
		o2, ok2 := s.observationOf(c.pair.J, trackID)
		if !ok1 || !ok2 {
			continue
		}
		l := sfmdata.NewLandmark(x, s.tracks[trackID].DescType)
		l.Observations[c.pair.I] = o1
		l.Observations[c.pair.J] = o2
		landmarks[trackID] = l
	}
	if minPoints := s.cfg.MinPointsPerPose / 2; len(landmarks) < minPoints {
		return errors.Wrapf(ErrDegenerateConfiguration, "%d valid points, need %d", len(landmarks), minPoints)
	}

	snapshot := s.data.Clone()
	if err := multierr.Combine(s.data.SetPose(v1, pose1), s.data.SetPose(v2, pose2)); err != nil {
		s.restore(snapshot)
		return err
	}
	for id, l := range landmarks {
		s.data.Landmarks[id] = l
	}
	s.gaugePoseID = v1.PoseID

	if _, _, err := s.refineAndFilter(ctx, refineOptions{global: true, fixedIntrinsics: true}); err != nil {
		s.restore(snapshot)
		s.gaugePoseID = sfmdata.UndefinedIndex
		return err
	}
	if n := len(s.data.Landmarks); n < s.cfg.MinPointsPerPose/2 {
		s.restore(snapshot)
		s.gaugePoseID = sfmdata.UndefinedIndex
		return errors.Wrapf(ErrDegenerateConfiguration, "%d points left after outlier removal", n)
	}
	s.updateReport(func(r *Report) {
		r.PointsTriangulated += len(landmarks)
	})
	return nil
}

// restore puts back a scene saved with Clone.
func (s *SequentialSfM) restore(snapshot *sfmdata.SfMData) {
	*s.data = *snapshot
}
