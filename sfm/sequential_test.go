package sfm

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/sfm/bundle"
	"go.viam.com/sfm/multiview"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/spatialmath"
	"go.viam.com/sfm/testutils"
	"go.viam.com/sfm/utils"
)

func newEngine(t *testing.T, scene *testutils.SyntheticScene, cfg Config, logger golog.Logger) *SequentialSfM {
	t.Helper()
	eng, err := NewSequentialSfM(scene.Input, scene.Features, scene.Matches, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	return eng
}

// multiViewConfig is a five view scene with depth relief and pixel noise.
func multiViewConfig() testutils.SyntheticConfig {
	cfg := testutils.DefaultSyntheticConfig()
	cfg.NumViews = 5
	cfg.NumPoints = 80
	cfg.Baseline = 0.5
	cfg.Depth = 4
	cfg.DepthSpread = 0.5
	cfg.Extent = 1
	cfg.Noise = 0.2
	cfg.Seed = 5
	return cfg
}

func viewPose(t *testing.T, data *sfmdata.SfMData, id sfmdata.Index) spatialmath.Pose {
	t.Helper()
	v, err := data.View(id)
	test.That(t, err, test.ShouldBeNil)
	pose, ok := data.Pose(v)
	test.That(t, ok, test.ShouldBeTrue)
	return pose
}

func TestNewSequentialSfM(t *testing.T) {
	scene, err := testutils.NewSyntheticScene(testutils.DefaultSyntheticConfig())
	test.That(t, err, test.ShouldBeNil)

	_, err = NewSequentialSfM(nil, scene.Features, scene.Matches, DefaultConfig(), nil)
	test.That(t, err, test.ShouldNotBeNil)

	bad := DefaultConfig()
	bad.MinPointsPerPose = 0
	_, err = NewSequentialSfM(scene.Input, scene.Features, scene.Matches, bad, nil)
	test.That(t, err, test.ShouldNotBeNil)

	eng, err := NewSequentialSfM(scene.Input, scene.Features, scene.Matches, DefaultConfig(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, eng.State(), test.ShouldEqual, StateInit)
	test.That(t, eng.Report().State, test.ShouldEqual, "init")
	test.That(t, eng.Report().RunID, test.ShouldNotBeEmpty)
}

func TestStateString(t *testing.T) {
	for state, name := range map[State]string{
		StateInit:         "init",
		StateSeedSelected: "seed_selected",
		StateIterating:    "iterating",
		StateConverging:   "converging",
		StateDone:         "done",
		StateFailed:       "failed",
		State(42):         "unknown",
	} {
		test.That(t, state.String(), test.ShouldEqual, name)
	}
}

func TestThreeViewPlanarScene(t *testing.T) {
	scene, err := testutils.NewSyntheticScene(testutils.DefaultSyntheticConfig())
	test.That(t, err, test.ShouldBeNil)
	eng := newEngine(t, scene, DefaultConfig(), golog.NewTestLogger(t))

	test.That(t, eng.Process(context.Background()), test.ShouldBeNil)
	test.That(t, eng.State(), test.ShouldEqual, StateDone)

	report := eng.Report()
	test.That(t, report.State, test.ShouldEqual, "done")
	test.That(t, report.Tracks, test.ShouldEqual, 50)
	test.That(t, report.InitialPair, test.ShouldResemble, []sfmdata.Index{0, 1})
	test.That(t, report.Resected, test.ShouldContain, sfmdata.Index(2))
	test.That(t, report.Unreconstructed, test.ShouldBeEmpty)

	data := eng.Data()
	test.That(t, data.ValidViews(), test.ShouldResemble, []sfmdata.Index{0, 1, 2})

	// the first view is the gauge: identity pose and unit baseline up to refinement
	pose0 := viewPose(t, data, 0)
	pose1 := viewPose(t, data, 1)
	pose2 := viewPose(t, data, 2)
	test.That(t, utils.RadToDeg(pose0.Rotation.AngleTo(spatialmath.IdentityRotation())), test.ShouldBeLessThan, 1e-6)
	test.That(t, utils.RadToDeg(pose0.Rotation.AngleTo(pose1.Rotation)), test.ShouldBeLessThan, 1)
	baseline := pose1.Center.Sub(pose0.Center)
	test.That(t, utils.RadToDeg(baseline.Angle(r3.Vector{X: 1}.Normalize()).Radians()), test.ShouldBeLessThan, 1)
	scale := baseline.Norm()
	test.That(t, scale, test.ShouldBeGreaterThan, 0)

	// landmarks are expressed in the frame of view 0 at the scale of the unit baseline
	gtCfg := testutils.DefaultSyntheticConfig()
	test.That(t, len(data.Landmarks), test.ShouldBeGreaterThanOrEqualTo, 30)
	for _, l := range data.Landmarks {
		obs, ok := l.Observations[0]
		test.That(t, ok, test.ShouldBeTrue)
		gt := scene.Points[obs.FeatureID]
		depth := pose0.Depth(l.Position) / scale
		test.That(t, math.Abs(depth-gt.Z)/gtCfg.Depth, test.ShouldBeLessThan, 0.01)
	}

	// the third view is resected from at least 30 of those points
	seen := 0
	for _, l := range data.Landmarks {
		if _, ok := l.Observations[2]; ok {
			seen++
		}
	}
	test.That(t, seen, test.ShouldBeGreaterThanOrEqualTo, 30)
	test.That(t, utils.RadToDeg(pose0.Rotation.AngleTo(pose2.Rotation)), test.ShouldBeLessThan, 1)
	c2 := pose2.Center.Sub(pose0.Center).Mul(1 / scale)
	test.That(t, c2.Sub(r3.Vector{X: 2}).Norm(), test.ShouldBeLessThan, 0.02)

	test.That(t, report.Residuals.Count, test.ShouldBeGreaterThan, 0)
	test.That(t, report.Residuals.Max, test.ShouldBeLessThan, DefaultConfig().OutlierPrecision)
}

func TestMultiViewSceneInvariants(t *testing.T) {
	scene, err := testutils.NewSyntheticScene(multiViewConfig())
	test.That(t, err, test.ShouldBeNil)
	cfg := DefaultConfig()
	eng := newEngine(t, scene, cfg, golog.NewTestLogger(t))
	test.That(t, eng.Process(context.Background()), test.ShouldBeNil)

	data := eng.Data()
	test.That(t, data.Validate(), test.ShouldBeNil)
	test.That(t, data.ValidViews(), test.ShouldHaveLength, 5)

	t.Run("pose and intrinsic consistency", func(t *testing.T) {
		for _, id := range data.ValidViews() {
			v := data.Views[id]
			_, ok := data.Poses[v.PoseID]
			test.That(t, ok, test.ShouldBeTrue)
			cam := data.Intrinsic(v)
			test.That(t, cam, test.ShouldNotBeNil)
			test.That(t, cam.CheckValid(), test.ShouldBeNil)
		}
	})

	t.Run("cheirality and angle", func(t *testing.T) {
		minAngle := utils.DegToRad(cfg.MinAngleForLandmark)
		for _, l := range data.Landmarks {
			test.That(t, len(l.Observations), test.ShouldBeGreaterThanOrEqualTo, cfg.MinTrackLength)
			var centers []r3.Vector
			for _, viewID := range l.ViewIDs() {
				pose := viewPose(t, data, viewID)
				test.That(t, pose.Depth(l.Position), test.ShouldBeGreaterThan, 0)
				centers = append(centers, pose.Center)
			}
			test.That(t, multiview.MaxTriangulationAngle(centers, l.Position), test.ShouldBeGreaterThanOrEqualTo, minAngle)
		}
	})

	t.Run("progress", func(t *testing.T) {
		report := eng.Report()
		test.That(t, report.Iterations, test.ShouldNotBeEmpty)
		last := 2
		for _, it := range report.Iterations {
			test.That(t, it.ReconstructedViews, test.ShouldBeGreaterThanOrEqualTo, last)
			last = it.ReconstructedViews
		}
		test.That(t, len(report.Iterations), test.ShouldBeLessThanOrEqualTo, len(data.Views))
		test.That(t, report.BundleAdjustments, test.ShouldBeGreaterThan, 0)
	})

	t.Run("accuracy", func(t *testing.T) {
		eval, err := EvaluateToGroundTruth(scene.GroundTruth, data)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, eval.Missing, test.ShouldBeEmpty)
		test.That(t, eval.RotationErrors.Max, test.ShouldBeLessThan, 1)
		test.That(t, eval.PositionErrors.Max, test.ShouldBeLessThan, 0.05)
	})

	t.Run("idempotent outlier removal", func(t *testing.T) {
		clone := data.Clone()
		RemoveOutliersWithPixelResidualError(clone, cfg.OutlierPrecision, cfg.MinTrackLength)
		RemoveOutliersWithAngleError(clone, cfg.MinAngleForLandmark)
		test.That(t, RemoveOutliersWithPixelResidualError(clone, cfg.OutlierPrecision, cfg.MinTrackLength), test.ShouldEqual, 0)
		test.That(t, RemoveOutliersWithAngleError(clone, cfg.MinAngleForLandmark), test.ShouldEqual, 0)
	})
}

func TestGlobalOnlyRefinement(t *testing.T) {
	scene, err := testutils.NewSyntheticScene(multiViewConfig())
	test.That(t, err, test.ShouldBeNil)
	cfg := DefaultConfig()
	cfg.LocalBAGraphDistance = -1
	eng := newEngine(t, scene, cfg, golog.NewTestLogger(t))
	test.That(t, eng.Process(context.Background()), test.ShouldBeNil)
	test.That(t, eng.Data().ValidViews(), test.ShouldHaveLength, 5)
	for _, it := range eng.Report().Iterations {
		if len(it.Resected) > 0 {
			test.That(t, it.Bundle, test.ShouldEqual, "global")
		}
	}
}

func TestNoInitialPair(t *testing.T) {
	cfg := testutils.DefaultSyntheticConfig()
	cfg.NumViews = 2
	cfg.NumPoints = 5
	scene, err := testutils.NewSyntheticScene(cfg)
	test.That(t, err, test.ShouldBeNil)

	eng := newEngine(t, scene, DefaultConfig(), golog.NewTestLogger(t))
	err = eng.Process(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrNoInitialPair), test.ShouldBeTrue)
	test.That(t, eng.State(), test.ShouldEqual, StateFailed)
	test.That(t, eng.Data().Poses, test.ShouldBeEmpty)
	test.That(t, eng.Data().Landmarks, test.ShouldBeEmpty)
}

func TestUserInitialPair(t *testing.T) {
	scene, err := testutils.NewSyntheticScene(multiViewConfig())
	test.That(t, err, test.ShouldBeNil)
	cfg := DefaultConfig()
	cfg.InitialPair = []sfmdata.Index{3, 1}
	eng := newEngine(t, scene, cfg, golog.NewTestLogger(t))
	test.That(t, eng.Process(context.Background()), test.ShouldBeNil)
	test.That(t, eng.Report().InitialPair, test.ShouldResemble, []sfmdata.Index{1, 3})
	test.That(t, eng.Data().ValidViews(), test.ShouldHaveLength, 5)
}

func TestCancelledContext(t *testing.T) {
	scene, err := testutils.NewSyntheticScene(testutils.DefaultSyntheticConfig())
	test.That(t, err, test.ShouldBeNil)
	eng := newEngine(t, scene, DefaultConfig(), golog.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, eng.Process(ctx), test.ShouldNotBeNil)
	test.That(t, eng.State(), test.ShouldEqual, StateFailed)
}

type failingSolver struct {
	calls int
}

func (s *failingSolver) Solve(ctx context.Context, p *bundle.Problem) (bundle.Summary, error) {
	s.calls++
	return bundle.Summary{Iterations: 1}, bundle.ErrNotConverged
}

func TestBundleAdjustmentFailureIsNotFatal(t *testing.T) {
	cfg := testutils.DefaultSyntheticConfig()
	cfg.DepthSpread = 0.5
	scene, err := testutils.NewSyntheticScene(cfg)
	test.That(t, err, test.ShouldBeNil)

	logger, logs := golog.NewObservedTestLogger(t)
	eng := newEngine(t, scene, DefaultConfig(), logger)
	solver := &failingSolver{}
	eng.SetSolver(solver)

	test.That(t, eng.Process(context.Background()), test.ShouldBeNil)
	test.That(t, eng.State(), test.ShouldEqual, StateDone)
	test.That(t, eng.Data().ValidViews(), test.ShouldHaveLength, 3)
	test.That(t, solver.calls, test.ShouldBeGreaterThan, 0)

	report := eng.Report()
	test.That(t, report.BundleFailures, test.ShouldEqual, solver.calls)
	test.That(t, report.BundleAdjustments, test.ShouldEqual, 0)
	test.That(t, report.Warnings, test.ShouldNotBeEmpty)
	test.That(t, logs.FilterMessageSnippet("bundle adjustment failed").Len(), test.ShouldEqual, solver.calls)
}

func TestResumeFromPosedScene(t *testing.T) {
	scene, err := testutils.NewSyntheticScene(testutils.DefaultSyntheticConfig())
	test.That(t, err, test.ShouldBeNil)

	// the ground truth without view 2, with landmark ids unrelated to track ids
	input := scene.GroundTruth.Clone()
	delete(input.Poses, 2)
	input.Landmarks = map[sfmdata.Index]*sfmdata.Landmark{}
	for id, l := range scene.GroundTruth.Landmarks {
		l = l.Clone()
		delete(l.Observations, 2)
		input.Landmarks[1000+id] = l
	}
	// a landmark matching no track is dropped
	stray := sfmdata.NewLandmark(r3.Vector{Z: 5}, sfmdata.DescTypeSIFT)
	stray.Observations[0] = sfmdata.Observation{FeatureID: 999}
	stray.Observations[1] = sfmdata.Observation{FeatureID: 999}
	input.Landmarks[5000] = stray

	eng, err := NewSequentialSfM(input, scene.Features, scene.Matches, DefaultConfig(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, eng.Process(context.Background()), test.ShouldBeNil)

	report := eng.Report()
	test.That(t, report.InitialPair, test.ShouldBeEmpty)
	test.That(t, report.Resected, test.ShouldResemble, []sfmdata.Index{2})

	tracks := eng.Tracks()
	for id, l := range input.Landmarks {
		tr, ok := tracks[id]
		test.That(t, ok, test.ShouldBeTrue)
		for viewID, obs := range l.Observations {
			test.That(t, tr.Features[viewID], test.ShouldEqual, obs.FeatureID)
		}
	}
	_, ok := input.Landmarks[5000]
	test.That(t, ok, test.ShouldBeFalse)

	pose := viewPose(t, input, 2)
	test.That(t, pose.AlmostEqual(testutils.DefaultSyntheticConfig().Pose(2), utils.DegToRad(0.5), 0.01), test.ShouldBeTrue)
}

func TestIntermediateExport(t *testing.T) {
	scene, err := testutils.NewSyntheticScene(testutils.DefaultSyntheticConfig())
	test.That(t, err, test.ShouldBeNil)
	cfg := DefaultConfig()
	cfg.IntermediateDir = t.TempDir()
	eng := newEngine(t, scene, cfg, golog.NewTestLogger(t))
	test.That(t, eng.Process(context.Background()), test.ShouldBeNil)

	_, err = os.Stat(filepath.Join(cfg.IntermediateDir, "final.pcd"))
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(filepath.Join(cfg.IntermediateDir, "iteration_000.pcd"))
	test.That(t, err, test.ShouldBeNil)
}
