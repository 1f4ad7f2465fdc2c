package bundle

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/spatialmath"
)

type scene struct {
	problem *Problem
	poses   []spatialmath.Pose
	points  []r3.Vector
	cam     *camera.PinholeCameraModel
}

// newScene returns cameras on an arc looking at a cloud of points, with exact observations.
func newScene(t *testing.T, numPoints int) *scene {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	s := &scene{
		problem: NewProblem(),
		cam: camera.NewPinholeCameraModel(
			&camera.PinholeCameraIntrinsics{Width: 1000, Height: 800, Fx: 800, Fy: 800, Ppx: 500, Ppy: 400}, nil),
	}
	for i := 0; i < 4; i++ {
		yaw := -0.15 + 0.1*float64(i)
		center := r3.Vector{X: float64(i) - 1.5, Y: 0.1 * float64(i%2)}
		s.poses = append(s.poses, spatialmath.NewPose(spatialmath.RotationFromR3(r3.Vector{Y: -yaw}), center))
	}
	for j := 0; j < numPoints; j++ {
		s.points = append(s.points, r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*3 - 1.5, Z: 5 + 2*rng.Float64()})
	}
	s.problem.Intrinsics[0] = &IntrinsicBlock{Camera: s.cam.Clone()}
	for i, pose := range s.poses {
		s.problem.Poses[sfmdata.Index(i)] = &PoseBlock{Pose: pose, Fixed: i == 0}
	}
	for j, x := range s.points {
		s.problem.Points[sfmdata.Index(j)] = &PointBlock{Position: x}
		for i, pose := range s.poses {
			s.problem.Observations = append(s.problem.Observations, Observation{
				PoseID: sfmdata.Index(i), IntrinsicID: 0, PointID: sfmdata.Index(j), Pixel: s.cam.Project(pose, x),
			})
		}
	}
	return s
}

func (s *scene) perturb(rng *rand.Rand, noise float64) {
	for id, b := range s.problem.Poses {
		if b.Fixed || id == 1 {
			continue
		}
		b.Pose = spatialmath.NewPose(
			spatialmath.RotationFromR3(r3.Vector{X: noise * rng.NormFloat64(), Y: noise * rng.NormFloat64()}).Compose(b.Pose.Rotation),
			b.Pose.Center.Add(r3.Vector{X: noise * rng.NormFloat64(), Z: noise * rng.NormFloat64()}))
	}
	for _, b := range s.problem.Points {
		b.Position = b.Position.Add(r3.Vector{X: noise * rng.NormFloat64(), Y: noise * rng.NormFloat64(), Z: noise * rng.NormFloat64()})
	}
}

func TestSolveRecoversScene(t *testing.T) {
	s := newScene(t, 40)
	// the second pose is fixed too so the gauge, scale included, is defined
	s.problem.Poses[1].Fixed = true
	s.problem.Intrinsics[0].Fixed = true
	s.perturb(rand.New(rand.NewSource(1)), 0.02)

	solver := NewLevenbergMarquardt(golog.NewTestLogger(t))
	summary, err := solver.Solve(context.Background(), s.problem)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Converged, test.ShouldBeTrue)
	test.That(t, summary.InitialRMSE, test.ShouldBeGreaterThan, 1)
	test.That(t, summary.FinalRMSE, test.ShouldBeLessThan, 1e-4)
	test.That(t, summary.NumResiduals, test.ShouldEqual, 2*4*40)
	test.That(t, summary.NumParameters, test.ShouldEqual, 2*6+3*40)

	for i, pose := range s.poses {
		test.That(t, s.problem.Poses[sfmdata.Index(i)].Pose.AlmostEqual(pose, 1e-5, 1e-5), test.ShouldBeTrue)
	}
	for j, x := range s.points {
		test.That(t, s.problem.Points[sfmdata.Index(j)].Position.Sub(x).Norm(), test.ShouldBeLessThan, 1e-4)
	}
	for _, r := range s.problem.Residuals() {
		test.That(t, r, test.ShouldBeLessThan, 1e-3)
	}
}

func TestSolveFixedCenterAxis(t *testing.T) {
	s := newScene(t, 40)
	s.problem.Intrinsics[0].Fixed = true
	s.perturb(rand.New(rand.NewSource(5)), 0.02)
	// a single center coordinate of the farthest pose defines the scale
	far := s.problem.Poses[3]
	far.Pose = spatialmath.NewPose(far.Pose.Rotation, r3.Vector{X: s.poses[3].Center.X, Y: far.Pose.Center.Y, Z: far.Pose.Center.Z})
	far.FixedCenterAxes = [3]bool{true, false, false}

	summary, err := NewLevenbergMarquardt(golog.NewTestLogger(t)).Solve(context.Background(), s.problem)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Converged, test.ShouldBeTrue)
	test.That(t, summary.Termination, test.ShouldNotEqual, "max iterations")
	test.That(t, summary.FinalRMSE, test.ShouldBeLessThan, 1e-4)
	test.That(t, far.Pose.Center.X, test.ShouldEqual, s.poses[3].Center.X)
	for i, pose := range s.poses {
		test.That(t, s.problem.Poses[sfmdata.Index(i)].Pose.AlmostEqual(pose, 1e-5, 1e-4), test.ShouldBeTrue)
	}
}

func TestSolveGradientTolerance(t *testing.T) {
	s := newScene(t, 20)
	s.problem.Poses[1].Fixed = true
	s.perturb(rand.New(rand.NewSource(6)), 0.01)
	before := s.problem.Points[0].Position

	solver := NewLevenbergMarquardt(golog.NewTestLogger(t))
	solver.GradientTolerance = 1e12
	summary, err := solver.Solve(context.Background(), s.problem)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Termination, test.ShouldEqual, "gradient tolerance")
	test.That(t, summary.Iterations, test.ShouldEqual, 1)
	test.That(t, s.problem.Points[0].Position, test.ShouldResemble, before)
}

func TestSolveRefinesSubPose(t *testing.T) {
	s := newScene(t, 30)
	s.problem.Intrinsics[0].Fixed = true
	for _, b := range s.problem.Poses {
		b.Fixed = true
	}
	first, second := sfmdata.Index(0), sfmdata.Index(1)
	for i := range s.problem.Observations {
		s.problem.Observations[i].SubPose = &first
	}
	truth := spatialmath.NewPose(spatialmath.RotationFromR3(r3.Vector{Y: 0.05}), r3.Vector{X: 0.3, Y: -0.1})
	for j, x := range s.points {
		for i, pose := range s.poses {
			s.problem.Observations = append(s.problem.Observations, Observation{
				PoseID: sfmdata.Index(i), IntrinsicID: 0, PointID: sfmdata.Index(j), SubPose: &second,
				Pixel: s.cam.Project(truth.Compose(pose), x),
			})
		}
	}
	s.problem.SubPoses[first] = &SubPoseBlock{PoseBlock: PoseBlock{Pose: spatialmath.IdentityPose(), Fixed: true}}
	s.problem.SubPoses[second] = &SubPoseBlock{
		PoseBlock: PoseBlock{Pose: spatialmath.NewPose(
			spatialmath.RotationFromR3(r3.Vector{Y: 0.03, Z: 0.01}), r3.Vector{X: 0.25, Y: -0.05, Z: 0.02})},
		SubPoseID: 1,
	}

	summary, err := NewLevenbergMarquardt(golog.NewTestLogger(t)).Solve(context.Background(), s.problem)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.NumParameters, test.ShouldEqual, 6+3*30)
	test.That(t, summary.FinalRMSE, test.ShouldBeLessThan, 1e-4)
	test.That(t, s.problem.SubPoses[second].Pose.AlmostEqual(truth, 1e-5, 1e-4), test.ShouldBeTrue)
	test.That(t, s.problem.SubPoses[first].Pose, test.ShouldResemble, spatialmath.IdentityPose())

	missing := sfmdata.Index(7)
	s.problem.Observations[0].SubPose = &missing
	_, err = NewLevenbergMarquardt(nil).Solve(context.Background(), s.problem)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown sub-pose 7")
}

func TestSolveRefinesFocal(t *testing.T) {
	s := newScene(t, 60)
	s.problem.Poses[1].Fixed = true
	s.problem.Intrinsics[0].Camera.Fx *= 1.03
	s.problem.Intrinsics[0].Camera.Fy *= 1.03

	summary, err := NewLevenbergMarquardt(golog.NewTestLogger(t)).Solve(context.Background(), s.problem)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.FinalRMSE, test.ShouldBeLessThan, 1e-3)
	test.That(t, s.problem.Intrinsics[0].Camera.Fx, test.ShouldAlmostEqual, 800, 0.5)
	test.That(t, s.problem.Intrinsics[0].Camera.Fy, test.ShouldAlmostEqual, s.problem.Intrinsics[0].Camera.Fx)
}

func TestSolveKeepsFixedBlocks(t *testing.T) {
	s := newScene(t, 20)
	for _, b := range s.problem.Points {
		b.Fixed = true
	}
	s.problem.Intrinsics[0].Camera.Locked = true
	s.perturb(rand.New(rand.NewSource(2)), 0.01)
	fixedPoints := map[sfmdata.Index]r3.Vector{}
	for id, b := range s.problem.Points {
		fixedPoints[id] = b.Position
	}

	_, err := NewLevenbergMarquardt(nil).Solve(context.Background(), s.problem)
	test.That(t, err, test.ShouldBeNil)
	for id, b := range s.problem.Points {
		test.That(t, b.Position, test.ShouldResemble, fixedPoints[id])
	}
	test.That(t, s.problem.Poses[0].Pose, test.ShouldResemble, s.poses[0])
	test.That(t, s.problem.Intrinsics[0].Camera.Fx, test.ShouldEqual, 800.0)
}

func TestSolveNotConverged(t *testing.T) {
	s := newScene(t, 30)
	s.problem.Poses[1].Fixed = true
	s.perturb(rand.New(rand.NewSource(3)), 0.05)
	before := s.problem.Points[0].Position

	solver := NewLevenbergMarquardt(golog.NewTestLogger(t))
	solver.MaxIterations = 1
	summary, err := solver.Solve(context.Background(), s.problem)
	test.That(t, errors.Is(err, ErrNotConverged), test.ShouldBeTrue)
	test.That(t, summary.Converged, test.ShouldBeFalse)
	test.That(t, s.problem.Points[0].Position, test.ShouldResemble, before)
}

func TestSolveErrors(t *testing.T) {
	s := newScene(t, 5)
	s.perturb(rand.New(rand.NewSource(4)), 0.05)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLevenbergMarquardt(nil).Solve(ctx, s.problem)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	s.problem.Observations = append(s.problem.Observations, Observation{PoseID: 9, IntrinsicID: 0, PointID: 0})
	_, err = NewLevenbergMarquardt(nil).Solve(context.Background(), s.problem)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown pose 9")
}

func TestHuber(t *testing.T) {
	c, w := huber(4, 0)
	test.That(t, c, test.ShouldEqual, 4.0)
	test.That(t, w, test.ShouldEqual, 1.0)
	c, w = huber(16, 2)
	test.That(t, c, test.ShouldEqual, 12.0)
	test.That(t, w, test.ShouldEqual, 0.5)
}
