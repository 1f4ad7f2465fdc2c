package multiview

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/ransac"
	"go.viam.com/sfm/spatialmath"
)

func testCamera() *camera.PinholeCameraModel {
	return camera.NewPinholeCameraModel(
		&camera.PinholeCameraIntrinsics{Width: 1000, Height: 800, Fx: 900, Fy: 900, Ppx: 500, Ppy: 400}, nil)
}

func randomPoints(rng *rand.Rand, n int, planar bool) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		z := 5.0
		if !planar {
			z = 4 + 2*rng.Float64()
		}
		pts[i] = r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*3 - 1.5, Z: z}
	}
	return pts
}

func project(pose spatialmath.Pose, pts []r3.Vector) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		pc := pose.Apply(p)
		out[i] = r2.Point{X: pc.X / pc.Z, Y: pc.Y / pc.Z}
	}
	return out
}

func TestEssentialDecomposition(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pts := randomPoints(rng, 30, false)
	truth := spatialmath.NewPose(spatialmath.RotationFromR3(r3.Vector{Y: -0.15, X: 0.02}), r3.Vector{X: 1})
	x1 := project(spatialmath.IdentityPose(), pts)
	x2 := project(truth, pts)

	e, err := EstimateEssentialMatrix(x1, x2)
	test.That(t, err, test.ShouldBeNil)
	for i := range x1 {
		test.That(t, SampsonError(e, x1[i], x2[i]), test.ShouldBeLessThan, 1e-9)
	}

	poses, err := MotionsFromEssential(e)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(poses), test.ShouldEqual, 4)
	found := false
	tDir := truth.Translation().Normalize()
	for _, p := range poses {
		if p.Rotation.AngleTo(truth.Rotation) < 1e-6 && p.Translation().Normalize().Sub(tDir).Norm() < 1e-6 {
			found = true
		}
	}
	test.That(t, found, test.ShouldBeTrue)

	_, err = ComputeFundamentalMatrixAllPoints(x1[:7], x2[:7], true)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestHomographyDecomposition(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	pts := randomPoints(rng, 20, true)
	truth := spatialmath.NewPose(spatialmath.RotationFromR3(r3.Vector{Y: 0.1, Z: 0.05}), r3.Vector{X: 1, Y: 0.2})
	x1 := project(spatialmath.IdentityPose(), pts)
	x2 := project(truth, pts)

	h, err := EstimateHomography(x1, x2)
	test.That(t, err, test.ShouldBeNil)
	for i := range x1 {
		test.That(t, HomographyTransferError(h, x1[i], x2[i]), test.ShouldBeLessThan, 1e-9)
	}

	motions, err := DecomposeHomography(h)
	test.That(t, err, test.ShouldBeNil)
	found := false
	tDir := truth.Translation().Normalize()
	for _, m := range motions {
		if m.Pose.Rotation.AngleTo(truth.Rotation) < 1e-6 && m.Pose.Translation().Normalize().Sub(tDir).Norm() < 1e-6 {
			found = true
			// plane z = 5 in the first camera frame
			test.That(t, m.Normal.Normalize().Z, test.ShouldAlmostEqual, 1, 1e-6)
		}
	}
	test.That(t, found, test.ShouldBeTrue)
}

func TestEstimateRelativePose(t *testing.T) {
	for _, planar := range []bool{true, false} {
		rng := rand.New(rand.NewSource(11))
		pts := randomPoints(rng, 50, planar)
		truth := spatialmath.NewPose(spatialmath.IdentityRotation(), r3.Vector{X: 1})
		x1 := project(spatialmath.IdentityPose(), pts)
		x2 := project(truth, pts)
		// outliers
		for i := 0; i < 5; i++ {
			x2[i] = x2[i].Add(r2.Point{X: 0.05, Y: -0.03})
		}

		rel, err := EstimateRelativePose(context.Background(), x1, x2, RelativePoseParams{
			Focal: 900, Threshold: 4, RANSAC: ransac.DefaultParams(4),
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, utilsAngleDeg(rel.Pose.Rotation.AngleTo(truth.Rotation)), test.ShouldBeLessThan, 1)
		tDir := truth.Translation().Normalize()
		test.That(t, utilsAngleDeg(math.Acos(rel.Pose.Translation().Normalize().Dot(tDir))), test.ShouldBeLessThan, 1)
		test.That(t, rel.Pose.Translation().Norm(), test.ShouldAlmostEqual, 1)
		test.That(t, len(rel.Inliers), test.ShouldEqual, 45)
		for i, idx := range rel.Inliers {
			gt := pts[idx]
			test.That(t, math.Abs(rel.Points[i].Z-gt.Z)/gt.Z, test.ShouldBeLessThan, 0.01)
		}
	}

	_, err := EstimateRelativePose(context.Background(), make([]r2.Point, 4), make([]r2.Point, 4), RelativePoseParams{})
	test.That(t, errors.Is(err, ErrDegenerate), test.ShouldBeTrue)
}

func TestTriangulateDLT(t *testing.T) {
	x := r3.Vector{X: 0.3, Y: -0.4, Z: 6}
	poses := []spatialmath.Pose{
		spatialmath.IdentityPose(),
		spatialmath.NewPose(spatialmath.RotationFromR3(r3.Vector{Y: -0.1}), r3.Vector{X: 1}),
		spatialmath.NewPose(spatialmath.RotationFromR3(r3.Vector{Y: 0.1}), r3.Vector{X: -1, Y: 0.2}),
	}
	obs := make([]r2.Point, len(poses))
	centers := make([]r3.Vector, len(poses))
	for i, p := range poses {
		obs[i] = project(p, []r3.Vector{x})[0]
		centers[i] = p.Center
	}
	got, err := TriangulateDLT(poses, obs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Sub(x).Norm(), test.ShouldBeLessThan, 1e-9)

	_, err = TriangulateDLT(poses[:1], obs[:1])
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, MaxTriangulationAngle(centers, x), test.ShouldBeGreaterThan, spatialmath.AngleBetweenRays(centers[0], centers[1], x))
}

func TestResection(t *testing.T) {
	cam := testCamera()
	truth := spatialmath.NewPose(spatialmath.RotationFromR3(r3.Vector{X: 0.05, Y: -0.2}), r3.Vector{X: 1.5, Y: -0.3, Z: 0.2})
	for _, planar := range []bool{true, false} {
		rng := rand.New(rand.NewSource(13))
		pts := randomPoints(rng, 40, planar)
		pixels := make([]r2.Point, len(pts))
		for i, p := range pts {
			pixels[i] = cam.Project(truth, p)
		}
		pixels[0] = pixels[0].Add(r2.Point{X: 40, Y: 40})

		k := NewResectionKernel(pts, pixels, cam, cam.Width, cam.Height)
		res, err := ransac.Estimate[ResectionModel](context.Background(), k, ransac.DefaultParams(4))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(res.Inliers), test.ShouldEqual, 39)
		test.That(t, res.Model.Pose.AlmostEqual(truth, 1e-6, 1e-6), test.ShouldBeTrue)

		refined, err := RefineResection(gather3(pts, res.Inliers), gather(pixels, res.Inliers), res.Model, false)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, refined.Pose.AlmostEqual(truth, 1e-5, 1e-5), test.ShouldBeTrue)
	}
}

func TestUncalibratedResection(t *testing.T) {
	cam := testCamera()
	truth := spatialmath.NewPose(spatialmath.RotationFromR3(r3.Vector{X: 0.05, Y: -0.2}), r3.Vector{X: 1.5, Y: -0.3, Z: 0.2})
	rng := rand.New(rand.NewSource(17))
	pts := randomPoints(rng, 40, false)
	pixels := make([]r2.Point, len(pts))
	for i, p := range pts {
		pixels[i] = cam.Project(truth, p)
	}

	p, err := ResectDLT(pts, pixels)
	test.That(t, err, test.ShouldBeNil)
	k, pose, err := DecomposeProjectionMatrix(p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, k.At(0, 0), test.ShouldAlmostEqual, 900, 1e-3)
	test.That(t, k.At(1, 2), test.ShouldAlmostEqual, 400, 1e-3)
	test.That(t, pose.AlmostEqual(truth, 1e-6, 1e-6), test.ShouldBeTrue)

	kernel := NewResectionKernel(pts, pixels, nil, cam.Width, cam.Height)
	res, err := ransac.Estimate[ResectionModel](context.Background(), kernel, ransac.DefaultParams(4))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Model.Camera.Fx, test.ShouldAlmostEqual, 900, 1)
	test.That(t, res.Model.Camera.Initialization, test.ShouldEqual, camera.InitEstimated)

	_, err = ResectDLT(pts[:5], pixels[:5])
	test.That(t, errors.Is(err, ErrDegenerate), test.ShouldBeTrue)
}

func gather3(pts []r3.Vector, idx []int) []r3.Vector {
	out := make([]r3.Vector, len(idx))
	for i, j := range idx {
		out[i] = pts[j]
	}
	return out
}

func utilsAngleDeg(rad float64) float64 {
	return rad * 180 / math.Pi
}
