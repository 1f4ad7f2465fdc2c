package sfm

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/spatialmath"
)

func TestFindSimilarity(t *testing.T) {
	want := Similarity{
		Scale:       2.5,
		Rotation:    spatialmath.RotationFromR3(r3.Vector{X: 0.1, Y: -0.4, Z: 0.3}),
		Translation: r3.Vector{X: 1, Y: -2, Z: 3},
	}
	src := []r3.Vector{{}, {X: 1}, {Y: 1}, {Z: 1}, {X: 1, Y: 2, Z: -1}}
	dst := make([]r3.Vector, len(src))
	for i, x := range src {
		dst[i] = want.Apply(x)
	}
	got, err := FindSimilarity(src, dst)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Scale, test.ShouldAlmostEqual, want.Scale, 1e-9)
	test.That(t, got.Rotation.AngleTo(want.Rotation), test.ShouldBeLessThan, 1e-9)
	test.That(t, got.Translation.Sub(want.Translation).Norm(), test.ShouldBeLessThan, 1e-9)

	_, err = FindSimilarity(src[:2], dst[:2])
	test.That(t, err, test.ShouldNotBeNil)
	_, err = FindSimilarity([]r3.Vector{{}, {X: 1}, {X: 2}}, []r3.Vector{{}, {X: 1}, {X: 2}})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = FindSimilarity(src, dst[:4])
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEvaluateToGroundTruth(t *testing.T) {
	gt := groundTruthScene(t, 4)
	// the same cameras on an arc so the centers are not collinear
	for id := range gt.Poses {
		p := gt.Poses[id]
		p.Transform.Center.Z = 0.3 * float64(id*id)
		gt.Poses[id] = p
	}

	sim := Similarity{
		Scale:       0.5,
		Rotation:    spatialmath.RotationFromR3(r3.Vector{Y: 0.7}),
		Translation: r3.Vector{X: -3, Z: 1},
	}
	est := gt.Clone()
	for id, p := range est.Poses {
		p.Transform = sim.ApplyPose(p.Transform)
		est.Poses[id] = p
	}
	delete(est.Poses, 3)

	eval, err := EvaluateToGroundTruth(gt, est)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, eval.Compared, test.ShouldResemble, []sfmdata.Index{0, 1, 2})
	test.That(t, eval.Missing, test.ShouldResemble, []sfmdata.Index{3})
	test.That(t, eval.Scale, test.ShouldAlmostEqual, 2, 1e-9)
	test.That(t, eval.RotationErrors.Max, test.ShouldBeLessThan, 1e-6)
	test.That(t, eval.PositionErrors.Max, test.ShouldBeLessThan, 1e-9)

	delete(est.Poses, 2)
	_, err = EvaluateToGroundTruth(gt, est)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEvaluateCollinearCenters(t *testing.T) {
	// the synthetic rig moves along X only
	gt := groundTruthScene(t, 4)
	sim := Similarity{
		Scale:       0.25,
		Rotation:    spatialmath.RotationFromR3(r3.Vector{X: 0.4, Z: -0.2}),
		Translation: r3.Vector{Y: 2},
	}
	est := gt.Clone()
	for id, p := range est.Poses {
		p.Transform = sim.ApplyPose(p.Transform)
		est.Poses[id] = p
	}
	_, err := FindSimilarity(
		[]r3.Vector{gt.Poses[0].Transform.Center, gt.Poses[1].Transform.Center, gt.Poses[2].Transform.Center},
		[]r3.Vector{gt.Poses[0].Transform.Center, gt.Poses[1].Transform.Center, gt.Poses[2].Transform.Center})
	test.That(t, err, test.ShouldNotBeNil)

	eval, err := EvaluateToGroundTruth(gt, est)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, eval.Compared, test.ShouldHaveLength, 4)
	test.That(t, eval.Scale, test.ShouldAlmostEqual, 4, 1e-9)
	test.That(t, eval.RotationErrors.Max, test.ShouldBeLessThan, 1e-6)
	test.That(t, eval.PositionErrors.Max, test.ShouldBeLessThan, 1e-9)

	// two views are enough once the orientations are used
	delete(est.Poses, 2)
	delete(est.Poses, 3)
	eval, err = EvaluateToGroundTruth(gt, est)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, eval.Compared, test.ShouldResemble, []sfmdata.Index{0, 1})
	test.That(t, eval.PositionErrors.Max, test.ShouldBeLessThan, 1e-9)

	delete(est.Poses, 1)
	_, err = EvaluateToGroundTruth(gt, est)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPoseDistance(t *testing.T) {
	a := spatialmath.IdentityPose()
	b := spatialmath.NewPose(spatialmath.RotationFromR3(r3.Vector{Z: 0.5}), r3.Vector{X: 3, Y: 4})
	deg, dist := poseDistance(a, b)
	test.That(t, deg, test.ShouldAlmostEqual, 28.64788975654116, 1e-6)
	test.That(t, dist, test.ShouldAlmostEqual, 5)
}
