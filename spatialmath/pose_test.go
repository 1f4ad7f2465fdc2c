package spatialmath

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

// a 45 degree rotation around the x axis in quaternion and axis angle representation
var (
	th    = math.Pi / 4.
	q45x  = quat.Number{Real: math.Cos(th / 2.), Imag: math.Sin(th / 2.)}
	aa45x = &R4AA{th, 1., 0., 0.}
)

func TestRotationRepresentations(t *testing.T) {
	rm := QuatToRotationMatrix(q45x)
	test.That(t, rm.CheckValid(), test.ShouldBeNil)

	aa := rm.AxisAngles()
	test.That(t, aa.Theta, test.ShouldAlmostEqual, aa45x.Theta)
	test.That(t, aa.RX, test.ShouldAlmostEqual, aa45x.RX)
	test.That(t, aa.RY, test.ShouldAlmostEqual, aa45x.RY)
	test.That(t, aa.RZ, test.ShouldAlmostEqual, aa45x.RZ)

	q := rm.Quaternion()
	test.That(t, q.Real, test.ShouldAlmostEqual, q45x.Real)
	test.That(t, q.Imag, test.ShouldAlmostEqual, q45x.Imag)

	v := rm.Mul(r3.Vector{X: 0, Y: 1, Z: 0})
	test.That(t, v.Y, test.ShouldAlmostEqual, math.Cos(th))
	test.That(t, v.Z, test.ShouldAlmostEqual, math.Sin(th))
	back := rm.MulT(v)
	test.That(t, back.Y, test.ShouldAlmostEqual, 1)

	r3v := RotationToR3(rm)
	test.That(t, r3v.X, test.ShouldAlmostEqual, th)
	test.That(t, RotationFromR3(r3v).AngleTo(rm), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, RotationFromR3(r3.Vector{}).AngleTo(IdentityRotation()), test.ShouldAlmostEqual, 0)

	// large rotations near pi stay stable
	big := RotationFromR3(r3.Vector{X: 0, Y: math.Pi - 1e-3, Z: 0})
	test.That(t, big.AxisAngles().Theta, test.ShouldAlmostEqual, math.Pi-1e-3, 1e-9)
}

func TestNewRotationMatrix(t *testing.T) {
	_, err := NewRotationMatrix([]float64{1, 0, 0})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewRotationMatrix([]float64{2, 0, 0, 0, 1, 0, 0, 0, 1})
	test.That(t, err, test.ShouldNotBeNil)

	// reflection
	_, err = NewRotationMatrix([]float64{-1, 0, 0, 0, 1, 0, 0, 0, 1})
	test.That(t, err, test.ShouldNotBeNil)

	rm, err := NewRotationMatrix(IdentityRotation().Values())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rm, test.ShouldResemble, IdentityRotation())
}

func TestPoseTransforms(t *testing.T) {
	rot := RotationFromR3(r3.Vector{X: 0.1, Y: -0.3, Z: 0.2})
	p := NewPose(rot, r3.Vector{X: 1, Y: 2, Z: -3})

	x := r3.Vector{X: 0.5, Y: -1, Z: 4}
	xc := p.Apply(x)
	viaT := rot.Mul(x).Add(p.Translation())
	test.That(t, xc.Sub(viaT).Norm(), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, p.Depth(x), test.ShouldAlmostEqual, xc.Z)

	// camera center maps to the origin
	test.That(t, p.Apply(p.Center).Norm(), test.ShouldAlmostEqual, 0, 1e-12)

	inv := p.Inverse()
	test.That(t, inv.Apply(xc).Sub(x).Norm(), test.ShouldAlmostEqual, 0, 1e-12)

	q := NewPoseFromTranslation(RotationFromR3(r3.Vector{Z: 0.5}), r3.Vector{X: 0.2})
	composed := q.Compose(p)
	test.That(t, composed.Apply(x).Sub(q.Apply(p.Apply(x))).Norm(), test.ShouldAlmostEqual, 0, 1e-12)

	ident := p.Compose(inv)
	test.That(t, ident.AlmostEqual(IdentityPose(), 1e-9, 1e-9), test.ShouldBeTrue)

	m := p.Matrix34()
	test.That(t, m.At(0, 3), test.ShouldAlmostEqual, p.Translation().X)
}

func TestPoseJSON(t *testing.T) {
	p := NewPose(RotationFromR3(r3.Vector{X: 0.3}), r3.Vector{X: 1, Y: 2, Z: 3})
	data, err := json.Marshal(p)
	test.That(t, err, test.ShouldBeNil)

	var decoded Pose
	test.That(t, json.Unmarshal(data, &decoded), test.ShouldBeNil)
	test.That(t, decoded.AlmostEqual(p, 1e-12, 1e-12), test.ShouldBeTrue)

	test.That(t, json.Unmarshal([]byte(`{"rotation":[1,2,3]}`), &decoded), test.ShouldNotBeNil)
}

func TestAngleBetweenRays(t *testing.T) {
	c1 := r3.Vector{}
	c2 := r3.Vector{X: 1}
	x := r3.Vector{X: 0.5, Z: 0.5}
	test.That(t, AngleBetweenRays(c1, c2, x), test.ShouldAlmostEqual, math.Pi/2)
	test.That(t, AngleBetweenRays(c1, c2, c1), test.ShouldEqual, 0.0)
}
