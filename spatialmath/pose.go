// Package spatialmath defines rotations and rigid camera poses.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Pose is a rigid world to camera transform stored as a rotation and the camera center
// expressed in world coordinates. A world point X maps to Rotation * (X - Center).
type Pose struct {
	Rotation RotationMatrix `json:"rotation"`
	Center   r3.Vector      `json:"center"`
}

// NewPose returns a pose from its rotation and camera center.
func NewPose(rot RotationMatrix, center r3.Vector) Pose {
	return Pose{Rotation: rot, Center: center}
}

// NewPoseFromTranslation returns the pose X -> rot*X + t.
func NewPoseFromTranslation(rot RotationMatrix, t r3.Vector) Pose {
	return Pose{Rotation: rot, Center: rot.MulT(t).Mul(-1)}
}

// IdentityPose returns the pose of a camera at the origin looking down +Z.
func IdentityPose() Pose {
	return Pose{Rotation: IdentityRotation()}
}

// Translation returns t such that the pose maps X to R*X + t.
func (p Pose) Translation() r3.Vector {
	return p.Rotation.Mul(p.Center).Mul(-1)
}

// Apply maps a world point into the camera frame.
func (p Pose) Apply(x r3.Vector) r3.Vector {
	return p.Rotation.Mul(x.Sub(p.Center))
}

// Depth returns the z coordinate of x in the camera frame.
func (p Pose) Depth(x r3.Vector) float64 {
	return p.Apply(x).Z
}

// Compose returns p * other: other is applied first.
func (p Pose) Compose(other Pose) Pose {
	rot := p.Rotation.Compose(other.Rotation)
	t := p.Rotation.Mul(other.Translation()).Add(p.Translation())
	return NewPoseFromTranslation(rot, t)
}

// Inverse returns the camera to world transform as a pose.
func (p Pose) Inverse() Pose {
	return Pose{Rotation: p.Rotation.Transpose(), Center: p.Translation()}
}

// Matrix34 returns [R|t] as a 3x4 matrix.
func (p Pose) Matrix34() *mat.Dense {
	t := p.Translation()
	m := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, p.Rotation.At(i, j))
		}
	}
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	return m
}

// AlmostEqual returns whether two poses are within angular (radians) and positional tolerances.
func (p Pose) AlmostEqual(other Pose, angleTol, centerTol float64) bool {
	return p.Rotation.AngleTo(other.Rotation) <= angleTol && p.Center.Sub(other.Center).Norm() <= centerTol
}

// AngleBetweenRays returns the angle, in radians, between the rays from two camera centers to x.
func AngleBetweenRays(c1, c2, x r3.Vector) float64 {
	a := x.Sub(c1)
	b := x.Sub(c2)
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return 0
	}
	cos := a.Dot(b) / (na * nb)
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}
