package multiview

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/spatialmath"
)

// TriangulateDLT computes a 3D point from two or more views with the linear method: the cross
// product of each normalized image point with its projection is stacked and the null space of
// the system is the homogeneous point.
func TriangulateDLT(poses []spatialmath.Pose, normalized []r2.Point) (r3.Vector, error) {
	if len(poses) != len(normalized) {
		return r3.Vector{}, errors.New("need one observation per pose")
	}
	if len(poses) < 2 {
		return r3.Vector{}, errors.New("need at least two views to triangulate")
	}
	a := mat.NewDense(2*len(poses), 4, nil)
	for i, pose := range poses {
		p := pose.Matrix34()
		x := normalized[i]
		for j := 0; j < 4; j++ {
			a.Set(2*i, j, x.X*p.At(2, j)-p.At(0, j))
			a.Set(2*i+1, j, x.Y*p.At(2, j)-p.At(1, j))
		}
	}
	// rows are scaled to unit norm for conditioning
	for i := 0; i < 2*len(poses); i++ {
		row := a.RawRowView(i)
		var n float64
		for _, v := range row {
			n += v * v
		}
		if n = math.Sqrt(n); n > 0 {
			for j := range row {
				row[j] /= n
			}
		}
	}
	h, err := nullVector(a)
	if err != nil {
		return r3.Vector{}, err
	}
	if math.Abs(h[3]) < 1e-12 {
		return r3.Vector{}, errors.Wrap(ErrDegenerate, "point at infinity")
	}
	return r3.Vector{X: h[0] / h[3], Y: h[1] / h[3], Z: h[2] / h[3]}, nil
}

// TriangulateTwoView triangulates matched normalized points of a first camera at the origin and a
// second camera at the given relative pose.
func TriangulateTwoView(pose spatialmath.Pose, x1, x2 []r2.Point) ([]r3.Vector, error) {
	if len(x1) != len(x2) {
		return nil, errors.New("the 2 sets of points don't have the same number of elements")
	}
	poses := []spatialmath.Pose{spatialmath.IdentityPose(), pose}
	out := make([]r3.Vector, len(x1))
	for i := range x1 {
		pt, err := TriangulateDLT(poses, []r2.Point{x1[i], x2[i]})
		if err != nil {
			// left at infinity, cheirality checks reject it
			pt = r3.Vector{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}
		}
		out[i] = pt
	}
	return out, nil
}

// MaxTriangulationAngle returns the largest angle, in radians, between rays from the camera
// centers to x over all pairs of centers.
func MaxTriangulationAngle(centers []r3.Vector, x r3.Vector) float64 {
	best := 0.0
	for i := 0; i < len(centers); i++ {
		for j := i + 1; j < len(centers); j++ {
			if a := spatialmath.AngleBetweenRays(centers[i], centers[j], x); a > best {
				best = a
			}
		}
	}
	return best
}
