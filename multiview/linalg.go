package multiview

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrDegenerate is returned when a configuration does not constrain the model.
var ErrDegenerate = errors.New("degenerate configuration")

// normalizePoints normalizes points as described in Multiple View Geometry, Alg 4.2.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	nPoints := len(pts)
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(nPoints))
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(nPoints)
	}
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt(2) / d
	}
	T := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	pointsTransformed := make([]r2.Point, nPoints)
	for i := range pointsTransformed {
		pointsTransformed[i] = pts[i].Sub(mu).Mul(scale)
	}
	return pointsTransformed, T
}

// eye create an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U  *mat.Dense
	V  *mat.Dense
	VT *mat.Dense
	S  *mat.Dense
	// Values holds the singular values in decreasing order.
	Values []float64
}

// performSVD performs a full SVD on inputMatrix.
func performSVD(inputMatrix mat.Matrix) (*matsSVD, error) {
	var svd mat.SVD
	if ok := svd.Factorize(inputMatrix, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize matrix")
	}
	u, v, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())
	values := svd.Values(nil)
	r, c := inputMatrix.Dims()
	n := r
	if c < n {
		n = c
	}
	sigma := mat.NewDense(n, n, nil)
	for i := 0; i < n && i < len(values); i++ {
		sigma.Set(i, i, values[i])
	}
	return &matsSVD{U: u, V: v, VT: vt, S: sigma, Values: values}, nil
}

// nullVector returns the right singular vector of the smallest singular value of a.
func nullVector(a mat.Matrix) ([]float64, error) {
	mats, err := performSVD(a)
	if err != nil {
		return nil, err
	}
	_, c := a.Dims()
	out := make([]float64, c)
	for i := 0; i < c; i++ {
		out[i] = mats.V.At(i, c-1)
	}
	return out, nil
}

// crossProductMatrix returns [p]x such that [p]x v = p x v.
func crossProductMatrix(p r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -p.Z, p.Y,
		p.Z, 0, -p.X,
		-p.Y, p.X, 0,
	})
}

// mulVec returns m * v for a 3x3 matrix.
func mulVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// homogeneous lifts an image point to homogeneous coordinates.
func homogeneous(p r2.Point) r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: 1}
}

// closestRotation projects a 3x3 matrix on SO(3).
func closestRotation(m mat.Matrix) (*mat.Dense, error) {
	mats, err := performSVD(m)
	if err != nil {
		return nil, err
	}
	var r mat.Dense
	r.Mul(mats.U, mats.VT)
	if mat.Det(&r) < 0 {
		d := eye(3)
		d.Set(2, 2, -1)
		r.Mul(mats.U, d)
		r.Mul(&r, mats.VT)
	}
	return &r, nil
}

// planeFit returns the centroid, an orthonormal in-plane basis, the normal and the ratio of the
// smallest to the largest spread of the points.
func planeFit(pts []r3.Vector) (r3.Vector, [3]r3.Vector, float64, error) {
	var basis [3]r3.Vector
	if len(pts) < 3 {
		return r3.Vector{}, basis, 0, ErrDegenerate
	}
	var c r3.Vector
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))
	a := mat.NewDense(len(pts), 3, nil)
	for i, p := range pts {
		d := p.Sub(c)
		a.SetRow(i, []float64{d.X, d.Y, d.Z})
	}
	mats, err := performSVD(a)
	if err != nil {
		return c, basis, 0, err
	}
	if mats.Values[0] == 0 {
		return c, basis, 0, ErrDegenerate
	}
	for i := 0; i < 3; i++ {
		basis[i] = r3.Vector{X: mats.V.At(0, i), Y: mats.V.At(1, i), Z: mats.V.At(2, i)}
	}
	// right handed frame
	basis[2] = basis[0].Cross(basis[1]).Normalize()
	return c, basis, mats.Values[2] / mats.Values[0], nil
}
