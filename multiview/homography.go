package multiview

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/spatialmath"
)

// EstimateHomography returns H with x2 ~ H x1 from at least 4 correspondences (normalized DLT).
func EstimateHomography(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < 4 {
		return nil, errors.New("sets of points must have at least 4 elements")
	}
	p1, T1 := normalizePoints(pts1)
	p2, T2 := normalizePoints(pts2)
	a := mat.NewDense(2*len(p1), 9, nil)
	for i := range p1 {
		x, y := p1[i].X, p1[i].Y
		u, v := p2[i].X, p2[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}
	h, err := nullVector(a)
	if err != nil {
		return nil, err
	}
	H := mat.NewDense(3, 3, h)

	// denormalize: T2^-1 H T1
	var t2Inv mat.Dense
	if err := t2Inv.Inverse(T2); err != nil {
		return nil, errors.Wrap(err, "cannot invert normalization")
	}
	H.Mul(&t2Inv, H)
	H.Mul(H, T1)
	norm := mat.Norm(H, 2)
	if norm == 0 {
		return nil, ErrDegenerate
	}
	H.Scale(1/norm, H)
	return H, nil
}

// TransferPoint maps p through H.
func TransferPoint(h mat.Matrix, p r2.Point) (r2.Point, bool) {
	q := mulVec(h, homogeneous(p))
	if math.Abs(q.Z) < 1e-15 {
		return r2.Point{}, false
	}
	return r2.Point{X: q.X / q.Z, Y: q.Y / q.Z}, true
}

// HomographyTransferError returns |x2 - H x1|.
func HomographyTransferError(h mat.Matrix, x1, x2 r2.Point) float64 {
	q, ok := TransferPoint(h, x1)
	if !ok {
		return math.Inf(1)
	}
	return q.Sub(x2).Norm()
}

// HomographyMotion is one decomposition of a calibrated homography H ~ R + t n^T.
type HomographyMotion struct {
	Pose spatialmath.Pose
	// Normal of the plane in the first camera frame, scaled by the inverse plane distance.
	Normal r3.Vector
}

// DecomposeHomography decomposes a homography between normalized image coordinates into the
// candidate motions (R, t, n) with H ~ R + t n^T, following Faugeras & Lustman. Every returned
// candidate reproduces H within numerical tolerance; physically valid ones still need a
// cheirality test.
func DecomposeHomography(h mat.Matrix) ([]HomographyMotion, error) {
	var out []HomographyMotion
	for _, sign := range []float64{1, -1} {
		var hs mat.Dense
		hs.Scale(sign, h)
		mats, err := performSVD(&hs)
		if err != nil {
			return nil, err
		}
		d1, d2, d3 := mats.Values[0], mats.Values[1], mats.Values[2]
		if d2 <= 0 {
			return nil, ErrDegenerate
		}
		hs.Scale(1/d2, &hs)
		d1, d3 = d1/d2, d3/d2
		d2 = 1

		if d1-d3 < 1e-9 {
			// pure rotation: H = R
			rot, err := closestRotation(&hs)
			if err != nil {
				return nil, err
			}
			if rm, err := spatialmath.NewRotationMatrixFromDense(rot); err == nil && mat.Det(&hs) > 0 {
				out = append(out, HomographyMotion{Pose: spatialmath.NewPose(rm, r3.Vector{}), Normal: r3.Vector{Z: 1}})
			}
			continue
		}

		x1 := math.Sqrt((d1*d1 - d2*d2) / (d1*d1 - d3*d3))
		x3 := math.Sqrt((d2*d2 - d3*d3) / (d1*d1 - d3*d3))
		root := math.Sqrt((d1*d1 - d2*d2) * (d2*d2 - d3*d3))
		for _, e1 := range []float64{1, -1} {
			for _, e3 := range []float64{1, -1} {
				n := []float64{e1 * x1, 0, e3 * x3}

				// d' = +d2
				st := e1 * e3 * root / ((d1 + d3) * d2)
				ct := (d2*d2 + d1*d3) / ((d1 + d3) * d2)
				rp := mat.NewDense(3, 3, []float64{ct, 0, -st, 0, 1, 0, st, 0, ct})
				tp := []float64{(d1 - d3) * e1 * x1, 0, -(d1 - d3) * e3 * x3}
				if m, ok := homographyCandidate(&hs, mats, 1, rp, tp, n); ok {
					out = append(out, m)
				}

				// d' = -d2
				sp := e1 * e3 * root / ((d1 - d3) * d2)
				cp := (d1*d3 - d2*d2) / ((d1 - d3) * d2)
				rp2 := mat.NewDense(3, 3, []float64{cp, 0, sp, 0, -1, 0, sp, 0, -cp})
				tp2 := []float64{(d1 + d3) * e1 * x1, 0, (d1 + d3) * e3 * x3}
				if m, ok := homographyCandidate(&hs, mats, -1, rp2, tp2, n); ok {
					out = append(out, m)
				}
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrDegenerate
	}
	return out, nil
}

// homographyCandidate maps a solution of the diagonalized problem back with U and V and keeps it
// only if it is a proper rotation reproducing hn = R + t n^T.
func homographyCandidate(hn *mat.Dense, mats *matsSVD, dPrime float64, rp *mat.Dense, tp, np []float64) (HomographyMotion, bool) {
	var r mat.Dense
	r.Mul(mats.U, rp)
	r.Mul(&r, mats.VT)
	r.Scale(dPrime, &r)
	if math.Abs(mat.Det(&r)-1) > 1e-6 {
		return HomographyMotion{}, false
	}
	t := mulVec(mats.U, r3.Vector{X: tp[0], Y: tp[1], Z: tp[2]})
	n := mulVec(mats.V, r3.Vector{X: np[0], Y: np[1], Z: np[2]})
	tn := [3]float64{t.X, t.Y, t.Z}
	nn := [3]float64{n.X, n.Y, n.Z}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(hn.At(i, j)-(r.At(i, j)+tn[i]*nn[j])) > 1e-6 {
				return HomographyMotion{}, false
			}
		}
	}
	rot, err := spatialmath.NewRotationMatrixFromDense(&r)
	if err != nil {
		return HomographyMotion{}, false
	}
	return HomographyMotion{Pose: spatialmath.NewPoseFromTranslation(rot, t), Normal: n}, true
}
