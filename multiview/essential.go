package multiview

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/spatialmath"
)

// ComputeFundamentalMatrixAllPoints compute the fundamental matrix x2^T F x1 = 0 from all points
// with the normalized eight point algorithm.
func ComputeFundamentalMatrixAllPoints(pts1, pts2 []r2.Point, normalize bool) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < 8 {
		return nil, errors.New("sets of points must have at least 8 elements")
	}
	nPoints := len(pts1)

	points1, points2 := pts1, pts2
	T1, T2 := eye(3), eye(3)
	if normalize {
		points1, T1 = normalizePoints(pts1)
		points2, T2 = normalizePoints(pts2)
	}

	m := mat.NewDense(nPoints, 9, nil)
	for i := range points1 {
		v1 := points1[i]
		v2 := points2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}
	f, err := nullVector(m)
	if err != nil {
		return nil, err
	}
	F := mat.NewDense(3, 3, f)

	// enforce rank 2 of F
	mats2, err := performSVD(F)
	if err != nil {
		return nil, err
	}
	S := mats2.S
	S.Set(2, 2, 0)
	F.Mul(mats2.U, S)
	F.Mul(F, mats2.VT)

	// rescale F: T2^T @ F @ T1
	F.Mul(T2.T(), F)
	F.Mul(F, T1)
	if norm := mat.Norm(F, 2); norm > 0 {
		F.Scale(1/norm, F)
	}
	return F, nil
}

// GetEssentialMatrixFromFundamental returns the essential matrix from the fundamental matrix and intrinsics parameters.
func GetEssentialMatrixFromFundamental(k1, k2, f *mat.Dense) (*mat.Dense, error) {
	var essMat mat.Dense
	essMat.Mul(k2.T(), f)
	essMat.Mul(&essMat, k1)
	return enforceEssential(&essMat)
}

// EstimateEssentialMatrix estimates E with x2^T E x1 = 0 from normalized image coordinates.
func EstimateEssentialMatrix(x1, x2 []r2.Point) (*mat.Dense, error) {
	f, err := ComputeFundamentalMatrixAllPoints(x1, x2, true)
	if err != nil {
		return nil, err
	}
	return enforceEssential(f)
}

// enforceEssential projects a matrix on the essential manifold: singular values (1, 1, 0).
func enforceEssential(m *mat.Dense) (*mat.Dense, error) {
	mats, err := performSVD(m)
	if err != nil {
		return nil, err
	}
	S := eye(3)
	S.Set(2, 2, 0)
	var essMat mat.Dense
	essMat.Mul(mats.U, S)
	essMat.Mul(&essMat, mats.VT)
	return &essMat, nil
}

// DecomposeEssentialMatrix decomposes the Essential matrix into 2 possible 3D rotations and a 3D translation.
func DecomposeEssentialMatrix(essMat *mat.Dense) (*mat.Dense, *mat.Dense, r3.Vector, error) {
	mats, err := performSVD(essMat)
	if err != nil {
		return nil, nil, r3.Vector{}, err
	}
	if mat.Det(mats.U) < 0 {
		mats.U.Scale(-1, mats.U)
	}
	if mat.Det(mats.VT) < 0 {
		mats.VT.Scale(-1, mats.VT)
	}
	W := mat.NewDense(3, 3, []float64{
		0, 1, 0,
		-1, 0, 0,
		0, 0, 1,
	})
	var R1, R2 mat.Dense
	// UWV^T
	R1.Mul(mats.U, W)
	R1.Mul(&R1, mats.VT)
	// UW^TV^T
	R2.Mul(mats.U, W.T())
	R2.Mul(&R2, mats.VT)
	t := r3.Vector{X: mats.U.At(0, 2), Y: mats.U.At(1, 2), Z: mats.U.At(2, 2)}
	return &R1, &R2, t, nil
}

// MotionsFromEssential returns the 4 candidate poses of the second camera relative to the first.
func MotionsFromEssential(essMat *mat.Dense) ([]spatialmath.Pose, error) {
	R1, R2, t, err := DecomposeEssentialMatrix(essMat)
	if err != nil {
		return nil, err
	}
	poses := make([]spatialmath.Pose, 0, 4)
	for _, r := range []*mat.Dense{R1, R2} {
		rot, err := spatialmath.NewRotationMatrixFromDense(r)
		if err != nil {
			return nil, err
		}
		poses = append(poses,
			spatialmath.NewPoseFromTranslation(rot, t),
			spatialmath.NewPoseFromTranslation(rot, t.Mul(-1)))
	}
	return poses, nil
}

// EssentialFromPose returns [t]x R for a relative pose.
func EssentialFromPose(p spatialmath.Pose) *mat.Dense {
	var e mat.Dense
	e.Mul(crossProductMatrix(p.Translation()), p.Rotation.Dense())
	return &e
}

// SampsonError returns the first order geometric error of x2^T F x1 = 0.
func SampsonError(f mat.Matrix, x1, x2 r2.Point) float64 {
	h1, h2 := homogeneous(x1), homogeneous(x2)
	fx1 := mulVec(f, h1)
	ftx2 := mulVec(f.T(), h2)
	num := h2.Dot(fx1)
	den := fx1.X*fx1.X + fx1.Y*fx1.Y + ftx2.X*ftx2.X + ftx2.Y*ftx2.Y
	if den == 0 {
		return math.Inf(1)
	}
	return math.Abs(num) / math.Sqrt(den)
}
