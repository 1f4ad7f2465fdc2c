package sfm

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/spatialmath"
	"go.viam.com/sfm/utils"
)

// ErrorStats summarizes a set of errors.
type ErrorStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Max    float64 `json:"max"`
}

// Evaluation compares a reconstruction with a ground truth once both are expressed in the ground
// truth frame.
type Evaluation struct {
	// Compared are the views posed in both scenes.
	Compared []sfmdata.Index `json:"compared"`
	// Missing are the views posed only in the ground truth.
	Missing []sfmdata.Index `json:"missing"`
	Scale   float64         `json:"scale"`
	// RotationErrors are in degrees.
	RotationErrors ErrorStats `json:"rotation_errors_deg"`
	PositionErrors ErrorStats `json:"position_errors"`
}

// Similarity maps x to Scale * Rotation * x + Translation.
type Similarity struct {
	Scale       float64
	Rotation    spatialmath.RotationMatrix
	Translation r3.Vector
}

// Apply transforms a point.
func (s Similarity) Apply(x r3.Vector) r3.Vector {
	return s.Rotation.Mul(x).Mul(s.Scale).Add(s.Translation)
}

// ApplyPose moves a world to camera pose into the target frame of the similarity.
func (s Similarity) ApplyPose(p spatialmath.Pose) spatialmath.Pose {
	return spatialmath.NewPose(p.Rotation.Compose(s.Rotation.Transpose()), s.Apply(p.Center))
}

// FindSimilarity returns the least squares similarity mapping src onto dst (Umeyama).
func FindSimilarity(src, dst []r3.Vector) (Similarity, error) {
	if len(src) != len(dst) {
		return Similarity{}, errors.Errorf("point count mismatch %d != %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return Similarity{}, errors.Errorf("need at least 3 points, got %d", len(src))
	}
	n := float64(len(src))
	var muSrc, muDst r3.Vector
	for i := range src {
		muSrc = muSrc.Add(src[i])
		muDst = muDst.Add(dst[i])
	}
	muSrc = muSrc.Mul(1 / n)
	muDst = muDst.Mul(1 / n)

	cov := mat.NewDense(3, 3, nil)
	var varSrc float64
	for i := range src {
		a := dst[i].Sub(muDst)
		b := src[i].Sub(muSrc)
		varSrc += b.Norm2()
		av := []float64{a.X, a.Y, a.Z}
		bv := []float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov.Set(r, c, cov.At(r, c)+av[r]*bv[c]/n)
			}
		}
	}
	varSrc /= n
	if varSrc < 1e-12 {
		return Similarity{}, errors.New("source points are coincident")
	}

	var svd mat.SVD
	if !svd.Factorize(cov, mat.SVDFull) {
		return Similarity{}, errors.New("cannot factorize covariance")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := svd.Values(nil)
	sign := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign = -1
	}
	if d[1] < 1e-12*d[0] {
		return Similarity{}, errors.New("points are collinear")
	}
	s := mat.NewDiagDense(3, []float64{1, 1, sign})
	var rot mat.Dense
	rot.Product(&u, s, v.T())
	rm, err := spatialmath.NewRotationMatrixFromDense(&rot)
	if err != nil {
		return Similarity{}, err
	}
	scale := (d[0] + d[1] + sign*d[2]) / varSrc
	return Similarity{
		Scale:       scale,
		Rotation:    rm,
		Translation: muDst.Sub(rm.Mul(muSrc).Mul(scale)),
	}, nil
}

// EvaluateToGroundTruth aligns the camera centers of est onto those of gt and measures the pose
// errors of the views posed in both. Views are matched by id. When the centers are collinear the
// rotation of the alignment comes from the camera orientations.
func EvaluateToGroundTruth(gt, est *sfmdata.SfMData) (Evaluation, error) {
	var eval Evaluation
	var src, dst []r3.Vector
	var estPoses, gtPoses []spatialmath.Pose
	for _, id := range gt.ValidViews() {
		gtPose, _ := gt.Pose(gt.Views[id])
		v, ok := est.Views[id]
		if !ok || !est.IsPoseAndIntrinsicDefined(v) {
			eval.Missing = append(eval.Missing, id)
			continue
		}
		estPose, _ := est.Pose(v)
		eval.Compared = append(eval.Compared, id)
		src = append(src, estPose.Center)
		dst = append(dst, gtPose.Center)
		estPoses = append(estPoses, estPose)
		gtPoses = append(gtPoses, gtPose)
	}
	sim, err := FindSimilarity(src, dst)
	if err != nil && len(src) >= 2 {
		// centers on a line leave the rotation about it free; the orientations resolve it
		sim, err = alignFromPoses(estPoses, gtPoses)
	}
	if err != nil {
		return eval, errors.Wrap(err, "cannot align reconstruction to ground truth")
	}
	eval.Scale = sim.Scale

	rotErrs := make([]float64, len(estPoses))
	posErrs := make([]float64, len(estPoses))
	for i := range estPoses {
		rotErrs[i], posErrs[i] = poseDistance(sim.ApplyPose(estPoses[i]), gtPoses[i])
	}
	eval.RotationErrors = summarizeErrors(rotErrs)
	eval.PositionErrors = summarizeErrors(posErrs)
	return eval, nil
}

// alignFromPoses returns the similarity whose rotation is the chordal mean of the relative camera
// orientations and whose scale and translation fit the centers.
func alignFromPoses(src, dst []spatialmath.Pose) (Similarity, error) {
	if len(src) != len(dst) || len(src) < 2 {
		return Similarity{}, errors.Errorf("need at least 2 matching poses, got %d and %d", len(src), len(dst))
	}
	sum := mat.NewDense(3, 3, nil)
	for i := range src {
		r := dst[i].Rotation.Transpose().Compose(src[i].Rotation)
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				sum.Set(a, b, sum.At(a, b)+r.At(a, b))
			}
		}
	}
	var svd mat.SVD
	if !svd.Factorize(sum, mat.SVDFull) {
		return Similarity{}, errors.New("cannot factorize orientation sum")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sign := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign = -1
	}
	var rot mat.Dense
	rot.Product(&u, mat.NewDiagDense(3, []float64{1, 1, sign}), v.T())
	rm, err := spatialmath.NewRotationMatrixFromDense(&rot)
	if err != nil {
		return Similarity{}, err
	}

	var muSrc, muDst r3.Vector
	for i := range src {
		muSrc = muSrc.Add(src[i].Center)
		muDst = muDst.Add(dst[i].Center)
	}
	muSrc = muSrc.Mul(1 / float64(len(src)))
	muDst = muDst.Mul(1 / float64(len(dst)))
	var num, den float64
	for i := range src {
		a := rm.Mul(src[i].Center.Sub(muSrc))
		num += a.Dot(dst[i].Center.Sub(muDst))
		den += a.Norm2()
	}
	if den < 1e-12 {
		return Similarity{}, errors.New("source centers are coincident")
	}
	scale := num / den
	if scale <= 0 {
		return Similarity{}, errors.Errorf("centers give a non positive scale %g", scale)
	}
	return Similarity{
		Scale:       scale,
		Rotation:    rm,
		Translation: muDst.Sub(rm.Mul(muSrc).Mul(scale)),
	}, nil
}

func summarizeErrors(values []float64) ErrorStats {
	if len(values) == 0 {
		return ErrorStats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return ErrorStats{
		Mean:   stat.Mean(sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Max:    sorted[len(sorted)-1],
	}
}

// poseDistance returns the rotation angle in degrees and center distance between two poses.
func poseDistance(a, b spatialmath.Pose) (float64, float64) {
	return utils.RadToDeg(math.Abs(a.Rotation.AngleTo(b.Rotation))), a.Center.Sub(b.Center).Norm()
}
