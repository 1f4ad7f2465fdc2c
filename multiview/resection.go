package multiview

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/spatialmath"
)

// planarityRatio is the ratio of the smallest to the largest spread of a point set below which
// the set is treated as planar.
const planarityRatio = 1e-3

// ResectionModel is a camera pose and the camera model it was estimated with.
type ResectionModel struct {
	Pose   spatialmath.Pose
	Camera *camera.PinholeCameraModel
}

// ResectionKernel estimates the pose of a camera from 2D-3D correspondences. When Camera is nil
// the intrinsics are estimated too, with the principal point at the image center.
type ResectionKernel struct {
	Points []r3.Vector
	Pixels []r2.Point
	Camera *camera.PinholeCameraModel
	// Width and Height of the image, used when Camera is nil.
	Width, Height int

	normalized []r2.Point
}

// NewResectionKernel precomputes normalized observations when the camera is known.
func NewResectionKernel(points []r3.Vector, pixels []r2.Point, cam *camera.PinholeCameraModel, width, height int) *ResectionKernel {
	k := &ResectionKernel{Points: points, Pixels: pixels, Camera: cam, Width: width, Height: height}
	if cam != nil {
		k.normalized = make([]r2.Point, len(pixels))
		for i, p := range pixels {
			k.normalized[i] = cam.Normalize(p)
		}
	}
	return k
}

// MinimumSamples is the six point DLT sample size.
func (k *ResectionKernel) MinimumSamples() int { return 6 }

// NumSamples is the number of correspondences.
func (k *ResectionKernel) NumSamples() int { return len(k.Points) }

// Fit estimates the camera from the sampled correspondences.
func (k *ResectionKernel) Fit(sample []int) ([]ResectionModel, error) {
	pts := make([]r3.Vector, len(sample))
	for i, j := range sample {
		pts[i] = k.Points[j]
	}
	if k.Camera != nil {
		pose, err := ResectCalibrated(pts, gather(k.normalized, sample))
		if err != nil {
			return nil, err
		}
		return []ResectionModel{{Pose: pose, Camera: k.Camera}}, nil
	}
	p, err := ResectDLT(pts, gather(k.Pixels, sample))
	if err != nil {
		return nil, err
	}
	kmat, pose, err := DecomposeProjectionMatrix(p)
	if err != nil {
		return nil, err
	}
	focal := 0.5 * (kmat.At(0, 0) + kmat.At(1, 1))
	if focal <= 0 || math.IsNaN(focal) {
		return nil, ErrDegenerate
	}
	cam := camera.NewPinholeCameraModel(&camera.PinholeCameraIntrinsics{
		Width: k.Width, Height: k.Height,
		Fx: focal, Fy: focal,
		Ppx: float64(k.Width) / 2, Ppy: float64(k.Height) / 2,
	}, nil)
	cam.Initialization = camera.InitEstimated
	return []ResectionModel{{Pose: pose, Camera: cam}}, nil
}

// Error is the pixel reprojection error of correspondence i.
func (k *ResectionKernel) Error(m ResectionModel, i int) float64 {
	return m.Camera.ResidualNorm(m.Pose, k.Points[i], k.Pixels[i])
}

// ResectCalibrated estimates a pose from 3D points and normalized image points. Planar point sets
// go through a plane homography, general ones through the linear projection matrix.
func ResectCalibrated(points []r3.Vector, normalized []r2.Point) (spatialmath.Pose, error) {
	if len(points) != len(normalized) {
		return spatialmath.Pose{}, errors.New("need one image point per 3D point")
	}
	if len(points) < 4 {
		return spatialmath.Pose{}, errors.Wrapf(ErrDegenerate, "only %d points", len(points))
	}
	c, basis, ratio, err := planeFit(points)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	if ratio < planarityRatio {
		return resectPlanar(points, normalized, c, basis)
	}
	if len(points) < 6 {
		return spatialmath.Pose{}, errors.Wrapf(ErrDegenerate, "only %d non coplanar points", len(points))
	}
	p, err := ResectDLT(points, normalized)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	m := p.Slice(0, 3, 0, 3)
	det := mat.Det(m)
	if math.Abs(det) < 1e-15 {
		return spatialmath.Pose{}, ErrDegenerate
	}
	s := math.Copysign(1, det)
	var ms mat.Dense
	ms.Scale(s, m)
	r, err := closestRotation(&ms)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	scale := math.Cbrt(math.Abs(det))
	t := r3.Vector{X: p.At(0, 3), Y: p.At(1, 3), Z: p.At(2, 3)}.Mul(s / scale)
	rot, err := spatialmath.NewRotationMatrixFromDense(r)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	return spatialmath.NewPoseFromTranslation(rot, t), nil
}

// resectPlanar recovers the pose from the homography between plane coordinates and the image.
func resectPlanar(points []r3.Vector, normalized []r2.Point, c r3.Vector, basis [3]r3.Vector) (spatialmath.Pose, error) {
	planar := make([]r2.Point, len(points))
	for i, p := range points {
		d := p.Sub(c)
		planar[i] = r2.Point{X: d.Dot(basis[0]), Y: d.Dot(basis[1])}
	}
	h, err := EstimateHomography(planar, normalized)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	h1 := r3.Vector{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}
	h2 := r3.Vector{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}
	h3 := r3.Vector{X: h.At(0, 2), Y: h.At(1, 2), Z: h.At(2, 2)}
	lambda := 0.5 * (h1.Norm() + h2.Norm())
	if lambda < 1e-15 {
		return spatialmath.Pose{}, ErrDegenerate
	}
	// the plane centroid must be in front of the camera
	if h3.Z < 0 {
		lambda = -lambda
	}
	r1, r2v, tp := h1.Mul(1/lambda), h2.Mul(1/lambda), h3.Mul(1/lambda)
	r3v := r1.Cross(r2v)
	rp := mat.NewDense(3, 3, []float64{
		r1.X, r2v.X, r3v.X,
		r1.Y, r2v.Y, r3v.Y,
		r1.Z, r2v.Z, r3v.Z,
	})
	rPlane, err := closestRotation(rp)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	b := mat.NewDense(3, 3, []float64{
		basis[0].X, basis[1].X, basis[2].X,
		basis[0].Y, basis[1].Y, basis[2].Y,
		basis[0].Z, basis[1].Z, basis[2].Z,
	})
	var r mat.Dense
	r.Mul(rPlane, b.T())
	rot, err := spatialmath.NewRotationMatrixFromDense(&r)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	t := tp.Sub(rot.Mul(c))
	return spatialmath.NewPoseFromTranslation(rot, t), nil
}

// ResectDLT estimates the 3x4 projection matrix x ~ P X from at least 6 correspondences.
func ResectDLT(points []r3.Vector, image []r2.Point) (*mat.Dense, error) {
	if len(points) != len(image) {
		return nil, errors.New("need one image point per 3D point")
	}
	if len(points) < 6 {
		return nil, errors.Wrapf(ErrDegenerate, "DLT needs 6 points, got %d", len(points))
	}
	img, T2 := normalizePoints(image)
	pts, T3 := normalizePoints3D(points)
	a := mat.NewDense(2*len(pts), 12, nil)
	for i, X := range pts {
		x, y := img[i].X, img[i].Y
		a.SetRow(2*i, []float64{X.X, X.Y, X.Z, 1, 0, 0, 0, 0, -x * X.X, -x * X.Y, -x * X.Z, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, X.X, X.Y, X.Z, 1, -y * X.X, -y * X.Y, -y * X.Z, -y})
	}
	v, err := nullVector(a)
	if err != nil {
		return nil, err
	}
	pn := mat.NewDense(3, 4, v)
	var t2Inv mat.Dense
	if err := t2Inv.Inverse(T2); err != nil {
		return nil, errors.Wrap(err, "cannot invert normalization")
	}
	var p mat.Dense
	p.Mul(&t2Inv, pn)
	p.Mul(&p, T3)
	return &p, nil
}

// normalizePoints3D centers the points and scales their mean distance to sqrt(3).
func normalizePoints3D(pts []r3.Vector) ([]r3.Vector, *mat.Dense) {
	var c r3.Vector
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))
	d := 0.0
	for _, p := range pts {
		d += p.Sub(c).Norm() / float64(len(pts))
	}
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt(3) / d
	}
	out := make([]r3.Vector, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(c).Mul(scale)
	}
	T := mat.NewDense(4, 4, []float64{
		scale, 0, 0, -scale * c.X,
		0, scale, 0, -scale * c.Y,
		0, 0, scale, -scale * c.Z,
		0, 0, 0, 1,
	})
	return out, T
}

// DecomposeProjectionMatrix splits P = K [R|t] with an upper triangular K of positive diagonal.
func DecomposeProjectionMatrix(p *mat.Dense) (*mat.Dense, spatialmath.Pose, error) {
	m := mat.DenseCopyOf(p.Slice(0, 3, 0, 3))
	p4 := mat.NewVecDense(3, []float64{p.At(0, 3), p.At(1, 3), p.At(2, 3)})
	if mat.Det(m) < 0 {
		m.Scale(-1, m)
		p4.ScaleVec(-1, p4)
	}
	k, r, err := rq3(m)
	if err != nil {
		return nil, spatialmath.Pose{}, err
	}
	var tv mat.VecDense
	if err := tv.SolveVec(k, p4); err != nil {
		return nil, spatialmath.Pose{}, errors.Wrap(ErrDegenerate, err.Error())
	}
	k.Scale(1/k.At(2, 2), k)
	rot, err := spatialmath.NewRotationMatrixFromDense(r)
	if err != nil {
		return nil, spatialmath.Pose{}, err
	}
	t := r3.Vector{X: tv.AtVec(0), Y: tv.AtVec(1), Z: tv.AtVec(2)}
	return k, spatialmath.NewPoseFromTranslation(rot, t), nil
}

// rq3 factors a 3x3 matrix m = K R with K upper triangular with positive diagonal and R orthonormal.
func rq3(m *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	e := mat.NewDense(3, 3, []float64{0, 0, 1, 0, 1, 0, 1, 0, 0})
	// (E m)^T = Q R  =>  m = (E R^T E) (E Q^T)
	var emT mat.Dense
	emT.Mul(e, m)
	var qr mat.QR
	qr.Factorize(emT.T())
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	var k, rot mat.Dense
	k.Mul(e, r.T())
	k.Mul(&k, e)
	rot.Mul(e, q.T())

	d := eye(3)
	for i := 0; i < 3; i++ {
		if k.At(i, i) < 0 {
			d.Set(i, i, -1)
		}
		if k.At(i, i) == 0 {
			return nil, nil, ErrDegenerate
		}
	}
	k.Mul(&k, d)
	rot.Mul(d, &rot)
	return &k, &rot, nil
}

// RefineResection minimizes the squared reprojection error of the inliers over the pose and,
// when refineFocal is set, a shared focal length.
func RefineResection(points []r3.Vector, pixels []r2.Point, model ResectionModel, refineFocal bool) (ResectionModel, error) {
	if len(points) == 0 {
		return model, errors.New("nothing to refine")
	}
	base := model.Camera.Clone()
	x0 := make([]float64, 0, 7)
	aa := spatialmath.RotationToR3(model.Pose.Rotation)
	x0 = append(x0, aa.X, aa.Y, aa.Z, model.Pose.Center.X, model.Pose.Center.Y, model.Pose.Center.Z)
	if refineFocal {
		x0 = append(x0, base.Fx)
	}
	decode := func(x []float64) (spatialmath.Pose, *camera.PinholeCameraModel) {
		pose := spatialmath.NewPose(spatialmath.RotationFromR3(r3.Vector{X: x[0], Y: x[1], Z: x[2]}), r3.Vector{X: x[3], Y: x[4], Z: x[5]})
		cam := base
		if refineFocal {
			cam = base.Clone()
			cam.Fx, cam.Fy = x[6], x[6]
		}
		return pose, cam
	}
	cost := func(x []float64) float64 {
		pose, cam := decode(x)
		var sum float64
		for i, p := range points {
			pc := pose.Apply(p)
			if pc.Z <= 0 {
				return math.Inf(1)
			}
			r := pixels[i].Sub(cam.ProjectNormalized(pc))
			sum += r.X*r.X + r.Y*r.Y
		}
		return sum / float64(len(points))
	}
	initial := cost(x0)
	if math.IsInf(initial, 1) {
		return model, errors.Wrap(ErrDegenerate, "points behind the camera")
	}
	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		MajorIterations: 200,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-10,
			Iterations: 10,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if err != nil && result == nil {
		return model, errors.Wrap(err, "pose refinement failed")
	}
	if result == nil || math.IsNaN(result.F) || result.F > initial {
		return model, nil
	}
	pose, cam := decode(result.X)
	return ResectionModel{Pose: pose, Camera: cam}, nil
}
