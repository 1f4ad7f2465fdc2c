package multiview

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/ransac"
	"go.viam.com/sfm/spatialmath"
)

// EssentialKernel estimates an essential matrix from normalized correspondences. Errors are
// Sampson distances scaled by Focal to approximate pixels.
type EssentialKernel struct {
	X1, X2 []r2.Point
	Focal  float64
}

// MinimumSamples is the eight point sample size.
func (k *EssentialKernel) MinimumSamples() int { return 8 }

// NumSamples is the number of correspondences.
func (k *EssentialKernel) NumSamples() int { return len(k.X1) }

// Fit estimates E from the sampled correspondences.
func (k *EssentialKernel) Fit(sample []int) ([]*mat.Dense, error) {
	x1, x2 := gather(k.X1, sample), gather(k.X2, sample)
	e, err := EstimateEssentialMatrix(x1, x2)
	if err != nil {
		return nil, err
	}
	return []*mat.Dense{e}, nil
}

// Error is the Sampson error of correspondence i.
func (k *EssentialKernel) Error(e *mat.Dense, i int) float64 {
	return SampsonError(e, k.X1[i], k.X2[i]) * k.Focal
}

// HomographyKernel estimates a homography from normalized correspondences. Errors are transfer
// errors in the second image scaled by Focal.
type HomographyKernel struct {
	X1, X2 []r2.Point
	Focal  float64
}

// MinimumSamples is the four point sample size.
func (k *HomographyKernel) MinimumSamples() int { return 4 }

// NumSamples is the number of correspondences.
func (k *HomographyKernel) NumSamples() int { return len(k.X1) }

// Fit estimates H from the sampled correspondences.
func (k *HomographyKernel) Fit(sample []int) ([]*mat.Dense, error) {
	h, err := EstimateHomography(gather(k.X1, sample), gather(k.X2, sample))
	if err != nil {
		return nil, err
	}
	return []*mat.Dense{h}, nil
}

// Error is the transfer error of correspondence i.
func (k *HomographyKernel) Error(h *mat.Dense, i int) float64 {
	return HomographyTransferError(h, k.X1[i], k.X2[i]) * k.Focal
}

func gather(pts []r2.Point, idx []int) []r2.Point {
	out := make([]r2.Point, len(idx))
	for i, j := range idx {
		out[i] = pts[j]
	}
	return out
}

// RelativePose is the motion of a second camera relative to a first camera at the origin.
type RelativePose struct {
	// Pose has a unit norm translation.
	Pose spatialmath.Pose
	// Inliers index the input correspondences that triangulate in front of both cameras
	// with a reprojection error below the threshold.
	Inliers []int
	// Points are the triangulated inliers, in the same order as Inliers.
	Points    []r3.Vector
	MeanError float64
	Model     string
}

// RelativePoseParams configures EstimateRelativePose.
type RelativePoseParams struct {
	// Focal converts normalized errors to pixels.
	Focal float64
	// Threshold is the pixel inlier threshold used to validate candidate motions.
	Threshold float64
	RANSAC    ransac.Params
}

// EstimateRelativePose robustly estimates the relative pose from normalized correspondences. Both
// an essential matrix and a plane induced homography are estimated; every motion they decompose
// into is scored on all correspondences by cheirality and reprojection error, which resolves the
// degeneracy of the essential matrix on planar scenes.
func EstimateRelativePose(ctx context.Context, x1, x2 []r2.Point, params RelativePoseParams) (RelativePose, error) {
	if len(x1) != len(x2) {
		return RelativePose{}, errors.New("the 2 sets of points don't have the same number of elements")
	}
	if len(x1) < 5 {
		return RelativePose{}, errors.Wrapf(ErrDegenerate, "only %d correspondences", len(x1))
	}
	type motion struct {
		pose  spatialmath.Pose
		model string
	}
	var candidates []motion
	var errs error

	if len(x1) >= 8 {
		res, err := ransac.Estimate[*mat.Dense](ctx, &EssentialKernel{X1: x1, X2: x2, Focal: params.Focal}, params.RANSAC)
		if err == nil {
			poses, derr := MotionsFromEssential(res.Model)
			if derr == nil {
				for _, p := range poses {
					candidates = append(candidates, motion{p, "essential"})
				}
			}
			errs = multierr.Combine(errs, derr)
		} else {
			errs = multierr.Combine(errs, errors.Wrap(err, "essential"))
		}
	}
	if err := ctx.Err(); err != nil {
		return RelativePose{}, err
	}
	res, err := ransac.Estimate[*mat.Dense](ctx, &HomographyKernel{X1: x1, X2: x2, Focal: params.Focal}, params.RANSAC)
	if err == nil {
		motions, derr := DecomposeHomography(res.Model)
		if derr == nil {
			for _, m := range motions {
				candidates = append(candidates, motion{m.Pose, "homography"})
			}
		}
		errs = multierr.Combine(errs, derr)
	} else {
		errs = multierr.Combine(errs, errors.Wrap(err, "homography"))
	}
	if len(candidates) == 0 {
		return RelativePose{}, errors.Wrap(multierr.Combine(ErrDegenerate, errs), "no relative motion hypothesis")
	}

	var best *RelativePose
	for _, c := range candidates {
		t := c.pose.Translation()
		if t.Norm() < 1e-9 {
			continue
		}
		pose := spatialmath.NewPoseFromTranslation(c.pose.Rotation, t.Normalize())
		scored := scoreMotion(pose, x1, x2, params.Focal, params.Threshold)
		scored.Model = c.model
		if best == nil || len(scored.Inliers) > len(best.Inliers) ||
			(len(scored.Inliers) == len(best.Inliers) && scored.MeanError < best.MeanError) {
			s := scored
			best = &s
		}
	}
	if best == nil || len(best.Inliers) == 0 {
		return RelativePose{}, errors.Wrap(ErrDegenerate, "no motion places points in front of both cameras")
	}
	return *best, nil
}

// scoreMotion triangulates every correspondence under pose and keeps the valid ones.
func scoreMotion(pose spatialmath.Pose, x1, x2 []r2.Point, focal, threshold float64) RelativePose {
	out := RelativePose{Pose: pose, MeanError: math.Inf(1)}
	first := spatialmath.IdentityPose()
	pts, err := TriangulateTwoView(pose, x1, x2)
	if err != nil {
		return out
	}
	var sum float64
	for i, x := range pts {
		if math.IsNaN(x.X) {
			continue
		}
		e1, ok1 := normalizedReprojection(first, x, x1[i])
		e2, ok2 := normalizedReprojection(pose, x, x2[i])
		if !ok1 || !ok2 {
			continue
		}
		e := math.Max(e1, e2) * focal
		if e > threshold {
			continue
		}
		out.Inliers = append(out.Inliers, i)
		out.Points = append(out.Points, x)
		sum += e
	}
	if len(out.Inliers) > 0 {
		out.MeanError = sum / float64(len(out.Inliers))
	}
	return out
}

// normalizedReprojection returns the reprojection error in normalized coordinates and whether
// the point lies in front of the camera.
func normalizedReprojection(pose spatialmath.Pose, x r3.Vector, obs r2.Point) (float64, bool) {
	pc := pose.Apply(x)
	if pc.Z <= 0 {
		return 0, false
	}
	return r2.Point{X: pc.X / pc.Z, Y: pc.Y / pc.Z}.Sub(obs).Norm(), true
}
