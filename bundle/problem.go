// Package bundle refines camera poses, intrinsics and 3D points against their reprojection
// residuals.
package bundle

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/spatialmath"
)

// PoseBlock is a world to camera (or world to rig) pose. FixedCenterAxes holds single center
// coordinates of a free pose constant, which fixes the scale of a scene with one constant pose.
type PoseBlock struct {
	Pose            spatialmath.Pose
	Fixed           bool
	FixedCenterAxes [3]bool
}

// IntrinsicBlock is a camera model. The free parameters are the focal length, with the aspect
// ratio kept, the distortion coefficients and, if RefinePrincipalPoint, the principal point.
type IntrinsicBlock struct {
	Camera               *camera.PinholeCameraModel
	Fixed                bool
	RefinePrincipalPoint bool
}

// SubPoseBlock is the pose of a rig camera in its rig frame. RigID and SubPoseID name it in the
// scene and are not used by the solver.
type SubPoseBlock struct {
	PoseBlock
	RigID     sfmdata.Index
	SubPoseID sfmdata.Index
}

// PointBlock is a 3D point.
type PointBlock struct {
	Position r3.Vector
	Fixed    bool
}

// Observation is the measurement of a point by a camera.
type Observation struct {
	PoseID      sfmdata.Index
	IntrinsicID sfmdata.Index
	PointID     sfmdata.Index
	// SubPose keys the block in Problem.SubPoses mapping the frame of PoseID to the camera
	// frame; nil when PoseID is the camera pose.
	SubPose *sfmdata.Index
	Pixel   r2.Point
}

// Problem holds copies of the blocks to refine. A solver writes refined values back into the
// blocks only when it succeeds.
type Problem struct {
	Poses        map[sfmdata.Index]*PoseBlock
	SubPoses     map[sfmdata.Index]*SubPoseBlock
	Intrinsics   map[sfmdata.Index]*IntrinsicBlock
	Points       map[sfmdata.Index]*PointBlock
	Observations []Observation
	// LossThreshold is the pixel residual above which the Huber loss becomes linear. Zero
	// selects a plain squared loss.
	LossThreshold float64
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{
		Poses:      map[sfmdata.Index]*PoseBlock{},
		SubPoses:   map[sfmdata.Index]*SubPoseBlock{},
		Intrinsics: map[sfmdata.Index]*IntrinsicBlock{},
		Points:     map[sfmdata.Index]*PointBlock{},
	}
}

// Validate checks that every observation references existing blocks.
func (p *Problem) Validate() error {
	var errs error
	for i, o := range p.Observations {
		if _, ok := p.Poses[o.PoseID]; !ok {
			errs = multierr.Append(errs, errors.Errorf("observation %d references unknown pose %d", i, o.PoseID))
		}
		if b, ok := p.Intrinsics[o.IntrinsicID]; !ok || b.Camera == nil {
			errs = multierr.Append(errs, errors.Errorf("observation %d references unknown intrinsic %d", i, o.IntrinsicID))
		}
		if _, ok := p.Points[o.PointID]; !ok {
			errs = multierr.Append(errs, errors.Errorf("observation %d references unknown point %d", i, o.PointID))
		}
		if o.SubPose != nil {
			if _, ok := p.SubPoses[*o.SubPose]; !ok {
				errs = multierr.Append(errs, errors.Errorf("observation %d references unknown sub-pose %d", i, *o.SubPose))
			}
		}
	}
	return errs
}

// intrinsicParams returns the free parameters of a camera.
func intrinsicParams(cam *camera.PinholeCameraModel, refinePrincipalPoint bool) []float64 {
	out := []float64{cam.Fx}
	if refinePrincipalPoint {
		out = append(out, cam.Ppx, cam.Ppy)
	}
	if cam.Distortion != nil {
		out = append(out, cam.Distortion.Parameters()...)
	}
	return out
}

// setIntrinsicParams is the inverse of intrinsicParams. fy follows fx through aspect.
func setIntrinsicParams(cam *camera.PinholeCameraModel, refinePrincipalPoint bool, aspect float64, x []float64) error {
	all := cam.Params()
	all[0], all[1] = x[0], x[0]*aspect
	rest := x[1:]
	if refinePrincipalPoint {
		all[2], all[3] = rest[0], rest[1]
		rest = rest[2:]
	}
	copy(all[4:], rest)
	return cam.SetParams(all)
}

// huber returns the robust cost of a squared residual s and the weight of the residual in the
// reweighted normal equations.
func huber(s, threshold float64) (float64, float64) {
	if threshold <= 0 || s <= threshold*threshold {
		return s, 1
	}
	r := math.Sqrt(s)
	return 2*threshold*r - threshold*threshold, threshold / r
}

// project returns the pixel projection of x.
func project(pose spatialmath.Pose, sub *spatialmath.Pose, cam *camera.PinholeCameraModel, x r3.Vector) r2.Point {
	if sub != nil {
		pose = sub.Compose(pose)
	}
	return cam.Project(pose, x)
}

// Residuals returns the pixel residual norm of every observation at the current block values.
func (p *Problem) Residuals() []float64 {
	out := make([]float64, len(p.Observations))
	for i, o := range p.Observations {
		var sub *spatialmath.Pose
		if o.SubPose != nil {
			sub = &p.SubPoses[*o.SubPose].Pose
		}
		px := project(p.Poses[o.PoseID].Pose, sub, p.Intrinsics[o.IntrinsicID].Camera, p.Points[o.PointID].Position)
		out[i] = px.Sub(o.Pixel).Norm()
	}
	return out
}
