// Package camera defines the pinhole camera model with optional lens distortion used to
// project landmarks into views.
package camera

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/spatialmath"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrapf(ErrNoIntrinsics, "%s", msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width == 0 || params.Height == 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame, ignoring distortion.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	if params == nil {
		return float64(0), float64(0), float64(0)
	}
	xOverZ := (x - params.Ppx) / params.Fx
	yOverZ := (y - params.Ppy) / params.Fy
	return xOverZ * z, yOverZ * z, z
}

// PointToPixel projects a 3D point in the camera frame to sub-pixel image coordinates, ignoring distortion.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z != 0. {
		return (x/z)*params.Fx + params.Ppx, (y/z)*params.Fy + params.Ppy
	}
	// if depth is zero, return negative coordinates so that bounds checks will filter it out
	return -1.0, -1.0
}

// InitializationMode records where the intrinsic values came from.
type InitializationMode string

// Known initialization modes.
const (
	InitCalibrated InitializationMode = "calibrated"
	InitEstimated  InitializationMode = "estimated"
	InitUnknown    InitializationMode = "unknown"
)

// PinholeCameraModel is the model of a pinhole camera.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics
	Distortion Distorter
	// SerialNumber identifies the physical device; intrinsics of the same device may be merged.
	SerialNumber string
	// Locked intrinsics are held constant during refinement.
	Locked         bool
	Initialization InitializationMode
}

// NewPinholeCameraModel returns a model with the given intrinsics and no distortion.
func NewPinholeCameraModel(intrinsics *PinholeCameraIntrinsics, distortion Distorter) *PinholeCameraModel {
	return &PinholeCameraModel{PinholeCameraIntrinsics: intrinsics, Distortion: distortion, Initialization: InitCalibrated}
}

// CheckValid reports whether the model can be used for projection.
func (m *PinholeCameraModel) CheckValid() error {
	if m == nil {
		return NewNoIntrinsicsError("camera model does not exist")
	}
	if err := m.PinholeCameraIntrinsics.CheckValid(); err != nil {
		return err
	}
	if m.Distortion != nil {
		return m.Distortion.CheckValid()
	}
	return nil
}

// IsValid is CheckValid without the reason.
func (m *PinholeCameraModel) IsValid() bool {
	return m.CheckValid() == nil
}

// Clone returns a deep copy of the model.
func (m *PinholeCameraModel) Clone() *PinholeCameraModel {
	if m == nil {
		return nil
	}
	out := *m
	if m.PinholeCameraIntrinsics != nil {
		in := *m.PinholeCameraIntrinsics
		out.PinholeCameraIntrinsics = &in
	}
	if m.Distortion != nil {
		d, err := NewDistorter(m.Distortion.ModelType(), m.Distortion.Parameters())
		if err == nil {
			out.Distortion = d
		}
	}
	return &out
}

// ProjectNormalized maps a camera frame point to pixel coordinates.
func (m *PinholeCameraModel) ProjectNormalized(pc r3.Vector) r2.Point {
	x, y := pc.X/pc.Z, pc.Y/pc.Z
	if m.Distortion != nil {
		x, y = m.Distortion.Transform(x, y)
	}
	return r2.Point{X: x*m.Fx + m.Ppx, Y: y*m.Fy + m.Ppy}
}

// Project maps a world point seen from pose to pixel coordinates.
func (m *PinholeCameraModel) Project(pose spatialmath.Pose, x r3.Vector) r2.Point {
	return m.ProjectNormalized(pose.Apply(x))
}

// Residual returns the reprojection residual observed - projected.
func (m *PinholeCameraModel) Residual(pose spatialmath.Pose, x r3.Vector, observed r2.Point) r2.Point {
	return observed.Sub(m.Project(pose, x))
}

// ResidualNorm returns the pixel reprojection error, or +Inf when the point is behind the camera.
func (m *PinholeCameraModel) ResidualNorm(pose spatialmath.Pose, x r3.Vector, observed r2.Point) float64 {
	pc := pose.Apply(x)
	if pc.Z <= 0 {
		return math.Inf(1)
	}
	return observed.Sub(m.ProjectNormalized(pc)).Norm()
}

// Normalize removes the intrinsic calibration and the lens distortion from a pixel.
func (m *PinholeCameraModel) Normalize(pixel r2.Point) r2.Point {
	x := (pixel.X - m.Ppx) / m.Fx
	y := (pixel.Y - m.Ppy) / m.Fy
	if bc, ok := m.Distortion.(*BrownConrady); ok && bc != nil {
		x, y = bc.Inverse().Transform(x, y)
	}
	return r2.Point{X: x, Y: y}
}

// Bearing returns the unit ray, in the camera frame, through a pixel.
func (m *PinholeCameraModel) Bearing(pixel r2.Point) r3.Vector {
	n := m.Normalize(pixel)
	return r3.Vector{X: n.X, Y: n.Y, Z: 1}.Normalize()
}

// ImageToCameraScale converts a pixel threshold to normalized coordinates.
func (m *PinholeCameraModel) ImageToCameraScale(px float64) float64 {
	return px / (0.5 * (m.Fx + m.Fy))
}

// ProjectionMatrix returns K [R|t] for the given pose.
func (m *PinholeCameraModel) ProjectionMatrix(pose spatialmath.Pose) *mat.Dense {
	var p mat.Dense
	p.Mul(m.GetCameraMatrix(), pose.Matrix34())
	return &p
}

// NumParams is the number of refinable parameters of the model.
func (m *PinholeCameraModel) NumParams() int {
	n := 4
	if m.Distortion != nil {
		n += len(m.Distortion.Parameters())
	}
	return n
}

// Params returns [fx, fy, ppx, ppy, distortion...].
func (m *PinholeCameraModel) Params() []float64 {
	out := []float64{m.Fx, m.Fy, m.Ppx, m.Ppy}
	if m.Distortion != nil {
		out = append(out, m.Distortion.Parameters()...)
	}
	return out
}

// SetParams is the inverse of Params.
func (m *PinholeCameraModel) SetParams(p []float64) error {
	if len(p) != m.NumParams() {
		return errors.Errorf("expected %d camera parameters, got %d", m.NumParams(), len(p))
	}
	m.Fx, m.Fy, m.Ppx, m.Ppy = p[0], p[1], p[2], p[3]
	if m.Distortion != nil {
		d, err := NewDistorter(m.Distortion.ModelType(), p[4:])
		if err != nil {
			return err
		}
		m.Distortion = d
	}
	return nil
}

// AlmostEqual reports whether two models share the device and are numerically indistinguishable:
// focal lengths within relTol relative difference and principal points within pxTol pixels.
func (m *PinholeCameraModel) AlmostEqual(other *PinholeCameraModel, relTol, pxTol float64) bool {
	if m == nil || other == nil || m.PinholeCameraIntrinsics == nil || other.PinholeCameraIntrinsics == nil {
		return false
	}
	if m.SerialNumber != other.SerialNumber || m.Width != other.Width || m.Height != other.Height {
		return false
	}
	rel := func(a, b float64) bool { return math.Abs(a-b) <= relTol*math.Max(math.Abs(a), math.Abs(b)) }
	return rel(m.Fx, other.Fx) && rel(m.Fy, other.Fy) &&
		math.Abs(m.Ppx-other.Ppx) <= pxTol && math.Abs(m.Ppy-other.Ppy) <= pxTol
}

type distortionJSON struct {
	Type       DistortionType `json:"type"`
	Parameters []float64      `json:"parameters"`
}

type pinholeCameraModelJSON struct {
	Intrinsics     *PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion     *distortionJSON          `json:"distortion,omitempty"`
	SerialNumber   string                   `json:"serial_number,omitempty"`
	Locked         bool                     `json:"locked,omitempty"`
	Initialization InitializationMode       `json:"initialization,omitempty"`
}

// MarshalJSON encodes the model with its distortion type and parameters.
func (m *PinholeCameraModel) MarshalJSON() ([]byte, error) {
	out := pinholeCameraModelJSON{
		Intrinsics:     m.PinholeCameraIntrinsics,
		SerialNumber:   m.SerialNumber,
		Locked:         m.Locked,
		Initialization: m.Initialization,
	}
	if m.Distortion != nil {
		out.Distortion = &distortionJSON{Type: m.Distortion.ModelType(), Parameters: m.Distortion.Parameters()}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a model written by MarshalJSON.
func (m *PinholeCameraModel) UnmarshalJSON(data []byte) error {
	var in pinholeCameraModelJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Intrinsics == nil {
		in.Intrinsics = &PinholeCameraIntrinsics{}
	}
	model := PinholeCameraModel{
		PinholeCameraIntrinsics: in.Intrinsics,
		SerialNumber:            in.SerialNumber,
		Locked:                  in.Locked,
		Initialization:          in.Initialization,
	}
	if in.Distortion != nil {
		d, err := NewDistorter(in.Distortion.Type, in.Distortion.Parameters)
		if err != nil {
			return err
		}
		model.Distortion = d
	}
	if model.Initialization == "" {
		model.Initialization = InitUnknown
		if model.PinholeCameraIntrinsics.CheckValid() == nil {
			model.Initialization = InitCalibrated
		}
	}
	*m = model
	return nil
}
