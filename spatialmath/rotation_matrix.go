package spatialmath

import (
	"encoding/json"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

const orthonormalTolerance = 1e-6

// RotationMatrix is a 3x3 rotation stored in row-major order.
type RotationMatrix struct {
	mat [9]float64
}

// NewRotationMatrix creates the rotation matrix from a row-major slice. It errors if the
// matrix is not a proper rotation (orthonormal, determinant +1).
func NewRotationMatrix(m []float64) (RotationMatrix, error) {
	if len(m) != 9 {
		return RotationMatrix{}, errors.Errorf("rotation matrix needs 9 values, got %d", len(m))
	}
	var rm RotationMatrix
	copy(rm.mat[:], m)
	if err := rm.CheckValid(); err != nil {
		return RotationMatrix{}, err
	}
	return rm, nil
}

// NewRotationMatrixFromDense creates a rotation from a 3x3 gonum matrix.
func NewRotationMatrixFromDense(m mat.Matrix) (RotationMatrix, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return RotationMatrix{}, errors.Errorf("rotation matrix must be 3x3, got %dx%d", r, c)
	}
	vals := make([]float64, 0, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			vals = append(vals, m.At(i, j))
		}
	}
	return NewRotationMatrix(vals)
}

// IdentityRotation returns the identity rotation.
func IdentityRotation() RotationMatrix {
	return RotationMatrix{mat: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// CheckValid returns an error if the matrix is not a proper rotation.
func (rm RotationMatrix) CheckValid() error {
	d := mat.NewDense(3, 3, rm.Values())
	var rrt mat.Dense
	rrt.Mul(d, d.T())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.
			if i == j {
				want = 1
			}
			if math.Abs(rrt.At(i, j)-want) > orthonormalTolerance {
				return errors.New("rotation matrix is not orthonormal")
			}
		}
	}
	if det := mat.Det(d); math.Abs(det-1) > orthonormalTolerance {
		return errors.Errorf("rotation matrix determinant is %f, expected 1", det)
	}
	return nil
}

// At returns the value at row, col.
func (rm RotationMatrix) At(row, col int) float64 {
	return rm.mat[row*3+col]
}

// Values returns a row-major copy of the matrix.
func (rm RotationMatrix) Values() []float64 {
	out := make([]float64, 9)
	copy(out, rm.mat[:])
	return out
}

// Dense returns the matrix as a gonum matrix.
func (rm RotationMatrix) Dense() *mat.Dense {
	return mat.NewDense(3, 3, rm.Values())
}

// Row returns the given row as a vector.
func (rm RotationMatrix) Row(row int) r3.Vector {
	return r3.Vector{X: rm.mat[row*3], Y: rm.mat[row*3+1], Z: rm.mat[row*3+2]}
}

// Mul applies the rotation to v.
func (rm RotationMatrix) Mul(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rm.mat[0]*v.X + rm.mat[1]*v.Y + rm.mat[2]*v.Z,
		Y: rm.mat[3]*v.X + rm.mat[4]*v.Y + rm.mat[5]*v.Z,
		Z: rm.mat[6]*v.X + rm.mat[7]*v.Y + rm.mat[8]*v.Z,
	}
}

// MulT applies the transposed (inverse) rotation to v.
func (rm RotationMatrix) MulT(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rm.mat[0]*v.X + rm.mat[3]*v.Y + rm.mat[6]*v.Z,
		Y: rm.mat[1]*v.X + rm.mat[4]*v.Y + rm.mat[7]*v.Z,
		Z: rm.mat[2]*v.X + rm.mat[5]*v.Y + rm.mat[8]*v.Z,
	}
}

// Compose returns rm * other, i.e. other is applied first.
func (rm RotationMatrix) Compose(other RotationMatrix) RotationMatrix {
	var out RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += rm.mat[i*3+k] * other.mat[k*3+j]
			}
			out.mat[i*3+j] = sum
		}
	}
	return out
}

// Transpose returns the inverse rotation.
func (rm RotationMatrix) Transpose() RotationMatrix {
	var out RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.mat[j*3+i] = rm.mat[i*3+j]
		}
	}
	return out
}

// Quaternion returns the rotation as a unit quaternion with non-negative real part.
// See: https://www.euclideanspace.com/maths/geometry/rotations/conversions/matrixToQuaternion/
func (rm RotationMatrix) Quaternion() quat.Number {
	m := rm.mat
	trace := m[0] + m[4] + m[8]
	var q quat.Number
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m[7] - m[5]) * s, Jmag: (m[2] - m[6]) * s, Kmag: (m[3] - m[1]) * s}
	case m[0] > m[4] && m[0] > m[8]:
		s := 2 * math.Sqrt(1+m[0]-m[4]-m[8])
		q = quat.Number{Real: (m[7] - m[5]) / s, Imag: 0.25 * s, Jmag: (m[1] + m[3]) / s, Kmag: (m[2] + m[6]) / s}
	case m[4] > m[8]:
		s := 2 * math.Sqrt(1+m[4]-m[0]-m[8])
		q = quat.Number{Real: (m[2] - m[6]) / s, Imag: (m[1] + m[3]) / s, Jmag: 0.25 * s, Kmag: (m[5] + m[7]) / s}
	default:
		s := 2 * math.Sqrt(1+m[8]-m[0]-m[4])
		q = quat.Number{Real: (m[3] - m[1]) / s, Imag: (m[2] + m[6]) / s, Jmag: (m[5] + m[7]) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return quat.Scale(1/quat.Abs(q), q)
}

// AxisAngles returns the rotation in R4 axis angle representation.
func (rm RotationMatrix) AxisAngles() *R4AA {
	return QuatToR4AA(rm.Quaternion())
}

// AngleTo returns the geodesic distance between the two rotations, in radians.
func (rm RotationMatrix) AngleTo(other RotationMatrix) float64 {
	return rm.Transpose().Compose(other).AxisAngles().Theta
}

// QuatToRotationMatrix converts a quaternion to a rotation matrix.
func QuatToRotationMatrix(q quat.Number) RotationMatrix {
	q = quat.Scale(1/quat.Abs(q), q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return RotationMatrix{mat: [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}}
}

// MarshalJSON encodes the matrix as a flat row-major array.
func (rm RotationMatrix) MarshalJSON() ([]byte, error) {
	return json.Marshal(rm.mat)
}

// UnmarshalJSON decodes a flat row-major array and validates it.
func (rm *RotationMatrix) UnmarshalJSON(data []byte) error {
	var vals []float64
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}
	parsed, err := NewRotationMatrix(vals)
	if err != nil {
		return err
	}
	*rm = parsed
	return nil
}
