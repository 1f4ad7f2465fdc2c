package camera

// BrownConrady is the forward Brown-Conrady lens model with three radial and two tangential
// coefficients:
//
//	x_d = x_u * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p1*x_u*y_u + p2*(r² + 2*x_u²)
//	y_d = y_u * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p2*x_u*y_u + p1*(r² + 2*y_u²)
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// NewBrownConrady takes in a slice of floats that will be passed into the struct in order.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	p, err := padParameters(inp, 5)
	if err != nil {
		return nil, err
	}
	return &BrownConrady{p[0], p[1], p[2], p[3], p[4]}, nil
}

// CheckValid checks if the fields for BrownConrady have valid inputs.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion_parameters not provided")
	}
	return nil
}

// ModelType returns the type of distortion model.
func (bc *BrownConrady) ModelType() DistortionType {
	return BrownConradyDistortionType
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// Transform distorts an undistorted normalized point.
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2
	radDist := 1.0 + bc.RadialK1*r2 + bc.RadialK2*r4 + bc.RadialK3*r6
	xd := x*radDist + 2.0*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2.0*x*x)
	yd := y*radDist + 2.0*bc.TangentialP2*x*y + bc.TangentialP1*(r2+2.0*y*y)
	return xd, yd
}

// Inverse returns the model that undoes this distortion.
func (bc *BrownConrady) Inverse() *InverseBrownConrady {
	if bc == nil {
		return nil
	}
	return &InverseBrownConrady{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// InverseBrownConrady applies the inverse of the Brown-Conrady distortion model.
// Given distorted points, it computes the corresponding undistorted points using
// an iterative Newton-Raphson method.
type InverseBrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// NewInverseBrownConrady takes in a slice of floats that will be passed into the struct in order.
func NewInverseBrownConrady(inp []float64) (*InverseBrownConrady, error) {
	p, err := padParameters(inp, 5)
	if err != nil {
		return nil, err
	}
	return &InverseBrownConrady{p[0], p[1], p[2], p[3], p[4]}, nil
}

// CheckValid checks if the fields for InverseBrownConrady have valid inputs.
func (ibc *InverseBrownConrady) CheckValid() error {
	if ibc == nil {
		return InvalidDistortionError("InverseBrownConrady shaped distortion_parameters not provided")
	}
	return nil
}

// ModelType returns the type of distortion model.
func (ibc *InverseBrownConrady) ModelType() DistortionType {
	return InverseBrownConradyDistortionType
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (ibc *InverseBrownConrady) Parameters() []float64 {
	if ibc == nil {
		return []float64{}
	}
	return []float64{ibc.RadialK1, ibc.RadialK2, ibc.RadialK3, ibc.TangentialP1, ibc.TangentialP2}
}

// Transform solves for the undistorted point (x_u, y_u) that the forward model maps to (xd, yd).
func (ibc *InverseBrownConrady) Transform(xd, yd float64) (float64, float64) {
	if ibc == nil {
		return xd, yd
	}

	xu, yu := xd, yd

	const maxIterations = 20
	const tolerance = 1e-10

	for i := 0; i < maxIterations; i++ {
		r2 := xu*xu + yu*yu
		r4 := r2 * r2
		r6 := r4 * r2

		radDist := 1.0 + ibc.RadialK1*r2 + ibc.RadialK2*r4 + ibc.RadialK3*r6
		tanDistX := 2.0*ibc.TangentialP1*xu*yu + ibc.TangentialP2*(r2+2.0*xu*xu)
		tanDistY := 2.0*ibc.TangentialP2*xu*yu + ibc.TangentialP1*(r2+2.0*yu*yu)

		errX := xu*radDist + tanDistX - xd
		errY := yu*radDist + tanDistY - yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		// J = [[dxd/dxu, dxd/dyu], [dyd/dxu, dyd/dyu]]
		dRad := ibc.RadialK1 + 2.0*ibc.RadialK2*r2 + 3.0*ibc.RadialK3*r4
		dxdDxu := radDist + 2.0*xu*xu*dRad + 2.0*ibc.TangentialP1*yu + 6.0*ibc.TangentialP2*xu
		dxdDyu := 2.0*xu*yu*dRad + 2.0*ibc.TangentialP1*xu + 2.0*ibc.TangentialP2*yu
		dydDxu := 2.0*xu*yu*dRad + 2.0*ibc.TangentialP2*yu + 2.0*ibc.TangentialP1*xu
		dydDyu := radDist + 2.0*yu*yu*dRad + 2.0*ibc.TangentialP2*xu + 6.0*ibc.TangentialP1*yu

		det := dxdDxu*dydDyu - dxdDyu*dydDxu
		if det == 0 {
			break
		}
		xu -= (dydDyu*errX - dxdDyu*errY) / det
		yu -= (-dydDxu*errX + dxdDxu*errY) / det
	}

	return xu, yu
}
