package pointcloud

import (
	"bytes"
	"image/color"
	"strings"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/spatialmath"
)

func testPoints() []Point {
	return []Point{
		{Position: r3.Vector{X: 1.5, Y: -2.25, Z: 3}, Color: color.NRGBA{R: 255, G: 10, B: 1, A: 255}},
		{Position: r3.Vector{X: 0, Y: 0, Z: 0.125}, Color: color.NRGBA{R: 0, G: 0, B: 0, A: 255}},
		{Position: r3.Vector{X: -100, Y: 42, Z: 7.5}, Color: color.NRGBA{R: 20, G: 30, B: 40, A: 255}},
	}
}

func TestPCDRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		typ  PCDType
	}{
		{"ascii", PCDAscii},
		{"binary", PCDBinary},
	} {
		t.Run(tc.name, func(t *testing.T) {
			points := testPoints()
			var buf bytes.Buffer
			test.That(t, WritePCD(points, &buf, tc.typ), test.ShouldBeNil)
			test.That(t, buf.String(), test.ShouldStartWith, "VERSION .7\n")
			test.That(t, buf.String(), test.ShouldContainSubstring, "POINTS 3\n")

			got, err := ReadPCD(&buf)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got, test.ShouldHaveLength, len(points))
			for i, p := range got {
				test.That(t, p.Position.X, test.ShouldAlmostEqual, points[i].Position.X, 1e-5)
				test.That(t, p.Position.Y, test.ShouldAlmostEqual, points[i].Position.Y, 1e-5)
				test.That(t, p.Position.Z, test.ShouldAlmostEqual, points[i].Position.Z, 1e-5)
				test.That(t, p.Color, test.ShouldResemble, points[i].Color)
			}
		})
	}

	var buf bytes.Buffer
	test.That(t, WritePCD(nil, &buf, PCDType(7)), test.ShouldNotBeNil)
}

func TestReadPCDErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
	}{
		{"truncated header", "VERSION .7\nFIELDS x y z rgb\n"},
		{"missing points", "VERSION .7\nFIELDS x y z rgb\nDATA ascii\n"},
		{"other fields", "FIELDS x y z\nPOINTS 1\nDATA ascii\n1 2 3\n"},
		{"compressed", "FIELDS x y z rgb\nPOINTS 1\nDATA binary_compressed\n"},
		{"short ascii", "FIELDS x y z rgb\nPOINTS 2\nDATA ascii\n1 2 3 0\n"},
		{"short binary", "FIELDS x y z rgb\nPOINTS 1\nDATA binary\nabc"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadPCD(strings.NewReader(tc.body))
			test.That(t, err, test.ShouldNotBeNil)
		})
	}
}

func TestLandmarkPoints(t *testing.T) {
	data := sfmdata.New()
	intr := &camera.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
	data.Intrinsics[0] = camera.NewPinholeCameraModel(intr, nil)
	data.Views[0] = sfmdata.NewView(0, 0, 640, 480)
	data.Views[1] = sfmdata.NewView(1, 0, 640, 480)
	center := r3.Vector{X: 1, Y: 0, Z: 0}
	test.That(t, data.SetPose(data.Views[1], spatialmath.NewPose(spatialmath.IdentityRotation(), center)), test.ShouldBeNil)

	l := sfmdata.NewLandmark(r3.Vector{X: 0, Y: 1, Z: 4}, sfmdata.DescTypeSIFT)
	l.Color = [3]uint8{9, 8, 7}
	l.Observations[1] = sfmdata.Observation{Point: r2.Point{X: 100, Y: 100}, FeatureID: 0}
	data.Landmarks[5] = l

	points := LandmarkPoints(data, false)
	test.That(t, points, test.ShouldHaveLength, 1)
	test.That(t, points[0].Color, test.ShouldResemble, color.NRGBA{R: 9, G: 8, B: 7, A: 255})

	points = LandmarkPoints(data, true)
	test.That(t, points, test.ShouldHaveLength, 2)
	test.That(t, points[1].Position, test.ShouldResemble, center)
	test.That(t, points[1].Color, test.ShouldResemble, CameraColor)

	var buf bytes.Buffer
	test.That(t, WriteLandmarksPCD(&buf, data, PCDBinary), test.ShouldBeNil)
	got, err := ReadPCD(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldHaveLength, 2)
}
