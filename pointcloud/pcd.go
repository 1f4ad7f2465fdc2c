// Package pointcloud exports reconstructed structure as PCD point clouds.
package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/sfm/sfmdata"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
)

// CameraColor is the color of exported camera centers.
var CameraColor = color.NRGBA{R: 0, G: 255, B: 0, A: 255}

// Point is a colored point of a cloud.
type Point struct {
	Position r3.Vector
	Color    color.NRGBA
}

// LandmarkPoints returns the landmarks of a scene, in id order, followed by the centers of the
// reconstructed views when withCameras is set.
func LandmarkPoints(data *sfmdata.SfMData, withCameras bool) []Point {
	out := make([]Point, 0, len(data.Landmarks))
	for _, id := range data.LandmarkIDs() {
		l := data.Landmarks[id]
		out = append(out, Point{
			Position: l.Position,
			Color:    color.NRGBA{R: l.Color[0], G: l.Color[1], B: l.Color[2], A: 255},
		})
	}
	if withCameras {
		for _, id := range data.ValidViews() {
			pose, _ := data.Pose(data.Views[id])
			out = append(out, Point{Position: pose.Center, Color: CameraColor})
		}
	}
	return out
}

// WriteLandmarksPCD writes the landmarks and camera centers of a scene as a colored PCD cloud.
func WriteLandmarksPCD(out io.Writer, data *sfmdata.SfMData, outputType PCDType) error {
	return WritePCD(LandmarkPoints(data, true), out, outputType)
}

func colorToPCDInt(c color.NRGBA) int {
	x := 0
	x |= (int(c.R) << 16)
	x |= (int(c.G) << 8)
	x |= (int(c.B) << 0)
	return x
}

func pcdIntToColor(c int) color.NRGBA {
	r := uint8(0xFF & (c >> 16))
	g := uint8(0xFF & (c >> 8))
	b := uint8(0xFF & (c >> 0))
	return color.NRGBA{r, g, b, 255}
}

// WritePCD writes colored points in the given format.
func WritePCD(points []Point, out io.Writer, outputType PCDType) error {
	var data string
	switch outputType {
	case PCDAscii:
		data = "ascii"
	case PCDBinary:
		data = "binary"
	default:
		return errors.Errorf("unsupported PCD type %d", outputType)
	}
	if _, err := fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS x y z rgb\n"+
		"SIZE 4 4 4 4\n"+
		"TYPE F F F I\n"+
		"COUNT 1 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n", len(points), len(points), data); err != nil {
		return err
	}
	buf := make([]byte, 16)
	for _, p := range points {
		var err error
		c := colorToPCDInt(p.Color)
		switch outputType {
		case PCDBinary:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(p.Position.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Position.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Position.Z)))
			binary.LittleEndian.PutUint32(buf[12:], uint32(c))
			_, err = out.Write(buf)
		case PCDAscii:
			_, err = fmt.Fprintf(out, "%f %f %f %d\n", p.Position.X, p.Position.Y, p.Position.Z, c)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadPCD reads a cloud written by WritePCD.
func ReadPCD(in io.Reader) ([]Point, error) {
	r := bufio.NewReader(in)
	var (
		numPoints = -1
		data      string
	)
	for data == "" {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "truncated PCD header")
		}
		line, _, _ = strings.Cut(line, "#")
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "FIELDS":
			if strings.Join(fields[1:], " ") != "x y z rgb" {
				return nil, errors.Errorf("unsupported PCD fields %v", fields[1:])
			}
		case "POINTS":
			if numPoints, err = strconv.Atoi(fields[1]); err != nil {
				return nil, errors.Wrap(err, "invalid POINTS")
			}
		case "DATA":
			data = fields[1]
		}
	}
	if numPoints < 0 {
		return nil, errors.New("PCD header is missing POINTS")
	}

	out := make([]Point, 0, numPoints)
	switch data {
	case "ascii":
		for i := 0; i < numPoints; i++ {
			line, err := r.ReadString('\n')
			if err != nil && !(errors.Is(err, io.EOF) && line != "") {
				return nil, errors.Wrapf(err, "reading point %d", i)
			}
			fields := strings.Fields(line)
			if len(fields) != 4 {
				return nil, errors.Errorf("point %d has %d fields", i, len(fields))
			}
			var v [3]float64
			for j := range v {
				if v[j], err = strconv.ParseFloat(fields[j], 64); err != nil {
					return nil, err
				}
			}
			c, err := strconv.Atoi(fields[3])
			if err != nil {
				return nil, err
			}
			out = append(out, Point{Position: r3.Vector{X: v[0], Y: v[1], Z: v[2]}, Color: pcdIntToColor(c)})
		}
	case "binary":
		buf := make([]byte, 16)
		for i := 0; i < numPoints; i++ {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, errors.Wrapf(err, "reading point %d", i)
			}
			out = append(out, Point{
				Position: r3.Vector{
					X: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))),
					Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4:]))),
					Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[8:]))),
				},
				Color: pcdIntToColor(int(binary.LittleEndian.Uint32(buf[12:]))),
			})
		}
	default:
		return nil, errors.Errorf("unsupported PCD data %q", data)
	}
	return out, nil
}
