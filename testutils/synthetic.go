// Package testutils generates synthetic reconstruction inputs with known ground truth.
package testutils

import (
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/feature"
	"go.viam.com/sfm/matching"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/spatialmath"
	"go.viam.com/sfm/utils"
)

// SyntheticConfig describes a synthetic scene: cameras along the X axis looking down +Z at points
// spread around the given depth.
type SyntheticConfig struct {
	NumViews  int     `json:"num_views"`
	NumPoints int     `json:"num_points"`
	Baseline  float64 `json:"baseline"`
	Depth     float64 `json:"depth"`
	// DepthSpread is the half range of point depths around Depth. Zero makes the scene planar.
	DepthSpread float64 `json:"depth_spread"`
	// Extent is the half size of the point cloud along X and Y, centered between the cameras.
	Extent float64 `json:"extent"`
	// Yaw rotates each camera by this many degrees more than the previous one around Y.
	Yaw    float64 `json:"yaw"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Focal  float64 `json:"focal"`
	// Noise is the standard deviation of the pixel noise.
	Noise float64 `json:"noise"`
	// OutlierMatches are random wrong correspondences added to each pair.
	OutlierMatches int `json:"outlier_matches"`
	// SharedIntrinsic makes every view use intrinsic 0. Otherwise view i uses intrinsic i.
	SharedIntrinsic bool `json:"shared_intrinsic"`
	// UnknownIntrinsics leaves the intrinsics of views other than the first two undefined.
	UnknownIntrinsics bool `json:"unknown_intrinsics"`
	// RigCameras groups consecutive views into captures of one rig with this many cameras. The
	// captures then follow Baseline and Yaw instead of the views.
	RigCameras int `json:"rig_cameras"`
	// RigOffset is the distance along Y between consecutive cameras of the rig.
	RigOffset float64 `json:"rig_offset"`
	Seed      int64   `json:"seed"`
}

// DefaultSyntheticConfig returns three views with a unit baseline observing 50 points on a plane
// at depth 5.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		NumViews:        3,
		NumPoints:       50,
		Baseline:        1,
		Depth:           5,
		Extent:          1.5,
		Width:           640,
		Height:          480,
		Focal:           500,
		SharedIntrinsic: true,
		Seed:            1,
	}
}

// SyntheticScene is a generated reconstruction problem.
type SyntheticScene struct {
	// Input has views and intrinsics but no pose or landmark.
	Input    *sfmdata.SfMData
	Features feature.FeaturesPerView
	Matches  matching.PairwiseMatches
	// GroundTruth is Input with the true poses and the true landmarks, keyed by point index.
	GroundTruth *sfmdata.SfMData
	Points      []r3.Vector
}

// Intrinsic returns the camera model used by the generator.
func (cfg SyntheticConfig) Intrinsic() *camera.PinholeCameraModel {
	cam := camera.NewPinholeCameraModel(&camera.PinholeCameraIntrinsics{
		Width:  cfg.Width,
		Height: cfg.Height,
		Fx:     cfg.Focal,
		Fy:     cfg.Focal,
		Ppx:    float64(cfg.Width) / 2,
		Ppy:    float64(cfg.Height) / 2,
	}, nil)
	cam.SerialNumber = "synthetic"
	return cam
}

// IsRig returns whether the views are cameras of a rig.
func (cfg SyntheticConfig) IsRig() bool {
	return cfg.RigCameras > 1
}

// NumCaptures returns the number of distinct poses: the captures of the rig, or the views.
func (cfg SyntheticConfig) NumCaptures() int {
	if !cfg.IsRig() {
		return cfg.NumViews
	}
	return (cfg.NumViews + cfg.RigCameras - 1) / cfg.RigCameras
}

// CapturePose returns the true pose of capture k, which is the pose of view k without a rig.
func (cfg SyntheticConfig) CapturePose(k int) spatialmath.Pose {
	yaw := utils.DegToRad(cfg.Yaw * float64(k))
	return spatialmath.NewPose(
		spatialmath.RotationFromR3(r3.Vector{Y: yaw}),
		r3.Vector{X: float64(k) * cfg.Baseline},
	)
}

// SubPose returns the true pose of rig camera c in the rig frame.
func (cfg SyntheticConfig) SubPose(c int) spatialmath.Pose {
	return spatialmath.NewPose(spatialmath.IdentityRotation(), r3.Vector{Y: float64(c) * cfg.RigOffset})
}

// Pose returns the true pose of view i.
func (cfg SyntheticConfig) Pose(i int) spatialmath.Pose {
	if !cfg.IsRig() {
		return cfg.CapturePose(i)
	}
	return cfg.SubPose(i % cfg.RigCameras).Compose(cfg.CapturePose(i / cfg.RigCameras))
}

// NewSyntheticScene generates a scene. Every point must be visible in every view.
func NewSyntheticScene(cfg SyntheticConfig) (*SyntheticScene, error) {
	if cfg.NumViews < 2 || cfg.NumPoints < 1 {
		return nil, errors.Errorf("need at least 2 views and 1 point, got %d and %d", cfg.NumViews, cfg.NumPoints)
	}
	//nolint:gosec
	rnd := rand.New(rand.NewSource(cfg.Seed))
	scene := &SyntheticScene{
		Input:       sfmdata.New(),
		Features:    feature.FeaturesPerView{},
		Matches:     matching.PairwiseMatches{},
		GroundTruth: sfmdata.New(),
	}

	cx := float64(cfg.NumCaptures()-1) * cfg.Baseline / 2
	if cfg.IsRig() {
		rig := sfmdata.NewRig(cfg.RigCameras)
		for c := 0; c < cfg.RigCameras; c++ {
			if err := rig.SetSubPose(sfmdata.Index(c), sfmdata.RigSubPose{Pose: cfg.SubPose(c), Status: sfmdata.SubPoseConstant}); err != nil {
				return nil, err
			}
		}
		scene.Input.Rigs[0] = rig
		scene.GroundTruth.Rigs[0] = rig.Clone()
	}
	for p := 0; p < cfg.NumPoints; p++ {
		z := cfg.Depth
		if cfg.DepthSpread > 0 {
			z += (2*rnd.Float64() - 1) * cfg.DepthSpread
		}
		scene.Points = append(scene.Points, r3.Vector{
			X: cx + (2*rnd.Float64()-1)*cfg.Extent,
			Y: (2*rnd.Float64() - 1) * cfg.Extent,
			Z: z,
		})
	}

	for i := 0; i < cfg.NumViews; i++ {
		viewID := sfmdata.Index(i)
		intrinsicID := viewID
		if cfg.SharedIntrinsic {
			intrinsicID = 0
		}
		v := sfmdata.NewView(viewID, intrinsicID, cfg.Width, cfg.Height)
		if cfg.IsRig() {
			v.PoseID = sfmdata.Index(i / cfg.RigCameras)
			v.RigID = 0
			v.SubPoseID = sfmdata.Index(i % cfg.RigCameras)
		}
		if cfg.UnknownIntrinsics && i >= 2 {
			v.IntrinsicID = sfmdata.UndefinedIndex
		}
		scene.Input.Views[viewID] = v
		if v.IntrinsicID.IsDefined() {
			scene.Input.Intrinsics[v.IntrinsicID] = cfg.Intrinsic()
		}

		gtView := *v
		gtView.IntrinsicID = intrinsicID
		scene.GroundTruth.Views[viewID] = &gtView
		scene.GroundTruth.Intrinsics[intrinsicID] = cfg.Intrinsic()
		if cfg.IsRig() {
			k := i / cfg.RigCameras
			scene.GroundTruth.Poses[sfmdata.Index(k)] = sfmdata.CameraPose{Transform: cfg.CapturePose(k)}
		} else {
			scene.GroundTruth.Poses[viewID] = sfmdata.CameraPose{Transform: cfg.Pose(i)}
		}
	}

	cam := cfg.Intrinsic()
	for p, x := range scene.Points {
		l := sfmdata.NewLandmark(x, sfmdata.DescTypeSIFT)
		for i := 0; i < cfg.NumViews; i++ {
			pose := cfg.Pose(i)
			if pose.Depth(x) <= 0 {
				return nil, errors.Errorf("point %d is behind view %d", p, i)
			}
			px := cam.Project(pose, x)
			if px.X < 0 || px.Y < 0 || px.X >= float64(cfg.Width) || px.Y >= float64(cfg.Height) {
				return nil, errors.Errorf("point %d projects outside view %d", p, i)
			}
			px = px.Add(r2.Point{X: rnd.NormFloat64() * cfg.Noise, Y: rnd.NormFloat64() * cfg.Noise})
			featID := scene.Features.Add(sfmdata.Index(i), sfmdata.DescTypeSIFT, feature.PointFeature{Point: px, Scale: 1})
			l.Observations[sfmdata.Index(i)] = sfmdata.Observation{Point: px, FeatureID: featID, Scale: 1}
		}
		scene.GroundTruth.Landmarks[sfmdata.Index(p)] = l
	}

	// outlier features come after the true ones so feature ids of true points equal point indices
	for i := 0; i < cfg.NumViews; i++ {
		for j := i + 1; j < cfg.NumViews; j++ {
			pair := matching.NewPair(sfmdata.Index(i), sfmdata.Index(j))
			matches := make([]matching.IndMatch, 0, cfg.NumPoints+cfg.OutlierMatches)
			for p := 0; p < cfg.NumPoints; p++ {
				matches = append(matches, matching.IndMatch{I: sfmdata.Index(p), J: sfmdata.Index(p)})
			}
			for o := 0; o < cfg.OutlierMatches; o++ {
				a := scene.Features.Add(sfmdata.Index(i), sfmdata.DescTypeSIFT, randomFeature(rnd, cfg))
				b := scene.Features.Add(sfmdata.Index(j), sfmdata.DescTypeSIFT, randomFeature(rnd, cfg))
				matches = append(matches, matching.IndMatch{I: a, J: b})
			}
			scene.Matches.Add(pair, sfmdata.DescTypeSIFT, matches...)
		}
	}
	return scene, nil
}

func randomFeature(rnd *rand.Rand, cfg SyntheticConfig) feature.PointFeature {
	return feature.PointFeature{
		Point: r2.Point{X: rnd.Float64() * float64(cfg.Width), Y: rnd.Float64() * float64(cfg.Height)},
		Scale: 1,
	}
}
