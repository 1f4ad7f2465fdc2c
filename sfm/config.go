package sfm

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/sfm/ransac"
	"go.viam.com/sfm/sfmdata"
)

// Config holds the parameters of a sequential reconstruction. Angles are in degrees and
// thresholds in pixels.
type Config struct {
	// InitialPair, when set, holds the two views the reconstruction must start from.
	InitialPair []sfmdata.Index `json:"initial_pair,omitempty" yaml:"initial_pair,omitempty"`

	MinInputTrackLength               int     `json:"min_input_track_length" yaml:"min_input_track_length"`
	MinTrackLength                    int     `json:"min_track_length" yaml:"min_track_length"`
	MinPointsPerPose                  int     `json:"min_points_per_pose" yaml:"min_points_per_pose"`
	MinInitialPairTracks              int     `json:"min_initial_pair_tracks" yaml:"min_initial_pair_tracks"`
	MinAngleInitialPair               float64 `json:"min_angle_initial_pair" yaml:"min_angle_initial_pair"`
	MaxAngleInitialPair               float64 `json:"max_angle_initial_pair" yaml:"max_angle_initial_pair"`
	MinAngleForTriangulation          float64 `json:"min_angle_for_triangulation" yaml:"min_angle_for_triangulation"`
	MinAngleForLandmark               float64 `json:"min_angle_for_landmark" yaml:"min_angle_for_landmark"`
	MinNbObservationsForTriangulation int     `json:"min_nb_observations_for_triangulation" yaml:"min_nb_observations_for_triangulation"`

	ResectionThreshold       float64 `json:"resection_threshold" yaml:"resection_threshold"`
	ResectionThresholdPolicy string  `json:"resection_threshold_policy" yaml:"resection_threshold_policy"`
	RelativePoseThreshold    float64 `json:"relative_pose_threshold" yaml:"relative_pose_threshold"`
	TriangulationThreshold   float64 `json:"triangulation_threshold" yaml:"triangulation_threshold"`
	OutlierPrecision         float64 `json:"outlier_precision" yaml:"outlier_precision"`
	RANSACMaxIterations      int     `json:"ransac_max_iterations" yaml:"ransac_max_iterations"`
	Seed                     int64   `json:"seed" yaml:"seed"`

	MaxImagesPerGroup int     `json:"max_images_per_group" yaml:"max_images_per_group"`
	NextBestViewRatio float64 `json:"next_best_view_ratio" yaml:"next_best_view_ratio"`

	// LocalBAGraphDistance bounds local refinement around new views; a negative value refines
	// the whole scene after every resection.
	LocalBAGraphDistance int     `json:"local_ba_graph_distance" yaml:"local_ba_graph_distance"`
	GlobalBAPeriod       int     `json:"global_ba_period" yaml:"global_ba_period"`
	GlobalBAGrowthRatio  float64 `json:"global_ba_growth_ratio" yaml:"global_ba_growth_ratio"`
	LossThreshold        float64 `json:"loss_threshold" yaml:"loss_threshold"`
	MaxOutlierIterations int     `json:"max_outlier_iterations" yaml:"max_outlier_iterations"`

	LockAllIntrinsics    bool `json:"lock_all_intrinsics" yaml:"lock_all_intrinsics"`
	RefinePrincipalPoint bool `json:"refine_principal_point" yaml:"refine_principal_point"`
	// UseRigConstraint refines the estimated rig sub-poses in global refinements. Otherwise every
	// sub-pose keeps the value it had when its first view was posed.
	UseRigConstraint bool `json:"use_rig_constraint" yaml:"use_rig_constraint"`

	IntrinsicMergeFocalTolerance float64 `json:"intrinsic_merge_focal_tolerance" yaml:"intrinsic_merge_focal_tolerance"`
	IntrinsicMergePixelTolerance float64 `json:"intrinsic_merge_pixel_tolerance" yaml:"intrinsic_merge_pixel_tolerance"`

	// IntermediateDir, when set, receives a PCD export of the structure after every iteration.
	IntermediateDir string `json:"intermediate_dir,omitempty" yaml:"intermediate_dir,omitempty"`
}

// DefaultConfig returns the default parameters.
func DefaultConfig() Config {
	return Config{
		MinInputTrackLength:               2,
		MinTrackLength:                    2,
		MinPointsPerPose:                  30,
		MinInitialPairTracks:              30,
		MinAngleInitialPair:               5,
		MaxAngleInitialPair:               40,
		MinAngleForTriangulation:          3,
		MinAngleForLandmark:               2,
		MinNbObservationsForTriangulation: 2,
		ResectionThreshold:                4,
		ResectionThresholdPolicy:          ransac.ThresholdFixed.String(),
		RelativePoseThreshold:             4,
		TriangulationThreshold:            4,
		OutlierPrecision:                  4,
		RANSACMaxIterations:               4096,
		Seed:                              42,
		MaxImagesPerGroup:                 30,
		NextBestViewRatio:                 0.75,
		LocalBAGraphDistance:              1,
		GlobalBAPeriod:                    5,
		GlobalBAGrowthRatio:               1.2,
		LossThreshold:                     4,
		MaxOutlierIterations:              5,
		UseRigConstraint:                  true,
		IntrinsicMergeFocalTolerance:      0.01,
		IntrinsicMergePixelTolerance:      1,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	var errs error
	field := func(name string) string {
		return fmt.Sprintf("%s.%s", path, name)
	}
	positive := func(name string, v float64) {
		if v <= 0 {
			errs = multierr.Append(errs, utils.NewConfigValidationError(field(name), errors.Errorf("must be positive, got %v", v)))
		}
	}
	if n := len(cfg.InitialPair); n != 0 && n != 2 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("initial_pair"), errors.Errorf("needs 2 views, got %d", n)))
	} else if n == 2 && cfg.InitialPair[0] == cfg.InitialPair[1] {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("initial_pair"), errors.New("views must differ")))
	}
	if cfg.MinInputTrackLength < 2 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("min_input_track_length"), errors.New("must be at least 2")))
	}
	if cfg.MinTrackLength < 2 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("min_track_length"), errors.New("must be at least 2")))
	}
	if cfg.MinNbObservationsForTriangulation < 2 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("min_nb_observations_for_triangulation"), errors.New("must be at least 2")))
	}
	if cfg.MinPointsPerPose < 6 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("min_points_per_pose"), errors.New("must be at least 6")))
	}
	if cfg.MinInitialPairTracks < 5 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("min_initial_pair_tracks"), errors.New("must be at least 5")))
	}
	positive("min_angle_initial_pair", cfg.MinAngleInitialPair)
	if cfg.MaxAngleInitialPair <= cfg.MinAngleInitialPair {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("max_angle_initial_pair"), errors.New("must exceed min_angle_initial_pair")))
	}
	positive("min_angle_for_triangulation", cfg.MinAngleForTriangulation)
	if cfg.MinAngleForLandmark < 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("min_angle_for_landmark"), errors.New("cannot be negative")))
	}
	positive("resection_threshold", cfg.ResectionThreshold)
	positive("relative_pose_threshold", cfg.RelativePoseThreshold)
	positive("triangulation_threshold", cfg.TriangulationThreshold)
	positive("outlier_precision", cfg.OutlierPrecision)
	if _, err := ransac.ParseThresholdPolicy(cfg.ResectionThresholdPolicy); err != nil {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("resection_threshold_policy"), err))
	}
	if cfg.RANSACMaxIterations < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("ransac_max_iterations"), errors.New("must be at least 1")))
	}
	if cfg.MaxImagesPerGroup < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("max_images_per_group"), errors.New("must be at least 1")))
	}
	if cfg.NextBestViewRatio <= 0 || cfg.NextBestViewRatio > 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("next_best_view_ratio"), errors.New("must be in (0, 1]")))
	}
	if cfg.GlobalBAPeriod < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("global_ba_period"), errors.New("must be at least 1")))
	}
	if cfg.GlobalBAGrowthRatio < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("global_ba_growth_ratio"), errors.New("must be at least 1")))
	}
	if cfg.LossThreshold < 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("loss_threshold"), errors.New("cannot be negative")))
	}
	if cfg.MaxOutlierIterations < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("max_outlier_iterations"), errors.New("must be at least 1")))
	}
	if cfg.IntrinsicMergeFocalTolerance < 0 || cfg.IntrinsicMergePixelTolerance < 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("intrinsic_merge"), errors.New("tolerances cannot be negative")))
	}
	return errs
}

func (cfg *Config) thresholdPolicy() ransac.ThresholdPolicy {
	p, err := ransac.ParseThresholdPolicy(cfg.ResectionThresholdPolicy)
	if err != nil {
		return ransac.ThresholdFixed
	}
	return p
}

// ransacParams returns estimator parameters for a pixel threshold.
func (cfg *Config) ransacParams(threshold float64) ransac.Params {
	p := ransac.DefaultParams(threshold)
	p.MaxIterations = cfg.RANSACMaxIterations
	p.Seed = cfg.Seed
	return p
}
