package sfm

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/sfm/ransac"
	"go.viam.com/sfm/sfmdata"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate("sfm"), test.ShouldBeNil)

	for _, tc := range []struct {
		name   string
		modify func(cfg *Config)
		field  string
	}{
		{"initial pair size", func(cfg *Config) { cfg.InitialPair = []sfmdata.Index{1} }, "initial_pair"},
		{"initial pair same view", func(cfg *Config) { cfg.InitialPair = []sfmdata.Index{1, 1} }, "initial_pair"},
		{"track length", func(cfg *Config) { cfg.MinInputTrackLength = 1 }, "min_input_track_length"},
		{"points per pose", func(cfg *Config) { cfg.MinPointsPerPose = 3 }, "min_points_per_pose"},
		{"angles", func(cfg *Config) { cfg.MaxAngleInitialPair = cfg.MinAngleInitialPair }, "max_angle_initial_pair"},
		{"threshold", func(cfg *Config) { cfg.ResectionThreshold = 0 }, "resection_threshold"},
		{"policy", func(cfg *Config) { cfg.ResectionThresholdPolicy = "magic" }, "resection_threshold_policy"},
		{"ratio", func(cfg *Config) { cfg.NextBestViewRatio = 1.5 }, "next_best_view_ratio"},
		{"growth", func(cfg *Config) { cfg.GlobalBAGrowthRatio = 0.5 }, "global_ba_growth_ratio"},
		{"outlier iterations", func(cfg *Config) { cfg.MaxOutlierIterations = 0 }, "max_outlier_iterations"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			err := cfg.Validate("sfm")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, "sfm."+tc.field)
		})
	}

	t.Run("errors accumulate", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ResectionThreshold = -1
		cfg.TriangulationThreshold = -1
		err := cfg.Validate("sfm")
		test.That(t, err.Error(), test.ShouldContainSubstring, "resection_threshold")
		test.That(t, err.Error(), test.ShouldContainSubstring, "triangulation_threshold")
	})

	t.Run("negative local distance is valid", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LocalBAGraphDistance = -1
		test.That(t, cfg.Validate("sfm"), test.ShouldBeNil)
	})
}

func TestConfigRANSACParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RANSACMaxIterations = 10
	cfg.Seed = 3
	p := cfg.ransacParams(2)
	test.That(t, p.Threshold, test.ShouldEqual, 2)
	test.That(t, p.MaxIterations, test.ShouldEqual, 10)
	test.That(t, p.Seed, test.ShouldEqual, 3)

	test.That(t, cfg.thresholdPolicy(), test.ShouldEqual, ransac.ThresholdFixed)
	cfg.ResectionThresholdPolicy = ransac.ThresholdAdaptive.String()
	test.That(t, cfg.thresholdPolicy(), test.ShouldEqual, ransac.ThresholdAdaptive)
}
