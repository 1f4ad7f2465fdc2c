package cli

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/sfm/config"
	"go.viam.com/sfm/feature"
	"go.viam.com/sfm/matching"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/testutils"
)

// Files written by SynthAction.
const (
	synthSceneFile       = "scene.json"
	synthFeaturesFile    = "features.json"
	synthMatchesFile     = "matches.json"
	synthGroundTruthFile = "ground_truth.json"
	synthJobFile         = "job.json"
)

// SynthAction writes a synthetic scene, its ground truth and a job file reconstructing it.
func SynthAction(c *cli.Context) error {
	cfg := testutils.DefaultSyntheticConfig()
	cfg.NumViews = c.Int(synthFlagViews)
	cfg.NumPoints = c.Int(synthFlagPoints)
	cfg.Baseline = 0.5
	cfg.Depth = 4
	cfg.DepthSpread = 0.5
	cfg.Extent = 1
	cfg.Noise = c.Float64(synthFlagNoise)
	cfg.OutlierMatches = c.Int(synthFlagOutliers)
	cfg.Seed = c.Int64(synthFlagSeed)
	cfg.UnknownIntrinsics = c.Bool(synthFlagUnknown)

	scene, err := testutils.NewSyntheticScene(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot generate scene")
	}

	dir := c.Path(generalFlagOut)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	if err := multierr.Combine(
		sfmdata.Save(scene.Input, filepath.Join(dir, synthSceneFile)),
		feature.Save(scene.Features, filepath.Join(dir, synthFeaturesFile)),
		matching.Save(scene.Matches, filepath.Join(dir, synthMatchesFile)),
		sfmdata.Save(scene.GroundTruth, filepath.Join(dir, synthGroundTruthFile)),
	); err != nil {
		return err
	}

	// paths are relative to the job file
	job := config.NewJob()
	job.Inputs = config.Inputs{Scene: synthSceneFile, Features: synthFeaturesFile, Matches: synthMatchesFile}
	job.Outputs = config.Outputs{
		Scene:     filepath.Join("out", "scene.json"),
		Report:    filepath.Join("out", "report.json"),
		PCD:       filepath.Join("out", "cloud.pcd"),
		Histogram: filepath.Join("out", "residuals.png"),
	}
	if err := writeJob(job, filepath.Join(dir, synthJobFile)); err != nil {
		return err
	}
	printf(c.App.Writer, "wrote %d views and %d points to %s", cfg.NumViews, cfg.NumPoints, dir)
	return nil
}

func writeJob(job *config.Job, path string) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create job file %q", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return config.Save(job, f, path)
}
