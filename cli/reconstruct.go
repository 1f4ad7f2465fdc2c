package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/sfm/config"
	"go.viam.com/sfm/feature"
	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/matching"
	"go.viam.com/sfm/pointcloud"
	"go.viam.com/sfm/sfm"
	"go.viam.com/sfm/sfmdata"
)

// ReconstructAction runs a reconstruction from a job file or from flags. Flags given alongside a
// job file override its paths.
func ReconstructAction(c *cli.Context) error {
	job, err := jobFromFlags(c)
	if err != nil {
		return err
	}
	logger := loggerFrom(c)
	if job.LogLevel != "" && !c.Bool(generalFlagDebug) && !c.Bool(generalFlagQuiet) {
		level, err := logging.ParseLevel(job.LogLevel)
		if err != nil {
			return err
		}
		if leveled, err := logging.NewLoggerAtLevel("sfm", level); err == nil {
			logger = leveled
		}
	}
	return reconstruct(c.Context, c, job, logger)
}

func jobFromFlags(c *cli.Context) (*config.Job, error) {
	job := config.NewJob()
	if path := c.Path(reconstructFlagJob); path != "" {
		loaded, err := config.ReadLocalConfig(path, loggerFrom(c))
		if err != nil {
			return nil, err
		}
		job = loaded
	}
	for flag, dst := range map[string]*string{
		reconstructFlagScene:     &job.Inputs.Scene,
		reconstructFlagFeatures:  &job.Inputs.Features,
		reconstructFlagMatches:   &job.Inputs.Matches,
		generalFlagOut:           &job.Outputs.Scene,
		reconstructFlagReport:    &job.Outputs.Report,
		reconstructFlagPCD:       &job.Outputs.PCD,
		reconstructFlagHistogram: &job.Outputs.Histogram,
	} {
		if c.IsSet(flag) {
			*dst = c.Path(flag)
		}
	}
	if err := job.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid job")
	}
	return job, nil
}

func reconstruct(ctx context.Context, c *cli.Context, job *config.Job, logger golog.Logger) error {
	data, err := sfmdata.Load(job.Inputs.Scene)
	if err != nil {
		return err
	}
	features, err := feature.Load(job.Inputs.Features)
	if err != nil {
		return err
	}
	matches, err := matching.Load(job.Inputs.Matches)
	if err != nil {
		return err
	}

	engine, err := sfm.NewSequentialSfM(data, features, matches, job.SfM, logger)
	if err != nil {
		return err
	}
	runErr := engine.Process(ctx)
	report := engine.Report()

	// the report is written even when the reconstruction fails
	var errs error
	if job.Outputs.Report != "" {
		errs = multierr.Append(errs, sfm.SaveReport(report, job.Outputs.Report))
	}
	if runErr != nil {
		return multierr.Combine(errors.Wrap(runErr, "reconstruction failed"), errs)
	}

	errs = multierr.Append(errs, sfmdata.Save(engine.Data(), job.Outputs.Scene))
	if job.Outputs.PCD != "" {
		errs = multierr.Append(errs, writePCD(engine.Data(), job.Outputs.PCD))
	}
	residuals := sfm.SceneResiduals(engine.Data())
	if job.Outputs.Histogram != "" {
		errs = multierr.Append(errs, plotResiduals(residuals, job.Outputs.Histogram))
	}
	if errs != nil {
		return errs
	}

	printf(c.App.Writer, "reconstructed %d of %d views with %d landmarks",
		len(engine.Data().ValidViews()), len(engine.Data().Views), len(engine.Data().Landmarks))
	if len(report.InitialPair) == 2 {
		printf(c.App.Writer, "initial pair: %d %d", report.InitialPair[0], report.InitialPair[1])
	}
	for viewID, reason := range report.Unreconstructed {
		warningf(c.App.ErrWriter, "view %d not reconstructed: %s", viewID, reason)
	}
	printResiduals(c.App.Writer, residuals)
	return nil
}

func writePCD(data *sfmdata.SfMData, path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create point cloud file %q", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return pointcloud.WriteLandmarksPCD(f, data, pointcloud.PCDBinary)
}
