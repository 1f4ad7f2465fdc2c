// Package cli contains the sfm command line application.
package cli

import (
	"io"

	"github.com/edaniels/golog"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"go.viam.com/sfm/logging"
)

const (
	// Flags.
	generalFlagDebug = "debug"
	generalFlagQuiet = "quiet"
	generalFlagOut   = "out"

	reconstructFlagJob       = "job"
	reconstructFlagScene     = "scene"
	reconstructFlagFeatures  = "features"
	reconstructFlagMatches   = "matches"
	reconstructFlagReport    = "report"
	reconstructFlagPCD       = "pcd"
	reconstructFlagHistogram = "histogram"

	evaluateFlagGroundTruth = "gt"
	evaluateFlagEstimate    = "est"

	synthFlagViews    = "views"
	synthFlagPoints   = "points"
	synthFlagNoise    = "noise"
	synthFlagOutliers = "outliers"
	synthFlagSeed     = "seed"
	synthFlagUnknown  = "unknown-intrinsics"

	loggerMetadataKey = "logger"
)

// NewApp returns a new app with the sfm commands configured and the given writers for output.
func NewApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:            "sfm",
		Usage:           "reconstruct camera poses and sparse structure from feature matches",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Metadata:        map[string]interface{}{},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    generalFlagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.BoolFlag{
				Name:    generalFlagQuiet,
				Aliases: []string{"q"},
				Usage:   "disable logging",
			},
		},
		Before: func(c *cli.Context) error {
			var logger golog.Logger
			if c.Bool(generalFlagQuiet) {
				logger = zap.NewNop().Sugar()
			} else {
				logger = logging.NewLogger("sfm", c.Bool(generalFlagDebug))
			}
			c.App.Metadata[loggerMetadataKey] = logger
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "reconstruct",
				Usage:     "run an incremental reconstruction",
				UsageText: "sfm reconstruct --job <job.json> | --scene <scene.json> --features <features.json> --matches <matches.json> --out <out.json>",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:    reconstructFlagJob,
						Aliases: []string{"c"},
						Usage:   "load the job from `FILE`",
					},
					&cli.PathFlag{
						Name:  reconstructFlagScene,
						Usage: "scene with views and intrinsics",
					},
					&cli.PathFlag{
						Name:  reconstructFlagFeatures,
						Usage: "features per view",
					},
					&cli.PathFlag{
						Name:  reconstructFlagMatches,
						Usage: "pairwise matches",
					},
					&cli.PathFlag{
						Name:    generalFlagOut,
						Aliases: []string{"o"},
						Usage:   "reconstructed scene output",
					},
					&cli.PathFlag{
						Name:  reconstructFlagReport,
						Usage: "run report output",
					},
					&cli.PathFlag{
						Name:  reconstructFlagPCD,
						Usage: "binary PCD point cloud output",
					},
					&cli.PathFlag{
						Name:  reconstructFlagHistogram,
						Usage: "PNG plot of the final residuals",
					},
				},
				Action: ReconstructAction,
			},
			{
				Name:      "evaluate",
				Usage:     "compare a reconstruction with a ground truth scene",
				UsageText: "sfm evaluate --gt <gt.json> --est <scene.json> [--out <eval.json>]",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     evaluateFlagGroundTruth,
						Usage:    "ground truth scene",
						Required: true,
					},
					&cli.PathFlag{
						Name:     evaluateFlagEstimate,
						Usage:    "estimated scene",
						Required: true,
					},
					&cli.PathFlag{
						Name:    generalFlagOut,
						Aliases: []string{"o"},
						Usage:   "write the evaluation as JSON to `FILE`",
					},
				},
				Action: EvaluateAction,
			},
			{
				Name:      "residuals",
				Usage:     "print the reprojection residuals of a scene",
				UsageText: "sfm residuals --scene <scene.json>",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     reconstructFlagScene,
						Usage:    "scene to inspect",
						Required: true,
					},
				},
				Action: ResidualsAction,
			},
			{
				Name:      "synth",
				Usage:     "generate a synthetic scene with its inputs, ground truth and job file",
				UsageText: "sfm synth --out <dir> [--views 5] [--points 80]",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     generalFlagOut,
						Aliases:  []string{"o"},
						Usage:    "output `DIR`",
						Required: true,
					},
					&cli.IntFlag{
						Name:  synthFlagViews,
						Usage: "number of views",
						Value: 5,
					},
					&cli.IntFlag{
						Name:  synthFlagPoints,
						Usage: "number of points",
						Value: 80,
					},
					&cli.Float64Flag{
						Name:  synthFlagNoise,
						Usage: "standard deviation of the observation noise in pixels",
					},
					&cli.IntFlag{
						Name:  synthFlagOutliers,
						Usage: "number of wrong matches per pair",
					},
					&cli.Int64Flag{
						Name:  synthFlagSeed,
						Usage: "random seed",
						Value: 1,
					},
					&cli.BoolFlag{
						Name:  synthFlagUnknown,
						Usage: "give the views intrinsics that must be estimated",
					},
				},
				Action: SynthAction,
			},
		},
	}
}

// loggerFrom returns the logger set up by the app, or a no-op logger.
func loggerFrom(c *cli.Context) golog.Logger {
	if logger, ok := c.App.Metadata[loggerMetadataKey].(golog.Logger); ok {
		return logger
	}
	return zap.NewNop().Sugar()
}
