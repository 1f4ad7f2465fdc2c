package cli

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/sfm/sfm"
	"go.viam.com/sfm/sfmdata"
)

// EvaluateAction aligns a reconstruction onto a ground truth and prints the pose errors.
func EvaluateAction(c *cli.Context) error {
	gt, err := sfmdata.Load(c.Path(evaluateFlagGroundTruth))
	if err != nil {
		return err
	}
	est, err := sfmdata.Load(c.Path(evaluateFlagEstimate))
	if err != nil {
		return err
	}
	eval, err := sfm.EvaluateToGroundTruth(gt, est)
	if err != nil {
		return err
	}

	printf(c.App.Writer, "compared %d views, %d missing, scale %.4f", len(eval.Compared), len(eval.Missing), eval.Scale)
	printf(c.App.Writer, "rotation error (deg): mean %.4f median %.4f max %.4f",
		eval.RotationErrors.Mean, eval.RotationErrors.Median, eval.RotationErrors.Max)
	printf(c.App.Writer, "position error: mean %.4f median %.4f max %.4f",
		eval.PositionErrors.Mean, eval.PositionErrors.Median, eval.PositionErrors.Max)

	out := c.Path(generalFlagOut)
	if out == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(eval, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode evaluation")
	}
	return os.WriteFile(out, b, 0o640)
}

// ResidualsAction prints the residual statistics and a text histogram of a scene.
func ResidualsAction(c *cli.Context) error {
	data, err := sfmdata.Load(c.Path(reconstructFlagScene))
	if err != nil {
		return err
	}
	if err := data.Validate(); err != nil {
		warningf(c.App.ErrWriter, "%v", err)
	}
	printResiduals(c.App.Writer, sfm.SceneResiduals(data))
	return nil
}
