package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"go.viam.com/sfm/sfm"
)

const (
	residualBins      = 10
	residualPlotWidth = 40
)

// printf prints a message with no prefix.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

// warningf prints a message prefixed with a bold yellow "Warning: ".
func warningf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, "\x1b[1;33mWarning:\x1b[0m "+format+"\n", a...)
}

// Errorf prints a message prefixed with a bold red "Error: ".
func Errorf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, "\x1b[1;31mError:\x1b[0m "+format+"\n", a...)
}

// printResiduals prints the residual statistics followed by a text histogram.
func printResiduals(w io.Writer, residuals []float64) {
	if len(residuals) == 0 {
		printf(w, "no residuals")
		return
	}
	s := sfm.ComputeResidualStats(residuals)
	printf(w, "residuals (px): count %d mean %.4f median %.4f p90 %.4f max %.4f",
		s.Count, s.Mean, s.Median, s.P90, s.Max)
	hist := histogram.Hist(residualBins, residuals)
	if err := histogram.Fprint(w, hist, histogram.Linear(residualPlotWidth)); err != nil {
		warningf(w, "cannot print histogram: %v", err)
	}
}

// plotResiduals saves a histogram of the residuals as an image. The format follows the extension.
func plotResiduals(residuals []float64, path string) error {
	if len(residuals) == 0 {
		return errors.New("no residuals to plot")
	}
	p := plot.New()
	p.Title.Text = "Reprojection residuals"
	p.X.Label.Text = "pixels"
	p.Y.Label.Text = "observations"

	h, err := plotter.NewHist(plotter.Values(residuals), residualBins)
	if err != nil {
		return errors.Wrap(err, "cannot build histogram")
	}
	p.Add(h)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
