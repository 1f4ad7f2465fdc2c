package sfm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"go.viam.com/sfm/sfmdata"
)

func TestComputeResidualStats(t *testing.T) {
	test.That(t, ComputeResidualStats(nil), test.ShouldResemble, ResidualStats{})

	s := ComputeResidualStats([]float64{0, 1, 2, 3, 4})
	test.That(t, s.Count, test.ShouldEqual, 5)
	test.That(t, s.Mean, test.ShouldAlmostEqual, 2)
	test.That(t, s.Median, test.ShouldAlmostEqual, 2)
	test.That(t, s.Max, test.ShouldAlmostEqual, 4)
	test.That(t, s.MSE, test.ShouldAlmostEqual, 6)
	test.That(t, s.P90, test.ShouldBeGreaterThanOrEqualTo, 3)
}

func TestComputeHistogram(t *testing.T) {
	test.That(t, ComputeHistogram(nil, 4), test.ShouldResemble, Histogram{})

	values := []float64{0.2, 0.5, 1.2, 1.5, 2.5, 3.5, 3.9}
	h := ComputeHistogram(values, 4)
	test.That(t, h.Edges, test.ShouldHaveLength, 5)
	test.That(t, h.Counts, test.ShouldHaveLength, 4)
	total := 0.0
	for _, c := range h.Counts {
		total += c
	}
	test.That(t, total, test.ShouldEqual, float64(len(values)))
	test.That(t, h.Counts[0], test.ShouldEqual, 2)
	test.That(t, h.Counts[3], test.ShouldEqual, 2)
}

func TestSceneResiduals(t *testing.T) {
	data := groundTruthScene(t, 2)
	residuals := SceneResiduals(data)
	test.That(t, residuals, test.ShouldHaveLength, 100)
	test.That(t, residuals[len(residuals)-1], test.ShouldBeLessThan, 1e-9)

	obs := data.Landmarks[0].Observations[0]
	obs.Point = obs.Point.Add(r2.Point{X: 3, Y: 4})
	data.Landmarks[0].Observations[0] = obs
	residuals = SceneResiduals(data)
	test.That(t, residuals[len(residuals)-1], test.ShouldAlmostEqual, 5, 1e-6)
}

func TestReportCloneAndSave(t *testing.T) {
	r := newReport()
	r.Resected = []sfmdata.Index{1}
	r.Unreconstructed[4] = "too few inliers"
	r.Iterations = []IterationReport{{Iteration: 0, Resected: []sfmdata.Index{1}}}

	c := r.clone()
	c.Resected[0] = 9
	c.Unreconstructed[5] = "x"
	c.Iterations[0].Resected[0] = 9
	test.That(t, r.Resected[0], test.ShouldEqual, 1)
	test.That(t, r.Unreconstructed, test.ShouldHaveLength, 1)
	test.That(t, r.Iterations[0].Resected[0], test.ShouldEqual, 1)

	path := filepath.Join(t.TempDir(), "out", "report.json")
	test.That(t, SaveReport(*r, path), test.ShouldBeNil)
	b, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	var decoded Report
	test.That(t, json.Unmarshal(b, &decoded), test.ShouldBeNil)
	test.That(t, decoded.RunID, test.ShouldEqual, r.RunID)
	test.That(t, decoded.Unreconstructed[4], test.ShouldEqual, "too few inliers")
}
