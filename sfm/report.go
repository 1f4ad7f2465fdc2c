package sfm

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	gonumstat "gonum.org/v1/gonum/stat"

	"go.viam.com/sfm/sfmdata"
)

// residualHistogramBins is the number of bins of the residual histogram.
const residualHistogramBins = 10

// IterationReport describes one pass of the reconstruction loop.
type IterationReport struct {
	Iteration           int             `json:"iteration"`
	Candidates          []sfmdata.Index `json:"candidates"`
	Resected            []sfmdata.Index `json:"resected"`
	Deferred            []sfmdata.Index `json:"deferred,omitempty"`
	// RigPosed are the views posed through the capture of a resected rig view.
	RigPosed            []sfmdata.Index `json:"rig_posed,omitempty"`
	NewLandmarks        int             `json:"new_landmarks"`
	ExtendedLandmarks   int             `json:"extended_landmarks"`
	RemovedObservations int             `json:"removed_observations"`
	RemovedLandmarks    int             `json:"removed_landmarks"`
	RemovedPoses        int             `json:"removed_poses"`
	ReconstructedViews  int             `json:"reconstructed_views"`
	Bundle              string          `json:"bundle"`
}

// Histogram counts values between consecutive edges.
type Histogram struct {
	Edges  []float64 `json:"edges"`
	Counts []float64 `json:"counts"`
}

// ResidualStats summarizes the reprojection residuals of a scene, in pixels.
type ResidualStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	Max    float64 `json:"max"`
	MSE    float64 `json:"mse"`
}

// Report accumulates the statistics of a reconstruction.
type Report struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	State    string    `json:"state"`

	Tracks         int         `json:"tracks"`
	TrackConflicts int         `json:"track_conflicts"`
	TracksTooShort int         `json:"tracks_too_short"`
	SelfMatches    int         `json:"self_matches"`
	TrackLengths   map[int]int `json:"track_lengths"`

	InitialPair []sfmdata.Index `json:"initial_pair,omitempty"`
	// Resected lists the views posed by resection, in the order they were added.
	Resected []sfmdata.Index `json:"resected"`
	// Unreconstructed maps the views left without a pose to the last reason they were deferred.
	Unreconstructed map[sfmdata.Index]string `json:"unreconstructed,omitempty"`

	PointsTriangulated  int `json:"points_triangulated"`
	PointsRemoved       int `json:"points_removed"`
	ObservationsRemoved int `json:"observations_removed"`
	// PosesRemoved counts the poses dropped for lack of observations; their views may be
	// resected again.
	PosesRemoved        int `json:"poses_removed"`
	BundleAdjustments   int `json:"bundle_adjustments"`
	BundleFailures      int `json:"bundle_failures"`

	Iterations        []IterationReport `json:"iterations"`
	Residuals         ResidualStats     `json:"residuals"`
	ResidualHistogram Histogram         `json:"residual_histogram"`
	Warnings          []string          `json:"warnings,omitempty"`
}

func newReport() *Report {
	return &Report{
		RunID:           uuid.NewString(),
		Started:         time.Now(),
		State:           StateInit.String(),
		TrackLengths:    map[int]int{},
		Unreconstructed: map[sfmdata.Index]string{},
	}
}

// clone returns a deep copy of the report.
func (r *Report) clone() Report {
	out := *r
	out.TrackLengths = make(map[int]int, len(r.TrackLengths))
	for k, v := range r.TrackLengths {
		out.TrackLengths[k] = v
	}
	out.Unreconstructed = make(map[sfmdata.Index]string, len(r.Unreconstructed))
	for k, v := range r.Unreconstructed {
		out.Unreconstructed[k] = v
	}
	out.InitialPair = append([]sfmdata.Index(nil), r.InitialPair...)
	out.Resected = append([]sfmdata.Index(nil), r.Resected...)
	out.Iterations = make([]IterationReport, len(r.Iterations))
	for i, it := range r.Iterations {
		it.Candidates = append([]sfmdata.Index(nil), it.Candidates...)
		it.Resected = append([]sfmdata.Index(nil), it.Resected...)
		it.Deferred = append([]sfmdata.Index(nil), it.Deferred...)
		it.RigPosed = append([]sfmdata.Index(nil), it.RigPosed...)
		out.Iterations[i] = it
	}
	out.ResidualHistogram = Histogram{
		Edges:  append([]float64(nil), r.ResidualHistogram.Edges...),
		Counts: append([]float64(nil), r.ResidualHistogram.Counts...),
	}
	out.Warnings = append([]string(nil), r.Warnings...)
	return out
}

// SceneResiduals returns the pixel reprojection residual of every landmark observation of a
// reconstructed view, sorted ascending.
func SceneResiduals(data *sfmdata.SfMData) []float64 {
	var out []float64
	for _, id := range data.LandmarkIDs() {
		l := data.Landmarks[id]
		for _, viewID := range l.ViewIDs() {
			v := data.Views[viewID]
			pose, ok := data.Pose(v)
			cam := data.Intrinsic(v)
			if !ok || cam == nil {
				continue
			}
			r := cam.ResidualNorm(pose, l.Position, l.Observations[viewID].Point)
			if math.IsInf(r, 0) || math.IsNaN(r) {
				continue
			}
			out = append(out, r)
		}
	}
	sort.Float64s(out)
	return out
}

// ComputeResidualStats summarizes sorted residuals.
func ComputeResidualStats(residuals []float64) ResidualStats {
	if len(residuals) == 0 {
		return ResidualStats{}
	}
	data := stats.Float64Data(residuals)
	out := ResidualStats{Count: len(residuals)}
	out.Mean, _ = stats.Mean(data)
	out.Median, _ = stats.Median(data)
	out.P90, _ = stats.Percentile(data, 90)
	out.Max, _ = stats.Max(data)
	var sq float64
	for _, r := range residuals {
		sq += r * r
	}
	out.MSE = sq / float64(len(residuals))
	return out
}

// ComputeHistogram bins sorted values into equal width bins from zero to just above the maximum.
func ComputeHistogram(sorted []float64, bins int) Histogram {
	if len(sorted) == 0 || bins < 1 {
		return Histogram{}
	}
	upper := sorted[len(sorted)-1]
	upper = math.Nextafter(math.Max(upper, 1e-9), math.Inf(1))
	lower := math.Min(0, sorted[0])
	edges := floats.Span(make([]float64, bins+1), lower, upper)
	// the last edge is exclusive
	edges[bins] = math.Nextafter(edges[bins], math.Inf(1))
	counts := gonumstat.Histogram(nil, edges, sorted, nil)
	return Histogram{Edges: edges, Counts: counts}
}

// updateResiduals recomputes the residual statistics of the current scene.
func (r *Report) updateResiduals(data *sfmdata.SfMData) {
	residuals := SceneResiduals(data)
	r.Residuals = ComputeResidualStats(residuals)
	r.ResidualHistogram = ComputeHistogram(residuals, residualHistogramBins)
}

// SaveReport writes the report as indented JSON.
func SaveReport(r Report, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode report")
	}
	return os.WriteFile(path, b, 0o640)
}
