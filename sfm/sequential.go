package sfm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"go.viam.com/sfm/bundle"
	"go.viam.com/sfm/feature"
	"go.viam.com/sfm/matching"
	"go.viam.com/sfm/pointcloud"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/track"
	"go.viam.com/sfm/utils"
)

// SequentialSfM is the incremental reconstruction engine: it seeds the scene from a pair of views
// and adds the best connected views batch by batch until none can be posed.
type SequentialSfM struct {
	data     *sfmdata.SfMData
	features feature.FeaturesPerView
	matches  matching.PairwiseMatches
	cfg      Config
	logger   golog.Logger
	solver   bundle.Solver

	tracks        track.TracksMap
	tracksPerView track.TracksPerView
	pyramid       *track.Pyramid
	// acThresholds holds the residual threshold found by resection for each posed view.
	acThresholds map[sfmdata.Index]float64
	// gaugePoseID is held constant by global refinement.
	gaugePoseID sfmdata.Index
	// stableIntrinsics no longer move during global refinement and are held by local refinement.
	stableIntrinsics map[sfmdata.Index]bool

	resectionsSinceGlobal int
	posesAtGlobal         int

	mu     sync.RWMutex
	state  State
	report *Report
}

var _ ReconstructionEngine = (*SequentialSfM)(nil)

// NewSequentialSfM returns an engine that reconstructs data in place from the given features and
// matches.
func NewSequentialSfM(
	data *sfmdata.SfMData,
	features feature.FeaturesPerView,
	matches matching.PairwiseMatches,
	cfg Config,
	logger golog.Logger,
) (*SequentialSfM, error) {
	if data == nil {
		return nil, errors.New("scene cannot be nil")
	}
	if err := cfg.Validate("sfm"); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SequentialSfM{
		data:             data,
		features:         features,
		matches:          matches,
		cfg:              cfg,
		logger:           logger,
		solver:           bundle.NewLevenbergMarquardt(logger.Named("bundle")),
		acThresholds:     map[sfmdata.Index]float64{},
		gaugePoseID:      sfmdata.UndefinedIndex,
		stableIntrinsics: map[sfmdata.Index]bool{},
		state:            StateInit,
		report:           newReport(),
	}, nil
}

// SetSolver replaces the refinement solver.
func (s *SequentialSfM) SetSolver(solver bundle.Solver) {
	s.solver = solver
}

// Data returns the scene. It must not be read while Process runs.
func (s *SequentialSfM) Data() *sfmdata.SfMData {
	return s.data
}

// State returns the current stage of the reconstruction.
func (s *SequentialSfM) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Report returns a snapshot of the run statistics.
func (s *SequentialSfM) Report() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report.clone()
}

// Tracks returns the fused tracks once Process has built them.
func (s *SequentialSfM) Tracks() track.TracksMap {
	return s.tracks
}

func (s *SequentialSfM) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Debugw("state change", "from", s.state, "to", state)
	s.state = state
	s.report.State = state.String()
}

// updateReport runs f with exclusive access to the report.
func (s *SequentialSfM) updateReport(f func(r *Report)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s.report)
}

func (s *SequentialSfM) warn(msg string, keysAndValues ...interface{}) {
	s.logger.Warnw(msg, keysAndValues...)
	s.updateReport(func(r *Report) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s %v", msg, keysAndValues))
	})
}

// Process runs the reconstruction. Only a scene that cannot be seeded, invalid inputs or a
// cancelled context make it fail; views that cannot be posed are reported as unreconstructed.
func (s *SequentialSfM) Process(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			s.setState(StateFailed)
		}
		s.updateReport(func(r *Report) {
			r.Finished = time.Now()
			r.updateResiduals(s.data)
		})
		s.logger.Infow("reconstruction finished",
			"state", s.State(),
			"views", len(s.data.ValidViews()),
			"landmarks", len(s.data.Landmarks),
			"duration", time.Since(start))
	}()

	if err := s.data.Validate(); err != nil {
		return errors.Wrap(err, "invalid input scene")
	}
	if err := s.buildTracks(ctx); err != nil {
		return err
	}

	if len(s.data.ValidViews()) == 0 {
		if err := s.seed(ctx); err != nil {
			return err
		}
	} else {
		s.remapLandmarkIDsToTrackIDs()
		s.pickGauge()
	}

	s.setState(StateIterating)
	if err := s.iterate(ctx); err != nil {
		return err
	}

	s.setState(StateConverging)
	if err := s.converge(ctx); err != nil {
		return err
	}
	s.updateReport(func(r *Report) {
		for _, id := range s.data.ViewIDs() {
			if s.data.IsPoseAndIntrinsicDefined(s.data.Views[id]) {
				delete(r.Unreconstructed, id)
			} else if _, ok := r.Unreconstructed[id]; !ok {
				r.Unreconstructed[id] = "not connected to the reconstruction"
			}
		}
	})
	s.setState(StateDone)
	return nil
}

// buildTracks fuses the matches of known views and fills the coverage pyramid.
func (s *SequentialSfM) buildTracks(ctx context.Context) error {
	keep := lo.SliceToMap(s.data.ViewIDs(), func(id sfmdata.Index) (sfmdata.Index, bool) { return id, true })
	tracks, stats, err := track.BuildTracks(ctx, s.matches.FilterViews(keep), s.cfg.MinInputTrackLength)
	if err != nil {
		return errors.Wrap(err, "cannot build tracks")
	}

	// a track referencing a missing feature cannot be triangulated
	var missing int
	for id, tr := range tracks {
		for viewID, featID := range tr.Features {
			if _, ok := s.features.Feature(viewID, tr.DescType, featID); !ok {
				delete(tracks, id)
				missing++
				break
			}
		}
	}
	if missing > 0 {
		s.warn("dropped tracks referencing unknown features", "count", missing)
	}

	s.tracks = tracks
	s.tracksPerView = track.ComputeTracksPerView(tracks)
	s.pyramid = track.NewPyramid(track.PyramidBase, track.PyramidDepth)

	viewIDs := lo.Keys(s.tracksPerView)
	if _, err := utils.RunInParallel(ctx, utils.BoundedFuncs(len(viewIDs), func(ctx context.Context, i int) error {
		viewID := viewIDs[i]
		v := s.data.Views[viewID]
		for _, trackID := range s.tracksPerView[viewID] {
			feat, _ := s.featureOf(viewID, trackID)
			s.pyramid.Add(viewID, trackID, feat.Point, v.Width, v.Height)
		}
		return nil
	})); err != nil {
		return errors.Wrap(err, "cannot score track coverage")
	}

	s.logger.Infow("tracks built",
		"tracks", len(tracks),
		"nodes", stats.Nodes,
		"conflicts", stats.Conflicts,
		"too_short", stats.TooShort)
	if stats.SelfMatches > 0 {
		s.warn("matches of a view with itself skipped", "matches", stats.SelfMatches)
	}
	s.updateReport(func(r *Report) {
		r.Tracks = len(tracks)
		r.TrackConflicts = stats.Conflicts
		r.TracksTooShort = stats.TooShort
		r.SelfMatches = stats.SelfMatches
		r.TrackLengths = track.TrackLengthHistogram(tracks)
	})
	return nil
}

// featureOf returns the feature of a track in a view.
func (s *SequentialSfM) featureOf(viewID, trackID sfmdata.Index) (feature.PointFeature, bool) {
	tr, ok := s.tracks[trackID]
	if !ok {
		return feature.PointFeature{}, false
	}
	featID, ok := tr.Features[viewID]
	if !ok {
		return feature.PointFeature{}, false
	}
	return s.features.Feature(viewID, tr.DescType, featID)
}

// observationOf returns the landmark observation of a track in a view.
func (s *SequentialSfM) observationOf(viewID, trackID sfmdata.Index) (sfmdata.Observation, bool) {
	feat, ok := s.featureOf(viewID, trackID)
	if !ok {
		return sfmdata.Observation{}, false
	}
	return sfmdata.Observation{
		Point:     feat.Point,
		FeatureID: s.tracks[trackID].Features[viewID],
		Scale:     feat.Scale,
	}, true
}

// seed reconstructs the initial pair or fails the run.
func (s *SequentialSfM) seed(ctx context.Context) error {
	pair, err := s.selectInitialPair(ctx)
	if err != nil {
		return err
	}
	s.setState(StateSeedSelected)
	s.updateReport(func(r *Report) {
		r.InitialPair = []sfmdata.Index{pair.I, pair.J}
	})
	s.logger.Infow("initial pair reconstructed",
		"view_i", pair.I,
		"view_j", pair.J,
		"landmarks", len(s.data.Landmarks))

	seeds := []sfmdata.Index{pair.I, pair.J}
	if siblings := s.newlyPosed(seeds); len(siblings) > 0 {
		created, extended, err := s.triangulate(ctx, seeds, siblings)
		if err != nil {
			return err
		}
		s.logger.Infow("rig views posed with the initial pair",
			"views", siblings,
			"new_landmarks", created,
			"extended_landmarks", extended)
		s.updateReport(func(r *Report) { r.PointsTriangulated += created })
	}
	return nil
}

// pickGauge holds the lowest pose id of the reconstructed views constant when the scene was
// already posed.
func (s *SequentialSfM) pickGauge() {
	s.gaugePoseID = sfmdata.UndefinedIndex
	for _, id := range s.data.ValidViews() {
		if poseID := s.data.Views[id].PoseID; poseID < s.gaugePoseID {
			s.gaugePoseID = poseID
		}
	}
}

// newlyPosed returns the reconstructed views not in previous. Besides the resected views it holds
// the rig views posed through their capture.
func (s *SequentialSfM) newlyPosed(previous []sfmdata.Index) []sfmdata.Index {
	known := lo.SliceToMap(previous, func(id sfmdata.Index) (sfmdata.Index, bool) { return id, true })
	return lo.Filter(s.data.ValidViews(), func(id sfmdata.Index, _ int) bool { return !known[id] })
}

// remainingViews returns the views without a pose, in ascending order.
func (s *SequentialSfM) remainingViews() []sfmdata.Index {
	return lo.Filter(s.data.ViewIDs(), func(id sfmdata.Index, _ int) bool {
		return !s.data.IsPoseAndIntrinsicDefined(s.data.Views[id])
	})
}

// iterate adds batches of views until a pass poses none.
func (s *SequentialSfM) iterate(ctx context.Context) error {
	maxIterations := len(s.data.Views)
	for iteration := 0; iteration < maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		previous := s.data.ValidViews()
		it := IterationReport{Iteration: iteration}

		// batches are tried until one view is posed or every connected view failed
		tried := map[sfmdata.Index]bool{}
		var added []sfmdata.Index
		for len(added) == 0 {
			batch := s.findNextBestViews(tried)
			if len(batch) == 0 {
				break
			}
			it.Candidates = append(it.Candidates, batch...)
			for _, id := range batch {
				tried[id] = true
			}
			var err error
			if added, err = s.resectBatch(ctx, batch, &it); err != nil {
				return err
			}
		}
		if len(added) == 0 {
			if len(it.Candidates) == 0 {
				s.logger.Debug("no more views to add")
			} else {
				s.logger.Infow("no candidate view could be posed", "candidates", it.Candidates)
				it.ReconstructedViews = len(previous)
				s.recordIteration(it)
			}
			return nil
		}
		s.resectionsSinceGlobal += len(added)
		posed := s.newlyPosed(previous)
		if it.RigPosed = lo.Without(posed, added...); len(it.RigPosed) > 0 {
			s.logger.Infow("rig views posed with their capture", "views", it.RigPosed)
		}

		var err error
		it.NewLandmarks, it.ExtendedLandmarks, err = s.triangulate(ctx, previous, posed)
		if err != nil {
			return err
		}

		global := s.needsGlobalBundleAdjustment()
		it.Bundle = "local"
		if global {
			it.Bundle = "global"
		}
		it.RemovedObservations, it.RemovedLandmarks, err = s.refineAndFilter(ctx, refineOptions{global: global, newViews: posed})
		if err != nil {
			return err
		}
		it.RemovedPoses = s.removeUnstablePoses()
		it.ReconstructedViews = len(s.data.ValidViews())
		s.recordIteration(it)
		s.logger.Infow("iteration done",
			"iteration", iteration,
			"resected", added,
			"reconstructed", it.ReconstructedViews,
			"landmarks", len(s.data.Landmarks))

		if err := s.exportIntermediate(fmt.Sprintf("iteration_%03d", iteration)); err != nil {
			s.warn("cannot export intermediate structure", "error", err)
		}
	}
	return nil
}

func (s *SequentialSfM) recordIteration(it IterationReport) {
	s.updateReport(func(r *Report) {
		r.Iterations = append(r.Iterations, it)
		r.Resected = append(r.Resected, it.Resected...)
		r.PointsTriangulated += it.NewLandmarks
		r.PointsRemoved += it.RemovedLandmarks
		r.ObservationsRemoved += it.RemovedObservations
		r.PosesRemoved += it.RemovedPoses
	})
}

// converge runs the final refinement with every unlocked intrinsic free and the final filters.
func (s *SequentialSfM) converge(ctx context.Context) error {
	if len(s.data.ValidViews()) == 0 {
		return nil
	}
	removedObs, removedLandmarks, err := s.refineAndFilter(ctx, refineOptions{global: true})
	if err != nil {
		return err
	}
	before := len(s.data.Landmarks)
	removedObs += RemoveOutliersWithPixelResidualError(s.data, s.cfg.OutlierPrecision, s.cfg.MinTrackLength)
	removedLandmarks += before - len(s.data.Landmarks)
	removedLandmarks += RemoveOutliersWithAngleError(s.data, s.cfg.MinAngleForLandmark)
	removedPoses := s.removeUnstablePoses()
	s.updateReport(func(r *Report) {
		r.ObservationsRemoved += removedObs
		r.PointsRemoved += removedLandmarks
		r.PosesRemoved += removedPoses
	})
	return s.exportIntermediate("final")
}

// exportIntermediate writes the landmarks as a point cloud when an intermediate directory is set.
func (s *SequentialSfM) exportIntermediate(name string) (err error) {
	if s.cfg.IntermediateDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.IntermediateDir, 0o750); err != nil {
		return err
	}
	//nolint:gosec
	f, err := os.Create(filepath.Join(s.cfg.IntermediateDir, name+".pcd"))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	return pointcloud.WriteLandmarksPCD(f, s.data, pointcloud.PCDAscii)
}

func sortIndices(ids []sfmdata.Index) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
