package sfm

import (
	"math"
	"sort"

	"go.viam.com/sfm/sfmdata"
)

// viewCandidate is an unposed view that sees reconstructed landmarks.
type viewCandidate struct {
	viewID sfmdata.Index
	// trackIDs are the reconstructed tracks visible in the view.
	trackIDs       []sfmdata.Index
	score          int
	intrinsicKnown bool
}

// findConnectedViews scores every remaining view that sees at least one landmark.
func (s *SequentialSfM) findConnectedViews(remaining []sfmdata.Index) []viewCandidate {
	var out []viewCandidate
	for _, viewID := range remaining {
		var reconstructed []sfmdata.Index
		for _, trackID := range s.tracksPerView[viewID] {
			if _, ok := s.data.Landmarks[trackID]; ok {
				reconstructed = append(reconstructed, trackID)
			}
		}
		if len(reconstructed) == 0 {
			continue
		}
		out = append(out, viewCandidate{
			viewID:         viewID,
			trackIDs:       reconstructed,
			score:          s.pyramid.Score(viewID, reconstructed),
			intrinsicKnown: s.data.Intrinsic(s.data.Views[viewID]) != nil,
		})
	}
	return out
}

// findNextBestViews returns the batch of views to resect next, best first. Views with a known
// intrinsic come first, then views with a better coverage of reconstructed points. Excluded views
// are skipped. An empty batch means no view can be added.
func (s *SequentialSfM) findNextBestViews(exclude map[sfmdata.Index]bool) []sfmdata.Index {
	var remaining []sfmdata.Index
	for _, id := range s.remainingViews() {
		if !exclude[id] {
			remaining = append(remaining, id)
		}
	}
	candidates := s.findConnectedViews(remaining)
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.intrinsicKnown != b.intrinsicKnown {
			return a.intrinsicKnown
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.viewID < b.viewID
	})

	enough := candidates[:0:0]
	for _, c := range candidates {
		if len(c.trackIDs) >= s.cfg.MinPointsPerPose {
			enough = append(enough, c)
		}
	}
	if len(enough) == 0 {
		// resection reports why the best view cannot be posed
		return []sfmdata.Index{candidates[0].viewID}
	}

	best := enough[0]
	if best.score < s.pyramid.Threshold() {
		s.logger.Debugw("best view is poorly covered, resecting it alone", "view", best.viewID, "score", best.score)
		return []sfmdata.Index{best.viewID}
	}
	minScore := int(math.Floor(s.cfg.NextBestViewRatio * float64(best.score)))
	var out []sfmdata.Index
	for _, c := range enough {
		if c.score < minScore || len(out) >= s.cfg.MaxImagesPerGroup {
			break
		}
		out = append(out, c.viewID)
	}
	return out
}
