package sfm

import (
	"go.viam.com/sfm/sfmdata"
)

type featureKey struct {
	view     sfmdata.Index
	descType sfmdata.DescType
	feature  sfmdata.Index
}

// remapLandmarkIDsToTrackIDs re-keys the landmarks of an already posed scene by the track that
// owns their observations, so that later triangulation extends them instead of duplicating them.
// Landmarks whose observations belong to no track or to several tracks are dropped.
func (s *SequentialSfM) remapLandmarkIDsToTrackIDs() {
	owner := map[featureKey]sfmdata.Index{}
	for trackID, tr := range s.tracks {
		for viewID, featID := range tr.Features {
			owner[featureKey{view: viewID, descType: tr.DescType, feature: featID}] = trackID
		}
	}

	remapped := make(map[sfmdata.Index]*sfmdata.Landmark, len(s.data.Landmarks))
	var unmatched, conflicting int
	for _, id := range s.data.LandmarkIDs() {
		l := s.data.Landmarks[id]
		trackID := sfmdata.UndefinedIndex
		ok := true
		for viewID, obs := range l.Observations {
			t, found := owner[featureKey{view: viewID, descType: l.DescType, feature: obs.FeatureID}]
			if !found || (trackID.IsDefined() && t != trackID) {
				ok = false
				break
			}
			trackID = t
		}
		switch {
		case !ok || !trackID.IsDefined():
			unmatched++
		case remapped[trackID] != nil:
			conflicting++
		default:
			remapped[trackID] = l
		}
	}
	s.data.Landmarks = remapped
	if unmatched > 0 || conflicting > 0 {
		s.logger.Infow("dropped landmarks not matching a track",
			"unmatched", unmatched,
			"conflicting", conflicting,
			"kept", len(remapped))
	}
}
