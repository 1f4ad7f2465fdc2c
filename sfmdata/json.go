package sfmdata

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/sfm/camera"
)

type intrinsicJSON struct {
	IntrinsicID Index                      `json:"intrinsic_id"`
	Model       *camera.PinholeCameraModel `json:"model"`
}

type poseJSON struct {
	PoseID Index `json:"pose_id"`
	CameraPose
}

type rigJSON struct {
	RigID Index `json:"rig_id"`
	Rig
}

type observationJSON struct {
	ViewID Index `json:"view_id"`
	Observation
}

type landmarkJSON struct {
	LandmarkID   Index             `json:"landmark_id"`
	Position     r3.Vector         `json:"position"`
	DescType     DescType          `json:"desc_type"`
	Color        [3]uint8          `json:"color"`
	Observations []observationJSON `json:"observations"`
}

type sfmDataJSON struct {
	Views      []*View         `json:"views"`
	Intrinsics []intrinsicJSON `json:"intrinsics"`
	Poses      []poseJSON      `json:"poses"`
	Rigs       []rigJSON       `json:"rigs,omitempty"`
	Landmarks  []landmarkJSON  `json:"landmarks"`
}

// MarshalJSON encodes the scene with every collection sorted by id.
func (s *SfMData) MarshalJSON() ([]byte, error) {
	out := sfmDataJSON{
		Views:      make([]*View, 0, len(s.Views)),
		Intrinsics: make([]intrinsicJSON, 0, len(s.Intrinsics)),
		Poses:      make([]poseJSON, 0, len(s.Poses)),
		Landmarks:  make([]landmarkJSON, 0, len(s.Landmarks)),
	}
	for _, id := range s.ViewIDs() {
		out.Views = append(out.Views, s.Views[id])
	}
	for _, id := range sortedKeys(s.Intrinsics) {
		out.Intrinsics = append(out.Intrinsics, intrinsicJSON{IntrinsicID: id, Model: s.Intrinsics[id]})
	}
	for _, id := range sortedKeys(s.Poses) {
		out.Poses = append(out.Poses, poseJSON{PoseID: id, CameraPose: s.Poses[id]})
	}
	for _, id := range sortedKeys(s.Rigs) {
		out.Rigs = append(out.Rigs, rigJSON{RigID: id, Rig: *s.Rigs[id]})
	}
	for _, id := range s.LandmarkIDs() {
		l := s.Landmarks[id]
		lj := landmarkJSON{LandmarkID: id, Position: l.Position, DescType: l.DescType, Color: l.Color}
		for _, viewID := range l.ViewIDs() {
			lj.Observations = append(lj.Observations, observationJSON{ViewID: viewID, Observation: l.Observations[viewID]})
		}
		out.Landmarks = append(out.Landmarks, lj)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a scene written by MarshalJSON.
func (s *SfMData) UnmarshalJSON(data []byte) error {
	var in sfmDataJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = *New()
	for _, v := range in.Views {
		if v == nil {
			continue
		}
		if _, ok := s.Views[v.ViewID]; ok {
			return errors.Errorf("duplicate view %d", v.ViewID)
		}
		s.Views[v.ViewID] = v
	}
	for _, i := range in.Intrinsics {
		if i.Model == nil {
			return errors.Errorf("intrinsic %d has no model", i.IntrinsicID)
		}
		s.Intrinsics[i.IntrinsicID] = i.Model
	}
	for _, p := range in.Poses {
		s.Poses[p.PoseID] = p.CameraPose
	}
	for _, r := range in.Rigs {
		rig := r.Rig
		s.Rigs[r.RigID] = &rig
	}
	for _, lj := range in.Landmarks {
		l := NewLandmark(lj.Position, lj.DescType)
		l.Color = lj.Color
		for _, o := range lj.Observations {
			if _, ok := l.Observations[o.ViewID]; ok {
				return errors.Errorf("landmark %d has two observations in view %d", lj.LandmarkID, o.ViewID)
			}
			l.Observations[o.ViewID] = o.Observation
		}
		s.Landmarks[lj.LandmarkID] = l
	}
	return nil
}

// Load reads a scene from a JSON file.
func Load(path string) (*SfMData, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open scene file %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	s := New()
	if err := json.NewDecoder(f).Decode(s); err != nil {
		return nil, errors.Wrapf(err, "cannot decode scene file %q", path)
	}
	return s, nil
}

// Save writes the scene to a JSON file, creating parent directories as needed.
func Save(s *SfMData, path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create scene file %q", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func sortedKeys[V any](m map[Index]V) []Index {
	ids := make([]Index, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortIndices(ids)
	return ids
}
