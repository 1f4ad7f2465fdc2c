package sfmdata

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/spatialmath"
)

// CameraPose is a pose stored in the scene. Locked poses are held constant by refinement.
type CameraPose struct {
	Transform spatialmath.Pose `json:"transform"`
	Locked    bool             `json:"locked,omitempty"`
}

// SfMData is the scene model. Every cross reference is an identifier into one of its maps.
type SfMData struct {
	Views      map[Index]*View
	Intrinsics map[Index]*camera.PinholeCameraModel
	Poses      map[Index]CameraPose
	Rigs       map[Index]*Rig
	Landmarks  map[Index]*Landmark
}

// New returns an empty scene.
func New() *SfMData {
	return &SfMData{
		Views:      map[Index]*View{},
		Intrinsics: map[Index]*camera.PinholeCameraModel{},
		Poses:      map[Index]CameraPose{},
		Rigs:       map[Index]*Rig{},
		Landmarks:  map[Index]*Landmark{},
	}
}

// View returns the view with the given id.
func (s *SfMData) View(id Index) (*View, error) {
	v, ok := s.Views[id]
	if !ok {
		return nil, errors.Errorf("no view %d", id)
	}
	return v, nil
}

// Intrinsic returns the valid intrinsic used by the view, or nil.
func (s *SfMData) Intrinsic(v *View) *camera.PinholeCameraModel {
	if v == nil || !v.IntrinsicID.IsDefined() {
		return nil
	}
	cam, ok := s.Intrinsics[v.IntrinsicID]
	if !ok || !cam.IsValid() {
		return nil
	}
	return cam
}

// rigSubPose returns the sub-pose of a rig view, or false if the rig or sub-pose is unknown.
func (s *SfMData) rigSubPose(v *View) (RigSubPose, bool) {
	rig, ok := s.Rigs[v.RigID]
	if !ok {
		return RigSubPose{}, false
	}
	sub, err := rig.SubPose(v.SubPoseID)
	if err != nil {
		return RigSubPose{}, false
	}
	return sub, true
}

// ExistsPose returns whether the effective pose of the view is defined. For a rig view both the
// rig pose and the sub-pose must be known.
func (s *SfMData) ExistsPose(v *View) bool {
	if _, ok := s.Poses[v.PoseID]; !ok {
		return false
	}
	if !v.IsPartOfRig() {
		return true
	}
	sub, ok := s.rigSubPose(v)
	return ok && sub.IsInitialized()
}

// IsPoseAndIntrinsicDefined returns whether the view is reconstructed.
func (s *SfMData) IsPoseAndIntrinsicDefined(v *View) bool {
	return v != nil && s.ExistsPose(v) && s.Intrinsic(v) != nil
}

// Pose returns the effective world to camera pose of the view.
func (s *SfMData) Pose(v *View) (spatialmath.Pose, bool) {
	if !s.ExistsPose(v) {
		return spatialmath.Pose{}, false
	}
	p := s.Poses[v.PoseID].Transform
	if !v.IsPartOfRig() {
		return p, true
	}
	sub, _ := s.rigSubPose(v)
	return sub.Pose.Compose(p), true
}

// SetPose stores the effective pose of a view. For a rig view with a known sub-pose the rig pose
// is derived from it; a rig view with an unknown sub-pose is an error.
func (s *SfMData) SetPose(v *View, pose spatialmath.Pose) error {
	if !v.IsPartOfRig() {
		s.Poses[v.PoseID] = CameraPose{Transform: pose, Locked: s.Poses[v.PoseID].Locked}
		return nil
	}
	sub, ok := s.rigSubPose(v)
	if !ok {
		return errors.Errorf("view %d references unknown rig %d or sub-pose %d", v.ViewID, v.RigID, v.SubPoseID)
	}
	if !sub.IsInitialized() {
		return errors.Errorf("sub-pose %d of rig %d is not initialized", v.SubPoseID, v.RigID)
	}
	s.Poses[v.PoseID] = CameraPose{Transform: sub.Pose.Inverse().Compose(pose)}
	return nil
}

// ValidViews returns the reconstructed views in ascending order.
func (s *SfMData) ValidViews() []Index {
	var ids []Index
	for id, v := range s.Views {
		if s.IsPoseAndIntrinsicDefined(v) {
			ids = append(ids, id)
		}
	}
	sortIndices(ids)
	return ids
}

// ViewIDs returns every view id in ascending order.
func (s *SfMData) ViewIDs() []Index {
	ids := make([]Index, 0, len(s.Views))
	for id := range s.Views {
		ids = append(ids, id)
	}
	sortIndices(ids)
	return ids
}

// LandmarkIDs returns every landmark id in ascending order.
func (s *SfMData) LandmarkIDs() []Index {
	ids := make([]Index, 0, len(s.Landmarks))
	for id := range s.Landmarks {
		ids = append(ids, id)
	}
	sortIndices(ids)
	return ids
}

// NextIntrinsicID returns an id not used by any intrinsic.
func (s *SfMData) NextIntrinsicID() Index {
	var next Index
	for id := range s.Intrinsics {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// Validate checks the cross references of the scene.
func (s *SfMData) Validate() error {
	var errs error
	for _, id := range s.ViewIDs() {
		v := s.Views[id]
		if v.ViewID != id {
			errs = multierr.Append(errs, errors.Errorf("view %d is stored under id %d", v.ViewID, id))
		}
		if v.IntrinsicID.IsDefined() {
			if _, ok := s.Intrinsics[v.IntrinsicID]; !ok {
				errs = multierr.Append(errs, errors.Errorf("view %d references unknown intrinsic %d", id, v.IntrinsicID))
			}
		}
		if v.IsPartOfRig() {
			if _, ok := s.rigSubPose(v); !ok {
				errs = multierr.Append(errs, errors.Errorf("view %d references unknown rig %d or sub-pose %d", id, v.RigID, v.SubPoseID))
			}
		}
	}
	for _, id := range s.LandmarkIDs() {
		for _, viewID := range s.Landmarks[id].ViewIDs() {
			v, ok := s.Views[viewID]
			if !ok {
				errs = multierr.Append(errs, errors.Errorf("landmark %d is observed by unknown view %d", id, viewID))
				continue
			}
			if !s.IsPoseAndIntrinsicDefined(v) {
				errs = multierr.Append(errs, errors.Errorf("landmark %d is observed by unreconstructed view %d", id, viewID))
			}
		}
	}
	return errs
}

// Clone returns a deep copy of the scene.
func (s *SfMData) Clone() *SfMData {
	out := New()
	for id, v := range s.Views {
		vc := *v
		out.Views[id] = &vc
	}
	for id, c := range s.Intrinsics {
		out.Intrinsics[id] = c.Clone()
	}
	for id, p := range s.Poses {
		out.Poses[id] = p
	}
	for id, r := range s.Rigs {
		out.Rigs[id] = r.Clone()
	}
	for id, l := range s.Landmarks {
		out.Landmarks[id] = l.Clone()
	}
	return out
}

func sortIndices(ids []Index) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
