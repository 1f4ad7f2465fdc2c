package sfmdata

import (
	"encoding/json"

	"github.com/pkg/errors"

	"go.viam.com/sfm/spatialmath"
)

// SubPoseStatus tells whether the pose of a camera relative to its rig is known.
type SubPoseStatus int

// Sub-pose states.
const (
	SubPoseUninitialized SubPoseStatus = iota
	SubPoseEstimated
	SubPoseConstant
)

var subPoseStatusNames = map[SubPoseStatus]string{
	SubPoseUninitialized: "uninitialized",
	SubPoseEstimated:     "estimated",
	SubPoseConstant:      "constant",
}

func (s SubPoseStatus) String() string {
	if n, ok := subPoseStatusNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalJSON encodes the status by name.
func (s SubPoseStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *SubPoseStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for k, v := range subPoseStatusNames {
		if v == name {
			*s = k
			return nil
		}
	}
	return errors.Errorf("unknown sub-pose status %q", name)
}

// RigSubPose is the pose of one rig camera in the rig frame.
type RigSubPose struct {
	Pose   spatialmath.Pose `json:"pose"`
	Status SubPoseStatus    `json:"status"`
}

// IsInitialized returns whether the sub-pose is known.
func (s RigSubPose) IsInitialized() bool {
	return s.Status != SubPoseUninitialized
}

// Rig is a rigid set of cameras sharing one pose per capture.
type Rig struct {
	SubPoses []RigSubPose `json:"sub_poses"`
}

// NewRig returns a rig with nbSubPoses uninitialized sub-poses.
func NewRig(nbSubPoses int) *Rig {
	r := &Rig{SubPoses: make([]RigSubPose, nbSubPoses)}
	for i := range r.SubPoses {
		r.SubPoses[i].Pose = spatialmath.IdentityPose()
	}
	return r
}

// IsInitialized returns whether at least one sub-pose is known.
func (r *Rig) IsInitialized() bool {
	for _, s := range r.SubPoses {
		if s.IsInitialized() {
			return true
		}
	}
	return false
}

// SubPose returns the sub-pose with the given id.
func (r *Rig) SubPose(id Index) (RigSubPose, error) {
	if int(id) >= len(r.SubPoses) {
		return RigSubPose{}, errors.Errorf("rig has no sub-pose %d", id)
	}
	return r.SubPoses[id], nil
}

// SetSubPose sets the sub-pose with the given id.
func (r *Rig) SetSubPose(id Index, sub RigSubPose) error {
	if int(id) >= len(r.SubPoses) {
		return errors.Errorf("rig has no sub-pose %d", id)
	}
	r.SubPoses[id] = sub
	return nil
}

// Clone returns a deep copy of the rig.
func (r *Rig) Clone() *Rig {
	return &Rig{SubPoses: append([]RigSubPose(nil), r.SubPoses...)}
}
