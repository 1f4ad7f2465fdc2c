// Package sfmdata contains the scene model of a reconstruction: views, intrinsics, poses, rigs and
// landmarks, all cross referenced by identifier.
package sfmdata

import (
	"math"
	"strconv"
)

// Index identifies a view, pose, intrinsic, rig, landmark or feature within a scene.
type Index uint32

// UndefinedIndex marks an identifier that is not set.
const UndefinedIndex Index = math.MaxUint32

// IsDefined returns whether the index is set.
func (i Index) IsDefined() bool {
	return i != UndefinedIndex
}

func (i Index) String() string {
	if i == UndefinedIndex {
		return "undefined"
	}
	return strconv.FormatUint(uint64(i), 10)
}

// DescType names the kind of descriptor a feature was extracted with.
type DescType string

// Known descriptor types.
const (
	DescTypeUnknown DescType = "unknown"
	DescTypeSIFT    DescType = "sift"
	DescTypeAKAZE   DescType = "akaze"
	DescTypeORB     DescType = "orb"
)

// View is one image of the scene.
type View struct {
	ViewID      Index  `json:"view_id"`
	IntrinsicID Index  `json:"intrinsic_id"`
	PoseID      Index  `json:"pose_id"`
	RigID       Index  `json:"rig_id"`
	SubPoseID   Index  `json:"sub_pose_id"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ImagePath   string `json:"image_path,omitempty"`
}

// NewView returns a view that owns its pose, i.e. the pose id equals the view id, and is not part
// of a rig.
func NewView(viewID, intrinsicID Index, width, height int) *View {
	return &View{
		ViewID:      viewID,
		IntrinsicID: intrinsicID,
		PoseID:      viewID,
		RigID:       UndefinedIndex,
		SubPoseID:   UndefinedIndex,
		Width:       width,
		Height:      height,
	}
}

// IsPartOfRig returns whether the view is one camera of a rig.
func (v *View) IsPartOfRig() bool {
	return v.RigID.IsDefined() && v.SubPoseID.IsDefined()
}
