// Package sfm reconstructs camera poses and a sparse point cloud from pairwise feature
// correspondences by adding views one batch at a time.
package sfm

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/sfm/sfmdata"
)

var (
	// ErrNoInitialPair is returned when no pair of views yields a valid two view reconstruction.
	ErrNoInitialPair = errors.New("no initial pair found")
	// ErrNotEnoughCorrespondences is returned when a view sees too few reconstructed points.
	ErrNotEnoughCorrespondences = errors.New("not enough 2D-3D correspondences")
	// ErrDegenerateConfiguration is returned when the geometry of an estimate is ill conditioned.
	ErrDegenerateConfiguration = errors.New("degenerate configuration")
	// ErrTooFewInliers is returned when a robust estimate keeps too few inliers to be trusted.
	ErrTooFewInliers = errors.New("too few inliers")
)

// ReconstructionEngine builds a scene from correspondences.
type ReconstructionEngine interface {
	// Process runs the reconstruction to completion. The scene is updated in place.
	Process(ctx context.Context) error
	// Data returns the scene being reconstructed.
	Data() *sfmdata.SfMData
	// Report returns a snapshot of the run statistics.
	Report() Report
}

// State is a stage of the reconstruction.
type State int

// The stages of a sequential reconstruction, in order.
const (
	StateInit State = iota
	StateSeedSelected
	StateIterating
	StateConverging
	StateDone
	StateFailed
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSeedSelected:
		return "seed_selected"
	case StateIterating:
		return "iterating"
	case StateConverging:
		return "converging"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
