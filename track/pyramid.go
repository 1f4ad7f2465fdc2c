package track

import (
	"math"
	"sync"

	"github.com/golang/geo/r2"

	"go.viam.com/sfm/sfmdata"
)

// Default pyramid shape.
const (
	PyramidBase  = 2
	PyramidDepth = 5
)

// thresholdRatio of the maximum score below which a view is poorly covered.
const thresholdRatio = 0.2

// Pyramid scores how well a set of observations spreads over an image. Level l splits the image
// into base^(l+1) cells per axis and weighs each occupied cell by base^(l+1), so a track only
// counts once per cell and finer levels reward coverage more.
type Pyramid struct {
	base, depth int
	weights     []int
	maxScore    int

	mu sync.RWMutex
	// cells holds, per view and track, the flat cell index at each level.
	cells map[sfmdata.Index]map[sfmdata.Index][]int
}

// NewPyramid returns an empty pyramid. Non positive arguments select the defaults.
func NewPyramid(base, depth int) *Pyramid {
	if base < 2 {
		base = PyramidBase
	}
	if depth < 1 {
		depth = PyramidDepth
	}
	p := &Pyramid{
		base:    base,
		depth:   depth,
		weights: make([]int, depth),
		cells:   map[sfmdata.Index]map[sfmdata.Index][]int{},
	}
	for l := 0; l < depth; l++ {
		perAxis := p.cellsPerAxis(l)
		p.weights[l] = perAxis
		p.maxScore += perAxis * perAxis * perAxis
	}
	return p
}

func (p *Pyramid) cellsPerAxis(level int) int {
	return int(math.Pow(float64(p.base), float64(level+1)))
}

// Add records the observation of a track in a view of the given size.
func (p *Pyramid) Add(view, track sfmdata.Index, pt r2.Point, width, height int) {
	levels := make([]int, p.depth)
	for l := range levels {
		n := p.cellsPerAxis(l)
		cx := cellCoordinate(pt.X, width, n)
		cy := cellCoordinate(pt.Y, height, n)
		levels[l] = cy*n + cx
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	perTrack, ok := p.cells[view]
	if !ok {
		perTrack = map[sfmdata.Index][]int{}
		p.cells[view] = perTrack
	}
	perTrack[track] = levels
}

func cellCoordinate(v float64, size, n int) int {
	if size <= 0 {
		return 0
	}
	c := int(math.Floor(v / float64(size) * float64(n)))
	if c < 0 {
		return 0
	}
	if c >= n {
		return n - 1
	}
	return c
}

// Score returns the coverage score of the given tracks in a view. Tracks never added for the view
// are ignored.
func (p *Pyramid) Score(view sfmdata.Index, tracks []sfmdata.Index) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	perTrack := p.cells[view]
	occupied := make([]map[int]struct{}, p.depth)
	for l := range occupied {
		occupied[l] = map[int]struct{}{}
	}
	for _, t := range tracks {
		levels, ok := perTrack[t]
		if !ok {
			continue
		}
		for l, c := range levels {
			occupied[l][c] = struct{}{}
		}
	}
	score := 0
	for l, cells := range occupied {
		score += p.weights[l] * len(cells)
	}
	return score
}

// MaxScore is the score of a view with every cell of every level occupied.
func (p *Pyramid) MaxScore() int {
	return p.maxScore
}

// Threshold is the score under which a view is considered poorly covered.
func (p *Pyramid) Threshold() int {
	return int(float64(p.maxScore) * thresholdRatio)
}
