package bundle

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/sfmdata"
	"go.viam.com/sfm/spatialmath"
	"go.viam.com/sfm/utils"
)

// ErrNotConverged is returned when the solver stops without reaching a minimum. The problem
// blocks are left untouched.
var ErrNotConverged = errors.New("bundle adjustment did not converge")

// Summary describes a solve.
type Summary struct {
	Iterations    int
	NumResiduals  int
	NumParameters int
	InitialCost   float64
	FinalCost     float64
	InitialRMSE   float64
	FinalRMSE     float64
	Converged     bool
	Termination   string
	Duration      time.Duration
}

// Solver refines a problem in place.
type Solver interface {
	Solve(ctx context.Context, p *Problem) (Summary, error)
}

// LevenbergMarquardt is a damped Gauss-Newton solver that eliminates the points with a Schur
// complement so only the reduced camera system is factorized.
type LevenbergMarquardt struct {
	MaxIterations      int
	FunctionTolerance  float64
	ParameterTolerance float64
	GradientTolerance  float64
	InitialLambda      float64

	logger golog.Logger
}

// NewLevenbergMarquardt returns a solver with default tolerances. A nil logger discards output.
func NewLevenbergMarquardt(logger golog.Logger) *LevenbergMarquardt {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LevenbergMarquardt{
		MaxIterations:      100,
		FunctionTolerance:  1e-6,
		ParameterTolerance: 1e-8,
		GradientTolerance:  1e-10,
		InitialLambda:      1e-4,
		logger:             logger,
	}
}

const (
	maxLambda      = 1e16
	minLambda      = 1e-12
	minDiagonal    = 1e-6
	jacobianStep   = 1e-6
	negligibleCost = 1e-18
)

// state is the value of every block during the solve.
type state struct {
	poses  map[sfmdata.Index]spatialmath.Pose
	subs   map[sfmdata.Index]spatialmath.Pose
	cams   map[sfmdata.Index]*camera.PinholeCameraModel
	points map[sfmdata.Index]r3.Vector
}

// subPose returns the sub-pose of an observation, nil when it has none.
func (s *state) subPose(o Observation) *spatialmath.Pose {
	if o.SubPose == nil {
		return nil
	}
	sub := s.subs[*o.SubPose]
	return &sub
}

// layout places the free blocks in the parameter vector. Cameras come first, points follow.
type layout struct {
	poseOffset  map[sfmdata.Index]int
	fixedAxes   map[sfmdata.Index][3]bool
	subOffset   map[sfmdata.Index]int
	intrOffset  map[sfmdata.Index]int
	intrSize    map[sfmdata.Index]int
	intrAspect  map[sfmdata.Index]float64
	numCam      int
	pointIDs    []sfmdata.Index
	pointFree   []bool
	obsByPoint  [][]int
	numFreePts  int
	refinePP    map[sfmdata.Index]bool
	observation []Observation
}

func newLayout(p *Problem) *layout {
	l := &layout{
		poseOffset:  map[sfmdata.Index]int{},
		fixedAxes:   map[sfmdata.Index][3]bool{},
		subOffset:   map[sfmdata.Index]int{},
		intrOffset:  map[sfmdata.Index]int{},
		intrSize:    map[sfmdata.Index]int{},
		intrAspect:  map[sfmdata.Index]float64{},
		refinePP:    map[sfmdata.Index]bool{},
		observation: p.Observations,
	}
	used := map[sfmdata.Index]bool{}
	usedSub := map[sfmdata.Index]bool{}
	usedIntr := map[sfmdata.Index]bool{}
	for _, o := range p.Observations {
		used[o.PoseID] = true
		usedIntr[o.IntrinsicID] = true
		if o.SubPose != nil {
			usedSub[*o.SubPose] = true
		}
	}
	for _, id := range sortedIDs(p.Poses) {
		if used[id] && !p.Poses[id].Fixed {
			l.poseOffset[id] = l.numCam
			l.fixedAxes[id] = p.Poses[id].FixedCenterAxes
			l.numCam += 6
		}
	}
	for _, id := range sortedIDs(p.SubPoses) {
		if usedSub[id] && !p.SubPoses[id].Fixed {
			l.subOffset[id] = l.numCam
			l.numCam += 6
		}
	}
	for _, id := range sortedIDs(p.Intrinsics) {
		b := p.Intrinsics[id]
		l.intrAspect[id] = b.Camera.Fy / b.Camera.Fx
		l.refinePP[id] = b.RefinePrincipalPoint
		if usedIntr[id] && !b.Fixed && !b.Camera.Locked {
			n := len(intrinsicParams(b.Camera, b.RefinePrincipalPoint))
			l.intrOffset[id] = l.numCam
			l.intrSize[id] = n
			l.numCam += n
		}
	}
	index := map[sfmdata.Index]int{}
	for _, id := range sortedIDs(p.Points) {
		index[id] = len(l.pointIDs)
		l.pointIDs = append(l.pointIDs, id)
		l.pointFree = append(l.pointFree, !p.Points[id].Fixed)
		if !p.Points[id].Fixed {
			l.numFreePts++
		}
	}
	l.obsByPoint = make([][]int, len(l.pointIDs))
	for i, o := range p.Observations {
		j := index[o.PointID]
		l.obsByPoint[j] = append(l.obsByPoint[j], i)
	}
	return l
}

// wBlock is the coupling between a camera block and a point.
type wBlock struct {
	offset, size int
	m            []float64 // size x 3
}

// pointSystem is the linearization restricted to one point.
type pointSystem struct {
	v      [9]float64
	g      [3]float64
	blocks []wBlock
}

func (ps *pointSystem) block(offset, size int) *wBlock {
	for i := range ps.blocks {
		if ps.blocks[i].offset == offset {
			return &ps.blocks[i]
		}
	}
	ps.blocks = append(ps.blocks, wBlock{offset: offset, size: size, m: make([]float64, size*3)})
	return &ps.blocks[len(ps.blocks)-1]
}

// linearization is J^T W J and J^T W r of the whole problem.
type linearization struct {
	u      []float64 // numCam x numCam
	gc     []float64
	points []pointSystem
}

// Solve implements Solver.
func (lm *LevenbergMarquardt) Solve(ctx context.Context, p *Problem) (Summary, error) {
	start := time.Now()
	summary := Summary{NumResiduals: 2 * len(p.Observations)}
	if err := p.Validate(); err != nil {
		return summary, err
	}
	l := newLayout(p)
	summary.NumParameters = l.numCam + 3*l.numFreePts

	cur := initialState(p)
	cost, sq := lm.cost(p, l, cur)
	summary.InitialCost, summary.FinalCost = cost, cost
	summary.InitialRMSE = rmse(sq, len(p.Observations))
	summary.FinalRMSE = summary.InitialRMSE
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return summary, errors.Wrap(ErrNotConverged, "initial cost is not finite")
	}
	if summary.NumParameters == 0 || cost < negligibleCost {
		summary.Converged = true
		summary.Termination = "nothing to refine"
		summary.Duration = time.Since(start)
		return summary, nil
	}

	lambda := lm.InitialLambda
	for iter := 0; iter < lm.MaxIterations && !summary.Converged; iter++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Iterations = iter + 1
		lin, err := lm.linearize(ctx, p, l, cur)
		if err != nil {
			return summary, err
		}
		if lin.maxGradient(l) <= lm.GradientTolerance {
			summary.Converged = true
			summary.Termination = "gradient tolerance"
			break
		}
		accepted := false
		for !accepted {
			if lambda > maxLambda {
				// no damping reduces the cost any more: we are at a minimum
				summary.Converged = true
				summary.Termination = "no further decrease"
				break
			}
			delta, ok := lin.solve(l, lambda)
			if !ok {
				lambda *= 10
				continue
			}
			next, err := applyDelta(p, l, cur, delta)
			if err != nil {
				lambda *= 10
				continue
			}
			nextCost, nextSq := lm.cost(p, l, next)
			if math.IsNaN(nextCost) || nextCost >= cost {
				lambda *= 10
				continue
			}
			accepted = true
			lambda = math.Max(lambda/10, minLambda)
			decrease := cost - nextCost
			stepNorm, xNorm := norm(delta), stateNorm(l, cur)
			cur, cost = next, nextCost
			summary.FinalCost = cost
			summary.FinalRMSE = rmse(nextSq, len(p.Observations))
			lm.logger.Debugw("bundle iteration", "iteration", iter+1, "cost", cost, "lambda", lambda)
			switch {
			case decrease <= lm.FunctionTolerance*(cost+decrease):
				summary.Converged = true
				summary.Termination = "function tolerance"
			case stepNorm <= lm.ParameterTolerance*(xNorm+lm.ParameterTolerance):
				summary.Converged = true
				summary.Termination = "parameter tolerance"
			case cost < negligibleCost:
				summary.Converged = true
				summary.Termination = "zero cost"
			}
		}
	}
	summary.Duration = time.Since(start)
	if !summary.Converged {
		summary.Termination = "max iterations"
		return summary, errors.Wrapf(ErrNotConverged, "after %d iterations", summary.Iterations)
	}
	writeBack(p, l, cur)
	return summary, nil
}

func initialState(p *Problem) *state {
	s := &state{
		poses:  make(map[sfmdata.Index]spatialmath.Pose, len(p.Poses)),
		subs:   make(map[sfmdata.Index]spatialmath.Pose, len(p.SubPoses)),
		cams:   make(map[sfmdata.Index]*camera.PinholeCameraModel, len(p.Intrinsics)),
		points: make(map[sfmdata.Index]r3.Vector, len(p.Points)),
	}
	for id, b := range p.Poses {
		s.poses[id] = b.Pose
	}
	for id, b := range p.SubPoses {
		s.subs[id] = b.Pose
	}
	for id, b := range p.Intrinsics {
		s.cams[id] = b.Camera.Clone()
	}
	for id, b := range p.Points {
		s.points[id] = b.Position
	}
	return s
}

func writeBack(p *Problem, l *layout, s *state) {
	for id := range l.poseOffset {
		p.Poses[id].Pose = s.poses[id]
	}
	for id := range l.subOffset {
		p.SubPoses[id].Pose = s.subs[id]
	}
	for id := range l.intrOffset {
		p.Intrinsics[id].Camera = s.cams[id]
	}
	for i, id := range l.pointIDs {
		if l.pointFree[i] {
			p.Points[id].Position = s.points[id]
		}
	}
}

// cost returns half the robust cost and the plain sum of squared residuals.
func (lm *LevenbergMarquardt) cost(p *Problem, l *layout, s *state) (float64, float64) {
	var total, sq float64
	for _, o := range l.observation {
		r := project(s.poses[o.PoseID], s.subPose(o), s.cams[o.IntrinsicID], s.points[o.PointID]).Sub(o.Pixel)
		n := r.Dot(r)
		c, _ := huber(n, p.LossThreshold)
		total += c
		sq += n
	}
	return total / 2, sq
}

func rmse(sq float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Sqrt(sq / float64(n))
}

// linearize computes the normal equations in parallel over points; every group accumulates its
// own camera system that is merged when the group is done.
func (lm *LevenbergMarquardt) linearize(ctx context.Context, p *Problem, l *layout, s *state) (*linearization, error) {
	lin := &linearization{
		u:      make([]float64, l.numCam*l.numCam),
		gc:     make([]float64, l.numCam),
		points: make([]pointSystem, len(l.pointIDs)),
	}
	var mu sync.Mutex
	err := utils.GroupWorkParallel(
		ctx,
		len(l.pointIDs),
		func(int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			u := make([]float64, len(lin.u))
			gc := make([]float64, len(lin.gc))
			return func(memberNum, workNum int) {
					lm.linearizePoint(p, l, s, workNum, &lin.points[workNum], u, gc)
				}, func() {
					mu.Lock()
					defer mu.Unlock()
					for i, v := range u {
						lin.u[i] += v
					}
					for i, v := range gc {
						lin.gc[i] += v
					}
				}
		})
	if err != nil {
		return nil, err
	}
	return lin, nil
}

type camJacobian struct {
	offset int
	j      [][2]float64 // one column per parameter
}

func (lm *LevenbergMarquardt) linearizePoint(p *Problem, l *layout, s *state, pointIdx int, ps *pointSystem, u, gc []float64) {
	pointID := l.pointIDs[pointIdx]
	x := s.points[pointID]
	for _, oi := range l.obsByPoint[pointIdx] {
		o := l.observation[oi]
		pose, sub, cam := s.poses[o.PoseID], s.subPose(o), s.cams[o.IntrinsicID]
		r := project(pose, sub, cam, x).Sub(o.Pixel)
		_, w := huber(r.Dot(r), p.LossThreshold)

		var blocks []camJacobian
		if off, ok := l.poseOffset[o.PoseID]; ok {
			j := poseJacobian(pose, sub, cam, x)
			for a, fixed := range l.fixedAxes[o.PoseID] {
				if fixed {
					j[3+a] = [2]float64{}
				}
			}
			blocks = append(blocks, camJacobian{offset: off, j: j})
		}
		if sub != nil {
			if off, ok := l.subOffset[*o.SubPose]; ok {
				blocks = append(blocks, camJacobian{offset: off, j: subPoseJacobian(pose, *sub, cam, x)})
			}
		}
		if off, ok := l.intrOffset[o.IntrinsicID]; ok {
			blocks = append(blocks, camJacobian{offset: off, j: intrinsicJacobian(pose, sub, cam, l.refinePP[o.IntrinsicID], l.intrAspect[o.IntrinsicID], x)})
		}
		for _, a := range blocks {
			for ai, ja := range a.j {
				gc[a.offset+ai] += w * (ja[0]*r.X + ja[1]*r.Y)
				for _, b := range blocks {
					for bi, jb := range b.j {
						u[(a.offset+ai)*l.numCam+b.offset+bi] += w * (ja[0]*jb[0] + ja[1]*jb[1])
					}
				}
			}
		}
		if !l.pointFree[pointIdx] {
			continue
		}
		jp := pointJacobian(pose, sub, cam, x)
		for a := 0; a < 3; a++ {
			ps.g[a] += w * (jp[a][0]*r.X + jp[a][1]*r.Y)
			for b := 0; b < 3; b++ {
				ps.v[3*a+b] += w * (jp[a][0]*jp[b][0] + jp[a][1]*jp[b][1])
			}
		}
		for _, a := range blocks {
			wb := ps.block(a.offset, len(a.j))
			for ai, ja := range a.j {
				for b := 0; b < 3; b++ {
					wb.m[3*ai+b] += w * (ja[0]*jp[b][0] + ja[1]*jp[b][1])
				}
			}
		}
	}
}

func centralDifference(f func(h float64) r2.Point, h float64) [2]float64 {
	d := f(h).Sub(f(-h)).Mul(1 / (2 * h))
	return [2]float64{d.X, d.Y}
}

func perturbPose(pose spatialmath.Pose, i int, h float64) spatialmath.Pose {
	if i < 3 {
		var w r3.Vector
		switch i {
		case 0:
			w.X = h
		case 1:
			w.Y = h
		default:
			w.Z = h
		}
		return spatialmath.NewPose(spatialmath.RotationFromR3(w).Compose(pose.Rotation), pose.Center)
	}
	c := pose.Center
	switch i {
	case 3:
		c.X += h
	case 4:
		c.Y += h
	default:
		c.Z += h
	}
	return spatialmath.NewPose(pose.Rotation, c)
}

func poseJacobian(pose spatialmath.Pose, sub *spatialmath.Pose, cam *camera.PinholeCameraModel, x r3.Vector) [][2]float64 {
	out := make([][2]float64, 6)
	for i := range out {
		h := jacobianStep
		if i >= 3 {
			h *= math.Max(1, pose.Center.Norm())
		}
		out[i] = centralDifference(func(d float64) r2.Point {
			return project(perturbPose(pose, i, d), sub, cam, x)
		}, h)
	}
	return out
}

func subPoseJacobian(pose, sub spatialmath.Pose, cam *camera.PinholeCameraModel, x r3.Vector) [][2]float64 {
	out := make([][2]float64, 6)
	for i := range out {
		h := jacobianStep
		if i >= 3 {
			h *= math.Max(1, sub.Center.Norm())
		}
		out[i] = centralDifference(func(d float64) r2.Point {
			perturbed := perturbPose(sub, i, d)
			return project(pose, &perturbed, cam, x)
		}, h)
	}
	return out
}

func intrinsicJacobian(
	pose spatialmath.Pose, sub *spatialmath.Pose, cam *camera.PinholeCameraModel, refinePP bool, aspect float64, x r3.Vector,
) [][2]float64 {
	params := intrinsicParams(cam, refinePP)
	scratch := cam.Clone()
	out := make([][2]float64, len(params))
	trial := make([]float64, len(params))
	for i := range params {
		h := jacobianStep * math.Max(1, math.Abs(params[i]))
		out[i] = centralDifference(func(d float64) r2.Point {
			copy(trial, params)
			trial[i] += d
			if err := setIntrinsicParams(scratch, refinePP, aspect, trial); err != nil {
				return r2.Point{X: math.NaN(), Y: math.NaN()}
			}
			return project(pose, sub, scratch, x)
		}, h)
	}
	return out
}

func pointJacobian(pose spatialmath.Pose, sub *spatialmath.Pose, cam *camera.PinholeCameraModel, x r3.Vector) [3][2]float64 {
	var out [3][2]float64
	h := jacobianStep * math.Max(1, x.Norm())
	for i := range out {
		out[i] = centralDifference(func(d float64) r2.Point {
			y := x
			switch i {
			case 0:
				y.X += d
			case 1:
				y.Y += d
			default:
				y.Z += d
			}
			return project(pose, sub, cam, y)
		}, h)
	}
	return out
}

// solve returns the damped Gauss-Newton step for all free parameters, cameras first.
func (lin *linearization) solve(l *layout, lambda float64) ([]float64, bool) {
	nc := l.numCam
	s := make([]float64, nc*nc)
	copy(s, lin.u)
	rhs := make([]float64, nc)
	for i := 0; i < nc; i++ {
		rhs[i] = -lin.gc[i]
		s[i*nc+i] += lambda * math.Max(lin.u[i*nc+i], minDiagonal)
	}

	vinv := make([]*mat.Dense, len(lin.points))
	for pi := range lin.points {
		if !l.pointFree[pi] {
			continue
		}
		ps := &lin.points[pi]
		v := mat.NewDense(3, 3, nil)
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				v.Set(a, b, ps.v[3*a+b])
			}
			v.Set(a, a, ps.v[4*a]+lambda*math.Max(ps.v[4*a], minDiagonal))
		}
		var inv mat.Dense
		if err := inv.Inverse(v); err != nil {
			return nil, false
		}
		vinv[pi] = &inv

		// Schur complement: S -= W V^-1 W^T, rhs += W V^-1 g
		wv := make([][]float64, len(ps.blocks))
		for bi, wb := range ps.blocks {
			wv[bi] = make([]float64, wb.size*3)
			for r := 0; r < wb.size; r++ {
				for c := 0; c < 3; c++ {
					var sum float64
					for k := 0; k < 3; k++ {
						sum += wb.m[3*r+k] * inv.At(k, c)
					}
					wv[bi][3*r+c] = sum
				}
			}
		}
		for ai, a := range ps.blocks {
			for r := 0; r < a.size; r++ {
				var g float64
				for k := 0; k < 3; k++ {
					g += wv[ai][3*r+k] * ps.g[k]
				}
				rhs[a.offset+r] += g
				for _, b := range ps.blocks {
					for c := 0; c < b.size; c++ {
						var sum float64
						for k := 0; k < 3; k++ {
							sum += wv[ai][3*r+k] * b.m[3*c+k]
						}
						s[(a.offset+r)*nc+b.offset+c] -= sum
					}
				}
			}
		}
	}

	delta := make([]float64, nc+3*l.numFreePts)
	if nc > 0 {
		sym := mat.NewSymDense(nc, s)
		var chol mat.Cholesky
		if ok := chol.Factorize(sym); !ok {
			return nil, false
		}
		var dc mat.VecDense
		if err := chol.SolveVecTo(&dc, mat.NewVecDense(nc, rhs)); err != nil {
			return nil, false
		}
		copy(delta, dc.RawVector().Data)
	}

	off := nc
	for pi := range lin.points {
		if !l.pointFree[pi] {
			continue
		}
		ps := &lin.points[pi]
		var b [3]float64
		for k := 0; k < 3; k++ {
			b[k] = -ps.g[k]
		}
		for _, wb := range ps.blocks {
			for r := 0; r < wb.size; r++ {
				for k := 0; k < 3; k++ {
					b[k] -= wb.m[3*r+k] * delta[wb.offset+r]
				}
			}
		}
		for k := 0; k < 3; k++ {
			var sum float64
			for c := 0; c < 3; c++ {
				sum += vinv[pi].At(k, c) * b[c]
			}
			delta[off+k] = sum
		}
		off += 3
	}
	for _, d := range delta {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, false
		}
	}
	return delta, true
}

func applyDelta(p *Problem, l *layout, s *state, delta []float64) (*state, error) {
	next := &state{
		poses:  make(map[sfmdata.Index]spatialmath.Pose, len(s.poses)),
		subs:   make(map[sfmdata.Index]spatialmath.Pose, len(s.subs)),
		cams:   make(map[sfmdata.Index]*camera.PinholeCameraModel, len(s.cams)),
		points: make(map[sfmdata.Index]r3.Vector, len(s.points)),
	}
	for id, pose := range s.poses {
		off, ok := l.poseOffset[id]
		if !ok {
			next.poses[id] = pose
			continue
		}
		d := append([]float64(nil), delta[off:off+6]...)
		for a, fixed := range l.fixedAxes[id] {
			if fixed {
				d[3+a] = 0
			}
		}
		rot := spatialmath.RotationFromR3(r3.Vector{X: d[0], Y: d[1], Z: d[2]}).Compose(pose.Rotation)
		next.poses[id] = spatialmath.NewPose(rot, pose.Center.Add(r3.Vector{X: d[3], Y: d[4], Z: d[5]}))
	}
	for id, sub := range s.subs {
		off, ok := l.subOffset[id]
		if !ok {
			next.subs[id] = sub
			continue
		}
		d := delta[off : off+6]
		rot := spatialmath.RotationFromR3(r3.Vector{X: d[0], Y: d[1], Z: d[2]}).Compose(sub.Rotation)
		next.subs[id] = spatialmath.NewPose(rot, sub.Center.Add(r3.Vector{X: d[3], Y: d[4], Z: d[5]}))
	}
	for id, cam := range s.cams {
		off, ok := l.intrOffset[id]
		if !ok {
			next.cams[id] = cam
			continue
		}
		params := intrinsicParams(cam, l.refinePP[id])
		for i := range params {
			params[i] += delta[off+i]
		}
		c := cam.Clone()
		if err := setIntrinsicParams(c, l.refinePP[id], l.intrAspect[id], params); err != nil {
			return nil, err
		}
		if err := c.CheckValid(); err != nil {
			return nil, err
		}
		next.cams[id] = c
	}
	off := l.numCam
	for i, id := range l.pointIDs {
		x := s.points[id]
		if l.pointFree[i] {
			x = x.Add(r3.Vector{X: delta[off], Y: delta[off+1], Z: delta[off+2]})
			off += 3
		}
		next.points[id] = x
	}
	return next, nil
}

// maxGradient returns the largest absolute component of the gradient.
func (lin *linearization) maxGradient(l *layout) float64 {
	var m float64
	for _, g := range lin.gc {
		m = math.Max(m, math.Abs(g))
	}
	for pi := range lin.points {
		if !l.pointFree[pi] {
			continue
		}
		for _, g := range lin.points[pi].g {
			m = math.Max(m, math.Abs(g))
		}
	}
	return m
}

func norm(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

func stateNorm(l *layout, s *state) float64 {
	var sum float64
	for id := range l.poseOffset {
		c := s.poses[id].Center
		sum += c.Dot(c) + math.Pow(spatialmath.RotationToR3(s.poses[id].Rotation).Norm(), 2)
	}
	for id := range l.subOffset {
		c := s.subs[id].Center
		sum += c.Dot(c) + math.Pow(spatialmath.RotationToR3(s.subs[id].Rotation).Norm(), 2)
	}
	for id := range l.intrOffset {
		for _, x := range intrinsicParams(s.cams[id], l.refinePP[id]) {
			sum += x * x
		}
	}
	for i, id := range l.pointIDs {
		if l.pointFree[i] {
			x := s.points[id]
			sum += x.Dot(x)
		}
	}
	return math.Sqrt(sum)
}

func sortedIDs[V any](m map[sfmdata.Index]V) []sfmdata.Index {
	ids := make([]sfmdata.Index, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
