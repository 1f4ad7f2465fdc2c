package ransac

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

// line is y = a*x + b.
type line struct{ a, b float64 }

type lineKernel struct {
	pts []r2.Point
}

func (k *lineKernel) MinimumSamples() int { return 2 }
func (k *lineKernel) NumSamples() int     { return len(k.pts) }

func (k *lineKernel) Fit(sample []int) ([]line, error) {
	// least squares over the sample
	var sx, sy, sxx, sxy float64
	for _, i := range sample {
		p := k.pts[i]
		sx += p.X
		sy += p.Y
		sxx += p.X * p.X
		sxy += p.X * p.Y
	}
	n := float64(len(sample))
	den := n*sxx - sx*sx
	if math.Abs(den) < 1e-12 {
		return nil, errors.New("degenerate sample")
	}
	a := (n*sxy - sx*sy) / den
	return []line{{a: a, b: (sy - a*sx) / n}}, nil
}

func (k *lineKernel) Error(m line, i int) float64 {
	p := k.pts[i]
	return math.Abs(m.a*p.X+m.b-p.Y) / math.Sqrt(1+m.a*m.a)
}

func makeLine(numInliers, numOutliers int, noise float64) *lineKernel {
	rng := rand.New(rand.NewSource(7))
	k := &lineKernel{}
	for i := 0; i < numInliers; i++ {
		x := rng.Float64()*100 - 50
		k.pts = append(k.pts, r2.Point{X: x, Y: 2*x + 1 + (rng.Float64()-0.5)*noise})
	}
	for i := 0; i < numOutliers; i++ {
		k.pts = append(k.pts, r2.Point{X: rng.Float64()*100 - 50, Y: rng.Float64()*400 - 200})
	}
	return k
}

func TestEstimateFixed(t *testing.T) {
	k := makeLine(80, 20, 0.2)
	res, err := Estimate[line](context.Background(), k, DefaultParams(0.5))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Model.a, test.ShouldAlmostEqual, 2, 0.01)
	test.That(t, res.Model.b, test.ShouldAlmostEqual, 1, 0.2)
	test.That(t, len(res.Inliers), test.ShouldBeGreaterThanOrEqualTo, 80)
	test.That(t, len(res.Inliers), test.ShouldBeLessThan, 85)
	test.That(t, res.Threshold, test.ShouldEqual, 0.5)

	// same seed, same answer
	res2, err := Estimate[line](context.Background(), k, DefaultParams(0.5))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res2.Inliers, test.ShouldResemble, res.Inliers)
}

func TestEstimateAdaptive(t *testing.T) {
	k := makeLine(80, 20, 0.2)
	params := DefaultParams(10)
	params.Policy = ThresholdAdaptive
	// residuals are 1D distances in a 100x400 window
	params.LogAlpha0 = math.Log10(2. / 400)
	params.ErrorDimension = 1
	res, err := Estimate[line](context.Background(), k, params)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Model.a, test.ShouldAlmostEqual, 2, 0.01)
	test.That(t, res.Threshold, test.ShouldBeLessThan, 1)
	test.That(t, res.NFA, test.ShouldBeLessThan, 0)
	test.That(t, len(res.Inliers), test.ShouldBeGreaterThanOrEqualTo, 70)
}

func TestEstimateFailures(t *testing.T) {
	_, err := Estimate[line](context.Background(), &lineKernel{pts: []r2.Point{{X: 1, Y: 1}}}, DefaultParams(1))
	test.That(t, errors.Is(err, ErrNotEnoughSamples), test.ShouldBeTrue)

	params := DefaultParams(0.01)
	params.MinInliers = 50
	_, err = Estimate[line](context.Background(), makeLine(10, 90, 0), params)
	test.That(t, errors.Is(err, ErrNoConsensus), test.ShouldBeTrue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Estimate[line](ctx, makeLine(10, 10, 0), DefaultParams(1))
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestThresholdPolicy(t *testing.T) {
	p, err := ParseThresholdPolicy("adaptive")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldEqual, ThresholdAdaptive)
	test.That(t, p.String(), test.ShouldEqual, "adaptive")
	_, err = ParseThresholdPolicy("magic")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDrawSampleDistinct(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	perm := []int{0, 1, 2, 3, 4, 5}
	sample := make([]int, 4)
	for i := 0; i < 100; i++ {
		drawSample(rng, perm, sample)
		seen := map[int]bool{}
		for _, s := range sample {
			test.That(t, seen[s], test.ShouldBeFalse)
			seen[s] = true
		}
	}
}
