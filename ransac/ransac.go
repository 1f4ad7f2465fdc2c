// Package ransac implements a generic robust estimator with either a fixed inlier threshold or
// an a contrario adaptive one.
package ransac

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrNotEnoughSamples is returned when the data set is smaller than a minimal sample.
	ErrNotEnoughSamples = errors.New("not enough samples to fit a model")
	// ErrNoConsensus is returned when no model gathers enough inliers.
	ErrNoConsensus = errors.New("no model reached consensus")
)

// Kernel adapts a model estimation problem to the estimator.
type Kernel[M any] interface {
	// MinimumSamples is the size of a minimal sample.
	MinimumSamples() int
	// NumSamples is the size of the data set.
	NumSamples() int
	// Fit estimates zero or more models from the data indices. It may be called with more than
	// MinimumSamples indices for local optimization.
	Fit(sample []int) ([]M, error)
	// Error returns the residual of datum i under model, in the unit of the threshold.
	Error(model M, i int) float64
}

// ThresholdPolicy selects how the inlier threshold is chosen.
type ThresholdPolicy int

const (
	// ThresholdFixed uses Params.Threshold as is.
	ThresholdFixed ThresholdPolicy = iota
	// ThresholdAdaptive estimates the threshold per model by minimizing the number of false alarms,
	// bounded above by Params.Threshold when it is set.
	ThresholdAdaptive
)

// String returns the policy name.
func (p ThresholdPolicy) String() string {
	switch p {
	case ThresholdFixed:
		return "fixed"
	case ThresholdAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParseThresholdPolicy parses the name returned by String.
func ParseThresholdPolicy(s string) (ThresholdPolicy, error) {
	switch s {
	case "fixed", "":
		return ThresholdFixed, nil
	case "adaptive", "acransac":
		return ThresholdAdaptive, nil
	default:
		return ThresholdFixed, errors.Errorf("unknown threshold policy %q", s)
	}
}

// Params configures one estimation.
type Params struct {
	Policy    ThresholdPolicy
	Threshold float64
	// MaxIterations bounds the number of sampled hypotheses.
	MaxIterations int
	// Confidence in (0,1) stops sampling early once the best consensus is likely found.
	Confidence float64
	// MinInliers is the smallest accepted consensus. Defaults to MinimumSamples.
	MinInliers int
	// LocalOptimization refits every new best model on its inliers.
	LocalOptimization bool
	Seed              int64
	// LogAlpha0 is log10 of the probability that a random datum has unit residual (adaptive policy).
	LogAlpha0 float64
	// ErrorDimension scales log10(residual) in the false alarm model (2 for point to point errors).
	ErrorDimension float64
}

// DefaultParams returns a fixed threshold configuration.
func DefaultParams(threshold float64) Params {
	return Params{
		Policy:            ThresholdFixed,
		Threshold:         threshold,
		MaxIterations:     4096,
		Confidence:        0.9999,
		LocalOptimization: true,
		Seed:              42,
		ErrorDimension:    2,
	}
}

// Result is the consensus found.
type Result[M any] struct {
	Model      M
	Inliers    []int
	Threshold  float64
	NFA        float64
	Iterations int
}

// Estimate runs the robust estimation.
func Estimate[M any](ctx context.Context, k Kernel[M], params Params) (Result[M], error) {
	var zero Result[M]
	n := k.NumSamples()
	s := k.MinimumSamples()
	if n < s || s <= 0 {
		return zero, errors.Wrapf(ErrNotEnoughSamples, "have %d, need %d", n, s)
	}
	if params.MaxIterations <= 0 {
		params.MaxIterations = 4096
	}
	if params.MinInliers < s {
		params.MinInliers = s
	}
	if params.ErrorDimension == 0 {
		params.ErrorDimension = 2
	}
	if params.Policy == ThresholdFixed && params.Threshold <= 0 {
		return zero, errors.New("fixed threshold policy needs a positive threshold")
	}

	est := &estimator[M]{k: k, params: params, n: n, s: s}
	if params.Policy == ThresholdAdaptive {
		est.logCombinations()
	}

	rng := rand.New(rand.NewSource(params.Seed)) //nolint:gosec
	maxIter := params.MaxIterations
	if n == s {
		maxIter = 1
	}
	sample := make([]int, s)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	var best *candidate[M]
	iter := 0
	for ; iter < maxIter; iter++ {
		if iter%64 == 0 {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
		}
		drawSample(rng, perm, sample)
		models, err := k.Fit(sample)
		if err != nil {
			continue
		}
		for _, m := range models {
			c, ok := est.score(m)
			if !ok || !c.better(best) {
				continue
			}
			if params.LocalOptimization && len(c.inliers) > s {
				c = est.localOptimize(c)
			}
			best = c
			maxIter = est.updateIterations(maxIter, len(best.inliers))
		}
	}
	if best == nil || len(best.inliers) < params.MinInliers {
		return zero, errors.Wrapf(ErrNoConsensus, "after %d iterations", iter)
	}
	return Result[M]{
		Model:      best.model,
		Inliers:    best.inliers,
		Threshold:  best.threshold,
		NFA:        best.nfa,
		Iterations: iter,
	}, nil
}

type candidate[M any] struct {
	model     M
	inliers   []int
	threshold float64
	nfa       float64
	cost      float64
}

// better ranks by NFA under the adaptive policy and by inlier count then residual otherwise.
func (c *candidate[M]) better(other *candidate[M]) bool {
	if other == nil {
		return true
	}
	if !math.IsNaN(c.nfa) && !math.IsNaN(other.nfa) {
		return c.nfa < other.nfa
	}
	if len(c.inliers) != len(other.inliers) {
		return len(c.inliers) > len(other.inliers)
	}
	return c.cost < other.cost
}

type estimator[M any] struct {
	k      Kernel[M]
	params Params
	n, s   int
	// logCnk[k] = log10(C(n,k)), logCks[k] = log10(C(k,s))
	logCnk []float64
	logCks []float64
}

func (e *estimator[M]) logCombinations() {
	e.logCnk = make([]float64, e.n+1)
	e.logCks = make([]float64, e.n+1)
	for k := 0; k <= e.n; k++ {
		e.logCnk[k] = logCombination(e.n, k)
		e.logCks[k] = logCombination(k, e.s)
	}
}

func logCombination(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	lg := func(x int) float64 {
		v, _ := math.Lgamma(float64(x) + 1)
		return v
	}
	return (lg(n) - lg(k) - lg(n-k)) / math.Ln10
}

func (e *estimator[M]) score(m M) (*candidate[M], bool) {
	if e.params.Policy == ThresholdAdaptive {
		return e.scoreAContrario(m)
	}
	c := &candidate[M]{model: m, threshold: e.params.Threshold, nfa: math.NaN()}
	for i := 0; i < e.n; i++ {
		r := e.k.Error(m, i)
		if r <= e.params.Threshold {
			c.inliers = append(c.inliers, i)
			c.cost += r * r
		}
	}
	if len(c.inliers) < e.s {
		return nil, false
	}
	return c, true
}

type residual struct {
	err float64
	idx int
}

// scoreAContrario finds the number of inliers minimizing the number of false alarms of the model.
func (e *estimator[M]) scoreAContrario(m M) (*candidate[M], bool) {
	res := make([]residual, 0, e.n)
	for i := 0; i < e.n; i++ {
		r := e.k.Error(m, i)
		if math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		if e.params.Threshold > 0 && r > e.params.Threshold {
			continue
		}
		res = append(res, residual{r, i})
	}
	if len(res) <= e.s {
		return nil, false
	}
	sort.Slice(res, func(i, j int) bool { return res[i].err < res[j].err })

	const epsilon = 1e-12
	logE0 := math.Log10(float64(e.n - e.s))
	bestNFA := math.Inf(1)
	bestK := 0
	for k := e.s + 1; k <= len(res); k++ {
		logAlpha := e.params.LogAlpha0 + e.params.ErrorDimension*math.Log10(res[k-1].err+epsilon)
		nfa := logE0 + logAlpha*float64(k-e.s) + e.logCnk[k] + e.logCks[k]
		if nfa < bestNFA {
			bestNFA = nfa
			bestK = k
		}
	}
	if bestK == 0 || bestNFA >= 0 {
		return nil, false
	}
	c := &candidate[M]{model: m, threshold: res[bestK-1].err, nfa: bestNFA}
	c.inliers = make([]int, bestK)
	for i := 0; i < bestK; i++ {
		c.inliers[i] = res[i].idx
		c.cost += res[i].err * res[i].err
	}
	sort.Ints(c.inliers)
	return c, true
}

// localOptimize refits the model on its consensus set while that improves the score.
func (e *estimator[M]) localOptimize(c *candidate[M]) *candidate[M] {
	const maxRefits = 4
	for i := 0; i < maxRefits; i++ {
		models, err := e.k.Fit(c.inliers)
		if err != nil || len(models) == 0 {
			return c
		}
		improved := false
		for _, m := range models {
			next, ok := e.score(m)
			if ok && len(next.inliers) >= len(c.inliers) && next.better(c) {
				c = next
				improved = true
			}
		}
		if !improved {
			return c
		}
	}
	return c
}

// updateIterations shortens the run once the inlier ratio makes further sampling unlikely to help.
func (e *estimator[M]) updateIterations(current, numInliers int) int {
	if e.params.Confidence <= 0 || e.params.Confidence >= 1 {
		return current
	}
	ratio := float64(numInliers) / float64(e.n)
	pGood := math.Pow(ratio, float64(e.s))
	if pGood >= 1 {
		return 1
	}
	if pGood <= 0 {
		return current
	}
	needed := math.Ceil(math.Log(1-e.params.Confidence) / math.Log(1-pGood))
	if needed < float64(current) {
		return int(math.Max(needed, 1))
	}
	return current
}

// drawSample fills sample with distinct indices using a partial Fisher-Yates shuffle of perm.
func drawSample(rng *rand.Rand, perm, sample []int) {
	n := len(perm)
	for i := range sample {
		j := i + rng.Intn(n-i)
		perm[i], perm[j] = perm[j], perm[i]
		sample[i] = perm[i]
	}
}
