package gmm

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/lenalebt/libmusic-sub000/internal/kmeans"
	"github.com/lenalebt/libmusic-sub000/internal/musicerr"
	"github.com/lenalebt/libmusic-sub000/internal/progress"
)

// GMM is an ordered sequence of Gaussians of identical dimension and
// variant whose weights sum to approximately 1.0 (tolerance 5e-2). A GMM
// exclusively owns its Gaussians.
type GMM struct {
	Gaussians []*Gaussian

	TrainLogLikelihood float64
	AIC                float64
	AICc               float64
	BIC                float64
}

// WeightTolerance is the slack spec.md allows around a weight sum of 1.0.
const WeightTolerance = 5e-2

// New validates and wraps a set of Gaussians into a GMM.
func New(gaussians []*Gaussian) (*GMM, error) {
	if len(gaussians) == 0 {
		return nil, fmt.Errorf("gmm: empty component list: %w", musicerr.ErrBadParameters)
	}
	variant := gaussians[0].Variant()
	dim := gaussians[0].Dim()
	var sum float64
	for _, g := range gaussians {
		if g.Variant() != variant || g.Dim() != dim {
			return nil, fmt.Errorf("gmm: inconsistent component dimension/variant: %w", musicerr.ErrBadParameters)
		}
		sum += g.Weight
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return nil, fmt.Errorf("gmm: weights sum to %.4f, want ~1.0: %w", sum, musicerr.ErrBadParameters)
	}
	return &GMM{Gaussians: gaussians}, nil
}

// Dim returns the feature-space dimensionality.
func (m *GMM) Dim() int {
	if len(m.Gaussians) == 0 {
		return 0
	}
	return m.Gaussians[0].Dim()
}

// Variant reports the covariance representation shared by all components.
func (m *GMM) Variant() Variant {
	if len(m.Gaussians) == 0 {
		return Full
	}
	return m.Gaussians[0].Variant()
}

// LogPDF evaluates the mixture's log-density at x via log-sum-exp over
// weighted component densities.
func (m *GMM) LogPDF(x []float64) float64 {
	logs := make([]float64, len(m.Gaussians))
	for i, g := range m.Gaussians {
		logs[i] = math.Log(g.Weight) + g.LogPDF(x)
	}
	return logSumExp(logs)
}

func logSumExp(logs []float64) float64 {
	maxVal := math.Inf(-1)
	for _, v := range logs {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		return maxVal
	}
	var sum float64
	for _, v := range logs {
		sum += math.Exp(v - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Sample draws a single point from the mixture: pick a component
// proportionally to its weight, then draw from that component.
func (m *GMM) Sample(rng *rand.Rand) []float64 {
	u := rand.Float64()
	if rng != nil {
		u = rng.Float64()
	}
	var cum float64
	for _, g := range m.Gaussians {
		cum += g.Weight
		if u <= cum {
			return g.Sample(rng)
		}
	}
	return m.Gaussians[len(m.Gaussians)-1].Sample(rng)
}

// CompareTo computes the empirical sampled Kullback-Leibler divergence
// from m to other: draw n samples from m, accumulate
// log p_m(x) - log p_other(x), clamping each log term below at -100 to
// suppress -Inf, and return the mean. Callers typically average this with
// other.CompareTo(m, n) for a symmetric distance.
func (m *GMM) CompareTo(other *GMM, n int, rng *rand.Rand) float64 {
	const floor = -100.0
	if n <= 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		x := m.Sample(rng)
		lp := math.Max(m.LogPDF(x), floor)
		lq := math.Max(other.LogPDF(x), floor)
		sum += lp - lq
	}
	return sum / float64(n)
}

// SymmetricKL is the convenience average of a.CompareTo(b, n) and
// b.CompareTo(a, n), the quantity spec.md's category learner uses.
func SymmetricKL(a, b *GMM, n int, rng *rand.Rand) float64 {
	return 0.5 * (a.CompareTo(b, n, rng) + b.CompareTo(a, n, rng))
}

// Concat forms the mixture addition of two GMMs over the same feature
// space: the union of their Gaussians, weights kept as-is. The result is
// diagonal iff both inputs are diagonal; otherwise every component is
// promoted to a full-covariance representation.
func Concat(a, b *GMM) (*GMM, error) {
	if a.Dim() != b.Dim() {
		return nil, fmt.Errorf("gmm: concat dimension mismatch (%d vs %d): %w", a.Dim(), b.Dim(), musicerr.ErrBadParameters)
	}
	bothDiagonal := a.Variant() == Diagonal && b.Variant() == Diagonal

	gaussians := make([]*Gaussian, 0, len(a.Gaussians)+len(b.Gaussians))
	for _, src := range [][]*Gaussian{a.Gaussians, b.Gaussians} {
		for _, g := range src {
			if bothDiagonal {
				gaussians = append(gaussians, g.Clone())
				continue
			}
			if g.Variant() == Full {
				gaussians = append(gaussians, g.Clone())
				continue
			}
			full, err := NewFull(g.Weight, g.Mean, g.CovarianceFull())
			if err != nil {
				return nil, err
			}
			gaussians = append(gaussians, full)
		}
	}
	return &GMM{Gaussians: gaussians}, nil
}

// TrainOptions configures trainGMM (spec.md Sec4.2).
type TrainOptions struct {
	// InitVariance seeds each component's covariance as InitVariance*I
	// when no explicit seeds are given.
	InitVariance float64
	// MinVariance floors diagonal covariance entries after each M-step.
	MinVariance float64
	// MaxIterations caps EM rounds (spec default 10).
	MaxIterations int
	// ConvergenceThreshold is the absolute log-likelihood delta below
	// which EM is considered converged (spec default 1e-6).
	ConvergenceThreshold float64
	// InitMeans optionally seeds the component means directly, skipping
	// the uniform/k-means++ pick.
	InitMeans [][]float64
	// UseKMeansPP requests k-means++-style seeding (Sec4.3) instead of
	// picking K uniformly random distinct points.
	UseKMeansPP bool
	Rng         *rand.Rand
	Sink        progress.Sink
	// OpID labels progress reports; defaults to "gmm.train".
	OpID string
	// Cancel is checked at each E-step boundary.
	Cancel <-chan struct{}
}

func (o *TrainOptions) withDefaults() TrainOptions {
	out := *o
	if out.MaxIterations <= 0 {
		out.MaxIterations = 10
	}
	if out.ConvergenceThreshold <= 0 {
		out.ConvergenceThreshold = 1e-6
	}
	if out.InitVariance <= 0 {
		out.InitVariance = 1.0
	}
	if out.MinVariance <= 0 {
		out.MinVariance = 1e-6
	}
	if out.OpID == "" {
		out.OpID = "gmm.train"
	}
	return out
}

// Train fits a K-component GMM to data by Expectation-Maximisation with
// log-sum-exp-stabilised responsibilities and a Moore-Penrose fallback for
// singular covariances. Training never fails on non-convergence: the
// partial model is returned and a warning is emitted via opts.Sink.
func Train(data [][]float64, k int, variant Variant, opts TrainOptions) (*GMM, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("gmm: empty training data: %w", musicerr.ErrEmptyInput)
	}
	if k <= 0 || k > len(data) {
		return nil, fmt.Errorf("gmm: invalid component count %d for %d points: %w", k, len(data), musicerr.ErrBadParameters)
	}
	dim := len(data[0])
	for _, x := range data {
		if len(x) != dim {
			return nil, fmt.Errorf("gmm: ragged training data: %w", musicerr.ErrBadParameters)
		}
	}
	o := opts.withDefaults()
	n := len(data)

	means := o.InitMeans
	if means == nil {
		if o.UseKMeansPP {
			means = kmeans.PlusPlusSeeds(data, k, o.Rng)
		} else {
			means = uniformSeeds(data, k, o.Rng)
		}
	}

	gaussians := make([]*Gaussian, k)
	for i := 0; i < k; i++ {
		var err error
		gaussians[i], err = initComponent(means[i], dim, variant, o.InitVariance, 1.0/float64(k))
		if err != nil {
			return nil, err
		}
	}

	resp := make([][]float64, n)
	for i := range resp {
		resp[i] = make([]float64, k)
	}

	prevLL := math.Inf(-1)
	converged := false

	for iter := 0; iter < o.MaxIterations; iter++ {
		select {
		case <-o.Cancel:
			return nil, musicerr.ErrCancelled
		default:
		}

		ll := eStep(data, gaussians, resp)
		mStep(data, resp, gaussians, variant, o.MinVariance)

		if iter > 0 && math.Abs(ll-prevLL) < o.ConvergenceThreshold {
			converged = true
			break
		}
		prevLL = ll
	}

	if !converged && o.Sink != nil {
		o.Sink.Progress(o.OpID, -1, fmt.Sprintf("%v: EM hit %d-iteration cap without converging", musicerr.ErrModelNotConverged, o.MaxIterations))
	}

	// The loop's last ll was measured against the pre-mStep gaussians; run
	// one more E-step against the post-mStep parameters so the stored
	// log-likelihood matches the components the caller actually gets back.
	finalLL := eStep(data, gaussians, resp)

	m := &GMM{Gaussians: gaussians, TrainLogLikelihood: finalLL}
	m.finalize(n, variant, dim, k)
	return m, nil
}

func initComponent(mean []float64, dim int, variant Variant, initVariance, weight float64) (*Gaussian, error) {
	switch variant {
	case Diagonal:
		variances := make([]float64, dim)
		for i := range variances {
			variances[i] = initVariance
		}
		return NewDiagonal(weight, mean, variances)
	default:
		cov := mat.NewSymDense(dim, nil)
		for i := 0; i < dim; i++ {
			cov.SetSym(i, i, initVariance)
		}
		return NewFull(weight, mean, cov)
	}
}

func uniformSeeds(data [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(data)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	shuffle(perm, rng)
	seeds := make([][]float64, k)
	for i := 0; i < k; i++ {
		seeds[i] = append([]float64(nil), data[perm[i%n]]...)
	}
	return seeds
}

func shuffle(idx []int, rng *rand.Rand) {
	for i := len(idx) - 1; i > 0; i-- {
		var j int
		if rng != nil {
			j = rng.Intn(i + 1)
		} else {
			j = rand.Intn(i + 1)
		}
		idx[i], idx[j] = idx[j], idx[i]
	}
}

// eStep fills resp with normalised responsibilities and returns the data
// log-likelihood for this round.
func eStep(data [][]float64, gaussians []*Gaussian, resp [][]float64) float64 {
	k := len(gaussians)
	logs := make([]float64, k)
	var ll float64
	for n, x := range data {
		for c, g := range gaussians {
			logs[c] = math.Log(g.Weight) + g.LogPDF(x)
		}
		norm := logSumExp(logs)
		ll += norm
		for c := range resp[n] {
			resp[n][c] = math.Exp(logs[c] - norm)
		}
	}
	return ll
}

// mStep recomputes weights, means, and covariances in place, rebuilding
// each Gaussian's factorisation cache.
func mStep(data [][]float64, resp [][]float64, gaussians []*Gaussian, variant Variant, minVariance float64) {
	n := len(data)
	k := len(gaussians)
	dim := len(data[0])

	nk := make([]float64, k)
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			nk[c] += resp[i][c]
		}
	}

	means := make([][]float64, k)
	for c := range means {
		means[c] = make([]float64, dim)
	}
	for i, x := range data {
		for c := 0; c < k; c++ {
			w := resp[i][c]
			if w == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				means[c][d] += w * x[d]
			}
		}
	}
	for c := 0; c < k; c++ {
		if nk[c] <= 0 {
			continue
		}
		for d := 0; d < dim; d++ {
			means[c][d] /= nk[c]
		}
	}

	switch variant {
	case Diagonal:
		variances := make([][]float64, k)
		for c := range variances {
			variances[c] = make([]float64, dim)
		}
		for i, x := range data {
			for c := 0; c < k; c++ {
				w := resp[i][c]
				if w == 0 {
					continue
				}
				for d := 0; d < dim; d++ {
					diff := x[d] - means[c][d]
					variances[c][d] += w * diff * diff
				}
			}
		}
		for c := 0; c < k; c++ {
			if nk[c] <= 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				variances[c][d] /= nk[c]
				if variances[c][d] < minVariance {
					variances[c][d] = minVariance
				}
			}
			gaussians[c].Weight = nk[c] / float64(n)
			gaussians[c].Mean = means[c]
			gaussians[c].covDiag = variances[c]
			gaussians[c].factorizeDiagonal()
		}
	default:
		covs := make([]*mat.SymDense, k)
		for c := range covs {
			covs[c] = mat.NewSymDense(dim, nil)
		}
		for i, x := range data {
			diffs := make([][]float64, k)
			for c := 0; c < k; c++ {
				w := resp[i][c]
				if w == 0 {
					continue
				}
				diff := make([]float64, dim)
				for d := 0; d < dim; d++ {
					diff[d] = x[d] - means[c][d]
				}
				diffs[c] = diff
				for a := 0; a < dim; a++ {
					for b := a; b < dim; b++ {
						covs[c].SetSym(a, b, covs[c].At(a, b)+w*diff[a]*diff[b])
					}
				}
			}
		}
		for c := 0; c < k; c++ {
			if nk[c] <= 0 {
				continue
			}
			for a := 0; a < dim; a++ {
				for b := a; b < dim; b++ {
					v := covs[c].At(a, b) / nk[c]
					covs[c].SetSym(a, b, v)
				}
			}
			for d := 0; d < dim; d++ {
				if covs[c].At(d, d) < minVariance {
					covs[c].SetSym(d, d, minVariance)
				}
			}
			gaussians[c].Weight = nk[c] / float64(n)
			gaussians[c].Mean = means[c]
			gaussians[c].covFull = covs[c]
			gaussians[c].factorizeFull()
		}
	}
}

// finalize computes the free-parameter count and AIC/AICc/BIC from n
// points, the chosen variant, the feature dimension, and component count.
func (m *GMM) finalize(n int, variant Variant, dim, k int) {
	var params int
	if variant == Diagonal {
		params = k * 2 * dim
	} else {
		params = k * (dim + dim*(dim+1)/2)
	}
	ll := m.TrainLogLikelihood
	m.AIC = 2*float64(params) - 2*ll
	denom := float64(n - params - 1)
	if denom > 0 {
		m.AICc = m.AIC + (2*float64(params)*float64(params+1))/denom
	} else {
		m.AICc = math.Inf(1)
	}
	m.BIC = float64(params)*math.Log(float64(n)) - 2*ll
}

// wireComponent is the JSON-on-the-wire shape of a single Gaussian:
// weight, mean, and a covariance array whose length discloses the
// variant (d entries -> diagonal, d*(d+1)/2 -> full, packed row-major
// lower triangle starting at the diagonal).
type wireComponent struct {
	Weight     float64   `json:"weight"`
	Mean       []float64 `json:"mean"`
	Covariance []float64 `json:"covariance"`
}

// Marshal serializes the GMM to the JSON array format spec.md §4.2
// describes: one object per component, in the order stored.
func (m *GMM) Marshal() ([]byte, error) {
	out := make([]wireComponent, len(m.Gaussians))
	for i, g := range m.Gaussians {
		wc := wireComponent{Weight: g.Weight, Mean: g.Mean}
		switch g.Variant() {
		case Diagonal:
			wc.Covariance = g.CovarianceDiag()
		default:
			wc.Covariance = packLowerTriangle(g.CovarianceFull())
		}
		out[i] = wc
	}
	return json.Marshal(out)
}

// Unmarshal parses the JSON array format Marshal produces. Every
// component's covariance array length must resolve unambiguously to
// diagonal (d) or full (d*(d+1)/2); anything else is MalformedModel.
func Unmarshal(data []byte) (*GMM, error) {
	var wire []wireComponent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("gmm: decode: %w: %v", musicerr.ErrMalformedModel, err)
	}
	if len(wire) == 0 {
		return nil, fmt.Errorf("gmm: empty component array: %w", musicerr.ErrMalformedModel)
	}
	gaussians := make([]*Gaussian, len(wire))
	for i, wc := range wire {
		d := len(wc.Mean)
		if d == 0 {
			return nil, fmt.Errorf("gmm: component %d has empty mean: %w", i, musicerr.ErrMalformedModel)
		}
		var g *Gaussian
		var err error
		switch len(wc.Covariance) {
		case d:
			g, err = NewDiagonal(wc.Weight, wc.Mean, wc.Covariance)
		case d * (d + 1) / 2:
			cov, unpackErr := unpackLowerTriangle(wc.Covariance, d)
			if unpackErr != nil {
				return nil, unpackErr
			}
			g, err = NewFull(wc.Weight, wc.Mean, cov)
		default:
			return nil, fmt.Errorf("gmm: component %d covariance length %d fits neither diagonal (%d) nor full (%d): %w",
				i, len(wc.Covariance), d, d*(d+1)/2, musicerr.ErrMalformedModel)
		}
		if err != nil {
			return nil, fmt.Errorf("gmm: component %d: %w", i, err)
		}
		gaussians[i] = g
	}
	return New(gaussians)
}

// packLowerTriangle serializes a symmetric matrix as its row-major lower
// triangle, row i contributing entries (i,0)..(i,i).
func packLowerTriangle(cov *mat.SymDense) []float64 {
	d := cov.Symmetric()
	out := make([]float64, 0, d*(d+1)/2)
	for i := 0; i < d; i++ {
		for j := 0; j <= i; j++ {
			out = append(out, cov.At(i, j))
		}
	}
	return out
}

func unpackLowerTriangle(packed []float64, d int) (*mat.SymDense, error) {
	if len(packed) != d*(d+1)/2 {
		return nil, fmt.Errorf("gmm: packed triangle length %d, want %d: %w", len(packed), d*(d+1)/2, musicerr.ErrMalformedModel)
	}
	cov := mat.NewSymDense(d, nil)
	idx := 0
	for i := 0; i < d; i++ {
		for j := 0; j <= i; j++ {
			cov.SetSym(i, j, packed[idx])
			idx++
		}
	}
	return cov, nil
}
