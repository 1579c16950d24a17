// Package basis builds the smooth, band-limited frequency-domain basis
// vectors used to model per-baseline foregrounds.
package basis

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-calamity/dataset"
	"github.com/tsawler/go-calamity/redundancy"
)

var (
	ErrEmptyFrequencies = errors.New("basis: empty frequency axis")
	ErrInvalidHalfWidth = errors.New("basis: delay half-width must be non-negative")
	ErrInvalidCutoff    = errors.New("basis: eigenvalue cutoff must be non-negative")
	ErrFactorize        = errors.New("basis: eigendecomposition failed")
	ErrMissingGroup     = errors.New("basis: redundant group without members")
)

// DefaultEigenvalCutoff keeps every mode with a concentration above 1e-12.
const DefaultEigenvalCutoff = 1e-12

// speedOfLight in meters per nanosecond, rounded as in the HERA pipelines.
const speedOfLight = 0.3

// DPSSParams controls the delay range modeled for each baseline.
type DPSSParams struct {
	Horizon        float64 // fraction of the horizon delay
	MinDly         float64 // ns, floor on the modeled delay
	Offset         float64 // ns, added to the horizon delay
	EigenvalCutoff float64
}

// DefaultDPSSParams models the full horizon with no offset or floor.
func DefaultDPSSParams() DPSSParams {
	return DPSSParams{
		Horizon:        1.0,
		EigenvalCutoff: DefaultEigenvalCutoff,
	}
}

// HorizonDelay returns the delay half-width in seconds modeled for a
// baseline of the given length in meters: ceil(max(minDly, length/c *
// horizon + offset)) nanoseconds.
func HorizonDelay(length, horizon, offset, minDly float64) float64 {
	dly := length/speedOfLight*horizon + offset
	return math.Ceil(math.Max(minDly, dly)) / 1e9
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// channelWidth returns the median channel spacing, or 1 for a single channel.
func channelWidth(freqs []float64) float64 {
	if len(freqs) < 2 {
		return 1
	}
	diffs := make([]float64, len(freqs)-1)
	for i := range diffs {
		diffs[i] = math.Abs(freqs[i+1] - freqs[i])
	}
	sort.Float64s(diffs)
	n := len(diffs)
	if n%2 == 1 {
		return diffs[n/2]
	}
	return (diffs[n/2-1] + diffs[n/2]) / 2
}

// DPSSOperator returns an Nfreq x Nbasis matrix whose columns are discrete
// prolate spheroidal sequences concentrated within |delay| <= halfWidth
// seconds, ordered by decreasing concentration. Modes whose concentration
// falls below eigenvalCutoff are dropped; at least one mode is kept.
//
// When cache is non-nil the operator is looked up and stored there.
func DPSSOperator(freqs []float64, halfWidth, eigenvalCutoff float64, cache *OperatorCache) (*mat.Dense, error) {
	if len(freqs) == 0 {
		return nil, ErrEmptyFrequencies
	}
	if halfWidth < 0 || math.IsNaN(halfWidth) || math.IsInf(halfWidth, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHalfWidth, halfWidth)
	}
	if eigenvalCutoff < 0 || math.IsNaN(eigenvalCutoff) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCutoff, eigenvalCutoff)
	}

	var key string
	if cache != nil {
		key = cacheKey(freqs, halfWidth, eigenvalCutoff)
		if op, ok := cache.Get(key); ok {
			return op, nil
		}
	}

	nf := len(freqs)
	df := channelWidth(freqs)
	a := mat.NewSymDense(nf, nil)
	for m := 0; m < nf; m++ {
		for n := m; n < nf; n++ {
			a.SetSym(m, n, 2*halfWidth*df*sinc(2*halfWidth*(freqs[m]-freqs[n])))
		}
	}

	var es mat.EigenSym
	if ok := es.Factorize(a, true); !ok {
		return nil, ErrFactorize
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	order := make([]int, nf)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return vals[order[i]] > vals[order[j]] })

	keep := 0
	for keep < nf && vals[order[keep]] >= eigenvalCutoff {
		keep++
	}
	if keep == 0 {
		keep = 1
	}

	op := mat.NewDense(nf, keep, nil)
	for k := 0; k < keep; k++ {
		col := order[k]
		// Fix the sign so the largest component is positive.
		sign, peak := 1.0, 0.0
		for m := 0; m < nf; m++ {
			if v := vecs.At(m, col); math.Abs(v) > peak {
				peak = math.Abs(v)
				sign = math.Copysign(1, v)
			}
		}
		for m := 0; m < nf; m++ {
			op.Set(m, k, sign*vecs.At(m, col))
		}
	}

	if cache != nil {
		cache.Put(key, op)
	}
	return op, nil
}

// DPSSEvecs builds one DPSS operator per redundant group, from the group's
// baseline length, and assigns it to every member pair.
func DPSSEvecs(freqs []float64, groups *redundancy.Groups, params DPSSParams, cache *OperatorCache) (map[dataset.AntPair]*mat.Dense, error) {
	evecs := make(map[dataset.AntPair]*mat.Dense, len(groups.AntPairs))
	for gi, grp := range groups.Groups {
		if len(grp) == 0 {
			return nil, fmt.Errorf("%w: group %d", ErrMissingGroup, gi)
		}
		dly := HorizonDelay(groups.Lengths[gi], params.Horizon, params.Offset, params.MinDly)
		op, err := DPSSOperator(freqs, dly, params.EigenvalCutoff, cache)
		if err != nil {
			return nil, fmt.Errorf("group %d (%s): %w", gi, grp[0], err)
		}
		for _, ap := range grp {
			evecs[ap] = op
		}
	}
	return evecs, nil
}
