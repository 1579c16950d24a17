package solver

import (
	"errors"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-calamity/dataset"
)

// smallProblem builds three antennas and four channels with baseline (2, 1)
// stored reversed. Each pair gets its own two-column basis.
func smallProblem(t *testing.T) (*dataset.Dataset, map[dataset.AntPair]*mat.Dense) {
	t.Helper()
	pairs := []dataset.AntPair{{0, 1}, {2, 1}, {0, 2}}
	ds, err := dataset.New(pairs, []float64{1}, []float64{100e6, 100.1e6, 100.2e6, 100.3e6}, []string{"ee"},
		[]int{0, 1, 2}, [][3]float64{{0, 0, 0}, {10, 0, 0}, {20, 0, 0}})
	require.NoError(t, err)

	evecs := map[dataset.AntPair]*mat.Dense{
		{0, 1}: mat.NewDense(4, 2, []float64{0.5, 0.1, 0.5, -0.3, 0.5, 0.2, 0.5, 0.7}),
		{1, 2}: mat.NewDense(4, 2, []float64{0.4, -0.2, 0.6, 0.1, 0.3, 0.5, 0.2, -0.4}),
		{0, 2}: mat.NewDense(4, 2, []float64{0.1, 0.9, 0.2, -0.1, 0.8, 0.3, 0.4, 0.2}),
	}
	return ds, evecs
}

func TestNewIndexMap(t *testing.T) {
	ds, evecs := smallProblem(t)
	im, err := newIndexMap(ds, evecs)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, im.ants)
	assert.Equal(t, 4, im.nfreqs)
	assert.Equal(t, 6, im.nfg)
	assert.Equal(t, 12, im.ngains())
	require.Len(t, im.pairs, 3)

	// sorted by dense (i, j)
	assert.Equal(t, dataset.AntPair{0, 1}, im.pairs[0].stored)
	assert.Equal(t, dataset.AntPair{0, 2}, im.pairs[1].stored)
	assert.Equal(t, dataset.AntPair{2, 1}, im.pairs[2].stored)

	rev := im.pairs[2]
	assert.Equal(t, 1, rev.i)
	assert.Equal(t, 2, rev.j)
	assert.Equal(t, -1.0, rev.isign)
	assert.Equal(t, 1, rev.row)
	assert.Same(t, evecs[dataset.AntPair{1, 2}], rev.basis)

	for k, e := range im.pairs {
		assert.Equal(t, 2*k, e.offset)
		if e.stored != rev.stored {
			assert.Equal(t, 1.0, e.isign)
		}
	}
}

func TestNewIndexMapErrors(t *testing.T) {
	ds, evecs := smallProblem(t)

	delete(evecs, dataset.AntPair{0, 2})
	_, err := newIndexMap(ds, evecs)
	assert.True(t, errors.Is(err, ErrMissingBasis))

	evecs[dataset.AntPair{0, 2}] = mat.NewDense(3, 1, nil)
	_, err = newIndexMap(ds, evecs)
	assert.ErrorIs(t, err, dataset.ErrShapeMismatch)
}

func TestCalibratedModelMatchesComplexProduct(t *testing.T) {
	ds, evecs := smallProblem(t)
	im, err := newIndexMap(ds, evecs)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	p := newParams(im)
	for _, s := range p.slots() {
		for i := range s {
			s[i] = 2*rng.Float64() - 1
		}
	}

	nf := im.nfreqs
	vr := mat.NewVecDense(nf, nil)
	vi := mat.NewVecDense(nf, nil)
	mr := make([]float64, nf)
	mi := make([]float64, nf)
	for k := range im.pairs {
		e := &im.pairs[k]
		calibratedModel(e, p, nf, vr, vi, mr, mi)
		for f := 0; f < nf; f++ {
			gi := complex(p.gR[e.i*nf+f], p.gI[e.i*nf+f])
			gj := complex(p.gR[e.j*nf+f], p.gI[e.j*nf+f])
			want := gi * cmplx.Conj(gj) * complex(vr.AtVec(f), vi.AtVec(f))
			assert.InDelta(t, real(want), mr[f], 1e-12)
			assert.InDelta(t, imag(want), mi[f], 1e-12)
		}
	}
}

func randomProblem(t *testing.T) (*timeProblem, params) {
	t.Helper()
	ds, evecs := smallProblem(t)
	im, err := newIndexMap(ds, evecs)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	tp := newTimeProblem(im)
	for k := range im.pairs {
		for f := 0; f < im.nfreqs; f++ {
			tp.dr[k][f] = 2*rng.Float64() - 1
			tp.di[k][f] = 2*rng.Float64() - 1
			tp.w[k][f] = 0.5 + rng.Float64()
		}
	}
	tp.w[1][2] = 0
	for k := range tp.w {
		for _, w := range tp.w[k] {
			tp.wsum += w
		}
	}

	p := newParams(im)
	for _, s := range p.slots() {
		for i := range s {
			s[i] = 2*rng.Float64() - 1
		}
	}
	return tp, p
}

func TestLossGradientFiniteDifference(t *testing.T) {
	tp, p := randomProblem(t)
	grad := newParams(tp.im)
	loss := tp.lossAndGradient(p, &grad, false)
	assert.Greater(t, loss, 0.0)
	assert.Equal(t, loss, tp.lossAndGradient(p, nil, false))

	const h = 1e-6
	names := []string{"gR", "gI", "fgR", "fgI"}
	gslots := grad.slots()
	for s, slot := range p.slots() {
		for i := range slot {
			orig := slot[i]
			slot[i] = orig + h
			lp := tp.lossAndGradient(p, nil, false)
			slot[i] = orig - h
			lm := tp.lossAndGradient(p, nil, false)
			slot[i] = orig

			fd := (lp - lm) / (2 * h)
			assert.InDelta(t, fd, gslots[s][i], 1e-7, "%s[%d]", names[s], i)
		}
	}
}

func TestLossGradientFrozen(t *testing.T) {
	tp, p := randomProblem(t)
	full := newParams(tp.im)
	tp.lossAndGradient(p, &full, false)

	frozen := newParams(tp.im)
	frozen.fgR[0] = 42
	tp.lossAndGradient(p, &frozen, true)

	assert.Equal(t, 42.0, frozen.fgR[0])
	assert.Equal(t, full.gR, frozen.gR)
	assert.Equal(t, full.gI, frozen.gI)
}

func TestLossZeroWeight(t *testing.T) {
	tp, p := randomProblem(t)
	tp.wsum = 0
	grad := newParams(tp.im)
	grad.gR[0] = 5
	assert.Equal(t, 0.0, tp.lossAndGradient(p, &grad, false))
	for _, s := range grad.slots() {
		for _, v := range s {
			assert.Equal(t, 0.0, v)
		}
	}
}

func TestFloorDivisor(t *testing.T) {
	assert.Equal(t, complex(2, 1), floorDivisor(complex(2, 1), 1e-12))
	assert.Equal(t, complex(1e-3, 0), floorDivisor(0, 1e-3))

	z := floorDivisor(complex(0, 1e-6), 1e-3)
	assert.InDelta(t, 1e-3, cmplx.Abs(z), 1e-15)
	assert.InDelta(t, cmplx.Phase(complex(0, 1)), cmplx.Phase(z), 1e-12)
}

func TestPackUnpack(t *testing.T) {
	slots := [][]float64{{1, 2}, {3}, {4, 5, 6}}
	assert.Equal(t, 6, packedLen(slots))

	x := make([]float64, 6)
	pack(x, slots)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, x)

	x[3] = 40
	unpack(x, slots)
	assert.Equal(t, 40.0, slots[2][0])
}
