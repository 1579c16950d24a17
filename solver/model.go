package solver

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-calamity/dataset"
)

// pairEntry describes one fitted baseline. Antenna indices are dense and
// ordered i < j; the data may store the pair in the other order, in which
// case isign is -1 and imaginary parts are negated on the way in and out.
type pairEntry struct {
	i, j   int
	stored dataset.AntPair
	row    int // baseline row in the dataset
	isign  float64
	basis  *mat.Dense // Nfreq x nb
	nb     int
	offset int // start of this pair's block in the coefficient vectors
}

// indexMap maps antennas and baselines of a dataset onto the dense
// parameter vectors of a fit.
type indexMap struct {
	ants     []int // antenna number by dense index
	antIndex map[int]int
	pairs    []pairEntry
	nfreqs   int
	nfg      int // total number of coefficients per part
}

// newIndexMap builds the index map for the cross-correlations of ds. Every
// baseline needs a basis in evecs, under either ordering.
func newIndexMap(ds *dataset.Dataset, evecs map[dataset.AntPair]*mat.Dense) (*indexMap, error) {
	im := &indexMap{
		ants:     ds.Ants(),
		antIndex: make(map[int]int),
		nfreqs:   ds.Nfreqs(),
	}
	for i, a := range im.ants {
		im.antIndex[a] = i
	}

	for row, ap := range ds.AntPairs {
		if ap.IsAuto() {
			continue
		}
		basis, ok := evecs[ap]
		if !ok {
			basis, ok = evecs[ap.Reverse()]
		}
		if !ok || basis == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingBasis, ap)
		}
		nf, nb := basis.Dims()
		if nf != im.nfreqs {
			return nil, fmt.Errorf("%w: basis for %s has %d rows, data has %d channels",
				dataset.ErrShapeMismatch, ap, nf, im.nfreqs)
		}

		e := pairEntry{
			i:      im.antIndex[ap.A1],
			j:      im.antIndex[ap.A2],
			stored: ap,
			row:    row,
			isign:  1,
			basis:  basis,
			nb:     nb,
		}
		if e.i > e.j {
			e.i, e.j = e.j, e.i
			e.isign = -1
		}
		im.pairs = append(im.pairs, e)
	}
	if len(im.pairs) == 0 {
		return nil, fmt.Errorf("%w: no cross-correlations", dataset.ErrEmptyAxis)
	}

	sort.SliceStable(im.pairs, func(a, b int) bool {
		pa, pb := im.pairs[a], im.pairs[b]
		if pa.i != pb.i {
			return pa.i < pb.i
		}
		return pa.j < pb.j
	})
	for k := range im.pairs {
		im.pairs[k].offset = im.nfg
		im.nfg += im.pairs[k].nb
	}
	return im, nil
}

func (im *indexMap) ngains() int { return len(im.ants) * im.nfreqs }

// params is the set of fitted variables: real and imaginary gains laid out
// antenna-major (a*Nfreq + f), and real and imaginary foreground
// coefficients concatenated per pair.
type params struct {
	gR, gI, fgR, fgI []float64
}

func newParams(im *indexMap) params {
	return params{
		gR:  make([]float64, im.ngains()),
		gI:  make([]float64, im.ngains()),
		fgR: make([]float64, im.nfg),
		fgI: make([]float64, im.nfg),
	}
}

// slots returns the variables in optimizer order; gains first.
func (p params) slots() [][]float64 {
	return [][]float64{p.gR, p.gI, p.fgR, p.fgI}
}

func (p params) copy() params {
	return params{
		gR:  append([]float64(nil), p.gR...),
		gI:  append([]float64(nil), p.gI...),
		fgR: append([]float64(nil), p.fgR...),
		fgI: append([]float64(nil), p.fgI...),
	}
}

// foregroundModel evaluates the gain-free model of pair e: vr = E cr,
// vi = E ci.
func foregroundModel(e *pairEntry, p params, vr, vi *mat.VecDense) {
	vr.MulVec(e.basis, mat.NewVecDense(e.nb, p.fgR[e.offset:e.offset+e.nb]))
	vi.MulVec(e.basis, mat.NewVecDense(e.nb, p.fgI[e.offset:e.offset+e.nb]))
}

// gainTerms returns the real and imaginary parts of g_i * conj(g_j) at
// channel f, as A and -B.
func gainTerms(e *pairEntry, p params, nf, f int) (a, b float64) {
	gri, gii := p.gR[e.i*nf+f], p.gI[e.i*nf+f]
	grj, gij := p.gR[e.j*nf+f], p.gI[e.j*nf+f]
	return gri*grj + gii*gij, gri*gij - gii*grj
}

// calibratedModel evaluates g_i conj(g_j) times the foreground model of
// pair e into mr, mi. vr and vi receive the foreground model.
func calibratedModel(e *pairEntry, p params, nf int, vr, vi *mat.VecDense, mr, mi []float64) {
	foregroundModel(e, p, vr, vi)
	for f := 0; f < nf; f++ {
		a, b := gainTerms(e, p, nf, f)
		xr, xi := vr.AtVec(f), vi.AtVec(f)
		mr[f] = a*xr + b*xi
		mi[f] = a*xi - b*xr
	}
}

// timeProblem is the fit of one time step of one polarization. Data are
// normalized and conjugated into the dense i < j ordering.
type timeProblem struct {
	im     *indexMap
	dr, di [][]float64 // per pair, per channel
	w      [][]float64
	wsum   float64

	// workspace
	vr, vi, dvr, dvi *mat.VecDense
	mr, mi           []float64
}

func newTimeProblem(im *indexMap) *timeProblem {
	nf := im.nfreqs
	tp := &timeProblem{
		im:  im,
		dr:  make([][]float64, len(im.pairs)),
		di:  make([][]float64, len(im.pairs)),
		w:   make([][]float64, len(im.pairs)),
		vr:  mat.NewVecDense(nf, nil),
		vi:  mat.NewVecDense(nf, nil),
		dvr: mat.NewVecDense(nf, nil),
		dvi: mat.NewVecDense(nf, nil),
		mr:  make([]float64, nf),
		mi:  make([]float64, nf),
	}
	for k := range im.pairs {
		tp.dr[k] = make([]float64, nf)
		tp.di[k] = make([]float64, nf)
		tp.w[k] = make([]float64, nf)
	}
	return tp
}

// lossAndGradient returns
//
//	L = sum w [(mr - dr)^2 + (mi - di)^2] / (2 sum w)
//
// and, when grad is non-nil, stores dL/dp in it. The foreground parts of
// grad are left untouched when frozen is set. Zero total weight gives a
// zero loss and gradient.
func (tp *timeProblem) lossAndGradient(p params, grad *params, frozen bool) float64 {
	if grad != nil {
		zero(grad.gR)
		zero(grad.gI)
		if !frozen {
			zero(grad.fgR)
			zero(grad.fgI)
		}
	}
	if tp.wsum == 0 {
		return 0
	}

	nf := tp.im.nfreqs
	norm := 2 * tp.wsum
	loss := 0.0
	for k := range tp.im.pairs {
		e := &tp.im.pairs[k]
		calibratedModel(e, p, nf, tp.vr, tp.vi, tp.mr, tp.mi)
		dr, di, w := tp.dr[k], tp.di[k], tp.w[k]
		for f := 0; f < nf; f++ {
			if w[f] == 0 {
				if grad != nil {
					tp.dvr.SetVec(f, 0)
					tp.dvi.SetVec(f, 0)
				}
				continue
			}
			er, ei := tp.mr[f]-dr[f], tp.mi[f]-di[f]
			loss += w[f] * (er*er + ei*ei)
			if grad == nil {
				continue
			}

			dmr, dmi := 2*w[f]*er/norm, 2*w[f]*ei/norm
			xr, xi := tp.vr.AtVec(f), tp.vi.AtVec(f)
			a, b := gainTerms(e, p, nf, f)
			dA := dmr*xr + dmi*xi
			dB := dmr*xi - dmi*xr

			ii, jj := e.i*nf+f, e.j*nf+f
			gri, gii := p.gR[ii], p.gI[ii]
			grj, gij := p.gR[jj], p.gI[jj]
			grad.gR[ii] += dA*grj + dB*gij
			grad.gR[jj] += dA*gri - dB*gii
			grad.gI[ii] += dA*gij - dB*grj
			grad.gI[jj] += dA*gii + dB*gri

			tp.dvr.SetVec(f, dmr*a-dmi*b)
			tp.dvi.SetVec(f, dmr*b+dmi*a)
		}
		if grad != nil && !frozen {
			dcr := mat.NewVecDense(e.nb, grad.fgR[e.offset:e.offset+e.nb])
			dci := mat.NewVecDense(e.nb, grad.fgI[e.offset:e.offset+e.nb])
			dcr.MulVec(e.basis.T(), tp.dvr)
			dci.MulVec(e.basis.T(), tp.dvi)
		}
	}
	return loss / norm
}

func zero(v []float64) {
	for i := range v {
		v[i] = 0
	}
}
