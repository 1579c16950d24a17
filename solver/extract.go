package solver

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-calamity/dataset"
)

// pairStore holds copies of the visibilities, sky model and weights of one
// polarization, per fitted pair and indexed [pair][t*Nfreq+f]. Nothing here
// aliases the input datasets.
type pairStore struct {
	data   [][]complex128
	sky    [][]complex128
	weight [][]float64
	// gains by dense antenna index, [ant][t*Nfreq+f]
	gains [][]complex128
	rms   float64
}

// extractPol copies everything a fit of polarization index p needs.
func extractPol(ds, sky *dataset.Dataset, cal *dataset.Calibration, im *indexMap, p int) (*pairStore, error) {
	nt, nf := ds.Ntimes(), ds.Nfreqs()
	ps := &pairStore{
		data:   make([][]complex128, len(im.pairs)),
		sky:    make([][]complex128, len(im.pairs)),
		weight: make([][]float64, len(im.pairs)),
		gains:  make([][]complex128, len(im.ants)),
	}

	for k, e := range im.pairs {
		ps.data[k] = make([]complex128, nt*nf)
		ps.sky[k] = make([]complex128, nt*nf)
		ps.weight[k] = make([]float64, nt*nf)
		for t := 0; t < nt; t++ {
			for f := 0; f < nf; f++ {
				idx := ds.Index(e.row, t, f, p)
				ps.data[k][t*nf+f] = ds.Data[idx]
				ps.sky[k][t*nf+f] = sky.Data[idx]
				if !ds.Flags[idx] {
					ps.weight[k][t*nf+f] = ds.Nsamples[idx]
				}
			}
		}
	}

	jones := dataset.JonesForPol(ds.Pols[p])
	j, ok := cal.JonesIndex(jones)
	if !ok {
		return nil, fmt.Errorf("%w: gains have no %s term", dataset.ErrUnknownPol, jones)
	}
	for a, ant := range im.ants {
		ca, ok := cal.AntIndex(ant)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrMissingAntenna, ant)
		}
		ps.gains[a] = make([]complex128, nt*nf)
		for t := 0; t < nt; t++ {
			for f := 0; f < nf; f++ {
				ps.gains[a][t*nf+f] = cal.Gains[cal.Index(ca, f, t, j)]
			}
		}
	}

	ps.rms = dataRMS(ds, p)
	return ps, nil
}

// dataRMS returns sqrt(mean |d|^2) over the unflagged cross-correlation
// samples of polarization index p, or 1 if there are none.
func dataRMS(ds *dataset.Dataset, p int) float64 {
	sum, n := 0.0, 0
	for bl, ap := range ds.AntPairs {
		if ap.IsAuto() {
			continue
		}
		for t := 0; t < ds.Ntimes(); t++ {
			for f := 0; f < ds.Nfreqs(); f++ {
				idx := ds.Index(bl, t, f, p)
				if ds.Flags[idx] {
					continue
				}
				d := ds.Data[idx]
				sum += real(d)*real(d) + imag(d)*imag(d)
				n++
			}
		}
	}
	if n == 0 || sum == 0 {
		return 1
	}
	return math.Sqrt(sum / float64(n))
}

// setupTime loads time step t into a fresh problem and returns the initial
// parameters: the prior gains and the sky model projected onto each basis.
func (ps *pairStore) setupTime(im *indexMap, t int, prec Precision) (*timeProblem, params) {
	nf := im.nfreqs
	tp := newTimeProblem(im)
	p := newParams(im)

	for k, e := range im.pairs {
		for f := 0; f < nf; f++ {
			d := ps.data[k][t*nf+f]
			tp.dr[k][f] = real(d) / ps.rms
			tp.di[k][f] = e.isign * imag(d) / ps.rms
			tp.w[k][f] = ps.weight[k][t*nf+f]
		}
		prec.round(tp.dr[k])
		prec.round(tp.di[k])
		prec.round(tp.w[k])
		for f := 0; f < nf; f++ {
			tp.wsum += tp.w[k][f]
		}

		// coefficients = sky(t, :) . E
		sr := mat.NewVecDense(nf, nil)
		si := mat.NewVecDense(nf, nil)
		for f := 0; f < nf; f++ {
			s := ps.sky[k][t*nf+f]
			sr.SetVec(f, real(s))
			si.SetVec(f, imag(s))
		}
		cr := mat.NewVecDense(e.nb, p.fgR[e.offset:e.offset+e.nb])
		ci := mat.NewVecDense(e.nb, p.fgI[e.offset:e.offset+e.nb])
		cr.MulVec(e.basis.T(), sr)
		ci.MulVec(e.basis.T(), si)
		for b := e.offset; b < e.offset+e.nb; b++ {
			p.fgR[b] /= ps.rms
			p.fgI[b] *= e.isign / ps.rms
		}
	}

	for a := range im.ants {
		for f := 0; f < nf; f++ {
			g := ps.gains[a][t*nf+f]
			p.gR[a*nf+f] = real(g)
			p.gI[a*nf+f] = imag(g)
		}
	}
	for _, s := range p.slots() {
		prec.round(s)
	}
	return tp, p
}

// floorDivisor clamps the magnitude of z to at least floor, keeping its
// phase (phase 0 for an exact zero).
func floorDivisor(z complex128, floor float64) complex128 {
	r := cmplx.Abs(z)
	if r >= floor {
		return z
	}
	if r == 0 {
		return complex(floor, 0)
	}
	return z * complex(floor/r, 0)
}
