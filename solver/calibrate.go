package solver

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-calamity/basis"
	"github.com/tsawler/go-calamity/dataset"
	"github.com/tsawler/go-calamity/history"
	"github.com/tsawler/go-calamity/progress"
	"github.com/tsawler/go-calamity/redundancy"
)

// CalibrateAndModelPerBaseline fits gains and per-baseline foreground models
// to the cross-correlations of ds.
//
// evecs holds an Nfreq x Nbasis real basis for every baseline, under either
// antenna ordering. gains supplies the starting gains and may be nil for
// unity gains; its flags are ignored. sky supplies the starting foreground
// model and the flux and phase reference; when nil, the data divided by the
// starting gains is used. Neither ds, gains nor sky is modified.
func CalibrateAndModelPerBaseline(ctx context.Context, ds *dataset.Dataset, evecs map[dataset.AntPair]*mat.Dense,
	gains *dataset.Calibration, sky *dataset.Dataset, opts Options) (*Result, error) {
	if ds == nil {
		return nil, ErrNilDataset
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}

	cross, err := ds.SelectCrossCorrelations()
	if err != nil {
		return nil, err
	}
	im, err := newIndexMap(cross, evecs)
	if err != nil {
		return nil, err
	}

	var cal *dataset.Calibration
	if gains == nil {
		if cal, err = dataset.BlankCalibration(cross); err != nil {
			return nil, err
		}
	} else {
		cal = gains.Copy()
		if err := checkCalibration(cross, cal, im); err != nil {
			return nil, err
		}
	}

	if sky == nil {
		sky = defaultSkyModel(cross, cal, im, opts.GainFloor)
	} else {
		if sky, err = sky.SelectCrossCorrelations(); err != nil {
			return nil, err
		}
		if !cross.SameShape(sky) {
			return nil, fmt.Errorf("%w: sky model does not match the data", dataset.ErrShapeMismatch)
		}
	}

	res := &Result{
		Model:    cross.Copy(),
		Resid:    cross.Copy(),
		Filtered: cross.Copy(),
		Gains:    cal,
		Info:     history.FittingInfo{},
	}

	var session *progress.Session
	if opts.Verbose && opts.Progress != nil {
		session = progress.NewSession(opts.Progress)
	}

	for p, pol := range cross.Pols {
		log := opts.Logger.WithField("pol", pol)
		ps, err := extractPol(cross, sky, cal, im, p)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"antennas":  len(im.ants),
			"baselines": len(im.pairs),
			"rms":       ps.rms,
		}).Info("fitting polarization")

		if session != nil {
			session.StartPol(pol, cross.Ntimes())
		}
		hists := make([]*history.TimeHistory, cross.Ntimes())
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Workers)
		for t := 0; t < cross.Ntimes(); t++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				tlog := log.WithField("time_index", t)
				tp, prm := ps.setupTime(im, t, opts.Precision)
				h, err := fitTime(gctx, tp, prm, &opts, tlog)
				if err != nil {
					return fmt.Errorf("pol %s time %d: %w", pol, t, err)
				}
				unpackTime(res, ps, im, prm, p, t, opts.GainFloor)
				hists[t] = h

				final := 0.0
				if len(h.LossHistory) > 0 {
					final = h.LossHistory[len(h.LossHistory)-1]
				}
				tlog.WithFields(logrus.Fields{
					"steps":     h.Steps,
					"loss":      final,
					"converged": h.Converged,
				}).Debug("fit finished")
				if session != nil {
					session.FinishTime(t, h.Steps, final, h.Converged)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if session != nil {
			session.FinishPol()
		}
		for t, h := range hists {
			res.Info.Set(pol, t, h)
		}

		scale := rescale(res, cross, sky, p, opts.GainFloor)
		log.WithField("scale", scale).Debug("rescaled to sky model")
	}
	return res, nil
}

// checkCalibration verifies that cal covers the antennas, channels, times
// and polarizations of ds.
func checkCalibration(ds *dataset.Dataset, cal *dataset.Calibration, im *indexMap) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	if len(cal.Freqs) != ds.Nfreqs() || len(cal.Times) != ds.Ntimes() {
		return fmt.Errorf("%w: gains are %d freqs x %d times, data is %d x %d",
			dataset.ErrShapeMismatch, len(cal.Freqs), len(cal.Times), ds.Nfreqs(), ds.Ntimes())
	}
	for _, ant := range im.ants {
		if _, ok := cal.AntIndex(ant); !ok {
			return fmt.Errorf("%w: %d", ErrMissingAntenna, ant)
		}
	}
	for _, pol := range ds.Pols {
		if _, ok := cal.JonesIndex(dataset.JonesForPol(pol)); !ok {
			return fmt.Errorf("%w: gains have no %s term", dataset.ErrUnknownPol, dataset.JonesForPol(pol))
		}
	}
	return nil
}

// defaultSkyModel returns a copy of ds divided by g_a conj(g_b).
func defaultSkyModel(ds *dataset.Dataset, cal *dataset.Calibration, im *indexMap, floor float64) *dataset.Dataset {
	sky := ds.Copy()
	for p, pol := range ds.Pols {
		j, _ := cal.JonesIndex(dataset.JonesForPol(pol))
		for _, e := range im.pairs {
			a, _ := cal.AntIndex(e.stored.A1)
			b, _ := cal.AntIndex(e.stored.A2)
			for t := 0; t < ds.Ntimes(); t++ {
				for f := 0; f < ds.Nfreqs(); f++ {
					g := cal.Gains[cal.Index(a, f, t, j)] * cmplx.Conj(cal.Gains[cal.Index(b, f, t, j)])
					idx := ds.Index(e.row, t, f, p)
					sky.Data[idx] /= floorDivisor(g, floor)
				}
			}
		}
	}
	return sky
}

// unpackTime writes the fitted models and gains of time step t into res.
// Each call touches only time slot t.
func unpackTime(res *Result, ps *pairStore, im *indexMap, prm params, p, t int, floor float64) {
	nf := im.nfreqs
	ds := res.Model
	vr := mat.NewVecDense(nf, nil)
	vi := mat.NewVecDense(nf, nil)
	mr := make([]float64, nf)
	mi := make([]float64, nf)
	gain := func(ant, f int) complex128 {
		a := im.antIndex[ant]
		return complex(prm.gR[a*nf+f], prm.gI[a*nf+f])
	}

	for k := range im.pairs {
		e := &im.pairs[k]
		calibratedModel(e, prm, nf, vr, vi, mr, mi)
		for f := 0; f < nf; f++ {
			modelCal := complex(mr[f], e.isign*mi[f]) * complex(ps.rms, 0)
			modelFG := complex(vr.AtVec(f), e.isign*vi.AtVec(f)) * complex(ps.rms, 0)
			g := gain(e.stored.A1, f) * cmplx.Conj(gain(e.stored.A2, f))

			idx := ds.Index(e.row, t, f, p)
			res.Model.Data[idx] = modelFG
			res.Resid.Data[idx] = (ps.data[k][t*nf+f] - modelCal) / floorDivisor(g, floor)
		}
	}

	cal := res.Gains
	j, _ := cal.JonesIndex(dataset.JonesForPol(res.Model.Pols[p]))
	for a, ant := range im.ants {
		ca, _ := cal.AntIndex(ant)
		for f := 0; f < nf; f++ {
			cal.Gains[cal.Index(ca, f, t, j)] = complex(prm.gR[a*nf+f], prm.gI[a*nf+f])
		}
	}
}

// rescale fixes the overall flux scale and phase of polarization index p
// against the sky model, assembles the filtered data and returns the scale.
func rescale(res *Result, ds, sky *dataset.Dataset, p int, floor float64) complex128 {
	var sum complex128
	sumAbs2 := 0.0
	n := 0
	for bl := range ds.AntPairs {
		for t := 0; t < ds.Ntimes(); t++ {
			for f := 0; f < ds.Nfreqs(); f++ {
				idx := ds.Index(bl, t, f, p)
				m := res.Model.Data[idx]
				if ds.Flags[idx] || cmplx.Abs(m) < floor || cmplx.Abs(m) == 0 {
					continue
				}
				r := sky.Data[idx] / m
				sum += r
				sumAbs2 += real(r)*real(r) + imag(r)*imag(r)
				n++
			}
		}
	}
	scale := complex(1, 0)
	if n > 0 {
		amp := math.Sqrt(sumAbs2 / float64(n))
		scale = cmplx.Rect(amp, cmplx.Phase(sum/complex(float64(n), 0)))
	}

	for bl := range ds.AntPairs {
		for t := 0; t < ds.Ntimes(); t++ {
			for f := 0; f < ds.Nfreqs(); f++ {
				idx := ds.Index(bl, t, f, p)
				res.Model.Data[idx] *= scale
				res.Model.Flags[idx] = false
				res.Resid.Data[idx] *= scale
				res.Filtered.Data[idx] = res.Resid.Data[idx] + res.Model.Data[idx]
				res.Filtered.Flags[idx] = false
			}
		}
	}

	cal := res.Gains
	j, _ := cal.JonesIndex(dataset.JonesForPol(ds.Pols[p]))
	root := cmplx.Sqrt(scale)
	for a := range cal.AntennaNumbers {
		for f := range cal.Freqs {
			for t := range cal.Times {
				cal.Gains[cal.Index(a, f, t, j)] /= root
			}
		}
	}
	return scale
}

// DPSSParams configures CalibrateAndModelDPSS.
type DPSSParams struct {
	basis.DPSSParams
	// RedTol is the redundancy tolerance in meters.
	RedTol float64
	// RemoveRedundancy gives every baseline its own basis lookup.
	RemoveRedundancy bool
}

// DefaultDPSSParams models the full horizon and groups baselines within 1 m.
func DefaultDPSSParams() DPSSParams {
	return DPSSParams{
		DPSSParams: basis.DefaultDPSSParams(),
		RedTol:     redundancy.DefaultOptions().Tol,
	}
}

// CalibrateAndModelDPSS builds a DPSS basis for every baseline of ds from
// its length and fits with CalibrateAndModelPerBaseline. Redundant baselines
// share one basis. cache may be nil.
func CalibrateAndModelDPSS(ctx context.Context, ds *dataset.Dataset, params DPSSParams,
	gains *dataset.Calibration, sky *dataset.Dataset, opts Options, cache *basis.OperatorCache) (*Result, error) {
	if ds == nil {
		return nil, ErrNilDataset
	}
	cross, err := ds.SelectCrossCorrelations()
	if err != nil {
		return nil, err
	}
	groups, err := redundancy.GroupConjugated(cross, redundancy.Options{
		Tol:              params.RedTol,
		RemoveRedundancy: params.RemoveRedundancy,
	})
	if err != nil {
		return nil, err
	}
	evecs, err := basis.DPSSEvecs(cross.Freqs, groups, params.DPSSParams, cache)
	if err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		opts.Logger.WithFields(logrus.Fields{
			"groups":    len(groups.Groups),
			"baselines": len(groups.AntPairs),
		}).Debug("built DPSS basis")
	}
	return CalibrateAndModelPerBaseline(ctx, cross, evecs, gains, sky, opts)
}
