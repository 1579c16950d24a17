package solver

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-calamity/history"
	"github.com/tsawler/go-calamity/optimizer"
)

// fitTime minimizes the loss of one time step starting from p, which is
// updated in place. A fit that runs out of steps is not an error; it is
// reported through TimeHistory.Converged.
func fitTime(ctx context.Context, tp *timeProblem, p params, opts *Options, log logrus.FieldLogger) (*history.TimeHistory, error) {
	if opts.Optimizer == optimizer.LBFGS {
		return fitTimeLBFGS(tp, p, opts, log)
	}

	vars := p.slots()
	if opts.FreezeModel {
		vars = vars[:2]
	}
	sizes := make([]int, len(vars))
	for i, v := range vars {
		sizes[i] = len(v)
	}
	opt, err := optimizer.New(opts.Optimizer, sizes, opts.OptimizerParams)
	if err != nil {
		return nil, err
	}

	grad := newParams(tp.im)
	grads := grad.slots()[:len(vars)]
	h := &history.TimeHistory{LossHistory: make([]float64, 0, 64)}

	for step := 0; step < opts.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loss := tp.lossAndGradient(p, &grad, opts.FreezeModel)
		if err := opt.Step(vars, grads); err != nil {
			return nil, err
		}
		for _, v := range vars {
			opts.Precision.round(v)
		}

		h.LossHistory = append(h.LossHistory, loss)
		if opts.RecordVarHistory {
			recordVars(h, p, opts.FreezeModel)
		}
		if n := len(h.LossHistory); step >= 1 && math.Abs(h.LossHistory[n-1]-h.LossHistory[n-2]) < opts.Tol {
			h.Converged = true
			break
		}
	}
	h.Steps = len(h.LossHistory)
	return h, nil
}

func recordVars(h *history.TimeHistory, p params, frozen bool) {
	h.GR = append(h.GR, append([]float64(nil), p.gR...))
	h.GI = append(h.GI, append([]float64(nil), p.gI...))
	if !frozen {
		h.FGR = append(h.FGR, append([]float64(nil), p.fgR...))
		h.FGI = append(h.FGI, append([]float64(nil), p.fgI...))
	}
}

// fitTimeLBFGS hands the whole loop to the quasi-Newton method. The active
// variables are packed into one vector: gains, then coefficients unless the
// model is frozen.
func fitTimeLBFGS(tp *timeProblem, p params, opts *Options, log logrus.FieldLogger) (*history.TimeHistory, error) {
	cfg, err := optimizer.LBFGSConfigFromParams(opts.OptimizerParams)
	if err != nil {
		return nil, err
	}
	cfg.RecordIterates = opts.RecordVarHistory

	work := p.copy()
	active := work.slots()
	if opts.FreezeModel {
		active = active[:2]
	}
	grad := newParams(tp.im)
	gradSlots := grad.slots()[:len(active)]

	fn := func(x []float64) float64 {
		unpack(x, active)
		return tp.lossAndGradient(work, nil, opts.FreezeModel)
	}
	gradFn := func(g, x []float64) {
		unpack(x, active)
		tp.lossAndGradient(work, &grad, opts.FreezeModel)
		pack(g, gradSlots)
	}

	x0 := make([]float64, packedLen(active))
	pack(x0, active)
	res, err := optimizer.MinimizeLBFGS(cfg, fn, gradFn, x0, opts.MaxSteps, opts.Tol)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		log.WithError(res.Err).Warn("quasi-Newton fit stopped early")
	}

	target := p.slots()
	if opts.FreezeModel {
		target = target[:2]
	}
	unpack(res.X, target)
	for _, v := range target {
		opts.Precision.round(v)
	}

	h := &history.TimeHistory{
		LossHistory: res.Losses,
		Steps:       len(res.Losses),
		Converged:   res.Converged,
	}
	if opts.RecordVarHistory {
		snap := p.copy()
		snapSlots := snap.slots()[:len(active)]
		for _, x := range res.Iterates {
			unpack(x, snapSlots)
			recordVars(h, snap, opts.FreezeModel)
		}
	}
	return h, nil
}

func packedLen(slots [][]float64) int {
	n := 0
	for _, s := range slots {
		n += len(s)
	}
	return n
}

func pack(dst []float64, slots [][]float64) {
	off := 0
	for _, s := range slots {
		off += copy(dst[off:], s)
	}
}

func unpack(src []float64, slots [][]float64) {
	off := 0
	for _, s := range slots {
		off += copy(s, src[off:])
	}
}
