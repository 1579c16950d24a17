package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/optimize"
)

// LBFGSConfig holds configuration for the limited-memory BFGS method
type LBFGSConfig struct {
	HistorySize    int  // number of corrections to store
	RecordIterates bool // keep the location of every major iteration
}

// DefaultLBFGSConfig returns default L-BFGS configuration
func DefaultLBFGSConfig() LBFGSConfig {
	return LBFGSConfig{
		HistorySize: 10,
	}
}

// LBFGSConfigFromParams overrides the defaults from named hyperparameters.
// A learning rate is accepted and ignored since the line search picks the
// step length.
func LBFGSConfigFromParams(params map[string]float64) (LBFGSConfig, error) {
	cfg := DefaultLBFGSConfig()
	history := float64(cfg.HistorySize)
	var lr float64
	err := applyParams(params, map[string]*float64{
		"history_size":  &history,
		"learning_rate": &lr,
	}, nil)
	if err != nil {
		return cfg, err
	}
	cfg.HistorySize = int(history)
	if cfg.HistorySize <= 0 {
		return cfg, fmt.Errorf("history size must be positive, got %d", cfg.HistorySize)
	}
	return cfg, nil
}

// LBFGSResult is the outcome of MinimizeLBFGS.
type LBFGSResult struct {
	X          []float64
	Losses     []float64   // loss at every major iteration
	Iterates   [][]float64 // location at every major iteration, when recorded
	Iterations int
	Converged  bool
	Err        error // non-fatal failure reported by the method, if any
}

// lossRecorder collects the loss, and optionally the location, of every
// major iteration.
type lossRecorder struct {
	iterates bool
	losses   []float64
	xs       [][]float64
}

func (r *lossRecorder) Init() error { return nil }

func (r *lossRecorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op&optimize.MajorIteration != 0 {
		r.losses = append(r.losses, loc.F)
		if r.iterates {
			r.xs = append(r.xs, append([]float64(nil), loc.X...))
		}
	}
	return nil
}

// MinimizeLBFGS minimizes fn from x0 with gradient grad, for at most
// maxIter major iterations, stopping once the loss improves by less than tol.
// Hitting the iteration limit or a line search failure is reported through
// the result, not as an error.
func MinimizeLBFGS(config LBFGSConfig, fn func(x []float64) float64, grad func(g, x []float64),
	x0 []float64, maxIter int, tol float64) (*LBFGSResult, error) {
	if config.HistorySize <= 0 {
		return nil, fmt.Errorf("history size must be positive, got %d", config.HistorySize)
	}
	if maxIter <= 0 {
		return nil, fmt.Errorf("max iterations must be positive, got %d", maxIter)
	}

	rec := &lossRecorder{iterates: config.RecordIterates}
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		Converger:       &optimize.FunctionConverge{Absolute: tol, Iterations: 1},
		Recorder:        rec,
	}
	problem := optimize.Problem{Func: fn, Grad: grad}
	res, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{Store: config.HistorySize})

	out := &LBFGSResult{Losses: rec.losses, Iterates: rec.xs, Err: err}
	if res == nil {
		out.X = append([]float64(nil), x0...)
		return out, nil
	}
	out.X = res.X
	out.Iterations = res.MajorIterations
	out.Converged = err == nil &&
		(res.Status == optimize.FunctionConvergence || res.Status == optimize.GradientThreshold)
	return out, nil
}
