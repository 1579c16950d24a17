// Package solver jointly fits per-antenna complex gains and per-baseline
// foreground coefficients to visibility data, one time step at a time, by
// minimizing a weighted squared error with a gradient-based optimizer.
package solver

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-calamity/dataset"
	"github.com/tsawler/go-calamity/history"
	"github.com/tsawler/go-calamity/optimizer"
)

var (
	ErrNilDataset     = errors.New("solver: nil dataset")
	ErrMissingBasis   = errors.New("solver: no basis vectors for baseline")
	ErrMissingAntenna = errors.New("solver: antenna missing from gains")
	ErrInvalidOptions = errors.New("solver: invalid options")
)

// Precision selects the floating point width the fit is carried out in.
type Precision int

const (
	Float32 Precision = iota
	Float64
)

func (p Precision) String() string {
	switch p {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// ParsePrecision resolves "float32" or "float64".
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "float32", "f32", "single":
		return Float32, nil
	case "float64", "f64", "double":
		return Float64, nil
	}
	return 0, fmt.Errorf("%w: unknown precision %q", ErrInvalidOptions, s)
}

// round applies the precision to v in place.
func (p Precision) round(v []float64) {
	if p != Float32 {
		return
	}
	for i, x := range v {
		v[i] = float64(float32(x))
	}
}

// DefaultGainFloor is the magnitude below which a gain product or model
// sample is treated as zero.
const DefaultGainFloor = 1e-12

// Options configures a fit.
type Options struct {
	Optimizer optimizer.Kind
	// OptimizerParams overrides optimizer hyperparameters by name, for
	// example "learning_rate".
	OptimizerParams map[string]float64

	// Tol stops the loop once the loss changes by less than Tol between
	// steps.
	Tol      float64
	MaxSteps int

	Precision Precision

	// FreezeModel fits the gains only.
	FreezeModel bool
	// RecordVarHistory keeps a snapshot of every variable at every step.
	RecordVarHistory bool

	Verbose bool
	// Workers bounds the number of time steps fitted concurrently.
	Workers int

	GainFloor float64

	Logger   logrus.FieldLogger
	Progress io.Writer // progress bars are drawn here when Verbose
}

// DefaultOptions returns Adamax with a 1e-2 learning rate, tol 1e-14, at
// most 10000 steps, in float32, fitting one time step at a time.
func DefaultOptions() Options {
	return Options{
		Optimizer:       optimizer.Adamax,
		OptimizerParams: map[string]float64{"learning_rate": 1e-2},
		Tol:             1e-14,
		MaxSteps:        10000,
		Precision:       Float32,
		Workers:         1,
		GainFloor:       DefaultGainFloor,
	}
}

func (o *Options) validate() error {
	if o.Tol < 0 || math.IsNaN(o.Tol) {
		return fmt.Errorf("%w: tol must be non-negative, got %g", ErrInvalidOptions, o.Tol)
	}
	if o.MaxSteps <= 0 {
		return fmt.Errorf("%w: maxsteps must be positive, got %d", ErrInvalidOptions, o.MaxSteps)
	}
	if o.Precision != Float32 && o.Precision != Float64 {
		return fmt.Errorf("%w: unknown precision %s", ErrInvalidOptions, o.Precision)
	}
	if o.GainFloor < 0 || math.IsNaN(o.GainFloor) {
		return fmt.Errorf("%w: gain floor must be non-negative, got %g", ErrInvalidOptions, o.GainFloor)
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if !o.Optimizer.FirstOrder() && o.Optimizer != optimizer.LBFGS {
		return fmt.Errorf("%w: %s", optimizer.ErrUnsupportedOptimizer, o.Optimizer)
	}
	// Build a throwaway instance so bad hyperparameters fail before any fit.
	if o.Optimizer == optimizer.LBFGS {
		if _, err := optimizer.LBFGSConfigFromParams(o.OptimizerParams); err != nil {
			return err
		}
	} else if _, err := optimizer.New(o.Optimizer, []int{1}, o.OptimizerParams); err != nil {
		return err
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
	return nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Result holds the outputs of a fit.
type Result struct {
	// Model holds the gain-free foreground model, flags cleared.
	Model *dataset.Dataset
	// Resid holds the data minus the calibrated model, divided by the
	// fitted gains.
	Resid *dataset.Dataset
	// Filtered is Resid + Model with the flags of Model.
	Filtered *dataset.Dataset
	Gains    *dataset.Calibration
	Info     history.FittingInfo
}
