// Package optimizer implements first-order update strategies over sets of
// flat float64 parameter slots, plus the configuration of the quasi-Newton
// method used through gonum's optimize package.
package optimizer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedOptimizer = errors.New("optimizer: unsupported optimizer")
	ErrNotFirstOrder        = errors.New("optimizer: not a first-order strategy")
	ErrUnknownParameter     = errors.New("optimizer: unknown hyperparameter")
	ErrShapeMismatch        = errors.New("optimizer: parameter shape mismatch")
)

// Kind enumerates the supported optimizers.
type Kind int

const (
	Adadelta Kind = iota
	Adagrad
	Adam
	Adamax
	Ftrl
	Nadam
	SGD
	RMSprop
	LBFGS
)

var kindNames = [...]string{
	Adadelta: "Adadelta",
	Adagrad:  "Adagrad",
	Adam:     "Adam",
	Adamax:   "Adamax",
	Ftrl:     "Ftrl",
	Nadam:    "Nadam",
	SGD:      "SGD",
	RMSprop:  "RMSprop",
	LBFGS:    "LBFGS",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// FirstOrder reports whether k is driven step by step through Optimizer.
// LBFGS runs its own line searches and is driven by gonum instead.
func (k Kind) FirstOrder() bool {
	return k >= Adadelta && k <= RMSprop
}

// Kinds returns every supported optimizer.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// ParseKind resolves an optimizer name, ignoring case.
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if strings.EqualFold(n, name) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedOptimizer, name)
}

// Optimizer updates parameter slots in place from their gradients. The
// number and sizes of the slots are fixed at construction.
type Optimizer interface {
	// Step performs a single optimization step. params and grads must have
	// the slot layout the optimizer was built with.
	Step(params, grads [][]float64) error

	// GetStepCount returns the number of steps taken.
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate.
	UpdateLearningRate(lr float64)

	// GetStats returns optimizer statistics.
	GetStats() Stats
}

// Stats describes an optimizer instance.
type Stats struct {
	Kind          Kind
	StepCount     uint64
	LearningRate  float64
	NumParameters int
}

// New builds the first-order optimizer kind for slots of the given sizes.
// params overrides the kind's defaults by hyperparameter name (for example
// "learning_rate", "beta_1", "momentum"); boolean options such as "nesterov"
// are enabled by any non-zero value.
func New(kind Kind, sizes []int, params map[string]float64) (Optimizer, error) {
	switch kind {
	case Adadelta:
		cfg := DefaultAdadeltaConfig()
		if err := applyParams(params, cfg.fields(), nil); err != nil {
			return nil, err
		}
		return NewAdadeltaOptimizer(cfg, sizes)
	case Adagrad:
		cfg := DefaultAdagradConfig()
		if err := applyParams(params, cfg.fields(), nil); err != nil {
			return nil, err
		}
		return NewAdagradOptimizer(cfg, sizes)
	case Adam:
		cfg := DefaultAdamConfig()
		if err := applyParams(params, cfg.fields(), nil); err != nil {
			return nil, err
		}
		return NewAdamOptimizer(cfg, sizes)
	case Adamax:
		cfg := DefaultAdamaxConfig()
		if err := applyParams(params, cfg.fields(), nil); err != nil {
			return nil, err
		}
		return NewAdamaxOptimizer(cfg, sizes)
	case Ftrl:
		cfg := DefaultFtrlConfig()
		if err := applyParams(params, cfg.fields(), nil); err != nil {
			return nil, err
		}
		return NewFtrlOptimizer(cfg, sizes)
	case Nadam:
		cfg := DefaultNadamConfig()
		if err := applyParams(params, cfg.fields(), nil); err != nil {
			return nil, err
		}
		return NewNadamOptimizer(cfg, sizes)
	case SGD:
		cfg := DefaultSGDConfig()
		if err := applyParams(params, cfg.fields(), map[string]*bool{"nesterov": &cfg.Nesterov}); err != nil {
			return nil, err
		}
		return NewSGDOptimizer(cfg, sizes)
	case RMSprop:
		cfg := DefaultRMSpropConfig()
		if err := applyParams(params, cfg.fields(), map[string]*bool{"centered": &cfg.Centered}); err != nil {
			return nil, err
		}
		return NewRMSpropOptimizer(cfg, sizes)
	case LBFGS:
		return nil, fmt.Errorf("%w: %s", ErrNotFirstOrder, kind)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedOptimizer, kind)
}

// state is embedded by every strategy.
type state struct {
	kind         Kind
	learningRate float64
	sizes        []int
	stepCount    uint64
}

func newState(kind Kind, lr float64, sizes []int) (state, error) {
	if lr <= 0 {
		return state{}, fmt.Errorf("learning rate must be positive, got %g", lr)
	}
	if len(sizes) == 0 {
		return state{}, fmt.Errorf("no parameter sizes provided")
	}
	for i, n := range sizes {
		if n < 0 {
			return state{}, fmt.Errorf("parameter %d has negative size %d", i, n)
		}
	}
	return state{kind: kind, learningRate: lr, sizes: append([]int(nil), sizes...)}, nil
}

// check validates the slot layout of a step and advances the step counter.
func (s *state) check(params, grads [][]float64) error {
	if len(params) != len(s.sizes) || len(grads) != len(s.sizes) {
		return fmt.Errorf("%w: expected %d parameter slots, got params=%d grads=%d",
			ErrShapeMismatch, len(s.sizes), len(params), len(grads))
	}
	for i, n := range s.sizes {
		if len(params[i]) != n || len(grads[i]) != n {
			return fmt.Errorf("%w: slot %d expected %d values, got params=%d grads=%d",
				ErrShapeMismatch, i, n, len(params[i]), len(grads[i]))
		}
	}
	s.stepCount++
	return nil
}

func (s *state) GetStepCount() uint64 { return s.stepCount }

func (s *state) UpdateLearningRate(lr float64) { s.learningRate = lr }

func (s *state) GetStats() Stats {
	n := 0
	for _, size := range s.sizes {
		n += size
	}
	return Stats{
		Kind:          s.kind,
		StepCount:     s.stepCount,
		LearningRate:  s.learningRate,
		NumParameters: n,
	}
}
