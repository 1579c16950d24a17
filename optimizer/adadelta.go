package optimizer

import (
	"fmt"
	"math"
)

// AdadeltaConfig holds configuration for Adadelta optimizer
type AdadeltaConfig struct {
	LearningRate float64
	Rho          float64 // Decay rate for moving averages (typically 0.95)
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdadeltaConfig returns default Adadelta optimizer configuration
func DefaultAdadeltaConfig() AdadeltaConfig {
	return AdadeltaConfig{
		LearningRate: 0.001,
		Rho:          0.95,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

func (c *AdadeltaConfig) fields() map[string]*float64 {
	return map[string]*float64{
		"learning_rate": &c.LearningRate,
		"rho":           &c.Rho,
		"epsilon":       &c.Epsilon,
		"weight_decay":  &c.WeightDecay,
	}
}

// AdadeltaOptimizerState holds the Adadelta running averages
type AdadeltaOptimizerState struct {
	state
	config AdadeltaConfig

	squaredGradAvg   [][]float64 // E[g^2]
	squaredUpdateAvg [][]float64 // E[dx^2]
}

// NewAdadeltaOptimizer creates a new Adadelta optimizer
func NewAdadeltaOptimizer(config AdadeltaConfig, sizes []int) (*AdadeltaOptimizerState, error) {
	if config.Rho <= 0 || config.Rho >= 1 {
		return nil, fmt.Errorf("rho must be in range (0, 1), got %g", config.Rho)
	}
	if err := checkNonNegative("epsilon", config.Epsilon); err != nil {
		return nil, err
	}
	st, err := newState(Adadelta, config.LearningRate, sizes)
	if err != nil {
		return nil, err
	}
	return &AdadeltaOptimizerState{
		state:            st,
		config:           config,
		squaredGradAvg:   newSlots(sizes, 0),
		squaredUpdateAvg: newSlots(sizes, 0),
	}, nil
}

// Step performs a single Adadelta optimization step
func (adadelta *AdadeltaOptimizerState) Step(params, grads [][]float64) error {
	if err := adadelta.check(params, grads); err != nil {
		return err
	}
	rho, eps := adadelta.config.Rho, adadelta.config.Epsilon

	for i, w := range params {
		eg, ex := adadelta.squaredGradAvg[i], adadelta.squaredUpdateAvg[i]
		for j, g := range grads[i] {
			g += adadelta.config.WeightDecay * w[j]
			eg[j] = rho*eg[j] + (1-rho)*g*g
			update := math.Sqrt(ex[j]+eps) / math.Sqrt(eg[j]+eps) * g
			ex[j] = rho*ex[j] + (1-rho)*update*update
			w[j] -= adadelta.learningRate * update
		}
	}
	return nil
}
