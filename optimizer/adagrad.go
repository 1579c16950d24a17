package optimizer

import (
	"math"
)

// AdagradConfig holds configuration for Adagrad optimizer
type AdagradConfig struct {
	LearningRate            float64
	InitialAccumulatorValue float64
	Epsilon                 float64
	WeightDecay             float64
}

// DefaultAdagradConfig returns default Adagrad optimizer configuration
func DefaultAdagradConfig() AdagradConfig {
	return AdagradConfig{
		LearningRate:            0.001,
		InitialAccumulatorValue: 0.1,
		Epsilon:                 1e-7,
		WeightDecay:             0.0,
	}
}

func (c *AdagradConfig) fields() map[string]*float64 {
	return map[string]*float64{
		"learning_rate":             &c.LearningRate,
		"initial_accumulator_value": &c.InitialAccumulatorValue,
		"epsilon":                   &c.Epsilon,
		"weight_decay":              &c.WeightDecay,
	}
}

// AdagradOptimizerState holds the Adagrad squared gradient sums
type AdagradOptimizerState struct {
	state
	config AdagradConfig

	accumulators [][]float64
}

// NewAdagradOptimizer creates a new Adagrad optimizer
func NewAdagradOptimizer(config AdagradConfig, sizes []int) (*AdagradOptimizerState, error) {
	if err := checkNonNegative("initial accumulator value", config.InitialAccumulatorValue); err != nil {
		return nil, err
	}
	if err := checkNonNegative("epsilon", config.Epsilon); err != nil {
		return nil, err
	}
	st, err := newState(Adagrad, config.LearningRate, sizes)
	if err != nil {
		return nil, err
	}
	return &AdagradOptimizerState{
		state:        st,
		config:       config,
		accumulators: newSlots(sizes, config.InitialAccumulatorValue),
	}, nil
}

// Step performs a single Adagrad optimization step
func (adagrad *AdagradOptimizerState) Step(params, grads [][]float64) error {
	if err := adagrad.check(params, grads); err != nil {
		return err
	}
	for i, w := range params {
		acc := adagrad.accumulators[i]
		for j, g := range grads[i] {
			g += adagrad.config.WeightDecay * w[j]
			acc[j] += g * g
			w[j] -= adagrad.learningRate * g / (math.Sqrt(acc[j]) + adagrad.config.Epsilon)
		}
	}
	return nil
}
