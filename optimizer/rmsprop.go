package optimizer

import (
	"math"
)

// RMSpropConfig holds configuration for RMSprop optimizer
type RMSpropConfig struct {
	LearningRate float64
	Rho          float64 // Discount factor for the squared gradient average
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool // Normalize by the estimated gradient variance
}

// DefaultRMSpropConfig returns default RMSprop optimizer configuration
func DefaultRMSpropConfig() RMSpropConfig {
	return RMSpropConfig{
		LearningRate: 0.001,
		Rho:          0.9,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

func (c *RMSpropConfig) fields() map[string]*float64 {
	return map[string]*float64{
		"learning_rate": &c.LearningRate,
		"rho":           &c.Rho,
		"epsilon":       &c.Epsilon,
		"weight_decay":  &c.WeightDecay,
		"momentum":      &c.Momentum,
	}
}

// RMSpropOptimizerState holds RMSprop accumulators
type RMSpropOptimizerState struct {
	state
	config RMSpropConfig

	squaredGradAvg [][]float64
	gradAvg        [][]float64 // only when centered
	momentum       [][]float64 // only when momentum > 0
}

// NewRMSpropOptimizer creates a new RMSprop optimizer
func NewRMSpropOptimizer(config RMSpropConfig, sizes []int) (*RMSpropOptimizerState, error) {
	if err := checkUnit("rho", config.Rho); err != nil {
		return nil, err
	}
	if err := checkUnit("momentum", config.Momentum); err != nil {
		return nil, err
	}
	if err := checkNonNegative("epsilon", config.Epsilon); err != nil {
		return nil, err
	}
	st, err := newState(RMSprop, config.LearningRate, sizes)
	if err != nil {
		return nil, err
	}
	rms := &RMSpropOptimizerState{
		state:          st,
		config:         config,
		squaredGradAvg: newSlots(sizes, 0),
	}
	if config.Centered {
		rms.gradAvg = newSlots(sizes, 0)
	}
	if config.Momentum > 0 {
		rms.momentum = newSlots(sizes, 0)
	}
	return rms, nil
}

// Step performs a single RMSprop optimization step
func (rms *RMSpropOptimizerState) Step(params, grads [][]float64) error {
	if err := rms.check(params, grads); err != nil {
		return err
	}
	lr, rho, eps := rms.learningRate, rms.config.Rho, rms.config.Epsilon

	for i, w := range params {
		ms := rms.squaredGradAvg[i]
		for j, g := range grads[i] {
			g += rms.config.WeightDecay * w[j]
			ms[j] = rho*ms[j] + (1-rho)*g*g
			denom := ms[j]
			if rms.gradAvg != nil {
				mg := rms.gradAvg[i]
				mg[j] = rho*mg[j] + (1-rho)*g
				denom -= mg[j] * mg[j]
			}
			if rms.momentum != nil {
				mom := rms.momentum[i]
				mom[j] = rms.config.Momentum*mom[j] + lr*g/math.Sqrt(denom+eps)
				w[j] -= mom[j]
			} else {
				w[j] -= lr * g / (math.Sqrt(denom) + eps)
			}
		}
	}
	return nil
}
