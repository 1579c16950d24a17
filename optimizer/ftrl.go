package optimizer

import (
	"fmt"
	"math"
)

// FtrlConfig holds configuration for the FTRL-Proximal optimizer
type FtrlConfig struct {
	LearningRate            float64
	LearningRatePower       float64 // must be <= 0
	InitialAccumulatorValue float64
	L1                      float64
	L2                      float64
	Beta                    float64
}

// DefaultFtrlConfig returns default FTRL optimizer configuration
func DefaultFtrlConfig() FtrlConfig {
	return FtrlConfig{
		LearningRate:            0.001,
		LearningRatePower:       -0.5,
		InitialAccumulatorValue: 0.1,
	}
}

func (c *FtrlConfig) fields() map[string]*float64 {
	return map[string]*float64{
		"learning_rate":              &c.LearningRate,
		"learning_rate_power":        &c.LearningRatePower,
		"initial_accumulator_value":  &c.InitialAccumulatorValue,
		"l1_regularization_strength": &c.L1,
		"l2_regularization_strength": &c.L2,
		"beta":                       &c.Beta,
	}
}

// FtrlOptimizerState holds FTRL accumulators and linear terms
type FtrlOptimizerState struct {
	state
	config FtrlConfig

	accumulators [][]float64
	linear       [][]float64
}

// NewFtrlOptimizer creates a new FTRL optimizer
func NewFtrlOptimizer(config FtrlConfig, sizes []int) (*FtrlOptimizerState, error) {
	if config.LearningRatePower > 0 {
		return nil, fmt.Errorf("learning rate power must be <= 0, got %g", config.LearningRatePower)
	}
	if config.InitialAccumulatorValue <= 0 {
		return nil, fmt.Errorf("initial accumulator value must be positive, got %g", config.InitialAccumulatorValue)
	}
	for name, v := range map[string]float64{"l1": config.L1, "l2": config.L2, "beta": config.Beta} {
		if err := checkNonNegative(name, v); err != nil {
			return nil, err
		}
	}
	st, err := newState(Ftrl, config.LearningRate, sizes)
	if err != nil {
		return nil, err
	}
	return &FtrlOptimizerState{
		state:        st,
		config:       config,
		accumulators: newSlots(sizes, config.InitialAccumulatorValue),
		linear:       newSlots(sizes, 0),
	}, nil
}

// Step performs a single FTRL optimization step
func (ftrl *FtrlOptimizerState) Step(params, grads [][]float64) error {
	if err := ftrl.check(params, grads); err != nil {
		return err
	}
	lr, p := ftrl.learningRate, -ftrl.config.LearningRatePower
	l1, l2, beta := ftrl.config.L1, ftrl.config.L2, ftrl.config.Beta

	for i, w := range params {
		acc, lin := ftrl.accumulators[i], ftrl.linear[i]
		for j, g := range grads[i] {
			accNew := acc[j] + g*g
			sigma := (math.Pow(accNew, p) - math.Pow(acc[j], p)) / lr
			lin[j] += g - sigma*w[j]
			quadratic := (beta+math.Pow(accNew, p))/lr + 2*l2
			if math.Abs(lin[j]) > l1 {
				w[j] = (math.Copysign(l1, lin[j]) - lin[j]) / quadratic
			} else {
				w[j] = 0
			}
			acc[j] = accNew
		}
	}
	return nil
}
