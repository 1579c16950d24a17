package optimizer

import (
	"math"
)

// momentumCacheDecay controls the Nadam momentum warm-up schedule.
const momentumCacheDecay = 0.96

// NadamConfig holds configuration for Nadam optimizer
type NadamConfig struct {
	LearningRate float64
	Beta1        float64 // Exponential decay rate for first moment estimates
	Beta2        float64 // Exponential decay rate for second moment estimates
	Epsilon      float64
	WeightDecay  float64
}

// DefaultNadamConfig returns default Nadam optimizer configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

func (c *NadamConfig) fields() map[string]*float64 {
	return map[string]*float64{
		"learning_rate": &c.LearningRate,
		"beta_1":        &c.Beta1,
		"beta_2":        &c.Beta2,
		"epsilon":       &c.Epsilon,
		"weight_decay":  &c.WeightDecay,
	}
}

// NadamOptimizerState holds Nadam moments and the running momentum product
type NadamOptimizerState struct {
	state
	config NadamConfig

	momentum  [][]float64
	variance  [][]float64
	muProduct float64
}

// NewNadamOptimizer creates a new Nadam optimizer
func NewNadamOptimizer(config NadamConfig, sizes []int) (*NadamOptimizerState, error) {
	if err := checkUnit("beta1", config.Beta1); err != nil {
		return nil, err
	}
	if err := checkUnit("beta2", config.Beta2); err != nil {
		return nil, err
	}
	if err := checkNonNegative("epsilon", config.Epsilon); err != nil {
		return nil, err
	}
	st, err := newState(Nadam, config.LearningRate, sizes)
	if err != nil {
		return nil, err
	}
	return &NadamOptimizerState{
		state:     st,
		config:    config,
		momentum:  newSlots(sizes, 0),
		variance:  newSlots(sizes, 0),
		muProduct: 1,
	}, nil
}

// Step performs a single Nadam optimization step
func (nadam *NadamOptimizerState) Step(params, grads [][]float64) error {
	if err := nadam.check(params, grads); err != nil {
		return err
	}
	b1, b2, eps := nadam.config.Beta1, nadam.config.Beta2, nadam.config.Epsilon
	t := float64(nadam.stepCount)

	mu := b1 * (1 - 0.5*math.Pow(momentumCacheDecay, 0.004*t))
	muNext := b1 * (1 - 0.5*math.Pow(momentumCacheDecay, 0.004*(t+1)))
	nadam.muProduct *= mu
	muProductNext := nadam.muProduct * muNext
	vCorrection := 1 - math.Pow(b2, t)

	for i, w := range params {
		m, v := nadam.momentum[i], nadam.variance[i]
		for j, g := range grads[i] {
			g += nadam.config.WeightDecay * w[j]
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			gHat := g / (1 - nadam.muProduct)
			mHat := m[j] / (1 - muProductNext)
			vHat := v[j] / vCorrection
			mBar := (1-mu)*gHat + muNext*mHat
			w[j] -= nadam.learningRate * mBar / (math.Sqrt(vHat) + eps)
		}
	}
	return nil
}
