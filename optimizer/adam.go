package optimizer

import (
	"math"
)

// AdamConfig holds configuration for the Adam and Adamax optimizers
type AdamConfig struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero
	WeightDecay  float64 // L2 regularization coefficient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// DefaultAdamaxConfig returns default Adamax optimizer configuration
func DefaultAdamaxConfig() AdamConfig {
	return DefaultAdamConfig()
}

func (c *AdamConfig) fields() map[string]*float64 {
	return map[string]*float64{
		"learning_rate": &c.LearningRate,
		"beta_1":        &c.Beta1,
		"beta_2":        &c.Beta2,
		"epsilon":       &c.Epsilon,
		"weight_decay":  &c.WeightDecay,
	}
}

func (c AdamConfig) validate() error {
	if err := checkUnit("beta1", c.Beta1); err != nil {
		return err
	}
	if err := checkUnit("beta2", c.Beta2); err != nil {
		return err
	}
	if err := checkNonNegative("epsilon", c.Epsilon); err != nil {
		return err
	}
	return checkNonNegative("weight decay", c.WeightDecay)
}

// AdamOptimizerState holds the Adam moment estimates
type AdamOptimizerState struct {
	state
	config AdamConfig

	momentum [][]float64 // first moment
	variance [][]float64 // second moment
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig, sizes []int) (*AdamOptimizerState, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	st, err := newState(Adam, config.LearningRate, sizes)
	if err != nil {
		return nil, err
	}
	return &AdamOptimizerState{
		state:    st,
		config:   config,
		momentum: newSlots(sizes, 0),
		variance: newSlots(sizes, 0),
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(params, grads [][]float64) error {
	if err := adam.check(params, grads); err != nil {
		return err
	}
	b1, b2, eps := adam.config.Beta1, adam.config.Beta2, adam.config.Epsilon
	t := float64(adam.stepCount)
	lr := adam.learningRate * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t))

	for i, w := range params {
		m, v := adam.momentum[i], adam.variance[i]
		for j, g := range grads[i] {
			g += adam.config.WeightDecay * w[j]
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			w[j] -= lr * m[j] / (math.Sqrt(v[j]) + eps)
		}
	}
	return nil
}

// AdamaxOptimizerState holds the Adamax first moment and infinity norm
type AdamaxOptimizerState struct {
	state
	config AdamConfig

	momentum [][]float64
	norm     [][]float64 // exponentially weighted infinity norm
}

// NewAdamaxOptimizer creates a new Adamax optimizer
func NewAdamaxOptimizer(config AdamConfig, sizes []int) (*AdamaxOptimizerState, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	st, err := newState(Adamax, config.LearningRate, sizes)
	if err != nil {
		return nil, err
	}
	return &AdamaxOptimizerState{
		state:    st,
		config:   config,
		momentum: newSlots(sizes, 0),
		norm:     newSlots(sizes, 0),
	}, nil
}

// Step performs a single Adamax optimization step
func (adamax *AdamaxOptimizerState) Step(params, grads [][]float64) error {
	if err := adamax.check(params, grads); err != nil {
		return err
	}
	b1, b2, eps := adamax.config.Beta1, adamax.config.Beta2, adamax.config.Epsilon
	lr := adamax.learningRate / (1 - math.Pow(b1, float64(adamax.stepCount)))

	for i, w := range params {
		m, u := adamax.momentum[i], adamax.norm[i]
		for j, g := range grads[i] {
			g += adamax.config.WeightDecay * w[j]
			m[j] = b1*m[j] + (1-b1)*g
			u[j] = math.Max(b2*u[j], math.Abs(g))
			w[j] -= lr * m[j] / (u[j] + eps)
		}
	}
	return nil
}
