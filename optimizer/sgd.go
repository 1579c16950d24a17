package optimizer

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64 // 0 for vanilla SGD
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

func (c *SGDConfig) fields() map[string]*float64 {
	return map[string]*float64{
		"learning_rate": &c.LearningRate,
		"momentum":      &c.Momentum,
		"weight_decay":  &c.WeightDecay,
	}
}

// SGDOptimizerState holds the SGD velocity (allocated only with momentum)
type SGDOptimizerState struct {
	state
	config SGDConfig

	velocity [][]float64
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig, sizes []int) (*SGDOptimizerState, error) {
	if err := checkUnit("momentum", config.Momentum); err != nil {
		return nil, err
	}
	if err := checkNonNegative("weight decay", config.WeightDecay); err != nil {
		return nil, err
	}
	st, err := newState(SGD, config.LearningRate, sizes)
	if err != nil {
		return nil, err
	}
	sgd := &SGDOptimizerState{state: st, config: config}
	if config.Momentum > 0 {
		sgd.velocity = newSlots(sizes, 0)
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params, grads [][]float64) error {
	if err := sgd.check(params, grads); err != nil {
		return err
	}
	lr, mom := sgd.learningRate, sgd.config.Momentum

	for i, w := range params {
		for j, g := range grads[i] {
			g += sgd.config.WeightDecay * w[j]
			if sgd.velocity == nil {
				w[j] -= lr * g
				continue
			}
			v := sgd.velocity[i]
			v[j] = mom*v[j] - lr*g
			if sgd.config.Nesterov {
				w[j] += mom*v[j] - lr*g
			} else {
				w[j] += v[j]
			}
		}
	}
	return nil
}
