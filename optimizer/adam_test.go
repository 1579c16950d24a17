package optimizer

import (
	"math"
	"testing"
)

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %g", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %g", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %g", config.Beta2)
	}
	if config.Epsilon != 1e-7 {
		t.Errorf("Expected epsilon 1e-7, got %g", config.Epsilon)
	}
}

func TestAdamFirstStepIsSignedLearningRate(t *testing.T) {
	config := DefaultAdamConfig()
	config.LearningRate = 0.1
	adam, err := NewAdamOptimizer(config, []int{2})
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}
	w := [][]float64{{1, 1}}
	if err := adam.Step(w, [][]float64{{0.5, -3}}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(w[0][0]-0.9) > 1e-5 {
		t.Errorf("Expected 0.9, got %g", w[0][0])
	}
	if math.Abs(w[0][1]-1.1) > 1e-5 {
		t.Errorf("Expected 1.1, got %g", w[0][1])
	}
}

func TestAdamaxFirstStepIsSignedLearningRate(t *testing.T) {
	config := DefaultAdamaxConfig()
	config.LearningRate = 0.01
	adamax, err := NewAdamaxOptimizer(config, []int{1})
	if err != nil {
		t.Fatalf("NewAdamaxOptimizer failed: %v", err)
	}
	w := [][]float64{{2}}
	if err := adamax.Step(w, [][]float64{{4}}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(w[0][0]-1.99) > 1e-6 {
		t.Errorf("Expected 1.99, got %g", w[0][0])
	}
}

func TestAdamaxZeroGradientLeavesParameters(t *testing.T) {
	adamax, err := NewAdamaxOptimizer(DefaultAdamaxConfig(), []int{3})
	if err != nil {
		t.Fatalf("NewAdamaxOptimizer failed: %v", err)
	}
	w := [][]float64{{1, 2, 3}}
	for i := 0; i < 5; i++ {
		if err := adamax.Step(w, [][]float64{{0, 0, 0}}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	for j, want := range []float64{1, 2, 3} {
		if w[0][j] != want {
			t.Errorf("Expected %g, got %g", want, w[0][j])
		}
	}
}

func TestAdamInvalidBetas(t *testing.T) {
	config := DefaultAdamConfig()
	config.Beta1 = 1
	if _, err := NewAdamOptimizer(config, []int{1}); err == nil {
		t.Error("Expected error for beta1 = 1")
	}
	config = DefaultAdamConfig()
	config.Beta2 = -0.1
	if _, err := NewAdamaxOptimizer(config, []int{1}); err == nil {
		t.Error("Expected error for negative beta2")
	}
}
