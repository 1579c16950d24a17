package optimizer

import (
	"math"
	"testing"
)

func TestLBFGSConfigFromParams(t *testing.T) {
	cfg, err := LBFGSConfigFromParams(map[string]float64{"learning_rate": 0.01})
	if err != nil {
		t.Fatalf("LBFGSConfigFromParams failed: %v", err)
	}
	if cfg.HistorySize != 10 {
		t.Errorf("Expected history size 10, got %d", cfg.HistorySize)
	}

	cfg, err = LBFGSConfigFromParams(map[string]float64{"history_size": 4})
	if err != nil || cfg.HistorySize != 4 {
		t.Errorf("Expected history size 4, got %d (%v)", cfg.HistorySize, err)
	}

	if _, err := LBFGSConfigFromParams(map[string]float64{"history_size": 0}); err == nil {
		t.Error("Expected error for zero history size")
	}
	if _, err := LBFGSConfigFromParams(map[string]float64{"momentum": 0.9}); err == nil {
		t.Error("Expected error for unknown parameter")
	}
}

func TestMinimizeLBFGSQuadratic(t *testing.T) {
	centers := []float64{3, -2, 0.5}
	fn := func(x []float64) float64 {
		f := 0.0
		for i, c := range centers {
			d := x[i] - c
			f += float64(i+1) * d * d
		}
		return f
	}
	grad := func(g, x []float64) {
		for i, c := range centers {
			g[i] = 2 * float64(i+1) * (x[i] - c)
		}
	}

	res, err := MinimizeLBFGS(DefaultLBFGSConfig(), fn, grad, []float64{0, 0, 0}, 100, 1e-12)
	if err != nil {
		t.Fatalf("MinimizeLBFGS failed: %v", err)
	}
	for i, c := range centers {
		if math.Abs(res.X[i]-c) > 1e-4 {
			t.Errorf("x[%d]: expected %g, got %g", i, c, res.X[i])
		}
	}
	if len(res.Losses) == 0 {
		t.Fatal("Expected recorded losses")
	}
	if last := res.Losses[len(res.Losses)-1]; last > 1e-6 {
		t.Errorf("Expected final loss near 0, got %g", last)
	}
}

func TestMinimizeLBFGSValidation(t *testing.T) {
	fn := func(x []float64) float64 { return x[0] * x[0] }
	grad := func(g, x []float64) { g[0] = 2 * x[0] }
	if _, err := MinimizeLBFGS(LBFGSConfig{}, fn, grad, []float64{1}, 10, 0); err == nil {
		t.Error("Expected error for zero history size")
	}
	if _, err := MinimizeLBFGS(DefaultLBFGSConfig(), fn, grad, []float64{1}, 0, 0); err == nil {
		t.Error("Expected error for zero iterations")
	}
}
