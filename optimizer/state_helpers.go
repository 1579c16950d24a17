package optimizer

import (
	"fmt"
	"math"
	"sort"
)

// newSlots allocates one accumulator per parameter slot, filled with init.
func newSlots(sizes []int, init float64) [][]float64 {
	out := make([][]float64, len(sizes))
	for i, n := range sizes {
		out[i] = make([]float64, n)
		if init != 0 {
			for j := range out[i] {
				out[i][j] = init
			}
		}
	}
	return out
}

// applyParams overrides config fields by hyperparameter name. Any name in
// params that is neither a float field nor a bool field is rejected.
func applyParams(params map[string]float64, floats map[string]*float64, bools map[string]*bool) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := params[k]
		if math.IsNaN(v) {
			return fmt.Errorf("hyperparameter %s is NaN", k)
		}
		if p, ok := floats[k]; ok {
			*p = v
			continue
		}
		if p, ok := bools[k]; ok {
			*p = v != 0
			continue
		}
		return fmt.Errorf("%w: %s", ErrUnknownParameter, k)
	}
	return nil
}

// checkUnit validates a decay rate in [0, 1).
func checkUnit(name string, v float64) error {
	if v < 0 || v >= 1 {
		return fmt.Errorf("%s must be in range [0, 1), got %g", name, v)
	}
	return nil
}

func checkNonNegative(name string, v float64) error {
	if v < 0 {
		return fmt.Errorf("%s must be non-negative, got %g", name, v)
	}
	return nil
}
