package dataset

import (
	"fmt"
	"sort"
)

// GainConventionDivide means observed = model * g_a * conj(g_b), so that
// calibrated data is observed / (g_a * conj(g_b)).
const GainConventionDivide = "divide"

// Calibration holds per-antenna complex gains on an
// (antenna, frequency, time, jones) grid.
//
// Flags of an input calibration are carried along but never consulted by the
// solver; flag the visibilities instead.
type Calibration struct {
	TelescopeName  string
	AntennaNumbers []int
	Freqs          []float64
	Times          []float64
	Jones          []string

	GainConvention string
	CalStyle       string
	CalType        string

	Gains   []complex128
	Flags   []bool
	Quality []float64

	antIndex map[int]int
}

// JonesForPol maps a visibility polarization such as "ee" to its jones
// term "Jee".
func JonesForPol(pol string) string {
	return "J" + pol
}

// NewCalibration allocates unity gains for the given antennas and axes.
func NewCalibration(ants []int, freqs, times []float64, jones []string) (*Calibration, error) {
	if len(ants) == 0 || len(freqs) == 0 || len(times) == 0 || len(jones) == 0 {
		return nil, ErrEmptyAxis
	}
	n := len(ants) * len(freqs) * len(times) * len(jones)
	cal := &Calibration{
		AntennaNumbers: append([]int(nil), ants...),
		Freqs:          append([]float64(nil), freqs...),
		Times:          append([]float64(nil), times...),
		Jones:          append([]string(nil), jones...),
		GainConvention: GainConventionDivide,
		CalStyle:       "redundant",
		CalType:        "gain",
		Gains:          make([]complex128, n),
		Flags:          make([]bool, n),
		Quality:        make([]float64, n),
	}
	for i := range cal.Gains {
		cal.Gains[i] = 1
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return cal, nil
}

// BlankCalibration returns unity gains for every antenna in ds, on the
// frequency and time axes of ds, with one jones term per polarization.
func BlankCalibration(ds *Dataset) (*Calibration, error) {
	jones := make([]string, len(ds.Pols))
	for i, p := range ds.Pols {
		jones[i] = JonesForPol(p)
	}
	cal, err := NewCalibration(ds.Ants(), ds.Freqs, ds.Times, jones)
	if err != nil {
		return nil, err
	}
	cal.TelescopeName = ds.TelescopeName
	return cal, nil
}

// Index returns the flat offset of (antenna row, freq, time, jones).
func (c *Calibration) Index(a, f, t, j int) int {
	return ((a*len(c.Freqs)+f)*len(c.Times)+t)*len(c.Jones) + j
}

// Validate checks array sizes and rebuilds the antenna lookup.
func (c *Calibration) Validate() error {
	n := len(c.AntennaNumbers) * len(c.Freqs) * len(c.Times) * len(c.Jones)
	if n == 0 {
		return ErrEmptyAxis
	}
	if len(c.Gains) != n || len(c.Flags) != n || len(c.Quality) != n {
		return fmt.Errorf("%w: want %d gains, have gains=%d flags=%d quality=%d",
			ErrShapeMismatch, n, len(c.Gains), len(c.Flags), len(c.Quality))
	}
	idx := make(map[int]int, len(c.AntennaNumbers))
	for i, a := range c.AntennaNumbers {
		idx[a] = i
	}
	c.antIndex = idx
	return nil
}

// AntIndex returns the row of antenna ant.
func (c *Calibration) AntIndex(ant int) (int, bool) {
	if c.antIndex == nil {
		c.antIndex = make(map[int]int, len(c.AntennaNumbers))
		for i, a := range c.AntennaNumbers {
			c.antIndex[a] = i
		}
	}
	i, ok := c.antIndex[ant]
	return i, ok
}

// JonesIndex returns the index of jones on the jones axis.
func (c *Calibration) JonesIndex(jones string) (int, bool) {
	for i, j := range c.Jones {
		if j == jones {
			return i, true
		}
	}
	return -1, false
}

func (c *Calibration) locate(ant int, jones string) (int, int, error) {
	a, ok := c.AntIndex(ant)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnknownAntenna, ant)
	}
	j, ok := c.JonesIndex(jones)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownPol, jones)
	}
	return a, j, nil
}

// GetGains returns a time x freq copy of the gains of ant.
func (c *Calibration) GetGains(ant int, jones string) ([][]complex128, error) {
	a, j, err := c.locate(ant, jones)
	if err != nil {
		return nil, err
	}
	out := make([][]complex128, len(c.Times))
	for t := range out {
		out[t] = make([]complex128, len(c.Freqs))
		for f := range out[t] {
			out[t][f] = c.Gains[c.Index(a, f, t, j)]
		}
	}
	return out, nil
}

// SetGains overwrites the gains of ant from a time x freq array.
func (c *Calibration) SetGains(ant int, jones string, g [][]complex128) error {
	a, j, err := c.locate(ant, jones)
	if err != nil {
		return err
	}
	if len(g) != len(c.Times) {
		return fmt.Errorf("%w: %d times, want %d", ErrShapeMismatch, len(g), len(c.Times))
	}
	for t, row := range g {
		if len(row) != len(c.Freqs) {
			return fmt.Errorf("%w: %d freqs, want %d", ErrShapeMismatch, len(row), len(c.Freqs))
		}
		for f, v := range row {
			c.Gains[c.Index(a, f, t, j)] = v
		}
	}
	return nil
}

// Copy returns a deep copy.
func (c *Calibration) Copy() *Calibration {
	out := &Calibration{
		TelescopeName:  c.TelescopeName,
		AntennaNumbers: append([]int(nil), c.AntennaNumbers...),
		Freqs:          append([]float64(nil), c.Freqs...),
		Times:          append([]float64(nil), c.Times...),
		Jones:          append([]string(nil), c.Jones...),
		GainConvention: c.GainConvention,
		CalStyle:       c.CalStyle,
		CalType:        c.CalType,
		Gains:          append([]complex128(nil), c.Gains...),
		Flags:          append([]bool(nil), c.Flags...),
		Quality:        append([]float64(nil), c.Quality...),
	}
	_ = out.Validate()
	return out
}

// Ants returns the antenna numbers in ascending order.
func (c *Calibration) Ants() []int {
	ants := append([]int(nil), c.AntennaNumbers...)
	sort.Ints(ants)
	return ants
}
