package dataset

import (
	"errors"
	"fmt"
	"math/cmplx"
	"sort"
)

var (
	ErrShapeMismatch  = errors.New("dataset: array shape mismatch")
	ErrUnknownAntPair = errors.New("dataset: antenna pair not in data")
	ErrUnknownPol     = errors.New("dataset: polarization not in data")
	ErrUnknownAntenna = errors.New("dataset: antenna not in telescope")
	ErrEmptyAxis      = errors.New("dataset: empty axis")
)

// Dataset is a visibility dataset on a regular (baseline, time, frequency,
// polarization) grid. Data, Flags and Nsamples are stored flat in that
// order, see Index.
type Dataset struct {
	TelescopeName    string
	AntennaNumbers   []int
	AntennaPositions [][3]float64 // meters, one per entry of AntennaNumbers

	AntPairs []AntPair
	Times    []float64 // Julian dates
	Freqs    []float64 // Hz
	Pols     []string

	Data     []complex128
	Flags    []bool
	Nsamples []float64

	pairIndex map[AntPair]int
}

// New allocates a dataset with zeroed data, no flags and unit sample counts.
func New(pairs []AntPair, times, freqs []float64, pols []string, antNums []int, antPos [][3]float64) (*Dataset, error) {
	if len(pairs) == 0 || len(times) == 0 || len(freqs) == 0 || len(pols) == 0 {
		return nil, ErrEmptyAxis
	}
	if len(antNums) != len(antPos) {
		return nil, fmt.Errorf("%w: %d antenna numbers, %d positions", ErrShapeMismatch, len(antNums), len(antPos))
	}

	n := len(pairs) * len(times) * len(freqs) * len(pols)
	ds := &Dataset{
		AntennaNumbers:   append([]int(nil), antNums...),
		AntennaPositions: append([][3]float64(nil), antPos...),
		AntPairs:         append([]AntPair(nil), pairs...),
		Times:            append([]float64(nil), times...),
		Freqs:            append([]float64(nil), freqs...),
		Pols:             append([]string(nil), pols...),
		Data:             make([]complex128, n),
		Flags:            make([]bool, n),
		Nsamples:         make([]float64, n),
	}
	for i := range ds.Nsamples {
		ds.Nsamples[i] = 1
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

func (ds *Dataset) Nbls() int   { return len(ds.AntPairs) }
func (ds *Dataset) Ntimes() int { return len(ds.Times) }
func (ds *Dataset) Nfreqs() int { return len(ds.Freqs) }
func (ds *Dataset) Npols() int  { return len(ds.Pols) }

// Index returns the flat offset of (baseline row, time, freq, pol).
func (ds *Dataset) Index(bl, t, f, p int) int {
	return ((bl*len(ds.Times)+t)*len(ds.Freqs)+f)*len(ds.Pols) + p
}

// Validate checks that the data, flag and nsample arrays match the axes and
// rebuilds the antenna pair lookup. Call it after editing AntPairs by hand.
func (ds *Dataset) Validate() error {
	n := len(ds.AntPairs) * len(ds.Times) * len(ds.Freqs) * len(ds.Pols)
	if n == 0 {
		return ErrEmptyAxis
	}
	if len(ds.Data) != n || len(ds.Flags) != n || len(ds.Nsamples) != n {
		return fmt.Errorf("%w: want %d samples, have data=%d flags=%d nsamples=%d",
			ErrShapeMismatch, n, len(ds.Data), len(ds.Flags), len(ds.Nsamples))
	}
	if len(ds.AntennaNumbers) != len(ds.AntennaPositions) {
		return fmt.Errorf("%w: %d antenna numbers, %d positions",
			ErrShapeMismatch, len(ds.AntennaNumbers), len(ds.AntennaPositions))
	}
	idx := make(map[AntPair]int, len(ds.AntPairs))
	for i, ap := range ds.AntPairs {
		if _, dup := idx[ap]; dup {
			return fmt.Errorf("%w: duplicate baseline %s", ErrShapeMismatch, ap)
		}
		idx[ap] = i
	}
	ds.pairIndex = idx
	return nil
}

// AntPairIndex returns the baseline row holding ap, in the stored order only.
func (ds *Dataset) AntPairIndex(ap AntPair) (int, bool) {
	if ds.pairIndex == nil {
		ds.pairIndex = make(map[AntPair]int, len(ds.AntPairs))
		for i, p := range ds.AntPairs {
			ds.pairIndex[p] = i
		}
	}
	i, ok := ds.pairIndex[ap]
	return i, ok
}

// HasAntPair reports whether ap is stored in either order.
func (ds *Dataset) HasAntPair(ap AntPair) bool {
	if _, ok := ds.AntPairIndex(ap); ok {
		return true
	}
	_, ok := ds.AntPairIndex(ap.Reverse())
	return ok
}

// PolIndex returns the index of pol on the polarization axis.
func (ds *Dataset) PolIndex(pol string) (int, bool) {
	for i, p := range ds.Pols {
		if p == pol {
			return i, true
		}
	}
	return -1, false
}

func (ds *Dataset) locate(ap AntPair, pol string) (int, int, error) {
	bl, ok := ds.AntPairIndex(ap)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownAntPair, ap)
	}
	p, ok := ds.PolIndex(pol)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownPol, pol)
	}
	return bl, p, nil
}

// GetData returns a time x freq copy of the visibilities of ap.
func (ds *Dataset) GetData(ap AntPair, pol string) ([][]complex128, error) {
	bl, p, err := ds.locate(ap, pol)
	if err != nil {
		return nil, err
	}
	out := make([][]complex128, len(ds.Times))
	for t := range out {
		out[t] = make([]complex128, len(ds.Freqs))
		for f := range out[t] {
			out[t][f] = ds.Data[ds.Index(bl, t, f, p)]
		}
	}
	return out, nil
}

// GetFlags returns a time x freq copy of the flags of ap.
func (ds *Dataset) GetFlags(ap AntPair, pol string) ([][]bool, error) {
	bl, p, err := ds.locate(ap, pol)
	if err != nil {
		return nil, err
	}
	out := make([][]bool, len(ds.Times))
	for t := range out {
		out[t] = make([]bool, len(ds.Freqs))
		for f := range out[t] {
			out[t][f] = ds.Flags[ds.Index(bl, t, f, p)]
		}
	}
	return out, nil
}

// GetNsamples returns a time x freq copy of the sample counts of ap.
func (ds *Dataset) GetNsamples(ap AntPair, pol string) ([][]float64, error) {
	bl, p, err := ds.locate(ap, pol)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(ds.Times))
	for t := range out {
		out[t] = make([]float64, len(ds.Freqs))
		for f := range out[t] {
			out[t][f] = ds.Nsamples[ds.Index(bl, t, f, p)]
		}
	}
	return out, nil
}

// SetData overwrites the visibilities of ap from a time x freq array.
func (ds *Dataset) SetData(ap AntPair, pol string, data [][]complex128) error {
	bl, p, err := ds.locate(ap, pol)
	if err != nil {
		return err
	}
	if len(data) != len(ds.Times) {
		return fmt.Errorf("%w: %d times, want %d", ErrShapeMismatch, len(data), len(ds.Times))
	}
	for t, row := range data {
		if len(row) != len(ds.Freqs) {
			return fmt.Errorf("%w: %d freqs, want %d", ErrShapeMismatch, len(row), len(ds.Freqs))
		}
		for f, v := range row {
			ds.Data[ds.Index(bl, t, f, p)] = v
		}
	}
	return nil
}

// SetFlags overwrites the flags of ap from a time x freq array.
func (ds *Dataset) SetFlags(ap AntPair, pol string, flags [][]bool) error {
	bl, p, err := ds.locate(ap, pol)
	if err != nil {
		return err
	}
	if len(flags) != len(ds.Times) {
		return fmt.Errorf("%w: %d times, want %d", ErrShapeMismatch, len(flags), len(ds.Times))
	}
	for t, row := range flags {
		if len(row) != len(ds.Freqs) {
			return fmt.Errorf("%w: %d freqs, want %d", ErrShapeMismatch, len(row), len(ds.Freqs))
		}
		for f, v := range row {
			ds.Flags[ds.Index(bl, t, f, p)] = v
		}
	}
	return nil
}

// Copy returns a deep copy.
func (ds *Dataset) Copy() *Dataset {
	out := &Dataset{
		TelescopeName:    ds.TelescopeName,
		AntennaNumbers:   append([]int(nil), ds.AntennaNumbers...),
		AntennaPositions: append([][3]float64(nil), ds.AntennaPositions...),
		AntPairs:         append([]AntPair(nil), ds.AntPairs...),
		Times:            append([]float64(nil), ds.Times...),
		Freqs:            append([]float64(nil), ds.Freqs...),
		Pols:             append([]string(nil), ds.Pols...),
		Data:             append([]complex128(nil), ds.Data...),
		Flags:            append([]bool(nil), ds.Flags...),
		Nsamples:         append([]float64(nil), ds.Nsamples...),
	}
	out.pairIndex = make(map[AntPair]int, len(out.AntPairs))
	for i, ap := range out.AntPairs {
		out.pairIndex[ap] = i
	}
	return out
}

// SameShape reports whether other has the same axes as ds, so that flat
// indices address the same samples in both.
func (ds *Dataset) SameShape(other *Dataset) bool {
	if other == nil || len(ds.AntPairs) != len(other.AntPairs) ||
		len(ds.Times) != len(other.Times) || len(ds.Freqs) != len(other.Freqs) ||
		len(ds.Pols) != len(other.Pols) {
		return false
	}
	for i, ap := range ds.AntPairs {
		if other.AntPairs[i] != ap {
			return false
		}
	}
	for i, p := range ds.Pols {
		if other.Pols[i] != p {
			return false
		}
	}
	return true
}

// SelectAntPairs returns a deep copy holding only the baselines for which
// keep returns true.
func (ds *Dataset) SelectAntPairs(keep func(AntPair) bool) (*Dataset, error) {
	var rows []int
	for i, ap := range ds.AntPairs {
		if keep(ap) {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no baselines selected", ErrEmptyAxis)
	}

	per := len(ds.Times) * len(ds.Freqs) * len(ds.Pols)
	out := &Dataset{
		TelescopeName:    ds.TelescopeName,
		AntennaNumbers:   append([]int(nil), ds.AntennaNumbers...),
		AntennaPositions: append([][3]float64(nil), ds.AntennaPositions...),
		Times:            append([]float64(nil), ds.Times...),
		Freqs:            append([]float64(nil), ds.Freqs...),
		Pols:             append([]string(nil), ds.Pols...),
		AntPairs:         make([]AntPair, 0, len(rows)),
		Data:             make([]complex128, 0, len(rows)*per),
		Flags:            make([]bool, 0, len(rows)*per),
		Nsamples:         make([]float64, 0, len(rows)*per),
	}
	for _, r := range rows {
		out.AntPairs = append(out.AntPairs, ds.AntPairs[r])
		lo, hi := r*per, (r+1)*per
		out.Data = append(out.Data, ds.Data[lo:hi]...)
		out.Flags = append(out.Flags, ds.Flags[lo:hi]...)
		out.Nsamples = append(out.Nsamples, ds.Nsamples[lo:hi]...)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// SelectCrossCorrelations drops all autocorrelations.
func (ds *Dataset) SelectCrossCorrelations() (*Dataset, error) {
	return ds.SelectAntPairs(func(ap AntPair) bool { return !ap.IsAuto() })
}

// ConjugateBaseline swaps the stored antenna order of row bl in place and
// conjugates its data.
func (ds *Dataset) ConjugateBaseline(bl int) {
	old := ds.AntPairs[bl]
	ds.AntPairs[bl] = old.Reverse()
	per := len(ds.Times) * len(ds.Freqs) * len(ds.Pols)
	for i := bl * per; i < (bl+1)*per; i++ {
		ds.Data[i] = cmplx.Conj(ds.Data[i])
	}
	if ds.pairIndex != nil {
		delete(ds.pairIndex, old)
		ds.pairIndex[ds.AntPairs[bl]] = bl
	}
}

// Ants returns the sorted antenna numbers that appear in the baselines.
func (ds *Dataset) Ants() []int {
	seen := make(map[int]struct{})
	for _, ap := range ds.AntPairs {
		seen[ap.A1] = struct{}{}
		seen[ap.A2] = struct{}{}
	}
	ants := make([]int, 0, len(seen))
	for a := range seen {
		ants = append(ants, a)
	}
	sort.Ints(ants)
	return ants
}

// AntennaPosition returns the position of antenna number ant.
func (ds *Dataset) AntennaPosition(ant int) ([3]float64, error) {
	for i, a := range ds.AntennaNumbers {
		if a == ant {
			return ds.AntennaPositions[i], nil
		}
	}
	return [3]float64{}, fmt.Errorf("%w: %d", ErrUnknownAntenna, ant)
}

// BaselineVector returns position(A2) - position(A1).
func (ds *Dataset) BaselineVector(ap AntPair) ([3]float64, error) {
	p1, err := ds.AntennaPosition(ap.A1)
	if err != nil {
		return [3]float64{}, err
	}
	p2, err := ds.AntennaPosition(ap.A2)
	if err != nil {
		return [3]float64{}, err
	}
	return [3]float64{p2[0] - p1[0], p2[1] - p1[1], p2[2] - p1[2]}, nil
}
