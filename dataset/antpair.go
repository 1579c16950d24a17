package dataset

import "fmt"

// AntPair identifies a baseline by the two antenna numbers it correlates.
// The order matters: data stored for (A1, A2) is the complex conjugate of
// the data for (A2, A1).
type AntPair struct {
	A1 int
	A2 int
}

// Reverse returns the pair with the antenna roles swapped.
func (ap AntPair) Reverse() AntPair {
	return AntPair{A1: ap.A2, A2: ap.A1}
}

// IsAuto reports whether the pair is an autocorrelation.
func (ap AntPair) IsAuto() bool {
	return ap.A1 == ap.A2
}

func (ap AntPair) String() string {
	return fmt.Sprintf("(%d, %d)", ap.A1, ap.A2)
}
