// Package redundancy partitions the baselines of a dataset into groups of
// physically equivalent (redundant) baselines, with every member ordered in
// one canonical direction so that no two members differ only by conjugation.
package redundancy

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/tsawler/go-calamity/dataset"
)

var (
	ErrNoBaselines   = errors.New("redundancy: no baselines to group")
	ErrInvalidTol    = errors.New("redundancy: tolerance must be positive")
	ErrBothOrderings = errors.New("redundancy: baseline stored in both orderings")
)

// Options configures GroupConjugated.
type Options struct {
	// Tol is the distance in meters within which two baseline vectors are
	// considered redundant.
	Tol float64
	// RemoveRedundancy puts every baseline in its own group.
	RemoveRedundancy bool
	// IncludeAutos keeps autocorrelations.
	IncludeAutos bool
}

// DefaultOptions returns a 1 m tolerance, redundancy on, autos off.
func DefaultOptions() Options {
	return Options{Tol: 1.0}
}

// Groups is the result of GroupConjugated.
type Groups struct {
	// AntPairs holds every baseline once, in canonical order.
	AntPairs []dataset.AntPair
	// Groups partitions AntPairs.
	Groups [][]dataset.AntPair
	// GroupMap maps each pair of AntPairs to its index in Groups.
	GroupMap map[dataset.AntPair]int
	// Lengths holds the baseline length in meters of each group.
	Lengths []float64
	// Conjugated lists the pairs, as stored in the data, that had to be
	// flipped to reach canonical order.
	Conjugated []dataset.AntPair
}

// baseline is a canonical baseline vector tagged with its position in the
// input order.
type baseline struct {
	vec [3]float64
	idx int
}

func (b baseline) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return b.vec[d] - c.(baseline).vec[d]
}

func (b baseline) Dims() int { return 3 }

// Distance returns the squared euclidean distance.
func (b baseline) Distance(c kdtree.Comparable) float64 {
	q := c.(baseline)
	dx, dy, dz := b.vec[0]-q.vec[0], b.vec[1]-q.vec[1], b.vec[2]-q.vec[2]
	return dx*dx + dy*dy + dz*dz
}

type baselines []baseline

func (p baselines) Index(i int) kdtree.Comparable         { return p[i] }
func (p baselines) Len() int                              { return len(p) }
func (p baselines) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p baselines) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{baselines: p, Dim: d}, kdtree.MedianOfRandoms(plane{baselines: p, Dim: d}, 100))
}

type plane struct {
	baselines
	kdtree.Dim
}

func (p plane) Less(i, j int) bool { return p.baselines[i].vec[p.Dim] < p.baselines[j].vec[p.Dim] }
func (p plane) Swap(i, j int)      { p.baselines[i], p.baselines[j] = p.baselines[j], p.baselines[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{baselines: p.baselines[start:end], Dim: p.Dim}
}

// IsCanonical reports whether vec points in the canonical half space:
// u > tol, or u ~ 0 and v > tol, or u ~ 0 and v ~ 0 and w >= 0.
func IsCanonical(vec [3]float64, tol float64) bool {
	switch {
	case vec[0] > tol:
		return true
	case vec[0] < -tol:
		return false
	case vec[1] > tol:
		return true
	case vec[1] < -tol:
		return false
	default:
		return vec[2] >= 0
	}
}

// GroupConjugated groups the baselines of ds. Every baseline of ds (autos
// only when requested) ends up in exactly one group.
func GroupConjugated(ds *dataset.Dataset, opts Options) (*Groups, error) {
	if opts.Tol <= 0 || math.IsNaN(opts.Tol) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTol, opts.Tol)
	}

	g := &Groups{GroupMap: make(map[dataset.AntPair]int)}
	seen := make(map[dataset.AntPair]struct{})
	var pts baselines
	for _, ap := range ds.AntPairs {
		if ap.IsAuto() && !opts.IncludeAutos {
			continue
		}
		vec, err := ds.BaselineVector(ap)
		if err != nil {
			return nil, err
		}
		canon := ap
		if !IsCanonical(vec, opts.Tol) {
			canon = ap.Reverse()
			vec = [3]float64{-vec[0], -vec[1], -vec[2]}
			g.Conjugated = append(g.Conjugated, ap)
		}
		if _, dup := seen[canon]; dup {
			return nil, fmt.Errorf("%w: %s", ErrBothOrderings, canon)
		}
		seen[canon] = struct{}{}
		pts = append(pts, baseline{vec: vec, idx: len(g.AntPairs)})
		g.AntPairs = append(g.AntPairs, canon)
	}
	if len(pts) == 0 {
		return nil, ErrNoBaselines
	}

	if opts.RemoveRedundancy {
		for i, ap := range g.AntPairs {
			g.GroupMap[ap] = len(g.Groups)
			g.Groups = append(g.Groups, []dataset.AntPair{ap})
			g.Lengths = append(g.Lengths, floats.Norm(pts[i].vec[:], 2))
		}
		return g, nil
	}

	// kdtree.New reorders its input, so search a copy and keep pts in data
	// order for the greedy sweep.
	tree := kdtree.New(append(baselines(nil), pts...), false)
	assigned := make([]bool, len(pts))
	for _, p := range pts {
		if assigned[p.idx] {
			continue
		}
		keeper := kdtree.NewDistKeeper(opts.Tol * opts.Tol)
		tree.NearestSet(keeper, p)

		members := []int{p.idx}
		assigned[p.idx] = true
		for _, cd := range keeper.Heap {
			if cd.Comparable == nil {
				continue
			}
			q := cd.Comparable.(baseline)
			if assigned[q.idx] {
				continue
			}
			assigned[q.idx] = true
			members = append(members, q.idx)
		}
		sort.Ints(members)

		grp := make([]dataset.AntPair, len(members))
		for k, m := range members {
			grp[k] = g.AntPairs[m]
			g.GroupMap[g.AntPairs[m]] = len(g.Groups)
		}
		g.Groups = append(g.Groups, grp)
		g.Lengths = append(g.Lengths, floats.Norm(p.vec[:], 2))
	}
	return g, nil
}

// ConjugateDataset returns a copy of ds in which every baseline listed in
// g.Conjugated is flipped to canonical order and its data conjugated.
func ConjugateDataset(ds *dataset.Dataset, g *Groups) (*dataset.Dataset, error) {
	out := ds.Copy()
	for _, ap := range g.Conjugated {
		bl, ok := out.AntPairIndex(ap)
		if !ok {
			return nil, fmt.Errorf("%w: %s", dataset.ErrUnknownAntPair, ap)
		}
		out.ConjugateBaseline(bl)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
