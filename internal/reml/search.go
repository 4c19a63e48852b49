package reml

import "math"

// SearchResult is the winning grid cell plus its evaluated objective
// (spec.md §4.4 "Search").
type SearchResult struct {
	IA, IB int
	A, B   float64
	Lambda float64
	L      float64
	Result Result
}

// Search evaluates the REML objective over every feasible cell of the
// grid for the voxel time series y and returns the argmin. Ties (finite
// equal L) are broken by lexicographic (a_index, b_index), matching
// spec.md §4.4.
func Search(g *Grid, y []float64) (SearchResult, error) {
	na, nb := g.Dims()
	best := SearchResult{L: math.Inf(1)}
	found := false

	for ia := 0; ia <= na; ia++ {
		for ib := 0; ib <= nb; ib++ {
			setup, ok, err := g.Get(ia, ib)
			if err != nil {
				return SearchResult{}, err
			}
			if !ok {
				continue
			}
			res, err := Evaluate(setup, y)
			if err != nil {
				return SearchResult{}, err
			}
			if !found || res.L < best.L {
				found = true
				a, b := g.AB(ia, ib)
				best = SearchResult{
					IA: ia, IB: ib, A: a, B: b, Lambda: setup.Lambda,
					L: res.L, Result: res,
				}
			}
			// Ties: since we only replace on strict improvement and
			// iterate in increasing (ia,ib) order, the first
			// lexicographically-smallest index among equal L values is
			// naturally retained.
		}
	}
	if !found {
		return SearchResult{}, &NoFeasiblePointError{}
	}
	return best, nil
}

// NoFeasiblePointError is returned when every grid cell was rejected
// (e.g. the AR(1)+white-noise restriction combined with the caller's
// a/b bounds leaves nothing feasible).
type NoFeasiblePointError struct{}

func (e *NoFeasiblePointError) Error() string {
	return "reml: no feasible (a,b) grid point"
}

// FixedSearch skips the exhaustive search and evaluates a single
// caller-supplied (a,b), matching the fixed-(a,b) mode of spec.md §4.8.
func FixedSearch(cutoff float64, tau []int, x []float64, n, m int, a, b float64, nonNegative bool, opts BuildOptions, y []float64) (SearchResult, error) {
	setup, err := Build(a, b, cutoff, tau, x, n, m, nonNegative, opts)
	if err != nil {
		return SearchResult{}, err
	}
	res, err := Evaluate(setup, y)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{A: a, B: b, Lambda: setup.Lambda, L: res.L, Result: res}, nil
}
