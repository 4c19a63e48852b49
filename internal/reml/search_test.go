package reml

import (
	"math"
	"testing"
)

// S2 (spec.md §8): pure AR(1) noise (a=0.7, b=0) run through the grid
// search should recover a* within 0.1 of 0.7 and b* within 0.1 of 0 --
// the central numerical claim of the whole package.
func TestSearch_PureAR1RecoversA(t *testing.T) {
	n, m := 300, 1
	x := make([]float64, n*m)
	tau := make([]int, n)
	for i := 0; i < n; i++ {
		x[i] = 1
		tau[i] = i
	}

	const trueA = 0.7
	seed := 987654.0
	innov := func() float64 {
		seed = math.Mod(seed*48271, 2147483647)
		return (seed/2147483647.0)*2 - 1
	}

	e := make([]float64, n)
	e[0] = innov()
	for i := 1; i < n; i++ {
		e[i] = trueA*e[i-1] + innov()
	}
	y := make([]float64, n)
	for i := range y {
		y[i] = 2.0 + e[i]
	}

	cfg := GridConfig{
		Level: 5,
		AMin:  -0.9, AMax: 0.9,
		BMin: -0.9, BMax: 0.9,
		Cutoff: 1e-3,
	}
	grid, err := NewGrid(cfg, tau, x, n, m, DefaultBuildOptions())
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	sr, err := Search(grid, y)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if math.Abs(sr.A-trueA) > 0.1 {
		t.Errorf("a* = %v, want within 0.1 of %v", sr.A, trueA)
	}
	if math.Abs(sr.B) > 0.1 {
		t.Errorf("b* = %v, want within 0.1 of 0", sr.B)
	}
}

// When the AR(1)+white-noise restriction (a>0, -a<b<0) excludes every
// grid point in the caller's a/b range, Search must report
// NoFeasiblePointError rather than silently picking an infeasible cell.
func TestSearch_NoFeasiblePointWhenAllRejected(t *testing.T) {
	n, m := 40, 1
	x := make([]float64, n*m)
	tau := make([]int, n)
	for i := 0; i < n; i++ {
		x[i] = 1
		tau[i] = i
	}
	y := make([]float64, n)
	for i := range y {
		y[i] = 1.0
	}

	cfg := GridConfig{
		Level: 3,
		AMin:  -0.5, AMax: 0, // AMax<=0 leaves no cell with a>0, so every cell is infeasible
		BMin: -0.5, BMax: 0.5,
		Cutoff:           1e-3,
		ARPlusWhiteNoise: true,
	}
	grid, err := NewGrid(cfg, tau, x, n, m, DefaultBuildOptions())
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	_, err = Search(grid, y)
	if _, ok := err.(*NoFeasiblePointError); !ok {
		t.Fatalf("Search error = %v, want *NoFeasiblePointError", err)
	}
}
