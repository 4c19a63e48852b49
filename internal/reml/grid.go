package reml

import (
	"errors"
	"fmt"
	"sync"

	"remlfit/internal/corr"
)

// GridConfig mirrors the scalar knobs from spec.md §3 "Grid(Rcoll)" and
// §6 (grid level, a/b ranges).
type GridConfig struct {
	Level int // L; N_a = N_b = 2^L

	AMin, AMax float64
	BMin, BMax float64

	Cutoff                  float64
	NonNegativeCorrelations bool
	ARPlusWhiteNoise        bool
	DeSingularize           bool
}

// Grid is a 2-D collection of REML setups over (a_i, b_j), built lazily
// as cells are first needed (spec.md §3 "Grid(Rcoll)"). Index (0,0) of
// the (a,b) plane — a=0, b=0 — is tracked explicitly since the fixed-OLS
// boundary scenario (spec.md §8) pins to exactly that cell.
type Grid struct {
	cfg GridConfig

	// mu guards the whole check-build-store sequence in Get, so a given
	// cell's setup is built at most once and concurrent callers racing on
	// the same or different cells block until the build completes
	// (spec.md §5 "Setup construction is guarded ... other threads block
	// until the build completes").
	mu sync.Mutex

	na, nb int // number of steps along each axis (N_a, N_b)
	as, bs []float64

	cells [][]*Setup // [ia][ib], nil until built
	// rejected caches points that corr.Build rejected (e.g. a
	// non-negative-correlations violation) so repeated lookups don't
	// re-attempt construction.
	rejected [][]bool

	idxA0, idxB0 int // index of the cell nearest (a=0,b=0)

	tau []int
	x   []float64
	n, m int

	opts BuildOptions
}

// NewGrid lays out the (a,b) grid and defers all REML-setup
// construction until cells are requested via Get.
func NewGrid(cfg GridConfig, tau []int, x []float64, n, m int, opts BuildOptions) (*Grid, error) {
	const op = "reml.NewGrid"
	if cfg.Level < 3 || cfg.Level > 7 {
		return nil, fmt.Errorf("%s: grid level must be in [3,7], got %d", op, cfg.Level)
	}
	if cfg.AMin > cfg.AMax || cfg.BMin > cfg.BMax {
		return nil, fmt.Errorf("%s: empty a/b range", op)
	}

	na := 1 << uint(cfg.Level)
	nb := 1 << uint(cfg.Level)

	as := make([]float64, na+1)
	for i := 0; i <= na; i++ {
		as[i] = cfg.AMin + (cfg.AMax-cfg.AMin)*float64(i)/float64(na)
	}
	bs := make([]float64, nb+1)
	for j := 0; j <= nb; j++ {
		bs[j] = cfg.BMin + (cfg.BMax-cfg.BMin)*float64(j)/float64(nb)
	}

	cells := make([][]*Setup, na+1)
	rejected := make([][]bool, na+1)
	for i := range cells {
		cells[i] = make([]*Setup, nb+1)
		rejected[i] = make([]bool, nb+1)
	}

	idxA0, idxB0 := nearestIndex(as, 0), nearestIndex(bs, 0)

	return &Grid{
		cfg: cfg, na: na, nb: nb, as: as, bs: bs,
		cells: cells, rejected: rejected,
		idxA0: idxA0, idxB0: idxB0,
		tau: tau, x: x, n: n, m: m, opts: opts,
	}, nil
}

func nearestIndex(vals []float64, target float64) int {
	best, bestDist := -1, 0.0
	for i, v := range vals {
		d := v - target
		if d < 0 {
			d = -d
		}
		if best == -1 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// Dims returns the number of grid steps along each axis (N_a, N_b).
func (g *Grid) Dims() (na, nb int) { return g.na, g.nb }

// AB returns the (a,b) coordinate at grid index (ia,ib).
func (g *Grid) AB(ia, ib int) (a, b float64) { return g.as[ia], g.bs[ib] }

// feasible reports whether (ia,ib) respects the AR(1)+white-noise
// restriction (a>0, -a<b<0), applied before attempting construction.
func (g *Grid) feasible(ia, ib int) bool {
	if !g.cfg.ARPlusWhiteNoise {
		return true
	}
	a, b := g.as[ia], g.bs[ib]
	return a > 0 && b > -a && b < 0
}

// Get returns the setup at grid index (ia,ib), constructing it on first
// use. ok is false when the point is infeasible or corr.Build rejected
// it (e.g. a negative λ under NonNegativeCorrelations); the search skips
// such points rather than treating them as fatal.
func (g *Grid) Get(ia, ib int) (setup *Setup, ok bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rejected[ia][ib] {
		return nil, false, nil
	}
	if s := g.cells[ia][ib]; s != nil {
		return s, true, nil
	}
	if !g.feasible(ia, ib) {
		g.rejected[ia][ib] = true
		return nil, false, nil
	}

	a, b := g.as[ia], g.bs[ib]
	s, err := Build(a, b, g.cfg.Cutoff, g.tau, g.x, g.n, g.m, g.cfg.NonNegativeCorrelations, g.opts)
	if err != nil {
		var rejectedErr *corr.ErrRejected
		if errors.As(err, &rejectedErr) {
			g.rejected[ia][ib] = true
			return nil, false, nil
		}
		return nil, false, err
	}
	g.cells[ia][ib] = s
	return s, true, nil
}

// Evict drops the built setup at (ia,ib) so it can be paged to scratch
// and rebuilt later (spec.md §4.3 persistence, §5 "may evict Rcoll[s−1]
// to scratch").
func (g *Grid) Evict(ia, ib int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cells[ia][ib] = nil
}

// Idx00 returns the grid index nearest (a=0,b=0).
func (g *Grid) Idx00() (ia, ib int) { return g.idxA0, g.idxB0 }
