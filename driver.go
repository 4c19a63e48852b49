package remlfit

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"remlfit/internal/banded"
	"remlfit/internal/diag"
	"remlfit/internal/glt"
	"remlfit/internal/median"
	"remlfit/internal/reml"
	"remlfit/internal/solve"
)

// classifyRemlErr wraps an error surfacing from the reml/banded packages
// into this module's typed taxonomy (spec.md §7), so callers can
// errors.As for SingularMatrix/AllZeroRegressor instead of matching on
// error text. Errors that don't match a known reml/banded kind pass
// through unchanged.
func classifyRemlErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var allZero *reml.ErrAllZeroColumn
	if errors.As(err, &allZero) {
		return wrapErr(AllZeroRegressor, op, allZero.Error(), err)
	}
	var rankDeficient *reml.ErrRankDeficient
	if errors.As(err, &rankDeficient) {
		return wrapErr(SingularMatrix, op, rankDeficient.Error(), err)
	}
	var singular *banded.ErrSingular
	if errors.As(err, &singular) {
		return wrapErr(SingularMatrix, op, singular.Error(), err)
	}
	return err
}

// VoxelSource extracts a voxel's full time series (length NFull,
// including censored positions), spec.md §6 "per-voxel extraction
// callback".
type VoxelSource interface {
	Extract(voxelIndex int) ([]float64, error)
}

// ExtraRegressors assembles a voxel's extra regressor columns (n×q,
// row-major), spec.md §6 "optional per-voxel extra-regressor
// callback".
type ExtraRegressors interface {
	Extract(voxelIndex int) (x []float64, q int, err error)
}

// Sink receives per-voxel outputs. The core never depends on a
// concrete file format; callers adapt this to a dataset file, a
// vectim stream, or an in-memory buffer (spec.md §9 "Polymorphism over
// result sinks").
type Sink interface {
	WriteSeries(voxelIndex int, name string, values []float64) error
	WriteScalar(voxelIndex int, name string, value float64) error
}

// GLTSpec names one contrast to evaluate at every voxel, spec.md §6
// "Optional GLT list".
type GLTSpec struct {
	Label string
	G     []float64 // r*m, row-major, m = Design.M (before any augmentation)
	R     int
}

// Diagnostics accumulates the run-wide counters spec.md §6 requires:
// all-zero columns, voxels with constant extra regressors, and any
// singular-setup events demoted to warnings.
type Diagnostics struct {
	AllZeroColumns      atomic.Int64
	NonFiniteVoxels     atomic.Int64
	ConstantExtraVoxels atomic.Int64
	SingularSetupEvents atomic.Int64
}

// Driver orchestrates the per-voxel state machine of spec.md §4.8: it
// owns the design matrix, pseudo-time, grids, and output sink, and
// drives workers over the masked voxel set.
type Driver struct {
	Config SolverConfig
	Design *DesignMatrix
	Tau    []int // length n, retained-row pseudo-time
	RowMap []int // g, length n, 0 <= g[i] < NFull, strictly increasing
	NFull  int

	GLTs   []GLTSpec
	Source VoxelSource
	Extra  ExtraRegressors // nil when no per-voxel augmentation is used
	Sink   Sink

	// SliceOf maps a voxel index to a slice index sharing one design
	// variant; nil means every voxel shares slice 0 (spec.md §3
	// "Slice"). SliceDesigns, when non-nil, supplies each slice's
	// augmented design; absent entries fall back to Design.
	SliceOf      func(voxelIndex int) int
	SliceDesigns map[int]*DesignMatrix

	// GridShape, when MedianFilterRadius > 0, gives the voxel grid's
	// (NX,NY,NZ) so the chosen (a,b) fields can be addressed
	// spatially. VoxelPos must then map a voxel index to its (x,y,z).
	GridShape [3]int
	VoxelPos  func(voxelIndex int) (x, y, z int)

	warnNonFiniteOnce sync.Once
	warnSingularOnce  sync.Once

	slicesMu sync.Mutex
	slices   map[int]*sliceState
}

type abKey struct{ A, B float64 }

type sliceState struct {
	mu         sync.Mutex
	grid       *reml.Grid
	fixedCache map[abKey]*reml.Setup
}

// Run executes the full voxel loop over the in-mask indices, writing
// per-voxel outputs to d.Sink. It returns run-wide diagnostic counts
// alongside any fatal error (spec.md §7 "User-visible failure
// behavior").
func (d *Driver) Run(mask []bool) (*Diagnostics, error) {
	if err := d.Config.Validate(); err != nil {
		return nil, err
	}
	d.slices = make(map[int]*sliceState)
	diagState := &Diagnostics{}

	indices := make([]int, 0, len(mask))
	for i, in := range mask {
		if in {
			indices = append(indices, i)
		}
	}

	// A non-empty ScratchDir forces serialized execution (spec.md §5).
	parallel := d.Config.Parallel && d.Config.ScratchDir == ""
	workers := d.Config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	if d.Config.MedianFilterRadius > 0 && d.Config.FixedAB == nil {
		return d.runWithMedianFilter(indices, parallel, workers, diagState)
	}

	err := d.forEachVoxel(indices, parallel, workers, func(idx int) error {
		return d.processVoxel(idx, nil, diagState)
	})
	if err != nil {
		return nil, err
	}
	return diagState, nil
}

// runWithMedianFilter implements spec.md §4.9: a first pass chooses
// (a,b) per voxel without solving, the field is spatially
// median-filtered, then a second pass solves every voxel at its
// (possibly filtered) (a,b).
func (d *Driver) runWithMedianFilter(indices []int, parallel bool, workers int, diagState *Diagnostics) (*Diagnostics, error) {
	const op = "runWithMedianFilter"
	if d.VoxelPos == nil {
		return nil, newErr(InvalidParam, op, "median filtering requires VoxelPos")
	}
	nx, ny, nz := d.GridShape[0], d.GridShape[1], d.GridShape[2]
	n := nx * ny * nz
	field := &median.Field{NX: nx, NY: ny, NZ: nz, A: make([]float64, n), B: make([]float64, n), Mask: make([]bool, n)}

	var fieldMu sync.Mutex
	err := d.forEachVoxel(indices, parallel, workers, func(idx int) error {
		sr, ok, err := d.chooseAB(idx, diagState)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		x, y, z := d.VoxelPos(idx)
		fieldMu.Lock()
		pos := (z*ny+y)*nx + x
		field.A[pos], field.B[pos], field.Mask[pos] = sr.A, sr.B, true
		fieldMu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	median.Filter(field, d.Config.MedianFilterRadius, false)

	err = d.forEachVoxel(indices, parallel, workers, func(idx int) error {
		x, y, z := d.VoxelPos(idx)
		pos := (z*ny+y)*nx + x
		if !field.Mask[pos] {
			return nil
		}
		ab := &ABPoint{A: field.A[pos], B: field.B[pos]}
		return d.processVoxel(idx, ab, diagState)
	})
	if err != nil {
		return nil, err
	}
	return diagState, nil
}

// forEachVoxel dispatches fn over indices using atomic work stealing
// across a bounded worker count, canceling outstanding work as soon as
// any call returns a fatal error (spec.md §5 "Fatal errors ... surface
// as a global error that stops the pool").
func (d *Driver) forEachVoxel(indices []int, parallel bool, workers int, fn func(voxelIndex int) error) error {
	if !parallel || workers <= 1 || len(indices) <= 1 {
		for _, idx := range indices {
			if err := fn(idx); err != nil {
				return err
			}
		}
		return nil
	}

	g, ctx := errgroup.WithContext(context.Background())
	var next atomic.Int64
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				i := next.Add(1) - 1
				if int(i) >= len(indices) {
					return nil
				}
				if err := fn(indices[i]); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

func (d *Driver) sliceDesign(sliceIdx int) *DesignMatrix {
	if d.SliceDesigns != nil {
		if dm, ok := d.SliceDesigns[sliceIdx]; ok {
			return dm
		}
	}
	return d.Design
}

func (d *Driver) sliceOf(voxelIndex int) int {
	if d.SliceOf == nil {
		return 0
	}
	return d.SliceOf(voxelIndex)
}

// state returns (constructing if necessary) the lazily-built state for
// a slice, guarded so a given slice's grid is built at most once
// (spec.md §5 "a per-slice lock protects load/store").
func (d *Driver) state(sliceIdx int) *sliceState {
	d.slicesMu.Lock()
	defer d.slicesMu.Unlock()
	s, ok := d.slices[sliceIdx]
	if !ok {
		s = &sliceState{fixedCache: make(map[abKey]*reml.Setup)}
		d.slices[sliceIdx] = s
	}
	return s
}

func (d *Driver) grid(sliceIdx int) (*reml.Grid, error) {
	st := d.state(sliceIdx)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.grid != nil {
		return st.grid, nil
	}
	dm := d.sliceDesign(sliceIdx)
	cfg := reml.GridConfig{
		Level: d.Config.GridLevel,
		AMin:  d.Config.AMin, AMax: d.Config.AMax,
		BMin: d.Config.BMin, BMax: d.Config.BMax,
		Cutoff:                  d.Config.Cutoff,
		NonNegativeCorrelations: d.Config.NonNegativeCorrelations,
		ARPlusWhiteNoise:        d.Config.ARPlusWhiteNoise,
		DeSingularize:           d.Config.DeSingularize,
	}
	opts := reml.DefaultBuildOptions()
	opts.DeSingularize = d.Config.DeSingularize
	g, err := reml.NewGrid(cfg, d.Tau, dm.X, dm.N, dm.M, opts)
	if err != nil {
		return nil, err
	}
	st.grid = g
	return g, nil
}

func (d *Driver) fixedSetup(sliceIdx int, a, b float64, x []float64, m int) (*reml.Setup, error) {
	st := d.state(sliceIdx)
	st.mu.Lock()
	defer st.mu.Unlock()
	key := abKey{a, b}
	if s, ok := st.fixedCache[key]; ok {
		return s, nil
	}
	opts := reml.DefaultBuildOptions()
	opts.DeSingularize = d.Config.DeSingularize
	s, err := reml.Build(a, b, d.Config.Cutoff, d.Tau, x, len(d.Tau), m, d.Config.NonNegativeCorrelations, opts)
	if err != nil {
		return nil, err
	}
	st.fixedCache[key] = s
	return s, nil
}

// retainedY selects y's retained rows via the row map g.
func (d *Driver) retainedY(yFull []float64) []float64 {
	n := len(d.RowMap)
	y := make([]float64, n)
	for i, gi := range d.RowMap {
		y[i] = yFull[gi]
	}
	return y
}

func isFiniteSeries(y []float64) bool {
	for _, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// chooseAB runs the grid search only, for the first pass of
// median-filtered mode; it does not solve or write output.
func (d *Driver) chooseAB(idx int, diagState *Diagnostics) (reml.SearchResult, bool, error) {
	const op = "Driver.chooseAB"
	yFull, err := d.Source.Extract(idx)
	if err != nil {
		return reml.SearchResult{}, false, err
	}
	if !isFiniteSeries(yFull) {
		diagState.NonFiniteVoxels.Add(1)
		d.warnNonFiniteOnce.Do(func() { d.Config.warnf("voxel %d: non-finite time series, excluding affected voxels from mask", idx) })
		return reml.SearchResult{}, false, nil
	}
	y := d.retainedY(yFull)

	sliceIdx := d.sliceOf(idx)
	grid, err := d.grid(sliceIdx)
	if err != nil {
		return reml.SearchResult{}, false, classifyRemlErr(op, err)
	}
	sr, err := reml.Search(grid, y)
	if err != nil {
		if _, ok := err.(*reml.NoFeasiblePointError); ok {
			return reml.SearchResult{}, false, nil
		}
		return reml.SearchResult{}, false, classifyRemlErr(op, err)
	}
	return sr, true, nil
}

// processVoxel runs the full state machine of spec.md §4.8 for one
// voxel: search (or fixed (a,b)), per-voxel augmentation, solve, GLTs,
// Ljung-Box, and output mapping back to the full time axis.
func (d *Driver) processVoxel(idx int, forcedAB *ABPoint, diagState *Diagnostics) error {
	const op = "Driver.processVoxel"
	yFull, err := d.Source.Extract(idx)
	if err != nil {
		return err
	}
	if !isFiniteSeries(yFull) {
		diagState.NonFiniteVoxels.Add(1)
		d.warnNonFiniteOnce.Do(func() { d.Config.warnf("voxel %d: non-finite time series, excluding affected voxels from mask", idx) })
		d.writeZeroOutput(idx)
		return nil
	}
	y := d.retainedY(yFull)
	n := len(y)

	sliceIdx := d.sliceOf(idx)
	dm := d.sliceDesign(sliceIdx)
	x := dm.X
	m := dm.M

	var extraQ int
	if d.Extra != nil {
		z, q, err := d.Extra.Extract(idx)
		if err != nil {
			return err
		}
		if q > 0 {
			if constantColumns(z, n, q) {
				diagState.ConstantExtraVoxels.Add(1)
			}
			augmented, err := dm.WithColumns(z, q, nil)
			if err != nil {
				return err
			}
			if d.Config.DemeanAddedColumns {
				augmented.Demean(m, m+q)
			}
			x = augmented.X
			m = augmented.M
			extraQ = q
		}
	}

	var a, b float64
	var setup *reml.Setup
	var res reml.Result

	ab := forcedAB
	if ab == nil {
		ab = d.Config.FixedAB
	}

	if ab != nil {
		a, b = ab.A, ab.B
		setup, err = d.fixedSetup(sliceIdx, a, b, x, m)
		if err != nil {
			return classifyRemlErr(op, err)
		}
		res, err = reml.Evaluate(setup, y)
		if err != nil {
			return classifyRemlErr(op, err)
		}
	} else if extraQ == 0 {
		grid, gerr := d.grid(sliceIdx)
		if gerr != nil {
			return classifyRemlErr(op, gerr)
		}
		sr, serr := reml.Search(grid, y)
		if serr != nil {
			if _, ok := serr.(*reml.NoFeasiblePointError); ok {
				d.writeZeroOutput(idx)
				return nil
			}
			return classifyRemlErr(op, serr)
		}
		a, b = sr.A, sr.B
		cellSetup, ok, gerr2 := grid.Get(sr.IA, sr.IB)
		if gerr2 != nil {
			return classifyRemlErr(op, gerr2)
		}
		if !ok {
			d.writeZeroOutput(idx)
			return nil
		}
		setup = cellSetup
		res = sr.Result
	} else {
		// Per-voxel extra regressors: search on the slice's shared
		// design to pick (a*,b*), then build a one-off setup on the
		// augmented design at that point (spec.md §4.8 step 3).
		grid, gerr := d.grid(sliceIdx)
		if gerr != nil {
			return classifyRemlErr(op, gerr)
		}
		sr, serr := reml.Search(grid, y)
		if serr != nil {
			if _, ok := serr.(*reml.NoFeasiblePointError); ok {
				d.writeZeroOutput(idx)
				return nil
			}
			return classifyRemlErr(op, serr)
		}
		a, b = sr.A, sr.B
		opts := reml.DefaultBuildOptions()
		opts.DeSingularize = d.Config.DeSingularize
		setup, err = reml.Build(a, b, d.Config.Cutoff, d.Tau, x, n, m, d.Config.NonNegativeCorrelations, opts)
		if err != nil {
			return classifyRemlErr(op, err)
		}
		res, err = reml.Evaluate(setup, y)
		if err != nil {
			return classifyRemlErr(op, err)
		}
		// One-off setup; not cached, destroyed with this call's stack
		// frame (spec.md §4.8 step 6 "Destroy any per-voxel REMLSetup").
	}

	if setup.DeSingularized {
		diagState.SingularSetupEvents.Add(1)
		d.warnSingularOnce.Do(func() {
			d.Config.warnf("voxel %d: REML setup required de-singularization, affected columns masked", idx)
		})
	}

	for _, u := range setup.Unidentifiable {
		if u {
			diagState.AllZeroColumns.Add(1)
		}
	}

	solved := solve.Solve(x, n, m, setup.Unidentifiable, y, res)

	fittedFull := make([]float64, d.NFull)
	rawFull := make([]float64, d.NFull)
	whitenedFull := make([]float64, d.NFull)
	copy(fittedFull, yFull)
	for i, gi := range d.RowMap {
		fittedFull[gi] = solved.Fitted[i]
		rawFull[gi] = solved.RawResidual[i]
		whitenedFull[gi] = solved.WhitenedResidual[i]
	}

	lb := diag.LjungBox(solved.WhitenedResidual, d.Tau, m, runGap/2)

	if err := d.Sink.WriteSeries(idx, "beta", solved.Beta); err != nil {
		return err
	}
	if err := d.Sink.WriteSeries(idx, "fitted", fittedFull); err != nil {
		return err
	}
	if err := d.Sink.WriteSeries(idx, "raw_residual", rawFull); err != nil {
		return err
	}
	if err := d.Sink.WriteSeries(idx, "whitened_residual", whitenedFull); err != nil {
		return err
	}
	scalars := map[string]float64{
		"a": a, "b": b, "lambda": setup.Lambda,
		"sigma2": solved.Sigma2, "neg_log_l": res.L,
		"ljungbox_stat": lb.Stat, "ljungbox_h": float64(lb.H), "ljungbox_dof": float64(lb.DOF),
	}
	for name, v := range scalars {
		if err := d.Sink.WriteScalar(idx, name, v); err != nil {
			return err
		}
	}

	for _, spec := range d.GLTs {
		gPadded := padGLT(spec.G, spec.R, len(spec.G)/spec.R, m)
		out, err := glt.Evaluate(gPadded, spec.R, m, setup, solved.Beta, solved.Sigma2, res.YtPy, n, solved.MEff)
		if err != nil {
			return err
		}
		prefix := "glt:" + spec.Label + ":"
		if err := d.Sink.WriteScalar(idx, prefix+"F", out.F); err != nil {
			return err
		}
		if err := d.Sink.WriteScalar(idx, prefix+"pF", out.PValueF); err != nil {
			return err
		}
		if err := d.Sink.WriteScalar(idx, prefix+"R2", out.R2); err != nil {
			return err
		}
		if err := d.Sink.WriteSeries(idx, prefix+"beta", out.BetaGLT); err != nil {
			return err
		}
		if err := d.Sink.WriteSeries(idx, prefix+"t", out.T); err != nil {
			return err
		}
		if err := d.Sink.WriteSeries(idx, prefix+"pT", out.PValueT); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) writeZeroOutput(idx int) {
	zeros := make([]float64, d.NFull)
	_ = d.Sink.WriteSeries(idx, "fitted", zeros)
	_ = d.Sink.WriteSeries(idx, "raw_residual", zeros)
	_ = d.Sink.WriteSeries(idx, "whitened_residual", zeros)
}

// padGLT widens a contrast originally sized for mOrig columns to m
// columns (extra columns, if any, get zero contrast weight).
func padGLT(g []float64, r, mOrig, m int) []float64 {
	if mOrig == m {
		return g
	}
	out := make([]float64, r*m)
	for row := 0; row < r; row++ {
		copy(out[row*m:row*m+mOrig], g[row*mOrig:(row+1)*mOrig])
	}
	return out
}

func constantColumns(z []float64, n, q int) bool {
	for col := 0; col < q; col++ {
		first := z[col]
		constant := true
		for i := 1; i < n; i++ {
			if z[i*q+col] != first {
				constant = false
				break
			}
		}
		if constant {
			return true
		}
	}
	return false
}
