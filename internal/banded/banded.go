// Package banded implements storage, multiplication and Cholesky
// factorization of symmetric banded matrices (spec.md §4.1). Only the
// band is ever stored or touched; every operation is O(n·bw) except the
// factorization itself, which is the standard O(n·bw²) banded Cholesky.
package banded

import (
	"fmt"
	"math"
)

// Bmat is a symmetric n×n matrix with half-bandwidth Bw, stored as a
// dense (Bw+1)×N buffer. Data[d*N+i] holds entry (i, i-d) for
// d = 0..Bw and i-d >= 0; entries with i-d < 0 do not exist and are
// never read. Bw may be 0 (diagonal only).
type Bmat struct {
	N    int
	Bw   int
	Data []float64 // length (Bw+1)*N
}

// New allocates a zeroed banded matrix of size n with half-bandwidth bw.
func New(n, bw int) *Bmat {
	if n <= 0 {
		panic("banded: n must be positive")
	}
	if bw < 0 {
		bw = 0
	}
	if bw > n-1 {
		bw = n - 1
	}
	return &Bmat{N: n, Bw: bw, Data: make([]float64, (bw+1)*n)}
}

// At returns entry (i,j), symmetrizing and returning 0 outside the band.
func (b *Bmat) At(i, j int) float64 {
	if i < j {
		i, j = j, i
	}
	d := i - j
	if d > b.Bw {
		return 0
	}
	return b.Data[d*b.N+i]
}

// Set writes entry (i,j) (and its mirror). Panics if |i-j| exceeds the
// matrix's half-bandwidth, since that would write outside the band.
func (b *Bmat) Set(i, j int, v float64) {
	if i < j {
		i, j = j, i
	}
	d := i - j
	if d > b.Bw {
		panic(fmt.Sprintf("banded: Set(%d,%d) exceeds half-bandwidth %d", i, j, b.Bw))
	}
	b.Data[d*b.N+i] = v
}

// diag returns entry (i,i) via the d=0 row, used internally in hot paths.
func (b *Bmat) diag(i int) float64 { return b.Data[i] }

// MulVec computes y = B*x in O(n·bw).
func (b *Bmat) MulVec(y, x []float64) {
	n, bw := b.N, b.Bw
	if len(x) != n || len(y) != n {
		panic("banded: MulVec dimension mismatch")
	}
	for i := range y {
		y[i] = 0
	}
	for d := 0; d <= bw; d++ {
		row := b.Data[d*n : d*n+n]
		if d == 0 {
			for i := 0; i < n; i++ {
				y[i] += row[i] * x[i]
			}
			continue
		}
		for i := d; i < n; i++ {
			v := row[i]
			if v == 0 {
				continue
			}
			j := i - d
			y[i] += v * x[j]
			y[j] += v * x[i]
		}
	}
}

// CholFactor is the lower-triangular banded Cholesky factor L of a Bmat
// R = L·Lᵀ, with the same band layout as its source matrix and a
// non-negative diagonal.
type CholFactor struct {
	N    int
	Bw   int
	Data []float64 // same layout as Bmat.Data
}

func (l *CholFactor) at(i, j int) float64 {
	if j > i || i-j > l.Bw {
		return 0
	}
	return l.Data[(i-j)*l.N+i]
}

func (l *CholFactor) set(i, j int, v float64) {
	l.Data[(i-j)*l.N+i] = v
}

// ErrSingular is returned by Cholesky when a pivot is at or below the
// singularity threshold eps*max(diag(R)).
type ErrSingular struct{ Pivot int }

func (e *ErrSingular) Error() string {
	return fmt.Sprintf("banded: Cholesky pivot %d is at or below the singularity threshold", e.Pivot)
}

// Cholesky factors R = L·Lᵀ into a newly allocated CholFactor, leaving R
// unchanged.
// It fails with *ErrSingular when any pivot is <= eps*max(diag(R)),
// matching spec.md §4.1.
func (r *Bmat) Cholesky(eps float64) (*CholFactor, error) {
	n, bw := r.N, r.Bw
	maxDiag := 0.0
	for i := 0; i < n; i++ {
		if d := r.diag(i); d > maxDiag {
			maxDiag = d
		}
	}
	thresh := eps * maxDiag

	l := &CholFactor{N: n, Bw: bw, Data: make([]float64, (bw+1)*n)}

	for j := 0; j < n; j++ {
		sum := r.At(j, j)
		lo := j - bw
		if lo < 0 {
			lo = 0
		}
		for k := lo; k < j; k++ {
			ljk := l.at(j, k)
			sum -= ljk * ljk
		}
		if sum <= thresh {
			return nil, &ErrSingular{Pivot: j}
		}
		ljj := math.Sqrt(sum)
		l.set(j, j, ljj)

		hi := j + bw
		if hi > n-1 {
			hi = n - 1
		}
		for i := j + 1; i <= hi; i++ {
			sum2 := r.At(i, j)
			loik := i - bw
			if loik < 0 {
				loik = 0
			}
			if loik < lo {
				loik = lo
			}
			for k := loik; k < j; k++ {
				sum2 -= l.at(i, k) * l.at(j, k)
			}
			l.set(i, j, sum2/ljj)
		}
	}
	return l, nil
}

// ForwardSolve solves L·y = b for y in O(n·bw).
func (l *CholFactor) ForwardSolve(y, b []float64) {
	n, bw := l.N, l.Bw
	copy(y, b)
	for i := 0; i < n; i++ {
		lo := i - bw
		if lo < 0 {
			lo = 0
		}
		s := y[i]
		for k := lo; k < i; k++ {
			s -= l.at(i, k) * y[k]
		}
		y[i] = s / l.at(i, i)
	}
}

// BackSolve solves Lᵀ·x = y for x in O(n·bw).
func (l *CholFactor) BackSolve(x, y []float64) {
	n, bw := l.N, l.Bw
	copy(x, y)
	for i := n - 1; i >= 0; i-- {
		hi := i + bw
		if hi > n-1 {
			hi = n - 1
		}
		s := x[i]
		for k := i + 1; k <= hi; k++ {
			s -= l.at(k, i) * x[k]
		}
		x[i] = s / l.at(i, i)
	}
}

// Solve solves R·x = b (R = L·Lᵀ) via forward + back substitution.
func (l *CholFactor) Solve(x, b []float64) {
	y := make([]float64, l.N)
	l.ForwardSolve(y, b)
	l.BackSolve(x, y)
}

// LogDet returns log|R| = 2·Σ log(diag(L)).
func (l *CholFactor) LogDet() float64 {
	s := 0.0
	for i := 0; i < l.N; i++ {
		s += math.Log(l.at(i, i))
	}
	return 2 * s
}

// SolveColumns applies ForwardSolve to each column of a dense matrix
// stored row-major (rows x cols), used to prewhiten a design matrix
// column by column (spec.md §4.3 step 2).
func (l *CholFactor) SolveColumns(dst, src []float64, rows, cols int) {
	col := make([]float64, rows)
	out := make([]float64, rows)
	for c := 0; c < cols; c++ {
		for i := 0; i < rows; i++ {
			col[i] = src[i*cols+c]
		}
		l.ForwardSolve(out, col)
		for i := 0; i < rows; i++ {
			dst[i*cols+c] = out[i]
		}
	}
}
