// Package reml builds and searches the per-(a,b) REML setups that drive
// the voxel-wise GLS solve (spec.md §4.3, §4.4).
package reml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"remlfit/internal/banded"
	"remlfit/internal/corr"
)

// Setup holds the derived artifacts for a single (a,b): the banded
// Cholesky factor of R and the rank-revealing factorization of the
// prewhitened design W = S⁻¹X, plus the two log-determinants the REML
// objective needs (spec.md §3 "REMLSetup", §4.3).
//
// The spec calls for "QR factorization of S⁻¹X"; this module performs
// the equivalent rank-revealing factorization via mat.SVD instead of
// mat.QR; see DESIGN.md for why. XᵀR⁻¹X = WᵀW = V Σ² Vᵀ, so every
// quantity the spec derives from the QR's R factor (log|XᵀR⁻¹X|, the
// normal-equations solve, rank truncation) has a direct SVD equivalent.
type Setup struct {
	A, B   float64
	Lambda float64

	N, M int // retained rows, design columns

	S *banded.CholFactor // R = S Sᵀ

	// W = S⁻¹X, kept so per-voxel solves can reuse it without redoing
	// the banded forward-solve.
	W *mat.Dense

	svd  mat.SVD
	rank int // effective rank after optional de-singularization

	// Unidentifiable marks columns of X that carry no information
	// (all-zero, or collapsed by rank truncation); length m.
	Unidentifiable []bool

	// DeSingularized is true when Build had to boost near-zero singular
	// values to construct this setup (spec.md §4.3 step 3).
	DeSingularized bool

	LogDetR    float64 // log|R|
	LogDetXtRX float64 // log|XᵀR⁻¹X|
}

// ErrAllZeroColumn is returned by Build when a design column is entirely
// zero and opts.DeSingularize forbids masking it (spec.md §7
// AllZeroRegressor).
type ErrAllZeroColumn struct{ Column int }

func (e *ErrAllZeroColumn) Error() string {
	return fmt.Sprintf("reml: design column %d is entirely zero", e.Column)
}

// ErrRankDeficient is returned by Build when the prewhitened design is
// rank-deficient (beyond any all-zero columns) and opts.DeSingularize
// forbids masking it (spec.md §7 SingularMatrix).
type ErrRankDeficient struct{ Count int }

func (e *ErrRankDeficient) Error() string {
	return fmt.Sprintf("reml: %d near-zero singular value(s) without de-singularize permission", e.Count)
}

// BuildOptions controls the rank-handling behavior of Build.
type BuildOptions struct {
	CholEps       float64 // Cholesky singularity threshold, relative to max diag
	RankEps       float64 // singular-value rank-truncation threshold, relative to the largest singular value
	DeSingularize bool
}

// DefaultBuildOptions returns conservative numerical thresholds.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{CholEps: 1e-12, RankEps: 1e-10}
}

// Build constructs a REML setup for (a,b) given the design matrix X
// (n×m, row-major flat) and pseudo-time τ, following spec.md §4.3.
func Build(a, b float64, cutoff float64, tau []int, x []float64, n, m int, nonNegative bool, opts BuildOptions) (*Setup, error) {
	const op = "reml.Build"
	if n != len(tau) {
		return nil, fmt.Errorf("%s: len(tau)=%d != n=%d", op, len(tau), n)
	}
	if len(x) != n*m {
		return nil, fmt.Errorf("%s: len(x)=%d != n*m=%d", op, len(x), n*m)
	}

	r, err := corr.Build(corr.Params{A: a, B: b, Cutoff: cutoff}, tau, nonNegative)
	if err != nil {
		return nil, err
	}

	s, err := r.Cholesky(opts.CholEps)
	if err != nil {
		return nil, err
	}

	w := make([]float64, n*m)
	s.SolveColumns(w, x, n, m)
	wDense := mat.NewDense(n, m, w)

	unidentifiable := make([]bool, m)
	for j := 0; j < m; j++ {
		allZero := true
		for i := 0; i < n; i++ {
			if x[i*m+j] != 0 {
				allZero = false
				break
			}
		}
		unidentifiable[j] = allZero
	}
	if !opts.DeSingularize {
		for j, zero := range unidentifiable {
			if zero {
				return nil, &ErrAllZeroColumn{Column: j}
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(wDense, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%s: SVD factorization of prewhitened design failed", op)
	}
	values := svd.Values(nil)

	maxSV := 0.0
	if len(values) > 0 {
		maxSV = values[0]
	}
	thresh := opts.RankEps * maxSV

	smallCount := 0
	for _, v := range values {
		if v <= thresh {
			smallCount++
		}
	}

	rank := len(values) - smallCount
	deSingularized := false
	if smallCount > 0 {
		if !opts.DeSingularize {
			return nil, &ErrRankDeficient{Count: smallCount}
		}
		deSingularized = true
		// De-singularize: treat the truncated rank as canonical and
		// boost the remaining small singular values up to threshold so
		// the log-determinant below stays finite. The boost applies to
		// this local copy of the values only; W and the stored SVD are
		// unchanged, and solves use the truncated rank
		// (spec.md §4.3 step 3, §9 open question: the boosted values are
		// canonical for this setup; no attempt is made to restore the
		// original values on any later re-factorization).
		if rank == 0 {
			rank = 1
		}
		for i := rank; i < len(values); i++ {
			if values[i] < thresh {
				values[i] = thresh
			}
		}
		// Mark the columns of X most aligned with the truncated
		// singular directions as unidentifiable, via the right
		// singular vectors (V); a column is unidentifiable if its mass
		// falls mostly in the truncated subspace.
		var v mat.Dense
		svd.VTo(&v)
		for j := 0; j < m; j++ {
			if unidentifiable[j] {
				continue
			}
			tailMass, totalMass := 0.0, 0.0
			for k := 0; k < len(values); k++ {
				c := v.At(j, k)
				mass := c * c
				totalMass += mass
				if k >= rank {
					tailMass += mass
				}
			}
			if totalMass > 0 && tailMass/totalMass > 0.5 {
				unidentifiable[j] = true
			}
		}
	}

	logDetR := s.LogDet()
	logDetXtRX := 0.0
	for _, v := range values {
		if v > 0 {
			logDetXtRX += math.Log(v)
		}
	}
	logDetXtRX *= 2

	return &Setup{
		A: a, B: b, Lambda: corr.Lambda(a, b),
		N: n, M: m,
		S: s, W: wDense,
		svd: svd, rank: rank,
		Unidentifiable: unidentifiable,
		DeSingularized: deSingularized,
		LogDetR:        logDetR,
		LogDetXtRX:     logDetXtRX,
	}, nil
}

// SVD exposes the factorization of W = S⁻¹X for the solve and GLT
// packages.
func (s *Setup) SVD() *mat.SVD { return &s.svd }

// Rank returns the effective rank after any de-singularization.
func (s *Setup) Rank() int { return s.rank }

// XtRinvXInv returns (XᵀR⁻¹X)⁻¹ = V Σ⁻² Vᵀ as a dense m×m matrix,
// computed only over the retained (identifiable) rank. Needed by the
// GLT engine to form G (XᵀR⁻¹X)⁻¹ Gᵀ (spec.md §4.6).
func (s *Setup) XtRinvXInv() *mat.Dense {
	m := s.M
	values := s.svd.Values(nil)
	var v mat.Dense
	s.svd.VTo(&v)

	out := mat.NewDense(m, m, nil)
	for k := 0; k < s.rank && k < len(values); k++ {
		sv := values[k]
		if sv <= 0 {
			continue
		}
		invSq := 1 / (sv * sv)
		for i := 0; i < m; i++ {
			vi := v.At(i, k)
			if vi == 0 {
				continue
			}
			for j := 0; j < m; j++ {
				out.Set(i, j, out.At(i, j)+vi*v.At(j, k)*invSq)
			}
		}
	}
	return out
}
