// Package corr builds ARMA(1,1) correlation matrices for gap-aware
// pseudo-time sequences (spec.md §4.2).
package corr

import (
	"fmt"
	"math"

	"remlfit/internal/banded"
)

// Params bundles the two ARMA(1,1) scalars together with the cutoff used
// to band the resulting matrix.
type Params struct {
	A, B   float64
	Cutoff float64 // ε_c, in (0, 0.01]
}

// ErrRejected signals that the requested (a,b) is infeasible under the
// caller's flags (e.g. non-negative-correlations with λ<0) and should be
// skipped by the grid search rather than treated as a hard error.
type ErrRejected struct{ Reason string }

func (e *ErrRejected) Error() string { return "corr: rejected (a,b): " + e.Reason }

// Lambda computes λ = (b+a)(1+ab) / (1+2ab+b²), the scale factor applied
// to a^(k-1) for lag k>=1 (spec.md §3).
func Lambda(a, b float64) float64 {
	denom := 1 + 2*a*b + b*b
	return (b + a) * (1 + a*b) / denom
}

// maxLag returns the largest lag k for which |λ·a^(k-1)| can still clear
// cutoff, bounding the matrix's half-bandwidth independent of the data.
func maxLag(a, lambda, cutoff float64) int {
	if math.Abs(lambda) < cutoff {
		return 0
	}
	if a == 0 {
		return 1
	}
	aa := math.Abs(a)
	if aa >= 1 {
		aa = 0.999999 // params are validated to |a|<=0.9 upstream; guard only
	}
	// |lambda| * aa^(k-1) >= cutoff  =>  k <= 1 + log(cutoff/|lambda|)/log(aa)
	k := 1 + int(math.Floor(math.Log(cutoff/math.Abs(lambda))/math.Log(aa)))
	if k < 1 {
		k = 1
	}
	return k
}

// Build fills a banded correlation matrix R(a,b,τ) following spec.md §4.2.
// With nonNegative set, a negative λ is not clipped: the (a,b) point is
// rejected with *ErrRejected (matching the literal wording of spec.md
// §4.2's error list; see DESIGN.md for the reconciliation with §3's
// "clips λ" phrasing), and any remaining negative entry (a<0, even lag)
// is set to zero.
func Build(p Params, tau []int, nonNegative bool) (*banded.Bmat, error) {
	const op = "corr.Build"
	if p.A < -0.9 || p.A > 0.9 || p.B < -0.9 || p.B > 0.9 {
		return nil, fmt.Errorf("%s: a,b out of [-0.9,0.9]: a=%v b=%v", op, p.A, p.B)
	}
	if p.Cutoff <= 0 || p.Cutoff > 0.01 {
		return nil, fmt.Errorf("%s: cutoff out of (0,0.01]: %v", op, p.Cutoff)
	}
	n := len(tau)
	if n == 0 {
		return nil, fmt.Errorf("%s: empty tau", op)
	}

	lambda := Lambda(p.A, p.B)
	if nonNegative && lambda < 0 {
		return nil, &ErrRejected{Reason: fmt.Sprintf("lambda=%v < 0 under non-negative-correlations", lambda)}
	}

	kmax := maxLag(p.A, lambda, p.Cutoff)
	if kmax > n-1 {
		kmax = n - 1
	}

	// Determine the largest row-index offset d for which ANY pair (i,i-d)
	// yields a non-zero entry, bounding the matrix's storage bandwidth.
	// Since τ is non-decreasing, the actual lag for offset d is always
	// >= d, so bw <= kmax.
	bw := kmax

	r := banded.New(n, bw)
	for i := 0; i < n; i++ {
		r.Set(i, i, 1.0)
	}
	for i := 0; i < n; i++ {
		for d := 1; d <= bw && i-d >= 0; d++ {
			j := i - d
			k := tau[i] - tau[j]
			if k < 0 {
				k = -k
			}
			val := armaEntry(p.A, lambda, k)
			if nonNegative && val < 0 {
				val = 0
			}
			if math.Abs(val) < p.Cutoff {
				continue // leaves 0, matches Bmat's zero-initialized band
			}
			r.Set(i, j, val)
		}
	}
	return r, nil
}

// armaEntry evaluates the ARMA(1,1) correlation at lag k (k>=1 only; the
// diagonal k=0 case is handled by the caller).
func armaEntry(a, lambda float64, k int) float64 {
	if k == 0 {
		return 1
	}
	if a == 0 {
		if k == 1 {
			return lambda
		}
		return 0
	}
	return lambda * math.Pow(a, float64(k-1))
}
