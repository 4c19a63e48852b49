// Package glt implements the general linear test engine: given a
// contrast matrix G, it computes F, per-row t, and R², masking
// unidentifiable design columns and dropping contrast rows that become
// all-zero as a result (spec.md §4.6).
package glt

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"remlfit/internal/reml"
)

// Result is a single contrast's GLT output.
type Result struct {
	// RowsKept lists, in original-row order, which rows of the supplied
	// G survived masking (spec.md §4.6 "Rank-deficient handling").
	RowsKept []int

	BetaGLT []float64 // length r', G_kept * beta
	F       float64
	PValueF float64
	R2      float64

	T       []float64 // length r', per-row t statistics
	PValueT []float64 // length r', two-sided p-values
}

// Evaluate computes the GLT statistics for contrast matrix g (r×m, row
// major) against a voxel's solved beta, sigma2, yTPy and the setup's
// rank information.
func Evaluate(g []float64, r, m int, setup *reml.Setup, beta []float64, sigma2, yTPy float64, n, mEff int) (Result, error) {
	const op = "glt.Evaluate"
	if len(g) != r*m {
		return Result{}, fmt.Errorf("%s: len(g)=%d != r*m=%d", op, len(g), r*m)
	}
	if len(beta) != m {
		return Result{}, fmt.Errorf("%s: len(beta)=%d != m=%d", op, len(beta), m)
	}

	kept := make([]int, 0, r)
	var gKeptData []float64
	for row := 0; row < r; row++ {
		allZero := true
		for col := 0; col < m; col++ {
			v := g[row*m+col]
			if setup.Unidentifiable[col] {
				continue // masked, doesn't count toward "all zero" check
			}
			if v != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			continue
		}
		kept = append(kept, row)
		for col := 0; col < m; col++ {
			v := g[row*m+col]
			if setup.Unidentifiable[col] {
				v = 0
			}
			gKeptData = append(gKeptData, v)
		}
	}

	rPrime := len(kept)
	if rPrime == 0 {
		// Never attempt to invert an all-zero contrast (spec.md §4.6).
		return Result{RowsKept: kept}, nil
	}

	gKept := mat.NewDense(rPrime, m, gKeptData)
	betaVec := mat.NewVecDense(m, beta)

	var betaGLTVec mat.VecDense
	betaGLTVec.MulVec(gKept, betaVec)
	betaGLT := make([]float64, rPrime)
	for i := range betaGLT {
		betaGLT[i] = betaGLTVec.AtVec(i)
	}

	xtRinvXInv := setup.XtRinvXInv() // (XᵀR⁻¹X)⁻¹, m×m

	var tmp mat.Dense
	tmp.Mul(gKept, xtRinvXInv) // r'×m
	var gmgt mat.Dense
	gmgt.Mul(&tmp, gKept.T()) // r'×r'

	var inv mat.Dense
	if err := inv.Inverse(&gmgt); err != nil {
		return Result{}, fmt.Errorf("%s: G(XᵀR⁻¹X)⁻¹Gᵀ is singular: %w", op, err)
	}

	ssq := quadForm(&inv, betaGLT)

	dof := float64(n - mEff)
	var f float64
	if dof > 0 && yTPy > 0 {
		f = (ssq / float64(rPrime)) / (yTPy / dof)
	}

	r2 := 0.0
	if ssq+yTPy > 0 {
		r2 = ssq / (ssq + yTPy)
	}

	tStats := make([]float64, rPrime)
	pT := make([]float64, rPrime)
	for k := 0; k < rPrime; k++ {
		variance := sigma2 * gmgt.At(k, k)
		if variance > 0 {
			tStats[k] = betaGLT[k] / math.Sqrt(variance)
		}
		if dof > 0 {
			tdist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: dof}
			pT[k] = 2 * (1 - tdist.CDF(math.Abs(tStats[k])))
		} else {
			pT[k] = 1
		}
	}

	pF := 1.0
	if dof > 0 {
		fdist := distuv.F{D1: float64(rPrime), D2: dof}
		pF = 1 - fdist.CDF(f)
	}

	return Result{
		RowsKept: kept, BetaGLT: betaGLT,
		F: f, PValueF: clamp01(pF), R2: r2,
		T: tStats, PValueT: clampAll01(pT),
	}, nil
}

func quadForm(m *mat.Dense, v []float64) float64 {
	n := len(v)
	vVec := mat.NewVecDense(n, v)
	var tmp mat.VecDense
	tmp.MulVec(m, vVec)
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += v[i] * tmp.AtVec(i)
	}
	return sum
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func clampAll01(xs []float64) []float64 {
	for i := range xs {
		xs[i] = clamp01(xs[i])
	}
	return xs
}
