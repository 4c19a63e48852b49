// Package solve implements the per-voxel GLS solve given a chosen
// (a,b): regression coefficients, fitted values, raw and whitened
// residuals, and noise variance (spec.md §4.5).
package solve

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"remlfit/internal/reml"
)

// Result is a single voxel's GLS solve output, restricted to retained
// rows; the driver maps Fitted/RawResidual/WhitenedResidual back onto
// the full n_full time axis (spec.md §6 "Outputs").
type Result struct {
	Beta             []float64 // length m
	Fitted           []float64 // length n, X*beta
	RawResidual      []float64 // length n, y - fitted
	WhitenedResidual []float64 // length n, S^-1(y - fitted)
	Sigma2           float64
	YtPy             float64
	MEff             int // m minus unidentifiable column count
}

// Solve computes the voxel output record from an already-evaluated
// REML objective result (reml.Evaluate), the voxel's retained-row time
// series y, the design matrix X (n×m, row-major) and the setup's
// unidentifiable-column mask.
func Solve(x []float64, n, m int, unidentifiable []bool, y []float64, res reml.Result) Result {
	xDense := mat.NewDense(n, m, x)
	betaVec := mat.NewVecDense(m, res.Beta)
	var fittedVec mat.VecDense
	fittedVec.MulVec(xDense, betaVec)

	fitted := make([]float64, n)
	rawResidual := make([]float64, n)
	for i := 0; i < n; i++ {
		fitted[i] = fittedVec.AtVec(i)
		rawResidual[i] = y[i] - fitted[i]
	}

	mEff := m
	for _, u := range unidentifiable {
		if u {
			mEff--
		}
	}
	dof := n - mEff
	sigma2 := 0.0
	if dof > 0 {
		sigma2 = floats.Dot(res.WhitenedResidual, res.WhitenedResidual) / float64(dof)
	}

	return Result{
		Beta: res.Beta, Fitted: fitted,
		RawResidual:      rawResidual,
		WhitenedResidual: res.WhitenedResidual,
		Sigma2:           sigma2,
		YtPy:             res.YtPy,
		MEff:             mEff,
	}
}
