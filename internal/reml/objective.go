package reml

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Result is the outcome of evaluating the REML objective at one (a,b)
// for one voxel's time series (spec.md §4.4).
type Result struct {
	L    float64 // log|R| + log|XᵀR⁻¹X| + (n-m_eff)·log(yᵀPy), m_eff excluding unidentifiable columns
	YtPy float64

	Beta             []float64 // length m, zero on unidentifiable columns
	YTilde           []float64 // S⁻¹y, length n
	WhitenedResidual []float64 // S⁻¹(y - Xβ) = ỹ - Wβ, length n
}

// Evaluate computes the REML objective L(a,b;y) for a given setup and a
// voxel's retained-row time series y (length n), along with the
// prewhitened residuals reused by downstream statistics (spec.md §4.4:
// "returns the prewhitened residuals ... without re-solving").
func Evaluate(s *Setup, y []float64) (Result, error) {
	n, m := s.N, s.M

	yTilde := make([]float64, n)
	s.S.ForwardSolve(yTilde, y)

	yTildeCol := mat.NewDense(n, 1, append([]float64(nil), yTilde...))
	var betaCol mat.Dense
	s.svd.SolveTo(&betaCol, yTildeCol, s.rank)

	beta := make([]float64, m)
	for j := 0; j < m; j++ {
		if s.Unidentifiable[j] {
			continue
		}
		beta[j] = betaCol.At(j, 0)
	}

	fittedTilde := make([]float64, n)
	betaVec := mat.NewVecDense(m, beta)
	var fittedCol mat.VecDense
	fittedCol.MulVec(s.W, betaVec)
	for i := 0; i < n; i++ {
		fittedTilde[i] = fittedCol.AtVec(i)
	}

	whitenedResidual := make([]float64, n)
	for i := 0; i < n; i++ {
		whitenedResidual[i] = yTilde[i] - fittedTilde[i]
	}

	yTPy := floats.Dot(whitenedResidual, whitenedResidual)
	if yTPy < 0 {
		yTPy = 0 // guards against rounding noise; spec.md §8 requires yᵀPy >= 0
	}

	mEff := m
	for _, u := range s.Unidentifiable {
		if u {
			mEff--
		}
	}
	dof := float64(n - mEff)

	var l float64
	if yTPy <= 0 {
		l = s.LogDetR + s.LogDetXtRX + math.Inf(-1)
	} else {
		l = s.LogDetR + s.LogDetXtRX + dof*math.Log(yTPy)
	}

	return Result{
		L: l, YtPy: yTPy,
		Beta: beta, YTilde: yTilde, WhitenedResidual: whitenedResidual,
	}, nil
}
