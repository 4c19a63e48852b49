package solve

import (
	"math"
	"testing"

	"remlfit/internal/reml"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// S1 (spec.md §8): degenerate OLS with an intercept-only design and a
// constant series should recover beta=2, zero residuals, zero sigma2.
func TestSolve_DegenerateOLS(t *testing.T) {
	n, m := 10, 1
	x := make([]float64, n*m)
	y := make([]float64, n)
	for i := range y {
		x[i] = 1
		y[i] = 2.0
	}

	tau := make([]int, n)
	for i := range tau {
		tau[i] = i
	}

	setup, err := reml.Build(0, 0, 1e-3, tau, x, n, m, false, reml.DefaultBuildOptions())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	res, err := reml.Evaluate(setup, y)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}

	out := Solve(x, n, m, setup.Unidentifiable, y, res)

	if !almostEqual(out.Beta[0], 2.0, 1e-9) {
		t.Errorf("Beta[0] = %v, want 2.0", out.Beta[0])
	}
	for i := 0; i < n; i++ {
		if !almostEqual(out.Fitted[i], 2.0, 1e-9) {
			t.Errorf("Fitted[%d] = %v, want 2.0", i, out.Fitted[i])
		}
		if !almostEqual(out.RawResidual[i], 0, 1e-9) {
			t.Errorf("RawResidual[%d] = %v, want 0", i, out.RawResidual[i])
		}
	}
	if !almostEqual(out.Sigma2, 0, 1e-9) {
		t.Errorf("Sigma2 = %v, want 0", out.Sigma2)
	}
	if !almostEqual(out.YtPy, 0, 1e-9) {
		t.Errorf("YtPy = %v, want 0", out.YtPy)
	}
}

// Boundary (spec.md §8): fixed (a=0,b=0) must match ordinary least
// squares applied directly to X, y.
func TestSolve_MatchesOLSAtZeroZero(t *testing.T) {
	n, m := 20, 2
	x := make([]float64, n*m)
	y := make([]float64, n)
	tau := make([]int, n)
	for i := 0; i < n; i++ {
		tau[i] = i
		x[i*m+0] = 1
		x[i*m+1] = float64(i)
		y[i] = 3.0 + 0.5*float64(i) + 0.01*math.Sin(float64(i))
	}

	setup, err := reml.Build(0, 0, 1e-3, tau, x, n, m, false, reml.DefaultBuildOptions())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	res, err := reml.Evaluate(setup, y)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	out := Solve(x, n, m, setup.Unidentifiable, y, res)

	// Closed-form OLS via normal equations (small m, fine to hand-roll
	// for the test oracle).
	var sxx, sxy, sx, sy, sxsq float64
	for i := 0; i < n; i++ {
		xi := float64(i)
		sx += xi
		sy += y[i]
		sxy += xi * y[i]
		sxx += xi * xi
		sxsq += xi * xi
	}
	nf := float64(n)
	slope := (nf*sxy - sx*sy) / (nf*sxx - sx*sx)
	intercept := (sy - slope*sx) / nf

	if !almostEqual(out.Beta[1], slope, 1e-6) {
		t.Errorf("slope = %v, want %v", out.Beta[1], slope)
	}
	if !almostEqual(out.Beta[0], intercept, 1e-6) {
		t.Errorf("intercept = %v, want %v", out.Beta[0], intercept)
	}
}
