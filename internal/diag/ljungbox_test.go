package diag

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// Zero residuals must short-circuit to a zero statistic regardless of
// lag selection (spec.md §4.7).
func TestLjungBox_AllZeroResiduals(t *testing.T) {
	n := 50
	e := make([]float64, n)
	tau := make([]int, n)
	for i := range tau {
		tau[i] = i
	}
	out := LjungBox(e, tau, 4, 1000)
	if out.Stat != 0 {
		t.Errorf("Stat = %v, want 0", out.Stat)
	}
}

// S2 (spec.md §8): white noise residuals should produce a statistic
// broadly consistent with its chi-squared(DOF) reference distribution
// -- not reliably small or large on any single draw, so this only
// checks gross sanity (non-negative, finite, DOF matches H-2).
func TestLjungBox_WhiteNoiseSanity(t *testing.T) {
	n := 200
	e := make([]float64, n)
	tau := make([]int, n)
	// Deterministic pseudo-random-looking sequence (no randomness
	// available without Math.random in this environment's constraints;
	// use a simple recurrence that is not itself autocorrelated at low
	// lags).
	seed := 12345.0
	for i := range e {
		seed = math.Mod(seed*48271, 2147483647)
		e[i] = (seed/2147483647.0)*2 - 1
		tau[i] = i
	}

	out := LjungBox(e, tau, 4, 1000)
	if out.Stat < 0 || math.IsNaN(out.Stat) || math.IsInf(out.Stat, 0) {
		t.Fatalf("Stat = %v, want finite and non-negative", out.Stat)
	}
	if out.DOF != out.H-2 {
		t.Errorf("DOF = %d, want H-2 = %d", out.DOF, out.H-2)
	}
	if out.H < 1 {
		t.Errorf("H = %d, want >= 1", out.H)
	}
}

// S3-style scenario (spec.md §8): a run boundary must exclude
// cross-run lag products from the lag-k sums, so introducing a large
// pseudo-time gap partway through should change the statistic relative
// to treating the same data as one contiguous run.
func TestLjungBox_RunBoundaryExcludesCrossRunLags(t *testing.T) {
	n := 40
	e := make([]float64, n)
	tauContig := make([]int, n)
	tauGapped := make([]int, n)
	for i := 0; i < n; i++ {
		e[i] = math.Sin(float64(i) * 1.3)
		tauContig[i] = i
		tauGapped[i] = i
		if i >= n/2 {
			tauGapped[i] += 1_000_000
		}
	}

	contig := LjungBox(e, tauContig, 2, 1000)
	gapped := LjungBox(e, tauGapped, 2, 1000)

	if almostEqual(contig.Stat, gapped.Stat, 1e-9) {
		t.Errorf("expected run boundary to change the statistic, both = %v", contig.Stat)
	}
}

// H must never exceed half the shortest run length, and must be at
// least 1 even for very short runs.
func TestLjungBox_HClampedToRunLength(t *testing.T) {
	n := 6
	e := []float64{0.1, -0.2, 0.3, -0.1, 0.05, -0.05}
	tau := []int{0, 1, 2, 3, 4, 5}

	out := LjungBox(e, tau, 10, 1000)
	if out.H < 1 {
		t.Errorf("H = %d, want >= 1", out.H)
	}
	if out.H > n/2 {
		t.Errorf("H = %d, want <= n/2 = %d", out.H, n/2)
	}
}
