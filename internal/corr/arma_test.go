package corr

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestBuild_DiagonalIsOne(t *testing.T) {
	tau := []int{0, 1, 2, 3, 4, 5}
	r, err := Build(Params{A: 0.5, B: 0.1, Cutoff: 1e-3}, tau, false)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	for i := range tau {
		if got := r.At(i, i); !almostEqual(got, 1.0, 1e-12) {
			t.Errorf("R[%d,%d] = %v, want 1", i, i, got)
		}
	}
}

// Boundary: b=0, no gaps => R[i,j] = a^|i-j|.
func TestBuild_BEqualsZeroReducesToAR1(t *testing.T) {
	a := 0.6
	n := 10
	tau := make([]int, n)
	for i := range tau {
		tau[i] = i
	}
	r, err := Build(Params{A: a, B: 0, Cutoff: 1e-6}, tau, false)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			want := math.Pow(a, math.Abs(float64(i-j)))
			got := r.At(i, j)
			if !almostEqual(got, want, 1e-6) {
				t.Errorf("R[%d,%d] = %v, want %v", i, j, got, want)
			}
		}
	}
}

// S3: censoring bumps the pseudo-time lag, changing the correlation at a
// retained pair straddling a gap versus the uncensored case.
func TestBuild_CensoringChangesLag(t *testing.T) {
	// Uncensored: consecutive integers 0..9, lag(3,4)=1.
	tauUncensored := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	// Retained rows g = [0,1,2,3,5,6,7,8,10..] => two points censored
	// (indices 4 and 9 of the full series). Built here directly in
	// pseudo-time units matching remlfit.BuildPseudoTime's single-run
	// case (tau == g for a single run starting at 0).
	tauCensored := []int{0, 1, 2, 3, 5, 6, 7, 8, 10, 11}

	params := Params{A: 0.7, B: 0.2, Cutoff: 1e-6}

	rUncensored, err := Build(params, tauUncensored, false)
	if err != nil {
		t.Fatalf("Build(uncensored) error: %v", err)
	}
	rCensored, err := Build(params, tauCensored, false)
	if err != nil {
		t.Fatalf("Build(censored) error: %v", err)
	}

	// Row/col index 3 and 4 in both arrays: uncensored lag=1, censored lag=2.
	uncensoredVal := rUncensored.At(3, 4)
	censoredVal := rCensored.At(3, 4)

	if almostEqual(uncensoredVal, censoredVal, 1e-9) {
		t.Fatalf("expected censored R[3,4] (lag 2) to differ from uncensored (lag 1); both = %v", uncensoredVal)
	}

	lambda := Lambda(params.A, params.B)
	wantUncensored := lambda
	wantCensored := lambda * params.A

	if !almostEqual(uncensoredVal, wantUncensored, 1e-9) {
		t.Errorf("uncensored R[3,4] = %v, want %v", uncensoredVal, wantUncensored)
	}
	if !almostEqual(censoredVal, wantCensored, 1e-9) {
		t.Errorf("censored R[3,4] = %v, want %v", censoredVal, wantCensored)
	}
}

func TestBuild_CutoffZerosSmallEntries(t *testing.T) {
	n := 50
	tau := make([]int, n)
	for i := range tau {
		tau[i] = i
	}
	r, err := Build(Params{A: 0.3, B: 0, Cutoff: 1e-3}, tau, false)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	// a=0.3 decays fast; far-apart entries must be exactly zero.
	if got := r.At(0, n-1); got != 0 {
		t.Errorf("R[0,%d] = %v, want 0 (beyond cutoff)", n-1, got)
	}
}

func TestBuild_NonNegativeRejectsNegativeLambda(t *testing.T) {
	// a=-0.5, b=0.3 => lambda negative (verify then assert rejection).
	a, b := -0.5, 0.3
	lambda := Lambda(a, b)
	if lambda >= 0 {
		t.Skipf("chosen a,b do not produce negative lambda (%v); adjust fixture", lambda)
	}
	tau := []int{0, 1, 2, 3}
	_, err := Build(Params{A: a, B: b, Cutoff: 1e-3}, tau, true)
	if err == nil {
		t.Fatalf("expected rejection for negative lambda under non-negative-correlations")
	}
	if _, ok := err.(*ErrRejected); !ok {
		t.Fatalf("expected *ErrRejected, got %T: %v", err, err)
	}
}

func TestBuild_OutOfRangeParams(t *testing.T) {
	tau := []int{0, 1, 2}
	if _, err := Build(Params{A: 1.5, B: 0, Cutoff: 1e-3}, tau, false); err == nil {
		t.Fatalf("expected error for a outside [-0.9,0.9]")
	}
}
