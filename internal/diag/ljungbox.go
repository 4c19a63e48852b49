// Package diag implements the Ljung-Box autocorrelation-of-residuals
// diagnostic, aware of run-boundary gaps in pseudo-time (spec.md §4.7).
package diag

import "math"

// Result is the Ljung-Box statistic together with the lag and degrees
// of freedom it was computed with, so a caller can report the
// chi-squared reference distribution alongside it (spec.md §12
// supplemented feature, mirroring AFNI's own diagnostic log line).
type Result struct {
	Stat float64
	H    int
	DOF  int
}

// LjungBox computes the diagnostic for whitened residuals e against
// pseudo-time tau. regressors is the design's column count (used by
// the lag-selection rule). A pseudo-time delta between adjacent
// retained rows greater than gapThreshold is treated as a run boundary;
// the driver passes half of the run-break increment used by
// BuildPseudoTime, so the same run breaks that decorrelate the
// correlation builder's entries split the lag sums here (spec.md §9's
// open question about keeping the two gap semantics consistent).
func LjungBox(e []float64, tau []int, regressors int, gapThreshold int) Result {
	n := len(e)
	if n == 0 {
		return Result{}
	}

	allZero := true
	for _, v := range e {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return Result{Stat: 0}
	}

	runLens := runLengths(tau, gapThreshold)
	mRun := runLens[0]
	for _, l := range runLens[1:] {
		if l < mRun {
			mRun = l
		}
	}
	if mRun < 2 {
		mRun = 2
	}

	hBase := int(math.Round(3 * math.Log(float64(mRun))))
	mOverEight := regressors / 8
	if hBase < mOverEight {
		hBase = mOverEight
	}
	if half := mRun / 2; hBase > half {
		hBase = half
	}
	h := regressors + 2 + hBase
	if half := mRun / 2; h > half {
		h = half
	}
	if h < 1 {
		h = 1
	}

	lag0 := 0.0
	for _, v := range e {
		lag0 += v * v
	}
	if lag0 == 0 {
		return Result{Stat: 0, H: h, DOF: h - 2}
	}

	sum := 0.0
	for k := 1; k <= h && k < n; k++ {
		lagK := 0.0
		for i := k; i < n; i++ {
			if sameRun(tau, i, i-k, gapThreshold) {
				lagK += e[i] * e[i-k]
			}
		}
		rho := lagK / lag0
		sum += (rho * rho) / float64(n-k)
	}

	stat := float64(n) * float64(n+2) * sum
	return Result{Stat: stat, H: h, DOF: h - 2}
}

// runLengths partitions tau into contiguous runs wherever the gap to
// the previous point exceeds gapThreshold, returning each run's point
// count.
func runLengths(tau []int, gapThreshold int) []int {
	if len(tau) == 0 {
		return []int{0}
	}
	lens := []int{1}
	for i := 1; i < len(tau); i++ {
		if tau[i]-tau[i-1] > gapThreshold {
			lens = append(lens, 1)
		} else {
			lens[len(lens)-1]++
		}
	}
	return lens
}

// sameRun reports whether i and j are not separated by a run-boundary
// gap anywhere between them. Since runs are contiguous in index space,
// it suffices to check that no gap exceeding gapThreshold occurs
// between min(i,j) and max(i,j).
func sameRun(tau []int, i, j, gapThreshold int) bool {
	if i == j {
		return true
	}
	lo, hi := i, j
	if lo > hi {
		lo, hi = hi, lo
	}
	for k := lo + 1; k <= hi; k++ {
		if tau[k]-tau[k-1] > gapThreshold {
			return false
		}
	}
	return true
}
