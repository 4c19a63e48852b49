package remlfit

import "github.com/sirupsen/logrus"

// SolverConfig holds every scalar knob the core needs. It replaces the
// original program's module-level configuration (correlation cutoff,
// negative-correlation flag, grid bounds, ...) with a value threaded
// explicitly through setup and driver calls; nothing here is global
// mutable state (spec.md §9).
type SolverConfig struct {
	// GridLevel is L in N_a = N_b = 2^L; must be in [3,7], default 3.
	GridLevel int

	// AMin, AMax bound the AR parameter a; must lie within [-0.9, 0.9].
	AMin, AMax float64
	// BMin, BMax bound the MA parameter b; must lie within [-0.9, 0.9].
	BMin, BMax float64

	// Cutoff is the correlation magnitude below which an entry is set to
	// zero (ε_c). Must be in (0, 0.01]; default 1e-3.
	Cutoff float64

	// NonNegativeCorrelations rejects (a,b) grid points whose λ is
	// negative, and sets any remaining negative correlation entry (which
	// occurs for a<0 at even lags) to zero (spec.md §3, §4.2).
	NonNegativeCorrelations bool

	// ARPlusWhiteNoise restricts the search to a>0, -a<b<0.
	ARPlusWhiteNoise bool

	// FixedAB, when non-nil, skips the REML search entirely and solves at
	// this single (a,b) (spec.md §4.8).
	FixedAB *ABPoint

	// DeSingularize permits rank-truncation (via SVD) of a
	// rank-deficient prewhitened design instead of raising SingularMatrix
	// / AllZeroRegressor.
	DeSingularize bool

	// DemeanAddedColumns demeans globally- or per-voxel-added regressor
	// columns before use.
	DemeanAddedColumns bool

	// Parallel enables the worker-pool voxel loop. The caller may set
	// this false directly when per-voxel extra regressors make each
	// voxel's own factorization too memory-heavy to run concurrently.
	Parallel bool
	// Workers bounds the number of worker goroutines; <=0 means
	// runtime.GOMAXPROCS(0).
	Workers int

	// ScratchDir, when non-empty, serializes execution (Parallel is
	// ignored), per spec.md §5. The driver does not page REMLSetups to
	// this directory; the on-disk format is available separately through
	// reml.SaveSetupToFile and reml.LoadSetupFromFile.
	ScratchDir string

	// MedianFilterRadius, when > 0, requests a spatial median filter of
	// the chosen (a,b) fields after the search pass (spec.md §4.9). It
	// is ignored whenever FixedAB is set (spec.md §9 open question: the
	// original disables filtering whenever fixed mode or externally
	// supplied (a,b) is active; this module preserves that).
	MedianFilterRadius int

	// Logger receives one-time-per-run warnings (NumericNonFinite
	// voxels, demoted Singular/AllZero conditions).
	// A nil Logger disables logging.
	Logger *logrus.Logger
}

// ABPoint is a single (a,b) grid coordinate paired with its derived λ.
type ABPoint struct {
	A, B   float64
	Lambda float64
}

// DefaultConfig returns the configuration AFNI's 3dREMLfit documents as
// its own defaults: grid level 3, |a|,|b| <= 0.8, cutoff 1e-3.
func DefaultConfig() SolverConfig {
	return SolverConfig{
		GridLevel: 3,
		AMin:      -0.8,
		AMax:      0.8,
		BMin:      -0.8,
		BMax:      0.8,
		Cutoff:    1e-3,
		Parallel:  true,
	}
}

// Validate checks the configuration's internal consistency, returning an
// InvalidParam *Error on the first violation found.
func (c *SolverConfig) Validate() error {
	const op = "SolverConfig.Validate"
	if c.GridLevel < 3 || c.GridLevel > 7 {
		return newErr(InvalidParam, op, "grid level must be in [3,7]")
	}
	if c.Cutoff <= 0 || c.Cutoff > 0.01 {
		return newErr(InvalidParam, op, "cutoff must be in (0, 0.01]")
	}
	if c.AMin < -0.9 || c.AMax > 0.9 || c.AMin > c.AMax {
		return newErr(InvalidParam, op, "a range must be within [-0.9, 0.9] and non-empty")
	}
	if c.BMin < -0.9 || c.BMax > 0.9 || c.BMin > c.BMax {
		return newErr(InvalidParam, op, "b range must be within [-0.9, 0.9] and non-empty")
	}
	if c.ARPlusWhiteNoise && c.AMax <= 0 {
		return newErr(InvalidParam, op, "AR(1)+white-noise mode requires a>0 to be reachable")
	}
	if c.FixedAB != nil {
		a, b := c.FixedAB.A, c.FixedAB.B
		if a < -0.9 || a > 0.9 || b < -0.9 || b > 0.9 {
			return newErr(InvalidParam, op, "fixed (a,b) outside [-0.9,0.9]")
		}
	}
	return nil
}

func (c *SolverConfig) warnf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Warnf(format, args...)
	}
}

func (c *SolverConfig) infof(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Infof(format, args...)
	}
}
