package remlfit

import (
	"math"
	"testing"
)

func almostEqualDesign(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestNewDesignMatrix_RejectsShapeMismatch(t *testing.T) {
	if _, err := NewDesignMatrix([]float64{1, 2, 3}, 3, 2, nil); err == nil {
		t.Fatal("expected error for len(x) != n*m")
	}
}

func TestNewDesignMatrix_RejectsUnderdetermined(t *testing.T) {
	if _, err := NewDesignMatrix([]float64{1, 1, 1, 1}, 2, 2, nil); err == nil {
		t.Fatal("expected error for n < m+1")
	}
}

func TestWithColumns_AppendsAndPreservesRows(t *testing.T) {
	d, err := NewDesignMatrix([]float64{1, 1, 1, 1}, 4, 1, nil)
	if err != nil {
		t.Fatalf("NewDesignMatrix: %v", err)
	}
	extra := []float64{10, 20, 30, 40}
	d2, err := d.WithColumns(extra, 1, nil)
	if err != nil {
		t.Fatalf("WithColumns: %v", err)
	}
	if d2.M != 2 {
		t.Fatalf("M = %d, want 2", d2.M)
	}
	for i := 0; i < 4; i++ {
		if d2.X[i*2] != 1 {
			t.Errorf("row %d original column = %v, want 1", i, d2.X[i*2])
		}
		if d2.X[i*2+1] != extra[i] {
			t.Errorf("row %d extra column = %v, want %v", i, d2.X[i*2+1], extra[i])
		}
	}
}

func TestDemean_ZeroesColumnMean(t *testing.T) {
	d := &DesignMatrix{X: []float64{1, 10, 1, 20, 1, 30}, N: 3, M: 2}
	d.Demean(1, 2)
	sum := 0.0
	for i := 0; i < 3; i++ {
		sum += d.X[i*2+1]
	}
	if !almostEqualDesign(sum, 0, 1e-9) {
		t.Errorf("demeaned column sum = %v, want 0", sum)
	}
	// Untouched column unaffected.
	for i := 0; i < 3; i++ {
		if d.X[i*2] != 1 {
			t.Errorf("column 0 row %d = %v, want unchanged 1", i, d.X[i*2])
		}
	}
}

func TestLegendreColumns_OrderZeroIsConstantOne(t *testing.T) {
	cols := LegendreColumns(5, 0)
	for i := 0; i < 5; i++ {
		if cols[i] != 1 {
			t.Errorf("P0[%d] = %v, want 1", i, cols[i])
		}
	}
}

func TestLegendreColumns_OrderOneIsLinearRamp(t *testing.T) {
	n := 5
	cols := LegendreColumns(n, 1)
	if !almostEqualDesign(cols[0*2+1], -1, 1e-9) {
		t.Errorf("P1[0] = %v, want -1", cols[0*2+1])
	}
	if !almostEqualDesign(cols[(n-1)*2+1], 1, 1e-9) {
		t.Errorf("P1[last] = %v, want 1", cols[(n-1)*2+1])
	}
}

func TestLegendreColumns_OrderTwoMatchesClosedForm(t *testing.T) {
	n := 7
	cols := LegendreColumns(n, 2)
	for i := 0; i < n; i++ {
		t2 := -1 + 2*float64(i)/float64(n-1)
		want := 0.5 * (3*t2*t2 - 1)
		if !almostEqualDesign(cols[i*3+2], want, 1e-9) {
			t.Errorf("P2[%d] = %v, want %v", i, cols[i*3+2], want)
		}
	}
}
