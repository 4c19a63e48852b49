// Package median implements the optional spatial median filter applied
// to a voxel-wise (a,b) field after the grid search and before the
// final GLS pass (spec.md §4.9).
package median

import "sort"

// Field holds per-voxel selected (a,b) values over a 3-D voxel grid,
// plus a mask identifying which voxels participate in filtering.
type Field struct {
	NX, NY, NZ int
	A, B       []float64 // length NX*NY*NZ, row-major (x fastest)
	Mask       []bool    // length NX*NY*NZ; false voxels are skipped and left untouched
}

func (f *Field) index(x, y, z int) int {
	return (z*f.NY+y)*f.NX + x
}

func (f *Field) inBounds(x, y, z int) bool {
	return x >= 0 && x < f.NX && y >= 0 && y < f.NY && z >= 0 && z < f.NZ
}

// Filter replaces every masked voxel's (a,b) with the component-wise
// median of its masked neighbors within radius (a cube of side
// 2*radius+1, Chebyshev distance), including itself. Voxels with no
// masked neighbors within radius (including themselves) are left
// unchanged. Filtering never runs when fixedAB is true, preserving the
// source's documented behavior of disabling the filter whenever
// (a,b) was supplied externally (spec.md §9 open question).
func Filter(f *Field, radius int, fixedAB bool) {
	if fixedAB || radius <= 0 {
		return
	}

	n := f.NX * f.NY * f.NZ
	outA := make([]float64, n)
	outB := make([]float64, n)
	copy(outA, f.A)
	copy(outB, f.B)

	var neighborsA, neighborsB []float64
	for z := 0; z < f.NZ; z++ {
		for y := 0; y < f.NY; y++ {
			for x := 0; x < f.NX; x++ {
				idx := f.index(x, y, z)
				if !f.Mask[idx] {
					continue
				}
				neighborsA = neighborsA[:0]
				neighborsB = neighborsB[:0]
				for dz := -radius; dz <= radius; dz++ {
					for dy := -radius; dy <= radius; dy++ {
						for dx := -radius; dx <= radius; dx++ {
							nx, ny, nz := x+dx, y+dy, z+dz
							if !f.inBounds(nx, ny, nz) {
								continue
							}
							nIdx := f.index(nx, ny, nz)
							if !f.Mask[nIdx] {
								continue
							}
							neighborsA = append(neighborsA, f.A[nIdx])
							neighborsB = append(neighborsB, f.B[nIdx])
						}
					}
				}
				if len(neighborsA) == 0 {
					continue
				}
				outA[idx] = medianOf(neighborsA)
				outB[idx] = medianOf(neighborsB)
			}
		}
	}

	copy(f.A, outA)
	copy(f.B, outB)
}

func medianOf(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	k := len(sorted)
	if k%2 == 1 {
		return sorted[k/2]
	}
	return (sorted[k/2-1] + sorted[k/2]) / 2
}
