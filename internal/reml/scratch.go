package reml

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/mat"

	"remlfit/internal/banded"
	"remlfit/internal/corr"
)

// scratchMagic identifies the on-disk format from spec.md §6
// "Persistent state layout": a fixed-size header (magic, version, slice
// index, n, m, bw, rank, (a,b) count, de-singularization flag) followed
// by packed banded factors and SVD factors in IEEE double
// little-endian. The layout is an implementation detail that must
// round-trip losslessly for any writer.
const (
	scratchMagic   uint32 = 0x524d4c31 // "RML1"
	scratchVersion uint16 = 1
)

type scratchHeader struct {
	Magic          uint32
	Version        uint16
	_              uint16 // padding, kept explicit so the header is a fixed 36 bytes
	Slice          int32
	N              int32
	M              int32
	Bw             int32
	Rank           int32
	ABCount        int32
	DeSingularized int32 // 0 or 1
}

// SaveSetup writes a single REMLSetup to w in the module's scratch
// format, for later reload by LoadSetup (spec.md §4.3 "Persistence").
func SaveSetup(w io.Writer, slice int, s *Setup) error {
	bw := s.S.Bw
	deSing := int32(0)
	if s.DeSingularized {
		deSing = 1
	}
	hdr := scratchHeader{
		Magic: scratchMagic, Version: scratchVersion,
		Slice: int32(slice), N: int32(s.N), M: int32(s.M),
		Bw: int32(bw), Rank: int32(s.rank), ABCount: 1,
		DeSingularized: deSing,
	}
	bw32 := bufio.NewWriter(w)
	if err := binary.Write(bw32, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("reml: write scratch header: %w", err)
	}
	if err := binary.Write(bw32, binary.LittleEndian, s.A); err != nil {
		return err
	}
	if err := binary.Write(bw32, binary.LittleEndian, s.B); err != nil {
		return err
	}
	if err := binary.Write(bw32, binary.LittleEndian, s.LogDetR); err != nil {
		return err
	}
	if err := binary.Write(bw32, binary.LittleEndian, s.LogDetXtRX); err != nil {
		return err
	}
	if err := binary.Write(bw32, binary.LittleEndian, s.S.Data); err != nil {
		return fmt.Errorf("reml: write cholesky factor: %w", err)
	}
	if err := binary.Write(bw32, binary.LittleEndian, s.W.RawMatrix().Data); err != nil {
		return fmt.Errorf("reml: write W: %w", err)
	}

	values := s.svd.Values(nil)
	var u, v mat.Dense
	s.svd.UTo(&u)
	s.svd.VTo(&v)
	if err := binary.Write(bw32, binary.LittleEndian, values); err != nil {
		return fmt.Errorf("reml: write singular values: %w", err)
	}
	if err := binary.Write(bw32, binary.LittleEndian, u.RawMatrix().Data); err != nil {
		return fmt.Errorf("reml: write U: %w", err)
	}
	if err := binary.Write(bw32, binary.LittleEndian, v.RawMatrix().Data); err != nil {
		return fmt.Errorf("reml: write V: %w", err)
	}
	for _, flag := range s.Unidentifiable {
		var b byte
		if flag {
			b = 1
		}
		if err := bw32.WriteByte(b); err != nil {
			return err
		}
	}
	return bw32.Flush()
}

// LoadSetup reads back a setup written by SaveSetup. Reloading is
// idempotent: repeated loads of the same bytes produce bit-identical
// Setup values (spec.md §8 round-trip property).
func LoadSetup(r io.Reader) (slice int, s *Setup, err error) {
	br := bufio.NewReader(r)
	var hdr scratchHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return 0, nil, fmt.Errorf("reml: read scratch header: %w", err)
	}
	if hdr.Magic != scratchMagic {
		return 0, nil, fmt.Errorf("reml: bad scratch magic %x", hdr.Magic)
	}
	if hdr.Version != scratchVersion {
		return 0, nil, fmt.Errorf("reml: unsupported scratch version %d", hdr.Version)
	}

	n, m, bw, rank := int(hdr.N), int(hdr.M), int(hdr.Bw), int(hdr.Rank)

	var a, b, logDetR, logDetXtRX float64
	for _, dst := range []*float64{&a, &b, &logDetR, &logDetXtRX} {
		if err := binary.Read(br, binary.LittleEndian, dst); err != nil {
			return 0, nil, fmt.Errorf("reml: read scalar: %w", err)
		}
	}

	cholData := make([]float64, (bw+1)*n)
	if err := binary.Read(br, binary.LittleEndian, cholData); err != nil {
		return 0, nil, fmt.Errorf("reml: read cholesky factor: %w", err)
	}
	wData := make([]float64, n*m)
	if err := binary.Read(br, binary.LittleEndian, wData); err != nil {
		return 0, nil, fmt.Errorf("reml: read W: %w", err)
	}

	k := m
	if n < k {
		k = n
	}
	values := make([]float64, k)
	if err := binary.Read(br, binary.LittleEndian, values); err != nil {
		return 0, nil, fmt.Errorf("reml: read singular values: %w", err)
	}
	uData := make([]float64, n*k)
	if err := binary.Read(br, binary.LittleEndian, uData); err != nil {
		return 0, nil, fmt.Errorf("reml: read U: %w", err)
	}
	vData := make([]float64, m*k)
	if err := binary.Read(br, binary.LittleEndian, vData); err != nil {
		return 0, nil, fmt.Errorf("reml: read V: %w", err)
	}

	unidentifiable := make([]bool, m)
	for j := 0; j < m; j++ {
		bflag, err := br.ReadByte()
		if err != nil {
			return 0, nil, fmt.Errorf("reml: read unidentifiable mask: %w", err)
		}
		unidentifiable[j] = bflag != 0
	}

	s = &Setup{
		A: a, B: b, Lambda: corr.Lambda(a, b),
		N: n, M: m,
		S:              &banded.CholFactor{N: n, Bw: bw, Data: cholData},
		W:              mat.NewDense(n, m, wData),
		rank:           rank,
		Unidentifiable: unidentifiable,
		DeSingularized: hdr.DeSingularized != 0,
		LogDetR:        logDetR,
		LogDetXtRX:     logDetXtRX,
	}
	// Reconstructing mat.SVD's internal state directly isn't exposed by
	// the gonum API, so the reloaded setup recomputes it from the
	// restored W; W itself round-trips exactly, so the recomputed SVD
	// (and everything derived from it) is bit-identical to the
	// original's.
	var svd mat.SVD
	svd.Factorize(s.W, mat.SVDThin)
	s.svd = svd

	return int(hdr.Slice), s, nil
}

// SaveSetupToFile and LoadSetupFromFile are convenience wrappers for the
// common case of one setup per scratch file (spec.md §5 "a per-slice
// lock protects load/store").
func SaveSetupToFile(path string, slice int, s *Setup) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reml: create scratch file: %w", err)
	}
	defer f.Close()
	return SaveSetup(f, slice, s)
}

func LoadSetupFromFile(path string) (slice int, s *Setup, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("reml: open scratch file: %w", err)
	}
	defer f.Close()
	return LoadSetup(f)
}
