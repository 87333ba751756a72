package segmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sumMerge(a, b float64) float64 { return a + b }

func TestMapAddAndAt(t *testing.T) {
	m := New(0.0, sumMerge)
	m.Add(10, 20, 1.0)
	require.Equal(t, 0.0, m.At(5))
	require.Equal(t, 1.0, m.At(10))
	require.Equal(t, 1.0, m.At(19))
	require.Equal(t, 0.0, m.At(20))
}

func TestMapAdditiveOverlap(t *testing.T) {
	m := New(0.0, sumMerge)
	m.Add(0, 100, 1.0)
	m.Add(40, 60, 1.0)
	require.Equal(t, 1.0, m.At(10))
	require.Equal(t, 2.0, m.At(50))
	require.Equal(t, 1.0, m.At(80))

	total := 0.0
	for _, e := range m.Intervals() {
		total += float64(e.End-e.Start) * e.Value
	}
	require.Equal(t, 100.0+20.0, total)
}

func TestMapDisjointAdds(t *testing.T) {
	m := New(0.0, sumMerge)
	m.Add(10, 20, 1.0)
	m.Add(30, 40, 2.0)
	m.Add(0, 5, 3.0)
	require.Equal(t, 3.0, m.At(0))
	require.Equal(t, 0.0, m.At(5))
	require.Equal(t, 1.0, m.At(15))
	require.Equal(t, 0.0, m.At(25))
	require.Equal(t, 2.0, m.At(35))
	require.Equal(t, 0.0, m.At(40))

	// Bridging a gap merges into the zero-valued interval between them.
	m.Add(15, 35, 1.0)
	require.Equal(t, 2.0, m.At(15))
	require.Equal(t, 1.0, m.At(25))
	require.Equal(t, 3.0, m.At(30))
}

func TestMapQueryClips(t *testing.T) {
	m := New(0.0, sumMerge)
	m.Add(0, 10, 2.0)
	m.Add(10, 20, 3.0)
	q := m.Query(5, 15)
	require.Len(t, q, 2)
	require.Equal(t, Entry[float64]{Start: 5, End: 10, Value: 2.0}, q[0])
	require.Equal(t, Entry[float64]{Start: 10, End: 15, Value: 3.0}, q[1])
}

func TestByChrWeightedMerge(t *testing.T) {
	a := NewByChr(0.0, sumMerge)
	a.Add("chr1", 0, 100, 2.0)
	b := NewByChr(0.0, sumMerge)
	b.MergeWeighted(a, 0.5, func(v float64, w float64) float64 { return v * w })
	require.Equal(t, 1.0, b.At("chr1", 10))
}

func TestByChrUnknownChrIsZero(t *testing.T) {
	a := NewByChr(0.0, sumMerge)
	require.Equal(t, 0.0, a.At("chrX", 5))
	require.Nil(t, a.Chr("chrX"))
}
