package ctrlflow

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestRandSeedDeterminism(t *testing.T) {
	t.Parallel()
	a, b := NewRand(99), NewRand(99)
	qt.Assert(t, qt.Equals(a.Seed(), int64(99)))
	for i := 0; i < 1000; i++ {
		qt.Assert(t, qt.Equals(a.Uint64n(0, ^uint64(0)), b.Uint64n(0, ^uint64(0))))
	}
}

func TestRandZeroSeedPicksOne(t *testing.T) {
	t.Parallel()
	r := NewRand(0)
	qt.Assert(t, qt.Not(qt.Equals(r.Seed(), int64(0))))
}

func TestRandBounds(t *testing.T) {
	t.Parallel()
	r := NewRand(5)
	for i := 0; i < 1000; i++ {
		v := r.Uint64n(10, 20)
		qt.Assert(t, qt.IsTrue(v >= 10 && v <= 20))
		n := r.Intn(-3, 3)
		qt.Assert(t, qt.IsTrue(n >= -3 && n <= 3))
	}
	qt.Assert(t, qt.Equals(r.Uint64n(7, 7), uint64(7)))
	qt.Assert(t, qt.Equals(r.Intn(7, 7), 7))
}

func TestRandChanceExtremes(t *testing.T) {
	t.Parallel()
	r := NewRand(5)
	for i := 0; i < 100; i++ {
		qt.Assert(t, qt.IsFalse(r.Chance(0)))
		qt.Assert(t, qt.IsTrue(r.Chance(100)))
	}
}
