package ctrlflow

import (
	"fmt"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"

	"llflat.dev/llflat/internal/interp"
)

func testPass(width uint64, seed int64) *pass {
	intTy := types.I64
	if width == 32 {
		intTy = types.I32
	}
	return &pass{
		mod:   ir.NewModule(),
		rand:  NewRand(seed),
		width: width,
		intTy: intTy,
		synth: make(map[*ir.Func]bool),
	}
}

// The emitted transform chain and its constant-folding twin must agree on
// every input, or a hardened check would reject its own state at runtime.
func TestOpaqueTransformerEmitMatchesConstant(t *testing.T) {
	t.Parallel()
	for _, width := range []uint64{32, 64} {
		width := width
		t.Run(fmt.Sprintf("width%d", width), func(t *testing.T) {
			t.Parallel()
			for seed := int64(1); seed <= 100; seed++ {
				p := testPass(width, seed)
				tr := newOpaqueTransformer(p.rand, width)

				param := ir.NewParam("x", p.intTy)
				f := p.mod.NewFunc("apply", p.intTy, param)
				b := f.NewBlock("entry")
				b.NewRet(tr.emit(p, b, param))

				x := p.rand.Uint64n(0, p.maxState())
				got, err := interp.Run(p.mod, "apply", x)
				qt.Assert(t, qt.IsNil(err))
				qt.Assert(t, qt.Equals(got, tr.transformConstant(x)))
			}
		})
	}
}

func TestOpaqueTransformerShape(t *testing.T) {
	t.Parallel()
	for seed := int64(1); seed <= 50; seed++ {
		tr := newOpaqueTransformer(NewRand(seed), 64)
		qt.Assert(t, qt.IsTrue(len(tr.steps) >= 2 && len(tr.steps) <= 6))
		for _, s := range tr.steps {
			if s.op == opRotl || s.op == opRotr {
				qt.Assert(t, qt.IsTrue(s.c >= 1 && s.c <= 63))
			} else {
				qt.Assert(t, qt.IsTrue(s.c >= stateMin))
			}
		}
	}
}

func TestFindHashParams(t *testing.T) {
	t.Parallel()
	p := testPass(64, 1)
	states := []uint64{0x000f1111, 0x000f2222, 0x000f3333, 0x000f4444}
	target := states[2]

	sp, hashed, err := p.findHashParams(target, states)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(sipHash(target, sp), hashed))
	for _, s := range states {
		qt.Assert(t, qt.Not(qt.Equals(s, hashed)))
		if s != target {
			qt.Assert(t, qt.Not(qt.Equals(sipHash(s, sp), hashed)))
		}
	}
}

// The emitted hash definition must compute exactly what the in-process
// mirror computes; the parameter search depends on it.
func TestEmittedSipHashMatchesMirror(t *testing.T) {
	t.Parallel()
	m := ir.NewModule()
	emitSipHashFunc(m, "h")

	r := NewRand(7)
	for i := 0; i < 50; i++ {
		in := r.Uint64n(0, ^uint64(0))
		sp := sipParams{
			k0: r.Uint64n(0, ^uint64(0)),
			k1: r.Uint64n(0, ^uint64(0)),
			v0: r.Uint64n(0, ^uint64(0)),
			v1: r.Uint64n(0, ^uint64(0)),
			v2: r.Uint64n(0, ^uint64(0)),
			v3: r.Uint64n(0, ^uint64(0)),
		}
		got, err := interp.Run(m, "h", in, sp.k0, sp.k1, sp.v0, sp.v1, sp.v2, sp.v3)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Equals(got, sipHash(in, sp)))
	}
}

func TestEmitResolver(t *testing.T) {
	t.Parallel()
	p := testPass(64, 3)
	states := []uint64{0x000faaaa, 0x000fbbbb}

	f, err := p.emitResolver(states[0], states, branchPlan{opaque: true})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(p.synth[f]))

	got, err := interp.Run(p.mod, f.Name(), states[0])
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got, 1))
	got, err = interp.Run(p.mod, f.Name(), states[1])
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got, 0))
}
