package irhelper

import (
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"

	"llflat.dev/llflat/internal/interp"
)

func TestCloneFuncIndependentCopy(t *testing.T) {
	t.Parallel()
	m, err := asm.ParseString("in.ll", srcDiamond)
	qt.Assert(t, qt.IsNil(err))
	orig := m.Funcs[0]

	clone := CloneFunc(m, orig, "diamond2")
	qt.Assert(t, qt.Equals(clone.Name(), "diamond2"))
	qt.Assert(t, qt.IsNil(VerifyFunc(clone)))
	qt.Assert(t, qt.Equals(len(m.Funcs), 2))

	for _, in := range []uint64{3, 30} {
		want, err := interp.Run(m, "diamond", in)
		qt.Assert(t, qt.IsNil(err))
		got, err := interp.Run(m, "diamond2", in)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Equals(got, want))
	}

	// The clone must not alias the original's instructions, phi incomings
	// or parameters; rewriting it leaves the original alone.
	for bi, b := range orig.Blocks {
		qt.Assert(t, qt.Not(qt.Equals(clone.Blocks[bi], b)))
		for ii := range b.Insts {
			qt.Assert(t, qt.Not(qt.Equals(clone.Blocks[bi].Insts[ii], b.Insts[ii])))
		}
	}
	origPhi := orig.Blocks[3].Insts[0].(*ir.InstPhi)
	clonePhi := clone.Blocks[3].Insts[0].(*ir.InstPhi)
	qt.Assert(t, qt.Not(qt.Equals(clonePhi.Incs[0], origPhi.Incs[0])))

	before := origPhi.Incs[0].X
	clonePhi.Incs[0].X = clone.Params[0]
	qt.Assert(t, qt.Equals(origPhi.Incs[0].X, before))
}
