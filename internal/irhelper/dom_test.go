package irhelper

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestDomTreeDiamond(t *testing.T) {
	t.Parallel()
	f := parseFunc(t, srcDiamond, "diamond")
	entry, left, right, merge := f.Blocks[0], f.Blocks[1], f.Blocks[2], f.Blocks[3]
	dom := NewDomTree(f)

	for _, b := range f.Blocks {
		qt.Assert(t, qt.IsTrue(dom.Dominates(entry, b)))
		qt.Assert(t, qt.IsTrue(dom.Dominates(b, b)))
	}
	qt.Assert(t, qt.IsFalse(dom.Dominates(left, merge)))
	qt.Assert(t, qt.IsFalse(dom.Dominates(right, merge)))
	qt.Assert(t, qt.IsFalse(dom.Dominates(left, right)))
	qt.Assert(t, qt.IsFalse(dom.Dominates(merge, entry)))
}

func TestDomTreeLoop(t *testing.T) {
	t.Parallel()
	f := parseFunc(t, `
define i64 @loop(i64 %n) {
entry:
	br label %head

head:
	%i = phi i64 [ 0, %entry ], [ %i1, %body ]
	%c = icmp ult i64 %i, %n
	br i1 %c, label %body, label %done

body:
	%i1 = add i64 %i, 1
	br label %head

done:
	ret i64 %i
}
`, "loop")
	entry, head, body, done := f.Blocks[0], f.Blocks[1], f.Blocks[2], f.Blocks[3]
	dom := NewDomTree(f)

	qt.Assert(t, qt.IsTrue(dom.Dominates(head, body)))
	qt.Assert(t, qt.IsTrue(dom.Dominates(head, done)))
	qt.Assert(t, qt.IsFalse(dom.Dominates(body, head))) // back edge, not dominance
	qt.Assert(t, qt.IsFalse(dom.Dominates(body, done)))
	qt.Assert(t, qt.IsTrue(dom.Dominates(entry, done)))
}

func TestDomTreeUnreachable(t *testing.T) {
	t.Parallel()
	f := parseFunc(t, `
define i64 @f(i64 %x) {
entry:
	br label %out

dead:
	br label %out

out:
	ret i64 %x
}
`, "f")
	entry, dead, out := f.Blocks[0], f.Blocks[1], f.Blocks[2]
	dom := NewDomTree(f)

	qt.Assert(t, qt.IsTrue(dom.Dominates(entry, out)))
	qt.Assert(t, qt.IsFalse(dom.Dominates(dead, out)))
	qt.Assert(t, qt.IsFalse(dom.Dominates(entry, dead)))
}
