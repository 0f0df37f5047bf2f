package interp

import (
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
)

func parseModule(t *testing.T, src string) *ir.Module {
	t.Helper()
	m, err := asm.ParseString("in.ll", src)
	qt.Assert(t, qt.IsNil(err))
	return m
}

func TestArithmetic(t *testing.T) {
	t.Parallel()
	m := parseModule(t, `
define i64 @f(i64 %x, i64 %y) {
entry:
	%a = add i64 %x, %y
	%b = mul i64 %a, 3
	%c = sub i64 %b, %y
	%d = xor i64 %c, 1
	%e = and i64 %d, 4095
	%g = or i64 %e, 4096
	ret i64 %g
}
`)
	got, err := Run(m, "f", 10, 4)
	qt.Assert(t, qt.IsNil(err))
	want := uint64((10+4)*3-4) ^ 1
	want = want&4095 | 4096
	qt.Assert(t, qt.Equals(got, want))
}

func TestShiftsAndSignedOps(t *testing.T) {
	t.Parallel()
	m := parseModule(t, `
define i64 @f(i64 %x) {
entry:
	%t = trunc i64 %x to i8
	%s = sext i8 %t to i64
	%a = ashr i64 %s, 2
	%l = lshr i64 %a, 1
	%h = shl i64 %l, 1
	ret i64 %h
}
`)
	// 0xff truncates to -1, sign-extends back to -1; -1 ashr 2 is -1.
	got, err := Run(m, "f", 0xff)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got, ^uint64(0)>>1<<1))
}

func TestICmpSignedness(t *testing.T) {
	t.Parallel()
	m := parseModule(t, `
define i64 @f(i64 %x, i64 %y) {
entry:
	%s = icmp slt i64 %x, %y
	%u = icmp ult i64 %x, %y
	%sz = zext i1 %s to i64
	%uz = zext i1 %u to i64
	%r = shl i64 %sz, 1
	%o = or i64 %r, %uz
	ret i64 %o
}
`)
	// -1 < 1 signed, but not unsigned.
	got, err := Run(m, "f", ^uint64(0), 1)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got, uint64(2)))
}

func TestLoopWithPhi(t *testing.T) {
	t.Parallel()
	m := parseModule(t, `
define i64 @fib(i64 %n) {
entry:
	br label %head

head:
	%i = phi i64 [ 0, %entry ], [ %i1, %body ]
	%a = phi i64 [ 0, %entry ], [ %b, %body ]
	%b = phi i64 [ 1, %entry ], [ %c, %body ]
	%more = icmp ult i64 %i, %n
	br i1 %more, label %body, label %done

body:
	%c = add i64 %a, %b
	%i1 = add i64 %i, 1
	br label %head

done:
	ret i64 %a
}
`)
	got, err := Run(m, "fib", 10)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got, uint64(55)))
}

func TestMemoryAndGlobals(t *testing.T) {
	t.Parallel()
	m := parseModule(t, `
@g = private global i64 40

define i64 @f(i64 %x) {
entry:
	%slot = alloca i64
	store volatile i64 %x, i64* %slot
	%v = load volatile i64, i64* %slot
	%gv = load i64, i64* @g
	%r = add i64 %v, %gv
	store i64 %r, i64* @g
	%r2 = load i64, i64* @g
	ret i64 %r2
}
`)
	got, err := Run(m, "f", 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got, uint64(42)))
}

func TestSwitchAndCall(t *testing.T) {
	t.Parallel()
	m := parseModule(t, `
define i64 @double(i64 %x) {
entry:
	%r = add i64 %x, %x
	ret i64 %r
}

define i64 @f(i64 %x) {
entry:
	switch i64 %x, label %other [
		i64 1, label %one
		i64 2, label %two
	]

one:
	ret i64 100

two:
	%d = call i64 @double(i64 %x)
	ret i64 %d

other:
	ret i64 0
}
`)
	for _, test := range []struct{ in, want uint64 }{{1, 100}, {2, 4}, {9, 0}} {
		got, err := Run(m, "f", test.in)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Equals(got, test.want))
	}
}

func TestStepBudget(t *testing.T) {
	t.Parallel()
	m := parseModule(t, `
define i64 @spin() {
entry:
	br label %loop

loop:
	br label %loop
}
`)
	_, err := Run(m, "spin")
	qt.Assert(t, qt.ErrorMatches(err, `.*step budget.*`))
}

func TestErrors(t *testing.T) {
	t.Parallel()
	m := parseModule(t, `
declare i64 @ext(i64)

define i64 @f(i64 %x) {
entry:
	%r = call i64 @ext(i64 %x)
	ret i64 %r
}
`)
	_, err := Run(m, "missing", 1)
	qt.Assert(t, qt.IsNotNil(err))
	_, err = Run(m, "f", 1)
	qt.Assert(t, qt.IsNotNil(err))
	_, err = Run(m, "f")
	qt.Assert(t, qt.IsNotNil(err))
}
