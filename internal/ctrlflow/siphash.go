package ctrlflow

import (
	"math"
	"math/bits"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"

	"llflat.dev/llflat/internal/irhelper"
)

// sipParams are the six keyed-hash parameters of one hardened check: the two
// SipHash keys and randomized initial vector words.
type sipParams struct {
	k0, k1, v0, v1, v2, v3 uint64
}

func sipRound(v0, v1, v2, v3 uint64) (uint64, uint64, uint64, uint64) {
	v0 += v1
	v1 = bits.RotateLeft64(v1, 13)
	v1 ^= v0
	v0 = bits.RotateLeft64(v0, 32)
	v2 += v3
	v3 = bits.RotateLeft64(v3, 16)
	v3 ^= v2
	v0 += v3
	v3 = bits.RotateLeft64(v3, 21)
	v3 ^= v0
	v2 += v1
	v1 = bits.RotateLeft64(v1, 17)
	v1 ^= v2
	v2 = bits.RotateLeft64(v2, 32)
	return v0, v1, v2, v3
}

// sipHash is the in-process mirror of the emitted hash definition: a
// SipHash-2-4 mix over a single 64-bit word under randomized keys and
// initial vector. It must stay bit-for-bit equivalent to emitSipHashFunc.
func sipHash(in uint64, p sipParams) uint64 {
	v0 := p.v0 ^ p.k0
	v1 := p.v1 ^ p.k1
	v2 := p.v2 ^ p.k0
	v3 := p.v3 ^ p.k1

	tag := 8<<56 | in // single-word message plus length tag
	v3 ^= in
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0 ^= in
	v3 ^= tag
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0 ^= tag
	v2 ^= 0xff
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	return v0 ^ v1 ^ v2 ^ v3
}

// findHashParams draws parameter sets until the target state's image is
// collision-free against every other assigned state under them (and is not
// itself an assigned state). The search is bounded: on exhaustion the run
// fails with an error instead of spinning forever.
func (p *pass) findHashParams(target uint64, states []uint64) (sipParams, uint64, error) {
	mask := p.mask()
	for try := 0; try < maxHashTries; try++ {
		sp := sipParams{
			k0: p.rand.Uint64n(stateMin, math.MaxUint64),
			k1: p.rand.Uint64n(stateMin, math.MaxUint64),
			v0: p.rand.Uint64n(stateMin, math.MaxUint64),
			v1: p.rand.Uint64n(stateMin, math.MaxUint64),
			v2: p.rand.Uint64n(stateMin, math.MaxUint64),
			v3: p.rand.Uint64n(stateMin, math.MaxUint64),
		}
		hashed := sipHash(target, sp) & mask

		collisions := 0
		taken := false
		for _, s := range states {
			if sipHash(s, sp)&mask == hashed {
				collisions++
			}
			if s == hashed {
				taken = true
			}
		}
		if collisions == 1 && !taken {
			return sp, hashed, nil
		}
	}
	return sipParams{}, 0, errors.Errorf("no collision-free hash parameters for state %#x against %d states after %d draws", target, len(states), maxHashTries)
}

// emitHashedState emits a call hashing the live state under sp, either
// through the shared definition or through a freshly cloned copy marked for
// forced inlining so no single recognizable call target remains.
func (p *pass) emitHashedState(b *ir.Block, state value.Value, sp sipParams, clone bool) value.Value {
	fn := p.hashFn
	if clone {
		c := irhelper.CloneFunc(p.mod, p.hashFn, p.name(sipHashName))
		c.Linkage = enum.LinkageInternal
		c.FuncAttrs = append(c.FuncAttrs, enum.FuncAttrAlwaysInline)
		p.synth[c] = true
		fn = c
	}

	arg := state
	if p.width == 32 {
		arg = b.NewZExt(state, types.I64)
	}
	res := b.NewCall(fn, arg,
		irhelper.IntConst(types.I64, sp.k0),
		irhelper.IntConst(types.I64, sp.k1),
		irhelper.IntConst(types.I64, sp.v0),
		irhelper.IntConst(types.I64, sp.v1),
		irhelper.IntConst(types.I64, sp.v2),
		irhelper.IntConst(types.I64, sp.v3))
	if p.width == 32 {
		return b.NewTrunc(res, types.I32)
	}
	return res
}

// emitSipHashFunc builds the hash definition itself: the exact computation
// sipHash performs, fully unrolled into one straight-line block.
func emitSipHashFunc(m *ir.Module, name string) *ir.Func {
	in := ir.NewParam("in", types.I64)
	k0 := ir.NewParam("k0", types.I64)
	k1 := ir.NewParam("k1", types.I64)
	iv0 := ir.NewParam("v0", types.I64)
	iv1 := ir.NewParam("v1", types.I64)
	iv2 := ir.NewParam("v2", types.I64)
	iv3 := ir.NewParam("v3", types.I64)
	f := m.NewFunc(name, types.I64, in, k0, k1, iv0, iv1, iv2, iv3)
	f.Linkage = enum.LinkageInternal
	b := f.NewBlock("entry")

	c := func(x uint64) *constant.Int { return irhelper.IntConst(types.I64, x) }
	rotl := func(v value.Value, n uint64) value.Value {
		l := b.NewShl(v, c(n))
		r := b.NewLShr(v, c(64-n))
		return b.NewOr(l, r)
	}

	var v0, v1, v2, v3 value.Value
	v0 = b.NewXor(iv0, k0)
	v1 = b.NewXor(iv1, k1)
	v2 = b.NewXor(iv2, k0)
	v3 = b.NewXor(iv3, k1)
	tag := b.NewOr(c(8<<56), in)

	round := func() {
		v0 = b.NewAdd(v0, v1)
		v1 = rotl(v1, 13)
		v1 = b.NewXor(v1, v0)
		v0 = rotl(v0, 32)
		v2 = b.NewAdd(v2, v3)
		v3 = rotl(v3, 16)
		v3 = b.NewXor(v3, v2)
		v0 = b.NewAdd(v0, v3)
		v3 = rotl(v3, 21)
		v3 = b.NewXor(v3, v0)
		v2 = b.NewAdd(v2, v1)
		v1 = rotl(v1, 17)
		v1 = b.NewXor(v1, v2)
		v2 = rotl(v2, 32)
	}

	v3 = b.NewXor(v3, in)
	round()
	round()
	v0 = b.NewXor(v0, in)
	v3 = b.NewXor(v3, tag)
	round()
	round()
	v0 = b.NewXor(v0, tag)
	v2 = b.NewXor(v2, c(0xff))
	round()
	round()
	round()
	round()
	out := b.NewXor(b.NewXor(b.NewXor(v0, v1), v2), v3)
	b.NewRet(out)
	return f
}
