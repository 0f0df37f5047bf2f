package ctrlflow

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"llflat.dev/llflat/internal/irhelper"
)

type opaqueOp uint8

const (
	opXor opaqueOp = iota
	opAdd
	opSub
	opRotl
	opRotr
)

type opaqueStep struct {
	op opaqueOp
	c  uint64
}

// opaqueTransformer is a short chain of invertible operations over the
// state's integer ring. Every step is a bijection (xor, modular add/sub,
// rotate), and the same steps are applied to the live value as IR and to the
// known target constant in-process, so equality is preserved at runtime.
type opaqueTransformer struct {
	width uint64
	steps []opaqueStep
}

func newOpaqueTransformer(r *Rand, width uint64) *opaqueTransformer {
	hi := uint64(1)<<width - 1
	if width == 64 {
		hi = ^uint64(0)
	}
	steps := make([]opaqueStep, r.Intn(2, 6))
	for i := range steps {
		op := opaqueOp(r.Intn(0, 4))
		c := r.Uint64n(stateMin, hi)
		if op == opRotl || op == opRotr {
			c = c%(width-1) + 1
		}
		steps[i] = opaqueStep{op: op, c: c}
	}
	return &opaqueTransformer{width: width, steps: steps}
}

func (t *opaqueTransformer) mask() uint64 {
	if t.width == 64 {
		return ^uint64(0)
	}
	return uint64(1)<<t.width - 1
}

// transformConstant applies the whole chain to a known value.
func (t *opaqueTransformer) transformConstant(x uint64) uint64 {
	mask := t.mask()
	cur := x & mask
	for _, s := range t.steps {
		switch s.op {
		case opXor:
			cur ^= s.c
		case opAdd:
			cur += s.c
		case opSub:
			cur -= s.c
		case opRotl:
			cur = cur<<s.c | (cur&mask)>>(t.width-s.c)
		case opRotr:
			cur = (cur&mask)>>s.c | cur<<(t.width-s.c)
		}
		cur &= mask
	}
	return cur
}

// emit generates the runtime equivalent of the chain into b and returns the
// transformed value. The emitted sequence is literally the same step list
// transformConstant walks, so the two always agree.
func (t *opaqueTransformer) emit(p *pass, b *ir.Block, v value.Value) value.Value {
	cur := v
	for _, s := range t.steps {
		switch s.op {
		case opXor:
			cur = b.NewXor(cur, p.stepConst(b, s.c))
		case opAdd:
			cur = b.NewAdd(cur, p.stepConst(b, s.c))
		case opSub:
			cur = b.NewSub(cur, p.stepConst(b, s.c))
		case opRotl:
			l := b.NewShl(cur, p.stepConst(b, s.c))
			r := b.NewLShr(cur, p.stepConst(b, t.width-s.c))
			cur = b.NewOr(l, r)
		case opRotr:
			r := b.NewLShr(cur, p.stepConst(b, s.c))
			l := b.NewShl(cur, p.stepConst(b, t.width-s.c))
			cur = b.NewOr(r, l)
		}
	}
	return cur
}

// stepConst materializes one step constant, either inline or loaded from a
// fresh private global, raising the cost of recovering the chain statically.
func (p *pass) stepConst(b *ir.Block, c uint64) value.Value {
	if p.rand.Chance(p.opts.GlobalOpaqueChance) {
		g := p.mod.NewGlobalDef(p.name(fmt.Sprintf("__state_var_%d", c)), irhelper.IntConst(p.intTy, c))
		g.Linkage = enum.LinkagePrivate
		return b.NewLoad(p.intTy, g)
	}
	return irhelper.IntConst(p.intTy, c)
}

// targetConst materializes the final comparison target for one check.
func (p *pass) targetConst(b *ir.Block, target uint64, global bool) value.Value {
	if global {
		g := p.mod.NewGlobalDef(p.name(fmt.Sprintf("__state_%d", target)), irhelper.IntConst(p.intTy, target))
		g.Linkage = enum.LinkagePrivate
		load := b.NewLoad(p.intTy, g)
		load.Volatile = true
		return load
	}
	return irhelper.IntConst(p.intTy, target)
}

// emitStateCheck lowers one "state == target" test into b after applying the
// plan's transforms, and returns the i1 result. Both sides of the comparison
// go through identical transforms: the live state as emitted IR, the target
// as a precomputed constant.
func (p *pass) emitStateCheck(b *ir.Block, state value.Value, target uint64, states []uint64, plan branchPlan) (value.Value, error) {
	if plan.hash {
		params, hashed, err := p.findHashParams(target, states)
		if err != nil {
			return nil, err
		}
		state = p.emitHashedState(b, state, params, plan.cloneHash)
		target = hashed
	}
	if plan.opaque {
		t := newOpaqueTransformer(p.rand, p.width)
		state = t.emit(p, b, state)
		target = t.transformConstant(target)
	}
	return b.NewICmp(enum.IPredEQ, state, p.targetConst(b, target, plan.globalTarget)), nil
}

// emitResolver moves a whole state check into a standalone internal function
// taking the state and returning the comparison result, so the test is not
// inlined at the dispatcher.
func (p *pass) emitResolver(target uint64, states []uint64, plan branchPlan) (*ir.Func, error) {
	param := ir.NewParam("state", p.intTy)
	f := p.mod.NewFunc(p.name("cff.resolve"), types.I1, param)
	f.Linkage = enum.LinkageInternal
	p.synth[f] = true

	b := f.NewBlock("entry")
	cmp, err := p.emitStateCheck(b, param, target, states, plan)
	if err != nil {
		return nil, err
	}
	b.NewRet(cmp)
	return f, nil
}
