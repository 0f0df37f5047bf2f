// Package interp is a minimal interpreter for the integer subset of LLVM IR.
// It exists so tests can execute a function before and after a transform and
// compare observable results without driving a real LLVM toolchain. Scalar
// integer instructions, stack slots, globals with integer initializers,
// calls between module functions and the usual terminators are supported;
// anything else is a hard error.
package interp

import (
	"math/big"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"
)

// maxSteps bounds total executed blocks per Run, so a transform bug that
// traps execution in the dispatcher fails the test instead of hanging it.
const maxSteps = 1 << 20

// Run executes the named function of m with the given arguments and returns
// its result as a zero-extended 64-bit word.
func Run(m *ir.Module, name string, args ...uint64) (uint64, error) {
	var fn *ir.Func
	for _, f := range m.Funcs {
		if f.Name() == name {
			fn = f
			break
		}
	}
	if fn == nil || len(fn.Blocks) == 0 {
		return 0, errors.Errorf("no function definition named %q", name)
	}
	ma := &machine{globals: make(map[*ir.Global]uint64)}
	for _, g := range m.Globals {
		if ci, ok := g.Init.(*constant.Int); ok {
			ma.globals[g] = constUint(ci)
		}
	}
	return ma.call(fn, args)
}

type machine struct {
	globals map[*ir.Global]uint64
	steps   int
}

type frame struct {
	regs  map[value.Value]uint64
	slots map[*ir.InstAlloca]uint64
}

func maskFor(width uint64) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<width - 1
}

func widthOf(t types.Type) (uint64, error) {
	it, ok := t.(*types.IntType)
	if !ok {
		return 0, errors.Errorf("unsupported non-integer type %v", t)
	}
	return it.BitSize, nil
}

// constUint returns the unsigned bit pattern of an integer constant;
// negative source constants are reduced into the type's ring.
func constUint(c *constant.Int) uint64 {
	width := c.Typ.BitSize
	mask := new(big.Int).Lsh(big.NewInt(1), uint(width))
	mask.Sub(mask, big.NewInt(1))
	return new(big.Int).And(c.X, mask).Uint64()
}

func toSigned(v, width uint64) int64 {
	if width < 64 && v&(uint64(1)<<(width-1)) != 0 {
		return int64(v | ^maskFor(width))
	}
	return int64(v)
}

func (ma *machine) operand(fr *frame, v value.Value) (uint64, error) {
	if ci, ok := v.(*constant.Int); ok {
		return constUint(ci), nil
	}
	if val, ok := fr.regs[v]; ok {
		return val, nil
	}
	return 0, errors.Errorf("use of an unevaluated value: %v", v)
}

func (ma *machine) call(fn *ir.Func, args []uint64) (uint64, error) {
	if len(args) != len(fn.Params) {
		return 0, errors.Errorf("@%s takes %d arguments, got %d", fn.Name(), len(fn.Params), len(args))
	}
	fr := &frame{
		regs:  make(map[value.Value]uint64),
		slots: make(map[*ir.InstAlloca]uint64),
	}
	for i, p := range fn.Params {
		w, err := widthOf(p.Typ)
		if err != nil {
			return 0, err
		}
		fr.regs[p] = args[i] & maskFor(w)
	}

	block := fn.Blocks[0]
	var prev *ir.Block
	for {
		ma.steps++
		if ma.steps > maxSteps {
			return 0, errors.Errorf("@%s exceeded the step budget", fn.Name())
		}

		// Phis read their incoming values simultaneously, from the edge
		// just taken, before any of them is written.
		var phis []*ir.InstPhi
		var phiVals []uint64
		for _, inst := range block.Insts {
			phi, ok := inst.(*ir.InstPhi)
			if !ok {
				break
			}
			var inc *ir.Incoming
			for _, cand := range phi.Incs {
				if cand.Pred == prev {
					inc = cand
					break
				}
			}
			if inc == nil {
				return 0, errors.Errorf("phi in @%s has no incoming for the taken edge", fn.Name())
			}
			v, err := ma.operand(fr, inc.X)
			if err != nil {
				return 0, err
			}
			phis = append(phis, phi)
			phiVals = append(phiVals, v)
		}
		for i, phi := range phis {
			w, err := widthOf(phi.Typ)
			if err != nil {
				return 0, err
			}
			fr.regs[phi] = phiVals[i] & maskFor(w)
		}

		for _, inst := range block.Insts {
			if _, ok := inst.(*ir.InstPhi); ok {
				continue
			}
			if err := ma.exec(fr, inst); err != nil {
				return 0, err
			}
		}

		switch t := block.Term.(type) {
		case *ir.TermRet:
			if t.X == nil {
				return 0, nil
			}
			return ma.operand(fr, t.X)
		case *ir.TermBr:
			prev, block = block, t.Target.(*ir.Block)
		case *ir.TermCondBr:
			c, err := ma.operand(fr, t.Cond)
			if err != nil {
				return 0, err
			}
			if c&1 != 0 {
				prev, block = block, t.TargetTrue.(*ir.Block)
			} else {
				prev, block = block, t.TargetFalse.(*ir.Block)
			}
		case *ir.TermSwitch:
			x, err := ma.operand(fr, t.X)
			if err != nil {
				return 0, err
			}
			next := t.TargetDefault.(*ir.Block)
			for _, cs := range t.Cases {
				ci, ok := cs.X.(*constant.Int)
				if !ok {
					return 0, errors.New("switch case is not an integer constant")
				}
				if constUint(ci) == x {
					next = cs.Target.(*ir.Block)
					break
				}
			}
			prev, block = block, next
		case *ir.TermUnreachable:
			return 0, errors.Errorf("@%s reached an unreachable terminator", fn.Name())
		default:
			return 0, errors.Errorf("unsupported terminator %T", block.Term)
		}
	}
}

func (ma *machine) cell(fr *frame, addr value.Value) (func() uint64, func(uint64), error) {
	switch a := addr.(type) {
	case *ir.InstAlloca:
		return func() uint64 { return fr.slots[a] },
			func(v uint64) { fr.slots[a] = v }, nil
	case *ir.Global:
		return func() uint64 { return ma.globals[a] },
			func(v uint64) { ma.globals[a] = v }, nil
	}
	return nil, nil, errors.Errorf("unsupported address %T", addr)
}

func (ma *machine) binary(fr *frame, inst value.Value, x, y value.Value, op func(a, b uint64) uint64) error {
	a, err := ma.operand(fr, x)
	if err != nil {
		return err
	}
	b, err := ma.operand(fr, y)
	if err != nil {
		return err
	}
	w, err := widthOf(inst.Type())
	if err != nil {
		return err
	}
	fr.regs[inst] = op(a, b) & maskFor(w)
	return nil
}

func (ma *machine) exec(fr *frame, inst ir.Instruction) error {
	switch x := inst.(type) {
	case *ir.InstAlloca:
		fr.slots[x] = 0
		return nil
	case *ir.InstLoad:
		get, _, err := ma.cell(fr, x.Src)
		if err != nil {
			return err
		}
		w, err := widthOf(x.ElemType)
		if err != nil {
			return err
		}
		fr.regs[x] = get() & maskFor(w)
		return nil
	case *ir.InstStore:
		v, err := ma.operand(fr, x.Src)
		if err != nil {
			return err
		}
		_, set, err := ma.cell(fr, x.Dst)
		if err != nil {
			return err
		}
		set(v)
		return nil
	case *ir.InstAdd:
		return ma.binary(fr, x, x.X, x.Y, func(a, b uint64) uint64 { return a + b })
	case *ir.InstSub:
		return ma.binary(fr, x, x.X, x.Y, func(a, b uint64) uint64 { return a - b })
	case *ir.InstMul:
		return ma.binary(fr, x, x.X, x.Y, func(a, b uint64) uint64 { return a * b })
	case *ir.InstAnd:
		return ma.binary(fr, x, x.X, x.Y, func(a, b uint64) uint64 { return a & b })
	case *ir.InstOr:
		return ma.binary(fr, x, x.X, x.Y, func(a, b uint64) uint64 { return a | b })
	case *ir.InstXor:
		return ma.binary(fr, x, x.X, x.Y, func(a, b uint64) uint64 { return a ^ b })
	case *ir.InstShl:
		return ma.binary(fr, x, x.X, x.Y, func(a, b uint64) uint64 {
			if b >= 64 {
				return 0
			}
			return a << b
		})
	case *ir.InstLShr:
		return ma.binary(fr, x, x.X, x.Y, func(a, b uint64) uint64 {
			if b >= 64 {
				return 0
			}
			return a >> b
		})
	case *ir.InstAShr:
		w, err := widthOf(x.Type())
		if err != nil {
			return err
		}
		return ma.binary(fr, x, x.X, x.Y, func(a, b uint64) uint64 {
			s := toSigned(a, w)
			if b >= w {
				b = w - 1
			}
			return uint64(s >> b)
		})
	case *ir.InstICmp:
		return ma.icmp(fr, x)
	case *ir.InstZExt:
		v, err := ma.operand(fr, x.From)
		if err != nil {
			return err
		}
		fr.regs[x] = v
		return nil
	case *ir.InstSExt:
		v, err := ma.operand(fr, x.From)
		if err != nil {
			return err
		}
		fw, err := widthOf(x.From.Type())
		if err != nil {
			return err
		}
		tw, err := widthOf(x.To)
		if err != nil {
			return err
		}
		fr.regs[x] = uint64(toSigned(v, fw)) & maskFor(tw)
		return nil
	case *ir.InstTrunc:
		v, err := ma.operand(fr, x.From)
		if err != nil {
			return err
		}
		tw, err := widthOf(x.To)
		if err != nil {
			return err
		}
		fr.regs[x] = v & maskFor(tw)
		return nil
	case *ir.InstCall:
		callee, ok := x.Callee.(*ir.Func)
		if !ok || len(callee.Blocks) == 0 {
			return errors.Errorf("unsupported call target %v", x.Callee)
		}
		args := make([]uint64, len(x.Args))
		for i, arg := range x.Args {
			v, err := ma.operand(fr, arg)
			if err != nil {
				return err
			}
			args[i] = v
		}
		ret, err := ma.call(callee, args)
		if err != nil {
			return err
		}
		if !types.Equal(callee.Sig.RetType, types.Void) {
			fr.regs[x] = ret
		}
		return nil
	}
	return errors.Errorf("unsupported instruction %T", inst)
}

func (ma *machine) icmp(fr *frame, x *ir.InstICmp) error {
	a, err := ma.operand(fr, x.X)
	if err != nil {
		return err
	}
	b, err := ma.operand(fr, x.Y)
	if err != nil {
		return err
	}
	w, err := widthOf(x.X.Type())
	if err != nil {
		return err
	}
	sa, sb := toSigned(a, w), toSigned(b, w)

	var res bool
	switch x.Pred {
	case enum.IPredEQ:
		res = a == b
	case enum.IPredNE:
		res = a != b
	case enum.IPredUGT:
		res = a > b
	case enum.IPredUGE:
		res = a >= b
	case enum.IPredULT:
		res = a < b
	case enum.IPredULE:
		res = a <= b
	case enum.IPredSGT:
		res = sa > sb
	case enum.IPredSGE:
		res = sa >= sb
	case enum.IPredSLT:
		res = sa < sb
	case enum.IPredSLE:
		res = sa <= sb
	default:
		return errors.Errorf("unsupported icmp predicate %v", x.Pred)
	}
	if res {
		fr.regs[x] = 1
	} else {
		fr.regs[x] = 0
	}
	return nil
}
