package irhelper

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// VerifyModule runs VerifyFunc over every function definition in m.
func VerifyModule(m *ir.Module) error {
	for _, f := range m.Funcs {
		if len(f.Blocks) == 0 {
			continue
		}
		if err := VerifyFunc(f); err != nil {
			return fmt.Errorf("function @%s: %w", f.Name(), err)
		}
	}
	return nil
}

// VerifyFunc checks the structural and SSA invariants the pass must
// preserve: every block terminated, successors within the function, the
// entry block predecessor-free, phi incomings matching predecessors, and
// every use dominated by its definition.
func VerifyFunc(f *ir.Func) error {
	blocks := make(map[*ir.Block]bool, len(f.Blocks))
	names := make(map[string]bool, len(f.Blocks))
	for i, b := range f.Blocks {
		if b.Term == nil {
			return fmt.Errorf("block %d (%q) has no terminator", i, b.LocalName)
		}
		blocks[b] = true
		if b.LocalName != "" {
			if names[b.LocalName] {
				return fmt.Errorf("duplicate block name %q", b.LocalName)
			}
			names[b.LocalName] = true
		}
	}
	for i, b := range f.Blocks {
		for _, s := range b.Term.Succs() {
			if !blocks[s] {
				return fmt.Errorf("block %d branches to a block outside the function", i)
			}
		}
	}
	preds := Preds(f)
	if len(preds[f.Blocks[0]]) > 0 {
		return fmt.Errorf("entry block has predecessors")
	}

	type pos struct {
		block *ir.Block
		index int
	}
	defs := make(map[value.Value]pos)
	params := make(map[value.Value]bool, len(f.Params))
	for _, p := range f.Params {
		params[p] = true
	}
	for _, b := range f.Blocks {
		for i, inst := range b.Insts {
			if v, ok := inst.(value.Value); ok {
				defs[v] = pos{b, i}
			}
		}
	}

	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			if phi, ok := inst.(*ir.InstPhi); ok {
				if len(phi.Incs) != len(preds[b]) {
					return fmt.Errorf("phi in %q has %d incomings for %d predecessors", b.LocalName, len(phi.Incs), len(preds[b]))
				}
				seen := make(map[*ir.Block]bool, len(phi.Incs))
				for _, inc := range phi.Incs {
					pred, ok := inc.Pred.(*ir.Block)
					if !ok || seen[pred] {
						return fmt.Errorf("phi in %q has a bad incoming predecessor", b.LocalName)
					}
					seen[pred] = true
					found := false
					for _, p := range preds[b] {
						if p == pred {
							found = true
							break
						}
					}
					if !found {
						return fmt.Errorf("phi in %q names %q, which is not a predecessor", b.LocalName, pred.LocalName)
					}
				}
			}
		}
	}

	dom := NewDomTree(f)
	checkOperand := func(useBlock *ir.Block, useIndex int, v value.Value) error {
		switch x := v.(type) {
		case *ir.Block:
			if !blocks[x] {
				return fmt.Errorf("operand block %q is outside the function", x.LocalName)
			}
			return nil
		case *ir.Func, *ir.Global:
			return nil
		case *ir.Param:
			if !params[x] {
				return fmt.Errorf("parameter %q belongs to another function", x.LocalName)
			}
			return nil
		}
		if _, ok := v.(constant.Constant); ok {
			return nil
		}
		def, ok := defs[v]
		if !ok {
			return fmt.Errorf("use of a value not defined in the function: %v", v)
		}
		if def.block == useBlock {
			if def.index >= useIndex {
				return fmt.Errorf("use in %q precedes its definition", useBlock.LocalName)
			}
			return nil
		}
		if !dom.Dominates(def.block, useBlock) {
			return fmt.Errorf("definition in %q does not dominate use in %q", def.block.LocalName, useBlock.LocalName)
		}
		return nil
	}

	for _, b := range f.Blocks {
		// Code unreachable from the entry block is exempt from dominance
		// checking, as in LLVM's own verifier; no execution can observe it.
		if !dom.Reachable(b) {
			continue
		}
		for i, inst := range b.Insts {
			var err error
			if phi, ok := inst.(*ir.InstPhi); ok {
				// A phi's use of an incoming value happens at the end of the
				// incoming block, not at the phi itself.
				for _, inc := range phi.Incs {
					pred := inc.Pred.(*ir.Block)
					if !dom.Reachable(pred) {
						continue
					}
					if e := checkOperand(pred, len(pred.Insts)+1, inc.X); e != nil {
						return e
					}
				}
				continue
			}
			MapOperands(inst, func(v value.Value) value.Value {
				if err == nil {
					err = checkOperand(b, i, v)
				}
				return v
			})
			if err != nil {
				return err
			}
		}
		var err error
		MapOperands(b.Term, func(v value.Value) value.Value {
			if err == nil {
				err = checkOperand(b, len(b.Insts)+1, v)
			}
			return v
		})
		if err != nil {
			return err
		}
	}

	if !types.Equal(f.Sig.RetType, types.Void) {
		for i, b := range f.Blocks {
			if ret, ok := b.Term.(*ir.TermRet); ok && ret.X == nil {
				return fmt.Errorf("block %d returns void from a non-void function", i)
			}
		}
	}
	return nil
}
