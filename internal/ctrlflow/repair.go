package ctrlflow

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"llflat.dev/llflat/internal/irhelper"
)

// repairFunc restores SSA validity after the dispatcher rewrite. Merge
// points go first: their incoming edges no longer exist once every branch
// routes through the dispatcher. Then every remaining value whose definition
// no longer dominates one of its uses is demoted to an explicit stack slot.
// Both passes collect a worklist before mutating anything, so iteration
// never observes its own rewrites.
func repairFunc(f *ir.Func) {
	demotePhis(f)
	demoteRegs(f)
}

// entryAlloca prepends a fresh stack slot to the entry block.
func entryAlloca(f *ir.Func, elem types.Type) *ir.InstAlloca {
	slot := ir.NewAlloca(elem)
	entry := f.Blocks[0]
	entry.Insts = append([]ir.Instruction{slot}, entry.Insts...)
	return slot
}

// demotePhis lowers every phi to a stack slot: a store of each incoming
// value at the end of its recorded incoming block, and a load where the phi
// stood. The incoming blocks still execute before control re-reaches the
// phi's block through the dispatcher, which is what keeps this sound.
func demotePhis(f *ir.Func) {
	type phiAt struct {
		block *ir.Block
		phi   *ir.InstPhi
	}
	var worklist []phiAt
	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			if phi, ok := inst.(*ir.InstPhi); ok {
				worklist = append(worklist, phiAt{b, phi})
			}
		}
	}
	for _, w := range worklist {
		slot := entryAlloca(f, w.phi.Typ)
		for _, inc := range w.phi.Incs {
			pred := inc.Pred.(*ir.Block)
			pred.Insts = append(pred.Insts, ir.NewStore(inc.X, slot))
		}
		load := ir.NewLoad(w.phi.Typ, slot)
		replaceInst(w.block, w.phi, load)
		irhelper.ReplaceUses(f, w.phi, load)
	}
}

func replaceInst(b *ir.Block, old, new ir.Instruction) {
	for i, inst := range b.Insts {
		if inst == old {
			b.Insts[i] = new
			return
		}
	}
}

// useSite is one operand edge that needs a reload: the using instruction or
// terminator and the block the load must land in.
type useSite struct {
	user  any
	block *ir.Block
}

// demoteRegs demotes every instruction value with a use its definition no
// longer dominates: the value is spilled to an entry slot right after its
// definition and reloaded immediately before each offending user.
func demoteRegs(f *ir.Func) {
	dom := irhelper.NewDomTree(f)

	type demotion struct {
		def   ir.Instruction
		block *ir.Block
		sites []useSite
	}

	dominates := func(defB *ir.Block, defIdx int, useB *ir.Block, useIdx int) bool {
		if defB == useB {
			return defIdx < useIdx
		}
		return dom.Dominates(defB, useB)
	}

	var worklist []demotion
	for _, b := range f.Blocks {
		for i, inst := range b.Insts {
			v, ok := inst.(value.Value)
			if !ok || types.Equal(v.Type(), types.Void) {
				continue
			}
			if _, isAlloca := inst.(*ir.InstAlloca); isAlloca {
				continue
			}
			var sites []useSite
			for _, ub := range f.Blocks {
				for j, user := range ub.Insts {
					if !irhelper.Uses(user, v) {
						continue
					}
					if phi, isPhi := user.(*ir.InstPhi); isPhi {
						for _, inc := range phi.Incs {
							if inc.X != v {
								continue
							}
							pred := inc.Pred.(*ir.Block)
							if !dominates(b, i, pred, len(pred.Insts)+1) {
								sites = append(sites, useSite{user, ub})
								break
							}
						}
						continue
					}
					if !dominates(b, i, ub, j) {
						sites = append(sites, useSite{user, ub})
					}
				}
				if ub.Term != nil && irhelper.Uses(ub.Term, v) && !dominates(b, i, ub, len(ub.Insts)+1) {
					sites = append(sites, useSite{ub.Term, ub})
				}
			}
			if len(sites) > 0 {
				worklist = append(worklist, demotion{def: inst, block: b, sites: sites})
			}
		}
	}

	for _, d := range worklist {
		v := d.def.(value.Value)
		slot := entryAlloca(f, v.Type())
		irhelper.InsertAfter(d.block, d.def, ir.NewStore(v, slot))
		for _, site := range d.sites {
			swap := func(load value.Value) func(value.Value) value.Value {
				return func(x value.Value) value.Value {
					if x == v {
						return load
					}
					return x
				}
			}
			switch u := site.user.(type) {
			case *ir.InstPhi:
				// Loads for a merge-point user land at the end of each
				// incoming block that needs the value.
				for _, inc := range u.Incs {
					if inc.X != v {
						continue
					}
					pred := inc.Pred.(*ir.Block)
					load := ir.NewLoad(v.Type(), slot)
					pred.Insts = append(pred.Insts, load)
					inc.X = load
				}
			case ir.Instruction:
				load := ir.NewLoad(v.Type(), slot)
				irhelper.InsertBefore(site.block, u, load)
				irhelper.MapOperands(u, swap(load))
			case ir.Terminator:
				load := ir.NewLoad(v.Type(), slot)
				site.block.Insts = append(site.block.Insts, load)
				irhelper.MapOperands(u, swap(load))
			}
		}
	}
}
