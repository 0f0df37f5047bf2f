package ctrlflow

import "github.com/llir/llvm/ir"

// shuffleBlocks randomly reorders every block but the entry, which the IR
// requires to stay first. Purely cosmetic: edges are untouched.
func shuffleBlocks(f *ir.Func, r *Rand) {
	if len(f.Blocks) < 3 {
		return
	}
	rest := f.Blocks[1:]
	r.Shuffle(len(rest), func(i, j int) {
		rest[i], rest[j] = rest[j], rest[i]
	})
}

// hoistAllocas moves stack allocations from non-entry blocks back to the
// front of the entry block; code generation assumes frame-sized allocations
// live there.
func hoistAllocas(f *ir.Func) {
	var moved []ir.Instruction
	for _, b := range f.Blocks[1:] {
		kept := b.Insts[:0]
		for _, inst := range b.Insts {
			if _, ok := inst.(*ir.InstAlloca); ok {
				moved = append(moved, inst)
			} else {
				kept = append(kept, inst)
			}
		}
		b.Insts = kept
	}
	if len(moved) > 0 {
		entry := f.Blocks[0]
		entry.Insts = append(moved, entry.Insts...)
	}
}
