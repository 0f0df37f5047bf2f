package ctrlflow

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"
	"golang.org/x/exp/slices"

	"llflat.dev/llflat/internal/irhelper"
)

// hasExceptionEdges reports whether f contains exception-handling control
// flow. Flattening such edges would break unwind semantics, so the function
// is left untransformed.
func hasExceptionEdges(f *ir.Func) bool {
	for _, b := range f.Blocks {
		switch b.Term.(type) {
		case *ir.TermInvoke, *ir.TermResume, *ir.TermCallBr,
			*ir.TermCatchSwitch, *ir.TermCatchRet, *ir.TermCleanupRet:
			return true
		}
		for _, inst := range b.Insts {
			switch inst.(type) {
			case *ir.InstLandingPad, *ir.InstCatchPad, *ir.InstCleanupPad:
				return true
			}
		}
	}
	return false
}

// flattenFunc rewrites one function into dispatcher form:
//
//  1. a state slot is allocated in the entry block,
//  2. every non-entry block gets a unique random state,
//  3. a dispatcher block enters a chain of condition checks, one per state,
//     each applying its drawn combination of secondary obfuscations,
//  4. every br terminator is replaced by a state store plus a jump to the
//     dispatcher (conditional brs go through two trampoline blocks),
//  5. values and merge points broken by the new graph are demoted to stack
//     slots.
//
// Returns whether the function was transformed.
func (p *pass) flattenFunc(f *ir.Func) (bool, error) {
	if len(f.Blocks) < 2 || hasExceptionEdges(f) {
		return false, nil
	}

	entry := f.Blocks[0]
	stateSlot := ir.NewAlloca(p.intTy)
	stateSlot.SetName(p.name("state"))
	init := ir.NewStore(irhelper.IntConst(p.intTy, 0), stateSlot)
	init.Volatile = true
	entry.Insts = append([]ir.Instruction{stateSlot, init}, entry.Insts...)

	// The entry block keeps no state: it always runs first and its rewritten
	// terminator performs the first real state store.
	original := slices.Clone(f.Blocks[1:])
	stateOf := make(map[*ir.Block]uint64, len(original))
	states := make([]uint64, 0, len(original))
	taken := make(map[uint64]bool, len(original))
	for _, bb := range original {
		var s uint64
		for {
			s = p.rand.Uint64n(stateMin, p.maxState())
			if !taken[s] {
				break
			}
		}
		taken[s] = true
		stateOf[bb] = s
		states = append(states, s)
	}

	checks := make([]*ir.Block, len(original))
	for i := range original {
		checks[i] = f.NewBlock(p.name("cff.cond"))
	}
	dispatch := f.NewBlock(p.name("cff.dispatch"))
	dispatch.NewBr(checks[0])

	for i, bb := range original {
		cb := checks[i]
		load := cb.NewLoad(p.intTy, stateSlot)
		load.Volatile = true
		plan := p.opts.drawPlan(p.rand)

		var cmp value.Value
		if plan.resolver {
			resolver, err := p.emitResolver(stateOf[bb], states, plan)
			if err != nil {
				return false, err
			}
			cmp = cb.NewCall(resolver, load)
		} else {
			c, err := p.emitStateCheck(cb, load, stateOf[bb], states, plan)
			if err != nil {
				return false, err
			}
			cmp = c
		}

		if i < len(original)-1 {
			cb.NewCondBr(cmp, bb, checks[i+1])
		} else {
			// A corrupt state must not fall off the end of the chain; the
			// default block spins on the dispatcher instead of exiting.
			deflt := f.NewBlock(p.name("cff.default"))
			deflt.NewBr(dispatch)
			cb.NewCondBr(cmp, bb, deflt)
		}
	}

	for _, bb := range append(slices.Clone(original), entry) {
		switch term := bb.Term.(type) {
		case *ir.TermBr:
			target := term.Target.(*ir.Block)
			p.storeState(bb, stateSlot, stateOf[target])
			bb.Term = ir.NewBr(dispatch)
		case *ir.TermCondBr:
			tblock := term.TargetTrue.(*ir.Block)
			fblock := term.TargetFalse.(*ir.Block)
			ttramp := p.jumpBlock(f, "cff.true", stateSlot, stateOf[tblock], dispatch)
			ftramp := p.jumpBlock(f, "cff.false", stateSlot, stateOf[fblock], dispatch)
			bb.Term = ir.NewCondBr(term.Cond, ttramp, ftramp)
		}
		// ret terminators are legitimate exits and stay put; switch and
		// unreachable edges are likewise left in place.
	}

	repairFunc(f)
	return true, nil
}

// storeState appends a volatile store of state to the dispatcher slot.
func (p *pass) storeState(bb *ir.Block, slot *ir.InstAlloca, state uint64) {
	st := ir.NewStore(irhelper.IntConst(p.intTy, state), slot)
	st.Volatile = true
	bb.Insts = append(bb.Insts, st)
}

// jumpBlock builds a trampoline that records the successor's state and
// re-enters the dispatcher.
func (p *pass) jumpBlock(f *ir.Func, base string, slot *ir.InstAlloca, state uint64, dispatch *ir.Block) *ir.Block {
	b := f.NewBlock(p.name(base))
	p.storeState(b, slot, state)
	b.NewBr(dispatch)
	return b
}
