package irhelper

import "github.com/llir/llvm/ir"

// DomTree holds immediate dominators for one function, computed with the
// Cooper/Harvey/Kennedy iterative algorithm over reverse postorder.
type DomTree struct {
	order map[*ir.Block]int // reverse postorder index, reachable blocks only
	idom  map[*ir.Block]*ir.Block
}

// NewDomTree computes the dominator tree of f. Blocks unreachable from the
// entry get no entry in the tree; Dominates is false for them.
func NewDomTree(f *ir.Func) *DomTree {
	entry := f.Blocks[0]

	seen := make(map[*ir.Block]bool, len(f.Blocks))
	var post []*ir.Block
	var dfs func(b *ir.Block)
	dfs = func(b *ir.Block) {
		seen[b] = true
		if b.Term != nil {
			for _, s := range b.Term.Succs() {
				if !seen[s] {
					dfs(s)
				}
			}
		}
		post = append(post, b)
	}
	dfs(entry)

	rpo := make([]*ir.Block, len(post))
	order := make(map[*ir.Block]int, len(post))
	for i, b := range post {
		j := len(post) - 1 - i
		rpo[j] = b
		order[b] = j
	}

	t := &DomTree{
		order: order,
		idom:  map[*ir.Block]*ir.Block{entry: entry},
	}
	preds := Preds(f)
	for changed := true; changed; {
		changed = false
		for _, b := range rpo[1:] {
			var next *ir.Block
			for _, p := range preds[b] {
				if t.idom[p] == nil {
					continue
				}
				if next == nil {
					next = p
				} else {
					next = t.intersect(next, p)
				}
			}
			if next != nil && t.idom[b] != next {
				t.idom[b] = next
				changed = true
			}
		}
	}
	return t
}

func (t *DomTree) intersect(a, b *ir.Block) *ir.Block {
	for a != b {
		for t.order[a] > t.order[b] {
			a = t.idom[a]
		}
		for t.order[b] > t.order[a] {
			b = t.idom[b]
		}
	}
	return a
}

// Reachable reports whether b is reachable from the entry block.
func (t *DomTree) Reachable(b *ir.Block) bool {
	_, ok := t.order[b]
	return ok
}

// Dominates reports whether a dominates b. A block dominates itself.
func (t *DomTree) Dominates(a, b *ir.Block) bool {
	if a == b {
		return true
	}
	oa, ok := t.order[a]
	if !ok {
		return false
	}
	ob, ok := t.order[b]
	if !ok {
		return false
	}
	for ob > oa {
		b = t.idom[b]
		ob = t.order[b]
	}
	return a == b
}
