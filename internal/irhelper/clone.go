package irhelper

import (
	"reflect"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/value"
)

// CloneFunc adds a copy of f to m under the given name and returns it. The
// copy shares nothing mutable with the original: blocks and instructions are
// duplicated and their operands remapped into the clone. Constants, globals
// and callees keep referring to the originals.
func CloneFunc(m *ir.Module, f *ir.Func, name string) *ir.Func {
	params := make([]*ir.Param, len(f.Params))
	for i, p := range f.Params {
		params[i] = ir.NewParam(p.LocalName, p.Typ)
	}
	clone := m.NewFunc(name, f.Sig.RetType, params...)
	clone.Linkage = f.Linkage
	clone.FuncAttrs = append(clone.FuncAttrs, f.FuncAttrs...)

	vmap := make(map[value.Value]value.Value, len(f.Params)+len(f.Blocks))
	for i, p := range f.Params {
		vmap[p] = params[i]
	}
	for _, b := range f.Blocks {
		nb := clone.NewBlock(b.LocalName)
		vmap[b] = nb
	}
	blockOf := func(v value.Value) *ir.Block {
		return vmap[v].(*ir.Block)
	}
	for bi, b := range f.Blocks {
		nb := clone.Blocks[bi]
		for _, inst := range b.Insts {
			ni := copyNode(inst).(ir.Instruction)
			if v, ok := inst.(value.Value); ok {
				vmap[v] = ni.(value.Value)
			}
			nb.Insts = append(nb.Insts, ni)
		}
		nb.Term = cloneTerm(b.Term, blockOf)
	}

	remap := func(v value.Value) value.Value {
		if nv, ok := vmap[v]; ok {
			return nv
		}
		return v
	}
	for _, nb := range clone.Blocks {
		for _, inst := range nb.Insts {
			MapOperands(inst, remap)
		}
		MapOperands(nb.Term, remap)
	}
	return clone
}

// cloneTerm rebuilds a terminator with its branch targets already remapped
// into the clone. Rebuilding (rather than copying) keeps any successor
// bookkeeping inside the terminator consistent with the new blocks.
func cloneTerm(t ir.Terminator, blockOf func(value.Value) *ir.Block) ir.Terminator {
	switch t := t.(type) {
	case *ir.TermRet:
		return ir.NewRet(t.X)
	case *ir.TermBr:
		return ir.NewBr(blockOf(t.Target))
	case *ir.TermCondBr:
		return ir.NewCondBr(t.Cond, blockOf(t.TargetTrue), blockOf(t.TargetFalse))
	case *ir.TermSwitch:
		cases := make([]*ir.Case, len(t.Cases))
		for i, c := range t.Cases {
			cases[i] = ir.NewCase(c.X.(constant.Constant), blockOf(c.Target))
		}
		return ir.NewSwitch(t.X, blockOf(t.TargetDefault), cases...)
	case *ir.TermUnreachable:
		return ir.NewUnreachable()
	}
	return copyNode(t).(ir.Terminator)
}

// copyNode makes a shallow copy of an instruction or terminator, duplicating
// slice fields (and their operand-owning pointer elements, such as phi
// incomings) so that remapping the copy cannot write into the original.
func copyNode(n any) any {
	rv := reflect.ValueOf(n).Elem()
	c := reflect.New(rv.Type())
	c.Elem().Set(rv)
	cv := c.Elem()
	for i := 0; i < cv.NumField(); i++ {
		fld := cv.Field(i)
		if fld.Kind() != reflect.Slice || !fld.CanSet() || fld.IsNil() {
			continue
		}
		dup := reflect.MakeSlice(fld.Type(), fld.Len(), fld.Len())
		reflect.Copy(dup, fld)
		fld.Set(dup)
		elem := fld.Type().Elem()
		if elem == blockPtrType || elem.Kind() != reflect.Ptr || elem.Elem().Kind() != reflect.Struct {
			continue
		}
		for j := 0; j < dup.Len(); j++ {
			e := dup.Index(j)
			if e.IsNil() {
				continue
			}
			ne := reflect.New(e.Type().Elem())
			ne.Elem().Set(e.Elem())
			e.Set(ne)
		}
	}
	return c.Interface()
}
