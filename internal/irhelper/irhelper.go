// Package irhelper provides small helpers for rewriting llir/llvm IR:
// operand walking and replacement, predecessor maps, and constant
// construction. llir has no use lists, so operand edges are visited
// generically via reflection over value.Value fields.
package irhelper

import (
	"math/big"
	"reflect"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

var (
	valueType    = reflect.TypeOf((*value.Value)(nil)).Elem()
	blockPtrType = reflect.TypeOf((*ir.Block)(nil))
)

// IntConst returns an integer constant of the given type holding v,
// interpreted as an unsigned bit pattern.
func IntConst(typ *types.IntType, v uint64) *constant.Int {
	return &constant.Int{Typ: typ, X: new(big.Int).SetUint64(v)}
}

// MapOperands rewrites every value operand of the given instruction or
// terminator in place using visit. Operands inside phi incomings and switch
// cases are visited too. Block references appear as operands (branch
// targets, incoming predecessors); visit receives them like any other value.
func MapOperands(n any, visit func(value.Value) value.Value) {
	rv := reflect.ValueOf(n)
	if !rv.IsValid() || rv.Kind() != reflect.Ptr || rv.IsNil() {
		return
	}
	mapStruct(rv.Elem(), visit)
}

func mapStruct(sv reflect.Value, visit func(value.Value) value.Value) {
	if sv.Kind() != reflect.Struct {
		return
	}
	for i := 0; i < sv.NumField(); i++ {
		f := sv.Field(i)
		if !f.CanSet() {
			continue
		}
		switch f.Kind() {
		case reflect.Interface:
			if f.Type() != valueType || f.IsNil() {
				continue
			}
			v := f.Interface().(value.Value)
			if nv := visit(v); nv != v {
				f.Set(reflect.ValueOf(nv))
			}
		case reflect.Slice:
			elem := f.Type().Elem()
			switch {
			case elem == valueType:
				for j := 0; j < f.Len(); j++ {
					e := f.Index(j)
					if e.IsNil() {
						continue
					}
					v := e.Interface().(value.Value)
					if nv := visit(v); nv != v {
						e.Set(reflect.ValueOf(nv))
					}
				}
			case elem == blockPtrType:
				// Successor lists; blocks are not operands here.
			case elem.Kind() == reflect.Ptr && elem.Elem().Kind() == reflect.Struct:
				// Operand-owning children such as []*ir.Incoming and []*ir.Case.
				for j := 0; j < f.Len(); j++ {
					e := f.Index(j)
					if !e.IsNil() {
						mapStruct(e.Elem(), visit)
					}
				}
			}
		}
	}
}

// Uses reports whether the instruction or terminator n has v as an operand.
func Uses(n any, v value.Value) bool {
	found := false
	MapOperands(n, func(x value.Value) value.Value {
		if x == v {
			found = true
		}
		return x
	})
	return found
}

// ReplaceUses rewrites every operand edge in f that refers to old so that it
// refers to new instead.
func ReplaceUses(f *ir.Func, old, new value.Value) {
	swap := func(x value.Value) value.Value {
		if x == old {
			return new
		}
		return x
	}
	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			MapOperands(inst, swap)
		}
		MapOperands(b.Term, swap)
	}
}

// Preds returns the predecessor map of f, derived from terminator successor
// lists.
func Preds(f *ir.Func) map[*ir.Block][]*ir.Block {
	preds := make(map[*ir.Block][]*ir.Block, len(f.Blocks))
	for _, b := range f.Blocks {
		if b.Term == nil {
			continue
		}
		for _, s := range b.Term.Succs() {
			preds[s] = append(preds[s], b)
		}
	}
	return preds
}

// InsertBefore inserts inst immediately before mark in b. If mark is not
// found, inst is appended (i.e. placed just before the terminator).
func InsertBefore(b *ir.Block, mark, inst ir.Instruction) {
	for i, cur := range b.Insts {
		if cur == mark {
			b.Insts = append(b.Insts, nil)
			copy(b.Insts[i+1:], b.Insts[i:])
			b.Insts[i] = inst
			return
		}
	}
	b.Insts = append(b.Insts, inst)
}

// InsertAfter inserts inst immediately after mark in b. If mark is not
// found, inst is appended.
func InsertAfter(b *ir.Block, mark, inst ir.Instruction) {
	for i, cur := range b.Insts {
		if cur == mark {
			b.Insts = append(b.Insts, nil)
			copy(b.Insts[i+2:], b.Insts[i+1:])
			b.Insts[i+1] = inst
			return
		}
	}
	b.Insts = append(b.Insts, inst)
}
