package rtti

import "strings"

// maxVftableSlots bounds a vftable walk over memory that never stops
// matching.
const maxVftableSlots = 4096

// AnalyzeVftable walks the pointer slots at vftable and names each one from
// exports. The walk stops at the first slot that is unreadable or does not
// point at a known export.
func AnalyzeVftable(r MemoryReader, is32 bool, exports []UndecoratedFunction, vftable uint64) []UndecoratedFunction {
	byAddr := make(map[uint64]UndecoratedFunction, len(exports))
	for _, e := range exports {
		if _, ok := byAddr[e.Address]; !ok {
			byAddr[e.Address] = e
		}
	}
	var out []UndecoratedFunction
	inc := ptrSize(is32)
	for i := 0; i < maxVftableSlots; i++ {
		ptr, err := readPtr(r, vftable+uint64(i)*inc, is32)
		if err != nil {
			break
		}
		fn, ok := byAddr[ptr]
		if !ok {
			break
		}
		out = append(out, fn)
	}
	return out
}

// TypeFunctions returns the functions of typeName: its exported members
// followed by the virtual functions reached through its vftable that are
// not exported too.
func TypeFunctions(r MemoryReader, is32 bool, exports []UndecoratedFunction, typeName string) []UndecoratedFunction {
	prefix := typeName + "::"
	var (
		members []UndecoratedFunction
		vftable *UndecoratedFunction
	)
	for i, e := range exports {
		if !strings.HasPrefix(e.UndecoratedName, prefix) {
			continue
		}
		if IsVftableSymbol(e.DecoratedName) || IsVftableSymbol(e.UndecoratedName) {
			if vftable == nil {
				vftable = &exports[i]
			}
			continue
		}
		members = append(members, e)
	}
	if vftable == nil {
		return members
	}

	seen := make(map[FuncKey]bool, len(members))
	for _, m := range members {
		seen[m.Key()] = true
	}
	for _, v := range AnalyzeVftable(r, is32, exports, vftable.Address) {
		if seen[v.Key()] {
			continue
		}
		seen[v.Key()] = true
		members = append(members, v)
	}
	return members
}
