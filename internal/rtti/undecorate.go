package rtti

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// VftableSuffix marks an undecorated MSVC vftable symbol.
const VftableSuffix = "`vftable'"

// UndecoratedFunction is an exported or virtual function with its readable
// name. Two values are the same function when address and module match.
type UndecoratedFunction struct {
	Address         uint64
	Module          string
	DecoratedName   string
	UndecoratedName string
	// ParamCount is -1 when the decoration does not say.
	ParamCount int
}

// FuncKey identifies an UndecoratedFunction.
type FuncKey struct {
	Address uint64
	Module  string
}

// Key returns the identity used for de-duplication.
func (f UndecoratedFunction) Key() FuncKey { return FuncKey{Address: f.Address, Module: f.Module} }

// Equal reports whether both describe the same function.
func (f UndecoratedFunction) Equal(o UndecoratedFunction) bool { return f.Key() == o.Key() }

func (f UndecoratedFunction) String() string {
	return f.Module + "!" + f.UndecoratedName
}

// Undecorate returns the readable form of an MSVC, Itanium or RTTI type
// descriptor name. Names it does not recognise are returned unchanged with
// false.
func Undecorate(name string) (string, bool) {
	switch {
	case strings.HasPrefix(name, ".?A"):
		return undecorateTypeDescriptor(name)
	case strings.HasPrefix(name, "_Z"):
		out, err := demangle.ToString(name, demangle.NoParams)
		if err != nil {
			return name, false
		}
		return out, true
	case strings.HasPrefix(name, "?"):
		return undecorateMSVC(name)
	}
	return name, false
}

// undecorateTypeDescriptor turns ".?AVFoo@Bar@@" into "Bar::Foo". Template
// instantiations keep their decorated form.
func undecorateTypeDescriptor(raw string) (string, bool) {
	if len(raw) < 5 || (raw[3] != 'V' && raw[3] != 'U') {
		return "", false
	}
	body := raw[4:]
	if strings.Contains(body, "?$") {
		return body, isPrintable(body)
	}
	name, ok := scopedName(body)
	if !ok || !isPrintable(name) {
		return "", false
	}
	return name, true
}

// scopedName reverses an "a@b@c@@" scope list into "c::b::a".
func scopedName(s string) (string, bool) {
	end := strings.Index(s, "@@")
	if end <= 0 {
		return "", false
	}
	parts := strings.Split(s[:end], "@")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	for _, p := range parts {
		if p == "" {
			return "", false
		}
	}
	return strings.Join(parts, "::"), true
}

// undecorateMSVC handles the symbol shapes the scanner cares about:
// vftables, constructors, destructors and plain member or free functions.
// Argument lists are not decoded.
func undecorateMSVC(name string) (string, bool) {
	switch {
	case strings.HasPrefix(name, "??_7"):
		scope, ok := scopedName(name[4:])
		if !ok {
			return name, false
		}
		return scope + "::" + VftableSuffix, true
	case strings.HasPrefix(name, "??0"), strings.HasPrefix(name, "??1"):
		scope, ok := scopedName(name[3:])
		if !ok {
			return name, false
		}
		parts := strings.Split(scope, "::")
		class := parts[len(parts)-1]
		if name[2] == '1' {
			class = "~" + class
		}
		return scope + "::" + class, true
	case strings.HasPrefix(name, "??"):
		return name, false
	}
	scope, ok := scopedName(name[1:])
	if !ok {
		return name, false
	}
	return scope, true
}

// paramCount derives a parameter count from a decorated name. Itanium
// names are counted from their demangled argument list; MSVC names only
// report the no-argument case.
func paramCount(decorated string) int {
	switch {
	case strings.HasPrefix(decorated, "_Z"):
		full, err := demangle.ToString(decorated)
		if err != nil {
			return -1
		}
		return countArgs(full)
	case strings.HasPrefix(decorated, "?"):
		if strings.HasSuffix(decorated, "XZ") {
			return 0
		}
	}
	return -1
}

// countArgs counts the top-level arguments of the last parenthesised list.
func countArgs(sig string) int {
	end := strings.LastIndexByte(sig, ')')
	if end < 0 {
		return -1
	}
	depth := 0
	start := -1
	for i := end; i >= 0; i-- {
		switch sig[i] {
		case ')':
			depth++
		case '(':
			depth--
			if depth == 0 {
				start = i
			}
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return -1
	}
	args := strings.TrimSpace(sig[start+1 : end])
	if args == "" || args == "void" {
		return 0
	}
	n, nest := 1, 0
	for _, c := range args {
		switch c {
		case '<', '(':
			nest++
		case '>', ')':
			nest--
		case ',':
			if nest == 0 {
				n++
			}
		}
	}
	return n
}

// IsVftableSymbol reports whether name is a vftable symbol in any of the
// forms the scanner sees.
func IsVftableSymbol(name string) bool {
	switch {
	case strings.HasPrefix(name, "??_7") && strings.Contains(name, "6B@"):
		return true
	case strings.HasSuffix(name, VftableSuffix):
		return true
	case strings.HasPrefix(name, "_ZTV"):
		return true
	}
	return false
}

// Undecorated builds an UndecoratedFunction from an export.
func Undecorated(module string, e Export) UndecoratedFunction {
	name, _ := Undecorate(e.Name)
	return UndecoratedFunction{
		Address:         e.Address,
		Module:          module,
		DecoratedName:   e.Name,
		UndecoratedName: name,
		ParamCount:      paramCount(e.Name),
	}
}

func isPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < ' ' || s[i] > '~' {
			return false
		}
	}
	return s != ""
}
