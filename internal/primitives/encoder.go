// Package primitives encodes primitive values and arrays of primitives into
// strings that survive a trip across the process boundary, and decodes them
// back given the remote type name.
package primitives

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cast"

	"github.com/zboralski/remotenet/internal/dumps"
)

var (
	// ErrNotPrimitive is returned when asked to encode something that is not
	// a primitive or an array of primitives.
	ErrNotPrimitive = errors.New("not a primitive")
	// ErrUnknownType is returned when decoding into an unsupported type name.
	ErrUnknownType = errors.New("unknown primitive type")
	// ErrOutOfRange is returned when an int does not fit the integral type
	// it is being narrowed to.
	ErrOutOfRange = errors.New("value out of range")
)

// Char is a single UTF-16-ish character, distinct from rune (int32).
type Char rune

// Remote type names of the supported primitives.
const (
	TypeString  = "System.String"
	TypeBoolean = "System.Boolean"
	TypeChar    = "System.Char"
	TypeSByte   = "System.SByte"
	TypeByte    = "System.Byte"
	TypeInt16   = "System.Int16"
	TypeUInt16  = "System.UInt16"
	TypeInt32   = "System.Int32"
	TypeUInt32  = "System.UInt32"
	TypeInt64   = "System.Int64"
	TypeUInt64  = "System.UInt64"
	TypeSingle  = "System.Single"
	TypeDouble  = "System.Double"
	TypeIntPtr  = "System.IntPtr"
	TypeUIntPtr = "System.UIntPtr"
)

var goTypes = map[string]reflect.Type{
	TypeString:  reflect.TypeOf(""),
	TypeBoolean: reflect.TypeOf(false),
	TypeChar:    reflect.TypeOf(Char(0)),
	TypeSByte:   reflect.TypeOf(int8(0)),
	TypeByte:    reflect.TypeOf(uint8(0)),
	TypeInt16:   reflect.TypeOf(int16(0)),
	TypeUInt16:  reflect.TypeOf(uint16(0)),
	TypeInt32:   reflect.TypeOf(int32(0)),
	TypeUInt32:  reflect.TypeOf(uint32(0)),
	TypeInt64:   reflect.TypeOf(int64(0)),
	TypeUInt64:  reflect.TypeOf(uint64(0)),
	TypeSingle:  reflect.TypeOf(float32(0)),
	TypeDouble:  reflect.TypeOf(float64(0)),
	TypeIntPtr:  reflect.TypeOf(int(0)),
	TypeUIntPtr: reflect.TypeOf(uintptr(0)),
}

var remoteNames = func() map[reflect.Type]string {
	m := make(map[reflect.Type]string, len(goTypes)+1)
	for name, t := range goTypes {
		m[t] = name
	}
	m[reflect.TypeOf(uint(0))] = TypeUInt64
	return m
}()

// IsPrimitiveTypeName reports whether name is a supported scalar type name.
func IsPrimitiveTypeName(name string) bool {
	_, ok := goTypes[name]
	return ok
}

var integral = map[string]bool{
	TypeSByte: true, TypeByte: true,
	TypeInt16: true, TypeUInt16: true,
	TypeInt32: true, TypeUInt32: true,
	TypeInt64: true, TypeUInt64: true,
	TypeIntPtr: true, TypeUIntPtr: true,
}

// IsIntegralTypeName reports whether name is a signed or unsigned integer
// type. System.Char is not one.
func IsIntegralTypeName(name string) bool { return integral[name] }

// FitInt returns n as the Go type of the integral typeName.
func FitInt(n int, typeName string) (any, error) {
	if !integral[typeName] {
		return nil, fmt.Errorf("fit %d as %s: %w", n, typeName, ErrUnknownType)
	}
	v := reflect.New(goTypes[typeName]).Elem()
	if v.CanInt() {
		if v.OverflowInt(int64(n)) {
			return nil, fmt.Errorf("fit %d as %s: %w", n, typeName, ErrOutOfRange)
		}
		v.SetInt(int64(n))
		return v.Interface(), nil
	}
	if n < 0 || v.OverflowUint(uint64(n)) {
		return nil, fmt.Errorf("fit %d as %s: %w", n, typeName, ErrOutOfRange)
	}
	v.SetUint(uint64(n))
	return v.Interface(), nil
}

// IsPrimitiveArrayTypeName reports whether name is an array of a supported scalar.
func IsPrimitiveArrayTypeName(name string) bool {
	elem, ok := strings.CutSuffix(name, "[]")
	return ok && IsPrimitiveTypeName(elem)
}

// TypeNameOf returns the remote type name for v, which may be a scalar or a
// slice/array of scalars.
func TypeNameOf(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	t := reflect.TypeOf(v)
	if name, ok := remoteNames[t]; ok {
		return name, true
	}
	if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		if name, ok := remoteNames[t.Elem()]; ok {
			return name + "[]", true
		}
	}
	return "", false
}

// Encode encodes a primitive or an array of primitives.
func Encode(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if s, ok := encodeScalar(v); ok {
		return s, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return "", fmt.Errorf("encode %T: %w", v, ErrNotPrimitive)
	}
	if _, ok := remoteNames[rv.Type().Elem()]; !ok {
		return "", fmt.Errorf("encode %T: element %s: %w", v, rv.Type().Elem(), ErrNotPrimitive)
	}

	var b strings.Builder
	for i := 0; i < rv.Len(); i++ {
		elem, _ := encodeScalar(rv.Index(i).Interface())
		elem = strings.ReplaceAll(elem, ",", `\,`)
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(elem)
		b.WriteByte('"')
	}
	return b.String(), nil
}

// TryEncode is Encode without the error detail.
func TryEncode(v any) (string, bool) {
	s, err := Encode(v)
	return s, err == nil
}

func encodeScalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		if x {
			return "True", true
		}
		return "False", true
	case Char:
		return string(rune(x)), true
	case int8:
		return strconv.FormatInt(int64(x), 10), true
	case int16:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int:
		return strconv.FormatInt(int64(x), 10), true
	case uint8:
		return strconv.FormatUint(uint64(x), 10), true
	case uint16:
		return strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uintptr:
		return strconv.FormatUint(uint64(x), 10), true
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	}
	return "", false
}

// Decode parses s as a value of the remote type typeName. Array type names
// carry a "[]" suffix.
func Decode(s, typeName string) (any, error) {
	if elemName, ok := strings.CutSuffix(typeName, "[]"); ok {
		return decodeArray(s, elemName)
	}
	return decodeScalar(s, typeName)
}

func decodeScalar(s, typeName string) (any, error) {
	var (
		v   any
		err error
	)
	switch typeName {
	case TypeString:
		return s, nil
	case TypeBoolean:
		v, err = cast.ToBoolE(s)
	case TypeChar:
		r, size := utf8.DecodeRuneInString(s)
		if size == 0 || size != len(s) {
			return nil, fmt.Errorf("decode %q as %s: want exactly one character", s, typeName)
		}
		return Char(r), nil
	case TypeSByte:
		v, err = cast.ToInt8E(s)
	case TypeByte:
		v, err = cast.ToUint8E(s)
	case TypeInt16:
		v, err = cast.ToInt16E(s)
	case TypeUInt16:
		v, err = cast.ToUint16E(s)
	case TypeInt32:
		v, err = cast.ToInt32E(s)
	case TypeUInt32:
		v, err = cast.ToUint32E(s)
	case TypeInt64:
		v, err = cast.ToInt64E(s)
	case TypeIntPtr:
		v, err = cast.ToIntE(s)
	case TypeUInt64:
		v, err = strconv.ParseUint(s, 10, 64)
	case TypeUIntPtr:
		var u uint64
		u, err = strconv.ParseUint(s, 10, 64)
		v = uintptr(u)
	case TypeSingle:
		v, err = cast.ToFloat32E(s)
	case TypeDouble:
		v, err = cast.ToFloat64E(s)
	default:
		return nil, fmt.Errorf("decode %s: %w", typeName, ErrUnknownType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %q as %s: %w", s, typeName, err)
	}
	return v, nil
}

// decodeArray splits on commas that are not preceded by a backslash, trims
// the surrounding quotes of every element and unescapes "\,". Backslashes
// themselves are never escaped.
func decodeArray(s, elemName string) (any, error) {
	elemType, ok := goTypes[elemName]
	if !ok {
		return nil, fmt.Errorf("decode %s[]: %w", elemName, ErrUnknownType)
	}
	out := reflect.MakeSlice(reflect.SliceOf(elemType), 0, 0)
	if s == "" {
		return out.Interface(), nil
	}

	// The first element behaves as if a separator sat right before it.
	commas := []int{0}
	for i := 1; i < len(s); i++ {
		if s[i] == ',' && s[i-1] != '\\' {
			commas = append(commas, i)
		}
	}

	for i, start := range commas {
		end := len(s)
		if i != len(commas)-1 {
			end = commas[i+1]
		}
		var raw string
		if start+1 <= end {
			raw = s[start+1 : end]
		}
		raw = strings.Trim(raw, `"`)
		raw = strings.ReplaceAll(raw, `\,`, ",")

		v, err := decodeScalar(raw, elemName)
		if err != nil {
			return nil, fmt.Errorf("decode element %d: %w", i, err)
		}
		out = reflect.Append(out, reflect.ValueOf(v))
	}
	return out.Interface(), nil
}

// ToRemote encodes v into the wire form used for arguments and results.
func ToRemote(v any) (dumps.ObjectOrRemoteAddress, error) {
	if v == nil {
		return dumps.Null(), nil
	}
	name, ok := TypeNameOf(v)
	if !ok {
		return dumps.ObjectOrRemoteAddress{}, fmt.Errorf("encode %T: %w", v, ErrNotPrimitive)
	}
	enc, err := Encode(v)
	if err != nil {
		return dumps.ObjectOrRemoteAddress{}, err
	}
	return dumps.FromEncoded(enc, name), nil
}

// FromRemote decodes an encoded wire value. Remote addresses cannot be
// decoded locally.
func FromRemote(o dumps.ObjectOrRemoteAddress) (any, error) {
	if o.IsRemoteAddress {
		return nil, fmt.Errorf("decode remote address 0x%x: %w", o.RemoteAddress, ErrNotPrimitive)
	}
	return Decode(o.EncodedObject, o.Type)
}
