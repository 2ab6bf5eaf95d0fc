// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

package wire

import (
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Kind enumerates the wire types the driver understands. The set is closed:
// a type name outside of it resolves to an UnsupportedTypeError rather than
// falling back to raw text.
type Kind int

const (
	Int8 Kind = iota
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float32
	Float64
	String
	FixedString
	Date
	DateTime
	DateTime64
	Nullable
	Array
)

// Type is a resolved wire type. For Nullable and Array kinds Elem holds the
// inner type. Name always carries the full type name as sent by the server,
// including wrappers that resolve transparently such as LowCardinality.
type Type struct {
	Name string
	Kind Kind
	Elem *Type
	// Size is the byte length of a FixedString.
	Size int
	// Precision is the number of fractional second digits of a DateTime64.
	Precision int
}

// UnsupportedTypeError reports a wire type name that does not resolve to any
// supported kind.
type UnsupportedTypeError struct {
	Name string
}

func (e *UnsupportedTypeError) Error() string {
	return "unsupported wire type " + strconv.Quote(e.Name)
}

// Nullable reports whether values of the type may be null.
func (t *Type) Nullable() bool {
	return t.Kind == Nullable
}

// ScanType returns the reflect.Type of the native values Decode produces for
// this type. Nullable types report the inner value type; the null case is
// represented by an untyped nil.
func (t *Type) ScanType() reflect.Type {
	switch t.Kind {
	case Int8:
		return reflect.TypeOf(int8(0))
	case Int16:
		return reflect.TypeOf(int16(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case UInt8:
		return reflect.TypeOf(uint8(0))
	case UInt16:
		return reflect.TypeOf(uint16(0))
	case UInt32:
		return reflect.TypeOf(uint32(0))
	case UInt64:
		return reflect.TypeOf(uint64(0))
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	case String, FixedString:
		return reflect.TypeOf("")
	case Date, DateTime, DateTime64:
		return reflect.TypeOf(time.Time{})
	case Nullable:
		return t.Elem.ScanType()
	case Array:
		return reflect.TypeOf([]any{})
	}
	return nil
}

var scalarKinds = map[string]Kind{
	"Int8":    Int8,
	"Int16":   Int16,
	"Int32":   Int32,
	"Int64":   Int64,
	"UInt8":   UInt8,
	"UInt16":  UInt16,
	"UInt32":  UInt32,
	"UInt64":  UInt64,
	"Float32": Float32,
	"Float64": Float64,
	"String":  String,
	"Date":    Date,
}

// typeCache caches resolved types across queries. Wire type names repeat in
// every response header, so the cache is read-mostly.
var typeCacheMutex sync.RWMutex
var typeCache = make(map[string]*Type)

// Parse resolves a wire type name into a Type, generating and caching as
// required.
func Parse(name string) (*Type, error) {
	typeCacheMutex.RLock()
	t, found := typeCache[name]
	typeCacheMutex.RUnlock()
	if found {
		return t, nil
	}

	t, err := resolve(name)
	if err != nil {
		return nil, err
	}
	t.Name = name

	typeCacheMutex.Lock()
	typeCache[name] = t
	typeCacheMutex.Unlock()

	return t, nil
}

// resolve builds the Type for a wire type name, recursing into wrapper
// arguments.
func resolve(name string) (*Type, error) {
	name = strings.TrimSpace(name)
	if kind, ok := scalarKinds[name]; ok {
		return &Type{Name: name, Kind: kind}, nil
	}

	switch outer, arg, ok := splitWrapper(name); {
	case !ok:
		if name == "DateTime" {
			return &Type{Name: name, Kind: DateTime}, nil
		}
		return nil, &UnsupportedTypeError{Name: name}
	case outer == "Nullable":
		elem, err := resolve(arg)
		if err != nil {
			return nil, err
		}
		if elem.Kind == Nullable || elem.Kind == Array {
			return nil, errors.Errorf("malformed wire type %q: Nullable cannot wrap %s", name, elem.Name)
		}
		return &Type{Name: name, Kind: Nullable, Elem: elem}, nil
	case outer == "Array":
		elem, err := resolve(arg)
		if err != nil {
			return nil, err
		}
		return &Type{Name: name, Kind: Array, Elem: elem}, nil
	case outer == "LowCardinality":
		// LowCardinality only changes the server-side storage layout. On the
		// wire the values are indistinguishable from the inner type.
		elem, err := resolve(arg)
		if err != nil {
			return nil, err
		}
		t := *elem
		t.Name = name
		return &t, nil
	case outer == "FixedString":
		size, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil || size <= 0 {
			return nil, errors.Errorf("malformed wire type %q: bad length", name)
		}
		return &Type{Name: name, Kind: FixedString, Size: size}, nil
	case outer == "DateTime":
		// DateTime('Europe/Berlin'): the timezone argument only affects
		// server-side rendering, the text on the wire is parsed as-is.
		return &Type{Name: name, Kind: DateTime}, nil
	case outer == "DateTime64":
		args := strings.SplitN(arg, ",", 2)
		precision, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil || precision < 0 || precision > 9 {
			return nil, errors.Errorf("malformed wire type %q: bad precision", name)
		}
		return &Type{Name: name, Kind: DateTime64, Precision: precision}, nil
	default:
		return nil, &UnsupportedTypeError{Name: name}
	}
}

// splitWrapper splits a type name of the form Outer(args) into its parts. It
// returns false if the name is not of that form.
func splitWrapper(name string) (outer, arg string, ok bool) {
	open := strings.IndexByte(name, '(')
	if open < 0 || !strings.HasSuffix(name, ")") {
		return "", "", false
	}
	return name[:open], name[open+1 : len(name)-1], true
}
