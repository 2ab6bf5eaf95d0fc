// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

package wire

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// NullMarker is the text a Nullable column carries for a null value.
const NullMarker = `\N`

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
)

// zeroDates are the sentinels ClickHouse produces for the default value of a
// Date or DateTime column. They decode to the zero time.Time.
var zeroDates = map[string]bool{
	"0000-00-00":          true,
	"1970-01-01":          true,
	"0000-00-00 00:00:00": true,
}

// Decode converts the escaped field text of one cell into a native value.
// The field text is the raw cell as cut out of a TabSeparated record, with
// its escape sequences still in place.
func Decode(t *Type, field string) (any, error) {
	switch t.Kind {
	case Int8, Int16, Int32, Int64:
		return decodeInt(t.Kind, field)
	case UInt8, UInt16, UInt32, UInt64:
		return decodeUint(t.Kind, field)
	case Float32:
		f, err := strconv.ParseFloat(field, 32)
		if err != nil {
			return nil, errors.Errorf("cannot parse %q as Float32", field)
		}
		return float32(f), nil
	case Float64:
		f, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, errors.Errorf("cannot parse %q as Float64", field)
		}
		return f, nil
	case String, FixedString:
		return Unescape(field), nil
	case Date:
		return decodeTime(field, dateLayout)
	case DateTime, DateTime64:
		// time.Parse accepts a fractional second after the seconds field
		// whether or not the layout mentions one, which covers DateTime64 of
		// any precision.
		return decodeTime(field, dateTimeLayout)
	case Nullable:
		if field == NullMarker {
			return nil, nil
		}
		return Decode(t.Elem, field)
	case Array:
		return decodeArray(t, field)
	}
	return nil, errors.Errorf("internal error: no decoder for kind %d", t.Kind)
}

func decodeInt(kind Kind, field string) (any, error) {
	bits := map[Kind]int{Int8: 8, Int16: 16, Int32: 32, Int64: 64}[kind]
	n, err := strconv.ParseInt(field, 10, bits)
	if err != nil {
		return nil, errors.Errorf("cannot parse %q as Int%d", field, bits)
	}
	switch kind {
	case Int8:
		return int8(n), nil
	case Int16:
		return int16(n), nil
	case Int32:
		return int32(n), nil
	}
	return n, nil
}

func decodeUint(kind Kind, field string) (any, error) {
	bits := map[Kind]int{UInt8: 8, UInt16: 16, UInt32: 32, UInt64: 64}[kind]
	n, err := strconv.ParseUint(field, 10, bits)
	if err != nil {
		return nil, errors.Errorf("cannot parse %q as UInt%d", field, bits)
	}
	switch kind {
	case UInt8:
		return uint8(n), nil
	case UInt16:
		return uint16(n), nil
	case UInt32:
		return uint32(n), nil
	}
	return n, nil
}

func decodeTime(field, layout string) (any, error) {
	if zeroDates[field] {
		return time.Time{}, nil
	}
	ts, err := time.Parse(layout, field)
	if err != nil {
		return nil, errors.Errorf("cannot parse %q as date/time", field)
	}
	return ts, nil
}

// decodeArray parses a bracketed list, decoding each element with the array's
// inner type. Elements of string-like types arrive single quoted.
func decodeArray(t *Type, field string) (any, error) {
	if len(field) < 2 || field[0] != '[' || field[len(field)-1] != ']' {
		return nil, errors.Errorf("cannot parse %q as %s", field, t.Name)
	}
	body := field[1 : len(field)-1]
	if body == "" {
		return []any{}, nil
	}

	elems, err := splitArray(body)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse %q as %s", field, t.Name)
	}

	out := make([]any, 0, len(elems))
	for _, elem := range elems {
		if elem == NullMarker && t.Elem.Kind != Nullable {
			return nil, errors.Errorf("null element in non-nullable %s", t.Name)
		}
		if len(elem) >= 2 && elem[0] == '\'' && elem[len(elem)-1] == '\'' {
			elem = elem[1 : len(elem)-1]
		}
		v, err := Decode(t.Elem, elem)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// splitArray cuts the body of an array literal into element texts. Commas
// inside quoted strings and nested brackets do not separate elements.
func splitArray(body string) ([]string, error) {
	var elems []string
	var depth int
	var quoted bool
	start := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\':
			i++
		case quoted:
			if c == '\'' {
				quoted = false
			}
		case c == '\'':
			quoted = true
		case c == '[':
			depth++
		case c == ']':
			depth--
		case c == ',' && depth == 0:
			elems = append(elems, body[start:i])
			start = i + 1
		}
	}
	if quoted || depth != 0 {
		return nil, errors.New("unterminated array element")
	}
	elems = append(elems, body[start:])
	return elems, nil
}

// Unescape reverses the TabSeparated escaping of a field. A backslash
// followed by a character outside the escape set stands for that character.
func Unescape(field string) string {
	if !strings.ContainsRune(field, '\\') {
		return field
	}
	var b strings.Builder
	b.Grow(len(field))
	for i := 0; i < len(field); i++ {
		c := field[i]
		if c != '\\' || i == len(field)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch field[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '0':
			b.WriteByte(0)
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		default:
			b.WriteByte(field[i])
		}
	}
	return b.String()
}
