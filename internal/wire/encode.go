// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

package wire

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EscapeString applies the TabSeparated escaping to a field value so that it
// can never span fields or records.
func EscapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		case 0:
			b.WriteString(`\0`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// QuoteLiteral renders s as a single quoted SQL string literal. Backslashes
// and quotes inside s are escaped, so the literal always terminates at the
// closing quote the driver wrote.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(EscapeString(s), "'", `\'`) + "'"
}

// EncodeParam renders a native Go value as a literal for substitution into
// query text. The wire type is inferred from the value itself since no
// response header exists at build time.
func EncodeParam(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case string:
		return QuoteLiteral(v), nil
	case []byte:
		return QuoteLiteral(string(v)), nil
	case time.Time:
		return "'" + v.Format(dateTimeLayout) + "'", nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			part, err := EncodeParam(rv.Index(i).Interface())
			if err != nil {
				return "", err
			}
			parts[i] = part
		}
		return "[" + strings.Join(parts, ",") + "]", nil
	}
	return "", errors.Errorf("cannot encode parameter of type %T", value)
}

// InferType derives the wire type name for a native value, for use when the
// caller of a bulk insert does not name column types.
func InferType(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", errors.New("cannot infer wire type from nil")
	case bool:
		return "UInt8", nil
	case string, []byte:
		return "String", nil
	case float32, float64:
		return "Float64", nil
	case time.Time:
		return "DateTime", nil
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return "Int64", nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return "UInt64", nil
		case reflect.Slice, reflect.Array:
			var elemType string
			for i := 0; i < rv.Len(); i++ {
				elem := rv.Index(i).Interface()
				if elem == nil {
					continue
				}
				t, err := InferType(elem)
				if err != nil {
					return "", err
				}
				if elemType == "" {
					elemType = t
				} else if elemType != t {
					return "", errors.Errorf("array contains values of contradicting types %s and %s", elemType, t)
				}
			}
			if elemType == "" {
				return "", errors.New("cannot infer wire type from empty array")
			}
			return "Array(" + elemType + ")", nil
		}
		return "", errors.Errorf("cannot infer wire type of %T", value)
	}
}

// EncodeField renders a native value as the cell text of a TabSeparated
// payload under its declared wire type. Nil values of non-nullable types
// take the column default, matching what the server does for omitted
// values. inArray switches to the quoted element syntax.
func EncodeField(value any, t *Type, inArray bool) (string, error) {
	switch t.Kind {
	case Nullable:
		if value == nil {
			return NullMarker, nil
		}
		return EncodeField(value, t.Elem, inArray)

	case Int8, Int16, Int32, Int64, UInt8, UInt16, UInt32, UInt64:
		if value == nil {
			return "0", nil
		}
		if b, ok := value.(bool); ok {
			if b {
				return "1", nil
			}
			return "0", nil
		}
		rv := reflect.ValueOf(value)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return strconv.FormatInt(rv.Int(), 10), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return strconv.FormatUint(rv.Uint(), 10), nil
		}
		return "", errors.Errorf("cannot format %T as %s", value, t.Name)

	case Float32, Float64:
		if value == nil {
			return "0.0", nil
		}
		switch v := value.(type) {
		case float32:
			return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		}
		rv := reflect.ValueOf(value)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return strconv.FormatInt(rv.Int(), 10), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return strconv.FormatUint(rv.Uint(), 10), nil
		}
		return "", errors.Errorf("cannot format %T as %s", value, t.Name)

	case String, FixedString:
		s, err := stringify(value)
		if err != nil {
			return "", errors.Wrapf(err, "cannot format value as %s", t.Name)
		}
		escaped := EscapeString(s)
		if inArray {
			return "'" + strings.ReplaceAll(escaped, "'", `\'`) + "'", nil
		}
		return escaped, nil

	case Date:
		return encodeTimeField(value, dateLayout, "0000-00-00", inArray)

	case DateTime:
		return encodeTimeField(value, dateTimeLayout, "0000-00-00 00:00:00", inArray)

	case DateTime64:
		layout := dateTimeLayout
		if t.Precision > 0 {
			layout += "." + strings.Repeat("0", t.Precision)
		}
		return encodeTimeField(value, layout, "0000-00-00 00:00:00", inArray)

	case Array:
		if value == nil {
			return "[]", nil
		}
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return "", errors.Errorf("cannot format %T as %s", value, t.Name)
		}
		parts := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			var elem any
			if rv.Index(i).Kind() != reflect.Interface || !rv.Index(i).IsNil() {
				elem = rv.Index(i).Interface()
			}
			part, err := EncodeField(elem, t.Elem, true)
			if err != nil {
				return "", err
			}
			parts[i] = part
		}
		return "[" + strings.Join(parts, ",") + "]", nil
	}
	return "", errors.Errorf("internal error: no encoder for kind %d", t.Kind)
}

func encodeTimeField(value any, layout, zero string, inArray bool) (string, error) {
	var formatted string
	switch v := value.(type) {
	case nil:
		formatted = zero
	case time.Time:
		if v.IsZero() {
			formatted = zero
		} else {
			formatted = v.Format(layout)
		}
	default:
		return "", errors.Errorf("cannot format %T as date/time", value)
	}
	if inArray {
		return "'" + formatted + "'", nil
	}
	return formatted, nil
}

// stringify converts the loosely typed values a String column can carry into
// text. String columns frequently hold values of varying native type across
// rows, so scalars are accepted and rendered in their literal form.
func stringify(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case time.Time:
		return v.Format(dateTimeLayout), nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	}
	return "", errors.Errorf("unsupported value of type %T", value)
}
