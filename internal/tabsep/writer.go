// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

package tabsep

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/immowelt/go-clickhouse/internal/wire"
)

// Payload renders a bulk insert body in TabSeparatedWithNamesAndTypes: the
// field names record, the type names record, then one record per row. Rows
// must be positionally aligned with fields and types.
func Payload(fields []string, types []*wire.Type, rows [][]any) ([]byte, error) {
	if len(types) != len(fields) {
		return nil, errors.Errorf("%d fields but %d types", len(fields), len(types))
	}

	var buf bytes.Buffer
	for i, field := range fields {
		if i > 0 {
			buf.WriteByte('\t')
		}
		buf.WriteString(wire.EscapeString(field))
	}
	buf.WriteByte('\n')
	for i, t := range types {
		if i > 0 {
			buf.WriteByte('\t')
		}
		buf.WriteString(t.Name)
	}
	buf.WriteByte('\n')

	for ri, row := range rows {
		if len(row) != len(fields) {
			return nil, errors.Errorf("row %d has %d values, expected %d", ri, len(row), len(fields))
		}
		for ci, value := range row {
			if ci > 0 {
				buf.WriteByte('\t')
			}
			cell, err := wire.EncodeField(value, types[ci], false)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d column %q", ri, fields[ci])
			}
			buf.WriteString(cell)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
