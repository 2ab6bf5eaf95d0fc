// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

/*
Package tabsep reads and writes the TabSeparatedWithNamesAndTypes format.
A response stream starts with two header records, the column names and the
column wire types, followed by one record per row. The Reader decodes rows
lazily, one record at a time, so result sets of any size can be consumed
without buffering the response.
*/
package tabsep

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/immowelt/go-clickhouse/internal/wire"
)

// Column is one entry of a result set header: the column name and its
// resolved wire type.
type Column struct {
	Name string
	Type *wire.Type
}

// FormatError reports a response that does not match the expected
// header-and-rows shape.
type FormatError struct {
	msg string
}

func (e *FormatError) Error() string {
	return e.msg
}

// ServerMessageError reports a response body that carries a server error
// text in place of a result set.
type ServerMessageError struct {
	Text string
}

func (e *ServerMessageError) Error() string {
	return e.Text
}

// DecodeError reports a cell whose text could not be decoded under the
// column's declared wire type. Row indexes start at zero.
type DecodeError struct {
	Row      int
	Column   string
	WireType string
	Raw      string
	cause    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode row %d column %q (%s) from %q: %s",
		e.Row, e.Column, e.WireType, e.Raw, e.cause)
}

func (e *DecodeError) Unwrap() error {
	return e.cause
}

// Reader decodes a response stream. It is a single pass, non restartable
// source of rows: once Next has returned io.EOF or a failure the stream is
// finished.
type Reader struct {
	br   *bufio.Reader
	cols []Column
	row  int
	err  error
}

// NewReader consumes the two header records of the stream and returns a
// Reader positioned on the first row. A stream that ends before the first
// header record carries no result set; this is reported as io.EOF. A stream
// that carries a server error text instead of a header is reported as a
// ServerMessageError.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	names, err := readRecord(br)
	if err == io.EOF && len(names) == 1 && names[0] == "" {
		return nil, io.EOF
	}
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "cannot read header")
	}
	if looksLikeServerError(names) {
		text, _ := io.ReadAll(br)
		return nil, &ServerMessageError{Text: strings.TrimRight(names[0]+"\n"+string(text), "\n")}
	}

	types, err := readRecord(br)
	if err == io.EOF && len(types) == 1 && types[0] == "" {
		return nil, &FormatError{msg: "response header is missing the column types record"}
	}
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "cannot read header")
	}
	if len(types) != len(names) {
		return nil, &FormatError{msg: fmt.Sprintf(
			"response header declares %d column names but %d types", len(names), len(types))}
	}

	cols := make([]Column, len(names))
	for i, name := range names {
		t, err := wire.Parse(types[i])
		if err != nil {
			return nil, &FormatError{msg: fmt.Sprintf("column %q: %s", name, err)}
		}
		cols[i] = Column{Name: wire.Unescape(name), Type: t}
	}
	return &Reader{br: br, cols: cols}, nil
}

// Columns returns the header of the result set in column order.
func (r *Reader) Columns() []Column {
	return r.cols
}

// Next decodes and returns the next row. It returns io.EOF once the stream
// is exhausted. Any other error is sticky: the stream is considered broken
// and every subsequent call returns the same error, while rows already
// returned remain valid.
func (r *Reader) Next() ([]any, error) {
	if r.err != nil {
		return nil, r.err
	}

	fields, err := readRecord(r.br)
	if err == io.EOF && len(fields) == 1 && fields[0] == "" {
		r.err = io.EOF
		return nil, r.err
	}
	if err != nil && err != io.EOF {
		r.err = errors.Wrap(err, "cannot read row")
		return nil, r.err
	}
	if len(fields) != len(r.cols) {
		r.err = &FormatError{msg: fmt.Sprintf(
			"row %d has %d fields, header declares %d columns", r.row, len(fields), len(r.cols))}
		return nil, r.err
	}

	row := make([]any, len(fields))
	for i, field := range fields {
		v, err := wire.Decode(r.cols[i].Type, field)
		if err != nil {
			r.err = &DecodeError{
				Row:      r.row,
				Column:   r.cols[i].Name,
				WireType: r.cols[i].Type.Name,
				Raw:      field,
				cause:    err,
			}
			return nil, r.err
		}
		row[i] = v
	}
	r.row++
	return row, nil
}

// readRecord reads one newline terminated record and splits it into fields.
// The final record of a stream may lack its terminator.
func readRecord(br *bufio.Reader) ([]string, error) {
	line, err := br.ReadString('\n')
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return strings.Split(line, "\t"), err
}

// looksLikeServerError reports whether the first record of a body is a
// ClickHouse error text rather than a column names record. The server can
// report failures in the body of an otherwise successful response.
func looksLikeServerError(fields []string) bool {
	return len(fields) == 1 &&
		strings.HasPrefix(fields[0], "Code:") &&
		strings.Contains(fields[0], "Exception")
}
