// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

package clickhouse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strings"

	"github.com/google/uuid"

	"github.com/immowelt/go-clickhouse/internal/query"
	"github.com/immowelt/go-clickhouse/internal/tabsep"
	"github.com/immowelt/go-clickhouse/internal/wire"
)

// Row is one result row, positionally aligned with the cursor's
// description. A value is nil only for columns of a Nullable type.
type Row []any

// Column describes one column of a result set.
type Column struct {
	Name string
	// DatabaseType is the wire type name as declared by the server.
	DatabaseType string
	// ScanType is the Go type of the values fetched for this column.
	ScanType reflect.Type
	// Nullable reports whether values of this column may be nil.
	Nullable bool
}

// cursorState tracks where a cursor is in its lifecycle. Fetching is only
// legal while a result set is open.
type cursorState int

const (
	// stateIdle: no query executed yet, or the last statement produced no
	// result set.
	stateIdle cursorState = iota
	// stateExecuting: a request has been dispatched and the header is being
	// consumed.
	stateExecuting
	// stateOpen: the header has been read and rows may be fetched.
	stateOpen
	// stateClosed is terminal. Only Close remains legal, as a no-op.
	stateClosed
)

// Cursor runs queries and fetches their results. A cursor is bound to one
// result set at a time: executing a new query discards whatever rows of the
// previous one were left unread.
//
// A Cursor must not be used from multiple goroutines at once; confinement
// is the caller's obligation, the cursor holds no locks of its own.
type Cursor struct {
	// BatchSize is the number of rows a FetchMany with no explicit size
	// returns.
	BatchSize int

	conn      *Connection
	state     cursorState
	desc      []Column
	rows      *tabsep.Reader
	body      io.ReadCloser
	exhausted bool
	queryID   string
}

// Execute runs a query, substituting each ? placeholder with the encoded
// literal of the corresponding argument. For queries that return rows the
// cursor is left positioned on the result set ready for fetching; for
// statements such as INSERT or DDL it returns to idle. Statement effects
// are not rolled back on error: the server has no transactions.
func (cur *Cursor) Execute(ctx context.Context, text string, args ...any) error {
	if cur.state == stateClosed {
		return usageErrorf("cannot execute: cursor is closed")
	}
	cur.discard()

	text, err := query.Build(text, args)
	if err != nil {
		return &UsageError{msg: fmt.Sprintf("cannot build query: %s", err)}
	}
	text, expectRows, err := query.EnsureFormat(text, cur.conn.format)
	if err != nil {
		return &UsageError{msg: fmt.Sprintf("cannot build query: %s", err)}
	}

	return cur.dispatch(ctx, strings.NewReader(text), expectRows)
}

// BulkInsert inserts rows into a table in one request, sending the data as
// a TabSeparatedWithNamesAndTypes payload rather than as query text.
// fields names the target columns; types names their ClickHouse types and
// may be nil, in which case the types are inferred from the first row.
func (cur *Cursor) BulkInsert(ctx context.Context, table string, rows []Row, fields []string, types []string) error {
	if cur.state == stateClosed {
		return usageErrorf("cannot insert: cursor is closed")
	}
	if len(rows) == 0 {
		return usageErrorf("cannot insert: no rows given")
	}
	cur.discard()

	if types == nil {
		types = make([]string, len(fields))
		for i := range fields {
			if i >= len(rows[0]) {
				return usageErrorf("cannot insert: row 0 has %d values, expected %d", len(rows[0]), len(fields))
			}
			t, err := wire.InferType(rows[0][i])
			if err != nil {
				return usageErrorf("cannot infer type of column %q: %s", fields[i], err)
			}
			types[i] = t
		}
	}
	resolved := make([]*wire.Type, len(types))
	for i, name := range types {
		t, err := wire.Parse(name)
		if err != nil {
			return usageErrorf("cannot insert into column %q: %s", fields[i], err)
		}
		resolved[i] = t
	}

	tuples := make([][]any, len(rows))
	for i, row := range rows {
		tuples[i] = row
	}
	payload, err := tabsep.Payload(fields, resolved, tuples)
	if err != nil {
		return usageErrorf("cannot format insert payload: %s", err)
	}

	text := fmt.Sprintf("INSERT INTO %s (%s) FORMAT %s\n", table, strings.Join(fields, ","), DefaultFormat)
	return cur.dispatch(ctx, io.MultiReader(strings.NewReader(text), bytes.NewReader(payload)), false)
}

// dispatch sends the request and, when a result set is expected, consumes
// the response header. The query text travels as the start of the body; an
// insert payload follows it.
func (cur *Cursor) dispatch(ctx context.Context, body io.Reader, expectRows bool) error {
	cur.state = stateExecuting
	cur.queryID = uuid.NewString()

	params := url.Values{}
	params.Set("query_id", cur.queryID)

	stream, err := cur.conn.send(ctx, params, body)
	if err != nil {
		cur.state = stateIdle
		return err
	}

	if !expectRows {
		_, err := io.Copy(io.Discard, io.LimitReader(stream, 64*1024))
		stream.Close()
		cur.state = stateIdle
		if err != nil {
			return &TransportError{Op: "read response", cause: err}
		}
		return nil
	}

	reader, err := tabsep.NewReader(stream)
	if err != nil {
		stream.Close()
		cur.state = stateIdle
		if err == io.EOF {
			return &ProtocolError{msg: "response carries no result set header"}
		}
		return translateResponseError(err)
	}

	cols := reader.Columns()
	desc := make([]Column, len(cols))
	for i, col := range cols {
		desc[i] = Column{
			Name:         col.Name,
			DatabaseType: col.Type.Name,
			ScanType:     col.Type.ScanType(),
			Nullable:     col.Type.Nullable(),
		}
	}

	cur.body = stream
	cur.rows = reader
	cur.desc = desc
	cur.exhausted = false
	cur.state = stateOpen
	return nil
}

// FetchOne returns the next row of the open result set, or (nil, nil) once
// it is exhausted.
func (cur *Cursor) FetchOne() (Row, error) {
	if err := cur.fetchable(); err != nil {
		return nil, err
	}
	if cur.exhausted {
		return nil, nil
	}
	row, err := cur.rows.Next()
	if err == io.EOF {
		cur.exhausted = true
		return nil, nil
	}
	if err != nil {
		return nil, translateResponseError(err)
	}
	return Row(row), nil
}

// FetchMany returns up to size rows. A size of zero or less fetches
// BatchSize rows. Once the result set is exhausted FetchMany returns an
// empty slice, never an error. When a row fails to decode mid-batch the
// rows decoded before the failure are returned together with the error:
// the stream is single-pass, so they would otherwise be lost.
func (cur *Cursor) FetchMany(size int) ([]Row, error) {
	if err := cur.fetchable(); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = cur.BatchSize
	}
	batch := []Row{}
	for len(batch) < size {
		row, err := cur.FetchOne()
		if err != nil {
			return batch, err
		}
		if row == nil {
			break
		}
		batch = append(batch, row)
	}
	return batch, nil
}

// FetchAll materializes every remaining row of the result set. The whole
// remainder is held in memory; prefer FetchMany for large result sets.
// Like FetchMany, a decode failure returns the rows decoded before it
// together with the error.
func (cur *Cursor) FetchAll() ([]Row, error) {
	if err := cur.fetchable(); err != nil {
		return nil, err
	}
	all := []Row{}
	for {
		row, err := cur.FetchOne()
		if err != nil {
			return all, err
		}
		if row == nil {
			return all, nil
		}
		all = append(all, row)
	}
}

// Description returns the columns of the current result set, in result
// order. It returns nil while no result set has been produced.
func (cur *Cursor) Description() []Column {
	return cur.desc
}

// QueryID returns the server-side identifier assigned to the last executed
// query, or the empty string before the first execution.
func (cur *Cursor) QueryID() string {
	return cur.queryID
}

// Schema returns the column description of a table without fetching any
// data, by running a zero row select over it. Any result set the cursor
// held is discarded and the cursor is left idle.
func (cur *Cursor) Schema(ctx context.Context, table string) ([]Column, error) {
	if err := cur.Execute(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", table)); err != nil {
		return nil, err
	}
	desc := cur.desc
	cur.discard()
	return desc, nil
}

// Close releases the result stream and detaches the cursor from its
// connection. Close is idempotent and the only legal operation afterwards.
func (cur *Cursor) Close() error {
	if cur.state == stateClosed {
		return nil
	}
	cur.discard()
	cur.state = stateClosed
	cur.conn.forget(cur)
	return nil
}

// discard drops the current result set, closing the response stream, and
// returns the cursor to idle.
func (cur *Cursor) discard() {
	if cur.body != nil {
		cur.body.Close()
		cur.body = nil
	}
	cur.rows = nil
	cur.desc = nil
	cur.exhausted = false
	cur.state = stateIdle
}

// fetchable checks that the cursor is positioned on a result set.
func (cur *Cursor) fetchable() error {
	switch cur.state {
	case stateOpen:
		return nil
	case stateClosed:
		return usageErrorf("cannot fetch: cursor is closed")
	default:
		return usageErrorf("cannot fetch: cursor is not positioned on a result set")
	}
}

// translateResponseError maps the parser's errors onto the driver's error
// kinds.
func translateResponseError(err error) error {
	var serverErr *tabsep.ServerMessageError
	if errors.As(err, &serverErr) {
		return newServerError(0, serverErr.Text)
	}
	var decodeErr *tabsep.DecodeError
	if errors.As(err, &decodeErr) {
		return &DecodingError{
			Row:      decodeErr.Row,
			Column:   decodeErr.Column,
			WireType: decodeErr.WireType,
			Raw:      decodeErr.Raw,
			cause:    decodeErr,
		}
	}
	var formatErr *tabsep.FormatError
	if errors.As(err, &formatErr) {
		return &ProtocolError{msg: formatErr.Error(), cause: formatErr}
	}
	return &TransportError{Op: "read response", cause: err}
}
