// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

/*
Package clickhouse is a minimalist ClickHouse driver speaking the HTTP
query interface, with an API roughly resembling the conventional
connection/cursor shape of database client libraries.

A [Connection] is a factory for cursors; because HTTP is used underneath
no connection is actually held open. A [Cursor] runs one query at a time
and fetches its rows lazily from the response stream, so result sets of
any size can be consumed without materializing them.

	conn, err := clickhouse.Connect(clickhouse.Config{Host: "localhost"})
	if err != nil { ... }
	defer conn.Close()

	cur, err := conn.Cursor()
	if err != nil { ... }
	defer cur.Close()

	err = cur.Execute(ctx, "SELECT id, name FROM people WHERE id > ?", 10)
	if err != nil { ... }
	for {
		row, err := cur.FetchOne()
		if err != nil { ... }
		if row == nil {
			break
		}
		// row[0] is an int64, row[1] a string, per cur.Description().
	}

Query parameters are bound positionally with ? placeholders and are
escaped by the driver; values never travel as raw query text.

Result cells are decoded into native Go values according to the column
types the server declares: integer columns keep their width (int8 through
int64 and the unsigned counterparts), Float32/Float64 map to float32 and
float64, String and FixedString to string, Date and DateTime to
time.Time, Nullable columns yield nil for null, and Array columns yield
[]any. A cell that cannot be decoded under its declared type is reported
as a [DecodingError] naming the row, column and offending text.

The package also registers itself under the name "clickhouse" with
database/sql:

	db, err := sql.Open("clickhouse", "clickhouse://default@localhost:8123/default")

ClickHouse has no transactions: statements commit implicitly when they
succeed, and [Connection] therefore has no Begin or Commit.
*/
package clickhouse
