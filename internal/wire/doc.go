// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

/*
Package wire maps between ClickHouse wire type names and native Go values.
It parses type names such as Nullable(Array(Int64)) into a closed set of
supported kinds, decodes cell text into typed values, and encodes native
values into the literal syntax the server expects. As much as possible,
knowledge of individual ClickHouse types is limited to this package.
*/
package wire
