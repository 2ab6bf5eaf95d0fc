// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

package clickhouse_test

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"

	. "gopkg.in/check.v1"

	clickhouse "github.com/immowelt/go-clickhouse"
)

// Hook up gocheck into the "go test" runner.
func TestPackage(t *testing.T) { TestingT(t) }

type packageSuite struct{}

var _ = Suite(&packageSuite{})

// sentRequest records one request as seen by the transport.
type sentRequest struct {
	params url.Values
	body   string
}

// reply is one canned transport response, delivered in order.
type reply struct {
	body   string
	stream io.ReadCloser
	err    error
}

// fakeTransport answers each request with the next queued reply and
// records what was sent. An exhausted queue answers with an empty body.
type fakeTransport struct {
	requests []sentRequest
	replies  []reply
}

func (t *fakeTransport) Send(ctx context.Context, params url.Values, body io.Reader) (io.ReadCloser, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	t.requests = append(t.requests, sentRequest{params: params, body: string(data)})
	if len(t.replies) == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	next := t.replies[0]
	t.replies = t.replies[1:]
	if next.err != nil {
		return nil, next.err
	}
	if next.stream != nil {
		return next.stream, nil
	}
	return io.NopCloser(strings.NewReader(next.body)), nil
}

func (t *fakeTransport) queue(body string) {
	t.replies = append(t.replies, reply{body: body})
}

func (t *fakeTransport) queueStream(rc io.ReadCloser) {
	t.replies = append(t.replies, reply{stream: rc})
}

// brokenBody fails mid-read, as a dropped connection would.
type brokenBody struct {
	err error
}

func (b brokenBody) Read([]byte) (int, error) { return 0, b.err }
func (b brokenBody) Close() error             { return nil }

func (t *fakeTransport) lastRequest(c *C) sentRequest {
	c.Assert(t.requests, Not(HasLen), 0)
	return t.requests[len(t.requests)-1]
}

// connect returns a connection over a fresh fake transport.
func connect(c *C) (*clickhouse.Connection, *fakeTransport) {
	transport := &fakeTransport{}
	conn, err := clickhouse.Connect(clickhouse.Config{Transport: transport})
	c.Assert(err, IsNil)
	return conn, transport
}

const peopleHeader = "id\tname\nInt64\tNullable(String)\n"

func (s *packageSuite) TestConnectRequiresHost(c *C) {
	_, err := clickhouse.Connect(clickhouse.Config{})
	c.Assert(err, ErrorMatches, "cannot connect: no host given")
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
}

func (s *packageSuite) TestConnectBadPortInHost(c *C) {
	_, err := clickhouse.Connect(clickhouse.Config{Host: "db:nope"})
	c.Assert(err, ErrorMatches, `cannot parse port in host "db:nope"`)
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
}

func (s *packageSuite) TestPing(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue("1\n")
	c.Assert(conn.Ping(context.Background()), IsNil)
	c.Assert(transport.lastRequest(c).body, Equals, "SELECT 1")
}

func (s *packageSuite) TestPingUnexpectedReply(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue("<html>proxy says hello</html>")
	err := conn.Ping(context.Background())
	c.Assert(clickhouse.IsProtocolError(err), Equals, true)
}

func (s *packageSuite) TestExecuteAndFetchAll(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader + "1\tAlice\n2\t\\N\n")
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)

	rows, err := cur.FetchAll()
	c.Assert(err, IsNil)
	c.Assert(rows, DeepEquals, []clickhouse.Row{
		{int64(1), "Alice"},
		{int64(2), nil},
	})
}

func (s *packageSuite) TestDescription(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader)
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(cur.Description(), IsNil)
	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)

	desc := cur.Description()
	c.Assert(desc, HasLen, 2)
	c.Assert(desc[0].Name, Equals, "id")
	c.Assert(desc[0].DatabaseType, Equals, "Int64")
	c.Assert(desc[0].Nullable, Equals, false)
	c.Assert(desc[0].ScanType.Kind().String(), Equals, "int64")
	c.Assert(desc[1].Name, Equals, "name")
	c.Assert(desc[1].DatabaseType, Equals, "Nullable(String)")
	c.Assert(desc[1].Nullable, Equals, true)
}

func (s *packageSuite) TestFetchOneExhaustion(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader + "1\tAlice\n")
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)

	row, err := cur.FetchOne()
	c.Assert(err, IsNil)
	c.Assert(row, DeepEquals, clickhouse.Row{int64(1), "Alice"})

	// Exhaustion is signalled by a nil row, repeatedly and without error.
	for i := 0; i < 3; i++ {
		row, err = cur.FetchOne()
		c.Assert(err, IsNil)
		c.Assert(row, IsNil)
	}
}

func (s *packageSuite) TestFetchManyBatches(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader + "1\ta\n2\tb\n3\tc\n4\td\n5\te\n")
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)

	for _, expected := range []int{2, 2, 1, 0, 0} {
		batch, err := cur.FetchMany(2)
		c.Assert(err, IsNil)
		c.Assert(batch, HasLen, expected)
	}
}

func (s *packageSuite) TestFetchManyDefaultSize(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader + "1\ta\n2\tb\n3\tc\n")
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	cur.BatchSize = 2
	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)

	batch, err := cur.FetchMany(0)
	c.Assert(err, IsNil)
	c.Assert(batch, HasLen, 2)
}

func (s *packageSuite) TestFetchBeforeExecute(c *C) {
	conn, _ := connect(c)
	defer conn.Close()

	cur, err := conn.Cursor()
	c.Assert(err, IsNil)

	_, err = cur.FetchOne()
	c.Assert(err, ErrorMatches, "cannot fetch: cursor is not positioned on a result set")
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
	_, err = cur.FetchMany(10)
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
	_, err = cur.FetchAll()
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
}

func (s *packageSuite) TestCursorClose(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader + "1\tAlice\n")
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)

	c.Assert(cur.Close(), IsNil)
	c.Assert(cur.Close(), IsNil)

	_, err = cur.FetchOne()
	c.Assert(err, ErrorMatches, "cannot fetch: cursor is closed")
	err = cur.Execute(context.Background(), "SELECT 1")
	c.Assert(err, ErrorMatches, "cannot execute: cursor is closed")
}

func (s *packageSuite) TestNonSelectReturnsToIdle(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(cur.Execute(context.Background(), "CREATE TABLE t (id Int64) ENGINE = Memory"), IsNil)
	c.Assert(cur.Description(), IsNil)

	_, err = cur.FetchOne()
	c.Assert(err, ErrorMatches, "cannot fetch: cursor is not positioned on a result set")

	// The statement travelled without a FORMAT directive.
	c.Assert(transport.lastRequest(c).body, Equals, "CREATE TABLE t (id Int64) ENGINE = Memory")
}

func (s *packageSuite) TestReExecuteDiscardsPreviousResultSet(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader + "1\tAlice\n2\tBob\n")
	transport.queue(peopleHeader + "7\tGrace\n")
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)
	row, err := cur.FetchOne()
	c.Assert(err, IsNil)
	c.Assert(row, DeepEquals, clickhouse.Row{int64(1), "Alice"})

	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people WHERE id = 7"), IsNil)
	rows, err := cur.FetchAll()
	c.Assert(err, IsNil)
	c.Assert(rows, DeepEquals, []clickhouse.Row{{int64(7), "Grace"}})
}

func (s *packageSuite) TestParameterSubstitution(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader)
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	err = cur.Execute(context.Background(), "SELECT id, name FROM people WHERE name = ? AND id = ?", "O'Brien", 7)
	c.Assert(err, IsNil)
	c.Assert(transport.lastRequest(c).body, Equals,
		`SELECT id, name FROM people WHERE name = 'O\'Brien' AND id = 7 FORMAT TabSeparatedWithNamesAndTypes`)
}

func (s *packageSuite) TestParameterArityMismatch(c *C) {
	conn, _ := connect(c)
	defer conn.Close()

	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	err = cur.Execute(context.Background(), "SELECT ? , ?", 1)
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
	c.Assert(err, ErrorMatches, "cannot build query: .*")
}

func (s *packageSuite) TestConflictingFormatDirective(c *C) {
	conn, _ := connect(c)
	defer conn.Close()

	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	err = cur.Execute(context.Background(), "SELECT 1 FORMAT JSON")
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
	c.Assert(err, ErrorMatches, "cannot build query: query requests FORMAT JSON but the connection reads TabSeparatedWithNamesAndTypes")
}

func (s *packageSuite) TestQueryIDTravelsWithRequest(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader)
	transport.queue(peopleHeader)
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(cur.QueryID(), Equals, "")

	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)
	first := cur.QueryID()
	c.Assert(first, Not(Equals), "")
	c.Assert(transport.lastRequest(c).params.Get("query_id"), Equals, first)

	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)
	c.Assert(cur.QueryID(), Not(Equals), first)
}

func (s *packageSuite) TestServerErrorInResponseBody(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue("Code: 60. DB::Exception: Table default.missing does not exist\n")
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	err = cur.Execute(context.Background(), "SELECT id FROM missing")
	c.Assert(clickhouse.IsServerError(err), Equals, true)

	var serverErr *clickhouse.ServerError
	c.Assert(errors.As(err, &serverErr), Equals, true)
	c.Assert(serverErr.Code, Equals, 60)
	c.Assert(serverErr.Message, Matches, "Code: 60.*does not exist")

	// The failed execution leaves no result set behind.
	c.Assert(cur.Description(), IsNil)
	_, err = cur.FetchOne()
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
}

func (s *packageSuite) TestEmptyResponseForSelect(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue("")
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	err = cur.Execute(context.Background(), "SELECT id FROM people")
	c.Assert(clickhouse.IsProtocolError(err), Equals, true)
	c.Assert(err, ErrorMatches, "protocol error: response carries no result set header")
}

func (s *packageSuite) TestDecodingErrorIsAttributedAndSticky(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader + "1\tAlice\nnope\tBob\n3\tCarol\n")
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)

	row, err := cur.FetchOne()
	c.Assert(err, IsNil)
	c.Assert(row, DeepEquals, clickhouse.Row{int64(1), "Alice"})

	_, err = cur.FetchOne()
	c.Assert(clickhouse.IsDecodingError(err), Equals, true)
	var decodeErr *clickhouse.DecodingError
	c.Assert(errors.As(err, &decodeErr), Equals, true)
	c.Assert(decodeErr.Row, Equals, 1)
	c.Assert(decodeErr.Column, Equals, "id")
	c.Assert(decodeErr.WireType, Equals, "Int64")
	c.Assert(decodeErr.Raw, Equals, "nope")

	// The stream is broken; fetching again reports the same failure
	// rather than resuming past it.
	_, err = cur.FetchOne()
	c.Assert(clickhouse.IsDecodingError(err), Equals, true)
}

func (s *packageSuite) TestFetchAllKeepsRowsDecodedBeforeFailure(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader + "1\tAlice\nnope\tBob\n")
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)

	// The stream is single-pass: rows decoded before the failure must
	// come back with the error or they are lost.
	rows, err := cur.FetchAll()
	c.Assert(clickhouse.IsDecodingError(err), Equals, true)
	c.Assert(rows, DeepEquals, []clickhouse.Row{{int64(1), "Alice"}})
}

func (s *packageSuite) TestFetchManyKeepsRowsDecodedBeforeFailure(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader + "1\tAlice\n2\tBob\nnope\tCarol\n")
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(cur.Execute(context.Background(), "SELECT id, name FROM people"), IsNil)

	batch, err := cur.FetchMany(5)
	c.Assert(clickhouse.IsDecodingError(err), Equals, true)
	c.Assert(batch, DeepEquals, []clickhouse.Row{
		{int64(1), "Alice"},
		{int64(2), "Bob"},
	})
}

func (s *packageSuite) TestStatementDrainFailure(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queueStream(brokenBody{err: errors.New("connection reset")})
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	err = cur.Execute(context.Background(), "CREATE TABLE t (id Int64) ENGINE = Memory")
	c.Assert(clickhouse.IsTransportError(err), Equals, true)

	// The failure leaves the cursor idle, not half-open.
	_, err = cur.FetchOne()
	c.Assert(err, ErrorMatches, "cannot fetch: cursor is not positioned on a result set")
}

func (s *packageSuite) TestSchema(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	transport.queue(peopleHeader)
	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	desc, err := cur.Schema(context.Background(), "people")
	c.Assert(err, IsNil)
	c.Assert(transport.lastRequest(c).body, Equals,
		"SELECT * FROM people LIMIT 0 FORMAT TabSeparatedWithNamesAndTypes")
	c.Assert(desc, HasLen, 2)
	c.Assert(desc[0].Name, Equals, "id")
	c.Assert(desc[1].DatabaseType, Equals, "Nullable(String)")

	// The lookup leaves no result set on the cursor.
	c.Assert(cur.Description(), IsNil)
	_, err = cur.FetchOne()
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
}

func (s *packageSuite) TestConnectionCloseInvalidatesCursors(c *C) {
	conn, _ := connect(c)

	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	c.Assert(conn.Close(), IsNil)
	c.Assert(conn.Close(), IsNil)

	err = cur.Execute(context.Background(), "SELECT 1")
	c.Assert(err, ErrorMatches, "cannot execute: cursor is closed")

	_, err = conn.Cursor()
	c.Assert(err, ErrorMatches, "cannot create cursor: connection is closed")
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
}

func (s *packageSuite) TestBulkInsert(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	rows := []clickhouse.Row{
		{int64(1), "Alice"},
		{int64(2), "Bob"},
	}
	err = cur.BulkInsert(context.Background(), "people", rows,
		[]string{"id", "name"}, []string{"Int64", "String"})
	c.Assert(err, IsNil)

	c.Assert(transport.lastRequest(c).body, Equals,
		"INSERT INTO people (id,name) FORMAT TabSeparatedWithNamesAndTypes\n"+
			"id\tname\nInt64\tString\n1\tAlice\n2\tBob\n")

	// The cursor is idle again, not positioned on a result set.
	_, err = cur.FetchOne()
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
}

func (s *packageSuite) TestBulkInsertInfersTypes(c *C) {
	conn, transport := connect(c)
	defer conn.Close()

	cur, err := conn.Cursor()
	c.Assert(err, IsNil)
	rows := []clickhouse.Row{{int64(3), "Carol", 1.5}}
	err = cur.BulkInsert(context.Background(), "people", rows,
		[]string{"id", "name", "score"}, nil)
	c.Assert(err, IsNil)

	c.Assert(transport.lastRequest(c).body, Equals,
		"INSERT INTO people (id,name,score) FORMAT TabSeparatedWithNamesAndTypes\n"+
			"id\tname\tscore\nInt64\tString\tFloat64\n3\tCarol\t1.5\n")
}

func (s *packageSuite) TestBulkInsertValidation(c *C) {
	conn, _ := connect(c)
	defer conn.Close()

	cur, err := conn.Cursor()
	c.Assert(err, IsNil)

	err = cur.BulkInsert(context.Background(), "people", nil, []string{"id"}, nil)
	c.Assert(err, ErrorMatches, "cannot insert: no rows given")

	rows := []clickhouse.Row{{int64(1)}}
	err = cur.BulkInsert(context.Background(), "people", rows, []string{"id"}, []string{"Int64(Bogus)"})
	c.Assert(clickhouse.IsUsageError(err), Equals, true)
}
