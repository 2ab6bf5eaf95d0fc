// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

package clickhouse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultPort is the port of the ClickHouse HTTP interface.
	DefaultPort = 8123
	// DefaultTimeout bounds each HTTP exchange when Config.Timeout is zero.
	DefaultTimeout = 30 * time.Second
	// DefaultFormat is the output serialization the response parser reads.
	DefaultFormat = "TabSeparatedWithNamesAndTypes"
	// DefaultBatchSize is the number of rows FetchMany returns when no size
	// is given.
	DefaultBatchSize = 64
)

// Config holds the settings of a [Connection]. Host is required; every
// other field has a usable zero value.
type Config struct {
	// Host is the hostname or IP of the server, optionally carrying the
	// port as "host:port".
	Host string
	// Port of the HTTP interface. Defaults to DefaultPort unless Host
	// already names a port.
	Port     int
	Username string
	Password string
	// Database is the default database of the session, when set.
	Database string
	// Timeout bounds each HTTP exchange, including reading the response
	// stream.
	Timeout time.Duration
	// Format overrides the output serialization requested from the server.
	// Only the default format can be parsed by this driver; the override
	// exists for transports that post-process responses themselves.
	Format string
	// Settings are extra ClickHouse settings sent with every query, e.g.
	// "max_block_size".
	Settings map[string]string
	// Transport replaces the HTTP transport. Intended for tests and for
	// callers that manage their own connection pooling.
	Transport Transport
}

// Transport is the boundary between the driver core and the network. Send
// posts a request body together with per-call query parameters and returns
// the response stream. Implementations classify failures: network problems
// as [TransportError], error responses as [ServerError].
type Transport interface {
	Send(ctx context.Context, params url.Values, body io.Reader) (io.ReadCloser, error)
}

// Connection is a factory for cursors sharing one server configuration.
// Because HTTP is used underneath no connection is held open; the server
// has no session state and inserts are committed implicitly, so there are
// no transaction methods.
//
// A Connection may be shared between goroutines, but each [Cursor] must be
// confined to one goroutine, and a cursor's Execute should be run to
// completion (or the cursor closed) before another cursor on the same
// Connection is assumed safe.
type Connection struct {
	transport Transport
	format    string

	// mutex guards closed and cursors. Cursors register here so that
	// closing the connection invalidates them.
	mutex   sync.Mutex
	closed  bool
	cursors map[*Cursor]bool
}

// Connect validates the configuration and returns a [Connection]. No
// network traffic happens here; use [Connection.Ping] to verify the server
// is responding.
func Connect(cfg Config) (*Connection, error) {
	transport, format, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{
		transport: transport,
		format:    format,
		cursors:   map[*Cursor]bool{},
	}, nil
}

// newTransport resolves the configured transport, building the default
// HTTP transport when none is given.
func newTransport(cfg Config) (Transport, string, error) {
	format := cfg.Format
	if format == "" {
		format = DefaultFormat
	}
	if cfg.Transport != nil {
		return cfg.Transport, format, nil
	}

	host := cfg.Host
	port := cfg.Port
	if h, p, ok := strings.Cut(host, ":"); ok {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, "", usageErrorf("cannot parse port in host %q", cfg.Host)
		}
		host, port = h, n
	}
	if host == "" {
		return nil, "", usageErrorf("cannot connect: no host given")
	}
	if port == 0 {
		port = DefaultPort
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	base := url.Values{}
	if cfg.Username != "" {
		base.Set("user", cfg.Username)
		base.Set("password", cfg.Password)
	}
	if cfg.Database != "" {
		base.Set("database", cfg.Database)
	}
	for name, value := range cfg.Settings {
		base.Set(name, value)
	}

	return &httpTransport{
		url:    fmt.Sprintf("http://%s:%d/", host, port),
		client: &http.Client{Timeout: timeout},
		base:   base,
	}, format, nil
}

// Cursor returns a new [Cursor] on the connection.
func (c *Connection) Cursor() (*Cursor, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil, usageErrorf("cannot create cursor: connection is closed")
	}
	cursor := &Cursor{conn: c, BatchSize: DefaultBatchSize}
	c.cursors[cursor] = true
	return cursor, nil
}

// Ping checks that the server is responding by running a trivial query.
func (c *Connection) Ping(ctx context.Context) error {
	body, err := c.send(ctx, url.Values{}, strings.NewReader("SELECT 1"))
	if err != nil {
		return err
	}
	defer body.Close()
	reply, err := io.ReadAll(io.LimitReader(body, 64))
	if err != nil {
		return &TransportError{Op: "ping", cause: err}
	}
	if strings.TrimSpace(string(reply)) != "1" {
		return &ProtocolError{msg: fmt.Sprintf("unexpected ping reply %q", reply)}
	}
	return nil
}

// Close closes the connection and every cursor created from it. Close is
// idempotent; operations on the connection or its cursors fail afterwards.
func (c *Connection) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	cursors := make([]*Cursor, 0, len(c.cursors))
	for cursor := range c.cursors {
		cursors = append(cursors, cursor)
	}
	c.cursors = map[*Cursor]bool{}
	c.mutex.Unlock()

	for _, cursor := range cursors {
		cursor.Close()
	}
	return nil
}

// forget removes a closed cursor from the registry.
func (c *Connection) forget(cursor *Cursor) {
	c.mutex.Lock()
	delete(c.cursors, cursor)
	c.mutex.Unlock()
}

// send dispatches one request through the transport, refusing when the
// connection is closed.
func (c *Connection) send(ctx context.Context, params url.Values, body io.Reader) (io.ReadCloser, error) {
	c.mutex.Lock()
	closed := c.closed
	c.mutex.Unlock()
	if closed {
		return nil, usageErrorf("cannot send query: connection is closed")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.transport.Send(ctx, params, body)
}

// httpTransport is the default Transport. It posts each query to the
// server's HTTP interface with the session parameters of the connection.
type httpTransport struct {
	url    string
	client *http.Client
	base   url.Values
}

func (t *httpTransport) Send(ctx context.Context, params url.Values, body io.Reader) (io.ReadCloser, error) {
	merged := url.Values{}
	for name, values := range t.base {
		merged[name] = values
	}
	for name, values := range params {
		merged[name] = values
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"?"+merged.Encode(), body)
	if err != nil {
		return nil, &TransportError{Op: "send query", cause: err}
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "send query", cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, newServerError(resp.StatusCode, strings.TrimRight(string(message), "\n"))
	}
	return resp.Body, nil
}
