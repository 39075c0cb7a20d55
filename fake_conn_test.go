package pgjson

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// fakeConn mimics how pgconn terminates a copy: CopyDone after io.EOF,
// CopyFail with the reader's error text otherwise.
type fakeConn struct {
	id int

	// readSize is the buffer size passed to Read; 0 means 64 KiB.
	readSize     int
	// serverErr is returned after a CopyDone.
	serverErr    error
	// transportErr is returned once failAfter bytes have been read; the
	// connection is then closed.
	transportErr error
	failAfter    int

	closed     bool
	closeCalls int

	sqls         []string
	data         []byte
	terminations []string
}

func (c *fakeConn) CopyFrom(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error) {
	c.sqls = append(c.sqls, sql)

	size := c.readSize
	if size == 0 {
		size = 64 * 1024
	}
	buf := make([]byte, size)

	var session []byte
	for {
		n, err := r.Read(buf)
		session = append(session, buf[:n]...)
		c.data = append(c.data, buf[:n]...)

		if c.transportErr != nil && len(session) >= c.failAfter {
			c.closed = true
			return pgconn.CommandTag{}, c.transportErr
		}

		switch {
		case err == io.EOF:
			c.terminations = append(c.terminations, "done")
			if c.serverErr != nil {
				return pgconn.CommandTag{}, c.serverErr
			}
			rows := bytes.Count(session, []byte{'\n'})
			return pgconn.NewCommandTag(fmt.Sprintf("COPY %d", rows)), nil
		case err != nil:
			c.terminations = append(c.terminations, "fail:"+err.Error())
			return pgconn.CommandTag{}, &pgconn.PgError{
				Severity: "ERROR",
				Code:     "57014",
				Message:  "COPY from stdin failed: " + err.Error(),
			}
		}
	}
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.closeCalls++
	c.closed = true
	return nil
}

func (c *fakeConn) IsClosed() bool { return c.closed }

// fakeDialer hands out fakeConns and records every dial.
type fakeDialer struct {
	mu sync.Mutex

	// failures is the number of dials that fail before dials succeed.
	failures int
	// partial makes failing dials return a half-open connection.
	partial bool
	// setup is applied to every successfully dialed connection.
	setup func(*fakeConn)

	conns       []*fakeConn
	partials    []*fakeConn
	connStrings []string
}

var errDialRefused = errors.New("connection refused")

func (d *fakeDialer) Dial(ctx context.Context, connString string) (CopyConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.connStrings = append(d.connStrings, connString)
	if d.failures > 0 {
		d.failures--
		if d.partial {
			c := &fakeConn{id: -len(d.partials) - 1}
			d.partials = append(d.partials, c)
			return c, errDialRefused
		}
		return nil, errDialRefused
	}

	c := &fakeConn{id: len(d.conns) + 1}
	if d.setup != nil {
		d.setup(c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Database = "logs"
	cfg.Table = "events"
	cfg.MetricPrefix = "pgjsonTest"
	return cfg
}
