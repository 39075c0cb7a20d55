package pgjson

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	metric "github.com/VictoriaMetrics/metrics"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// CopyConn is the part of *pgconn.PgConn the sink relies on.
type CopyConn interface {
	// CopyFrom runs sql and streams r as copy data. It sends CopyDone when
	// r returns io.EOF and CopyFail with the error text for any other error,
	// then reads the server response.
	CopyFrom(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
	IsClosed() bool
}

// Dialer opens a new connection. On failure it may still return a partially
// initialized connection, which the caller closes.
type Dialer func(ctx context.Context, connString string) (CopyConn, error)

// PgDialer opens a single PostgreSQL connection with pgconn.
func PgDialer(ctx context.Context, connString string) (CopyConn, error) {
	cfg, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnManager owns at most one connection to the target database. The
// connection is created on first use and reused until it fails.
//
// ConnManager is not safe for concurrent use.
type ConnManager struct {
	cfg  Config
	dial Dialer
	log  *zap.Logger

	conn CopyConn

	dials *metric.Counter
}

// NewConnManager returns a manager for cfg. A nil dial uses PgDialer.
func NewConnManager(cfg Config, dial Dialer, log *zap.Logger) *ConnManager {
	if dial == nil {
		dial = PgDialer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnManager{
		cfg:   cfg,
		dial:  dial,
		log:   log,
		dials: metric.GetOrCreateCounter(cfg.MetricPrefix + "ConnDials"),
	}
}

// Get returns the current connection, dialing a new one if none is held or
// the held one has been closed.
func (m *ConnManager) Get(ctx context.Context) (CopyConn, error) {
	if m.conn != nil {
		if !m.conn.IsClosed() {
			return m.conn, nil
		}
		m.log.Info("discarding closed PostgreSQL connection")
		m.conn = nil
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	m.log.Debug(fmt.Sprintf("connecting to PostgreSQL server %s, database %s...", addr, m.cfg.Database))
	m.dials.Inc()

	conn, err := m.dial(ctx, m.cfg.ConnString())
	if err != nil {
		if conn != nil {
			_ = conn.Close(ctx)
		}
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	m.conn = conn
	return conn, nil
}

// CloseIdle closes the held connection, if any. It must not be called while
// a copy is in progress.
func (m *ConnManager) CloseIdle(ctx context.Context) error {
	if m.conn == nil {
		return nil
	}
	conn := m.conn
	m.conn = nil
	if conn.IsClosed() {
		return nil
	}
	return conn.Close(ctx)
}
