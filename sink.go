package pgjson

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// SessionState is the state of one copy session.
type SessionState int

const (
	// Committed is a session ended with CopyDone. The server may still have
	// rejected it.
	Committed SessionState = iota + 1
	// Aborted is a session ended with CopyFail, or cut short by the
	// transport.
	Aborted
)

func (s SessionState) String() string {
	switch s {
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// StreamResult is the outcome of streaming one batch.
//
// Committed means the copy was ended normally; Err is then the server's
// rejection, if any. Aborted means the copy was failed with Reason; Err is
// the error that caused it and Index the tuple it happened on (-1 when the
// transport failed).
type StreamResult struct {
	State  SessionState
	Tag    pgconn.CommandTag
	Index  int
	Reason string
	Err    error
}

// Sink writes batches of tuples to one table with COPY FROM STDIN.
//
// Write calls must be serialized by the caller.
type Sink struct {
	cfg     Config
	conns   *ConnManager
	enc     *Encoder
	copySQL string
	log     *zap.Logger

	*sinkMetrics
}

// NewSink validates cfg and returns a sink that obtains its connection from
// conns.
func NewSink(cfg Config, conns *ConnManager, log *zap.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{
		cfg:         cfg,
		conns:       conns,
		enc:         NewEncoder(cfg.Mode()),
		copySQL:     cfg.CopyCommand(),
		log:         log,
		sinkMetrics: newSinkMetrics(cfg.MetricPrefix),
	}, nil
}

// Write streams batch to the table in a single copy session.
//
// The batch either commits as a whole or Write returns an error, in which
// case the caller is expected to retry the whole batch.
func (s *Sink) Write(ctx context.Context, batch []Tuple) error {
	if len(batch) == 0 {
		return nil
	}

	conn, err := s.conns.Get(ctx)
	if err != nil {
		s.copyBatchConnError.Inc()
		return err
	}

	startTime := time.Now()
	res := s.stream(ctx, conn, batch)
	s.copyBatchDuration.UpdateDuration(startTime)

	switch {
	case res.State == Aborted:
		s.copyBatchAborted.Inc()
		s.log.Warn("copy aborted",
			zap.String("table", s.cfg.Table),
			zap.Int("row", res.Index),
			zap.String("reason", res.Reason))
		return &StreamingError{Index: res.Index, Reason: res.Reason, Err: res.Err}
	case res.Err != nil:
		s.copyBatchRejected.Inc()
		return newCopyCommandError(res.Err)
	}

	s.copyBatchSuccess.Inc()
	s.copyBatchSize.Update(float64(len(batch)))
	s.copyRowSuccess.Add(int(res.Tag.RowsAffected()))
	s.log.Debug("copy committed",
		zap.String("table", s.cfg.Table),
		zap.Int("rows", len(batch)))
	return nil
}

// stream runs one copy session on conn. pgconn terminates the session with
// CopyDone when the reader reaches EOF and with CopyFail otherwise.
func (s *Sink) stream(ctx context.Context, conn CopyConn, batch []Tuple) StreamResult {
	r := &rowReader{enc: s.enc, batch: batch, failedAt: -1}

	tag, err := conn.CopyFrom(ctx, r, s.copySQL)
	s.copyBatchBytes.Add(r.sent)

	if r.cause != nil {
		return StreamResult{
			State:  Aborted,
			Tag:    tag,
			Index:  r.failedAt,
			Reason: abortReason(r.cause),
			Err:    r.cause,
		}
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return StreamResult{State: Aborted, Index: -1, Reason: abortReason(err), Err: err}
		}
	}
	return StreamResult{State: Committed, Tag: tag, Err: err}
}

// Shutdown closes the idle connection. No Write may be in progress.
func (s *Sink) Shutdown(ctx context.Context) error {
	return s.conns.CloseIdle(ctx)
}

// rowReader encodes tuples on demand. Each tuple is fully encoded before any
// of its bytes are returned.
type rowReader struct {
	enc   *Encoder
	batch []Tuple
	next  int

	line []byte
	off  int
	sent int

	failedAt int
	cause    error
}

// copyAbort carries the CopyFail message.
type copyAbort struct {
	reason string
}

func (e *copyAbort) Error() string { return e.reason }

func (r *rowReader) Read(p []byte) (int, error) {
	if r.cause != nil {
		return 0, &copyAbort{reason: abortReason(r.cause)}
	}

	n := 0
	for n < len(p) {
		if r.off == len(r.line) {
			if r.next == len(r.batch) {
				r.sent += n
				return n, io.EOF
			}
			line, err := r.enc.AppendLine(r.line[:0], r.batch[r.next])
			if err != nil {
				r.failedAt = r.next
				r.cause = err
				r.sent += n
				return n, &copyAbort{reason: abortReason(err)}
			}
			r.line = line
			r.off = 0
			r.next++
		}
		c := copy(p[n:], r.line[r.off:])
		r.off += c
		n += c
	}
	r.sent += n
	return n, nil
}
