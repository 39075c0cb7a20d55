package pgjson

import (
	"bytes"
	"fmt"
	"math"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/vmihailenco/msgpack/v5"
)

// Delimiter separates the three fields of a COPY line.
const Delimiter = '\x01'

// TimeLayout is the text form of the time column.
const TimeLayout = "2006-01-02 15:04:05.999999-07"

// Mode selects how the record column is serialized.
type Mode int

const (
	// TextMode writes the record as JSON with every backslash doubled.
	TextMode Mode = iota
	// BinaryMode writes the record as msgpack in bytea hex form.
	BinaryMode
)

func (m Mode) String() string {
	switch m {
	case TextMode:
		return "text"
	case BinaryMode:
		return "binary"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Encoder turns tuples into lines of the COPY text format.
//
// An Encoder must not be used from multiple goroutines at once.
type Encoder struct {
	mode Mode
	m    *pgtype.Map
}

// NewEncoder returns an Encoder for the given mode.
func NewEncoder(mode Mode) *Encoder {
	return &Encoder{mode: mode, m: pgtype.NewMap()}
}

// Mode returns the encoder's record mode.
func (e *Encoder) Mode() Mode { return e.mode }

// Encode returns the line for a single tuple, including the trailing newline.
func (e *Encoder) Encode(tag string, t float64, record map[string]any) ([]byte, error) {
	return e.AppendLine(nil, Tuple{Tag: tag, Time: t, Record: record})
}

// AppendLine appends the line for tp to dst and returns the extended buffer.
// dst is returned unchanged on error.
func (e *Encoder) AppendLine(dst []byte, tp Tuple) ([]byte, error) {
	t, err := EpochTime(tp.Time)
	if err != nil {
		return dst, err
	}
	value, err := e.recordValue(tp.Record)
	if err != nil {
		return dst, err
	}

	b := appendCopyText(dst, tp.Tag)
	b = append(b, Delimiter)
	b = t.AppendFormat(b, TimeLayout)
	b = append(b, Delimiter)
	b = append(b, value...)
	b = append(b, '\n')
	return b, nil
}

func (e *Encoder) recordValue(record map[string]any) ([]byte, error) {
	switch e.mode {
	case TextMode:
		return textValue(record)
	case BinaryMode:
		return e.binaryValue(record)
	default:
		return nil, fmt.Errorf("unsupported encoding mode %s", e.mode)
	}
}

func textValue(record map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gojson.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record); err != nil {
		return nil, fmt.Errorf("cannot marshal record to JSON: %w", err)
	}
	js := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})

	n := bytes.Count(js, []byte{'\\'})
	if n == 0 {
		return js, nil
	}
	out := make([]byte, 0, len(js)+n)
	for _, c := range js {
		if c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Encoder) binaryValue(record map[string]any) ([]byte, error) {
	packed, err := msgpack.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal record to msgpack: %w", err)
	}

	// The bytea text encoder yields \x<hex>; the extra leading backslash
	// survives COPY unescaping as the bytea hex marker.
	out, err := e.m.Encode(pgtype.ByteaOID, pgtype.TextFormatCode, packed, []byte{'\\'})
	if err != nil {
		return nil, fmt.Errorf("cannot escape record bytes: %w", err)
	}
	return out, nil
}

// appendCopyText appends s with the bytes that COPY text format treats
// specially escaped.
func appendCopyText(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case Delimiter:
			dst = append(dst, '\\', 'x', '0', '1')
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// Bounds of the time column: timestamptz starts before year 1, but TimeLayout
// cannot express years before it, and ends with year 294276.
var (
	minEpochSec = float64(time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	maxEpochSec = float64(time.Date(294277, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
)

// TimeRangeError is returned for times the time column cannot hold.
type TimeRangeError struct {
	Sec float64
}

func (e *TimeRangeError) Error() string {
	return fmt.Sprintf("time %v is out of range", e.Sec)
}

// EpochTime converts seconds since the epoch to a UTC time. NaN, infinities
// and times outside the timestamptz range are rejected.
func EpochTime(sec float64) (time.Time, error) {
	if math.IsNaN(sec) || sec < minEpochSec || sec >= maxEpochSec {
		return time.Time{}, &TimeRangeError{Sec: sec}
	}
	whole, frac := math.Modf(sec)
	nsec := math.Round(frac * 1e9)
	return time.Unix(int64(whole), int64(nsec)).UTC(), nil
}
