package pgjson

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Tuple is one record handed over by the buffering layer.
type Tuple struct {
	Tag string
	// Time is seconds since the epoch; fractions are kept.
	Time   float64
	Record map[string]any
}

// Format packs a tuple as the msgpack array [tag, time, record].
// Chunks are plain concatenations of formatted tuples.
func Format(tag string, t float64, record map[string]any) ([]byte, error) {
	b, err := msgpack.Marshal([]any{tag, t, record})
	if err != nil {
		return nil, fmt.Errorf("cannot format tuple with tag %q: %w", tag, err)
	}
	return b, nil
}

// FormatChunk formats tuples into a single chunk.
func FormatChunk(tuples []Tuple) ([]byte, error) {
	var chunk []byte
	for _, tp := range tuples {
		b, err := Format(tp.Tag, tp.Time, tp.Record)
		if err != nil {
			return nil, err
		}
		chunk = append(chunk, b...)
	}
	return chunk, nil
}

// DecodeChunk unpacks every tuple of a chunk in order.
func DecodeChunk(chunk []byte) ([]Tuple, error) {
	r := bytes.NewReader(chunk)
	dec := msgpack.NewDecoder(r)

	var tuples []Tuple
	for r.Len() > 0 {
		tp, err := decodeTuple(dec)
		if err != nil {
			return tuples, fmt.Errorf("cannot decode tuple %d: %w", len(tuples), err)
		}
		tuples = append(tuples, tp)
	}
	return tuples, nil
}

func decodeTuple(dec *msgpack.Decoder) (Tuple, error) {
	var tp Tuple

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return tp, err
	}
	if n != 3 {
		return tp, fmt.Errorf("expected 3 elements, got %d", n)
	}

	if tp.Tag, err = dec.DecodeString(); err != nil {
		return tp, fmt.Errorf("tag: %w", err)
	}

	v, err := dec.DecodeInterface()
	if err != nil {
		return tp, fmt.Errorf("time: %w", err)
	}
	if tp.Time, err = toSeconds(v); err != nil {
		return tp, err
	}

	if tp.Record, err = dec.DecodeMap(); err != nil {
		return tp, fmt.Errorf("record: %w", err)
	}
	return tp, nil
}

func toSeconds(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("time: unsupported type %T", v)
	}
}
