package pgjson

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func splitLine(t *testing.T, line []byte) (tag, ts, value string) {
	t.Helper()
	require.True(t, bytes.HasSuffix(line, []byte{'\n'}), "line must end with a newline")
	assert.Equal(t, 1, bytes.Count(line, []byte{'\n'}), "line must contain a single newline")

	fields := bytes.Split(line[:len(line)-1], []byte{Delimiter})
	require.Len(t, fields, 3)
	return string(fields[0]), string(fields[1]), string(fields[2])
}

func TestEncodeTextLine(t *testing.T) {
	enc := NewEncoder(TextMode)
	line, err := enc.Encode("app.log", 1700000000, map[string]any{"msg": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "app.log\x012023-11-14 22:13:20+00\x01{\"msg\":\"ok\"}\n", string(line))
}

func TestEncodeTextDoublesBackslashes(t *testing.T) {
	enc := NewEncoder(TextMode)
	line, err := enc.Encode("t", 0, map[string]any{"a": `b\c`})
	require.NoError(t, err)

	_, _, value := splitLine(t, line)
	assert.Equal(t, `{"a":"b\\\\c"}`, value)
}

func TestEncodeTextKeepsHTMLAndSortsKeys(t *testing.T) {
	enc := NewEncoder(TextMode)
	line, err := enc.Encode("t", 0, map[string]any{"b": "<a&b>", "a": 1})
	require.NoError(t, err)

	_, _, value := splitLine(t, line)
	assert.Equal(t, `{"a":1,"b":"<a&b>"}`, value)
}

func TestEncodeTextDelimiterSafety(t *testing.T) {
	enc := NewEncoder(TextMode)
	line, err := enc.Encode("t", 1, map[string]any{
		"ctl":  "x\x01y\nz\r",
		"path": `C:\tmp`,
	})
	require.NoError(t, err)

	_, _, value := splitLine(t, line)
	assert.NotContains(t, value, "\x01")
	assert.NotContains(t, value, "\r")
	assert.Contains(t, value, `\\u0001`)
	assert.Contains(t, value, `\\n`)
}

func TestEncodeBinaryRoundTrip(t *testing.T) {
	record := map[string]any{
		"msg":    "a\x01b\nc\\d",
		"ok":     true,
		"nested": map[string]any{"k": "v"},
	}

	enc := NewEncoder(BinaryMode)
	line, err := enc.Encode("bin", 1700000000, record)
	require.NoError(t, err)

	_, _, value := splitLine(t, line)
	require.True(t, strings.HasPrefix(value, `\\x`), value)

	raw, err := hex.DecodeString(value[3:])
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, msgpack.Unmarshal(raw, &decoded))
	assert.Equal(t, record, decoded)
}

func TestEncodeEscapesTag(t *testing.T) {
	enc := NewEncoder(TextMode)
	line, err := enc.Encode("a\\b\nc\x01d", 0, map[string]any{})
	require.NoError(t, err)

	tag, _, value := splitLine(t, line)
	assert.Equal(t, `a\\b\nc\x01d`, tag)
	assert.Equal(t, `{}`, value)
}

func TestEncodeTimestamp(t *testing.T) {
	enc := NewEncoder(TextMode)

	line, err := enc.Encode("t", 1700000000.25, nil)
	require.NoError(t, err)
	_, ts, value := splitLine(t, line)
	assert.Equal(t, "2023-11-14 22:13:20.25+00", ts)
	assert.Equal(t, "null", value)

	line, err = enc.Encode("t", 0, nil)
	require.NoError(t, err)
	_, ts, _ = splitLine(t, line)
	assert.Equal(t, "1970-01-01 00:00:00+00", ts)
}

func TestEncodeRejectsUnrepresentableTime(t *testing.T) {
	enc := NewEncoder(TextMode)
	for _, sec := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 1e20, -1e20, -62135596801} {
		t.Run(fmt.Sprint(sec), func(t *testing.T) {
			out, err := enc.AppendLine([]byte("keep"), Tuple{Tag: "t", Time: sec, Record: map[string]any{}})
			var rangeErr *TimeRangeError
			require.ErrorAs(t, err, &rangeErr)
			assert.Equal(t, "keep", string(out))
		})
	}

	// the first and last representable seconds
	line, err := enc.Encode("t", -62135596800, nil)
	require.NoError(t, err)
	_, ts, _ := splitLine(t, line)
	assert.Equal(t, "0001-01-01 00:00:00+00", ts)

	line, err = enc.Encode("t", 9224318015999, nil)
	require.NoError(t, err)
	_, ts, _ = splitLine(t, line)
	assert.Equal(t, "294276-12-31 23:59:59+00", ts)
}

func TestEncodeUnsupportedValue(t *testing.T) {
	for _, mode := range []Mode{TextMode, BinaryMode} {
		t.Run(mode.String(), func(t *testing.T) {
			enc := NewEncoder(mode)
			dst := []byte("keep")
			out, err := enc.AppendLine(dst, Tuple{Tag: "t", Record: map[string]any{"c": make(chan int)}})
			assert.Error(t, err)
			assert.Equal(t, "keep", string(out))
		})
	}
}

func TestAppendLineAppends(t *testing.T) {
	enc := NewEncoder(TextMode)
	b, err := enc.AppendLine(nil, Tuple{Tag: "a", Time: 0, Record: map[string]any{"n": 1}})
	require.NoError(t, err)
	b, err = enc.AppendLine(b, Tuple{Tag: "b", Time: 0, Record: map[string]any{"n": 2}})
	require.NoError(t, err)

	lines := strings.SplitAfter(string(b), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "a\x01"))
	assert.True(t, strings.HasPrefix(lines[1], "b\x01"))
	assert.Empty(t, lines[2])
}
