package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type recordingLogger struct {
	entries []string
	fields  []map[string]any
}

func (l *recordingLogger) record(level string, f map[string]any, msg string) {
	l.entries = append(l.entries, level+":"+msg)
	l.fields = append(l.fields, f)
}

func (l *recordingLogger) Info(f map[string]any, msg string)  { l.record("INFO", f, msg) }
func (l *recordingLogger) Error(f map[string]any, msg string) { l.record("ERROR", f, msg) }
func (l *recordingLogger) Debug(f map[string]any, msg string) { l.record("DEBUG", f, msg) }
func (l *recordingLogger) Warn(f map[string]any, msg string)  { l.record("WARN", f, msg) }
func (l *recordingLogger) With(map[string]any) Logger         { return l }

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWriterLogger_LevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWriterLogger(&buf, "info")
	require.NoError(t, err)

	l.Debug(nil, "hidden")
	l.Info(map[string]any{"block_id": 7}, "lookup_done")
	l.Error(map[string]any{"error": errors.New("boom")}, "lookup_failed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "lookup_done", lines[0]["msg"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.EqualValues(t, 7, lines[0]["block_id"])
	assert.Equal(t, "gblock", lines[0]["logger"])
	assert.Equal(t, "boom", lines[1]["error"])

	_, err = NewWriterLogger(&buf, "loud")
	assert.Error(t, err)
}

func TestWith_BindsFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWriterLogger(&buf, "debug")
	require.NoError(t, err)

	child := l.With(map[string]any{"partition": "localwiki"})
	child.Warn(map[string]any{"address": "1.2.3.4"}, "lookup_address_allowed")
	l.Warn(nil, "parent")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "localwiki", lines[0]["partition"])
	assert.Equal(t, "1.2.3.4", lines[0]["address"])
	assert.NotContains(t, lines[1], "partition")
}

func TestSetLogger_RoutesGlobalCalls(t *testing.T) {
	orig := GetLogger()
	t.Cleanup(func() { SetLogger(orig) })

	rec := &recordingLogger{}
	SetLogger(rec)

	Info(map[string]any{"target": "1.2.3.4"}, "info msg")
	Error(nil, "error msg")
	Debug(nil, "debug msg")
	Warn(nil, "warn msg")

	assert.Equal(t, []string{"INFO:info msg", "ERROR:error msg", "DEBUG:debug msg", "WARN:warn msg"}, rec.entries)
	assert.Equal(t, "1.2.3.4", rec.fields[0]["target"])
}

func TestConfigure(t *testing.T) {
	orig := GetLogger()
	t.Cleanup(func() { SetLogger(orig) })

	require.NoError(t, Configure("dev", "debug"))
	require.NoError(t, Configure("prod", "WARN"))

	err := Configure("prod", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestTraceFields(t *testing.T) {
	in := map[string]any{"path": "/v1/actor"}
	out := TraceFields(context.Background(), in)
	assert.Equal(t, in, out)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	out = TraceFields(ctx, in)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", out["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", out["span_id"])
	assert.NotContains(t, in, "trace_id", "input map is not modified")
}

func TestNoopLogger(t *testing.T) {
	l := NewNoopLogger()
	assert.NotPanics(t, func() {
		l.Info(nil, "x")
		l.Error(nil, "x")
		l.Debug(nil, "x")
		l.Warn(nil, "x")
		l.With(map[string]any{"k": 1}).Info(nil, "x")
	})
}
