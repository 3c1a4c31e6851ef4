package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInstrumentConsoleFormats(t *testing.T) {
	orig := slog.Default()
	t.Cleanup(func() { slog.SetDefault(orig) })

	tests := []struct {
		name   string
		format string
		check  func(t *testing.T, out string)
	}{
		{
			name:   "text",
			format: "text",
			check: func(t *testing.T, out string) {
				if !strings.Contains(out, "msg=refreshed") || !strings.Contains(out, "generation=2") {
					t.Errorf("unexpected text output: %q", out)
				}
			},
		},
		{
			name:   "json",
			format: "json",
			check: func(t *testing.T, out string) {
				var record map[string]any
				if err := json.Unmarshal([]byte(out), &record); err != nil {
					t.Fatalf("output is not JSON: %v (%q)", err, out)
				}
				if record["msg"] != "refreshed" || record["generation"] != float64(2) {
					t.Errorf("unexpected record: %v", record)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			shutdown, err := instrument(context.Background(), &buf, slog.LevelInfo, tt.format, ExporterNone)
			if err != nil {
				t.Fatalf("instrument: %v", err)
			}
			t.Cleanup(func() { _ = shutdown(context.Background()) })

			slog.Debug("hidden")
			slog.Info("refreshed", "generation", 2)
			tt.check(t, strings.TrimSpace(buf.String()))
		})
	}
}

func TestInstrumentRejectsUnknownSettings(t *testing.T) {
	if _, err := instrument(context.Background(), &bytes.Buffer{}, slog.LevelInfo, "xml", ExporterNone); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := instrument(context.Background(), &bytes.Buffer{}, slog.LevelInfo, "text", Exporter("carrier-pigeon")); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestInstrumentWithStdoutExporter(t *testing.T) {
	orig := slog.Default()
	t.Cleanup(func() { slog.SetDefault(orig) })

	var buf bytes.Buffer
	shutdown, err := instrument(context.Background(), &buf, slog.LevelWarn, "text", ExporterStdout)
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}

	slog.Info("below threshold")
	slog.Warn("refresh failed", "error", "timeout")

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "below threshold") {
		t.Errorf("info record passed warn threshold: %q", out)
	}
	if !strings.Contains(out, "refresh failed") {
		t.Errorf("warn record missing from console output: %q", out)
	}
}

// lockedBuffer is written by the log and span batch processors concurrently.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInstrumentExportsSpansWithCorrelatedLogs(t *testing.T) {
	orig := slog.Default()
	t.Cleanup(func() { slog.SetDefault(orig) })

	exported := &lockedBuffer{}
	origWriter := exportWriter
	exportWriter = exported
	t.Cleanup(func() { exportWriter = origWriter })

	shutdown, err := instrument(context.Background(), &bytes.Buffer{}, slog.LevelInfo, "text", ExporterStdout)
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}

	ctx, span := otel.Tracer("test").Start(context.Background(), "credentials.Refresh")
	traceID := span.SpanContext().TraceID()
	if !traceID.IsValid() {
		t.Fatal("global tracer provider not installed, span has no trace id")
	}
	slog.WarnContext(ctx, "token refresh failed")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	out := exported.String()
	if !strings.Contains(out, `"Name":"credentials.Refresh"`) {
		t.Errorf("span not exported: %q", out)
	}
	if !strings.Contains(out, "token refresh failed") {
		t.Errorf("log record not exported: %q", out)
	}
	// Once in the span, once in the log record
	if got := strings.Count(out, traceID.String()); got < 2 {
		t.Errorf("trace id %s found %d times, want span and log record", traceID, got)
	}
}

func TestFanoutHandler(t *testing.T) {
	var debug, warn bytes.Buffer
	h := &fanoutHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	logger := slog.New(h).With("component", "scheduler").WithGroup("refresh")

	logger.Info("tick", "expired", false)
	logger.Warn("retry", "attempt", 3)

	if !strings.Contains(debug.String(), "msg=tick") || !strings.Contains(debug.String(), "msg=retry") {
		t.Errorf("debug handler missing records: %q", debug.String())
	}
	if strings.Contains(warn.String(), "msg=tick") {
		t.Errorf("warn handler received info record: %q", warn.String())
	}
	if !strings.Contains(warn.String(), "component=scheduler") || !strings.Contains(warn.String(), "refresh.attempt=3") {
		t.Errorf("attrs or group not propagated: %q", warn.String())
	}
}
