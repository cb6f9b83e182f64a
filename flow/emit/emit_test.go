package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func intPtr(v int) *int { return &v }

func TestNullEmitter(t *testing.T) {
	// Engines default to the null emitter; it has to satisfy Emitter and
	// swallow events without fuss.
	var e Emitter = NewNullEmitter()
	e.Emit(Event{RunID: "run-a", Msg: "workflow_started"})
	e.Emit(Event{})
}

func TestBufferedEmitterHistory(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{RunID: "run-a", Version: 0, Msg: "workflow_started"})
	b.Emit(Event{RunID: "run-a", Version: 1, NodeID: "plan", Msg: "step_completed"})
	b.Emit(Event{RunID: "run-b", Version: 0, Msg: "workflow_started"})

	hist := b.History("run-a")
	if len(hist) != 2 || hist[0].Msg != "workflow_started" || hist[1].NodeID != "plan" {
		t.Fatalf("history %+v", hist)
	}
	if got := b.History("run-b"); len(got) != 1 {
		t.Errorf("run-b history %+v", got)
	}
	if got := b.History("unknown"); len(got) != 0 {
		t.Errorf("unknown run history %+v", got)
	}

	// History hands out copies; mutating one must not corrupt the buffer.
	hist[0].Msg = "tampered"
	if b.History("run-a")[0].Msg != "workflow_started" {
		t.Error("history copy aliases the buffer")
	}
}

func TestBufferedEmitterHistoryWithFilter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{RunID: "run", Version: 0, Msg: "workflow_started"})
	b.Emit(Event{RunID: "run", Version: 1, NodeID: "plan", Msg: "step_completed"})
	b.Emit(Event{RunID: "run", Version: 2, NodeID: "work", Msg: "step_completed"})
	b.Emit(Event{RunID: "run", Version: 3, NodeID: "work", Msg: "step_retried"})

	t.Run("by node", func(t *testing.T) {
		got := b.HistoryWithFilter("run", HistoryFilter{NodeID: "work"})
		if len(got) != 2 {
			t.Errorf("filtered %+v", got)
		}
	})

	t.Run("by message", func(t *testing.T) {
		got := b.HistoryWithFilter("run", HistoryFilter{Msg: "step_completed"})
		if len(got) != 2 || got[0].NodeID != "plan" {
			t.Errorf("filtered %+v", got)
		}
	})

	t.Run("by version window", func(t *testing.T) {
		got := b.HistoryWithFilter("run", HistoryFilter{MinVersion: intPtr(1), MaxVersion: intPtr(2)})
		if len(got) != 2 || got[0].Version != 1 || got[1].Version != 2 {
			t.Errorf("filtered %+v", got)
		}
	})

	t.Run("conjunction", func(t *testing.T) {
		got := b.HistoryWithFilter("run", HistoryFilter{NodeID: "work", Msg: "step_retried"})
		if len(got) != 1 || got[0].Version != 3 {
			t.Errorf("filtered %+v", got)
		}
	})

	t.Run("zero filter matches everything", func(t *testing.T) {
		if got := b.HistoryWithFilter("run", HistoryFilter{}); len(got) != 4 {
			t.Errorf("filtered %+v", got)
		}
	})
}

func TestBufferedEmitterClear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{RunID: "run-a", Msg: "x"})
	b.Emit(Event{RunID: "run-b", Msg: "y"})

	b.Clear("run-a")
	if len(b.History("run-a")) != 0 {
		t.Error("cleared run still has history")
	}
	if len(b.History("run-b")) != 1 {
		t.Error("clearing one run touched another")
	}

	b.Clear("")
	if len(b.History("run-b")) != 0 {
		t.Error("full clear left events behind")
	}
}

func TestBufferedEmitterConcurrent(t *testing.T) {
	b := NewBufferedEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Emit(Event{RunID: "run", Version: j, Msg: "step_completed"})
			}
		}()
	}
	wg.Wait()
	if got := len(b.History("run")); got != 1000 {
		t.Errorf("captured %d events, want 1000", got)
	}
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)
	l.Emit(Event{
		RunID: "run-001", Version: 3, NodeID: "plan",
		Msg:  "step_completed",
		Meta: map[string]any{"duration_ms": 120},
	})
	l.Emit(Event{RunID: "run-001", Version: 4, Msg: "workflow_completed"})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "[step_completed] runID=run-001 version=3 nodeID=plan") {
		t.Errorf("line %q", lines[0])
	}
	if !strings.Contains(lines[0], `"duration_ms":120`) {
		t.Errorf("meta missing from %q", lines[0])
	}
	if strings.Contains(lines[1], "meta=") {
		t.Errorf("empty meta rendered in %q", lines[1])
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)
	l.Emit(Event{
		RunID: "run-001", Version: 3, NodeID: "plan",
		Msg:  "step_completed",
		Meta: map[string]any{"tokens": 42},
	})

	var decoded struct {
		RunID   string         `json:"runID"`
		Version int            `json:"version"`
		NodeID  string         `json:"nodeID"`
		Msg     string         `json:"msg"`
		Meta    map[string]any `json:"meta"`
	}
	line := strings.TrimRight(buf.String(), "\n")
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("line is not JSON: %v (%q)", err, line)
	}
	if decoded.RunID != "run-001" || decoded.Version != 3 || decoded.Msg != "step_completed" {
		t.Errorf("decoded %+v", decoded)
	}
	if decoded.Meta["tokens"] != float64(42) {
		t.Errorf("meta %+v", decoded.Meta)
	}
}

func TestMultiFanOut(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	m := Multi{a, b, NewNullEmitter()}

	m.Emit(Event{RunID: "run", Msg: "step_completed"})

	if len(a.History("run")) != 1 || len(b.History("run")) != 1 {
		t.Error("fan-out missed a sink")
	}
}

func spanAttrs(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func newSpanRecorder(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, NewOTelEmitter(tp.Tracer("test"))
}

func TestOTelEmitterEmit(t *testing.T) {
	exporter, o := newSpanRecorder(t)

	o.Emit(Event{
		RunID: "run-001", Version: 3, NodeID: "plan", Msg: "step_completed",
		Meta: map[string]any{
			"duration_ms": 120 * time.Millisecond,
			"tokens":      42,
			"confidence":  0.8,
			"cached":      true,
			"outcome":     []string{"odd", "type"},
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans", len(spans))
	}
	span := spans[0]
	if span.Name != "step_completed" {
		t.Errorf("span name %q", span.Name)
	}
	attrs := spanAttrs(span.Attributes)
	if attrs["agentflow.run_id"] != "run-001" || attrs["agentflow.version"] != int64(3) || attrs["agentflow.node_id"] != "plan" {
		t.Errorf("identity attrs %v", attrs)
	}
	if attrs["agentflow.tokens"] != int64(42) || attrs["agentflow.cached"] != true || attrs["agentflow.confidence"] != 0.8 {
		t.Errorf("meta attrs %v", attrs)
	}
	if attrs["agentflow.duration_ms"] != int64(120) {
		t.Errorf("duration attr %v", attrs["agentflow.duration_ms"])
	}
	// Unknown meta types fall back to their string form.
	if attrs["agentflow.outcome"] != "[odd type]" {
		t.Errorf("fallback attr %v", attrs["agentflow.outcome"])
	}
	if !span.EndTime.After(span.StartTime) {
		t.Error("span never ended")
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	exporter, o := newSpanRecorder(t)

	o.Emit(Event{
		RunID: "run", Version: 1, NodeID: "work", Msg: "step_failed",
		Meta: map[string]any{"error": "backend unavailable"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error || span.Status.Description != "backend unavailable" {
		t.Errorf("status %+v", span.Status)
	}
	if len(span.Events) == 0 {
		t.Error("error not recorded on the span")
	}
}

func TestOTelEmitterBatchAndFlush(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	o := NewOTelEmitter(tp.Tracer("test"))

	o.EmitBatch(context.Background(), []Event{
		{RunID: "run", Version: 1, Msg: "step_completed"},
		{RunID: "run", Version: 2, Msg: "workflow_completed"},
	})
	if err := o.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 2 {
		t.Errorf("exported %d spans after flush, want 2", got)
	}
}
