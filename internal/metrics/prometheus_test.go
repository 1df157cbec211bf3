package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExporterRecordsTurns(t *testing.T) {
	exporter := NewExporter(DefaultConfig())

	exporter.StreamStarted()
	exporter.StreamStarted()
	exporter.RecordChunk("sse")
	exporter.RecordChunk("sse")
	exporter.RecordTurn("sse", "completed", 120*time.Millisecond)

	if got := testutil.ToFloat64(exporter.activeStreams); got != 1 {
		t.Errorf("expected 1 active stream, got %v", got)
	}
	if got := testutil.ToFloat64(exporter.chunks.WithLabelValues("sse")); got != 2 {
		t.Errorf("expected 2 chunks, got %v", got)
	}
	if got := testutil.ToFloat64(exporter.turns.WithLabelValues("sse", "completed")); got != 1 {
		t.Errorf("expected 1 completed turn, got %v", got)
	}
}

func TestExporterHandler(t *testing.T) {
	exporter := NewExporter(Config{})
	exporter.StreamStarted()
	exporter.RecordTurn("ws", "failed", time.Second)
	exporter.RecordStoreError("append_turn")

	req := httptest.NewRequest("GET", "/metrics", http.NoBody)
	w := httptest.NewRecorder()
	exporter.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{
		"buddychat_stream_turns_total",
		"buddychat_stream_turn_duration_seconds",
		"buddychat_store_errors_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in output", name)
		}
	}
}

func TestNilExporterIsNoop(t *testing.T) {
	var exporter *Exporter
	exporter.StreamStarted()
	exporter.RecordChunk("sse")
	exporter.RecordTurn("sse", "completed", time.Millisecond)
	exporter.RecordStoreError("touch")
}
