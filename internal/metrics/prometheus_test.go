package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New(Config{})
	if m == nil {
		t.Fatal("expected metrics to be created, got nil")
	}
	if m.registry == nil {
		t.Fatal("expected registry to be initialized")
	}
}

func TestRecordDispatch(t *testing.T) {
	m := New(Config{Namespace: "wsquic"})

	m.RecordDispatch("Text", "native", 5*time.Millisecond)
	m.RecordDispatch("Text", "native", 2*time.Millisecond)
	m.RecordDispatch("Binary", "http3", time.Millisecond)

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	var found bool
	for _, mf := range families {
		if mf.GetName() == "wsquic_messages_dispatched_total" {
			found = true
			if len(mf.Metric) < 2 {
				t.Errorf("expected at least 2 distinct label combinations, got %d", len(mf.Metric))
			}
		}
	}
	if !found {
		t.Error("expected wsquic_messages_dispatched_total metric family")
	}
}

func TestRecordPushTick(t *testing.T) {
	m := New(Config{Namespace: "wsquic"})

	m.RecordPushTick("heartbeat")
	m.RecordPushTick("heartbeat")
	m.RecordPushTick("stocks")

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	var found bool
	for _, mf := range families {
		if mf.GetName() == "wsquic_push_engine_ticks_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected wsquic_push_engine_ticks_total metric family")
	}
}

func TestBroadcastDropsAndSessionGauge(t *testing.T) {
	m := New(Config{})

	m.BroadcastDrops.Inc()
	m.BroadcastDrops.Inc()
	m.ActiveSessions.Set(3)
	m.SessionsAdmitted.Inc()
	m.SessionsRejected.WithLabelValues("server_full").Inc()
	m.SessionsEvicted.WithLabelValues("reaper").Inc()
	m.MessagesDropped.WithLabelValues("too_large").Inc()

	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Errorf("expected active sessions 3, got %v", got)
	}
}

func TestServerServesMetricsAndHealth(t *testing.T) {
	m := New(Config{})
	m.ActiveSessions.Set(1)

	srv := NewServer(m, "127.0.0.1:0")
	defer srv.Shutdown(context.Background())

	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("failed to GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /health, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("failed to GET /metrics: %v", err)
	}
	defer resp2.Body.Close()
	body := make([]byte, 4096)
	n, _ := resp2.Body.Read(body)
	if !strings.Contains(string(body[:n]), "wsquic_active_sessions") {
		t.Error("expected /metrics output to contain wsquic_active_sessions")
	}
}
