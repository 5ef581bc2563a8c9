package push

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"wsquic/internal/logging"
	"wsquic/internal/metrics"
	"wsquic/internal/session"
	"wsquic/internal/wire/message"
)

type fakeSender struct {
	sent []*message.MessageFrame
}

func (f *fakeSender) Send(m *message.MessageFrame) error {
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) Alive() bool { return true }

func newTestRunner(t *testing.T) (*Runner, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(10)
	log := logging.NewNopLogger()
	m := metrics.New(metrics.Config{})
	return New(registry, "test-server", log, m, WithClock(func() uint64 { return 42 })), registry
}

func connectFakeSession(t *testing.T, registry *session.Registry) *fakeSender {
	t.Helper()
	sender := &fakeSender{}
	sess, err := registry.Admit(uuid.New(), "native", sender)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	registry.SetState(sess.ID, session.Connected)
	return sender
}

func TestHeartbeatBroadcastsPing(t *testing.T) {
	r, registry := newTestRunner(t)
	sender := connectFakeSession(t, registry)

	r.heartbeatTick()

	if len(sender.sent) != 1 || sender.sent[0].Type != message.TypePing {
		t.Fatalf("sent = %+v, want a single Ping", sender.sent)
	}
	if sender.sent[0].Timestamp != 42 {
		t.Errorf("Timestamp = %d, want 42", sender.sent[0].Timestamp)
	}
}

func TestServerStatusReportsConnectionCount(t *testing.T) {
	r, registry := newTestRunner(t)
	sender := connectFakeSession(t, registry)
	connectFakeSession(t, registry)

	r.serverStatusTick()

	if len(sender.sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0].Content, "2 active connections") {
		t.Errorf("Content = %q, want mention of 2 active connections", sender.sent[0].Content)
	}
}

func TestNotificationsOnlyReachSubscribers(t *testing.T) {
	r, registry := newTestRunner(t)
	sender := connectFakeSession(t, registry)
	other := connectFakeSession(t, registry)

	var subscribedID uuid.UUID
	for id := range registrySessionIDs(registry) {
		subscribedID = id
		break
	}
	registry.Subscribe(subscribedID, []string{notificationFeed[0].topic})

	r.notificationsTick()

	total := len(sender.sent) + len(other.sent)
	if total != 1 {
		t.Fatalf("total pushed = %d, want exactly 1 (only the subscriber)", total)
	}
}

func TestSensorsPushesJSONPayload(t *testing.T) {
	r, registry := newTestRunner(t)
	sender := connectFakeSession(t, registry)
	registry.Subscribe(firstSessionID(registry), []string{"sensors"})

	r.sensorsTick()

	if len(sender.sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(sender.sent))
	}
	f := sender.sent[0]
	if f.Topic != "sensors" || f.Type != message.TypeServerPush {
		t.Errorf("frame = %+v, want ServerPush on topic sensors", f)
	}
	if !strings.Contains(f.Content, "temperature_c") {
		t.Errorf("Content = %q, want a temperature_c field", f.Content)
	}
}

func TestMonitoringPushIncludesActiveConnections(t *testing.T) {
	r, registry := newTestRunner(t)
	sender := connectFakeSession(t, registry)
	registry.Subscribe(firstSessionID(registry), []string{"monitoring"})

	r.monitoringTick()

	if !strings.Contains(sender.sent[0].Content, `"active_connections":1`) {
		t.Errorf("Content = %q, want active_connections:1", sender.sent[0].Content)
	}
}

func TestStocksPushesSymbolList(t *testing.T) {
	r, registry := newTestRunner(t)
	sender := connectFakeSession(t, registry)
	registry.Subscribe(firstSessionID(registry), []string{"stocks"})

	r.stocksTick()

	for _, symbol := range stockSymbols {
		if !strings.Contains(sender.sent[0].Content, symbol) {
			t.Errorf("Content = %q, want it to mention %s", sender.sent[0].Content, symbol)
		}
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func registrySessionIDs(registry *session.Registry) map[uuid.UUID]struct{} {
	ids := make(map[uuid.UUID]struct{})
	for _, info := range registry.AllInfo() {
		ids[info.ID] = struct{}{}
	}
	return ids
}

func firstSessionID(registry *session.Registry) uuid.UUID {
	for id := range registrySessionIDs(registry) {
		return id
	}
	return uuid.UUID{}
}
