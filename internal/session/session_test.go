package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"wsquic/internal/wire/message"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []*message.MessageFrame
	alive bool
	fail  bool
}

func newFakeSender() *fakeSender { return &fakeSender{alive: true} }

func (f *fakeSender) Send(m *message.MessageFrame) error {
	if f.fail {
		return errSendFailed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var errSendFailed = fakeErr("send failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func fixedClock(v uint64) func() uint64 {
	return func() uint64 { return v }
}

func TestAdmitRespectsMaxSize(t *testing.T) {
	r := NewRegistry(1, WithClock(fixedClock(100)))

	id1 := uuid.New()
	if _, err := r.Admit(id1, "native", newFakeSender()); err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}

	id2 := uuid.New()
	if _, err := r.Admit(id2, "native", newFakeSender()); err != ErrServerFull {
		t.Fatalf("expected ErrServerFull, got %v", err)
	}

	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestStateMonotonicity(t *testing.T) {
	r := NewRegistry(0, WithClock(fixedClock(1)))
	id := uuid.New()
	s, _ := r.Admit(id, "native", newFakeSender())

	if s.State() != Connecting {
		t.Fatalf("initial state = %v, want Connecting", s.State())
	}

	r.SetState(id, Connected)
	if s.State() != Connected {
		t.Fatalf("state = %v, want Connected", s.State())
	}

	// Attempting to move backward is a no-op.
	r.SetState(id, Connecting)
	if s.State() != Connected {
		t.Fatalf("state regressed to %v", s.State())
	}

	r.SetState(id, Closing)
	r.SetState(id, Closed)
	if s.State() != Closed {
		t.Fatalf("state = %v, want Closed", s.State())
	}
}

func TestSendToOnlyDeliversToConnected(t *testing.T) {
	r := NewRegistry(0, WithClock(fixedClock(1)))
	id := uuid.New()
	sender := newFakeSender()
	r.Admit(id, "native", sender)

	f := message.New(message.TypePing)
	if err := r.SendTo(id, f); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound while Connecting, got %v", err)
	}

	r.SetState(id, Connected)
	if err := r.SendTo(id, f); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}
	if sender.count() != 1 {
		t.Errorf("sender received %d messages, want 1", sender.count())
	}
}

func TestSendToMissingSessionIsNotAnError(t *testing.T) {
	r := NewRegistry(0)
	err := r.SendTo(uuid.New(), message.New(message.TypePing))
	if err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound sentinel, got %v", err)
	}
}

func TestBroadcastSkipsNonConnectedAndCollectsFailures(t *testing.T) {
	r := NewRegistry(0, WithClock(fixedClock(1)))

	id1, id2, id3 := uuid.New(), uuid.New(), uuid.New()
	s1, s2, s3 := newFakeSender(), newFakeSender(), newFakeSender()
	s3.fail = true

	r.Admit(id1, "native", s1)
	r.Admit(id2, "native", s2)
	r.Admit(id3, "native", s3)

	r.SetState(id1, Connected)
	// id2 stays Connecting.
	r.SetState(id3, Connected)

	sent, errs := r.Broadcast(message.New(message.TypeBroadcast))
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if len(errs) != 1 {
		t.Errorf("errs = %d, want 1", len(errs))
	}
	if s1.count() != 1 {
		t.Error("expected s1 to receive the broadcast")
	}
	if s2.count() != 0 {
		t.Error("expected s2 (not Connected) to not receive the broadcast")
	}
}

func TestPushToSubscribersOnlyReachesSubscribed(t *testing.T) {
	r := NewRegistry(0, WithClock(fixedClock(1)))

	id1, id2 := uuid.New(), uuid.New()
	s1, s2 := newFakeSender(), newFakeSender()
	r.Admit(id1, "native", s1)
	r.Admit(id2, "native", s2)
	r.SetState(id1, Connected)
	r.SetState(id2, Connected)

	r.Subscribe(id1, []string{"stocks"})

	sent, _ := r.PushToSubscribers("stocks", message.New(message.TypeServerPush))
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if s1.count() != 1 {
		t.Error("expected subscriber to receive the push")
	}
	if s2.count() != 0 {
		t.Error("expected non-subscriber to receive nothing")
	}
}

func TestEvictClearsSubscriptions(t *testing.T) {
	r := NewRegistry(0, WithClock(fixedClock(1)))
	id := uuid.New()
	sender := newFakeSender()
	r.Admit(id, "native", sender)
	r.SetState(id, Connected)
	r.Subscribe(id, []string{"stocks"})

	s, ok := r.Evict(id)
	if !ok {
		t.Fatal("expected Evict to find the session")
	}
	if s.subscribedTo("stocks") {
		t.Error("expected subscriptions to be cleared on eviction")
	}
	if _, found := r.Get(id); found {
		t.Error("expected evicted session to be gone from the registry")
	}
}

func TestReapDeadEvictsUnreachableSessions(t *testing.T) {
	r := NewRegistry(0, WithClock(fixedClock(1)))

	idAlive, idDead := uuid.New(), uuid.New()
	sAlive, sDead := newFakeSender(), newFakeSender()
	sDead.alive = false

	r.Admit(idAlive, "native", sAlive)
	r.Admit(idDead, "native", sDead)

	reaped := r.ReapDead()
	if len(reaped) != 1 || reaped[0] != idDead {
		t.Fatalf("reaped = %v, want [%v]", reaped, idDead)
	}
	if _, ok := r.Get(idDead); ok {
		t.Error("expected dead session to be evicted")
	}
	if _, ok := r.Get(idAlive); !ok {
		t.Error("expected alive session to remain")
	}
}

func TestSubscribeThenUnsubscribeRestoresPriorState(t *testing.T) {
	r := NewRegistry(0, WithClock(fixedClock(1)))
	id := uuid.New()
	r.Admit(id, "native", newFakeSender())

	before, ok := r.Get(id)
	if !ok {
		t.Fatal("expected session to exist")
	}
	if before.subscribedTo("stocks") {
		t.Fatal("expected session not subscribed to stocks before test")
	}

	r.Subscribe(id, []string{"stocks"})
	r.Unsubscribe(id, []string{"stocks"})

	after, ok := r.Get(id)
	if !ok {
		t.Fatal("expected session to still exist")
	}
	if after.subscribedTo("stocks") {
		t.Error("expected subscription to be removed after unsubscribe")
	}
}

func TestReapDeadIsIdempotent(t *testing.T) {
	r := NewRegistry(0, WithClock(fixedClock(1)))

	idDead := uuid.New()
	sDead := newFakeSender()
	sDead.alive = false
	r.Admit(idDead, "native", sDead)

	first := r.ReapDead()
	if len(first) != 1 {
		t.Fatalf("first ReapDead() = %v, want 1 session", first)
	}

	second := r.ReapDead()
	if len(second) != 0 {
		t.Errorf("second ReapDead() = %v, want 0", second)
	}
}

func TestRunReaperStopsOnContextCancel(t *testing.T) {
	r := NewRegistry(0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunReaper(ctx, r, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunReaper did not return after context cancellation")
	}
}
