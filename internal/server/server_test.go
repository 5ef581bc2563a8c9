package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"wsquic/internal/config"
	"wsquic/internal/logging"
	"wsquic/internal/metrics"
	"wsquic/internal/wire/message"
)

func testConfig(mode config.Mode) *config.ServerConfig {
	cfg := config.NewServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Mode = string(mode)
	cfg.MetricsEnabled = false
	return cfg
}

func TestNewBindsEndpointInNativeMode(t *testing.T) {
	s, err := New(testConfig(config.ModeNative), logging.NewNopLogger(), metrics.New(metrics.Config{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.endpoint.Close()

	if s.endpoint == nil {
		t.Fatal("endpoint is nil")
	}
}

func TestNewBindsEndpointInHTTP3Mode(t *testing.T) {
	s, err := New(testConfig(config.ModeHTTP3), logging.NewNopLogger(), metrics.New(metrics.Config{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.endpoint.Close()

	if s.endpoint == nil {
		t.Fatal("endpoint is nil")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	s, err := New(testConfig(config.ModeNative), logging.NewNopLogger(), metrics.New(metrics.Config{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestReapRemovesDeadSessions(t *testing.T) {
	s, err := New(testConfig(config.ModeNative), logging.NewNopLogger(), metrics.New(metrics.Config{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.endpoint.Close()

	dead := &deadSender{}
	if _, err := s.registry.Admit(uuid.New(), "native", dead); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if s.registry.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", s.registry.Count())
	}

	reaped := s.registry.ReapDead()
	if len(reaped) != 1 {
		t.Fatalf("ReapDead() returned %d ids, want 1", len(reaped))
	}
	if s.registry.Count() != 0 {
		t.Errorf("Count() after reap = %d, want 0", s.registry.Count())
	}
}

type deadSender struct{}

func (deadSender) Send(m *message.MessageFrame) error { return nil }
func (deadSender) Alive() bool                        { return false }
