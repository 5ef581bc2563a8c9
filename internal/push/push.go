// Package push implements the server's periodic push engines: independent
// ticker-driven producers that run for the process lifetime, broadcasting
// or topic-targeting synthetic traffic to connected sessions.
package push

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wsquic/internal/logging"
	"wsquic/internal/metrics"
	"wsquic/internal/session"
	"wsquic/internal/wire/message"
)

// Cadences for each engine, per the fixed schedule every instance runs.
const (
	HeartbeatInterval     = 30 * time.Second
	ServerStatusInterval  = 60 * time.Second
	NotificationsInterval = 90 * time.Second
	SensorsInterval       = 15 * time.Second
	MonitoringInterval    = 20 * time.Second
	StocksInterval        = 5 * time.Second
)

var notificationFeed = []struct {
	topic   string
	message string
}{
	{"news", "Breaking: a new release just shipped."},
	{"sports", "Final score update now available."},
	{"weather", "Severe weather advisory issued for your region."},
	{"tech", "A new security patch has been released."},
}

var stockSymbols = []string{"ACME", "GLOB", "QNTM", "WAVE"}

// Runner owns the six push engines and the state each one rotates through.
type Runner struct {
	registry   *session.Registry
	serverName string
	log        *logging.Logger
	metrics    *metrics.Metrics
	nowFunc    func() uint64

	notificationIdx uint64
	sensorIdx       uint64
	monitorIdx      uint64
	stockIdx        uint64
}

// Option configures a Runner at construction.
type Option func(*Runner)

// WithClock overrides the time source used to stamp pushed frames; tests
// use this to avoid depending on wall-clock behavior.
func WithClock(now func() uint64) Option {
	return func(r *Runner) { r.nowFunc = now }
}

// New builds a Runner bound to registry, ready to have Run called on it.
func New(registry *session.Registry, serverName string, log *logging.Logger, m *metrics.Metrics, opts ...Option) *Runner {
	r := &Runner{
		registry:   registry,
		serverName: serverName,
		log:        log,
		metrics:    m,
		nowFunc:    func() uint64 { return uint64(time.Now().Unix()) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts all six push engines and blocks until ctx is canceled.
func (r *Runner) Run(ctx context.Context) {
	engines := []struct {
		name     string
		interval time.Duration
		tick     func()
	}{
		{"heartbeat", HeartbeatInterval, r.heartbeatTick},
		{"server_status", ServerStatusInterval, r.serverStatusTick},
		{"notifications", NotificationsInterval, r.notificationsTick},
		{"sensors", SensorsInterval, r.sensorsTick},
		{"monitoring", MonitoringInterval, r.monitoringTick},
		{"stocks", StocksInterval, r.stocksTick},
	}

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(name string, interval time.Duration, tick func()) {
			defer wg.Done()
			r.runEngine(ctx, name, interval, tick)
		}(e.name, e.interval, e.tick)
	}
	wg.Wait()
}

func (r *Runner) runEngine(ctx context.Context, name string, interval time.Duration, tick func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
			r.metrics.RecordPushTick(name)
		}
	}
}

func (r *Runner) logDeliveryErrors(engine string, errs []error) {
	for _, err := range errs {
		r.log.Info("push delivery failed", "engine", engine, "error", err.Error())
	}
}

func (r *Runner) heartbeatTick() {
	f := message.New(message.TypePing)
	f.Timestamp = r.nowFunc()
	sent, errs := r.registry.Broadcast(f)
	r.logDeliveryErrors("heartbeat", errs)
	r.log.Debug("heartbeat tick", "recipients", sent)
}

func (r *Runner) serverStatusTick() {
	n := r.registry.Count()
	f := message.New(message.TypeText)
	f.Content = fmt.Sprintf("🔔 Server Status: %s - %d active connections", r.serverName, n)
	f.Timestamp = r.nowFunc()
	sent, errs := r.registry.Broadcast(f)
	r.logDeliveryErrors("server_status", errs)
	r.log.Debug("server status tick", "recipients", sent)
}

func (r *Runner) notificationsTick() {
	idx := atomic.AddUint64(&r.notificationIdx, 1) - 1
	tuple := notificationFeed[idx%uint64(len(notificationFeed))]

	f := message.New(message.TypeServerPush)
	f.Topic = tuple.topic
	f.Content = tuple.message
	f.Timestamp = r.nowFunc()

	sent, errs := r.registry.PushToSubscribers(tuple.topic, f)
	r.logDeliveryErrors("notifications", errs)
	r.log.Debug("notifications tick", "topic", tuple.topic, "recipients", sent)
}

func (r *Runner) sensorsTick() {
	idx := atomic.AddUint64(&r.sensorIdx, 1) - 1
	temperature := 18.0 + float64(idx%10)
	humidity := 40 + int(idx%30)
	pressure := 1000 + int(idx%20)

	f := message.New(message.TypeServerPush)
	f.Topic = "sensors"
	f.Content = fmt.Sprintf(`{"temperature_c":%.1f,"humidity_pct":%d,"pressure_hpa":%d}`, temperature, humidity, pressure)
	f.Timestamp = r.nowFunc()

	sent, errs := r.registry.PushToSubscribers("sensors", f)
	r.logDeliveryErrors("sensors", errs)
	r.log.Debug("sensors tick", "recipients", sent)
}

func (r *Runner) monitoringTick() {
	idx := atomic.AddUint64(&r.monitorIdx, 1) - 1
	cpu := 10 + int(idx%70)
	mem := 20 + int(idx%60)
	disk := 30 + int(idx%40)
	network := 100 + int(idx%900)
	active := r.registry.Count()

	f := message.New(message.TypeServerPush)
	f.Topic = "monitoring"
	f.Content = fmt.Sprintf(`{"cpu_pct":%d,"memory_pct":%d,"disk_pct":%d,"network_kbps":%d,"active_connections":%d}`,
		cpu, mem, disk, network, active)
	f.Timestamp = r.nowFunc()

	sent, errs := r.registry.PushToSubscribers("monitoring", f)
	r.logDeliveryErrors("monitoring", errs)
	r.log.Debug("monitoring tick", "recipients", sent)
}

func (r *Runner) stocksTick() {
	idx := atomic.AddUint64(&r.stockIdx, 1) - 1

	var sb strings.Builder
	sb.WriteByte('[')
	for i, symbol := range stockSymbols {
		base := 100.0 + float64(i)*25
		jitter := float64((idx+uint64(i))%21) - 10
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"symbol":%q,"price":%.2f}`, symbol, base+jitter)
	}
	sb.WriteByte(']')

	f := message.New(message.TypeServerPush)
	f.Topic = "stocks"
	f.Content = sb.String()
	f.Timestamp = r.nowFunc()

	sent, errs := r.registry.PushToSubscribers("stocks", f)
	r.logDeliveryErrors("stocks", errs)
	r.log.Debug("stocks tick", "recipients", sent)
}
