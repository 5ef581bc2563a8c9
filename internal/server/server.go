// Package server assembles the registry, broadcast bus, transport
// endpoint, dispatcher, push engines, and reaper into a single runnable
// messaging server.
package server

import (
	"context"
	"fmt"

	"github.com/quic-go/quic-go/http3"

	"wsquic/internal/broadcast"
	"wsquic/internal/config"
	"wsquic/internal/dispatch/h3"
	"wsquic/internal/dispatch/native"
	"wsquic/internal/logging"
	"wsquic/internal/metrics"
	"wsquic/internal/push"
	"wsquic/internal/session"
	"wsquic/internal/transport"
)

// Server is the top-level messaging server: a QUIC endpoint running in
// exactly one wire mode, backed by a shared session registry, broadcast
// bus, reaper, and push engines.
type Server struct {
	cfg      *config.ServerConfig
	log      *logging.Logger
	metrics  *metrics.Metrics
	registry *session.Registry
	bus      *broadcast.Bus
	pushes   *push.Runner
	endpoint *transport.Endpoint

	metricsServer *metrics.Server
}

// New wires up a Server from configuration without binding any sockets.
func New(cfg *config.ServerConfig, log *logging.Logger, m *metrics.Metrics) (*Server, error) {
	registry := session.NewRegistry(cfg.MaxClients)
	bus := broadcast.New(m.BroadcastDrops.Inc)
	pushes := push.New(registry, cfg.ServerName, log, m)

	nativeDispatcher := native.New(registry, bus, cfg.ServerName, log, m)
	h3Dispatcher := h3.New(registry, bus, cfg.ServerName, log, m)

	endpoint, err := transport.New(cfg, m, http3.Server{Handler: h3Dispatcher}, nativeDispatcher.HandleConnection)
	if err != nil {
		return nil, fmt.Errorf("server: building transport endpoint: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		registry: registry,
		bus:      bus,
		pushes:   pushes,
		endpoint: endpoint,
	}

	if cfg.MetricsEnabled {
		s.metricsServer = metrics.NewServer(m, cfg.MetricsAddr)
	}

	return s, nil
}

// Run starts the reaper, push engines, and optional metrics server, then
// serves the transport endpoint until ctx is canceled, and finally shuts
// down the metrics server and closes the endpoint. It does not wait for the
// reaper and push-engine goroutines; they return on their own once ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting wsquic server", "name", s.cfg.ServerName, "addr", s.cfg.Addr, "mode", s.cfg.Mode)

	go session.RunReaper(ctx, s.registry, s.log)
	go s.pushes.Run(ctx)

	if s.metricsServer != nil {
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil {
				s.log.Warn("metrics server stopped", "error", err.Error())
			}
		}()
	}

	err := s.endpoint.Serve(ctx)

	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(context.Background())
	}
	_ = s.endpoint.Close()

	return err
}
