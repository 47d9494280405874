// Package neuron assembles the broker from its parts: storage, audit log,
// handshake engine, admission limiter, listener, admin API, and the Axon
// registry agent. The Service is what cmd/neuron runs.
package neuron

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/synaptic-labs/neuron/pkg/admission"
	"github.com/synaptic-labs/neuron/pkg/api"
	"github.com/synaptic-labs/neuron/pkg/audit"
	"github.com/synaptic-labs/neuron/pkg/axon"
	"github.com/synaptic-labs/neuron/pkg/challenge"
	"github.com/synaptic-labs/neuron/pkg/config"
	"github.com/synaptic-labs/neuron/pkg/handshake"
	"github.com/synaptic-labs/neuron/pkg/observability"
	"github.com/synaptic-labs/neuron/pkg/relationship"
	"github.com/synaptic-labs/neuron/pkg/server"
	"github.com/synaptic-labs/neuron/pkg/storage"
	"github.com/synaptic-labs/neuron/pkg/termination"
)

// Version is reported to the metrics pipeline and the status surface.
const Version = "1.0.0"

// Service is the assembled broker.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *sql.DB
	log        *audit.Log
	store      *relationship.SQLStore
	challenges *challenge.Store
	engine     *handshake.Engine
	limiter    *admission.Limiter
	srv        *server.Server
	terminator *termination.Handler
	metrics    *observability.Provider

	states *axon.StateStore
	client *axon.Client
	agent  *axon.Agent

	startedAt time.Time
}

// New opens storage, runs migrations, and wires every component. Nothing
// listens until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	var log *audit.Log
	if cfg.Audit.Enabled {
		log, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	metrics, err := observability.New(ctx, &observability.Config{
		ServiceName:    "neuron",
		ServiceVersion: Version,
		Environment:    cfg.Organization.Type,
		OTLPEndpoint:   cfg.Metrics.OTLPEndpoint,
		Enabled:        cfg.Metrics.Enabled,
		Insecure:       cfg.Metrics.Insecure,
		ExportInterval: time.Duration(cfg.Metrics.ExportIntervalMs) * time.Millisecond,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		log:        log,
		store:      relationship.NewSQLStore(db),
		challenges: challenge.NewStore(),
		metrics:    metrics,
		states:     axon.NewStateStore(db),
	}

	s.engine = handshake.NewEngine(handshake.Config{
		OrganizationNPI:    cfg.Organization.NPI,
		AdvertisedEndpoint: cfg.Axon.EndpointURL,
		AuthTimeout:        time.Duration(cfg.WebSocket.AuthTimeoutMs) * time.Millisecond,
		MaxPayloadBytes:    cfg.WebSocket.MaxPayloadBytes,
	}, s.store, s.challenges, log, logger)

	s.terminator = termination.NewHandler(s.store, log, logger)

	s.limiter = admission.NewLimiter(
		cfg.WebSocket.MaxConcurrentHandshakes,
		time.Duration(cfg.WebSocket.QueueTimeoutMs)*time.Millisecond,
	)

	s.srv = server.New(server.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		Path:             cfg.WebSocket.Path,
		MaxPayloadBytes:  cfg.WebSocket.MaxPayloadBytes,
		ObserveQueueWait: func(wait time.Duration) { metrics.RecordQueueWait(context.Background(), wait) },
	}, &instrumentedEngine{engine: s.engine, metrics: metrics}, s.limiter, api.New(cfg.API, s), logger)

	if cfg.Axon.RegistryURL != "" {
		s.client = axon.NewClient(cfg.Axon.RegistryURL, "")
		providers := make([]axon.Provider, 0, len(cfg.Providers))
		for _, p := range cfg.Providers {
			providers = append(providers, axon.Provider{NPI: p.NPI, DisplayName: p.DisplayName})
		}
		s.agent = axon.NewAgent(axon.Config{
			OrganizationNPI:   cfg.Organization.NPI,
			OrganizationName:  cfg.Organization.Name,
			OrganizationType:  cfg.Organization.Type,
			EndpointURL:       cfg.Axon.EndpointURL,
			Providers:         providers,
			HeartbeatInterval: time.Duration(cfg.Heartbeat.IntervalMs) * time.Millisecond,
			BackoffCeiling:    time.Duration(cfg.Axon.BackoffCeilingMs) * time.Millisecond,
		}, s.client, s.states, log, logger)
		s.agent.SetObserver(func(status axon.HealthStatus) {
			metrics.RecordHeartbeat(context.Background(), status == axon.Healthy)
		})
	}

	return s, nil
}

// Start binds the listener and, when a registry is configured, launches the
// Axon agent.
func (s *Service) Start(ctx context.Context) error {
	s.startedAt = time.Now().UTC()
	if err := s.srv.Start(); err != nil {
		return err
	}
	if s.agent != nil {
		s.agent.Start(ctx)
	}
	s.logger.Info("neuron started",
		"organization_npi", s.cfg.Organization.NPI,
		"addr", s.srv.Addr(),
		"axon", s.agent != nil)
	return nil
}

// Stop drains handshakes, stops the agent, flushes metrics, and closes
// storage and the audit log.
func (s *Service) Stop(ctx context.Context) error {
	var errs []error
	if err := s.srv.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server stop: %w", err))
	}
	if s.agent != nil {
		s.agent.Stop()
	}
	if err := s.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
	}
	if s.log != nil {
		if err := s.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit close: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}
	return errors.Join(errs...)
}

// Addr reports the bound listen address, empty before Start.
func (s *Service) Addr() string {
	return s.srv.Addr()
}

// instrumentedEngine counts sessions and terminal outcomes around the
// handshake engine.
type instrumentedEngine struct {
	engine  *handshake.Engine
	metrics *observability.Provider
}

func (ie *instrumentedEngine) Run(ctx context.Context, conn handshake.Conn) error {
	ie.metrics.AddActiveSessions(ctx, 1)
	defer ie.metrics.AddActiveSessions(context.Background(), -1)

	err := ie.engine.Run(ctx, conn)
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	ie.metrics.RecordHandshake(context.Background(), outcome)
	return err
}
