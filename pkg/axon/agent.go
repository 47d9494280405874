package axon

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/synaptic-labs/neuron/pkg/audit"
)

// HealthStatus is what the status surface reports for the Axon link.
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Degraded HealthStatus = "degraded"
)

const (
	defaultHeartbeatInterval = 60 * time.Second
	backoffBase              = 5000 * time.Millisecond
	defaultBackoffCeiling    = 5 * time.Minute
)

// Provider names one provider this neuron fronts.
type Provider struct {
	NPI         string
	DisplayName string
}

// Config drives enrollment and the heartbeat schedule.
type Config struct {
	OrganizationNPI   string
	OrganizationName  string
	OrganizationType  string
	EndpointURL       string
	Providers         []Provider
	HeartbeatInterval time.Duration
	BackoffCeiling    time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = defaultBackoffCeiling
	}
	return c
}

// Agent owns the registration lifecycle: enroll once, announce providers,
// then heartbeat forever with full-jitter backoff on failure.
type Agent struct {
	cfg    Config
	client *Client
	states *StateStore
	log    *audit.Log
	logger *slog.Logger

	mu          sync.Mutex
	state       *RegistrationState
	attempt     int
	lastSuccess time.Time
	status      HealthStatus
	observer    func(HealthStatus)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAgent wires the agent to the registry client and the state store.
func NewAgent(cfg Config, client *Client, states *StateStore, log *audit.Log, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:    cfg.withDefaults(),
		client: client,
		states: states,
		log:    log,
		logger: logger,
		status: Degraded,
	}
}

// SetObserver registers a callback fired on every health transition.
func (a *Agent) SetObserver(fn func(HealthStatus)) {
	a.mu.Lock()
	a.observer = fn
	a.mu.Unlock()
}

// Health reports the current link status and consecutive failure count.
func (a *Agent) Health() (HealthStatus, int, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.attempt, a.lastSuccess
}

// Registration returns the current persisted registration, if any.
func (a *Agent) Registration() *RegistrationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return nil
	}
	copied := *a.state
	return &copied
}

// Start performs a best-effort initial registration and launches the
// heartbeat loop. An unreachable registry does not fail startup; the loop
// keeps retrying with backoff and the link stays degraded.
func (a *Agent) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	if err := a.ensureRegistered(runCtx); err != nil {
		a.logger.Warn("initial axon registration failed, will retry", "error", err)
		a.recordFailure()
	} else {
		a.recordSuccess()
	}

	go a.loop(runCtx)
}

// Stop cancels the loop and waits for the in-flight beat, if any.
func (a *Agent) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *Agent) loop(ctx context.Context) {
	defer close(a.done)
	for {
		timer := time.NewTimer(a.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		a.beat(ctx)
	}
}

// nextDelay is the heartbeat interval while healthy; after failures it is
// min(ceiling, 2^attempt x 5000ms x rand[0,1)), exponential with full
// jitter.
func (a *Agent) nextDelay() time.Duration {
	a.mu.Lock()
	attempt := a.attempt
	a.mu.Unlock()

	if attempt == 0 {
		return a.cfg.HeartbeatInterval
	}

	shift := attempt
	if shift > 20 {
		shift = 20
	}
	raw := time.Duration(int64(1)<<shift) * backoffBase
	jittered := time.Duration(float64(raw) * randFloat())
	if jittered > a.cfg.BackoffCeiling {
		return a.cfg.BackoffCeiling
	}
	return jittered
}

func (a *Agent) beat(ctx context.Context) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	if state == nil {
		if err := a.ensureRegistered(ctx); err != nil {
			a.logger.Warn("axon registration retry failed", "error", err)
			a.recordFailure()
			return
		}
		a.recordSuccess()
		return
	}

	err := a.client.Heartbeat(ctx, state.RegistrationID, a.cfg.EndpointURL)
	switch {
	case err == nil:
		a.recordSuccess()
	case ctx.Err() != nil:
		// Shutdown raced the beat; not a health signal.
	case errors.Is(err, ErrRegistrationLost):
		a.logger.Warn("axon registration lost, re-enrolling")
		a.mu.Lock()
		a.state = nil
		a.mu.Unlock()
		if err := a.ensureRegistered(ctx); err != nil {
			a.logger.Warn("re-enrollment failed", "error", err)
			a.recordFailure()
			return
		}
		a.recordSuccess()
	default:
		a.logger.Warn("heartbeat failed", "error", err)
		a.recordFailure()
	}
}

// ensureRegistered loads or creates the registration and announces every
// configured provider that is not yet on record.
func (a *Agent) ensureRegistered(ctx context.Context) error {
	state, err := a.states.Load(ctx)
	if err != nil && !errors.Is(err, ErrNoRegistration) {
		return err
	}

	if state == nil {
		resp, err := a.client.Enroll(ctx, EnrollmentRequest{
			OrganizationNPI:   a.cfg.OrganizationNPI,
			OrganizationName:  a.cfg.OrganizationName,
			OrganizationType:  a.cfg.OrganizationType,
			NeuronEndpointURL: a.cfg.EndpointURL,
		})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		state = &RegistrationState{
			RegistrationID: resp.RegistrationID,
			AuthToken:      resp.AuthToken,
			Status:         StatusRegistered,
			RegisteredAt:   now,
			UpdatedAt:      now,
		}
		if err := a.states.Save(ctx, state); err != nil {
			return err
		}
		a.audit("neuron_enrolled", map[string]any{"registration_id": state.RegistrationID})
		a.logger.Info("enrolled with axon registry", "registration_id", state.RegistrationID)
	}

	a.client.SetToken(state.AuthToken)

	known, err := a.states.Providers(ctx)
	if err != nil {
		return err
	}
	registered := make(map[string]bool, len(known))
	for _, p := range known {
		registered[p.ProviderNPI] = true
	}

	for _, p := range a.cfg.Providers {
		if registered[p.NPI] {
			continue
		}
		resp, err := a.client.RegisterProvider(ctx, state.RegistrationID, ProviderRequest{
			ProviderNPI: p.NPI,
			DisplayName: p.DisplayName,
		})
		if err != nil {
			return err
		}
		if err := a.states.SaveProvider(ctx, &ProviderRegistration{
			ProviderNPI:    p.NPI,
			DisplayName:    p.DisplayName,
			AxonProviderID: resp.AxonProviderID,
			RegisteredAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		a.audit("provider_registered", map[string]any{"provider_npi": p.NPI})
	}

	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	return nil
}

func (a *Agent) recordSuccess() {
	a.mu.Lock()
	a.attempt = 0
	a.lastSuccess = time.Now().UTC()
	changed := a.status != Healthy
	a.status = Healthy
	observer := a.observer
	a.mu.Unlock()

	if changed && observer != nil {
		observer(Healthy)
	}
}

func (a *Agent) recordFailure() {
	a.mu.Lock()
	a.attempt++
	changed := a.status != Degraded
	a.status = Degraded
	observer := a.observer
	a.mu.Unlock()

	if changed && observer != nil {
		observer(Degraded)
	}
}

func (a *Agent) audit(action string, details map[string]any) {
	if a.log == nil {
		return
	}
	if _, err := a.log.Append(audit.CategoryRegistration, action, a.cfg.OrganizationNPI, details); err != nil {
		a.logger.Error("audit append failed", "action", action, "error", err)
	}
}

// randFloat draws from [0,1) using the system RNG.
func randFloat() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}
