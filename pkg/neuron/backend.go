package neuron

import (
	"context"
	"time"

	"github.com/synaptic-labs/neuron/pkg/api"
	"github.com/synaptic-labs/neuron/pkg/audit"
	"github.com/synaptic-labs/neuron/pkg/axon"
	"github.com/synaptic-labs/neuron/pkg/relationship"
)

// The Service is the api.Backend: the admin surface reads and mutates
// through these methods.

func (s *Service) Organization(ctx context.Context) (*api.OrganizationSnapshot, error) {
	providers, err := s.providerSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	return &api.OrganizationSnapshot{
		NPI:        s.cfg.Organization.NPI,
		Name:       s.cfg.Organization.Name,
		Type:       s.cfg.Organization.Type,
		AxonStatus: string(s.axonHealth()),
		Providers:  providers,
	}, nil
}

func (s *Service) Status(ctx context.Context) (*api.StatusSnapshot, error) {
	org, err := s.Organization(ctx)
	if err != nil {
		return nil, err
	}

	snap := &api.StatusSnapshot{
		Status:         "running",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		Organization:   *org,
		ActiveSessions: s.srv.ActiveSessions(),
		Providers:      org.Providers,
	}

	if s.agent == nil {
		snap.Axon = api.AxonSnapshot{Status: "disabled"}
		return snap, nil
	}
	status, failures, lastSuccess := s.agent.Health()
	snap.Axon = api.AxonSnapshot{
		Status:              string(status),
		ConsecutiveFailures: failures,
	}
	if !lastSuccess.IsZero() {
		snap.Axon.LastSuccess = &lastSuccess
	}
	return snap, nil
}

func (s *Service) ListRelationships(ctx context.Context, f relationship.Filter) ([]*relationship.Relationship, error) {
	return s.store.List(ctx, f)
}

func (s *Service) GetRelationship(ctx context.Context, id string) (*relationship.Relationship, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) VerifyAudit(ctx context.Context) (*audit.Result, error) {
	result, err := audit.Verify(s.cfg.Audit.Path)
	if err != nil {
		return nil, err
	}
	s.audit(audit.CategoryAPIAccess, "audit_verified", "", map[string]any{
		"valid":   result.Valid,
		"entries": result.Entries,
	})
	return result, nil
}

// AddProvider records the provider locally and announces it to Axon when a
// registry link exists. A failed announcement does not fail the add; the
// agent re-announces on its next registration pass.
func (s *Service) AddProvider(ctx context.Context, providerNPI, displayName string) error {
	rec := &axon.ProviderRegistration{
		ProviderNPI:  providerNPI,
		DisplayName:  displayName,
		RegisteredAt: time.Now().UTC(),
	}

	if s.agent != nil {
		if reg := s.agent.Registration(); reg != nil {
			resp, err := s.client.RegisterProvider(ctx, reg.RegistrationID, axon.ProviderRequest{
				ProviderNPI: providerNPI,
				DisplayName: displayName,
			})
			if err != nil {
				s.logger.Warn("axon provider announcement failed, stored locally",
					"provider_npi", providerNPI, "error", err)
			} else {
				rec.AxonProviderID = resp.AxonProviderID
			}
		}
	}

	if err := s.states.SaveProvider(ctx, rec); err != nil {
		return err
	}
	s.audit(audit.CategoryAdmin, "provider_registered", providerNPI, map[string]any{
		"display_name": displayName,
	})
	return nil
}

func (s *Service) RemoveProvider(ctx context.Context, providerNPI string) error {
	if err := s.states.DeleteProvider(ctx, providerNPI); err != nil {
		return err
	}
	s.audit(audit.CategoryAdmin, "provider_removed", providerNPI, nil)
	return nil
}

func (s *Service) TerminateRelationship(ctx context.Context, id, providerNPI, reason string) (*relationship.TerminationRecord, error) {
	rec, err := s.terminator.Terminate(ctx, id, providerNPI, reason)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTermination(ctx)
	return rec, nil
}

func (s *Service) providerSnapshots(ctx context.Context) ([]api.ProviderSnapshot, error) {
	known, err := s.states.Providers(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(known))
	out := make([]api.ProviderSnapshot, 0, len(known)+len(s.cfg.Providers))
	for _, p := range known {
		seen[p.ProviderNPI] = true
		out = append(out, api.ProviderSnapshot{
			NPI:            p.ProviderNPI,
			DisplayName:    p.DisplayName,
			AxonProviderID: p.AxonProviderID,
		})
	}
	// Configured providers show up even before the agent has announced them.
	for _, p := range s.cfg.Providers {
		if seen[p.NPI] {
			continue
		}
		out = append(out, api.ProviderSnapshot{NPI: p.NPI, DisplayName: p.DisplayName})
	}
	return out, nil
}

func (s *Service) axonHealth() axon.HealthStatus {
	if s.agent == nil {
		return "disabled"
	}
	status, _, _ := s.agent.Health()
	return status
}

func (s *Service) audit(category audit.Category, action, actor string, details map[string]any) {
	if s.log == nil {
		return
	}
	if _, err := s.log.Append(category, action, actor, details); err != nil {
		s.logger.Error("audit append failed", "action", action, "error", err)
	}
}
