package axon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RegistrationStatus is the directory-registration lifecycle state.
type RegistrationStatus string

const (
	StatusUnregistered RegistrationStatus = "unregistered"
	StatusPending      RegistrationStatus = "pending"
	StatusRegistered   RegistrationStatus = "registered"
	StatusSuspended    RegistrationStatus = "suspended"
)

// ErrNoRegistration means no enrollment has been persisted yet.
var ErrNoRegistration = errors.New("no axon registration on record")

// RegistrationState is the single persisted row describing this neuron's
// standing with the Axon directory.
type RegistrationState struct {
	RegistrationID string
	AuthToken      string
	Status         RegistrationStatus
	RegisteredAt   time.Time
	UpdatedAt      time.Time
}

// ProviderRegistration records a provider announced to the directory.
type ProviderRegistration struct {
	ProviderNPI    string
	DisplayName    string
	AxonProviderID string
	RegisteredAt   time.Time
}

// StateStore persists registration state in the broker database. The
// neuron_registration table is constrained to a single row.
type StateStore struct {
	db *sql.DB
}

func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// Load returns the persisted registration, or ErrNoRegistration.
func (s *StateStore) Load(ctx context.Context) (*RegistrationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT registration_id, auth_token, status, registered_at, updated_at
		 FROM neuron_registration WHERE id = 1`)

	var state RegistrationState
	var status, registeredAt, updatedAt string
	err := row.Scan(&state.RegistrationID, &state.AuthToken, &status, &registeredAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRegistration
		}
		return nil, fmt.Errorf("axon: load registration: %w", err)
	}
	state.Status = RegistrationStatus(status)
	state.RegisteredAt = parseTime(registeredAt)
	state.UpdatedAt = parseTime(updatedAt)
	return &state, nil
}

// Save upserts the single registration row.
func (s *StateStore) Save(ctx context.Context, state *RegistrationState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO neuron_registration (id, registration_id, auth_token, status, registered_at, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			registration_id = $1, auth_token = $2, status = $3,
			registered_at = $4, updated_at = $5`,
		state.RegistrationID, state.AuthToken, string(state.Status),
		formatTime(state.RegisteredAt), formatTime(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("axon: save registration: %w", err)
	}
	return nil
}

// SaveProvider records a provider registration, replacing any previous row
// for the same NPI.
func (s *StateStore) SaveProvider(ctx context.Context, rec *ProviderRegistration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_registrations (provider_npi, display_name, axon_provider_id, registered_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider_npi) DO UPDATE SET
			display_name = $2, axon_provider_id = $3, registered_at = $4`,
		rec.ProviderNPI, rec.DisplayName, rec.AxonProviderID, formatTime(rec.RegisteredAt))
	if err != nil {
		return fmt.Errorf("axon: save provider registration: %w", err)
	}
	return nil
}

// DeleteProvider drops a provider registration row.
func (s *StateStore) DeleteProvider(ctx context.Context, providerNPI string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_registrations WHERE provider_npi = $1`, providerNPI)
	if err != nil {
		return fmt.Errorf("axon: delete provider registration: %w", err)
	}
	return nil
}

// Providers lists all registered providers ordered by NPI.
func (s *StateStore) Providers(ctx context.Context) ([]*ProviderRegistration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_npi, display_name, axon_provider_id, registered_at
		 FROM provider_registrations ORDER BY provider_npi`)
	if err != nil {
		return nil, fmt.Errorf("axon: list provider registrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ProviderRegistration
	for rows.Next() {
		var rec ProviderRegistration
		var registeredAt string
		if err := rows.Scan(&rec.ProviderNPI, &rec.DisplayName, &rec.AxonProviderID, &registeredAt); err != nil {
			return nil, fmt.Errorf("axon: scan provider registration: %w", err)
		}
		rec.RegisteredAt = parseTime(registeredAt)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("axon: iterate provider registrations: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
