// Package relationship persists care relationships and their termination
// records. The store is the transactional substrate of the broker: handshake
// persistence and provider-initiated termination both run through Transact.
package relationship

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a relationship. Terminated is permanent:
// no further mutation is allowed once a row reaches it.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

var validStatuses = map[Status]bool{
	StatusPending:    true,
	StatusActive:     true,
	StatusSuspended:  true,
	StatusTerminated: true,
}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s Status) bool {
	return validStatuses[s]
}

var (
	ErrNotFound          = errors.New("relationship not found")
	ErrAlreadyTerminated = errors.New("relationship is terminated")
	ErrDuplicatePair     = errors.New("patient/provider pair already has a non-terminated relationship")
	ErrInvalidRecord     = errors.New("invalid relationship record")
)

// Relationship is a care relationship between a patient agent and a
// provider. PatientPublicKey is persisted for re-verification but is never
// exposed through the read API projections.
type Relationship struct {
	RelationshipID   string    `json:"relationship_id"`
	PatientAgentID   string    `json:"patient_agent_id"`
	ProviderNPI      string    `json:"provider_npi"`
	Status           Status    `json:"status"`
	ConsentedActions []string  `json:"consented_actions"`
	PatientPublicKey string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TerminationRecord links a terminated relationship to the audit entry
// committed in the same transaction.
type TerminationRecord struct {
	TerminationID      string    `json:"termination_id"`
	RelationshipID     string    `json:"relationship_id"`
	ProviderNPI        string    `json:"provider_npi"`
	Reason             string    `json:"reason"`
	TerminatedAt       time.Time `json:"terminated_at"`
	AuditEntrySequence uint64    `json:"audit_entry_sequence"`
}
