package relationship

import (
	"context"
	"time"
)

// Filter narrows List results. A zero Limit means no cap.
type Filter struct {
	Status      Status
	ProviderNPI string
	Offset      int
	Limit       int
}

// Store is the transactional relationship substrate. Implementations must
// serialize writes; Transact runs fn against a store whose effects commit
// atomically or not at all.
type Store interface {
	Create(ctx context.Context, rec *Relationship) error
	FindByID(ctx context.Context, relationshipID string) (*Relationship, error)
	// FindLivePair returns the non-terminated relationship for the pair,
	// matching the predicate of the live-pair unique index.
	FindLivePair(ctx context.Context, patientAgentID, providerNPI string) (*Relationship, error)
	FindByPatient(ctx context.Context, patientAgentID string) ([]*Relationship, error)
	FindByProvider(ctx context.Context, providerNPI string) ([]*Relationship, error)
	FindByStatus(ctx context.Context, status Status) ([]*Relationship, error)
	List(ctx context.Context, f Filter) ([]*Relationship, error)
	UpdateStatus(ctx context.Context, relationshipID string, status Status, updatedAt time.Time) error
	InsertTermination(ctx context.Context, rec *TerminationRecord) error
	FindTermination(ctx context.Context, relationshipID string) (*TerminationRecord, error)
	Transact(ctx context.Context, fn func(Store) error) error
}

func validateRecord(rec *Relationship) error {
	if rec.RelationshipID == "" || rec.PatientAgentID == "" || rec.ProviderNPI == "" {
		return ErrInvalidRecord
	}
	if !ValidStatus(rec.Status) {
		return ErrInvalidRecord
	}
	return nil
}
