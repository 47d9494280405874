// Package termination executes provider-initiated relationship termination.
// The status flip, the termination record, and the audit linkage commit
// together or not at all.
package termination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/synaptic-labs/neuron/pkg/audit"
	"github.com/synaptic-labs/neuron/pkg/relationship"
)

// ErrWrongProvider means the calling NPI does not own the relationship.
var ErrWrongProvider = errors.New("relationship belongs to a different provider")

// Handler terminates relationships on behalf of providers.
type Handler struct {
	store  relationship.Store
	log    *audit.Log
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewHandler wires the handler to the relationship store and audit log.
func NewHandler(store relationship.Store, log *audit.Log, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  store,
		log:    log,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// Terminate flips the relationship to terminated and records the linkage.
// All validation runs before the audit entry is written, so a rejected call
// leaves no termination audit trace and no state change.
func (h *Handler) Terminate(ctx context.Context, relationshipID, providerNPI, reason string) (*relationship.TerminationRecord, error) {
	if relationshipID == "" || providerNPI == "" {
		return nil, relationship.ErrInvalidRecord
	}

	var record *relationship.TerminationRecord
	err := h.store.Transact(ctx, func(tx relationship.Store) error {
		rec, err := tx.FindByID(ctx, relationshipID)
		if err != nil {
			return err
		}
		if rec.ProviderNPI != providerNPI {
			return ErrWrongProvider
		}
		if rec.Status == relationship.StatusTerminated {
			return relationship.ErrAlreadyTerminated
		}

		now := h.now().UTC()
		var auditSeq uint64
		if h.log != nil {
			entry, err := h.log.Append(audit.CategoryTermination, "relationship_terminated", providerNPI, map[string]any{
				"relationship_id": relationshipID,
				"reason":          reason,
			})
			if err != nil {
				return fmt.Errorf("termination: audit append: %w", err)
			}
			auditSeq = entry.Sequence
		}

		if err := tx.UpdateStatus(ctx, relationshipID, relationship.StatusTerminated, now); err != nil {
			return err
		}

		record = &relationship.TerminationRecord{
			TerminationID:      h.newID(),
			RelationshipID:     relationshipID,
			ProviderNPI:        providerNPI,
			Reason:             reason,
			TerminatedAt:       now,
			AuditEntrySequence: auditSeq,
		}
		return tx.InsertTermination(ctx, record)
	})
	if err != nil {
		h.logger.Warn("termination rejected",
			"relationship_id", relationshipID,
			"provider_npi", providerNPI,
			"error", err)
		return nil, err
	}

	h.logger.Info("relationship terminated",
		"relationship_id", relationshipID,
		"provider_npi", providerNPI,
		"audit_sequence", record.AuditEntrySequence)
	return record, nil
}
