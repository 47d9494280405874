package relationship

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/synaptic-labs/neuron/pkg/npi"
)

// MemoryStore is a transactional in-memory Store used by tests and
// single-process tooling. Transact snapshots the tables and restores them
// when fn fails, giving the same all-or-nothing contract as the SQL store.
type MemoryStore struct {
	mu   sync.Mutex
	data memTables
}

type memTables struct {
	relationships map[string]*Relationship
	terminations  map[string]*TerminationRecord
}

func (t memTables) clone() memTables {
	out := memTables{
		relationships: make(map[string]*Relationship, len(t.relationships)),
		terminations:  make(map[string]*TerminationRecord, len(t.terminations)),
	}
	for id, rec := range t.relationships {
		out.relationships[id] = cloneRelationship(rec)
	}
	for id, rec := range t.terminations {
		c := *rec
		out.terminations[id] = &c
	}
	return out
}

func cloneRelationship(rec *Relationship) *Relationship {
	c := *rec
	c.ConsentedActions = append([]string(nil), rec.ConsentedActions...)
	return &c
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: memTables{
			relationships: make(map[string]*Relationship),
			terminations:  make(map[string]*TerminationRecord),
		},
	}
}

// memView performs the actual operations without locking; MemoryStore wraps
// every call in its mutex, and Transact holds the mutex across fn.
type memView struct {
	data *memTables
}

func (v *memView) Create(_ context.Context, rec *Relationship) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if !npi.Valid(rec.ProviderNPI) {
		return fmt.Errorf("%w: provider NPI %q fails Luhn check", ErrInvalidRecord, rec.ProviderNPI)
	}
	for _, existing := range v.data.relationships {
		if existing.PatientAgentID == rec.PatientAgentID &&
			existing.ProviderNPI == rec.ProviderNPI &&
			existing.Status != StatusTerminated {
			return ErrDuplicatePair
		}
	}
	v.data.relationships[rec.RelationshipID] = cloneRelationship(rec)
	return nil
}

func (v *memView) FindByID(_ context.Context, relationshipID string) (*Relationship, error) {
	rec, ok := v.data.relationships[relationshipID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRelationship(rec), nil
}

func (v *memView) FindLivePair(_ context.Context, patientAgentID, providerNPI string) (*Relationship, error) {
	for _, rec := range v.data.relationships {
		if rec.PatientAgentID == patientAgentID && rec.ProviderNPI == providerNPI && rec.Status != StatusTerminated {
			return cloneRelationship(rec), nil
		}
	}
	return nil, ErrNotFound
}

func (v *memView) FindByPatient(_ context.Context, patientAgentID string) ([]*Relationship, error) {
	return v.collect(func(r *Relationship) bool { return r.PatientAgentID == patientAgentID }), nil
}

func (v *memView) FindByProvider(_ context.Context, providerNPI string) ([]*Relationship, error) {
	return v.collect(func(r *Relationship) bool { return r.ProviderNPI == providerNPI }), nil
}

func (v *memView) FindByStatus(_ context.Context, status Status) ([]*Relationship, error) {
	return v.collect(func(r *Relationship) bool { return r.Status == status }), nil
}

func (v *memView) List(_ context.Context, f Filter) ([]*Relationship, error) {
	all := v.collect(func(r *Relationship) bool {
		if f.Status != "" && r.Status != f.Status {
			return false
		}
		if f.ProviderNPI != "" && r.ProviderNPI != f.ProviderNPI {
			return false
		}
		return true
	})
	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return all, nil
}

func (v *memView) UpdateStatus(_ context.Context, relationshipID string, status Status, updatedAt time.Time) error {
	if !ValidStatus(status) {
		return ErrInvalidRecord
	}
	rec, ok := v.data.relationships[relationshipID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == StatusTerminated {
		return ErrAlreadyTerminated
	}
	rec.Status = status
	rec.UpdatedAt = updatedAt.UTC()
	return nil
}

func (v *memView) InsertTermination(_ context.Context, rec *TerminationRecord) error {
	c := *rec
	v.data.terminations[rec.RelationshipID] = &c
	return nil
}

func (v *memView) FindTermination(_ context.Context, relationshipID string) (*TerminationRecord, error) {
	rec, ok := v.data.terminations[relationshipID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (v *memView) Transact(_ context.Context, fn func(Store) error) error {
	// Already inside the outer transaction's mutex.
	return fn(v)
}

func (v *memView) collect(match func(*Relationship) bool) []*Relationship {
	var out []*Relationship
	for _, rec := range v.data.relationships {
		if match(rec) {
			out = append(out, cloneRelationship(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RelationshipID < out[j].RelationshipID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) view() *memView { return &memView{data: &m.data} }

func (m *MemoryStore) Create(ctx context.Context, rec *Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().Create(ctx, rec)
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().FindByID(ctx, id)
}

func (m *MemoryStore) FindLivePair(ctx context.Context, patientAgentID, providerNPI string) (*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().FindLivePair(ctx, patientAgentID, providerNPI)
}

func (m *MemoryStore) FindByPatient(ctx context.Context, patientAgentID string) ([]*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().FindByPatient(ctx, patientAgentID)
}

func (m *MemoryStore) FindByProvider(ctx context.Context, providerNPI string) ([]*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().FindByProvider(ctx, providerNPI)
}

func (m *MemoryStore) FindByStatus(ctx context.Context, status Status) ([]*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().FindByStatus(ctx, status)
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().List(ctx, f)
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpdateStatus(ctx, id, status, updatedAt)
}

func (m *MemoryStore) InsertTermination(ctx context.Context, rec *TerminationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().InsertTermination(ctx, rec)
}

func (m *MemoryStore) FindTermination(ctx context.Context, relationshipID string) (*TerminationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().FindTermination(ctx, relationshipID)
}

// Transact holds the store lock for the duration of fn and rolls the tables
// back to their snapshot when fn fails.
func (m *MemoryStore) Transact(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(m.view()); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}
