package relationship

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/synaptic-labs/neuron/pkg/npi"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store over database/sql. Placeholders use the $N form,
// which both the sqlite and postgres drivers accept, so one implementation
// serves both backends.
type SQLStore struct {
	db *sql.DB
	q  querier
}

// NewSQLStore wraps an opened, migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, q: db}
}

const relationshipColumns = `relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, rec *Relationship) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if !npi.Valid(rec.ProviderNPI) {
		return fmt.Errorf("%w: provider NPI %q fails Luhn check", ErrInvalidRecord, rec.ProviderNPI)
	}

	actions, err := json.Marshal(rec.ConsentedActions)
	if err != nil {
		return fmt.Errorf("relationship: encode consented_actions: %w", err)
	}

	query := `INSERT INTO relationships (` + relationshipColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.q.ExecContext(ctx, query,
		rec.RelationshipID, rec.PatientAgentID, rec.ProviderNPI, string(rec.Status),
		string(actions), rec.PatientPublicKey,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePair
		}
		return fmt.Errorf("relationship: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) FindByID(ctx context.Context, relationshipID string) (*Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE relationship_id = $1`
	return s.queryOne(ctx, query, relationshipID)
}

func (s *SQLStore) FindLivePair(ctx context.Context, patientAgentID, providerNPI string) (*Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships
		WHERE patient_agent_id = $1 AND provider_npi = $2 AND status != $3`
	return s.queryOne(ctx, query, patientAgentID, providerNPI, string(StatusTerminated))
}

func (s *SQLStore) FindByPatient(ctx context.Context, patientAgentID string) ([]*Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships
		WHERE patient_agent_id = $1 ORDER BY created_at`
	return s.queryMany(ctx, query, patientAgentID)
}

func (s *SQLStore) FindByProvider(ctx context.Context, providerNPI string) ([]*Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships
		WHERE provider_npi = $1 ORDER BY created_at`
	return s.queryMany(ctx, query, providerNPI)
}

func (s *SQLStore) FindByStatus(ctx context.Context, status Status) ([]*Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships
		WHERE status = $1 ORDER BY created_at`
	return s.queryMany(ctx, query, string(status))
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships`
	var clauses []string
	var args []any
	n := 1
	if f.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", n))
		args = append(args, string(f.Status))
		n++
	}
	if f.ProviderNPI != "" {
		clauses = append(clauses, fmt.Sprintf("provider_npi = $%d", n))
		args = append(args, f.ProviderNPI)
		n++
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
		n++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}
	return s.queryMany(ctx, query, args...)
}

func (s *SQLStore) UpdateStatus(ctx context.Context, relationshipID string, status Status, updatedAt time.Time) error {
	if !ValidStatus(status) {
		return ErrInvalidRecord
	}

	query := `UPDATE relationships SET status = $1, updated_at = $2
		WHERE relationship_id = $3 AND status != $4`
	res, err := s.q.ExecContext(ctx, query,
		string(status), formatTime(updatedAt), relationshipID, string(StatusTerminated))
	if err != nil {
		return fmt.Errorf("relationship: update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("relationship: rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing row from the terminated-is-permanent case.
		if _, err := s.FindByID(ctx, relationshipID); err != nil {
			return err
		}
		return ErrAlreadyTerminated
	}
	return nil
}

func (s *SQLStore) InsertTermination(ctx context.Context, rec *TerminationRecord) error {
	query := `INSERT INTO termination_records
		(termination_id, relationship_id, provider_npi, reason, terminated_at, audit_entry_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.q.ExecContext(ctx, query,
		rec.TerminationID, rec.RelationshipID, rec.ProviderNPI, rec.Reason,
		formatTime(rec.TerminatedAt), rec.AuditEntrySequence)
	if err != nil {
		return fmt.Errorf("relationship: insert termination record: %w", err)
	}
	return nil
}

func (s *SQLStore) FindTermination(ctx context.Context, relationshipID string) (*TerminationRecord, error) {
	query := `SELECT termination_id, relationship_id, provider_npi, reason, terminated_at, audit_entry_sequence
		FROM termination_records WHERE relationship_id = $1`
	row := s.q.QueryRowContext(ctx, query, relationshipID)

	var rec TerminationRecord
	var terminatedAt string
	err := row.Scan(&rec.TerminationID, &rec.RelationshipID, &rec.ProviderNPI,
		&rec.Reason, &terminatedAt, &rec.AuditEntrySequence)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("relationship: scan termination record: %w", err)
	}
	rec.TerminatedAt = parseTime(terminatedAt)
	return &rec, nil
}

// Transact runs fn against a transaction-bound store. A store already bound
// to a transaction reuses it, so nested calls compose.
func (s *SQLStore) Transact(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relationship: begin tx: %w", err)
	}

	if err := fn(&SQLStore{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("relationship: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) queryOne(ctx context.Context, query string, args ...any) (*Relationship, error) {
	row := s.q.QueryRowContext(ctx, query, args...)
	rec, err := scanRelationship(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *SQLStore) queryMany(ctx context.Context, query string, args ...any) ([]*Relationship, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relationship: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Relationship
	for rows.Next() {
		rec, err := scanRelationship(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relationship: iterate rows: %w", err)
	}
	return out, nil
}

func scanRelationship(scan func(...any) error) (*Relationship, error) {
	var (
		rec        Relationship
		status     string
		actionsRaw string
		createdAt  string
		updatedAt  string
	)
	err := scan(&rec.RelationshipID, &rec.PatientAgentID, &rec.ProviderNPI, &status,
		&actionsRaw, &rec.PatientPublicKey, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	if actionsRaw != "" {
		if err := json.Unmarshal([]byte(actionsRaw), &rec.ConsentedActions); err != nil {
			return nil, fmt.Errorf("relationship: decode consented_actions: %w", err)
		}
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
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
