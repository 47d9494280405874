package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_AppliesAllVersions(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db))

	v, err := Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	for _, table := range []string{
		"relationships", "termination_records",
		"neuron_registration", "provider_registrations",
	} {
		var name string
		row := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = $1`, table)
		require.NoError(t, row.Scan(&name), "table %s must exist", table)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))

	var count int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, len(migrations), count)
}

func TestMigrate_LivePairIndexRejectsDuplicates(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db))

	insert := `INSERT INTO relationships
		(relationship_id, patient_agent_id, provider_npi, status, consented_actions, patient_public_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '[]', 'pk', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`

	_, err = db.ExecContext(ctx, insert, "rel-1", "patient-a", "1234567893", "active")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, insert, "rel-2", "patient-a", "1234567893", "pending")
	assert.Error(t, err, "second live row for the same pair must hit the unique index")

	// A terminated row does not occupy the pair.
	_, err = db.ExecContext(ctx, insert, "rel-3", "patient-b", "1234567893", "terminated")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "rel-4", "patient-b", "1234567893", "active")
	require.NoError(t, err)
}

func TestOpen_SQLiteForeignKeysEnforced(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db))

	_, err = db.ExecContext(ctx, `INSERT INTO termination_records
		(termination_id, relationship_id, provider_npi, reason, terminated_at, audit_entry_sequence)
		VALUES ('term-1', 'no-such-rel', '1234567893', 'care transfer', '2026-01-01T00:00:00Z', 1)`)
	assert.Error(t, err, "termination record must reference an existing relationship")
}
