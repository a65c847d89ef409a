// Package repotest provides throwaway stores for package tests.
package repotest

import (
	"context"
	"path/filepath"
	"testing"

	"leadflow/internal/logging"
	"leadflow/internal/repo"
	"leadflow/migrations"

	"github.com/stretchr/testify/require"
)

// NewSQLite opens a migrated SQLite store in a temp dir that is removed with the test.
func NewSQLite(t testing.TB) *repo.SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "leadflow.db"), logging.Discard(), nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.RunMigrations(ctx, migrations.SQLite()))
	return store
}

// CreateLead inserts a lead and fails the test on error.
func CreateLead(t testing.TB, store repo.Store, in repo.LeadInput) *repo.Lead {
	t.Helper()
	lead, err := store.CreateLead(context.Background(), in)
	require.NoError(t, err)
	return lead
}
