// Package testutil holds shared helpers for package tests.
package testutil

import (
	"context"
	"testing"

	"govex/internal/entity"
	"govex/internal/store"
)

// OpenTestEntities opens an entity store backed by a throwaway sqlite
// file. The database is removed with the test's temp dir.
func OpenTestEntities(t *testing.T) *entity.Store {
	t.Helper()
	s, err := entity.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open entity store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// OpenTestStore opens a domain store over a throwaway entity store.
func OpenTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(OpenTestEntities(t))
}
