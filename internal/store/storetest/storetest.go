// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"matchflow/internal/store"
)

// New returns a migrated SQLite store under t.TempDir, closed on cleanup.
func New(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "matchflow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
