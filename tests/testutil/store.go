package testutil

import (
	"testing"

	"github.com/nhle/secretary/internal/diary"
)

// NewTestStore creates an in-memory diary store with all migrations
// applied. It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *diary.SQLiteStore {
	t.Helper()

	s, err := diary.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}
