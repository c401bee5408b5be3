package testutil

import (
	"io"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates an in-memory SQLStore with all migrations applied
// and attachment content kept in an in-memory filesystem. It automatically
// closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:",
		store.WithBlobStore(store.NewBlobStore(afero.NewMemMapFs())),
		store.WithLogger(NewLogger()),
	)
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

// NewLogger returns a logger that discards output.
func NewLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	l.SetLevel(log.TraceLevel)
	return l
}
