package sqlite

import (
	"context"
	"net/url"
	"testing"

	"github.com/alecgard/keypool/internal/credential"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates a named shared in-memory SQLite database for testing.
// A unique name derived from t.Name() isolates tests from each other.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := OpenMemory(url.PathEscape(t.Name()))
	require.NoError(t, err)

	if err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createCredential(t *testing.T, s *Store, in credential.CreateCredentialInput) *credential.Credential {
	t.Helper()
	if in.TenantID == "" {
		in.TenantID = "tenant-1"
	}
	if in.EncryptedSecret == "" {
		in.EncryptedSecret = "ciphertext"
	}
	c, err := s.Create(context.Background(), in)
	require.NoError(t, err)
	return c
}
