package main

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/onnwee/clipcast/crypto"
	"github.com/onnwee/clipcast/db"
	"github.com/onnwee/clipcast/testutil"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database := testutil.SetupTestDB(t)
	t.Cleanup(func() {
		_, _ = database.ExecContext(context.Background(), `DELETE FROM oauth_tokens WHERE provider LIKE 'twitch_user:mt-%'`)
	})
	return database
}

func insertPlaintext(t *testing.T, database *sql.DB, channel, access, refresh string) {
	t.Helper()
	_, err := database.ExecContext(context.Background(),
		`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, encryption_version)
		 VALUES ($1, $2, $3, $4, 'clips:edit', 0)
		 ON CONFLICT (provider) DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token, encryption_version = 0`,
		userProviderPrefix+channel, access, refresh, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}
}

func sealedStore(t *testing.T, database *sql.DB) *db.Store {
	t.Helper()
	sealer, err := crypto.NewAESSealer(testKey)
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}
	return db.NewStore(database, sealer)
}

func TestMigrateTokens_DryRun(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	insertPlaintext(t, database, "mt-dry", "access-dry", "refresh-dry")

	n, err := migrateTokens(ctx, database, sealedStore(t, database), true, "mt-dry")
	if err != nil {
		t.Fatalf("migrateTokens(dry-run) failed: %v", err)
	}
	if n != 1 {
		t.Errorf("dry-run reported %d tokens, want 1", n)
	}

	var storedAccess string
	var encVersion int
	if err := database.QueryRowContext(ctx,
		`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider = $1`,
		userProviderPrefix+"mt-dry").Scan(&storedAccess, &encVersion); err != nil {
		t.Fatalf("failed to query token: %v", err)
	}
	if encVersion != 0 || storedAccess != "access-dry" {
		t.Errorf("dry-run changed the row: version=%d access=%q", encVersion, storedAccess)
	}
}

func TestMigrateTokens_RealMigration(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	insertPlaintext(t, database, "mt-a", "access-a", "refresh-a")
	insertPlaintext(t, database, "mt-b", "access-b", "refresh-b")
	store := sealedStore(t, database)

	if _, err := migrateTokens(ctx, database, store, false, ""); err != nil {
		t.Fatalf("migrateTokens() failed: %v", err)
	}

	for _, ch := range []string{"mt-a", "mt-b"} {
		var storedAccess string
		var encVersion int
		if err := database.QueryRowContext(ctx,
			`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider = $1`,
			userProviderPrefix+ch).Scan(&storedAccess, &encVersion); err != nil {
			t.Fatalf("failed to query migrated token: %v", err)
		}
		if encVersion != 1 {
			t.Errorf("%s: encryption_version = %d, want 1", ch, encVersion)
		}
		if storedAccess == "access-"+ch[3:] {
			t.Errorf("%s: access_token still plaintext", ch)
		}
		tok, err := store.GetUserToken(ctx, ch)
		if err != nil {
			t.Fatalf("GetUserToken(%s) error = %v", ch, err)
		}
		if tok.AccessToken != "access-"+ch[3:] || tok.RefreshToken != "refresh-"+ch[3:] {
			t.Errorf("%s: decrypted token = %+v", ch, tok)
		}
	}

	n, err := migrateTokens(ctx, database, store, false, "mt-a")
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second run migrated %d tokens, want 0", n)
	}
}
