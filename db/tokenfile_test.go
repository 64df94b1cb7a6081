package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileTokensRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")
	store := NewFileTokens(path, nil)

	if _, err := store.UserToken(ctx, "foo"); !errors.Is(err, ErrNoToken) {
		t.Fatalf("UserToken on empty store error = %v, want ErrNoToken", err)
	}
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := store.UpsertUserToken(ctx, UserToken{Channel: "#Foo", AccessToken: "a1", RefreshToken: "r1", Expiry: exp, Scope: "clips:edit"}); err != nil {
		t.Fatalf("UpsertUserToken() error = %v", err)
	}
	if err := store.UpsertUserToken(ctx, UserToken{Channel: "bar", AccessToken: "a2", RefreshToken: "r2", Expiry: exp}); err != nil {
		t.Fatalf("UpsertUserToken() error = %v", err)
	}

	got, err := store.UserToken(ctx, "FOO")
	if err != nil || got != "a1" {
		t.Fatalf("UserToken(FOO) = %q, %v; want a1", got, err)
	}
	list, err := store.ListUserTokens(ctx)
	if err != nil {
		t.Fatalf("ListUserTokens() error = %v", err)
	}
	if len(list) != 2 || list[0].Channel != "bar" || list[1].Channel != "foo" || !list[1].Expiry.Equal(exp) {
		t.Errorf("ListUserTokens() = %+v", list)
	}

	// a second store on the same file sees the tokens
	again, err := NewFileTokens(path, nil).UserToken(ctx, "bar")
	if err != nil || again != "a2" {
		t.Errorf("reopened UserToken(bar) = %q, %v", again, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestFileTokensSealed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")
	sealer := testSealer(t)
	store := NewFileTokens(path, sealer)

	if err := store.UpsertUserToken(ctx, UserToken{Channel: "foo", AccessToken: "secret-access", RefreshToken: "secret-refresh"}); err != nil {
		t.Fatalf("UpsertUserToken() error = %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "secret-access") || strings.Contains(string(raw), "secret-refresh") {
		t.Errorf("token file contains plaintext: %s", raw)
	}
	tok, err := store.GetUserToken(ctx, "foo")
	if err != nil {
		t.Fatalf("GetUserToken() error = %v", err)
	}
	if tok.AccessToken != "secret-access" || tok.RefreshToken != "secret-refresh" {
		t.Errorf("GetUserToken() = %+v", tok)
	}

	if _, err := NewFileTokens(path, nil).GetUserToken(ctx, "foo"); err == nil {
		t.Error("reading a sealed token without a key should fail")
	}
}

func TestFileTokensMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileTokens(path, nil).ListUserTokens(context.Background()); err == nil {
		t.Error("ListUserTokens() on malformed file should fail")
	}
}
