package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESSealer(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"empty", "", "empty"},
		{"not base64", "%%%", "base64"},
		{"short key", base64.StdEncoding.EncodeToString([]byte("short")), "32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESSealer(tt.key)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewAESSealer() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
	s, err := NewAESSealer(testKey(t))
	if err != nil {
		t.Fatalf("NewAESSealer(valid) error = %v", err)
	}
	if len(s.KeyID()) != 8 {
		t.Errorf("KeyID() = %q, want 8 hex chars", s.KeyID())
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewAESSealer(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	enc, err := SealString(s, "user-access-token", "twitch_user:foo")
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}
	if strings.Contains(enc, "user-access-token") {
		t.Error("ciphertext contains plaintext")
	}
	again, _ := SealString(s, "user-access-token", "twitch_user:foo")
	if again == enc {
		t.Error("two seals of the same plaintext should differ (random nonce)")
	}
	got, err := OpenString(s, enc, "twitch_user:foo")
	if err != nil || got != "user-access-token" {
		t.Errorf("OpenString() = %q, %v", got, err)
	}
}

func TestOpenRejectsWrongRowOrKey(t *testing.T) {
	s, _ := NewAESSealer(testKey(t))
	other, _ := NewAESSealer(testKey(t))
	enc, _ := SealString(s, "secret", "twitch_user:foo")

	if _, err := OpenString(s, enc, "twitch_user:bar"); !errors.Is(err, ErrOpen) {
		t.Errorf("open with other aad: %v, want ErrOpen", err)
	}
	if _, err := OpenString(other, enc, "twitch_user:foo"); !errors.Is(err, ErrOpen) {
		t.Errorf("open with other key: %v, want ErrOpen", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(enc)
	raw[len(raw)-1] ^= 0xff
	if _, err := OpenString(s, base64.StdEncoding.EncodeToString(raw), "twitch_user:foo"); !errors.Is(err, ErrOpen) {
		t.Errorf("open tampered: %v, want ErrOpen", err)
	}
	if _, err := OpenString(s, base64.StdEncoding.EncodeToString([]byte("tiny")), ""); err == nil {
		t.Error("expected error for short ciphertext")
	}
	if _, err := OpenString(s, "!!!", ""); err == nil {
		t.Error("expected base64 error")
	}
}

func TestEmptyStringsPassThrough(t *testing.T) {
	s, _ := NewAESSealer(testKey(t))
	if enc, err := SealString(s, "", "x"); enc != "" || err != nil {
		t.Errorf("SealString(empty) = %q, %v", enc, err)
	}
	if dec, err := OpenString(s, "", "x"); dec != "" || err != nil {
		t.Errorf("OpenString(empty) = %q, %v", dec, err)
	}
	if _, err := s.Seal(nil, nil); err == nil {
		t.Error("Seal(nil) should fail")
	}
}
