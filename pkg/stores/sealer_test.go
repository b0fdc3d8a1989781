package stores

import (
	"bytes"
	"errors"
	"testing"
)

func newTestSealer(t *testing.T, passphrase string, salt []byte) *Sealer {
	t.Helper()
	sealer, err := NewSealer(passphrase, salt)
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}
	return sealer
}

func TestSealer_RoundTrip(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("failed to create salt: %v", err)
	}
	sealer := newTestSealer(t, testPassphrase, salt)

	sealed, err := sealer.Seal([]byte("mysql-password"))
	if err != nil {
		t.Fatalf("failed to seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("mysql-password")) {
		t.Error("sealed data contains plaintext")
	}

	again, _ := sealer.Seal([]byte("mysql-password"))
	if bytes.Equal(sealed, again) {
		t.Error("expected a fresh nonce per seal")
	}

	plain, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	if string(plain) != "mysql-password" {
		t.Errorf("expected mysql-password, got %s", plain)
	}
}

func TestSealer_RejectsTamperingAndWrongKey(t *testing.T) {
	salt, _ := NewSalt()
	sealer := newTestSealer(t, testPassphrase, salt)

	sealed, err := sealer.SealJSON(map[string]string{"password": "p"})
	if err != nil {
		t.Fatalf("failed to seal: %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := sealer.Open(tampered); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed for tampered data, got: %v", err)
	}

	other := newTestSealer(t, "another passphrase", salt)
	var out map[string]string
	if err := other.OpenJSON(sealed, &out); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed for wrong key, got: %v", err)
	}

	if _, err := sealer.Open([]byte("short")); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed for truncated data, got: %v", err)
	}
}

func TestNewSealer_Validation(t *testing.T) {
	salt, _ := NewSalt()
	if _, err := NewSealer("", salt); err == nil {
		t.Error("expected error for empty passphrase")
	}
	if _, err := NewSealer(testPassphrase, []byte("short")); err == nil {
		t.Error("expected error for short salt")
	}
}
