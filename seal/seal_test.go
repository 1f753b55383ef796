package seal

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestNew(t *testing.T) {
	if _, err := New(""); err != ErrNoToken {
		t.Errorf("New(\"\") error = %v, want %v", err, ErrNoToken)
	}
}

func TestDeriveKey(t *testing.T) {
	a := DeriveKey("device-token")
	if len(a) != 32 {
		t.Fatalf("key length = %d, want 32", len(a))
	}
	if !bytes.Equal(a, DeriveKey("device-token")) {
		t.Error("derivation is not deterministic")
	}
	if bytes.Equal(a, DeriveKey("other-token")) {
		t.Error("different tokens derived the same key")
	}
}

func TestSealOpen(t *testing.T) {
	s, err := New("device-token")
	if err != nil {
		t.Fatal(err)
	}
	in := map[string]string{"phoneNumber": "+15551234567"}

	sealed, err := s.Seal(in)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	again, _ := s.Seal(in)
	if sealed == again {
		t.Error("two seals of the same payload are identical")
	}

	var out map[string]string
	if err := s.Open(sealed, &out); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if out["phoneNumber"] != "+15551234567" {
		t.Errorf("Open() = %v", out)
	}

	other, _ := New("other-token")
	if err := other.Open(sealed, &out); !errors.Is(err, ErrMalformed) {
		t.Errorf("Open with wrong key error = %v, want %v", err, ErrMalformed)
	}
}

func TestSeal_Envelope(t *testing.T) {
	s, _ := New("device-token")
	sealed, err := s.Seal(map[string]string{"a": "b"})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatal(err)
	}
	plain := `{"a":"b"}`
	if want := chacha20poly1305.NonceSizeX + len(plain) + chacha20poly1305.Overhead; len(raw) != want {
		t.Fatalf("envelope length = %d, want %d", len(raw), want)
	}
	aead, _ := chacha20poly1305.NewX(DeriveKey("device-token"))
	got, err := aead.Open(nil, raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:], nil)
	if err != nil || string(got) != plain {
		t.Errorf("XChaCha20-Poly1305 open = %q, %v", got, err)
	}
}

func TestOpen_Malformed(t *testing.T) {
	s, _ := New("device-token")
	var out map[string]string
	tests := []string{"not base64!", "c2hvcnQ=", ""}
	for _, in := range tests {
		if err := s.Open(in, &out); !errors.Is(err, ErrMalformed) {
			t.Errorf("Open(%q) error = %v, want %v", in, err, ErrMalformed)
		}
	}
}
