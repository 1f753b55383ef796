// Package seal encrypts payloads exchanged with the screening server using
// a key derived from the device auth token. Payloads are XChaCha20-Poly1305
// envelopes, not Fernet tokens, so the server must speak this format.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Salt and Iterations are the PBKDF2-SHA256 parameters for the payload key.
	Salt       = "anti_telemarketing_salt"
	Iterations = 100000
	keyLen     = chacha20poly1305.KeySize
)

var (
	// ErrNoToken is returned when the auth token is empty
	ErrNoToken = errors.New("auth token required")
	// ErrMalformed is returned when a sealed payload cannot be decoded
	ErrMalformed = errors.New("malformed sealed payload")
)

// Sealer seals and opens JSON payloads.
type Sealer struct {
	key []byte
}

// DeriveKey derives the 32-byte payload key from token.
func DeriveKey(token string) []byte {
	return pbkdf2.Key([]byte(token), []byte(Salt), Iterations, keyLen, sha256.New)
}

// New creates a sealer keyed from token.
func New(token string) (*Sealer, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	return &Sealer{key: DeriveKey(token)}, nil
}

// Seal marshals v to JSON and encrypts it. The result is URL-safe base64 of
// nonce followed by ciphertext.
func (s *Sealer) Seal(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return base64.URLEncoding.EncodeToString(aead.Seal(nonce, nonce, plain, nil)), nil
}

// Open decrypts a payload produced by Seal into v.
func (s *Sealer) Open(sealed string, v any) error {
	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return ErrMalformed
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return json.Unmarshal(plain, v)
}
