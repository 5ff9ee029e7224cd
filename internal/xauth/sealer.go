package xauth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealPrefix = "v1:"

// ErrUnseal means a value has the sealed format but does not authenticate
// under the configured key.
var ErrUnseal = errors.New("sealed token does not authenticate")

// Sealer encrypts token strings with XSalsa20-Poly1305 and a fresh random
// nonce per value. Output: "v1:" + base64(nonce || box).
type Sealer struct {
	key [32]byte
}

// NewSealer builds a Sealer from a base64 encoded 32-byte key.
func NewSealer(b64Key string) (*Sealer, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64Key))
	if err != nil {
		return nil, fmt.Errorf("decode token key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid token key length: %d", len(raw))
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return sealPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. A value that does not parse as the sealed
// format is returned unchanged with legacy=true so callers can re-seal it.
func (s *Sealer) Open(value string) (plaintext string, legacy bool, err error) {
	if !strings.HasPrefix(value, sealPrefix) {
		return value, true, nil
	}
	raw, err := base64.StdEncoding.DecodeString(value[len(sealPrefix):])
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return value, true, nil
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	out, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", false, ErrUnseal
	}
	return string(out), false, nil
}
