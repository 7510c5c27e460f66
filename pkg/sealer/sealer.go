package sealer

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	keySize   = 32
	nonceSize = 24
	prefix    = "sb1:"
)

var ErrOpen = errors.New("sealer: message authentication failed")

// Sealer encrypts short text fields with a passphrase-derived key. A nil
// *Sealer passes text through unchanged.
type Sealer struct {
	key [keySize]byte
}

// New derives the key from passphrase and salt with scrypt.
func New(passphrase, salt string) (*Sealer, error) {
	if passphrase == "" {
		return nil, nil
	}
	if salt == "" {
		salt = "inbox-agent"
	}
	dk, err := scrypt.Key([]byte(passphrase), []byte(salt), 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	s := &Sealer{}
	copy(s.key[:], dk)
	return s, nil
}

func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil || plaintext == "" {
		return plaintext, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return prefix + base64.StdEncoding.EncodeToString(box), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as is so
// rows written before sealing was enabled stay readable.
func (s *Sealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	if s == nil {
		return "", fmt.Errorf("sealer: value is sealed but no passphrase is configured")
	}
	box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("sealer: %w", err)
	}
	if len(box) < nonceSize {
		return "", ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	out, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrOpen
	}
	return string(out), nil
}
