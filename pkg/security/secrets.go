package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SealedPrefix marks a value produced by Sealer.Seal
const SealedPrefix = "enc:"

// KeySize is the AES-256 key length a Sealer needs
const KeySize = 32

const sealerInfo = "colony persisted credentials v1"

var errMalformed = errors.New("sealed value is malformed")

// Sealer encrypts credentials stored in the persisted cluster document
// with AES-256-GCM. Sealed values are text so they sit in YAML as is.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a raw key of KeySize bytes
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealer key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewClusterSealer derives the key from the cluster name, so a restarted
// control plane opens what it sealed before and a document copied into
// another cluster does not open there
func NewClusterSealer(clusterName string) (*Sealer, error) {
	if clusterName == "" {
		return nil, errors.New("cluster name is required to derive the sealing key")
	}
	return NewSealer(ClusterKey(clusterName))
}

// ClusterKey runs HKDF-SHA256 over the cluster name
func ClusterKey(clusterName string) []byte {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(clusterName), nil, []byte(sealerInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past 255 hash lengths of output
		panic(err)
	}
	return key
}

// Seal encrypts plain. Empty values and values already sealed come back
// unchanged.
func (s *Sealer) Seal(plain string) (string, error) {
	if plain == "" || IsSealed(plain) {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// Open reverses Seal. Values without SealedPrefix are plaintext written by
// an older control plane and are returned as they are.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errMalformed, err)
	}
	n := s.aead.NonceSize()
	if len(box) < n+s.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", errMalformed)
	}
	plain, err := s.aead.Open(nil, box[:n], box[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether value carries SealedPrefix
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}
