package security

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	privateKeyFile = "id_ed25519"
	publicKeyFile  = "id_ed25519.pub"
)

// ErrUnparsableKey is returned when a host key line cannot be parsed
var ErrUnparsableKey = errors.New("unparsable host key")

// KeyPair is the master's SSH identity. Its public half is sent to workers
// so the master can reach them for scheduler administration.
type KeyPair struct {
	private ed25519.PrivateKey
	signer  ssh.Signer
	public  ssh.PublicKey
}

func newKeyPair(priv ed25519.PrivateKey) (*KeyPair, error) {
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return &KeyPair{private: priv, signer: signer, public: signer.PublicKey()}, nil
}

// GenerateKeyPair creates a fresh ed25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newKeyPair(priv)
}

// LoadOrCreateKeyPair reads the key pair from dir, generating and saving a
// new one when none exists
func LoadOrCreateKeyPair(dir string) (*KeyPair, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	data, err := os.ReadFile(privPath)
	if err == nil {
		raw, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", privPath, err)
		}
		switch priv := raw.(type) {
		case ed25519.PrivateKey:
			return newKeyPair(priv)
		case *ed25519.PrivateKey:
			return newKeyPair(*priv)
		}
		return nil, fmt.Errorf("%s is not an ed25519 key", privPath)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", privPath, err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := kp.Save(dir); err != nil {
		return nil, err
	}
	return kp, nil
}

// Save writes the private key (OpenSSH PEM) and the authorized-key line to dir
func (k *KeyPair) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(k.private, "colony master")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(k.AuthorizedKey()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

// AuthorizedKey returns the public key in authorized_keys form, without newline
func (k *KeyPair) AuthorizedKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(k.public)))
}

// PublicKey returns the SSH public key
func (k *KeyPair) PublicKey() ssh.PublicKey {
	return k.public
}

// Signer returns the SSH signer for outbound connections
func (k *KeyPair) Signer() ssh.Signer {
	return k.signer
}

// KnownHosts is an append-only known_hosts file holding worker host keys
type KnownHosts struct {
	mu   sync.Mutex
	path string
}

// NewKnownHosts manages the known_hosts file at path
func NewKnownHosts(path string) *KnownHosts {
	return &KnownHosts{path: path}
}

// Append validates a worker host certificate line ("host keytype base64")
// and adds it to the file unless an identical entry exists
func (h *KnownHosts) Append(line string) error {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return fmt.Errorf("%w: %q", ErrUnparsableKey, line)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.Join(fields[1:], " ")))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnparsableKey, err)
	}
	entry := knownhosts.Line([]string{fields[0]}, key)

	h.mu.Lock()
	defer h.mu.Unlock()

	existing, err := h.entriesLocked()
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e == entry {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(h.path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(h.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", h.path, err)
	}
	defer f.Close()
	_, err = f.WriteString(entry + "\n")
	return err
}

// Entries returns every line in the file
func (h *KnownHosts) Entries() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entriesLocked()
}

func (h *KnownHosts) entriesLocked() ([]string, error) {
	data, err := os.ReadFile(h.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		if l := strings.TrimSpace(s.Text()); l != "" {
			out = append(out, l)
		}
	}
	return out, s.Err()
}

// HostKeyCallback returns a callback validating workers against the file
func (h *KnownHosts) HostKeyCallback() (ssh.HostKeyCallback, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := os.Stat(h.path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(h.path), 0700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(h.path, nil, 0644); err != nil {
			return nil, err
		}
	}
	return knownhosts.New(h.path)
}
