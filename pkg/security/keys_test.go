package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateKeyPair(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateKeyPair(dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.AuthorizedKey(), "ssh-ed25519 "))
	assert.FileExists(t, filepath.Join(dir, privateKeyFile))
	assert.FileExists(t, filepath.Join(dir, publicKeyFile))

	second, err := LoadOrCreateKeyPair(dir)
	require.NoError(t, err)
	assert.Equal(t, first.AuthorizedKey(), second.AuthorizedKey(), "existing key is reused")

	sig, err := second.Signer().Sign(nil, []byte("payload"))
	require.NoError(t, err)
	assert.NoError(t, first.PublicKey().Verify([]byte("payload"), sig))
}

func TestLoadKeyPairCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, privateKeyFile), []byte("garbage"), 0600))

	_, err := LoadOrCreateKeyPair(dir)
	assert.Error(t, err)
}

func TestKnownHostsAppend(t *testing.T) {
	worker, err := GenerateKeyPair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	kh := NewKnownHosts(path)

	line := "w1.colony " + worker.AuthorizedKey()
	require.NoError(t, kh.Append(line))
	require.NoError(t, kh.Append(line), "duplicate entries are skipped")

	entries, err := kh.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0], "w1.colony ssh-ed25519 "))

	tests := []struct {
		name string
		line string
	}{
		{name: "too few fields", line: "w2"},
		{name: "bad key material", line: "w2 ssh-ed25519 not-base64!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, kh.Append(tt.line), ErrUnparsableKey)
		})
	}
}

func TestKnownHostsCallback(t *testing.T) {
	worker, err := GenerateKeyPair()
	require.NoError(t, err)
	stranger, err := GenerateKeyPair()
	require.NoError(t, err)

	kh := NewKnownHosts(filepath.Join(t.TempDir(), "known_hosts"))
	require.NoError(t, kh.Append("10.0.0.5 "+worker.AuthorizedKey()))

	cb, err := kh.HostKeyCallback()
	require.NoError(t, err)

	addr := &fakeAddr{"10.0.0.5:22"}
	assert.NoError(t, cb("10.0.0.5:22", addr, worker.PublicKey()))
	assert.Error(t, cb("10.0.0.5:22", addr, stranger.PublicKey()))
}

type fakeAddr struct{ s string }

func (a *fakeAddr) Network() string { return "tcp" }
func (a *fakeAddr) String() string  { return a.s }
