package security

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSealer(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "aes-256 key", key: bytes.Repeat([]byte{1}, KeySize)},
		{name: "short key", key: make([]byte, 16), wantErr: true},
		{name: "long key", key: make([]byte, 64), wantErr: true},
		{name: "no key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSealer(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, s)
		})
	}
}

func TestNewClusterSealerRequiresName(t *testing.T) {
	_, err := NewClusterSealer("")
	assert.Error(t, err)
}

func TestClusterKey(t *testing.T) {
	a := ClusterKey("lab")
	assert.Len(t, a, KeySize)
	assert.Equal(t, a, ClusterKey("lab"), "derivation is stable across restarts")
	assert.NotEqual(t, a, ClusterKey("prod"))
}

func TestSealOpen(t *testing.T) {
	s, err := NewClusterSealer("lab")
	require.NoError(t, err)

	tests := []struct {
		name      string
		plain     string
		wantClear bool
	}{
		{name: "access key", plain: "wJalrXUtnFEMI/K7MDENG/bPxRfiCY"},
		{name: "unicode", plain: "clé-секрет"},
		{name: "long", plain: strings.Repeat("x", 4096)},
		{name: "empty stays empty", plain: "", wantClear: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := s.Seal(tt.plain)
			require.NoError(t, err)
			if tt.wantClear {
				assert.Equal(t, tt.plain, sealed)
			} else {
				assert.True(t, IsSealed(sealed))
				assert.NotContains(t, sealed, tt.plain)
			}

			opened, err := s.Open(sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.plain, opened)
		})
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	s, err := NewClusterSealer("lab")
	require.NoError(t, err)

	a, err := s.Seal("secret")
	require.NoError(t, err)
	b, err := s.Seal("secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealIsIdempotent(t *testing.T) {
	s, err := NewClusterSealer("lab")
	require.NoError(t, err)

	once, err := s.Seal("secret")
	require.NoError(t, err)
	twice, err := s.Seal(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestOpenPlaintextPassesThrough(t *testing.T) {
	s, err := NewClusterSealer("lab")
	require.NoError(t, err)

	got, err := s.Open("legacy-plain-key")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plain-key", got)
}

func TestOpenErrors(t *testing.T) {
	lab, err := NewClusterSealer("lab")
	require.NoError(t, err)
	prod, err := NewClusterSealer("prod")
	require.NoError(t, err)

	fromProd, err := prod.Seal("secret")
	require.NoError(t, err)

	sealed, err := lab.Seal("secret")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := SealedPrefix + base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name  string
		value string
	}{
		{name: "not base64", value: SealedPrefix + "!!"},
		{name: "too short", value: SealedPrefix + base64.StdEncoding.EncodeToString([]byte("abc"))},
		{name: "other cluster", value: fromProd},
		{name: "tampered", value: tampered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lab.Open(tt.value)
			assert.Error(t, err)
		})
	}
}
