package keystore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nopu-sh/agent/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "5c0c523f52a5b6fad39ed2403092df8cebc36318b39383bca6c00808626fab3a"

func TestFromHexDerivesNostrPublicKey(t *testing.T) {
	id, err := FromHex(testSecret)
	require.NoError(t, err)

	want, err := nostr.GetPublicKey(testSecret)
	require.NoError(t, err)
	assert.Equal(t, want, id.PublicKey())
}

func TestFromHexRejectsBadKeys(t *testing.T) {
	for _, bad := range []string{"", "zz", strings.Repeat("0", 64), strings.Repeat("ab", 16)} {
		_, err := FromHex(bad)
		assert.Error(t, err, "key %q", bad)
	}
}

func TestSignProducesValidEvent(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	evt := nostr.Event{Kind: 9, CreatedAt: nostr.Now(), Content: "hi", Tags: nostr.Tags{}}
	require.NoError(t, id.Sign(&evt))

	assert.Equal(t, id.PublicKey(), evt.PubKey)
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadPrefersInlineKey(t *testing.T) {
	s, err := Load(config.IdentityConfig{PrivateKey: testSecret, KeyFile: filepath.Join(t.TempDir(), "unused.key")})
	require.NoError(t, err)

	id, ok := s.SigningIdentity()
	require.True(t, ok)
	want, _ := nostr.GetPublicKey(testSecret)
	assert.Equal(t, want, id.PublicKey())
}

func TestLoadGeneratesMissingKeyFileOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.key")
	cfg := config.IdentityConfig{KeyFile: path, GenerateIfAbsent: true}

	first, err := Load(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKey())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := Load(cfg)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey())
}

func TestLoadWithoutKeyLeavesStoreEmpty(t *testing.T) {
	s, err := Load(config.IdentityConfig{KeyFile: filepath.Join(t.TempDir(), "missing.key")})
	require.NoError(t, err)

	_, ok := s.SigningIdentity()
	assert.False(t, ok)
	assert.Empty(t, s.PublicKey())
}

func TestLoadRejectsCorruptKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key\n"), 0600))

	_, err := Load(config.IdentityConfig{KeyFile: path})
	assert.Error(t, err)
}

func TestSetReplacesIdentity(t *testing.T) {
	s := NewStore(nil)
	_, ok := s.SigningIdentity()
	require.False(t, ok)

	id, err := FromHex(testSecret)
	require.NoError(t, err)
	s.Set(id)
	got, ok := s.SigningIdentity()
	require.True(t, ok)
	assert.Equal(t, id.PublicKey(), got.PublicKey())

	s.Set(nil)
	_, ok = s.SigningIdentity()
	assert.False(t, ok)
}
