package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	cryptopb "github.com/libp2p/go-libp2p/core/crypto/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_seedIsDeterministic(t *testing.T) {
	a, err := New(Source{Seed: "light-client-1"})
	require.NoError(t, err)
	b, err := New(Source{Seed: "light-client-1"})
	require.NoError(t, err)
	c, err := New(Source{Seed: "light-client-2"})
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, cryptopb.KeyType_Ed25519, a.PrivKey.Type())
}

func TestNew_key(t *testing.T) {
	seed := strings.Repeat("ab", ed25519.SeedSize)
	id, err := New(Source{Key: seed})
	require.NoError(t, err)

	raw, err := hex.DecodeString(seed)
	require.NoError(t, err)
	want, err := crypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(raw))
	require.NoError(t, err)
	assert.True(t, want.Equals(id.PrivKey))
	assert.True(t, want.GetPublic().Equals(id.PublicKey()))
}

func TestNew_invalidKey(t *testing.T) {
	tests := []struct {
		name string
		src  Source
	}{
		{name: "not hex", src: Source{Key: "zz"}},
		{name: "too short", src: Source{Key: "abcd"}},
		{name: "too long", src: Source{Key: strings.Repeat("00", 33)}},
		{name: "seed and key", src: Source{Seed: "s", Key: strings.Repeat("00", 32)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.src)
			assert.ErrorIs(t, err, ErrInvalidKeyEncoding)
		})
	}
}

func TestNew_random(t *testing.T) {
	a, err := New(Source{})
	require.NoError(t, err)
	b, err := New(Source{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ID.String(), a.String())
}
