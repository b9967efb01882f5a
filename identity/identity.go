// Package identity derives the long-lived keypair and peer ID of a node.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/sha3"
)

// ErrInvalidKeyEncoding is returned when the configured secret key is not a
// hex encoded 32 byte ed25519 seed.
var ErrInvalidKeyEncoding = errors.New("invalid key encoding")

// Source selects how the keypair is obtained. At most one field may be set.
// If neither is set, a random keypair is generated.
type Source struct {
	// Seed is an arbitrary string. The keypair is derived deterministically
	// from its SHA3-256 digest.
	Seed string `yaml:"seed,omitempty"`

	// Key is a hex encoded 32 byte ed25519 seed.
	Key string `yaml:"key,omitempty"`
}

// Identity is the keypair of the node and the peer ID derived from it.
type Identity struct {
	PrivKey crypto.PrivKey
	ID      peer.ID
}

// New derives an identity from src.
func New(src Source) (*Identity, error) {
	var (
		priv crypto.PrivKey
		err  error
	)

	switch {
	case src.Seed != "" && src.Key != "":
		return nil, fmt.Errorf("%w: seed and key are mutually exclusive", ErrInvalidKeyEncoding)
	case src.Seed != "":
		digest := sha3.Sum256([]byte(src.Seed))
		priv, err = fromSeed(digest[:])
	case src.Key != "":
		seed, derr := hex.DecodeString(src.Key)
		if derr != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidKeyEncoding, derr)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeyEncoding, ed25519.SeedSize, len(seed))
		}
		priv, err = fromSeed(seed)
	default:
		priv, _, err = crypto.GenerateEd25519Key(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}

	return &Identity{PrivKey: priv, ID: id}, nil
}

func fromSeed(seed []byte) (crypto.PrivKey, error) {
	return crypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(seed))
}

// PublicKey returns the public half of the keypair.
func (i *Identity) PublicKey() crypto.PubKey {
	return i.PrivKey.GetPublic()
}

func (i *Identity) String() string {
	return i.ID.String()
}
