package sign

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// Signer is a service that securely manages a nodes private key
// and signs batches and sync requests on behalf of the mempool.
//
// Make sure the verify function of the committee corresponds to the
// signature scheme used by the signer.
type Signer interface {
	// ID should return a unique identifier for the signer that can be used
	// to identify the authority within the committee. This must always return
	// the same value
	ID() []byte

	Sign(ctx context.Context, msg []byte) ([]byte, error)
}

var _ Signer = (*KeySigner)(nil)

// KeySigner signs with an ed25519 libp2p private key. The same key is used
// as the identity of the node on the peer-to-peer network so that an
// authority's ID and its peer ID can be derived from one another.
type KeySigner struct {
	key crypto.PrivKey
	id  []byte
}

func NewKeySigner(key crypto.PrivKey) (*KeySigner, error) {
	if key.Type() != crypto.Ed25519 {
		return nil, fmt.Errorf("unsupported key type %s, expected ed25519", key.Type())
	}
	id, err := key.GetPublic().Raw()
	if err != nil {
		return nil, fmt.Errorf("extracting public key: %w", err)
	}
	return &KeySigner{key: key, id: id}, nil
}

func (s *KeySigner) ID() []byte {
	return s.id
}

func (s *KeySigner) Sign(_ context.Context, msg []byte) ([]byte, error) {
	return s.key.Sign(msg)
}

// PrivKey exposes the underlying key so it can be reused as the host identity.
func (s *KeySigner) PrivKey() crypto.PrivKey {
	return s.key
}

// GenerateKey creates a fresh ed25519 key.
func GenerateKey() (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(nil)
	return priv, err
}

// SaveKey writes the key to path in libp2p's protobuf encoding, base64 encoded.
func SaveKey(path string, key crypto.PrivKey) error {
	bz, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(crypto.ConfigEncodeKey(bz)), 0o600)
}

// LoadKey reads a key previously written with SaveKey.
func LoadKey(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	bz, err := crypto.ConfigDecodeKey(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding key file %s: %w", path, err)
	}
	return crypto.UnmarshalPrivateKey(bz)
}

// PubKeyFromID converts an authority ID back into a libp2p public key.
func PubKeyFromID(id []byte) (crypto.PubKey, error) {
	if len(id) != ed25519.PublicKeySize {
		return nil, errors.New("authority id is not an ed25519 public key")
	}
	return crypto.UnmarshalEd25519PublicKey(id)
}
