package keyring

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrUnauthorized = errors.New("identity has no private key for this operation")
	ErrNoPublicKey  = errors.New("identity has no public key for this operation")
	ErrInvalidKey   = errors.New("invalid key material")
)

// Identity is a keypair-bearing actor. A controlled identity holds both
// private keys; a foreign identity is representation-only and can neither
// sign nor decrypt.
type Identity struct {
	ID       string
	Username string

	SignPublic  ed25519.PublicKey
	CryptPublic []byte

	signPrivate  ed25519.PrivateKey
	cryptPrivate []byte
	seed         []byte
}

// Controlled reports whether both private keys are present. Only
// controlled identities may sign or decrypt.
func (id *Identity) Controlled() bool {
	return len(id.signPrivate) == ed25519.PrivateKeySize && len(id.cryptPrivate) == curve25519.ScalarSize
}

// Sign returns the base64 signature of data under the identity's private
// signing key.
func (id *Identity) Sign(data []byte) (string, error) {
	if len(id.signPrivate) != ed25519.PrivateKeySize {
		return "", ErrUnauthorized
	}
	sig := ed25519.Sign(id.signPrivate, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature against the identity's public signing
// key. Any decoding or key problem counts as an invalid signature.
func (id *Identity) Verify(data []byte, signatureB64 string) bool {
	if len(id.SignPublic) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(id.SignPublic, data, sig)
}

// EncryptFor seals data to this identity's public encryption key and
// returns base64 ciphertext. Works for foreign identities: only the
// public key is needed.
func (id *Identity) EncryptFor(data []byte) (string, error) {
	if len(id.CryptPublic) != curve25519.PointSize {
		return "", ErrNoPublicKey
	}
	box, err := Seal(id.CryptPublic, data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(box), nil
}

// DecryptAsOwner opens base64 ciphertext sealed to this identity.
func (id *Identity) DecryptAsOwner(cipherB64 string) ([]byte, error) {
	if len(id.cryptPrivate) != curve25519.ScalarSize {
		return nil, ErrUnauthorized
	}
	box, err := base64.StdEncoding.DecodeString(cipherB64)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return Open(id.cryptPrivate, box)
}

func (id *Identity) SignPublicB64() string {
	return base64.StdEncoding.EncodeToString(id.SignPublic)
}

func (id *Identity) CryptPublicB64() string {
	return base64.StdEncoding.EncodeToString(id.CryptPublic)
}

// Address returns the human-facing form of the identity id: a base58
// fingerprint of the signing key with a fixed prefix.
func (id *Identity) Address() string {
	if len(id.SignPublic) == 0 {
		return ""
	}
	sum := blake2b.Sum256(id.SignPublic)
	return "souma1" + base58.Encode(sum[:20])
}

// ForeignIdentity builds a representation-only identity from wire-format
// public keys.
func ForeignIdentity(id, username, signPublicB64, cryptPublicB64 string) (*Identity, error) {
	signPub, err := base64.StdEncoding.DecodeString(signPublicB64)
	if err != nil || len(signPub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	cryptPub, err := base64.StdEncoding.DecodeString(cryptPublicB64)
	if err != nil || len(cryptPub) != curve25519.PointSize {
		return nil, ErrInvalidKey
	}
	return &Identity{
		ID:          id,
		Username:    username,
		SignPublic:  ed25519.PublicKey(signPub),
		CryptPublic: cryptPub,
	}, nil
}

// identityID derives the 32-hex-char identifier from the signing key.
func identityID(signPublic ed25519.PublicKey) string {
	sum := blake2b.Sum256(signPublic)
	return hex.EncodeToString(sum[:16])
}
