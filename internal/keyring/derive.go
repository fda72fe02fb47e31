package keyring

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning    = "souma/identity/signing/v1"
	hkdfInfoEncryption = "souma/identity/encryption/v1"
)

var ErrBadMnemonic = errors.New("mnemonic phrase is not valid")

// GenerateIdentity creates a fresh controlled identity and returns it with
// the recovery mnemonic for its seed.
func GenerateIdentity(username string) (*Identity, string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", err
	}
	id, err := FromMnemonic(username, mnemonic)
	if err != nil {
		return nil, "", err
	}
	return id, mnemonic, nil
}

// FromMnemonic rebuilds a controlled identity from its recovery phrase.
// The identifier and both keypairs are deterministic in the mnemonic.
func FromMnemonic(username, mnemonic string) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrBadMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	return fromSeed(username, seed)
}

func fromSeed(username string, seed []byte) (*Identity, error) {
	signSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	cryptPriv, err := hkdfExpand(seed, hkdfInfoEncryption, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}

	signPriv := ed25519.NewKeyFromSeed(signSeed)
	signPub := signPriv.Public().(ed25519.PublicKey)
	cryptPub, err := curve25519.X25519(cryptPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	return &Identity{
		ID:           identityID(signPub),
		Username:     username,
		SignPublic:   signPub,
		CryptPublic:  cryptPub,
		signPrivate:  signPriv,
		cryptPrivate: cryptPriv,
		seed:         seed,
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
