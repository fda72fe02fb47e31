package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "souma/keyring/box/v1"

var ErrSealOpen = errors.New("keyring sealed box authentication failed")

// Seal encrypts plaintext to a recipient's public encryption key using an
// ephemeral ECDH exchange. Box layout: ephemeral pub (32) || nonce (24) ||
// ciphertext.
func Seal(recipientPub, plaintext []byte) ([]byte, error) {
	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	key, err := boxKey(ephPriv, recipientPub, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	box := make([]byte, 0, len(ephPub)+len(nonce)+len(plaintext)+aead.Overhead())
	box = append(box, ephPub...)
	box = append(box, nonce...)
	return aead.Seal(box, nonce, plaintext, ephPub), nil
}

// Open decrypts a box produced by Seal using the recipient's private key.
func Open(recipientPriv, box []byte) ([]byte, error) {
	header := curve25519.PointSize + chacha20poly1305.NonceSizeX
	if len(box) < header+chacha20poly1305.Overhead {
		return nil, ErrSealOpen
	}
	ephPub := box[:curve25519.PointSize]
	nonce := box[curve25519.PointSize:header]
	ciphertext := box[header:]

	recipientPub, err := curve25519.X25519(recipientPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	key, err := boxKey(recipientPriv, ephPub, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ephPub)
	if err != nil {
		return nil, ErrSealOpen
	}
	return plaintext, nil
}

// boxKey derives the AEAD key from the ECDH shared secret. The salt binds
// both public halves of the exchange so key reuse across boxes is impossible.
func boxKey(priv, pub, ephPub, recipientPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(shared)

	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	reader := hkdf.New(sha256.New, shared, salt, []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
