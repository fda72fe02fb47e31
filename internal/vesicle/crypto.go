package vesicle

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"

	"golang.org/x/crypto/hkdf"

	"souma/node/internal/keyring"
)

const contentKeyInfo = "souma/vesicle/content/v1"

// contentKey derives the AES-256-GCM key for a payload. The key material is
// the hex content hash of the plaintext, truncated to 32 chars; that string
// is what gets wrapped into the keycrypt, so pruning or extending the
// recipient table never touches the ciphertext or the signature. The AEAD
// key itself is expanded from it with HKDF rather than used raw, and GCM
// authenticates the ciphertext independently of the hash.
func contentKey(material string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(material), nil, []byte(contentKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func contentHash(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])[:32]
}

// Encrypt seals the plaintext payload and wraps the key material for each
// recipient. The author is always added to the keycrypt so the envelope
// stays recoverable and extensible by its creator. Must be called before
// Sign; the signature covers the ciphertext form.
func (v *Vesicle) Encrypt(author *keyring.Identity, recipients []*keyring.Identity) error {
	if v.Encrypted() {
		return ErrState
	}
	if author == nil || author.ID != v.AuthorID || !author.Controlled() {
		return ErrAuthorConflict
	}
	plaintext, err := json.Marshal(v.plain)
	if err != nil {
		return err
	}

	material := contentHash(plaintext)
	key, err := contentKey(material)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(v.ID))

	keycrypt := make(map[string]string, len(recipients)+1)
	for _, r := range append(recipients, author) {
		if _, done := keycrypt[r.ID]; done {
			continue
		}
		wrapped, err := r.EncryptFor([]byte(material))
		if err != nil {
			return err
		}
		keycrypt[r.ID] = wrapped
	}

	v.cipherB64 = base64.StdEncoding.EncodeToString(sealed)
	v.Keycrypt = keycrypt
	v.cipher = CipherAES
	return nil
}

// Decrypt opens the payload using any controlled identity present in the
// keycrypt. The ciphertext is retained so the envelope can still be
// relayed. ErrKeyNotFound means the node holds no suitable key yet; the
// envelope is not damaged, only pending.
func (v *Vesicle) Decrypt(ring *keyring.Keyring) error {
	if !v.Encrypted() {
		return ErrState
	}
	reader, ok := ring.FirstControlledRecipient(v.Recipients())
	if !ok {
		return ErrKeyNotFound
	}
	material, err := reader.DecryptAsOwner(v.Keycrypt[reader.ID])
	if err != nil {
		return err
	}
	key, err := contentKey(string(material))
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	sealed, err := base64.StdEncoding.DecodeString(v.cipherB64)
	if err != nil {
		return &MalformedError{Reason: "encrypted payload is not valid base64"}
	}
	if len(sealed) < aead.NonceSize() {
		return &MalformedError{Reason: "encrypted payload too short"}
	}
	plaintext, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], []byte(v.ID))
	if err != nil {
		return ErrDecryptFailed
	}
	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return &MalformedError{Reason: "decrypted payload is not a json object"}
	}
	v.plain = payload
	return nil
}

// AddRecipients extends the keycrypt with new readers. Only the author can
// do this: the key material is recovered from the author's own entry and
// re-wrapped, leaving ciphertext and signature untouched.
func (v *Vesicle) AddRecipients(author *keyring.Identity, recipients []*keyring.Identity) error {
	if !v.Encrypted() {
		return ErrState
	}
	if author == nil || author.ID != v.AuthorID || !author.Controlled() {
		return ErrAuthorConflict
	}
	wrapped, ok := v.Keycrypt[author.ID]
	if !ok {
		return ErrKeyNotFound
	}
	material, err := author.DecryptAsOwner(wrapped)
	if err != nil {
		return err
	}
	for _, r := range recipients {
		if _, done := v.Keycrypt[r.ID]; done {
			continue
		}
		entry, err := r.EncryptFor(material)
		if err != nil {
			return err
		}
		v.Keycrypt[r.ID] = entry
	}
	return nil
}

// RemoveRecipients prunes keycrypt entries. The author's entry is never
// removed.
func (v *Vesicle) RemoveRecipients(ids []string) {
	for _, id := range ids {
		if id == v.AuthorID {
			continue
		}
		delete(v.Keycrypt, id)
	}
}
