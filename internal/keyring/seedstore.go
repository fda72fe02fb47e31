package keyring

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	seedFileVersion = 1
	seedFilePrefix  = "SOUMAKEY1\n"
	seedSaltSize    = 16
)

var (
	ErrSeedAuthFailed = errors.New("seed store authentication failed")
	ErrSeedInvalid    = errors.New("seed store file is invalid")
)

// SeedStore persists controlled identity seeds encrypted at rest. Only the
// seed and username are stored; keys are re-derived on load.
type SeedStore struct {
	path       string
	passphrase string
}

type seedFile struct {
	Version     uint32      `json:"version"`
	KDF         string      `json:"kdf"`
	KDFTime     uint32      `json:"kdf_time"`
	KDFMemoryKB uint32      `json:"kdf_memory_kb"`
	KDFThreads  uint8       `json:"kdf_threads"`
	Salt        []byte      `json:"salt"`
	Nonce       []byte      `json:"nonce"`
	Ciphertext  []byte      `json:"ciphertext"`
}

type seedRecord struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Seed     []byte `json:"seed"`
}

func NewSeedStore(path, passphrase string) *SeedStore {
	return &SeedStore{path: path, passphrase: passphrase}
}

// Save writes the controlled subset of the given identities. Foreign
// identities carry no seed and are skipped.
func (s *SeedStore) Save(identities []*Identity) error {
	var records []seedRecord
	for _, ident := range identities {
		if !ident.Controlled() || len(ident.seed) == 0 {
			continue
		}
		records = append(records, seedRecord{ID: ident.ID, Username: ident.Username, Seed: ident.seed})
	}
	plaintext, err := json.Marshal(records)
	if err != nil {
		return err
	}
	defer zeroBytes(plaintext)

	salt := make([]byte, seedSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := seedKey(s.passphrase, salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	raw, err := json.Marshal(seedFile{
		Version:     seedFileVersion,
		KDF:         "argon2id",
		KDFTime:     2,
		KDFMemoryKB: 64 * 1024,
		KDFThreads:  1,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, append([]byte(seedFilePrefix), raw...), 0o600)
}

// Load decrypts the store and re-derives full identities from the stored
// seeds. A missing file yields an empty slice.
func (s *SeedStore) Load() ([]*Identity, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(string(data), seedFilePrefix) {
		return nil, ErrSeedInvalid
	}

	var file seedFile
	if err := json.Unmarshal(data[len(seedFilePrefix):], &file); err != nil {
		return nil, ErrSeedInvalid
	}
	if file.Version != seedFileVersion || file.KDF != "argon2id" {
		return nil, ErrSeedInvalid
	}

	key := seedKey(s.passphrase, file.Salt)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, file.Nonce, file.Ciphertext, nil)
	if err != nil {
		return nil, ErrSeedAuthFailed
	}
	defer zeroBytes(plaintext)

	var records []seedRecord
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return nil, ErrSeedInvalid
	}
	identities := make([]*Identity, 0, len(records))
	for _, rec := range records {
		ident, err := fromSeed(rec.Username, rec.Seed)
		if err != nil {
			return nil, err
		}
		identities = append(identities, ident)
	}
	return identities, nil
}

func seedKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 2, 64*1024, 1, chacha20poly1305.KeySize)
}
