// Package vesicle implements the envelope format objects travel in between
// nodes: a JSON wire form with optional payload encryption, a per-recipient
// key table (keycrypt) and an author signature.
package vesicle

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"souma/node/internal/keyring"
	"souma/node/pkg/models"
)

const (
	// Version is the protocol generation carried in the enc field. Peers
	// running a different generation are rejected at parse time.
	Version = "0.1"

	CipherPlain = "plain"
	CipherAES   = "AES-256"
)

var (
	ErrState            = errors.New("operation not valid in the envelope's current encryption state")
	ErrKeyNotFound      = errors.New("no controlled recipient found in keycrypt")
	ErrAuthorConflict   = errors.New("identity does not match the envelope author")
	ErrInvalidSignature = errors.New("envelope signature verification failed")
	ErrDecryptFailed    = errors.New("envelope payload authentication failed")
	ErrVersionMismatch  = errors.New("envelope protocol version not supported")
	ErrPersonaNotFound  = errors.New("envelope author is not known")
)

// MalformedError reports an envelope that does not satisfy the wire format.
type MalformedError struct {
	Reason string
	Fields []string
}

func (e *MalformedError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("malformed envelope: %s: %s", e.Reason, strings.Join(e.Fields, ", "))
	}
	return "malformed envelope: " + e.Reason
}

// UnknownAuthorError reports a signed envelope whose author has no public
// key in the keyring yet. It carries the author id so callers can fetch the
// persona record and retry the parse.
type UnknownAuthorError struct {
	AuthorID string
}

func (e *UnknownAuthorError) Error() string {
	return "envelope author " + e.AuthorID + " is not known"
}

func (e *UnknownAuthorError) Unwrap() error { return ErrPersonaNotFound }

// Directory resolves persona ids to identities so signatures can be checked
// against the author's public key. *keyring.Keyring satisfies it.
type Directory interface {
	IdentityByID(id string) (*keyring.Identity, bool)
}

var idPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Vesicle is a protocol envelope. The payload lives either as a plaintext
// changeset, as ciphertext, or both once an encrypted envelope has been
// opened. The ciphertext is never discarded so the envelope can be relayed
// onward without re-encrypting.
type Vesicle struct {
	ID          string
	MessageType string
	ReplyTo     string
	SoumaID     string
	AuthorID    string
	Created     time.Time
	Keycrypt    map[string]string
	Signature   string

	cipher    string
	plain     models.Changeset
	cipherB64 string
}

type wireVesicle struct {
	ID          string            `json:"id"`
	MessageType string            `json:"message_type"`
	Payload     json.RawMessage   `json:"payload"`
	Enc         string            `json:"enc"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	SoumaID     string            `json:"souma_id"`
	Keycrypt    map[string]string `json:"keycrypt,omitempty"`
	Signature   string            `json:"signature,omitempty"`
	AuthorID    string            `json:"author_id"`
	Created     string            `json:"created"`
}

// New builds a plaintext envelope authored by the given identity.
func New(messageType string, payload models.Changeset, authorID, soumaID string) *Vesicle {
	return &Vesicle{
		ID:          models.NewID(),
		MessageType: messageType,
		SoumaID:     soumaID,
		AuthorID:    authorID,
		Created:     time.Now().UTC(),
		cipher:      CipherPlain,
		plain:       payload,
	}
}

// Encrypted reports whether the wire payload is ciphertext.
func (v *Vesicle) Encrypted() bool { return v.cipher == CipherAES }

// Decrypted reports whether the plaintext payload is available, either
// because the envelope was never encrypted or because Decrypt succeeded.
func (v *Vesicle) Decrypted() bool { return v.plain != nil }

// Payload returns the plaintext changeset. ErrState if the envelope is
// encrypted and has not been opened.
func (v *Vesicle) Payload() (models.Changeset, error) {
	if v.plain == nil {
		return nil, ErrState
	}
	return v.plain, nil
}

// Recipients returns the keycrypt entry ids, sorted.
func (v *Vesicle) Recipients() []string {
	ids := make([]string, 0, len(v.Keycrypt))
	for id := range v.Keycrypt {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (v *Vesicle) enc() string { return Version + "-" + v.cipher }

// payloadWire returns the payload as it appears on the wire: the base64
// ciphertext for encrypted envelopes, canonical JSON otherwise. This is
// also the byte form the signature covers.
func (v *Vesicle) payloadWire() ([]byte, error) {
	if v.Encrypted() {
		return json.Marshal(v.cipherB64)
	}
	if v.plain == nil {
		return nil, ErrState
	}
	return json.Marshal(v.plain)
}

// signable assembles the signed byte sequence. The created timestamp and
// the keycrypt are deliberately excluded: serialization re-stamps the
// former and redistribution rewrites the latter, and neither may break an
// existing signature.
func (v *Vesicle) signable() ([]byte, error) {
	payload, err := v.payloadWire()
	if err != nil {
		return nil, err
	}
	parts := [][]byte{
		[]byte(v.ID),
		[]byte(v.MessageType),
		[]byte(v.enc()),
		payload,
		[]byte(v.AuthorID),
	}
	var buf []byte
	for i, p := range parts {
		if i > 0 {
			buf = append(buf, '|')
		}
		buf = append(buf, p...)
	}
	return buf, nil
}

// Sign stamps the envelope with the author's signature. The signing
// identity must be the declared author and must hold its private key.
// Encryption changes the signed payload form, so encrypt before signing.
func (v *Vesicle) Sign(author *keyring.Identity) error {
	if author == nil || author.ID != v.AuthorID {
		return ErrAuthorConflict
	}
	data, err := v.signable()
	if err != nil {
		return err
	}
	sig, err := author.Sign(data)
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// Signed verifies the signature against the author's public key. The check
// is re-done on every call; nothing is cached, so a mutated envelope stops
// reporting as signed.
func (v *Vesicle) Signed(dir Directory) bool {
	if v.Signature == "" {
		return false
	}
	author, ok := dir.IdentityByID(v.AuthorID)
	if !ok {
		return false
	}
	data, err := v.signable()
	if err != nil {
		return false
	}
	return author.Verify(data, v.Signature)
}

// Serialize emits the wire JSON. The created timestamp is regenerated on
// every call; receivers treat it as transmission time, not content time.
func (v *Vesicle) Serialize() ([]byte, error) {
	payload, err := v.payloadWire()
	if err != nil {
		return nil, err
	}
	v.Created = time.Now().UTC()
	return json.Marshal(wireVesicle{
		ID:          v.ID,
		MessageType: v.MessageType,
		Payload:     payload,
		Enc:         v.enc(),
		ReplyTo:     v.ReplyTo,
		SoumaID:     v.SoumaID,
		Keycrypt:    v.Keycrypt,
		Signature:   v.Signature,
		AuthorID:    v.AuthorID,
		Created:     v.Created.Format(time.RFC3339Nano),
	})
}

// Parse decodes wire JSON into an envelope and checks its structural
// invariants. If a signature is present the author must be resolvable
// through dir and the signature must verify.
func Parse(data []byte, dir Directory) (*Vesicle, error) {
	var wire wireVesicle
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &MalformedError{Reason: "invalid json"}
	}

	var missing []string
	for _, f := range []struct{ name, val string }{
		{"id", wire.ID},
		{"message_type", wire.MessageType},
		{"enc", wire.Enc},
		{"author_id", wire.AuthorID},
		{"created", wire.Created},
	} {
		if f.val == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, &MalformedError{Reason: "missing fields", Fields: missing}
	}
	if !idPattern.MatchString(wire.ID) {
		return nil, &MalformedError{Reason: "id is not a 32-char hex string"}
	}

	version, cipher, ok := strings.Cut(wire.Enc, "-")
	if !ok {
		return nil, &MalformedError{Reason: "enc field is not version-cipher"}
	}
	if version != Version {
		return nil, ErrVersionMismatch
	}

	created, err := time.Parse(time.RFC3339Nano, wire.Created)
	if err != nil {
		return nil, &MalformedError{Reason: "created is not an RFC 3339 timestamp"}
	}

	v := &Vesicle{
		ID:          wire.ID,
		MessageType: wire.MessageType,
		ReplyTo:     wire.ReplyTo,
		SoumaID:     wire.SoumaID,
		AuthorID:    wire.AuthorID,
		Created:     created,
		Keycrypt:    wire.Keycrypt,
		Signature:   wire.Signature,
		cipher:      cipher,
	}

	switch cipher {
	case CipherPlain:
		var payload models.Changeset
		if err := json.Unmarshal(wire.Payload, &payload); err != nil {
			return nil, &MalformedError{Reason: "plaintext payload is not a json object"}
		}
		v.plain = payload
	case CipherAES:
		var cipherB64 string
		if err := json.Unmarshal(wire.Payload, &cipherB64); err != nil {
			return nil, &MalformedError{Reason: "encrypted payload is not a base64 string"}
		}
		v.cipherB64 = cipherB64
	default:
		return nil, &MalformedError{Reason: "unsupported cipher " + cipher}
	}

	if v.Signature != "" {
		author, found := dir.IdentityByID(v.AuthorID)
		if !found {
			return nil, &UnknownAuthorError{AuthorID: v.AuthorID}
		}
		data, err := v.signable()
		if err != nil {
			return nil, err
		}
		if !author.Verify(data, v.Signature) {
			return nil, ErrInvalidSignature
		}
	}
	return v, nil
}
