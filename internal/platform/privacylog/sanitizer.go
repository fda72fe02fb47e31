// Package privacylog wraps a slog handler so key material and persona
// identifiers never reach log output in the clear. Secrets are redacted
// outright; persona ids are replaced by a fingerprint that is stable
// within one process run but useless across runs.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()

	// Persona-shaped identifiers are fingerprinted: readable enough to
	// correlate within a run, unlinkable between runs. Object and
	// envelope ids stay plain; reconciliation debugging depends on them.
	fingerprintedIDs = map[string]struct{}{
		"persona_id":   {},
		"author_id":    {},
		"recipient_id": {},
		"creator_id":   {},
		"requester":    {},
		"source":       {},
		"peer_id":      {},
		"admin_id":     {},
	}

	// Any key containing one of these substrings is dropped entirely.
	sensitiveKeyParts = []string{
		"mnemonic", "seed", "passphrase", "password",
		"sign_private", "crypt_private", "private_key",
		"keycrypt", "session_id", "signature", "token", "secret", "auth",
	}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		sanitized = append(sanitized, SanitizeAttr(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(sanitized)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	// Fingerprinting takes precedence: "author_id" matches the "auth"
	// substring below but must stay correlatable.
	if _, ok := fingerprintedIDs[lowerKey]; ok {
		return slog.String(key+"_fp", FingerprintID(valueToString(attr.Value)))
	}
	if isSensitiveKey(lowerKey) {
		return slog.String(key, redactedValue)
	}
	return attr
}

// FingerprintID hashes an identifier with a per-boot nonce.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueToString(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return fmt.Sprint(v.Any())
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
