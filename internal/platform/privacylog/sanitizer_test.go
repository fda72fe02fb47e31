package privacylog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSanitizeAttrRedactsSecrets(t *testing.T) {
	cases := []string{
		"mnemonic", "seed_phrase", "passphrase", "password",
		"sign_private", "keycrypt", "session_id", "Signature", "access_token",
	}
	for _, key := range cases {
		got := SanitizeAttr(slog.String(key, "super secret"))
		if got.Value.String() != "[REDACTED]" {
			t.Errorf("key %q: value = %q, want redacted", key, got.Value.String())
		}
	}
}

func TestSanitizeAttrFingerprintsPersonaIDs(t *testing.T) {
	got := SanitizeAttr(slog.String("author_id", "deadbeefdeadbeefdeadbeefdeadbeef"))
	if got.Key != "author_id_fp" {
		t.Fatalf("key = %q, want author_id_fp", got.Key)
	}
	v := got.Value.String()
	if !strings.HasPrefix(v, "fp_") || strings.Contains(v, "deadbeef") {
		t.Fatalf("fingerprint %q leaks the id", v)
	}
	// Stable within one process run.
	again := SanitizeAttr(slog.String("author_id", "deadbeefdeadbeefdeadbeefdeadbeef"))
	if again.Value.String() != v {
		t.Fatal("fingerprint should be stable within a run")
	}
	// Different ids fingerprint differently.
	other := SanitizeAttr(slog.String("author_id", "cafecafecafecafecafecafecafecafe"))
	if other.Value.String() == v {
		t.Fatal("distinct ids should not collide")
	}
}

func TestSanitizeAttrLeavesObjectIDsAlone(t *testing.T) {
	got := SanitizeAttr(slog.String("object_id", "0123456789abcdef0123456789abcdef"))
	if got.Key != "object_id" || got.Value.String() != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("object_id should pass through untouched, got %v", got)
	}
	got = SanitizeAttr(slog.String("vesicle_id", "0123456789abcdef0123456789abcdef"))
	if got.Key != "vesicle_id" {
		t.Fatalf("vesicle_id should pass through untouched, got %v", got)
	}
}

func TestFingerprintIDEmpty(t *testing.T) {
	if FingerprintID("  ") != "" {
		t.Fatal("blank input should fingerprint to empty string")
	}
}

func TestHandlerSanitizesRecords(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))

	log.Info("persona registered",
		"persona_id", "deadbeefdeadbeefdeadbeefdeadbeef",
		"mnemonic", "twelve words of doom",
		"object_id", "plain-as-day")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if _, ok := line["persona_id"]; ok {
		t.Fatal("raw persona_id leaked into output")
	}
	fp, ok := line["persona_id_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("persona_id_fp = %v", line["persona_id_fp"])
	}
	if line["mnemonic"] != "[REDACTED]" {
		t.Fatalf("mnemonic = %v, want redacted", line["mnemonic"])
	}
	if line["object_id"] != "plain-as-day" {
		t.Fatalf("object_id = %v, want untouched", line["object_id"])
	}
	if strings.Contains(buf.String(), "twelve words of doom") {
		t.Fatal("secret text leaked into output")
	}
}

func TestHandlerWithAttrsSanitized(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil))).
		With("passphrase", "open sesame")
	log.Info("hello")

	if strings.Contains(buf.String(), "open sesame") {
		t.Fatal("pre-bound attr leaked into output")
	}
}
