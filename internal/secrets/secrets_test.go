package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newFileVault builds a vault on the encrypted file store directly, so tests
// never touch the OS keyring.
func newFileVault(t *testing.T) *KeyVault {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return &KeyVault{
		service: keyringService,
		names:   make(map[string]struct{}),
		file:    fs,
	}
}

const testKey = "sk-or-v1-abcdef0123456789abcdef0123456789"

func TestSymbolicRefHelpers(t *testing.T) {
	if !IsSymbolicRef("{{brave_key}}") {
		t.Error("valid ref rejected")
	}
	for _, bad := range []string{"{{9starts_with_digit}}", "{{has space}}", "brave_key", "{{}}", "x{{brave_key}}"} {
		if IsSymbolicRef(bad) {
			t.Errorf("IsSymbolicRef(%q) = true", bad)
		}
	}

	ref := RefFor("openrouter_key")
	if ref != "{{openrouter_key}}" {
		t.Fatalf("RefFor = %q", ref)
	}
	name, ok := RefName(ref)
	if !ok || name != "openrouter_key" {
		t.Fatalf("RefName(%q) = %q, %t", ref, name, ok)
	}

	refs := FindRefs("use {{a_key}} and {{b_key}} but not {bare}")
	if len(refs) != 2 || refs[0] != "{{a_key}}" || refs[1] != "{{b_key}}" {
		t.Fatalf("FindRefs = %v", refs)
	}
}

func TestFileStoreEncryptsAtRest(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Set("brave_key", "BSA0123456789abcdefghijk"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if strings.Contains(string(raw), "BSA0123456789abcdefghijk") {
			t.Fatalf("plaintext secret on disk in %s", e.Name())
		}
	}

	// Reopen: value must survive and decrypt with the persisted key.
	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get("brave_key")
	if !ok || got != "BSA0123456789abcdefghijk" {
		t.Fatalf("after reopen got %q ok=%t", got, ok)
	}
}

func TestVaultStoreResolveMask(t *testing.T) {
	v := newFileVault(t)
	if err := v.Store("openrouter_key", testKey); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := v.Store("bad name", "x"); err == nil {
		t.Error("invalid key name accepted")
	}
	if err := v.Store("empty", ""); err == nil {
		t.Error("empty secret accepted")
	}

	got, err := v.Resolve("openrouter_key")
	if err != nil || got != testKey {
		t.Fatalf("Resolve = %q, %v", got, err)
	}

	text := "my key is " + testKey + ", keep it safe"
	if !v.ContainsSecret(text) {
		t.Error("ContainsSecret missed a vault-held value")
	}
	masked := v.MaskKnown(text)
	if strings.Contains(masked, testKey) || !strings.Contains(masked, "{{openrouter_key}}") {
		t.Fatalf("MaskKnown = %q", masked)
	}

	if err := v.Delete("openrouter_key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if v.Has("openrouter_key") {
		t.Error("deleted key still present")
	}
}

func TestSanitizerScanRedacts(t *testing.T) {
	s := NewSanitizer(0.7)

	res := s.Scan("token for the bot: 12345678:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw_")
	if res.Clean {
		t.Fatal("telegram token not flagged")
	}
	if strings.Contains(res.Redacted, "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw_") {
		t.Fatalf("token survived redaction: %q", res.Redacted)
	}

	res = s.Scan("use " + testKey + " for the request")
	if res.Clean || !strings.Contains(res.Redacted, "[REDACTED_API_KEY]") {
		t.Fatalf("api key scan = %+v", res)
	}

	res = s.Scan("perfectly ordinary sentence about weather")
	if !res.Clean || res.Redacted != "perfectly ordinary sentence about weather" {
		t.Fatalf("clean text mangled: %+v", res)
	}
}

func TestSanitizerSensitivityGatesGenerics(t *testing.T) {
	low := NewSanitizer(0.3)
	high := NewSanitizer(0.9)
	text := "password: hunter2hunter2"

	if res := low.Scan(text); !res.Clean {
		t.Fatalf("generic secret flagged at low sensitivity: %+v", res)
	}
	if res := high.Scan(text); res.Clean || !strings.Contains(res.Redacted, "[REDACTED_SECRET]") {
		t.Fatalf("generic secret missed at high sensitivity: %+v", res)
	}
}

func TestConvertToSymbolicAndBack(t *testing.T) {
	v := newFileVault(t)
	m := NewSecretManager(v, NewSanitizer(0.7))

	in := "Use my key " + testKey + " to summarize X."
	sym := m.ConvertToSymbolic(in, "room:general")
	if strings.Contains(sym, testKey) {
		t.Fatalf("raw credential survived conversion: %q", sym)
	}
	if !strings.Contains(sym, "{{openrouter_key}}") {
		t.Fatalf("expected minted openrouter_key ref, got %q", sym)
	}

	back := m.ConvertFromSymbolic(sym)
	if back != in {
		t.Fatalf("round trip mismatch:\n in=%q\nout=%q", in, back)
	}

	// No new credentials: to-symbolic then from-symbolic is the identity.
	plain := "talk about {{openrouter_key}} by reference only"
	if got := m.ConvertToSymbolic(plain, "room:general"); got != plain {
		t.Fatalf("identity violated: %q", got)
	}
}

func TestMintNameCollision(t *testing.T) {
	v := newFileVault(t)
	m := NewSecretManager(v, NewSanitizer(0.7))

	if err := v.Store("openrouter_key", "sk-or-v1-00000000000000000000ffff"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	name := m.mintName(DetectedSecret{Category: "api_key", Value: testKey})
	if name != "openrouter_key_2" {
		t.Fatalf("mintName = %q, want openrouter_key_2", name)
	}
	// Same value maps back to the existing name.
	name = m.mintName(DetectedSecret{Category: "api_key", Value: "sk-or-v1-00000000000000000000ffff"})
	if name != "openrouter_key" {
		t.Fatalf("mintName for known value = %q", name)
	}
}

func TestResolveArgs(t *testing.T) {
	v := newFileVault(t)
	if err := v.Store("brave_key", "BSAabcdefghijklmnopqrstu"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	m := NewSecretManager(v, NewSanitizer(0.7))

	args := map[string]interface{}{
		"query":   "tailscale status",
		"api_key": "{{brave_key}}",
		"count":   float64(5),
	}
	resolved, refs := m.ResolveArgs(args)
	if resolved["api_key"] != "BSAabcdefghijklmnopqrstu" {
		t.Fatalf("api_key not resolved: %v", resolved["api_key"])
	}
	if resolved["query"] != "tailscale status" || resolved["count"] != float64(5) {
		t.Fatalf("untouched args mangled: %v", resolved)
	}
	if len(refs) != 1 || refs[0] != "{{brave_key}}" {
		t.Fatalf("refs = %v", refs)
	}
	// Original map must be untouched.
	if args["api_key"] != "{{brave_key}}" {
		t.Fatal("caller's args mutated")
	}
}
