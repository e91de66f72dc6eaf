package secrets

import (
	"fmt"
	"log/slog"
	"strings"
)

// SecretManager is the two-way converter at the trust boundary: credentials
// found in user input become symbolic references before any LLM sees the
// text, and references embedded in tool arguments become concrete values
// again immediately before execution.
type SecretManager struct {
	vault     *KeyVault
	sanitizer *Sanitizer
}

func NewSecretManager(vault *KeyVault, sanitizer *Sanitizer) *SecretManager {
	return &SecretManager{vault: vault, sanitizer: sanitizer}
}

// Vault exposes the underlying KeyVault (read-mostly accessors).
func (m *SecretManager) Vault() *KeyVault { return m.vault }

// ConvertToSymbolic replaces detected credentials in text with symbolic
// references, vaulting any previously unseen values under freshly minted
// names. Already-vaulted values are masked with their existing reference.
func (m *SecretManager) ConvertToSymbolic(text, sessionKey string) string {
	if text == "" {
		return text
	}

	// Known values first so re-pasted secrets reuse their existing ref.
	text = m.vault.MaskKnown(text)

	for _, det := range m.sanitizer.Detect(text) {
		name := m.mintName(det)
		if err := m.vault.Store(name, det.Value); err != nil {
			slog.Warn("secretmanager: vault store failed, masking instead",
				"key", name, "session", sessionKey, "error", err)
			text = strings.ReplaceAll(text, det.Value, "[REDACTED]")
			continue
		}
		text = strings.ReplaceAll(text, det.Value, RefFor(name))
		slog.Info("secretmanager: credential converted to symbolic ref",
			"key_ref", RefFor(name), "session", sessionKey)
	}
	return text
}

// ConvertFromSymbolic resolves every symbolic reference in text back to its
// concrete value. Unknown references are left in place (the tool will fail
// loudly rather than receive a half-resolved secret). Only tool-argument
// strings should ever pass through here.
func (m *SecretManager) ConvertFromSymbolic(text string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	for _, ref := range FindRefs(text) {
		secret, err := m.vault.ResolveRef(ref)
		if err != nil {
			continue
		}
		text = strings.ReplaceAll(text, ref, secret)
	}
	return text
}

// ResolveArgs returns a copy of tool arguments with symbolic references
// resolved in every string value. The returned map is scoped to one tool
// call; callers must not retain it.
func (m *SecretManager) ResolveArgs(args map[string]interface{}) (map[string]interface{}, []string) {
	if len(args) == 0 {
		return args, nil
	}
	var refs []string
	resolved := make(map[string]interface{}, len(args))
	for k, val := range args {
		if s, ok := val.(string); ok && strings.Contains(s, "{{") {
			found := FindRefs(s)
			refs = append(refs, found...)
			resolved[k] = m.ConvertFromSymbolic(s)
			continue
		}
		resolved[k] = val
	}
	return resolved, refs
}

// mintName derives a stable vault key name for a detected credential.
// Provider-recognizable prefixes get canonical names; anything else gets a
// numbered user key. Collisions with a different value get a suffix.
func (m *SecretManager) mintName(det DetectedSecret) string {
	base := canonicalKeyName(det)

	name := base
	for i := 2; ; i++ {
		if !m.vault.Has(name) {
			return name
		}
		if existing, err := m.vault.Resolve(name); err == nil && existing == det.Value {
			return name
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

func canonicalKeyName(det DetectedSecret) string {
	v := det.Value
	switch {
	case strings.HasPrefix(v, "sk-or-v1-"):
		return "openrouter_key"
	case strings.HasPrefix(v, "sk-ant-"):
		return "anthropic_key"
	case strings.HasPrefix(v, "sk_live_"), strings.HasPrefix(v, "sk_test_"):
		return "stripe_key"
	case strings.HasPrefix(v, "sk-"):
		return "openai_key"
	case strings.HasPrefix(v, "AIza"):
		return "google_key"
	case strings.HasPrefix(v, "BSA"):
		return "brave_key"
	case strings.HasPrefix(v, "github_pat_"), strings.HasPrefix(v, "ghp_"),
		strings.HasPrefix(v, "gho_"), strings.HasPrefix(v, "ghu_"),
		strings.HasPrefix(v, "ghs_"), strings.HasPrefix(v, "ghr_"):
		return "github_token"
	case strings.HasPrefix(v, "xox"):
		return "slack_token"
	case strings.HasPrefix(v, "AKIA"):
		return "aws_access_key"
	case det.Category == "telegram_token":
		return "telegram_bot_token"
	case det.Category == "database_url":
		return "database_url"
	case det.Category == "jwt":
		return "jwt_token"
	default:
		return "user_key"
	}
}
