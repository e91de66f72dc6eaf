package secrets

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringMarker may appear in the config file as the value of an API key
// field, meaning "load from OS keyring at boot". It never survives loading.
const KeyringMarker = "__KEYRING__"

const keyringService = "crewgate"

// symbolicRefPattern matches {{snake_case_key_name}}: exactly one enclosing
// pair of double braces, no whitespace inside.
var symbolicRefPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// anchoredRefPattern is symbolicRefPattern anchored to the whole string.
var anchoredRefPattern = regexp.MustCompile(`^\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}$`)

// IsSymbolicRef reports whether s is exactly one symbolic reference.
func IsSymbolicRef(s string) bool {
	return anchoredRefPattern.MatchString(s)
}

// RefFor wraps a key name in the symbolic reference form.
func RefFor(name string) string {
	return "{{" + name + "}}"
}

// RefName extracts the key name from a symbolic reference.
func RefName(ref string) (string, bool) {
	m := anchoredRefPattern.FindStringSubmatch(ref)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FindRefs returns all symbolic references embedded in text, in order.
func FindRefs(text string) []string {
	return symbolicRefPattern.FindAllString(text, -1)
}

// KeyVault is the process-wide resolver from symbolic references to concrete
// secrets. The OS keyring is the primary backend; an encrypted file store is
// the fallback on hosts without one. Concrete values live only here; other
// components hold them for at most a single tool-execution scope.
type KeyVault struct {
	mu         sync.RWMutex
	service    string
	names      map[string]struct{} // known key names (values stay in the backend)
	file       *FileStore
	useKeyring bool
}

// NewKeyVault opens the vault. fallbackDir hosts the encrypted file store
// used when no OS keyring is available; pass "" to require a keyring.
func NewKeyVault(fallbackDir string) (*KeyVault, error) {
	v := &KeyVault{
		service: keyringService,
		names:   make(map[string]struct{}),
	}

	// Probe the keyring once: a round-trip tells us whether the OS backend
	// is usable (headless Linux hosts often have no Secret Service).
	const probe = "crewgate-probe"
	if err := keyring.Set(keyringService, probe, "ok"); err == nil {
		_ = keyring.Delete(keyringService, probe)
		v.useKeyring = true
	} else if fallbackDir != "" {
		fs, ferr := NewFileStore(fallbackDir)
		if ferr != nil {
			return nil, fmt.Errorf("keyvault: no keyring (%v) and file store failed: %w", err, ferr)
		}
		v.file = fs
		slog.Warn("keyvault: OS keyring unavailable, using encrypted file store", "error", err)
	} else {
		return nil, fmt.Errorf("keyvault: OS keyring unavailable: %w", err)
	}

	if v.file == nil && fallbackDir != "" {
		// Even with a working keyring, load the name index from disk so
		// List survives restarts (the keyring has no enumeration API).
		if fs, err := NewFileStore(fallbackDir); err == nil {
			v.file = fs
			for _, n := range fs.Names() {
				v.names[n] = struct{}{}
			}
		}
	}
	return v, nil
}

// Store saves a concrete secret under name. The symbolic form {{name}} is
// what every other layer uses from then on.
func (v *KeyVault) Store(name, secret string) error {
	if !IsSymbolicRef(RefFor(name)) {
		return fmt.Errorf("keyvault: invalid key name %q", name)
	}
	if secret == "" {
		return fmt.Errorf("keyvault: refusing to store empty secret for %q", name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.useKeyring {
		if err := keyring.Set(v.service, name, secret); err != nil {
			return fmt.Errorf("keyvault: store %q: %w", name, err)
		}
		if v.file != nil {
			// Index only; the value stays in the keyring.
			if err := v.file.SetName(name); err != nil {
				slog.Warn("keyvault: name index update failed", "key", name, "error", err)
			}
		}
	} else {
		if err := v.file.Set(name, secret); err != nil {
			return fmt.Errorf("keyvault: store %q: %w", name, err)
		}
	}
	v.names[name] = struct{}{}
	return nil
}

// Resolve returns the concrete secret for a key name.
func (v *KeyVault) Resolve(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.useKeyring {
		secret, err := keyring.Get(v.service, name)
		if err != nil {
			return "", fmt.Errorf("keyvault: resolve %q: %w", name, err)
		}
		return secret, nil
	}
	secret, ok := v.file.Get(name)
	if !ok {
		return "", fmt.Errorf("keyvault: unknown key %q", name)
	}
	return secret, nil
}

// ResolveRef resolves a full symbolic reference like {{brave_key}}.
func (v *KeyVault) ResolveRef(ref string) (string, error) {
	name, ok := RefName(ref)
	if !ok {
		return "", fmt.Errorf("keyvault: %q is not a symbolic reference", ref)
	}
	return v.Resolve(name)
}

// Has reports whether a key name is known to the vault.
func (v *KeyVault) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.names[name]; ok {
		return true
	}
	if v.useKeyring {
		if _, err := keyring.Get(v.service, name); err == nil {
			return true
		}
		return false
	}
	_, ok := v.file.Get(name)
	return ok
}

// Delete removes a key from the vault.
func (v *KeyVault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.names, name)
	if v.useKeyring {
		if err := keyring.Delete(v.service, name); err != nil && err != keyring.ErrNotFound {
			return fmt.Errorf("keyvault: delete %q: %w", name, err)
		}
		if v.file != nil {
			_ = v.file.Delete(name)
		}
		return nil
	}
	return v.file.Delete(name)
}

// Names returns the known key names, sorted.
func (v *KeyVault) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.names))
	for n := range v.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ContainsSecret reports whether text contains any vault-held concrete
// value verbatim. Used by the agent loop's pre-provider guard.
func (v *KeyVault) ContainsSecret(text string) bool {
	if text == "" {
		return false
	}
	for _, name := range v.Names() {
		secret, err := v.Resolve(name)
		if err != nil || secret == "" {
			continue
		}
		if strings.Contains(text, secret) {
			return true
		}
	}
	return false
}

// MaskKnown replaces every vault-held concrete value in text with its
// symbolic reference.
func (v *KeyVault) MaskKnown(text string) string {
	for _, name := range v.Names() {
		secret, err := v.Resolve(name)
		if err != nil || secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, secret, RefFor(name))
	}
	return text
}
