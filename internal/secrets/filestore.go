package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const encPrefix = "enc:"

// FileStore is the encrypted on-disk fallback behind the KeyVault, used on
// hosts without an OS keyring. Values are sealed with ChaCha20-Poly1305;
// the key file carries 64 hex characters (32 bytes) with 0600 permissions.
type FileStore struct {
	mu      sync.Mutex
	key     [32]byte
	path    string
	entries map[string]string // name → "enc:..." or "" (index-only)
}

// NewFileStore loads or initializes the store under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("secrets: create vault directory: %w", err)
	}

	keyPath := filepath.Join(dir, "vault.key")
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}

	fs := &FileStore{
		key:     key,
		path:    filepath.Join(dir, "vault.json"),
		entries: make(map[string]string),
	}
	if data, err := os.ReadFile(fs.path); err == nil {
		if err := json.Unmarshal(data, &fs.entries); err != nil {
			return nil, fmt.Errorf("secrets: corrupt vault file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secrets: read vault file: %w", err)
	}
	return fs, nil
}

func loadOrCreateKey(keyPath string) ([32]byte, error) {
	var key [32]byte

	data, err := os.ReadFile(keyPath)
	if err == nil {
		decoded, derr := hex.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil || len(decoded) != 32 {
			return key, errors.New("secrets: invalid key file (expected 64 hex characters)")
		}
		copy(key[:], decoded)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return key, fmt.Errorf("secrets: read key file: %w", err)
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("secrets: generate key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key[:])), 0600); err != nil {
		return key, fmt.Errorf("secrets: write key file: %w", err)
	}
	return key, nil
}

// Set encrypts and persists a secret.
func (fs *FileStore) Set(name, secret string) error {
	sealed, err := fs.seal(secret)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.entries[name] = sealed
	return fs.persist()
}

// SetName records a key name without a value (index for keyring-held keys).
func (fs *FileStore) SetName(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.entries[name]; ok {
		return nil
	}
	fs.entries[name] = ""
	return fs.persist()
}

// Get decrypts a stored secret. ok=false for unknown or index-only names.
func (fs *FileStore) Get(name string) (string, bool) {
	fs.mu.Lock()
	sealed, ok := fs.entries[name]
	fs.mu.Unlock()
	if !ok || sealed == "" {
		return "", false
	}
	plain, err := fs.open(sealed)
	if err != nil {
		return "", false
	}
	return plain, true
}

// Delete removes a name from the store.
func (fs *FileStore) Delete(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.entries, name)
	return fs.persist()
}

// Names returns all known names, sorted.
func (fs *FileStore) Names() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	names := make([]string, 0, len(fs.entries))
	for n := range fs.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (fs *FileStore) persist() error {
	data, err := json.MarshalIndent(fs.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("secrets: write vault file: %w", err)
	}
	return os.Rename(tmp, fs.path)
}

// seal returns "enc:" + hex(nonce || ciphertext || tag).
func (fs *FileStore) seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(fs.key[:])
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + hex.EncodeToString(ciphertext), nil
}

func (fs *FileStore) open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, encPrefix) {
		return sealed, nil
	}
	raw, err := hex.DecodeString(sealed[len(encPrefix):])
	if err != nil {
		return "", fmt.Errorf("secrets: hex decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(fs.key[:])
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	nonceSize := aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("secrets: ciphertext too short")
	}
	plaintext, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}
