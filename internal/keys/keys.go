package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"
)

const (
	keysFilename = "keys.json"
	saltSize     = 16
	keySize      = 32

	// scrypt cost parameters for deriving the sealing key.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	ErrMissingSecret = errors.New("keys secret is not configured")
	ErrDecrypt       = errors.New("failed to decrypt key: wrong secret or corrupted entry")
	ErrKeyNotFound   = errors.New("no key stored for provider")
)

// Store keeps provider API keys in keys.json, each sealed with AES-256-GCM
// under a key derived from the master secret.
type Store struct {
	configDir string
	secret    string
}

// KeyEntry is one sealed key. Sealed is base64(salt | nonce | ciphertext).
type KeyEntry struct {
	Sealed    string    `json:"sealed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Keys represents the keys.json structure
type Keys map[string]KeyEntry

func NewStore(configDir, secret string) *Store {
	return &Store{configDir: configDir, secret: secret}
}

// Path returns the path to the keys.json file
func (s *Store) Path() string {
	return filepath.Join(s.configDir, keysFilename)
}

func (s *Store) load() (Keys, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(Keys), nil
		}
		return nil, err
	}

	var keys Keys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse keys.json: %w", err)
	}
	if keys == nil {
		keys = make(Keys)
	}
	return keys, nil
}

func (s *Store) save(keys Keys) error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}

	// Write to a temp file first so a crash never leaves half a file.
	tmp := s.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write keys.json: %w", err)
	}
	if err := os.Rename(tmp, s.Path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write keys.json: %w", err)
	}
	return nil
}

// Set seals key and stores it for provider.
func (s *Store) Set(provider, key string) error {
	if s.secret == "" {
		return ErrMissingSecret
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key for %s is empty", provider)
	}
	keys, err := s.load()
	if err != nil {
		return err
	}

	sealed, err := seal(key, s.secret)
	if err != nil {
		return err
	}
	keys[provider] = KeyEntry{Sealed: sealed, UpdatedAt: time.Now().UTC()}
	return s.save(keys)
}

// Get returns the key for provider, or "" when none is stored.
func (s *Store) Get(provider string) (string, error) {
	keys, err := s.load()
	if err != nil {
		return "", err
	}

	entry, ok := keys[provider]
	if !ok {
		return "", nil
	}
	if s.secret == "" {
		return "", ErrMissingSecret
	}
	return open(entry.Sealed, s.secret)
}

func (s *Store) Delete(provider string) error {
	keys, err := s.load()
	if err != nil {
		return err
	}

	if _, ok := keys[provider]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, provider)
	}

	delete(keys, provider)
	return s.save(keys)
}

// List returns stored provider names, sorted. It needs no secret.
func (s *Store) List() ([]string, error) {
	keys, err := s.load()
	if err != nil {
		return nil, err
	}

	providers := make([]string, 0, len(keys))
	for provider := range keys {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	return providers, nil
}

func (s *Store) Exists(provider string) (bool, error) {
	keys, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := keys[provider]
	return ok, nil
}

func deriveKey(secret string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keySize)
}

func seal(plaintext, secret string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key, err := deriveKey(secret, salt)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(sealed, secret string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < saltSize {
		return "", ErrDecrypt
	}
	key, err := deriveKey(secret, raw[:saltSize])
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	rest := raw[saltSize:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return "", ErrDecrypt
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// MaskKey returns a masked version of the key for display
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// GetAPIKey resolves a provider key in priority order: the explicit key,
// then the sealed store (store may be nil), then envVar.
func GetAPIKey(explicitKey string, store *Store, provider, envVar string) (string, string, error) {
	if explicitKey != "" {
		return explicitKey, "command-line flag", nil
	}

	if store != nil {
		storedKey, err := store.Get(provider)
		if errors.Is(err, ErrDecrypt) {
			return "", "", fmt.Errorf("stored %s key: %w", provider, err)
		}
		if err == nil && storedKey != "" {
			return storedKey, fmt.Sprintf("stored key (%s)", store.Path()), nil
		}
	}

	if envKey := os.Getenv(envVar); envKey != "" {
		return envKey, fmt.Sprintf("environment variable (%s)", envVar), nil
	}

	return "", "", fmt.Errorf("API key required: run 'statickit keys set %s' or set %s environment variable", provider, envVar)
}
