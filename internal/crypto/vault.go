// Package crypto provides exchange request signing and password-based
// encryption of stored API credentials.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1

	// EncryptedPrefix marks a config value produced by EncryptSecret.
	EncryptedPrefix = "enc:v1:"
)

type sealedSecret struct {
	Version    int    `json:"v"`
	Salt       string `json:"s"`
	Nonce      string `json:"n"`
	Ciphertext string `json:"c"`
}

// EncryptSecret seals plaintext with a key derived from password
// (PBKDF2-HMAC-SHA256, AES-256-GCM). The result is EncryptedPrefix followed
// by base64 JSON and can be pasted into the config file.
func EncryptSecret(plaintext, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generating nonce: %w", err)
	}

	raw, err := json.Marshal(sealedSecret{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(plaintext), nil)),
	})
	if err != nil {
		return "", fmt.Errorf("crypto: encoding secret: %w", err)
	}
	return EncryptedPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecryptSecret reverses EncryptSecret. Values without EncryptedPrefix are
// returned unchanged.
func DecryptSecret(value, password string) (string, error) {
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return value, nil
	}
	if password == "" {
		return "", errors.New("crypto: encrypted secret but no vault password configured")
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("crypto: decoding secret: %w", err)
	}
	var stored sealedSecret
	if err := json.Unmarshal(raw, &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing secret: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return string(plaintext), nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// CredentialEntry is one configured API key set, possibly encrypted.
type CredentialEntry struct {
	UserID     string
	Exchange   domain.ExchangeID
	APIKey     string
	APISecret  string
	Passphrase string
	Testnet    bool
}

type credKey struct {
	user     string
	exchange domain.ExchangeID
}

// CredentialVault implements domain.CredentialResolver over static entries,
// decrypting each entry on first use.
type CredentialVault struct {
	password string

	mu      sync.Mutex
	entries map[credKey]CredentialEntry
	plain   map[credKey]domain.Credentials
}

// NewCredentialVault indexes entries by (user, exchange). A later entry for
// the same pair replaces an earlier one.
func NewCredentialVault(entries []CredentialEntry, password string) *CredentialVault {
	v := &CredentialVault{
		password: password,
		entries:  make(map[credKey]CredentialEntry, len(entries)),
		plain:    make(map[credKey]domain.Credentials),
	}
	for _, e := range entries {
		v.entries[credKey{e.UserID, e.Exchange}] = e
	}
	return v
}

// Resolve returns decrypted credentials or domain.ErrNotFound.
func (v *CredentialVault) Resolve(_ context.Context, userID string, exchange domain.ExchangeID) (domain.Credentials, error) {
	k := credKey{userID, exchange}

	v.mu.Lock()
	defer v.mu.Unlock()

	if c, ok := v.plain[k]; ok {
		return c, nil
	}
	e, ok := v.entries[k]
	if !ok {
		return domain.Credentials{}, fmt.Errorf("crypto: credentials for %s on %s: %w", userID, exchange, domain.ErrNotFound)
	}

	var creds domain.Credentials
	var err error
	if creds.APIKey, err = DecryptSecret(e.APIKey, v.password); err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: api key for %s on %s: %w", userID, exchange, err)
	}
	if creds.APISecret, err = DecryptSecret(e.APISecret, v.password); err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: api secret for %s on %s: %w", userID, exchange, err)
	}
	if creds.Passphrase, err = DecryptSecret(e.Passphrase, v.password); err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: passphrase for %s on %s: %w", userID, exchange, err)
	}
	creds.Testnet = e.Testnet

	v.plain[k] = creds
	return creds, nil
}

var _ domain.CredentialResolver = (*CredentialVault)(nil)
