// Package secrets encrypts BMC credentials with age before they reach the
// persistent store. The API server holds the public key; only conductors
// hold the private key and can recover credentials for hardware access.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"filippo.io/age"
)

var (
	// ErrNoPublicKey is returned when no public key is configured for encryption.
	ErrNoPublicKey = errors.New("no public key configured for encryption")
	// ErrNoPrivateKey is returned when no private key is configured for decryption.
	ErrNoPrivateKey = errors.New("no private key configured for decryption")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// encryptedPrefix marks driver_info values that carry ciphertext.
const encryptedPrefix = "age:"

// Cipher encrypts and decrypts individual credential values.
type Cipher struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
	logger    *slog.Logger
}

// Config holds age key material. At least one of public key (encryption) or
// private key (decryption) must be provided.
type Config struct {
	// AgePublicKey format: age1... (Bech32 encoded)
	AgePublicKey string
	// AgePrivateKey format: AGE-SECRET-KEY-1... (Bech32 encoded)
	AgePrivateKey string
}

// NewCipher creates a cipher from the configured key material.
func NewCipher(cfg *Config, logger *slog.Logger) (*Cipher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cipher{logger: logger}

	if cfg.AgePublicKey != "" {
		recipient, err := age.ParseX25519Recipient(cfg.AgePublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v", ErrInvalidKey, err)
		}
		c.recipient = recipient
	}
	if cfg.AgePrivateKey != "" {
		identity, err := age.ParseX25519Identity(cfg.AgePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		c.identity = identity
		if c.recipient == nil {
			c.recipient = identity.Recipient()
		}
	}

	if c.recipient == nil && c.identity == nil {
		return nil, errors.New("no age key material configured")
	}
	return c, nil
}

// CanDecrypt reports whether the cipher holds a private key.
func (c *Cipher) CanDecrypt() bool {
	return c.identity != nil
}

// Encrypt encrypts a credential value into the age:<base64> form stored in
// driver_info. Already-encrypted values pass through unchanged.
func (c *Cipher) Encrypt(value string) (string, error) {
	if strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}
	if c.recipient == nil {
		return "", ErrNoPublicKey
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipient)
	if err != nil {
		return "", fmt.Errorf("encrypting credential: %w", err)
	}
	if _, err := io.WriteString(w, value); err != nil {
		return "", fmt.Errorf("encrypting credential: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("encrypting credential: %w", err)
	}

	return encryptedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt recovers a credential value. Plaintext values pass through, so
// nodes enrolled before encryption was enabled keep working.
func (c *Cipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}
	if c.identity == nil {
		return "", ErrNoPrivateKey
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("decoding credential: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), c.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting credential: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decrypting credential: %w", err)
	}
	return string(plain), nil
}

// credentialKey reports whether a driver_info key holds a secret value.
func credentialKey(key string) bool {
	return strings.HasSuffix(key, "_password") || strings.HasSuffix(key, "_secret")
}

// EncryptDriverInfo returns a copy of info with credential values encrypted.
func (c *Cipher) EncryptDriverInfo(info map[string]string) (map[string]string, error) {
	if info == nil {
		return nil, nil
	}
	out := make(map[string]string, len(info))
	for k, v := range info {
		if !credentialKey(k) {
			out[k] = v
			continue
		}
		enc, err := c.Encrypt(v)
		if err != nil {
			return nil, fmt.Errorf("driver info key %q: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptDriverInfo returns a copy of info with credential values recovered.
func (c *Cipher) DecryptDriverInfo(info map[string]string) (map[string]string, error) {
	if info == nil {
		return nil, nil
	}
	out := make(map[string]string, len(info))
	for k, v := range info {
		if !credentialKey(k) {
			out[k] = v
			continue
		}
		plain, err := c.Decrypt(v)
		if err != nil {
			return nil, fmt.Errorf("driver info key %q: %w", k, err)
		}
		out[k] = plain
	}
	return out, nil
}
