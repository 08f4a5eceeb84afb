package secrets

import (
	"errors"
	"strings"
	"testing"

	"filippo.io/age"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewCipher(&Config{AgePrivateKey: identity.String()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := testCipher(t)

	enc, err := c.Encrypt("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(enc, "age:") {
		t.Fatalf("ciphertext %q missing marker prefix", enc)
	}
	if strings.Contains(enc, "hunter2") {
		t.Fatal("ciphertext leaks plaintext")
	}

	plain, err := c.Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if plain != "hunter2" {
		t.Fatalf("decrypted %q, want hunter2", plain)
	}
}

func TestEncryptIsIdempotentOnCiphertext(t *testing.T) {
	c := testCipher(t)

	enc, err := c.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	again, err := c.Encrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if again != enc {
		t.Fatal("re-encrypting ciphertext must be a pass-through")
	}
}

func TestPlaintextPassesThroughDecrypt(t *testing.T) {
	c := testCipher(t)

	plain, err := c.Decrypt("legacy-password")
	if err != nil {
		t.Fatal(err)
	}
	if plain != "legacy-password" {
		t.Fatalf("got %q", plain)
	}
}

func TestEncryptOnlyCipherCannotDecrypt(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewCipher(&Config{AgePublicKey: identity.Recipient().String()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.CanDecrypt() {
		t.Fatal("public-key-only cipher should not decrypt")
	}

	enc, err := c.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decrypt(enc); !errors.Is(err, ErrNoPrivateKey) {
		t.Fatalf("expected ErrNoPrivateKey, got %v", err)
	}
}

func TestDriverInfoEncryptsOnlyCredentialKeys(t *testing.T) {
	c := testCipher(t)

	info := map[string]string{
		"ipmi_address":  "10.0.0.5",
		"ipmi_username": "admin",
		"ipmi_password": "hunter2",
	}
	enc, err := c.EncryptDriverInfo(info)
	if err != nil {
		t.Fatal(err)
	}
	if enc["ipmi_address"] != "10.0.0.5" || enc["ipmi_username"] != "admin" {
		t.Fatal("non-credential keys must pass through")
	}
	if !strings.HasPrefix(enc["ipmi_password"], "age:") {
		t.Fatalf("password not encrypted: %q", enc["ipmi_password"])
	}

	dec, err := c.DecryptDriverInfo(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec["ipmi_password"] != "hunter2" {
		t.Fatalf("decrypted password = %q", dec["ipmi_password"])
	}
}
