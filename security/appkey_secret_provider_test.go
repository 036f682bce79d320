package security

import (
	"bytes"
	"context"
	"testing"
)

func TestAppKeySecretProvider_EncryptDecryptRoundTrip(t *testing.T) {
	provider, err := NewAppKeySecretProviderFromString("pool-test-key", WithKeyID("pool-v1"), WithVersion(3))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	plaintext := []byte("session-secret-123")
	encrypted, err := provider.Encrypt(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(encrypted, plaintext) {
		t.Fatalf("expected ciphertext to hide plaintext")
	}
	if !IsEnvelope(encrypted) {
		t.Fatalf("expected envelope prefix")
	}
	meta, err := ParseEnvelopeMetadata(encrypted)
	if err != nil || meta.KeyID != "pool-v1" || meta.Version != 3 {
		t.Fatalf("unexpected metadata %+v %v", meta, err)
	}

	decrypted, err := provider.Decrypt(context.Background(), encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("expected roundtrip plaintext, got %q", decrypted)
	}
}

func TestAppKeySecretProvider_RejectsUnknownKey(t *testing.T) {
	issuer, _ := NewAppKeySecretProviderFromString("pool-test-key", WithKeyID("pool-v1"))
	receiver, _ := NewAppKeySecretProviderFromString("pool-test-key", WithKeyID("pool-v2"))

	encrypted, err := issuer.Encrypt(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := receiver.Decrypt(context.Background(), encrypted); err == nil {
		t.Fatalf("expected unknown key error")
	}
	if _, err := receiver.Decrypt(context.Background(), []byte("plain")); err == nil {
		t.Fatalf("expected missing prefix error")
	}
}

func TestAppKeySecretProvider_DecryptsWithRetiredKey(t *testing.T) {
	ctx := context.Background()
	old, _ := NewAppKeySecretProviderFromString("old-key", WithKeyID("pool"), WithVersion(1))
	sealed, err := old.Encrypt(ctx, []byte("legacy"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	rotated, _ := NewAppKeySecretProviderFromString("new-key",
		WithKeyID("pool"),
		WithVersion(2),
		WithRetiredKey("pool", 1, []byte("old-key")),
	)
	plaintext, err := rotated.Decrypt(ctx, sealed)
	if err != nil {
		t.Fatalf("decrypt with retired key: %v", err)
	}
	if string(plaintext) != "legacy" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
	if !rotated.NeedsRotation(sealed) {
		t.Fatalf("expected retired ciphertext flagged for rotation")
	}
	fresh, _ := rotated.Encrypt(ctx, []byte("legacy"))
	if rotated.NeedsRotation(fresh) {
		t.Fatalf("expected current ciphertext not flagged")
	}
}

func TestAppKeySecretProvider_FingerprintIsStableAndKeyed(t *testing.T) {
	a, _ := NewAppKeySecretProviderFromString("key-a")
	b, _ := NewAppKeySecretProviderFromString("key-b")

	if a.Fingerprint(" secret ") != a.Fingerprint("secret") {
		t.Fatalf("expected fingerprint to ignore surrounding whitespace")
	}
	if a.Fingerprint("secret") == b.Fingerprint("secret") {
		t.Fatalf("expected fingerprint to depend on the key")
	}
	if a.Fingerprint("secret") == PlainFingerprint("secret") {
		t.Fatalf("expected keyed fingerprint to differ from plain hash")
	}

	pinned := []byte("fingerprint-key")
	c, _ := NewAppKeySecretProviderFromString("key-c", WithFingerprintKey(pinned))
	d, _ := NewAppKeySecretProviderFromString("key-d", WithFingerprintKey(pinned))
	if c.Fingerprint("secret") != d.Fingerprint("secret") {
		t.Fatalf("expected pinned fingerprint key to survive key rotation")
	}
}

func TestNewAppKeySecretProvider_RequiresKey(t *testing.T) {
	if _, err := NewAppKeySecretProviderFromString("  "); err == nil {
		t.Fatalf("expected empty key material to fail")
	}
}
