package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/AlfredDev/queryengine/domain"
)

func sealForTest(t *testing.T, masterKey, dek []byte, keyID string, fields map[string]string) []byte {
	t.Helper()
	block, err := aes.NewCipher(dek)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("nonce: %v", err)
	}
	plaintext, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte("ds-1"))
}

func sealDEKForTest(t *testing.T, masterKey, dek []byte, keyID string) []byte {
	t.Helper()
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("nonce: %v", err)
	}
	return gcm.Seal(nonce, nonce, dek, []byte(keyID))
}

func TestCredentialStore_UnsealAndRelease(t *testing.T) {
	masterKey := make([]byte, 32)
	dek := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(dek); err != nil {
		t.Fatal(err)
	}

	store, err := NewCredentialStore(masterKey)
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	encDEK := sealDEKForTest(t, masterKey, dek, "key-1")
	if err := store.RegisterDEK("key-1", encDEK); err != nil {
		t.Fatalf("RegisterDEK: %v", err)
	}

	encrypted := sealForTest(t, masterKey, dek, "key-1", map[string]string{"host": "db.internal", "password": "hunter2"})
	ds := &domain.DataSource{
		ID:         "ds-1",
		Connection: domain.Connection{Encrypted: encrypted, KeyID: "key-1"},
	}

	cred, release, err := store.Unseal(context.Background(), ds)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if cred.Value["host"] != "db.internal" || cred.Value["password"] != "hunter2" {
		t.Fatalf("unexpected credential fields: %+v", cred.Value)
	}

	release()
	if len(cred.Value) != 0 {
		t.Fatalf("expected credential cleared after release, got %+v", cred.Value)
	}
}

func TestCredentialStore_UnknownKeyID(t *testing.T) {
	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatal(err)
	}
	store, err := NewCredentialStore(masterKey)
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	ds := &domain.DataSource{
		ID:         "ds-2",
		Connection: domain.Connection{Encrypted: []byte("not-empty"), KeyID: "missing"},
	}
	if _, _, err := store.Unseal(context.Background(), ds); err == nil {
		t.Fatal("expected error for unregistered key id")
	}
}
