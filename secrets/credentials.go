package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/AlfredDev/queryengine/domain"
)

// Credential is the decrypted form of a DataSource's Connection, live only
// for the span of one Execute call. Value holds whatever fields the
// originating adapter put there at encryption time — a DSN, a host/port/
// user/password set, or an API key, keyed by field name.
type Credential struct {
	Value map[string]string
}

// zero overwrites every string's backing bytes is not possible in Go
// without unsafe, so Unseal's release closer instead drops the map and
// replaces each value with an empty string, removing the only reference
// the caller was given.
func (c *Credential) zero() {
	if c == nil {
		return
	}
	for k := range c.Value {
		c.Value[k] = ""
	}
	c.Value = nil
}

// CredentialStore decrypts DataSource.Connection material on demand, using
// a per-tenant data-encryption-key hierarchy: master key -> DEK -> secret.
// Adapted from the gateway's BYOK encryptor; KeyID plays the role the
// gateway's org ID played, selecting which DEK unseals a given Connection.
type CredentialStore struct {
	mu        sync.RWMutex
	masterKey []byte
	dekCache  map[string][]byte // KeyID -> DEK
}

// NewCredentialStore builds a store around a 256-bit master key. Individual
// DEKs are registered with RegisterDEK as data sources are onboarded; a
// KeyID with no registered DEK fails closed.
func NewCredentialStore(masterKey []byte) (*CredentialStore, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 256 bits (32 bytes), got %d", len(masterKey))
	}
	return &CredentialStore{
		masterKey: masterKey,
		dekCache:  make(map[string][]byte),
	}, nil
}

// RegisterDEK decrypts encryptedDEK with the master key and caches the
// plaintext DEK under keyID, so later Unseal calls for that KeyID succeed.
func (s *CredentialStore) RegisterDEK(keyID string, encryptedDEK []byte) error {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("create gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(encryptedDEK) < nonceSize {
		return fmt.Errorf("encrypted DEK too short")
	}
	nonce, ciphertext := encryptedDEK[:nonceSize], encryptedDEK[nonceSize:]
	dek, err := gcm.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return fmt.Errorf("open dek: %w", err)
	}
	s.mu.Lock()
	s.dekCache[keyID] = dek
	s.mu.Unlock()
	return nil
}

func (s *CredentialStore) dek(keyID string) ([]byte, error) {
	s.mu.RLock()
	dek, ok := s.dekCache[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no data encryption key registered for key id %q", keyID)
	}
	return dek, nil
}

// Unseal decrypts ds.Connection.Encrypted with the DEK named by
// ds.Connection.KeyID, returning the plaintext credential and a release
// closer that clears it. Callers must defer release() immediately and
// must not retain cred beyond the call it was unsealed for.
func (s *CredentialStore) Unseal(ctx context.Context, ds *domain.DataSource) (*Credential, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, func() {}, err
	}
	if len(ds.Connection.Encrypted) == 0 {
		return &Credential{Value: map[string]string{}}, func() {}, nil
	}

	dek, err := s.dek(ds.Connection.KeyID)
	if err != nil {
		return nil, func() {}, fmt.Errorf("resolve dek: %w", err)
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, func() {}, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, func() {}, fmt.Errorf("create gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	enc := ds.Connection.Encrypted
	if len(enc) < nonceSize {
		return nil, func() {}, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := enc[:nonceSize], enc[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(ds.ID))
	if err != nil {
		return nil, func() {}, fmt.Errorf("decrypt connection: %w", err)
	}

	values, err := decodeCredentialFields(plaintext)
	if err != nil {
		return nil, func() {}, fmt.Errorf("decode credential fields: %w", err)
	}
	cred := &Credential{Value: values}
	return cred, cred.zero, nil
}

// decodeCredentialFields parses the decrypted connection payload, a flat
// JSON object of string fields (dsn, host, user, password, api_key, ...).
func decodeCredentialFields(plaintext []byte) (map[string]string, error) {
	var values map[string]string
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, err
	}
	return values, nil
}
