package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/ensemble/pkg/schema"
)

// Sealed blob layout: one version byte, then the GCM nonce, then the
// ciphertext. The version byte leaves room to rotate the construction
// without re-encrypting everything up front.
const (
	envelopeV1 = 0x01

	// PBKDF2-SHA256 work factor for passphrase-derived keys.
	defaultIterations = 600_000

	keyLen = 32 // AES-256
)

// KeySource is where the vault key comes from: a raw 32-byte key, or a
// passphrase stretched with PBKDF2 over the given salt.
type KeySource struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // 0 means defaultIterations
}

func (s KeySource) derive() ([]byte, error) {
	if len(s.MasterKey) > 0 {
		if len(s.MasterKey) != keyLen {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keyLen, len(s.MasterKey))
		}
		return s.MasterKey, nil
	}
	if s.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(s.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := s.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, s.Passphrase, s.Salt, iterations, keyLen)
}

// CredentialVault seals credentials with AES-256-GCM before handing
// them to the backing store. The credential name is bound into the seal
// as associated data, so a blob copied onto another name fails to open
// instead of decrypting to the wrong credential.
type CredentialVault struct {
	backend SecretStore
	aead    cipher.AEAD
}

// Open derives the vault key and returns a ready vault over backend.
func Open(backend SecretStore, src KeySource) (*CredentialVault, error) {
	key, err := src.derive()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &CredentialVault{backend: backend, aead: aead}, nil
}

func credentialAD(name string) []byte {
	return []byte("credential:" + name)
}

func (v *CredentialVault) seal(name, value string) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	blob := make([]byte, 1, 1+len(nonce)+len(value)+v.aead.Overhead())
	blob[0] = envelopeV1
	blob = append(blob, nonce...)
	return v.aead.Seal(blob, nonce, []byte(value), credentialAD(name)), nil
}

func (v *CredentialVault) open(name string, blob []byte) (string, error) {
	if len(blob) < 1+v.aead.NonceSize() {
		return "", schema.NewErrorf(schema.ErrCodeVault, "credential %s: sealed blob too short", name)
	}
	if blob[0] != envelopeV1 {
		return "", schema.NewErrorf(schema.ErrCodeVault,
			"credential %s: unknown envelope version 0x%02x", name, blob[0])
	}
	nonce := blob[1 : 1+v.aead.NonceSize()]
	ciphertext := blob[1+v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, credentialAD(name))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeVault,
			"credential %s failed authentication: wrong key or tampered blob", name)
	}
	return string(plaintext), nil
}

func (v *CredentialVault) Set(ctx context.Context, name, value string) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "credential name must not be empty")
	}
	sealed, err := v.seal(name, value)
	if err != nil {
		return err
	}
	return v.backend.StoreSecret(ctx, name, sealed)
}

func (v *CredentialVault) Get(ctx context.Context, name string) (string, error) {
	sealed, err := v.backend.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	return v.open(name, sealed)
}

func (v *CredentialVault) Delete(ctx context.Context, name string) error {
	return v.backend.DeleteSecret(ctx, name)
}

func (v *CredentialVault) Names(ctx context.Context) ([]string, error) {
	return v.backend.ListSecrets(ctx)
}

var _ Vault = (*CredentialVault)(nil)
