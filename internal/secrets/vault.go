package secrets

import "context"

// Vault holds provider credentials (LLM API keys, webhook auth tokens)
// encrypted at rest. Credentials are short text values; they round-trip
// as strings and are only ever decrypted in memory.
type Vault interface {
	// Set encrypts and persists a credential under its name,
	// overwriting any previous value.
	Set(ctx context.Context, name, value string) error

	// Get decrypts the named credential. NOT_FOUND for unknown names,
	// VAULT_ERROR when the stored blob fails authentication.
	Get(ctx context.Context, name string) (string, error)

	Delete(ctx context.Context, name string) error

	// Names lists stored credential names, sorted. Values are never
	// listed.
	Names(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.LibSQLStore. Blobs arrive sealed; the store layer
// never sees plaintext.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
