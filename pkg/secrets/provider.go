// Package secrets provides secret providers used to resolve ${secret:KEY} placeholders in target
// connection strings. Secrets can be kept encrypted in a database table, in HashiCorp Vault,
// AWS Secrets Manager or an ansible-vault file.
package secrets

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for missing keys
var ErrNotFound = errors.New("secret not found")

// Provider returns secret value by key
type Provider interface {
	Get(key string) (string, error)
}

// MemoryProvider is a secret provider that stores secrets in memory.
// Not recommended for production use, made for testing purposes.
type MemoryProvider struct {
	secrets map[string]string
}

// NewMemoryProvider creates a new MemoryProvider with the given secrets.
func NewMemoryProvider(secrets map[string]string) *MemoryProvider {
	return &MemoryProvider{secrets: secrets}
}

// Get returns the secret for the given key.
func (m *MemoryProvider) Get(key string) (string, error) {
	if val, ok := m.secrets[key]; ok {
		return val, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// NoOpProvider is a provider that does nothing.
type NoOpProvider struct{}

// Get returns an error on every key.
func (p *NoOpProvider) Get(key string) (string, error) {
	return "", fmt.Errorf("no secrets provider configured, can't get %q", key)
}
