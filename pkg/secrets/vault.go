package secrets

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// VaultProvider is a provider for HashiCorp Vault. All keys are fields of a single secret at path,
// both kv v2 (fields under "data") and kv v1 layouts are supported.
type VaultProvider struct {
	client *api.Client
	path   string
}

// NewVaultProvider creates a new HashiCorp Vault provider
func NewVaultProvider(addr, path, token string) (*VaultProvider, error) {
	client, err := api.NewClient(&api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("can't make vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultProvider{client: client, path: path}, nil
}

// Get gets a secret field from HashiCorp Vault
func (p *VaultProvider) Get(key string) (string, error) {
	secret, err := p.client.Logical().Read(p.path)
	if err != nil {
		return "", fmt.Errorf("can't read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: no data at %s", ErrNotFound, p.path)
	}

	data := secret.Data
	if inner, ok := secret.Data["data"].(map[string]any); ok {
		data = inner
	}
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", errors.New("unexpected secret value format")
	}
	return value, nil
}
