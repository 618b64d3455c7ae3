package secrets

import (
	"fmt"
	"log"
	"os"

	vault "github.com/sosedoff/ansible-vault-go"
	"gopkg.in/yaml.v3"
)

// AnsibleVaultProvider is a provider for ansible-vault files with a yaml map inside
type AnsibleVaultProvider struct {
	data map[string]any
}

// NewAnsibleVaultProvider decrypts the vault file and loads its keys
func NewAnsibleVaultProvider(vaultPath, secret string) (*AnsibleVaultProvider, error) {
	fi, err := os.Lstat(vaultPath)
	if err != nil {
		return nil, fmt.Errorf("can't get fileinfo of %s: %w", vaultPath, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", vaultPath)
	}

	decrypted, err := vault.DecryptFile(vaultPath, secret)
	if err != nil {
		return nil, fmt.Errorf("can't decrypt %s: %w", vaultPath, err)
	}
	log.Printf("[INFO] ansible vault file %s decrypted", vaultPath)

	m := map[string]any{}
	if err = yaml.Unmarshal([]byte(decrypted), &m); err != nil {
		return nil, fmt.Errorf("can't unmarshal decrypted %s: %w", vaultPath, err)
	}
	return &AnsibleVaultProvider{data: m}, nil
}

// Get returns decrypted value of the key
func (p *AnsibleVaultProvider) Get(key string) (string, error) {
	if v, ok := p.data[key]; ok {
		return fmt.Sprintf("%v", v), nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}
