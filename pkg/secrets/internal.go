package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/umputun/dbdef/pkg/engine"
	"github.com/umputun/dbdef/pkg/query"
	"github.com/umputun/dbdef/pkg/schema"
	"github.com/umputun/dbdef/pkg/where"
)

// secretsTable keeps encrypted secrets, defined on the first use
const secretsTable = "dbdef_secrets"

// InternalProvider is a secret provider that stores secrets in a mysql or sqlite database, encrypted.
// The table is created or upgraded with the same define logic as user tables.
type InternalProvider struct {
	db  *engine.DB
	key []byte
}

// NewInternalProvider opens the database, engine detected from dsn, and defines the secrets table
func NewInternalProvider(ctx context.Context, dsn string, key []byte) (*InternalProvider, error) {
	if len(key) == 0 {
		return nil, errors.New("empty secrets key")
	}
	tbl, err := schema.NewTable(secretsTable).
		Column("skey", "varchar(255)", schema.Primary()).
		Column("sval", "text").
		Build()
	if err != nil {
		return nil, fmt.Errorf("can't make secrets table: %w", err)
	}
	db, err := engine.Open(ctx, "", dsn, engine.Opts{})
	if err != nil {
		return nil, fmt.Errorf("can't open secrets database: %w", err)
	}
	if _, err := db.Define(ctx, tbl, engine.DefineOpts{}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't define secrets table: %w", err)
	}
	log.Printf("[INFO] secrets provider: using %s database %s", db.Driver().Name(), engine.RedactDSN(dsn))
	return &InternalProvider{db: db, key: key}, nil
}

// Close closes the database
func (p *InternalProvider) Close() error { return p.db.Close() }

// Get retrieves a secret from the database, decrypts it, and returns it.
func (p *InternalProvider) Get(key string) (string, error) {
	rows, err := p.db.Get(context.Background(), secretsTable, where.Equality{Column: "skey", Value: key},
		query.SelectOpts{Columns: []string{"sval"}, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("can't load secret %s: %w", key, err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	encrypted, ok := rows[0]["sval"].(string)
	if !ok {
		return "", fmt.Errorf("can't get secret for %s: unexpected value type %T", key, rows[0]["sval"])
	}
	decrypted, err := p.decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("can't get secret for %s: %w", key, err)
	}
	return decrypted, nil
}

// Set stores a secret in the database, encrypted. Existing secret is replaced.
func (p *InternalProvider) Set(key, value string) error {
	encrypted, err := p.encrypt(value)
	if err != nil {
		return fmt.Errorf("can't set secret for %s: %w", key, err)
	}
	row := query.Row{"skey": key, "sval": encrypted}
	if _, err = p.db.Insert(context.Background(), secretsTable, row, query.InsertOpts{Upsert: true}); err != nil {
		return fmt.Errorf("can't store secret %s: %w", key, err)
	}
	return nil
}

// Delete removes a secret from the database.
func (p *InternalProvider) Delete(key string) error {
	n, err := p.db.Delete(context.Background(), secretsTable, where.Equality{Column: "skey", Value: key}, query.DeleteOpts{})
	if err != nil {
		return fmt.Errorf("can't delete secret %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// List retrieves sorted secret keys with an optional prefix filter, empty or "*" prefix lists everything
func (p *InternalProvider) List(prefix string) ([]string, error) {
	var w where.Node
	if prefix != "" && prefix != "*" {
		w = where.Comparison{Column: "skey", Op: where.Like, Value: likeEscaper.Replace(prefix) + "%"}
	}
	rows, err := p.db.Get(context.Background(), secretsTable, w, query.SelectOpts{Columns: []string{"skey"}, Order: []string{"skey"}})
	if err != nil {
		return nil, fmt.Errorf("can't list secrets: %w", err)
	}
	res := make([]string, 0, len(rows))
	for _, r := range rows {
		res = append(res, fmt.Sprintf("%v", r["skey"]))
	}
	return res, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// encrypt seals data with nacl secretbox. The key is derived from the provider's key and a random salt,
// the result is base64 of nonce (24 bytes), salt (16 bytes) and the sealed data.
func (p *InternalProvider) encrypt(data string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, salt))

	nonce := new([24]byte)
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	out := make([]byte, 24+16)
	copy(out, nonce[:])
	copy(out[24:], salt)

	sealed := secretbox.Seal(out, []byte(data), nonce, naclKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt opens data made by encrypt
func (p *InternalProvider) decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < 24+16+secretbox.Overhead {
		return "", errors.New("encrypted data is too short")
	}

	nonce := new([24]byte)
	copy(nonce[:], sealed[:24])

	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, sealed[24:40]))

	decrypted, ok := secretbox.Open(nil, sealed[40:], nonce, naclKey)
	if !ok {
		return "", errors.New("failed to decrypt")
	}
	return string(decrypted), nil
}

// deriveKey makes 32-byte key with argon2id, 1 iteration, 64MiB memory and 4 threads
func deriveKey(key, salt []byte) []byte {
	return argon2.IDKey(key, salt, 1, 64*1024, 4, 32)
}
