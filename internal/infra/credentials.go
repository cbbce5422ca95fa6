package infra

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
)

const (
	credentialsDBName  = "credentials.db"
	credentialsKeyName = "credentials.key"
	passphraseSize     = 32
	tokenName          = "api_token"
)

// EncryptedCredentialStore implements domain.CredentialStore on a
// SQLCipher database. The passphrase lives base64-encoded in
// credentials.key beside the database, readable by the owner only.
type EncryptedCredentialStore struct {
	db     *sql.DB
	dbPath string
}

// OpenCredentialStore opens the store in dataDir, creating the key and
// database on first use.
func OpenCredentialStore(dataDir string) (*EncryptedCredentialStore, error) {
	key, err := loadOrCreatePassphrase(dataDir)
	if err != nil {
		return nil, err
	}
	return NewEncryptedCredentialStore(dataDir, key)
}

// newPassphrase returns a random SQLCipher passphrase.
func newPassphrase() ([]byte, error) {
	key := make([]byte, passphraseSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate passphrase: %w", err)
	}
	return key, nil
}

// loadOrCreatePassphrase returns the store passphrase from dataDir. The
// first caller creates the key file exclusively; a concurrent caller that
// loses the race reads the winner's key. A malformed key file is an error
// and is never regenerated.
func loadOrCreatePassphrase(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, credentialsKeyName)
	key, err := readPassphrase(path)
	if !errors.Is(err, os.ErrNotExist) {
		return key, err
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if key, err = newPassphrase(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return readPassphrase(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(key)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

func readPassphrase(path string) ([]byte, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("corrupt key file %s: %w", path, err)
	}
	if len(key) != passphraseSize {
		return nil, fmt.Errorf("corrupt key file %s: %d bytes, want %d", path, len(key), passphraseSize)
	}
	return key, nil
}

// NewEncryptedCredentialStore opens (or creates) the encrypted database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedCredentialStore(dataDir string, key []byte) (*EncryptedCredentialStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, credentialsDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to credential store: %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS credentials (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	_ = os.Chmod(dbPath, 0600)

	return &EncryptedCredentialStore{db: db, dbPath: dbPath}, nil
}

// GetToken returns the stored API token.
func (s *EncryptedCredentialStore) GetToken() (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM credentials WHERE name = ?`, tokenName).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return value, nil
}

// SetToken stores the API token, replacing any previous one.
func (s *EncryptedCredentialStore) SetToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token is empty")
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO credentials (name, value, updated_at) VALUES (?, ?, ?)`,
		tokenName, token, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// Clear removes the stored token.
func (s *EncryptedCredentialStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM credentials WHERE name = ?`, tokenName); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *EncryptedCredentialStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *EncryptedCredentialStore) Path() string {
	return s.dbPath
}

var _ domain.CredentialStore = (*EncryptedCredentialStore)(nil)
