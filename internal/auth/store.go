package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
)

// RefreshStore persists the refresh material of a provider.
type RefreshStore interface {
	Load() (string, error)
	Save(refreshToken string) error
}

// MemoryStore keeps the refresh token in memory only. It is used when the
// token is supplied inline in the configuration.
type MemoryStore struct {
	mu    sync.Mutex
	token string
}

func NewMemoryStore(token string) *MemoryStore {
	return &MemoryStore{token: token}
}

func (m *MemoryStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryStore) Save(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

// FileStore keeps the refresh token in a JSON file. Unknown fields of an
// existing file (such as those written by Google's client libraries) are
// preserved on save.
type FileStore struct {
	Path string
}

func (f *FileStore) Load() (string, error) {
	doc, err := f.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	token, _ := doc["refresh_token"].(string)
	return token, nil
}

func (f *FileStore) Save(token string) error {
	doc, err := f.read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		doc = map[string]any{}
	}
	doc["refresh_token"] = token

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

func (f *FileStore) read() (map[string]any, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", f.Path, err)
	}
	return doc, nil
}

// KeyringStore keeps the refresh token in the OS keyring.
type KeyringStore struct {
	Service string
	User    string
}

func (k *KeyringStore) Load() (string, error) {
	token, err := keyring.Get(k.Service, k.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("keyring get %s/%s: %w", k.Service, k.User, err)
	}
	return token, nil
}

func (k *KeyringStore) Save(token string) error {
	if err := keyring.Set(k.Service, k.User, token); err != nil {
		return fmt.Errorf("keyring set %s/%s: %w", k.Service, k.User, err)
	}
	return nil
}

// NewRefreshStore picks the store for the configured refresh material: an
// inline token wins over a token file, which wins over the keyring.
func NewRefreshStore(inline, tokenFile, keyringService, account string) (RefreshStore, error) {
	switch {
	case inline != "":
		return NewMemoryStore(inline), nil
	case tokenFile != "":
		return &FileStore{Path: tokenFile}, nil
	case keyringService != "":
		return &KeyringStore{Service: keyringService, User: account}, nil
	default:
		return nil, ErrNoRefreshToken
	}
}
