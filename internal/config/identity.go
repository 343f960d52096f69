package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Identity is the persisted runner identity, stored as config.json next to
// the binary: { id, token, name }. It is recreated when the control plane no
// longer recognizes the machine.
type Identity struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Name  string `json:"name"`
}

// IdentityPath returns the path of config.json next to the running binary.
func IdentityPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), "config.json"), nil
}

// LoadIdentity reads an identity file. A missing file returns
// os.ErrNotExist; a malformed file is an error (fatal at startup).
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("malformed identity file %s: %w", path, err)
	}
	if id.ID == "" || id.Token == "" {
		return nil, fmt.Errorf("identity file %s is missing id or token", path)
	}
	return &id, nil
}

// SaveIdentity writes the identity atomically with owner-only permissions
// (the token is sensitive).
func SaveIdentity(id *Identity, path string) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save identity: %w", err)
	}

	return nil
}

// NewIdentity mints a fresh identity from the bootstrap token.
func NewIdentity(token, name string) *Identity {
	return &Identity{
		ID:    uuid.NewString(),
		Token: token,
		Name:  name,
	}
}

// LoadOrCreateIdentity loads the identity file or, when absent, mints and
// persists a new one from the bootstrap token. No file and no token is a
// configuration error.
func LoadOrCreateIdentity(path string, cfg *Config) (*Identity, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if cfg.BootstrapToken == "" {
		return nil, ErrMissingToken
	}

	id = NewIdentity(cfg.BootstrapToken, cfg.Hostname)
	if err := SaveIdentity(id, path); err != nil {
		return nil, err
	}
	return id, nil
}
