// Package tokenstore reads and writes the agent's auth token file, a
// small YAML document at a platform-conventional path. The core only
// ever reads it at startup; writing is the `set-token` CLI command's job.
package tokenstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	tokenDirName  = "relais"
	tokenFileName = "token.yaml"
)

// ErrNoToken is returned by Load when no token file exists yet.
var ErrNoToken = errors.New("tokenstore: no token saved")

// document is the on-disk YAML shape of the token file.
type document struct {
	Token   string    `yaml:"token"`
	SavedAt time.Time `yaml:"saved_at"`
}

// Path returns the platform-conventional path to the token file, under
// os.UserConfigDir().
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, tokenDirName, tokenFileName), nil
}

// Load reads the saved token. It returns ErrNoToken if the file does not
// exist; any other read or parse failure is returned as-is.
func Load() (string, error) {
	path, err := Path()
	if err != nil {
		return "", err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse token file: %w", err)
	}
	return doc.Token, nil
}

// Save writes token to the platform-conventional path with mode 0600,
// atomically (write to a temp file, then rename).
func Save(token string) error {
	path, err := Path()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}

	doc := document{Token: token, SavedAt: time.Now()}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal token document: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist token file: %w", err)
	}
	return nil
}
