package google

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/mcptools/gmail-mcp/internal/config"
)

// Scopes are the OAuth scopes requested during authorization. Only the
// read-only Gmail scope is requested; the server never mutates mail state.
var Scopes = []string{gmail.GmailReadonlyScope}

// LoadClientSecret reads an OAuth client secret JSON file in the standard
// shape downloaded from the Google Cloud console. A missing or malformed
// file is a startup configuration error.
func LoadClientSecret(path string, scopes ...string) (*oauth2.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &config.ConfigError{
			Reason: fmt.Sprintf("reading client secret file %s", path),
			Err:    err,
		}
	}

	if len(scopes) == 0 {
		scopes = Scopes
	}

	conf, err := google.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, &config.ConfigError{
			Reason: fmt.Sprintf("parsing client secret file %s", path),
			Err:    err,
		}
	}

	return conf, nil
}

// LoadCachedToken reads a previously saved token from path. It returns nil
// if the file does not exist or cannot be parsed; both cases simply trigger
// a fresh authorization.
func LoadCachedToken(path string) *oauth2.Token {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		slog.Warn("ignoring unreadable token cache", "path", path, "error", err.Error())
		return nil
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil
	}
	return tok
}

// SaveToken writes tok to path, fully replacing any prior contents. The
// write goes through a temp file and rename so a crash never leaves a
// half-written cache behind.
func SaveToken(path string, tok *oauth2.Token) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpName := f.Name()

	if err := json.NewEncoder(f).Encode(tok); err != nil {
		f.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting token file mode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing token file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}
