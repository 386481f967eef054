package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment variable names for the two required file paths.
const (
	EnvCredentialsFile = "GMAIL_CREDENTIALS_FILE"
	EnvTokenFile       = "GMAIL_TOKEN_FILE"
)

// Config holds the file paths the server needs to authenticate.
type Config struct {
	// CredentialsFile is the path to the OAuth client secret JSON.
	CredentialsFile string

	// TokenFile is the path to the cached OAuth token. The file is created
	// on first authorization and rewritten after every refresh.
	TokenFile string
}

// ConfigError indicates missing or malformed startup configuration.
// It is the only error kind that is allowed to terminate the process.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Reason, e.Err)
	}
	return "config: " + e.Reason
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Load reads the configuration from the environment. A .env file in the
// working directory is merged in first, without overriding variables that
// are already set.
func Load() (Config, error) {
	// Best effort; a missing .env file is the common case.
	_ = godotenv.Load()

	cfg := Config{
		CredentialsFile: os.Getenv(EnvCredentialsFile),
		TokenFile:       os.Getenv(EnvTokenFile),
	}

	if cfg.CredentialsFile == "" {
		return Config{}, &ConfigError{Reason: EnvCredentialsFile + " environment variable not set"}
	}
	if cfg.TokenFile == "" {
		return Config{}, &ConfigError{Reason: EnvTokenFile + " environment variable not set"}
	}

	return cfg, nil
}
