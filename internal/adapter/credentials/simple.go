// Package credentials resolves credential references to signing material.
// Stores fetch from their source on every call; the Resolver in front of them
// owns caching, expiry and deduplication.
package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/thushan/porter/internal/core/domain"
)

// SimpleStore produces API-key credentials from an environment variable or a
// file on disk.
type SimpleStore struct {
	name    string
	source  string
	keyVar  string
	keyFile string
}

// NewSimpleStore builds a store for the given source. source must be "env" or
// "file"; Validate reports misconfiguration.
func NewSimpleStore(name, source, keyVar, keyFile string) *SimpleStore {
	return &SimpleStore{
		name:    name,
		source:  source,
		keyVar:  keyVar,
		keyFile: keyFile,
	}
}

func (s *SimpleStore) Fetch(ctx context.Context) (domain.Credential, error) {
	var key string

	switch s.source {
	case "env":
		key = os.Getenv(s.keyVar)
		if key == "" {
			return domain.Credential{}, fmt.Errorf("credential store %s: environment variable %s is empty or unset", s.name, s.keyVar)
		}
	case "file":
		raw, err := os.ReadFile(s.keyFile)
		if err != nil {
			return domain.Credential{}, fmt.Errorf("credential store %s: reading %s: %w", s.name, s.keyFile, err)
		}
		key = strings.TrimSpace(string(raw))
		if key == "" {
			return domain.Credential{}, fmt.Errorf("credential store %s: %s is empty", s.name, s.keyFile)
		}
	default:
		return domain.Credential{}, fmt.Errorf("credential store %s: unknown source %q", s.name, s.source)
	}

	return domain.Credential{
		Kind:   domain.CredentialSimple,
		APIKey: key,
	}, nil
}

// Validate checks the store is well-formed without fetching the secret.
func (s *SimpleStore) Validate() error {
	switch s.source {
	case "env":
		if s.keyVar == "" {
			return fmt.Errorf("credential store %s: env source requires api_key_var", s.name)
		}
	case "file":
		if s.keyFile == "" {
			return fmt.Errorf("credential store %s: file source requires api_key_file", s.name)
		}
		if _, err := os.Stat(s.keyFile); err != nil {
			return fmt.Errorf("credential store %s: %w", s.name, err)
		}
	default:
		return fmt.Errorf("credential store %s: unknown source %q", s.name, s.source)
	}
	return nil
}
