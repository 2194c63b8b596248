// Package credentials resolves the streaming API token.
package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"

	"murmur/internal/ports"
)

// EnvStore reads the token from an environment variable, falling back to a
// token file when the variable is unset. The file path is optional.
type EnvStore struct {
	EnvVar   string
	FilePath string
}

// NewEnvStore builds a store for the given environment variable and optional
// token file.
func NewEnvStore(envVar, filePath string) *EnvStore {
	return &EnvStore{EnvVar: envVar, FilePath: filePath}
}

// Token returns the configured token or ports.ErrTokenNotFound when neither
// source yields one.
func (s *EnvStore) Token(_ context.Context) (string, error) {
	if token := strings.TrimSpace(os.Getenv(s.EnvVar)); token != "" {
		return token, nil
	}

	if s.FilePath != "" {
		contents, err := os.ReadFile(s.FilePath)
		if err != nil {
			if os.IsNotExist(err) {
				return "", ports.ErrTokenNotFound
			}
			return "", fmt.Errorf("failed to read token file %q: %w", s.FilePath, err)
		}
		if token := strings.TrimSpace(string(contents)); token != "" {
			return token, nil
		}
	}

	return "", ports.ErrTokenNotFound
}

// StaticStore returns a fixed token. Used in tests and one-off tooling.
type StaticStore struct {
	Value string
}

func (s StaticStore) Token(_ context.Context) (string, error) {
	if strings.TrimSpace(s.Value) == "" {
		return "", ports.ErrTokenNotFound
	}
	return s.Value, nil
}
