// Package envfile resolves credentials from the process environment. A
// secret NAME is read from $NAME, or from the file named by $NAME_FILE as
// mounted by container secret managers.
package envfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

type Store struct {
	lookup   func(string) (string, bool)
	readFile func(string) ([]byte, error)
}

func New() *Store {
	return &Store{lookup: os.LookupEnv, readFile: os.ReadFile}
}

func (s *Store) Secret(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "secret lookup", errors.New("name is required"))
	}
	if value, ok := s.lookup(name); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), nil
	}
	path, ok := s.lookup(name + "_FILE")
	if !ok || strings.TrimSpace(path) == "" {
		return "", domain.WrapError(domain.ErrUnauthorized, "secret lookup", fmt.Errorf("secret %s is not configured", name))
	}
	raw, err := s.readFile(strings.TrimSpace(path))
	if err != nil {
		return "", domain.WrapError(domain.ErrUnauthorized, "secret lookup", fmt.Errorf("read %s_FILE: %w", name, err))
	}
	return strings.TrimSpace(string(raw)), nil
}
