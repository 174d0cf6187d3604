// Package secrets resolves credentials at invocation time. Values are looked up on every call
// so a rotated key or webhook URL takes effect on the next fetch or send without a restart.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Secret names.
const (
	WeatherAPIKey     = "weather_api_key"
	DiscordWebhookURL = "discord_webhook_url"
)

// ErrNotFound is returned when a secret has no value in any source.
var ErrNotFound = errors.New("secret not found")

// Store supplies secrets by name.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
}

// FileStore reads NAME (upper-cased) from the environment, falling back to a YAML map in path.
// A missing file is treated as empty.
type FileStore struct {
	path   string
	getenv func(string) string
}

// NewFileStore returns a store backed by env vars and the YAML file at path (usually
// config/secrets.yaml).
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, getenv: os.Getenv}
}

// Get implements Store.Get.
func (s *FileStore) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if v := strings.TrimSpace(s.getenv(strings.ToUpper(name))); v != "" {
		return v, nil
	}
	if s.path == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s (set %s or %s)", ErrNotFound, name, strings.ToUpper(name), s.path)
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	if v := strings.TrimSpace(values[name]); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s (set %s or %s)", ErrNotFound, name, strings.ToUpper(name), s.path)
}

// Static is a fixed map of secrets, for tests and embedding.
type Static map[string]string

// Get implements Store.Get.
func (s Static) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if v, ok := s[name]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}
