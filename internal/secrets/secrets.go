// Package secrets resolves named secrets such as the signing key.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/photoverify/internal/apperr"
)

// Provider looks up a secret by name. A missing secret is a configuration error.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// EnvProvider reads secrets from environment variables. The name
// "signing-key" with Prefix "PHOTOVERIFY_" resolves to PHOTOVERIFY_SIGNING_KEY.
type EnvProvider struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnvProvider returns an EnvProvider using os.LookupEnv.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{Prefix: prefix, lookup: os.LookupEnv}
}

// GetSecret implements Provider.
func (p *EnvProvider) GetSecret(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := p.Prefix + EnvName(name)
	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", apperr.Configuration(fmt.Sprintf("secret %q not set", key), nil)
	}
	return value, nil
}

// EnvName converts a secret name to upper snake case.
func EnvName(name string) string {
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_", " ", "_")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(name)))
}

// FileProvider reads secrets from files named after the secret inside Dir,
// the layout used by mounted Kubernetes and Docker secrets.
type FileProvider struct {
	Dir string
}

// GetSecret implements Provider.
func (p FileProvider) GetSecret(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", apperr.Configuration(fmt.Sprintf("invalid secret name %q", name), nil)
	}
	data, err := os.ReadFile(filepath.Join(p.Dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", apperr.Configuration(fmt.Sprintf("secret %q not found in %s", name, p.Dir), err)
		}
		return "", apperr.Configuration(fmt.Sprintf("read secret %q", name), err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", apperr.Configuration(fmt.Sprintf("secret %q is empty", name), nil)
	}
	return value, nil
}

// Static serves secrets from a fixed map.
type Static map[string]string

// GetSecret implements Provider.
func (s Static) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok || v == "" {
		return "", apperr.Configuration(fmt.Sprintf("secret %q not set", name), nil)
	}
	return v, nil
}
