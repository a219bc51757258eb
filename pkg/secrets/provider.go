package secrets

import (
	"context"
	"errors"
)

// ErrSecretNotFound is returned when a provider has no secret under the requested name.
var ErrSecretNotFound = errors.New("secret not found")

// Provider fetches a secret stored as a flat JSON object of strings.
type Provider interface {
	GetSecret(ctx context.Context, name string) (map[string]string, error)
}

// StaticProvider serves secrets from memory. It backs local runs where the
// provider credentials come from the environment instead of AWS.
type StaticProvider map[string]map[string]string

func (p StaticProvider) GetSecret(_ context.Context, name string) (map[string]string, error) {
	v, ok := p[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out, nil
}
