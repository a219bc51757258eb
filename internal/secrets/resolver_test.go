package secrets

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pkgsecrets "github.com/Checker-Finance/marketcore/pkg/secrets"
)

type countingProvider struct {
	calls atomic.Int32
	inner pkgsecrets.Provider
}

func (p *countingProvider) GetSecret(ctx context.Context, name string) (map[string]string, error) {
	p.calls.Add(1)
	return p.inner.GetSecret(ctx, name)
}

func parseKey(m map[string]string) (string, error) {
	if m["api_key"] == "" {
		return "", errors.New("api_key is required")
	}
	return m["api_key"], nil
}

func TestResolver_CachesParsedValue(t *testing.T) {
	prov := &countingProvider{inner: pkgsecrets.StaticProvider{
		"prod/marketcore/payments": {"api_key": "k1"},
	}}
	r := NewResolver(zap.NewNop(), "PROD", prov, pkgsecrets.NewCache[string](time.Hour), parseKey)

	assert.Equal(t, "prod/marketcore/payments", r.SecretName("payments"))

	for i := 0; i < 3; i++ {
		v, err := r.Resolve(context.Background(), "payments")
		require.NoError(t, err)
		assert.Equal(t, "k1", v)
	}
	assert.EqualValues(t, 1, prov.calls.Load())

	r.Invalidate("payments")
	_, err := r.Resolve(context.Background(), "payments")
	require.NoError(t, err)
	assert.EqualValues(t, 2, prov.calls.Load())
}

func TestResolver_Errors(t *testing.T) {
	prov := pkgsecrets.StaticProvider{"dev/marketcore/bad": {"other": "x"}}
	r := NewResolver(zap.NewNop(), "dev", prov, pkgsecrets.NewCache[string](time.Hour), parseKey)

	_, err := r.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, pkgsecrets.ErrSecretNotFound)

	_, err = r.Resolve(context.Background(), "bad")
	assert.ErrorContains(t, err, "api_key is required")
}
