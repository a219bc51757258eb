package secrets

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/metrics"
	pkgsecrets "github.com/Checker-Finance/marketcore/pkg/secrets"
)

// Resolver resolves a named service secret into a typed config, caching the parsed
// value. Secret names follow {env}/marketcore/{name}.
type Resolver[T any] struct {
	logger   *zap.Logger
	env      string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[T]
	parse    func(map[string]string) (T, error)
}

func NewResolver[T any](
	logger *zap.Logger,
	env string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[T],
	parse func(map[string]string) (T, error),
) *Resolver[T] {
	return &Resolver[T]{
		logger:   logger,
		env:      env,
		provider: provider,
		cache:    cache,
		parse:    parse,
	}
}

// SecretName builds the Secrets Manager key for name.
func (r *Resolver[T]) SecretName(name string) string {
	return strings.ToLower(fmt.Sprintf("%s/marketcore/%s", r.env, name))
}

// Resolve returns the cached config for name, fetching and parsing it on a miss.
func (r *Resolver[T]) Resolve(ctx context.Context, name string) (T, error) {
	key := r.SecretName(name)
	if cfg, ok := r.cache.Get(key); ok {
		metrics.IncCacheHit("hit")
		return cfg, nil
	}
	metrics.IncCacheHit("miss")

	raw, err := r.provider.GetSecret(ctx, key)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed", zap.String("key", key), zap.Error(err))
		var zero T
		return zero, fmt.Errorf("resolve secret %q: %w", name, err)
	}
	cfg, err := r.parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse secret %q: %w", key, err)
	}
	r.cache.Put(key, cfg)

	r.logger.Info("secrets.resolved", zap.String("key", key))
	return cfg, nil
}

// Invalidate drops the cached value for name so the next Resolve refetches it.
func (r *Resolver[T]) Invalidate(name string) {
	r.cache.Bust(r.SecretName(name))
}
