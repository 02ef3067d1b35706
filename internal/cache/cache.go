package cache

import (
	"context"
	"time"

	"lapakpos/backend/internal/domain"
)

// CatalogCache holds product snapshots keyed by sku so settlement drafts
// do not hit the primary store for every price lookup.
type CatalogCache interface {
	Get(ctx context.Context, key string) (*domain.Product, bool, error)
	Set(ctx context.Context, key string, value *domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ *domain.Product, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
