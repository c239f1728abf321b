package cache

import (
	"context"
	"time"

	"github.com/groviaus/jewellery-software-app/internal/domain"
)

// SettingsCache holds per-owner store settings in front of the repository.
type SettingsCache interface {
	Get(ctx context.Context, ownerID string) (*domain.StoreSettings, bool, error)
	Set(ctx context.Context, value *domain.StoreSettings, ttl time.Duration) error
	Invalidate(ctx context.Context, ownerID string) error
}

type NoopSettingsCache struct{}

func (NoopSettingsCache) Get(_ context.Context, _ string) (*domain.StoreSettings, bool, error) {
	return nil, false, nil
}

func (NoopSettingsCache) Set(_ context.Context, _ *domain.StoreSettings, _ time.Duration) error {
	return nil
}

func (NoopSettingsCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func settingsKey(ownerID string) string {
	return "jewelpos:settings:" + ownerID
}
