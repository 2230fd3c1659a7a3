package consumer

import (
	"context"
	"time"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
)

// JSONCache is the part of cachex.Client the pond lookup cache needs.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CachedStore answers PondsByDevice from the cache for TTL. Every sensor
// and heartbeat message needs this lookup, and pond registration rarely
// changes. Cache errors fall through to the store.
type CachedStore struct {
	Store
	Cache JSONCache
	TTL   time.Duration
}

func devicePondsKey(deviceID string) string {
	return "device-ponds:" + deviceID
}

func (s CachedStore) PondsByDevice(ctx context.Context, deviceID string) ([]models.Pond, error) {
	if s.Cache == nil || s.TTL <= 0 {
		return s.Store.PondsByDevice(ctx, deviceID)
	}
	var cached []models.Pond
	if hit, err := s.Cache.GetJSON(ctx, devicePondsKey(deviceID), &cached); err == nil && hit && len(cached) > 0 {
		return cached, nil
	}
	ponds, err := s.Store.PondsByDevice(ctx, deviceID)
	if err != nil || len(ponds) == 0 {
		return ponds, err
	}
	_ = s.Cache.SetJSON(ctx, devicePondsKey(deviceID), ponds, s.TTL)
	return ponds, nil
}
