// Package cache adds a Redis read-aside layer over the device registry.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/memberhub/go-push-dispatch/pkg/dispatch"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedDeviceStore is a decorator that adds read-aside caching to any
// DeviceStore. Writes invalidate the user's cache entry so a revoked
// device stops receiving jobs immediately, not when the TTL lapses.
type CachedDeviceStore struct {
	realStore dispatch.DeviceStore
	cache     CacheClient
	ttl       time.Duration
}

func NewCachedDeviceStore(realStore dispatch.DeviceStore, cache CacheClient, ttl time.Duration) *CachedDeviceStore {
	return &CachedDeviceStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// Lookup serves the fan-out read path.
func (s *CachedDeviceStore) Lookup(ctx context.Context, user urn.URN) ([]notification.Device, error) {
	key := s.cacheKey(user)

	var cached []notification.Device
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.realStore.Lookup(ctx, user)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization, not a transaction. If Redis is down we
	// just serve from the source of truth.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)

	return fresh, nil
}

func (s *CachedDeviceStore) Register(ctx context.Context, user urn.URN, deviceID, token string, platform notification.Platform) (*notification.Device, error) {
	device, err := s.realStore.Register(ctx, user, deviceID, token, platform)
	if err != nil {
		return nil, err
	}
	if err := s.invalidate(ctx, user); err != nil {
		return nil, err
	}
	return device, nil
}

// Revoke must clear the cache even though the DB write succeeded: the next
// fan-out has to see the device gone.
func (s *CachedDeviceStore) Revoke(ctx context.Context, user urn.URN, deviceID, reason string) error {
	if err := s.realStore.Revoke(ctx, user, deviceID, reason); err != nil {
		return err
	}
	return s.invalidate(ctx, user)
}

func (s *CachedDeviceStore) invalidate(ctx context.Context, user urn.URN) error {
	return s.cache.Del(ctx, s.cacheKey(user))
}

func (s *CachedDeviceStore) cacheKey(user urn.URN) string {
	return fmt.Sprintf("push:devices:%s", user.String())
}
